/*
ledger.go - Duplicate-guarded writes to the settlement ledger

PURPOSE:
  GuardedLedger is the single write path into the LedgerStore. Before any
  write with a non-empty transaction hash it relies on the store's
  insert-if-absent semantics: an entry already recorded for the same
  (transactionHash, walletAddress) is returned unchanged rather than
  inserted again.

WHY A GUARD?
  The settlement gateway's transfer is irreversible. Once it returns a
  hash, bookkeeping must be made to match that fact, and the only safe way
  to recover from a partial commit is to re-play the whole commit phase.
  The guard is what makes that re-play free of duplicates: same hash, same
  wallet, same entry - written once no matter how many times it is applied.

CORRECTIONS:
  The ledger is append-only. A mistaken entry is corrected by a new entry,
  never by an edit.

SEE ALSO:
  - store.go: LedgerStore.InsertIfAbsent contract
  - engine.go: commit phase, the main caller
*/
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GuardedLedger wraps a LedgerStore with the duplicate guard and id/time
// assignment. All engine and transfer writes go through it.
type GuardedLedger struct {
	store LedgerStore
	log   zerolog.Logger
	now   func() time.Time
}

// NewGuardedLedger creates a guarded ledger over store.
func NewGuardedLedger(store LedgerStore, log zerolog.Logger) *GuardedLedger {
	return &GuardedLedger{
		store: store,
		log:   log.With().Str("component", "ledger").Logger(),
		now:   time.Now,
	}
}

// Record writes entry through the duplicate guard. Missing ID and
// Timestamp are assigned. Returns the stored entry, which is the
// pre-existing one when the (hash, wallet) pair was already recorded.
func (g *GuardedLedger) Record(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = g.now().UTC()
	}

	stored, inserted, err := g.store.InsertIfAbsent(ctx, entry)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("ledger write failed: %w", err)
	}
	if !inserted {
		g.log.Debug().
			Str("tx_hash", entry.TransactionHash).
			Str("wallet", entry.WalletAddress).
			Msg("duplicate ledger write suppressed")
	}
	return stored, nil
}

// RecordIntent persists the settlement-intent record for a confirmed
// transfer. Idempotent per hash.
func (g *GuardedLedger) RecordIntent(ctx context.Context, intent SettlementIntent) error {
	if err := g.store.RecordIntent(ctx, intent); err != nil {
		return fmt.Errorf("intent write failed: %w", err)
	}
	return nil
}

// Intent returns the recorded intent for hash, or ErrNotFound.
func (g *GuardedLedger) Intent(ctx context.Context, hash string) (*SettlementIntent, error) {
	return g.store.GetIntent(ctx, hash)
}

// ByWallet returns a wallet's entries, newest first.
func (g *GuardedLedger) ByWallet(ctx context.Context, wallet string) ([]LedgerEntry, error) {
	return g.store.ListByWallet(ctx, wallet)
}

// All returns every entry, newest first.
func (g *GuardedLedger) All(ctx context.Context) ([]LedgerEntry, error) {
	return g.store.ListAll(ctx)
}

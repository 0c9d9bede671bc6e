/*
store.go - Persistence interfaces for lots and the settlement ledger

PURPOSE:
  Defines the contract between the domain logic and the database. Two
  stores exist: the lot inventory (mutable, but only through compare-and-
  update) and the settlement ledger (append-only, duplicate-guarded).

CAS CONTRACT:
  LotStore has no blind overwrite. Every mutation goes through
  CompareAndUpdate, which carries the caller's expected amount as an
  optimistic concurrency token. A stale token fails with ErrConflict.
  This is what keeps an admin review and a concurrent allocation from
  silently clobbering each other on the same lot.

APPEND-ONLY CONTRACT:
  LedgerStore has no Update and no Delete. Entry writes go through
  InsertIfAbsent: an entry that already exists for the same
  (transactionHash, walletAddress) is returned unchanged instead of being
  inserted, which is what makes the settlement commit phase replayable.
  Settlement intents are written once per hash via RecordIntent and are
  immutable afterwards; they anchor every commit replay to a transfer the
  gateway actually confirmed.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite (WAL, unique indexes, guarded UPDATE)
  - market/store:  in-memory, for tests and dev
  - store/redisguard: Redis SETNX fast path layered over any LedgerStore

SEE ALSO:
  - ledger.go: GuardedLedger, the duplicate guard over LedgerStore
  - engine.go: the only writer of Completed lots and Buy/Sell entries
*/
package market

import (
	"context"
	"time"
)

// =============================================================================
// LOT STORE
// =============================================================================

// LotUpdate is the target state for a CompareAndUpdate call.
type LotUpdate struct {
	// ExpectedAmount is the optimistic token: the amount the caller last
	// read. The update fails with ErrConflict if the stored amount (or
	// status, for status-changing updates) no longer matches.
	ExpectedAmount int64

	NewAmount      int64
	NewStatus      LotStatus
	CompletedAt    *time.Time
	SettlementHash string

	// Review fields; only set by the review state machine.
	ReviewedBy *string
	ReviewedAt *time.Time
	AdminNotes *string
}

// LotStore persists the lot inventory.
type LotStore interface {
	// Create inserts a new lot record.
	Create(ctx context.Context, lot Lot) error

	// GetByID returns a lot, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Lot, error)

	// ListApproved returns the approved pool ordered by SubmittedAt
	// ascending, ties broken by ID for determinism. This ordering IS the
	// FIFO allocation order.
	ListApproved(ctx context.Context) ([]Lot, error)

	// ListPending returns the admin review queue, oldest first.
	ListPending(ctx context.Context) ([]Lot, error)

	// ListByOwner returns all lots registered by an owner, newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]Lot, error)

	// ListCompletedBySettlement returns the Completed lots sold under a
	// settlement hash. Used by the commit phase to detect a prior
	// partial commit before re-consuming the pool.
	ListCompletedBySettlement(ctx context.Context, hash string) ([]Lot, error)

	// FindPendingDuplicate returns an existing Pending lot with the same
	// owner, wallet and amount, or nil.
	FindPendingDuplicate(ctx context.Context, ownerID, wallet string, amount int64) (*Lot, error)

	// CompareAndUpdate applies upd to the lot iff the stored amount still
	// equals upd.ExpectedAmount. Returns ErrConflict on a stale token and
	// ErrNotFound for an unknown id.
	CompareAndUpdate(ctx context.Context, id string, upd LotUpdate) (*Lot, error)

	// SplitForSale atomically decrements lot id by clone.Amount (CAS on
	// expectedAmount, status stays Approved) and inserts clone as the
	// Completed record of the consumed slice. Atomic so a crash can never
	// leave a decrement without its clone or vice versa. Returns
	// ErrConflict on a stale token.
	SplitForSale(ctx context.Context, id string, expectedAmount int64, clone Lot) (*Lot, error)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

// LedgerStore persists settlement ledger entries. Append-only.
type LedgerStore interface {
	// InsertIfAbsent writes the entry unless one already exists for the
	// same non-empty (TransactionHash, WalletAddress) pair, in which case
	// the existing entry is returned with inserted=false.
	InsertIfAbsent(ctx context.Context, entry LedgerEntry) (stored LedgerEntry, inserted bool, err error)

	// GetBySettlement returns the entry for (hash, wallet), or ErrNotFound.
	GetBySettlement(ctx context.Context, hash, wallet string) (*LedgerEntry, error)

	// ListByWallet returns a wallet's entries, newest first.
	ListByWallet(ctx context.Context, wallet string) ([]LedgerEntry, error)

	// ListAll returns every entry, newest first.
	ListAll(ctx context.Context) ([]LedgerEntry, error)

	// RecordIntent persists the settlement-intent record for a confirmed
	// transfer. Idempotent: re-recording an already-known hash is a no-op,
	// so a replayed purchase path cannot fail here.
	RecordIntent(ctx context.Context, intent SettlementIntent) error

	// GetIntent returns the intent recorded for hash, or ErrNotFound.
	GetIntent(ctx context.Context, hash string) (*SettlementIntent, error)
}

/*
Package redisguard layers a Redis fast path over a market.LedgerStore's
duplicate guard.

PURPOSE:
  The underlying store's unique index on (transaction_hash, wallet) is
  the source of truth for ledger idempotency. When retries of a confirmed
  settlement arrive in storms (client retries, commit-phase replays
  across processes), a Redis SETNX check answers the duplicate case
  without touching the database's write path.

SEMANTICS:
  - SETNX wins  -> first writer, delegate the insert. If the insert then
    fails, the reservation is released so a later retry can proceed.
  - SETNX loses -> a writer already recorded (or is recording) this
    (hash, wallet); serve the stored row from the underlying store.
  - Redis being down degrades to the underlying store's guard; it never
    becomes a correctness dependency.

SEE ALSO:
  - market/ledger.go: the guard's caller
  - store/sqlite: the authoritative unique index
*/
package redisguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/verdant/credit-market/market"
)

// reservationTTL bounds how long a (hash, wallet) reservation lives.
// Settlement references never recur, so this only caps memory.
const reservationTTL = 24 * time.Hour

// Guard decorates a LedgerStore with a Redis duplicate fast path.
type Guard struct {
	inner  market.LedgerStore
	client *redis.Client
	log    zerolog.Logger
}

// New creates a guard over inner using the given Redis client.
func New(inner market.LedgerStore, client *redis.Client, log zerolog.Logger) *Guard {
	return &Guard{
		inner:  inner,
		client: client,
		log:    log.With().Str("component", "redis-guard").Logger(),
	}
}

func guardKey(hash, wallet string) string {
	return fmt.Sprintf("ledger:dup:%s:%s", hash, wallet)
}

// InsertIfAbsent implements market.LedgerStore.
func (g *Guard) InsertIfAbsent(ctx context.Context, entry market.LedgerEntry) (market.LedgerEntry, bool, error) {
	if entry.TransactionHash == "" {
		return g.inner.InsertIfAbsent(ctx, entry)
	}

	key := guardKey(entry.TransactionHash, entry.WalletAddress)
	reserved, err := g.client.SetNX(ctx, key, entry.ID, reservationTTL).Result()
	if err != nil {
		// Redis down: fall through to the authoritative guard.
		g.log.Warn().Err(err).Msg("redis unavailable, using store guard only")
		return g.inner.InsertIfAbsent(ctx, entry)
	}

	if !reserved {
		existing, err := g.inner.GetBySettlement(ctx, entry.TransactionHash, entry.WalletAddress)
		if err == nil {
			return *existing, false, nil
		}
		if !errors.Is(err, market.ErrNotFound) {
			return market.LedgerEntry{}, false, err
		}
		// Reservation exists but the row does not: a prior writer died
		// between SETNX and insert. Delegate; the unique index decides.
		return g.inner.InsertIfAbsent(ctx, entry)
	}

	stored, inserted, err := g.inner.InsertIfAbsent(ctx, entry)
	if err != nil {
		// Release the reservation so a retry is not locked out.
		if delErr := g.client.Del(ctx, key).Err(); delErr != nil {
			g.log.Warn().Err(delErr).Str("key", key).Msg("failed to release reservation")
		}
		return market.LedgerEntry{}, false, err
	}
	return stored, inserted, nil
}

// RecordIntent implements market.LedgerStore. Intents are written once
// per hash and read on the replay path only, so they go straight to the
// authoritative store.
func (g *Guard) RecordIntent(ctx context.Context, intent market.SettlementIntent) error {
	return g.inner.RecordIntent(ctx, intent)
}

// GetIntent implements market.LedgerStore.
func (g *Guard) GetIntent(ctx context.Context, hash string) (*market.SettlementIntent, error) {
	return g.inner.GetIntent(ctx, hash)
}

// GetBySettlement implements market.LedgerStore.
func (g *Guard) GetBySettlement(ctx context.Context, hash, wallet string) (*market.LedgerEntry, error) {
	return g.inner.GetBySettlement(ctx, hash, wallet)
}

// ListByWallet implements market.LedgerStore.
func (g *Guard) ListByWallet(ctx context.Context, wallet string) ([]market.LedgerEntry, error) {
	return g.inner.ListByWallet(ctx, wallet)
}

// ListAll implements market.LedgerStore.
func (g *Guard) ListAll(ctx context.Context) ([]market.LedgerEntry, error) {
	return g.inner.ListAll(ctx)
}

var _ market.LedgerStore = (*Guard)(nil)

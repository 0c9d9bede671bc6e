// Package store provides in-memory LotStore and LedgerStore
// implementations for testing and development. Semantics (CAS tokens,
// insert-if-absent, FIFO ordering) match the SQLite store exactly.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/verdant/credit-market/market"
)

// =============================================================================
// MEMORY LOT STORE
// =============================================================================

type MemoryLots struct {
	mu   sync.RWMutex
	lots map[string]market.Lot
}

func NewMemoryLots() *MemoryLots {
	return &MemoryLots{lots: make(map[string]market.Lot)}
}

func (m *MemoryLots) Create(_ context.Context, lot market.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lots[lot.ID] = lot
	return nil
}

func (m *MemoryLots) GetByID(_ context.Context, id string) (*market.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lot, ok := m.lots[id]
	if !ok {
		return nil, market.ErrNotFound
	}
	return &lot, nil
}

func (m *MemoryLots) ListApproved(_ context.Context) ([]market.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listByStatusLocked(market.LotApproved), nil
}

func (m *MemoryLots) ListPending(_ context.Context) ([]market.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listByStatusLocked(market.LotPending), nil
}

// listByStatusLocked returns lots in submission order, ties by id.
func (m *MemoryLots) listByStatusLocked(status market.LotStatus) []market.Lot {
	var result []market.Lot
	for _, lot := range m.lots {
		if lot.Status == status {
			result = append(result, lot)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].SubmittedAt.Equal(result[j].SubmittedAt) {
			return result[i].SubmittedAt.Before(result[j].SubmittedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *MemoryLots) ListByOwner(_ context.Context, ownerID string) ([]market.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []market.Lot
	for _, lot := range m.lots {
		if lot.OwnerID == ownerID {
			result = append(result, lot)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].SubmittedAt.Equal(result[j].SubmittedAt) {
			return result[i].SubmittedAt.After(result[j].SubmittedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *MemoryLots) ListCompletedBySettlement(_ context.Context, hash string) ([]market.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []market.Lot
	for _, lot := range m.lots {
		if lot.Status == market.LotCompleted && lot.SettlementHash == hash {
			result = append(result, lot)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryLots) FindPendingDuplicate(_ context.Context, ownerID, wallet string, amount int64) (*market.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, lot := range m.lots {
		if lot.Status == market.LotPending &&
			lot.OwnerID == ownerID &&
			lot.WalletAddress == wallet &&
			lot.Amount == amount {
			found := lot
			return &found, nil
		}
	}
	return nil, nil
}

func (m *MemoryLots) CompareAndUpdate(_ context.Context, id string, upd market.LotUpdate) (*market.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compareAndUpdateLocked(id, upd)
}

func (m *MemoryLots) compareAndUpdateLocked(id string, upd market.LotUpdate) (*market.Lot, error) {
	lot, ok := m.lots[id]
	if !ok {
		return nil, market.ErrNotFound
	}
	if lot.Amount != upd.ExpectedAmount {
		return nil, market.ErrConflict
	}
	// A terminal lot never changes again, whatever token the caller holds.
	if lot.Status == market.LotCompleted || lot.Status == market.LotRejected {
		return nil, market.ErrConflict
	}

	lot.Amount = upd.NewAmount
	lot.Status = upd.NewStatus
	if upd.CompletedAt != nil {
		lot.CompletedAt = upd.CompletedAt
	}
	if upd.SettlementHash != "" {
		lot.SettlementHash = upd.SettlementHash
	}
	if upd.ReviewedBy != nil {
		lot.ReviewedBy = upd.ReviewedBy
	}
	if upd.ReviewedAt != nil {
		lot.ReviewedAt = upd.ReviewedAt
	}
	if upd.AdminNotes != nil {
		lot.AdminNotes = upd.AdminNotes
	}

	m.lots[id] = lot
	return &lot, nil
}

func (m *MemoryLots) SplitForSale(_ context.Context, id string, expectedAmount int64, clone market.Lot) (*market.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lot, ok := m.lots[id]
	if !ok {
		return nil, market.ErrNotFound
	}
	if lot.Amount != expectedAmount || lot.Status != market.LotApproved {
		return nil, market.ErrConflict
	}
	if clone.Amount <= 0 || clone.Amount >= lot.Amount {
		return nil, market.ErrConflict
	}

	lot.Amount -= clone.Amount
	m.lots[id] = lot
	m.lots[clone.ID] = clone
	return &clone, nil
}

// =============================================================================
// MEMORY LEDGER STORE
// =============================================================================

type MemoryLedger struct {
	mu      sync.RWMutex
	entries []market.LedgerEntry
	// byKey indexes entries by (hash, wallet) for the duplicate guard.
	byKey   map[ledgerKey]int
	intents map[string]market.SettlementIntent
}

type ledgerKey struct {
	Hash   string
	Wallet string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byKey:   make(map[ledgerKey]int),
		intents: make(map[string]market.SettlementIntent),
	}
}

func (m *MemoryLedger) InsertIfAbsent(_ context.Context, entry market.LedgerEntry) (market.LedgerEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.TransactionHash != "" {
		k := ledgerKey{Hash: entry.TransactionHash, Wallet: entry.WalletAddress}
		if i, ok := m.byKey[k]; ok {
			return m.entries[i], false, nil
		}
		m.byKey[k] = len(m.entries)
	}
	m.entries = append(m.entries, entry)
	return entry, true, nil
}

func (m *MemoryLedger) GetBySettlement(_ context.Context, hash, wallet string) (*market.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i, ok := m.byKey[ledgerKey{Hash: hash, Wallet: wallet}]; ok {
		entry := m.entries[i]
		return &entry, nil
	}
	return nil, market.ErrNotFound
}

func (m *MemoryLedger) ListByWallet(_ context.Context, wallet string) ([]market.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []market.LedgerEntry
	for _, e := range m.entries {
		if e.WalletAddress == wallet {
			result = append(result, e)
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (m *MemoryLedger) ListAll(_ context.Context) ([]market.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]market.LedgerEntry, len(m.entries))
	copy(result, m.entries)
	sortNewestFirst(result)
	return result, nil
}

func (m *MemoryLedger) RecordIntent(_ context.Context, intent market.SettlementIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// First write per hash wins; a replay is a no-op.
	if _, ok := m.intents[intent.Hash]; ok {
		return nil
	}
	m.intents[intent.Hash] = intent
	return nil
}

func (m *MemoryLedger) GetIntent(_ context.Context, hash string) (*market.SettlementIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	intent, ok := m.intents[hash]
	if !ok {
		return nil, market.ErrNotFound
	}
	return &intent, nil
}

func sortNewestFirst(entries []market.LedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
}

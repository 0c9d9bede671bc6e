/*
sqlite_test.go - SQLite store contract tests

ORGANIZATION:
  1. Lot store: round-trip, FIFO ordering, guarded updates, split
  2. Ledger store: insert-if-absent, duplicate guard, ordering
  3. End-to-end: the allocation engine running over this store

All tests run against ":memory:" databases.
*/
package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant/credit-market/market"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

var base = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

func testLot(id string, amount int64, status market.LotStatus, submittedAt time.Time) market.Lot {
	return market.Lot{
		ID:            id,
		OwnerID:       "owner-" + id,
		WalletAddress: "0x" + id,
		Amount:        amount,
		UnitPrice:     decimal.RequireFromString("0.25"),
		Status:        status,
		SubmittedAt:   submittedAt,
	}
}

// =============================================================================
// LOT STORE
// =============================================================================

func TestLots_RoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	reviewer := "admin-1"
	reviewedAt := base.Add(time.Hour)
	notes := "verified against registry"
	lot := market.Lot{
		ID:            "lot-1",
		OwnerID:       "alice",
		WalletAddress: "0xaaa",
		Amount:        100,
		UnitPrice:     decimal.RequireFromString("0.20"),
		Status:        market.LotApproved,
		Description:   "wind farm batch 7",
		SubmittedAt:   base,
		ReviewedBy:    &reviewer,
		ReviewedAt:    &reviewedAt,
		AdminNotes:    &notes,
	}
	require.NoError(t, st.Create(ctx, lot))

	got, err := st.GetByID(ctx, "lot-1")
	require.NoError(t, err)
	assert.Equal(t, lot.OwnerID, got.OwnerID)
	assert.Equal(t, lot.WalletAddress, got.WalletAddress)
	assert.EqualValues(t, 100, got.Amount)
	assert.True(t, got.UnitPrice.Equal(lot.UnitPrice))
	assert.Equal(t, market.LotApproved, got.Status)
	assert.Equal(t, "wind farm batch 7", got.Description)
	assert.True(t, got.SubmittedAt.Equal(base))
	require.NotNil(t, got.ReviewedBy)
	assert.Equal(t, reviewer, *got.ReviewedBy)
	require.NotNil(t, got.ReviewedAt)
	assert.True(t, got.ReviewedAt.Equal(reviewedAt))
	require.NotNil(t, got.AdminNotes)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.SettlementHash)

	_, err = st.GetByID(ctx, "no-such")
	assert.ErrorIs(t, err, market.ErrNotFound)
}

func TestLots_ListApproved_FIFOOrder(t *testing.T) {
	// GIVEN: Approved lots submitted at t2, t0, t1 plus noise in other
	//        states
	// WHEN:  Listing the approved pool
	// THEN:  Strict submission order; equal timestamps break ties by id

	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, testLot("c", 30, market.LotApproved, base.Add(2*time.Hour))))
	require.NoError(t, st.Create(ctx, testLot("a", 10, market.LotApproved, base)))
	require.NoError(t, st.Create(ctx, testLot("b", 20, market.LotApproved, base.Add(time.Hour))))
	require.NoError(t, st.Create(ctx, testLot("p", 99, market.LotPending, base)))
	require.NoError(t, st.Create(ctx, testLot("r", 99, market.LotRejected, base)))

	// Same timestamp as "a"; id decides.
	require.NoError(t, st.Create(ctx, testLot("a2", 15, market.LotApproved, base)))

	pool, err := st.ListApproved(ctx)
	require.NoError(t, err)
	require.Len(t, pool, 4)
	assert.Equal(t, "a", pool[0].ID)
	assert.Equal(t, "a2", pool[1].ID)
	assert.Equal(t, "b", pool[2].ID)
	assert.Equal(t, "c", pool[3].ID)
}

func TestLots_CompareAndUpdate_TokenGuard(t *testing.T) {
	// GIVEN: An approved lot of 100
	// WHEN:  Updating with a stale expected amount
	// THEN:  ErrConflict and no change; the correct token succeeds

	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, testLot("lot-1", 100, market.LotApproved, base)))

	at := base.Add(time.Hour)
	_, err := st.CompareAndUpdate(ctx, "lot-1", market.LotUpdate{
		ExpectedAmount: 90, // stale
		NewAmount:      90,
		NewStatus:      market.LotCompleted,
		CompletedAt:    &at,
		SettlementHash: "0xabc",
	})
	assert.ErrorIs(t, err, market.ErrConflict)

	got, err := st.GetByID(ctx, "lot-1")
	require.NoError(t, err)
	assert.Equal(t, market.LotApproved, got.Status)

	updated, err := st.CompareAndUpdate(ctx, "lot-1", market.LotUpdate{
		ExpectedAmount: 100,
		NewAmount:      100,
		NewStatus:      market.LotCompleted,
		CompletedAt:    &at,
		SettlementHash: "0xabc",
	})
	require.NoError(t, err)
	assert.Equal(t, market.LotCompleted, updated.Status)
	assert.Equal(t, "0xabc", updated.SettlementHash)
	require.NotNil(t, updated.CompletedAt)
}

func TestLots_CompareAndUpdate_TerminalLotsFrozen(t *testing.T) {
	// GIVEN: A Completed lot
	// WHEN:  Updating it with a matching amount token
	// THEN:  ErrConflict; terminal lots never change

	st := newTestStore(t)
	ctx := context.Background()

	lot := testLot("done", 50, market.LotCompleted, base)
	lot.SettlementHash = "0xold"
	require.NoError(t, st.Create(ctx, lot))

	_, err := st.CompareAndUpdate(ctx, "done", market.LotUpdate{
		ExpectedAmount: 50,
		NewAmount:      50,
		NewStatus:      market.LotApproved,
	})
	assert.ErrorIs(t, err, market.ErrConflict)

	_, err = st.CompareAndUpdate(ctx, "missing", market.LotUpdate{
		ExpectedAmount: 50,
		NewAmount:      50,
		NewStatus:      market.LotApproved,
	})
	assert.ErrorIs(t, err, market.ErrNotFound)
}

func TestLots_SplitForSale(t *testing.T) {
	// GIVEN: An approved lot of 50
	// WHEN:  Splitting off 20 as a Completed clone
	// THEN:  Original holds 30 Approved; clone is 20 Completed under the
	//        hash; a stale-token split fails atomically

	st := newTestStore(t)
	ctx := context.Background()

	original := testLot("lot-1", 50, market.LotApproved, base)
	require.NoError(t, st.Create(ctx, original))

	at := base.Add(time.Hour)
	clone := original.CloneForSale("lot-1-slice", 20, at, "0xabc")
	stored, err := st.SplitForSale(ctx, "lot-1", 50, clone)
	require.NoError(t, err)
	assert.EqualValues(t, 20, stored.Amount)

	got, err := st.GetByID(ctx, "lot-1")
	require.NoError(t, err)
	assert.EqualValues(t, 30, got.Amount)
	assert.Equal(t, market.LotApproved, got.Status)

	gotClone, err := st.GetByID(ctx, "lot-1-slice")
	require.NoError(t, err)
	assert.Equal(t, market.LotCompleted, gotClone.Status)
	assert.Equal(t, "0xabc", gotClone.SettlementHash)
	assert.True(t, gotClone.SubmittedAt.Equal(original.SubmittedAt))

	// Stale token: amount is now 30, not 50.
	_, err = st.SplitForSale(ctx, "lot-1", 50, original.CloneForSale("lot-1-slice-2", 10, at, "0xdef"))
	assert.ErrorIs(t, err, market.ErrConflict)
	_, err = st.GetByID(ctx, "lot-1-slice-2")
	assert.ErrorIs(t, err, market.ErrNotFound, "failed split must not leave a clone behind")
}

func TestLots_ListCompletedBySettlement(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	l1 := testLot("s1", 100, market.LotCompleted, base)
	l1.SettlementHash = "0xabc"
	l2 := testLot("s2", 20, market.LotCompleted, base.Add(time.Hour))
	l2.SettlementHash = "0xabc"
	l3 := testLot("s3", 30, market.LotCompleted, base)
	l3.SettlementHash = "0xother"
	require.NoError(t, st.Create(ctx, l1))
	require.NoError(t, st.Create(ctx, l2))
	require.NoError(t, st.Create(ctx, l3))

	lots, err := st.ListCompletedBySettlement(ctx, "0xabc")
	require.NoError(t, err)
	require.Len(t, lots, 2)

	none, err := st.ListCompletedBySettlement(ctx, "0xunknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLots_FindPendingDuplicate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	lot := testLot("p1", 100, market.LotPending, base)
	lot.OwnerID = "alice"
	lot.WalletAddress = "0xaaa"
	require.NoError(t, st.Create(ctx, lot))

	found, err := st.FindPendingDuplicate(ctx, "alice", "0xaaa", 100)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "p1", found.ID)

	// Different amount, different wallet, no match.
	found, err = st.FindPendingDuplicate(ctx, "alice", "0xaaa", 99)
	require.NoError(t, err)
	assert.Nil(t, found)
	found, err = st.FindPendingDuplicate(ctx, "alice", "0xbbb", 100)
	require.NoError(t, err)
	assert.Nil(t, found)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func testEntry(id, hash, wallet string, ts time.Time) market.LedgerEntry {
	v := decimal.RequireFromString("25")
	return market.LedgerEntry{
		ID:              id,
		OwnerID:         "owner-" + id,
		WalletAddress:   wallet,
		Direction:       market.DirectionSell,
		Amount:          100,
		ValueAmount:     &v,
		Status:          market.EntryCompleted,
		TransactionHash: hash,
		Timestamp:       ts,
	}
}

func TestLedger_InsertIfAbsent_DuplicateGuard(t *testing.T) {
	// GIVEN: An entry recorded under (0xabc, 0xaaa)
	// WHEN:  Inserting another entry for the same pair
	// THEN:  The original is returned with inserted=false; nothing is
	//        appended

	st := newTestStore(t)
	ctx := context.Background()

	first := testEntry("e1", "0xabc", "0xaaa", base)
	stored, inserted, err := st.InsertIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "e1", stored.ID)

	dup := testEntry("e2", "0xabc", "0xaaa", base.Add(time.Hour))
	stored, inserted, err = st.InsertIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "e1", stored.ID, "the stored entry wins")

	all, err := st.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// Same hash, different wallet: a distinct settlement side, allowed.
	_, inserted, err = st.InsertIfAbsent(ctx, testEntry("e3", "0xabc", "0xbbb", base))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestLedger_EmptyHashEntriesNeverDeduped(t *testing.T) {
	// GIVEN: Two hashless entries for the same wallet
	// WHEN:  Inserting both
	// THEN:  Both are stored; the guard only applies to real settlements

	st := newTestStore(t)
	ctx := context.Background()

	_, inserted, err := st.InsertIfAbsent(ctx, testEntry("e1", "", "0xaaa", base))
	require.NoError(t, err)
	assert.True(t, inserted)
	_, inserted, err = st.InsertIfAbsent(ctx, testEntry("e2", "", "0xaaa", base))
	require.NoError(t, err)
	assert.True(t, inserted)

	all, err := st.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLedger_GetBySettlementAndListings(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.InsertIfAbsent(ctx, testEntry("e1", "0xabc", "0xaaa", base))
	require.NoError(t, err)
	_, _, err = st.InsertIfAbsent(ctx, testEntry("e2", "0xdef", "0xaaa", base.Add(time.Hour)))
	require.NoError(t, err)
	_, _, err = st.InsertIfAbsent(ctx, testEntry("e3", "0xdef", "0xbbb", base.Add(2*time.Hour)))
	require.NoError(t, err)

	got, err := st.GetBySettlement(ctx, "0xabc", "0xaaa")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ID)

	_, err = st.GetBySettlement(ctx, "0xabc", "0xbbb")
	assert.ErrorIs(t, err, market.ErrNotFound)

	byWallet, err := st.ListByWallet(ctx, "0xaaa")
	require.NoError(t, err)
	require.Len(t, byWallet, 2)
	assert.Equal(t, "e2", byWallet[0].ID, "newest first")
	assert.Equal(t, "e1", byWallet[1].ID)

	all, err := st.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e3", all[0].ID)
}

func TestLedger_ValueAmountRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entry := testEntry("e1", "0xabc", "0xaaa", base)
	v := decimal.RequireFromString("12.345")
	entry.ValueAmount = &v
	_, _, err := st.InsertIfAbsent(ctx, entry)
	require.NoError(t, err)

	noValue := testEntry("e2", "0xdef", "0xaaa", base)
	noValue.ValueAmount = nil
	_, _, err = st.InsertIfAbsent(ctx, noValue)
	require.NoError(t, err)

	got, err := st.GetBySettlement(ctx, "0xabc", "0xaaa")
	require.NoError(t, err)
	require.NotNil(t, got.ValueAmount)
	assert.True(t, got.ValueAmount.Equal(v))

	got, err = st.GetBySettlement(ctx, "0xdef", "0xaaa")
	require.NoError(t, err)
	assert.Nil(t, got.ValueAmount)
}

func TestIntents_RoundTripAndFirstWriteWins(t *testing.T) {
	// GIVEN: An intent recorded for a hash
	// WHEN:  Reading it back and re-recording under the same hash
	// THEN:  Values round-trip exactly; the first write wins

	st := newTestStore(t)
	ctx := context.Background()

	intent := market.SettlementIntent{
		Hash:            "0xabc",
		BuyerID:         "dave",
		BuyerWallet:     "0xddd",
		RequestedAmount: 120,
		UnitPrice:       decimal.RequireFromString("0.40"),
		TotalValue:      decimal.RequireFromString("48"),
		CreatedAt:       base,
	}
	require.NoError(t, st.RecordIntent(ctx, intent))

	got, err := st.GetIntent(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "dave", got.BuyerID)
	assert.Equal(t, "0xddd", got.BuyerWallet)
	assert.EqualValues(t, 120, got.RequestedAmount)
	assert.True(t, got.UnitPrice.Equal(intent.UnitPrice))
	assert.True(t, got.TotalValue.Equal(intent.TotalValue))
	assert.True(t, got.CreatedAt.Equal(base))

	// A replayed write is ignored.
	replay := intent
	replay.BuyerID = "mallory"
	replay.RequestedAmount = 9999
	require.NoError(t, st.RecordIntent(ctx, replay))
	got, err = st.GetIntent(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "dave", got.BuyerID)
	assert.EqualValues(t, 120, got.RequestedAmount)

	_, err = st.GetIntent(ctx, "0xunknown")
	assert.ErrorIs(t, err, market.ErrNotFound)
}

// =============================================================================
// END-TO-END: ENGINE OVER SQLITE
// =============================================================================

// fixedGateway settles every transfer at a fixed price with predictable
// hashes, without pulling the gateway package into this one.
type fixedGateway struct {
	price decimal.Decimal
	seq   int
}

func (g *fixedGateway) QuoteUnitPrice(context.Context) (decimal.Decimal, error) {
	return g.price, nil
}

func (g *fixedGateway) Transfer(context.Context, string, int64, decimal.Decimal) (string, error) {
	g.seq++
	return fmt.Sprintf("0xtest-%d", g.seq), nil
}

func TestEngine_PurchaseOverSQLite(t *testing.T) {
	// GIVEN: Approved lots persisted in SQLite
	// WHEN:  A purchase partially consumes the pool
	// THEN:  Splits, completions, and ledger writes all land in the
	//        database with the same semantics the memory store shows

	st := newTestStore(t)
	ctx := context.Background()
	logger := zerolog.Nop()

	require.NoError(t, st.Create(ctx, testLot("a", 100, market.LotApproved, base)))
	require.NoError(t, st.Create(ctx, testLot("b", 50, market.LotApproved, base.Add(time.Hour))))

	engine := market.NewEngine(st, market.NewGuardedLedger(st, logger),
		&fixedGateway{price: decimal.RequireFromString("0.40")}, logger)

	result, err := engine.Purchase(ctx, "dave", "0xdave", 120)
	require.NoError(t, err)
	require.Len(t, result.FilledLots, 2)

	gotA, err := st.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, market.LotCompleted, gotA.Status)
	assert.Equal(t, result.TransactionHash, gotA.SettlementHash)

	gotB, err := st.GetByID(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, market.LotApproved, gotB.Status)
	assert.EqualValues(t, 30, gotB.Amount)

	completed, err := st.ListCompletedBySettlement(ctx, result.TransactionHash)
	require.NoError(t, err)
	require.Len(t, completed, 2)
	var sold int64
	for _, lot := range completed {
		sold += lot.Amount
	}
	assert.EqualValues(t, 120, sold)

	entries, err := st.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "two sells and one buy")

	// Replay through the public retry: nothing changes.
	_, err = engine.Retry(ctx, result.TransactionHash, "dave")
	require.NoError(t, err)
	entries, err = st.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	gotB, err = st.GetByID(ctx, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 30, gotB.Amount)
}

/*
Package market provides the credit lot allocation and settlement engine.

PURPOSE:
  This package contains the domain types and algorithms for selling verified
  emission-reduction credits: a first-come inventory of admin-approved sell
  lots, a FIFO allocation engine that fills buy orders across that inventory
  with partial fills, and an append-only settlement ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - Lot: A seller-registered parcel of credits with a review lifecycle
  - LedgerEntry: An immutable record of one side of a settled trade
  - LotStatus / EntryStatus / Direction: Closed enums, illegal states
    unrepresentable
  - Price: decimal-backed money helpers

DESIGN PRINCIPLES:
  1. Immutability: Completed lots and ledger entries are never edited
  2. Precision: Uses decimal.Decimal for prices, never float64
  3. Type Safety: Closed status enums instead of free-form strings
  4. Auditability: A partial fill clones the consumed slice into its own
     Completed record, so provenance survives without mutating history

SEE ALSO:
  - store.go: Persistence interfaces (CAS on lots, insert-if-absent on ledger)
  - engine.go: FIFO allocation and the settlement commit phase
  - review.go: Admin approve/reject and owner-cancel state machine
*/
package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS ENUMS
// =============================================================================

// LotStatus is the review/sale lifecycle of a lot.
// Transitions are monotonic: Pending -> Approved | Rejected,
// Approved -> Completed. Nothing re-enters Pending.
type LotStatus string

const (
	LotPending   LotStatus = "pending"
	LotApproved  LotStatus = "approved"
	LotRejected  LotStatus = "rejected"
	LotCompleted LotStatus = "completed"
)

// EntryStatus is the settlement state of a ledger entry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
)

// Direction is the side of a ledger entry.
type Direction string

const (
	DirectionBuy         Direction = "buy"
	DirectionSell        Direction = "sell"
	DirectionTransferIn  Direction = "transfer_in"
	DirectionTransferOut Direction = "transfer_out"
)

// =============================================================================
// LOT - A sellable parcel of credits
// =============================================================================

// Lot is a seller-registered parcel of credits.
//
// INVARIANTS:
//   - Amount > 0 while status is Pending or Approved.
//   - A Completed lot's Amount equals exactly the quantity sold under it,
//     never the originally registered quantity if a split occurred.
//   - Lots are never deleted; cancellation is a transition to Rejected.
type Lot struct {
	ID            string
	OwnerID       string
	WalletAddress string
	Amount        int64
	UnitPrice     decimal.Decimal
	Status        LotStatus
	Description   string
	SubmittedAt   time.Time

	// Review audit fields, set by the review state machine.
	ReviewedBy *string
	ReviewedAt *time.Time
	AdminNotes *string

	// Sale audit fields, set by the allocation engine.
	CompletedAt *time.Time
	// SettlementHash is the settlement reference this lot (or slice) was
	// sold under. It is what makes the commit phase replayable: a retry
	// with the same hash can see which lots it already consumed.
	SettlementHash string
}

// Sellable reports whether the lot is part of the approved supply pool.
func (l *Lot) Sellable() bool {
	return l.Status == LotApproved && l.Amount > 0
}

// Value returns the lot's amount priced at its own recorded unit price.
// Note this is the seller-side price; the gateway quotes its own global
// price for the buyer side, and the two can diverge.
func (l *Lot) Value() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Amount))
}

// CloneForSale returns the Completed record for a consumed slice of l.
// Everything identifying the original registration is preserved; only the
// amount, status, and sale audit fields differ.
func (l *Lot) CloneForSale(id string, consumed int64, at time.Time, hash string) Lot {
	return Lot{
		ID:             id,
		OwnerID:        l.OwnerID,
		WalletAddress:  l.WalletAddress,
		Amount:         consumed,
		UnitPrice:      l.UnitPrice,
		Status:         LotCompleted,
		Description:    l.Description,
		SubmittedAt:    l.SubmittedAt,
		ReviewedBy:     l.ReviewedBy,
		ReviewedAt:     l.ReviewedAt,
		AdminNotes:     l.AdminNotes,
		CompletedAt:    &at,
		SettlementHash: hash,
	}
}

// =============================================================================
// LEDGER ENTRY - One side of a settled trade
// =============================================================================

// LedgerEntry records one settlement-side value movement.
//
// INVARIANTS:
//   - Append-only: entries are immutable once written. A correction is a
//     new entry, never an edit.
//   - (TransactionHash, WalletAddress) is unique whenever the hash is
//     non-empty. The duplicate guard enforces this on every write.
type LedgerEntry struct {
	ID              string
	OwnerID         string
	WalletAddress   string
	Direction       Direction
	Amount          int64
	ValueAmount     *decimal.Decimal
	Description     string
	Status          EntryStatus
	TransactionHash string
	Timestamp       time.Time
}

// =============================================================================
// SETTLEMENT INTENT
// =============================================================================

// SettlementIntent is the durable record of a confirmed gateway transfer,
// written the moment Transfer returns and before the commit phase starts.
// It is what makes commit replay trustworthy: a retry may only run against
// a hash recorded here, with the buyer, amount, and value recorded here,
// never with caller-supplied parameters.
type SettlementIntent struct {
	Hash            string
	BuyerID         string
	BuyerWallet     string
	RequestedAmount int64
	UnitPrice       decimal.Decimal
	TotalValue      decimal.Decimal
	CreatedAt       time.Time
}

// =============================================================================
// PURCHASE RESULT
// =============================================================================

// FilledLot describes one lot's contribution to a purchase.
type FilledLot struct {
	LotID         string
	OwnerID       string
	WalletAddress string
	Consumed      int64
	UnitPrice     decimal.Decimal
	// Partial is true when the lot was split: the original kept a reduced
	// Approved remainder and LotID names the Completed clone.
	Partial bool
}

// PurchaseResult is returned to the buyer after a successful purchase.
type PurchaseResult struct {
	TransactionHash string
	FilledLots      []FilledLot
	// UnitPrice is the gateway's global quote used to price the transfer.
	// Sell-side ledger entries are valued at each lot's own UnitPrice;
	// the two are deliberately kept distinct.
	UnitPrice  decimal.Decimal
	TotalValue decimal.Decimal
}

// Supply is the read-only aggregate over the approved pool.
type Supply struct {
	TotalAvailable int64
	Lots           []Lot
}

// =============================================================================
// HELPERS
// =============================================================================

// MustParsePrice parses a decimal price, returning zero on bad input.
// Intended for config and test fixtures, not request handling.
func MustParsePrice(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func strPtr(s string) *string { return &s }

/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for API communication, decoupling the domain model
  from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; handlers run the
  shared validator before touching domain logic.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/verdant/credit-market/market"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SubmitLotRequest registers a new sell lot.
type SubmitLotRequest struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	UnitPrice   string `json:"unit_price" validate:"required"`
	Description string `json:"description" validate:"max=500"`
}

// ReviewLotRequest is an admin verdict on a pending lot.
type ReviewLotRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Notes    string `json:"notes" validate:"max=1000"`
}

// PurchaseRequest buys credits from the approved pool.
type PurchaseRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// RetryPurchaseRequest re-runs the commit phase of a confirmed
// settlement that failed partway through bookkeeping. Only the hash is
// taken from the client; buyer, amount, and value come from the recorded
// settlement intent.
type RetryPurchaseRequest struct {
	TransactionHash string `json:"transaction_hash" validate:"required"`
}

// RecordTransferRequest appends a credit-transfer ledger entry.
type RecordTransferRequest struct {
	OwnerID         string `json:"owner_id" validate:"required"`
	WalletAddress   string `json:"wallet_address" validate:"required"`
	Direction       string `json:"direction" validate:"required,oneof=transfer_in transfer_out"`
	Amount          int64  `json:"amount" validate:"required,gt=0"`
	TransactionHash string `json:"transaction_hash"`
	Description     string `json:"description" validate:"max=500"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// LotDTO represents a lot in API responses.
type LotDTO struct {
	ID            string  `json:"id"`
	OwnerID       string  `json:"owner_id"`
	WalletAddress string  `json:"wallet_address"`
	Amount        int64   `json:"amount"`
	UnitPrice     string  `json:"unit_price"`
	Status        string  `json:"status"`
	Description   string  `json:"description,omitempty"`
	SubmittedAt   string  `json:"submitted_at"`
	ReviewedBy    *string `json:"reviewed_by,omitempty"`
	ReviewedAt    *string `json:"reviewed_at,omitempty"`
	AdminNotes    *string `json:"admin_notes,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

// LedgerEntryDTO represents a ledger entry in API responses.
type LedgerEntryDTO struct {
	ID              string `json:"id"`
	OwnerID         string `json:"owner_id"`
	WalletAddress   string `json:"wallet_address"`
	Direction       string `json:"direction"`
	Amount          int64  `json:"amount"`
	ValueAmount     string `json:"value_amount,omitempty"`
	Description     string `json:"description,omitempty"`
	Status          string `json:"status"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	Timestamp       string `json:"timestamp"`
}

// FilledLotDTO describes one lot's contribution to a purchase.
type FilledLotDTO struct {
	LotID         string `json:"lot_id"`
	OwnerID       string `json:"owner_id"`
	WalletAddress string `json:"wallet_address"`
	Consumed      int64  `json:"consumed"`
	UnitPrice     string `json:"unit_price"`
	Partial       bool   `json:"partial,omitempty"`
}

// PurchaseResponse is returned after a successful purchase.
type PurchaseResponse struct {
	TransactionHash string         `json:"transaction_hash"`
	FilledLots      []FilledLotDTO `json:"filled_lots"`
	UnitPrice       string         `json:"unit_price,omitempty"`
	TotalValue      string         `json:"total_value,omitempty"`
}

// SupplyDTO is the available-supply aggregate.
type SupplyDTO struct {
	TotalAvailable int64    `json:"total_available"`
	Lots           []LotDTO `json:"lots"`
}

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toLotDTO(lot market.Lot) LotDTO {
	dto := LotDTO{
		ID:            lot.ID,
		OwnerID:       lot.OwnerID,
		WalletAddress: lot.WalletAddress,
		Amount:        lot.Amount,
		UnitPrice:     lot.UnitPrice.String(),
		Status:        string(lot.Status),
		Description:   lot.Description,
		SubmittedAt:   lot.SubmittedAt.Format(time.RFC3339),
		ReviewedBy:    lot.ReviewedBy,
		AdminNotes:    lot.AdminNotes,
	}
	if lot.ReviewedAt != nil {
		s := lot.ReviewedAt.Format(time.RFC3339)
		dto.ReviewedAt = &s
	}
	if lot.CompletedAt != nil {
		s := lot.CompletedAt.Format(time.RFC3339)
		dto.CompletedAt = &s
	}
	return dto
}

func toLotDTOs(lots []market.Lot) []LotDTO {
	dtos := make([]LotDTO, len(lots))
	for i, lot := range lots {
		dtos[i] = toLotDTO(lot)
	}
	return dtos
}

func toEntryDTO(e market.LedgerEntry) LedgerEntryDTO {
	dto := LedgerEntryDTO{
		ID:              e.ID,
		OwnerID:         e.OwnerID,
		WalletAddress:   e.WalletAddress,
		Direction:       string(e.Direction),
		Amount:          e.Amount,
		Description:     e.Description,
		Status:          string(e.Status),
		TransactionHash: e.TransactionHash,
		Timestamp:       e.Timestamp.Format(time.RFC3339),
	}
	if e.ValueAmount != nil {
		dto.ValueAmount = e.ValueAmount.String()
	}
	return dto
}

func toPurchaseResponse(result *market.PurchaseResult) PurchaseResponse {
	resp := PurchaseResponse{
		TransactionHash: result.TransactionHash,
		FilledLots:      make([]FilledLotDTO, len(result.FilledLots)),
	}
	if !result.UnitPrice.IsZero() {
		resp.UnitPrice = result.UnitPrice.String()
		resp.TotalValue = result.TotalValue.String()
	}
	for i, f := range result.FilledLots {
		resp.FilledLots[i] = FilledLotDTO{
			LotID:         f.LotID,
			OwnerID:       f.OwnerID,
			WalletAddress: f.WalletAddress,
			Consumed:      f.Consumed,
			UnitPrice:     f.UnitPrice.String(),
			Partial:       f.Partial,
		}
	}
	return resp
}

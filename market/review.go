/*
review.go - Lot submission and review state machine

PURPOSE:
  Governs the transitions that populate (and drain from the front of) the
  approved pool the allocation engine sells out of:

      submit            admin review
    owner ----> Pending ----+----> Approved ----> (engine: Completed)
                    |       |
                    |       +----> Rejected   (notes required)
                    |
                    +-- owner cancel --> Rejected ("Canceled by user")

STATE RULES:
  - Only Pending lots can be reviewed; re-reviewing fails with
    ErrInvalidLotState.
  - Owner cancel applies to Pending only. Approved lots are inventory the
    engine may already be consuming; Completed lots are history.
  - All transitions go through CompareAndUpdate, so a review racing an
    allocation on the same lot loses cleanly with ErrConflict instead of
    clobbering the engine's write. That conflict is reported to the admin
    as ErrInvalidLotState: the lot is simply no longer in the state they
    looked at.

SEE ALSO:
  - engine.go: consumes the Approved pool this machine produces
  - store.go: CompareAndUpdate contract
*/
package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ReviewDecision is an admin's verdict on a Pending lot.
type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
)

// CancelNote is recorded on owner-cancelled lots.
const CancelNote = "Canceled by user"

// ReviewService drives lot submission and the review state machine.
type ReviewService struct {
	lots LotStore
	log  zerolog.Logger
	now  func() time.Time
}

// NewReviewService creates a review service over the lot store.
func NewReviewService(lots LotStore, log zerolog.Logger) *ReviewService {
	return &ReviewService{
		lots: lots,
		log:  log.With().Str("component", "review").Logger(),
		now:  time.Now,
	}
}

// =============================================================================
// SUBMISSION
// =============================================================================

// SubmitLot registers a new Pending lot for an owner. An identical
// Pending submission (same owner, wallet, amount) is rejected with
// ErrDuplicateSubmission.
func (s *ReviewService) SubmitLot(ctx context.Context, ownerID, wallet string, amount int64, unitPrice decimal.Decimal, description string) (*Lot, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidLotState)
	}
	if unitPrice.IsNegative() || unitPrice.IsZero() {
		return nil, fmt.Errorf("%w: unit price must be positive", ErrInvalidLotState)
	}

	existing, err := s.lots.FindPendingDuplicate(ctx, ownerID, wallet, amount)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrDuplicateSubmission
	}

	lot := Lot{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		WalletAddress: wallet,
		Amount:        amount,
		UnitPrice:     unitPrice,
		Status:        LotPending,
		Description:   description,
		SubmittedAt:   s.now().UTC(),
	}
	if err := s.lots.Create(ctx, lot); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("lot_id", lot.ID).
		Str("owner", ownerID).
		Int64("amount", amount).
		Msg("lot submitted")
	return &lot, nil
}

// =============================================================================
// ADMIN REVIEW
// =============================================================================

// Review moves a Pending lot to Approved or Rejected. Rejection requires
// non-empty notes. Re-reviewing a non-Pending lot fails with
// ErrInvalidLotState.
func (s *ReviewService) Review(ctx context.Context, lotID, reviewerID string, decision ReviewDecision, notes string) (*Lot, error) {
	lot, err := s.lots.GetByID(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if lot.Status != LotPending {
		return nil, fmt.Errorf("%w: lot is %s, only pending lots can be reviewed", ErrInvalidLotState, lot.Status)
	}

	var newStatus LotStatus
	switch decision {
	case DecisionApprove:
		newStatus = LotApproved
	case DecisionReject:
		if strings.TrimSpace(notes) == "" {
			return nil, ErrNotesRequired
		}
		newStatus = LotRejected
	default:
		return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidLotState, decision)
	}

	at := s.now().UTC()
	upd := LotUpdate{
		ExpectedAmount: lot.Amount,
		NewAmount:      lot.Amount,
		NewStatus:      newStatus,
		ReviewedBy:     &reviewerID,
		ReviewedAt:     &at,
	}
	if notes != "" {
		upd.AdminNotes = &notes
	}

	updated, err := s.lots.CompareAndUpdate(ctx, lotID, upd)
	if errors.Is(err, ErrConflict) {
		// The lot changed under the admin; surface as a lifecycle error.
		return nil, fmt.Errorf("%w: lot changed during review", ErrInvalidLotState)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("lot_id", lotID).
		Str("reviewer", reviewerID).
		Str("decision", string(decision)).
		Msg("lot reviewed")
	return updated, nil
}

// =============================================================================
// OWNER CANCEL
// =============================================================================

// Cancel rejects an owner's own Pending lot. Cancelling an Approved or
// Completed lot fails with ErrInvalidLotState. A lot the caller does not
// own is reported as ErrNotFound.
func (s *ReviewService) Cancel(ctx context.Context, lotID, callerOwnerID string) (*Lot, error) {
	lot, err := s.lots.GetByID(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if lot.OwnerID != callerOwnerID {
		return nil, ErrNotFound
	}
	if lot.Status != LotPending {
		return nil, fmt.Errorf("%w: cannot cancel a %s lot", ErrInvalidLotState, lot.Status)
	}

	at := s.now().UTC()
	updated, err := s.lots.CompareAndUpdate(ctx, lotID, LotUpdate{
		ExpectedAmount: lot.Amount,
		NewAmount:      lot.Amount,
		NewStatus:      LotRejected,
		ReviewedAt:     &at,
		AdminNotes:     strPtr(CancelNote),
	})
	if errors.Is(err, ErrConflict) {
		return nil, fmt.Errorf("%w: lot changed during cancellation", ErrInvalidLotState)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("lot_id", lotID).Str("owner", callerOwnerID).Msg("lot cancelled")
	return updated, nil
}

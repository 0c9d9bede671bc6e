/*
errors.go - Centralized error taxonomy for the market engine

PURPOSE:
  All failure kinds in one place. Nothing in this package raises an
  untyped error: every failure path maps to one of the sentinels below,
  optionally wrapped in a structured error carrying context.

ERROR CATEGORIES:
  1. Supply/allocation errors - InsufficientSupply, AllocationContention
  2. Settlement errors        - SettlementFailed and the gateway sentinels
  3. Lifecycle errors         - InvalidLotState, DuplicateSubmission, NotesRequired
  4. Store errors             - Conflict (CAS token mismatch), NotFound

PROPAGATION POLICY:
  ErrConflict is internal: the allocation engine catches it and retries a
  bounded number of times before surfacing AllocationContentionError; the
  review service maps it to ErrInvalidLotState. Everything else propagates
  unchanged to the caller.

SEE ALSO:
  - engine.go: retry loop around ErrConflict
  - gateway.go: gateway-side sentinels
*/
package market

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConflict is returned by CompareAndUpdate when the optimistic
	// token (expected amount/status) no longer matches the stored row.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrInvalidLotState is returned for a transition attempted at the
	// wrong lifecycle stage (e.g. cancelling an Approved lot).
	ErrInvalidLotState = errors.New("invalid lot state for this operation")

	// ErrDuplicateSubmission is returned when an identical Pending lot
	// (same owner, wallet, amount) already exists.
	ErrDuplicateSubmission = errors.New("duplicate pending submission")

	// ErrNotesRequired is returned when a rejection carries no admin notes.
	ErrNotesRequired = errors.New("admin notes required for rejection")

	// ErrNotFound is returned for an unknown lot or ledger id.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientSupply is the sentinel under InsufficientSupplyError.
	ErrInsufficientSupply = errors.New("insufficient approved supply")

	// ErrSettlementFailed is the sentinel under SettlementError.
	ErrSettlementFailed = errors.New("settlement failed")

	// ErrAllocationContention is surfaced after bounded CAS retries are
	// exhausted. The caller may retry the whole operation.
	ErrAllocationContention = errors.New("allocation contention")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientSupplyError reports a shortfall against the approved pool.
// Raised before any side effect; always safe to retry.
type InsufficientSupplyError struct {
	Available int64
	Requested int64
}

func (e *InsufficientSupplyError) Error() string {
	return fmt.Sprintf("insufficient supply: available %d, requested %d",
		e.Available, e.Requested)
}

func (e *InsufficientSupplyError) Unwrap() error { return ErrInsufficientSupply }

// SettlementError reports a gateway failure. If Hash is empty the failure
// happened before any value moved and the purchase is safe to retry from
// scratch; if Hash is set, the transfer confirmed but bookkeeping did not
// complete, and the commit phase must be retried with that same hash.
type SettlementError struct {
	Reason error
	Hash   string
}

func (e *SettlementError) Error() string {
	if e.Hash != "" {
		return fmt.Sprintf("settlement %s confirmed but commit incomplete: %v", e.Hash, e.Reason)
	}
	return fmt.Sprintf("settlement failed: %v", e.Reason)
}

func (e *SettlementError) Unwrap() error { return ErrSettlementFailed }

// AllocationContentionError reports that the engine gave up after repeated
// optimistic-concurrency conflicts on the approved pool.
type AllocationContentionError struct {
	Attempts int
}

func (e *AllocationContentionError) Error() string {
	return fmt.Sprintf("allocation abandoned after %d conflicting attempts", e.Attempts)
}

func (e *AllocationContentionError) Unwrap() error { return ErrAllocationContention }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the operation might succeed if retried as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrAllocationContention)
}

// IsClientError returns true if the failure is due to the caller's input
// or timing, not a fault in the engine.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientSupply) ||
		errors.Is(err, ErrInvalidLotState) ||
		errors.Is(err, ErrDuplicateSubmission) ||
		errors.Is(err, ErrNotesRequired)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

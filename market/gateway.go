/*
gateway.go - Settlement gateway abstraction

PURPOSE:
  The settlement gateway executes the value transfer on the distributed
  ledger and returns a transaction reference. It is the one side effect in
  the system with external, non-reversible consequences: once Transfer
  returns a hash, the engine's job is to make internal bookkeeping match
  that fact, not to undo it.

CALL DISCIPLINE:
  - Transfer is invoked at most once per logical purchase.
  - An ambiguous failure (timeout) is never retried automatically; a
    duplicate transfer is an unrecoverable real-world side effect.
  - The engine prices the transfer at the gateway's single global quote,
    which is distinct from each lot's own recorded unit price. The two
    can diverge; the interface keeps them explicitly separate.

IMPLEMENTATIONS:
  - gateway.HTTPGateway: adapter over a settlement service
  - gateway.Simulator:   deterministic, for dev and tests
*/
package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GATEWAY ERRORS
// =============================================================================

var (
	// ErrInsufficientFunds: the buyer's wallet cannot cover the transfer.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNetworkUnavailable: the settlement network could not be reached.
	// No transfer occurred.
	ErrNetworkUnavailable = errors.New("settlement network unavailable")
)

// RevertedError reports a transfer rejected by the settlement layer itself.
type RevertedError struct {
	Reason string
}

func (e *RevertedError) Error() string {
	return fmt.Sprintf("transfer reverted: %s", e.Reason)
}

// =============================================================================
// GATEWAY INTERFACE
// =============================================================================

// SettlementGateway abstracts the value-transfer mechanism.
type SettlementGateway interface {
	// QuoteUnitPrice returns the current global credit price used to
	// value the buyer-side transfer.
	QuoteUnitPrice(ctx context.Context) (decimal.Decimal, error)

	// Transfer executes the value transfer and returns its transaction
	// hash. Fails with ErrInsufficientFunds, ErrNetworkUnavailable, or
	// RevertedError. Irreversible on success.
	Transfer(ctx context.Context, buyerWallet string, creditAmount int64, totalValue decimal.Decimal) (string, error)
}

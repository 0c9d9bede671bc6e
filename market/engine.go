/*
engine.go - FIFO allocation and settlement commit

PURPOSE:
  The allocation engine fills a buy order from the approved lot pool:

  1. SUPPLY CHECK  Sum the approved pool (FIFO order). Shortfall fails
                   with InsufficientSupplyError and no side effects.
  2. SETTLEMENT    Price the order at the gateway's global quote and
                   execute the transfer. Failure here is clean: nothing
                   has been written, the purchase is safe to retry.
  3. CONSUMPTION   Walk the pool oldest-first. Full consumption completes
                   the lot; partial consumption splits it, leaving a
                   reduced Approved remainder and a Completed clone of
                   the consumed slice.
  4. LEDGER        One Sell entry per seller wallet plus one Buy entry
                   for the buyer, all sharing the settlement hash, all
                   written through the duplicate guard.

THE CRITICAL HAZARD:
  The transfer is irreversible. A store failure after the gateway has
  confirmed leaves money moved and bookkeeping incomplete. The commit
  phase (steps 3-4) is therefore replayable: it is keyed by the
  settlement hash, detects lots already consumed under that hash, and
  every ledger write is idempotent via the duplicate guard. Retry is
  the public entry point for that re-play, and it only runs against a
  recorded SettlementIntent: the intent is written the moment the
  gateway confirms, so a hash the gateway never issued has no intent
  and a retry against it fails with ErrNotFound instead of consuming
  the pool for free.

CONCURRENCY:
  Purchases are serialized behind a single mutex: the read-sum-consume
  sequence is the one real race in the system (two buyers both reading
  "100 available" could jointly allocate 200). The store-level CAS token
  still protects every lot mutation, so an admin review racing the
  engine loses with ErrConflict instead of clobbering it; the engine
  retries conflicted passes a bounded number of times before giving up
  with AllocationContentionError. The gateway is never re-invoked by a
  retry.

CANCELLATION:
  The caller's context is honored up to the moment the gateway is
  invoked. From then on the operation runs to completion on a detached
  context; a half-cancelled settlement is worse than a slow one.

SEE ALSO:
  - review.go: produces the Approved pool consumed here
  - ledger.go: the duplicate guard
*/
package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxCommitAttempts bounds CAS-conflict retries per commit pass.
const maxCommitAttempts = 5

// Engine allocates purchases across the approved lot pool and drives
// settlement.
type Engine struct {
	lots    LotStore
	ledger  *GuardedLedger
	gateway SettlementGateway
	log     zerolog.Logger
	now     func() time.Time

	// mu serializes the read-sum-consume sequence across concurrent
	// purchases. See the concurrency note in the file header.
	mu sync.Mutex
}

// NewEngine creates an allocation engine.
func NewEngine(lots LotStore, ledger *GuardedLedger, gateway SettlementGateway, log zerolog.Logger) *Engine {
	return &Engine{
		lots:    lots,
		ledger:  ledger,
		gateway: gateway,
		log:     log.With().Str("component", "engine").Logger(),
		now:     time.Now,
	}
}

// =============================================================================
// PURCHASE
// =============================================================================

// Purchase fills a buy order for requestedAmount credits.
func (e *Engine) Purchase(ctx context.Context, buyerID, buyerWallet string, requestedAmount int64) (*PurchaseResult, error) {
	if requestedAmount <= 0 {
		return nil, fmt.Errorf("%w: requested amount must be positive", ErrInsufficientSupply)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: supply check. No side effects on failure.
	available, err := e.availableLocked(ctx)
	if err != nil {
		return nil, err
	}
	if available < requestedAmount {
		return nil, &InsufficientSupplyError{Available: available, Requested: requestedAmount}
	}

	// Last cancellation point: once the gateway is invoked the purchase
	// runs to completion.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 2: settlement. Still no store mutations on failure.
	price, err := e.gateway.QuoteUnitPrice(ctx)
	if err != nil {
		return nil, &SettlementError{Reason: err}
	}
	totalValue := price.Mul(decimal.NewFromInt(requestedAmount))

	hash, err := e.gateway.Transfer(ctx, buyerWallet, requestedAmount, totalValue)
	if err != nil {
		return nil, &SettlementError{Reason: err}
	}

	e.log.Info().
		Str("tx_hash", hash).
		Str("buyer", buyerID).
		Int64("amount", requestedAmount).
		Str("total_value", totalValue.String()).
		Msg("settlement confirmed, committing allocation")

	// The transfer is already irreversible from here on: everything runs
	// on a detached context and failures carry the hash for replay.
	detached := context.WithoutCancel(ctx)

	// Record the intent before touching any lot. This is what a later
	// Retry authenticates against; without it the hash is unrecoverable
	// except by operator reconciliation from the log line above.
	if err := e.ledger.RecordIntent(detached, SettlementIntent{
		Hash:            hash,
		BuyerID:         buyerID,
		BuyerWallet:     buyerWallet,
		RequestedAmount: requestedAmount,
		UnitPrice:       price,
		TotalValue:      totalValue,
		CreatedAt:       e.now().UTC(),
	}); err != nil {
		return nil, &SettlementError{Reason: err, Hash: hash}
	}

	// Steps 3-4: commit.
	filled, err := e.commit(detached, hash, buyerID, buyerWallet, requestedAmount, totalValue)
	if err != nil {
		return nil, err
	}

	return &PurchaseResult{
		TransactionHash: hash,
		FilledLots:      filled,
		UnitPrice:       price,
		TotalValue:      totalValue,
	}, nil
}

// Retry re-runs the commit phase for a settlement that confirmed but did
// not finish bookkeeping. The buyer, amount, and value all come from the
// recorded SettlementIntent, never from the caller: an unknown hash, or a
// hash settled for a different buyer, fails with ErrNotFound. Idempotent:
// replaying a fully committed purchase changes nothing.
func (e *Engine) Retry(ctx context.Context, hash, callerID string) (*PurchaseResult, error) {
	if hash == "" {
		return nil, fmt.Errorf("%w: settlement hash required", ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	intent, err := e.ledger.Intent(ctx, hash)
	if err != nil {
		return nil, err
	}
	if intent.BuyerID != callerID {
		// Another buyer's settlement is invisible to this caller.
		return nil, ErrNotFound
	}

	filled, err := e.commit(context.WithoutCancel(ctx), hash, intent.BuyerID,
		intent.BuyerWallet, intent.RequestedAmount, intent.TotalValue)
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{
		TransactionHash: hash,
		FilledLots:      filled,
		UnitPrice:       intent.UnitPrice,
		TotalValue:      intent.TotalValue,
	}, nil
}

// =============================================================================
// COMMIT PHASE - replayable, keyed by the settlement hash
// =============================================================================

func (e *Engine) commit(ctx context.Context, hash, buyerID, buyerWallet string, requestedAmount int64, totalValue decimal.Decimal) ([]FilledLot, error) {
	// Replay detection: lots already completed under this hash were
	// consumed by a previous pass and must not be decremented again.
	prior, err := e.lots.ListCompletedBySettlement(ctx, hash)
	if err != nil {
		return nil, &SettlementError{Reason: err, Hash: hash}
	}

	var filled []FilledLot
	remaining := requestedAmount
	for _, lot := range prior {
		filled = append(filled, FilledLot{
			LotID:         lot.ID,
			OwnerID:       lot.OwnerID,
			WalletAddress: lot.WalletAddress,
			Consumed:      lot.Amount,
			UnitPrice:     lot.UnitPrice,
		})
		remaining -= lot.Amount
	}

	conflicts := 0
	for remaining > 0 {
		pool, err := e.lots.ListApproved(ctx)
		if err != nil {
			return nil, &SettlementError{Reason: err, Hash: hash}
		}

		progressed, consumedNow, err := e.consumePass(ctx, pool, hash, remaining, &filled)
		remaining -= consumedNow
		if err != nil {
			if errors.Is(err, ErrConflict) {
				conflicts++
				if conflicts >= maxCommitAttempts {
					return nil, &AllocationContentionError{Attempts: conflicts}
				}
				continue
			}
			return nil, &SettlementError{Reason: err, Hash: hash}
		}
		if remaining > 0 && !progressed {
			// Pool exhausted after the settlement already confirmed.
			// Cannot happen while purchases are serialized and only the
			// engine consumes Approved lots; guards the replay path.
			return nil, &SettlementError{
				Reason: fmt.Errorf("approved pool exhausted with %d credits unfilled", remaining),
				Hash:   hash,
			}
		}
	}

	if err := e.writeLedger(ctx, hash, buyerID, buyerWallet, requestedAmount, totalValue, filled); err != nil {
		return nil, &SettlementError{Reason: err, Hash: hash}
	}
	return filled, nil
}

// consumePass walks the pool FIFO, consuming up to remaining credits.
// Returns whether any lot was consumed and how much. An ErrConflict is
// returned to the caller to trigger a fresh pass over a re-read pool;
// consumption already applied in this pass stays applied (it is recorded
// under the hash and will not be re-applied).
func (e *Engine) consumePass(ctx context.Context, pool []Lot, hash string, remaining int64, filled *[]FilledLot) (bool, int64, error) {
	progressed := false
	var consumedTotal int64

	for _, lot := range pool {
		if remaining <= 0 {
			break
		}
		if !lot.Sellable() {
			continue
		}

		consumed := remaining
		if lot.Amount < consumed {
			consumed = lot.Amount
		}
		at := e.now().UTC()

		if consumed == lot.Amount {
			// Full consumption: the lot itself becomes the Completed record.
			_, err := e.lots.CompareAndUpdate(ctx, lot.ID, LotUpdate{
				ExpectedAmount: lot.Amount,
				NewAmount:      lot.Amount,
				NewStatus:      LotCompleted,
				CompletedAt:    &at,
				SettlementHash: hash,
			})
			if err != nil {
				return progressed, consumedTotal, err
			}
			*filled = append(*filled, FilledLot{
				LotID:         lot.ID,
				OwnerID:       lot.OwnerID,
				WalletAddress: lot.WalletAddress,
				Consumed:      consumed,
				UnitPrice:     lot.UnitPrice,
			})
		} else {
			// Partial fill: decrement the original and record the
			// consumed slice as its own Completed lot, atomically.
			clone := lot.CloneForSale(uuid.NewString(), consumed, at, hash)
			if _, err := e.lots.SplitForSale(ctx, lot.ID, lot.Amount, clone); err != nil {
				return progressed, consumedTotal, err
			}
			*filled = append(*filled, FilledLot{
				LotID:         clone.ID,
				OwnerID:       lot.OwnerID,
				WalletAddress: lot.WalletAddress,
				Consumed:      consumed,
				UnitPrice:     lot.UnitPrice,
				Partial:       true,
			})
		}

		progressed = true
		consumedTotal += consumed
		remaining -= consumed
	}

	return progressed, consumedTotal, nil
}

// writeLedger records the Sell and Buy entries for a purchase. Sell
// entries are aggregated per seller wallet so the ledger's
// (hash, wallet) uniqueness invariant holds even when one purchase
// consumes several lots of the same seller. Every write goes through the
// duplicate guard, so a replay is a no-op.
func (e *Engine) writeLedger(ctx context.Context, hash, buyerID, buyerWallet string, requestedAmount int64, totalValue decimal.Decimal, filled []FilledLot) error {
	type sellAgg struct {
		ownerID string
		amount  int64
		value   decimal.Decimal
	}
	aggs := make(map[string]*sellAgg)
	var order []string

	for _, f := range filled {
		agg, ok := aggs[f.WalletAddress]
		if !ok {
			agg = &sellAgg{ownerID: f.OwnerID}
			aggs[f.WalletAddress] = agg
			order = append(order, f.WalletAddress)
		}
		agg.amount += f.Consumed
		agg.value = agg.value.Add(f.UnitPrice.Mul(decimal.NewFromInt(f.Consumed)))
	}

	for _, wallet := range order {
		agg := aggs[wallet]
		value := agg.value
		if _, err := e.ledger.Record(ctx, LedgerEntry{
			OwnerID:         agg.ownerID,
			WalletAddress:   wallet,
			Direction:       DirectionSell,
			Amount:          agg.amount,
			ValueAmount:     &value,
			Description:     fmt.Sprintf("Sold %d credits", agg.amount),
			Status:          EntryCompleted,
			TransactionHash: hash,
		}); err != nil {
			return err
		}
	}

	var buyValue *decimal.Decimal
	if totalValue.IsPositive() {
		buyValue = &totalValue
	}
	_, err := e.ledger.Record(ctx, LedgerEntry{
		OwnerID:         buyerID,
		WalletAddress:   buyerWallet,
		Direction:       DirectionBuy,
		Amount:          requestedAmount,
		ValueAmount:     buyValue,
		Description:     fmt.Sprintf("Purchased %d credits", requestedAmount),
		Status:          EntryCompleted,
		TransactionHash: hash,
	})
	return err
}

// =============================================================================
// READ PATHS
// =============================================================================

// AvailableSupply returns the sellable pool and its total, FIFO order.
func (e *Engine) AvailableSupply(ctx context.Context) (*Supply, error) {
	pool, err := e.lots.ListApproved(ctx)
	if err != nil {
		return nil, err
	}
	supply := &Supply{}
	for _, lot := range pool {
		if !lot.Sellable() {
			continue
		}
		supply.TotalAvailable += lot.Amount
		supply.Lots = append(supply.Lots, lot)
	}
	return supply, nil
}

func (e *Engine) availableLocked(ctx context.Context) (int64, error) {
	pool, err := e.lots.ListApproved(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, lot := range pool {
		if !lot.Sellable() {
			continue
		}
		total += lot.Amount
	}
	return total, nil
}

// =============================================================================
// CREDIT TRANSFERS
// =============================================================================

// RecordTransfer appends a TransferIn/TransferOut entry for a credit
// movement settled outside the purchase flow. Guarded like every other
// ledger write.
func (e *Engine) RecordTransfer(ctx context.Context, ownerID, wallet string, direction Direction, amount int64, hash, description string) (*LedgerEntry, error) {
	if direction != DirectionTransferIn && direction != DirectionTransferOut {
		return nil, fmt.Errorf("%w: direction must be transfer_in or transfer_out", ErrInvalidLotState)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidLotState)
	}

	entry, err := e.ledger.Record(ctx, LedgerEntry{
		OwnerID:         ownerID,
		WalletAddress:   wallet,
		Direction:       direction,
		Amount:          amount,
		Description:     description,
		Status:          EntryCompleted,
		TransactionHash: hash,
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

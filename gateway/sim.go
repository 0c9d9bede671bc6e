package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/verdant/credit-market/market"
)

// Simulator is an in-process SettlementGateway for development and
// tests. Transfers always succeed (unless a failure is scripted) and
// return fresh uuid-based hashes.
type Simulator struct {
	mu    sync.Mutex
	price decimal.Decimal

	// FailNext, when set, is returned by the next Transfer call and
	// cleared. Lets tests script a single failure.
	failNext error

	transfers []SimTransfer
}

// SimTransfer records one simulated transfer for inspection.
type SimTransfer struct {
	Hash         string
	BuyerWallet  string
	CreditAmount int64
	TotalValue   decimal.Decimal
}

// NewSimulator creates a simulator quoting the given global unit price.
func NewSimulator(price decimal.Decimal) *Simulator {
	return &Simulator{price: price}
}

// SetPrice changes the quoted price.
func (s *Simulator) SetPrice(price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
}

// FailNext scripts the next Transfer to fail with err.
func (s *Simulator) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Transfers returns all recorded transfers.
func (s *Simulator) Transfers() []SimTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimTransfer, len(s.transfers))
	copy(out, s.transfers)
	return out
}

func (s *Simulator) QuoteUnitPrice(_ context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price, nil
}

func (s *Simulator) Transfer(_ context.Context, buyerWallet string, creditAmount int64, totalValue decimal.Decimal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return "", err
	}

	hash := "0xsim-" + uuid.NewString()
	s.transfers = append(s.transfers, SimTransfer{
		Hash:         hash,
		BuyerWallet:  buyerWallet,
		CreditAmount: creditAmount,
		TotalValue:   totalValue,
	})
	return hash, nil
}

// compile-time interface checks
var (
	_ market.SettlementGateway = (*Simulator)(nil)
	_ market.SettlementGateway = (*HTTPGateway)(nil)
)

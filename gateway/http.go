/*
Package gateway provides SettlementGateway implementations.

PURPOSE:
  The engine treats settlement as an external collaborator. This package
  supplies two of them:
  - HTTPGateway: adapter over a settlement service that executes the
    on-chain transfer and returns its transaction hash.
  - Simulator: deterministic in-process gateway for dev and tests.

ERROR MAPPING (HTTPGateway):
  402 Payment Required  -> market.ErrInsufficientFunds
  409 Conflict          -> market.RevertedError (reason from body)
  connection/5xx        -> market.ErrNetworkUnavailable

  An ambiguous failure (timeout after the request was sent) is reported
  as ErrNetworkUnavailable and NOT retried here: the engine's contract is
  that a transfer is attempted at most once per purchase, because a
  duplicated transfer cannot be undone.

SEE ALSO:
  - market/gateway.go: interface and error contract
*/
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/verdant/credit-market/market"
)

// HTTPGateway calls a settlement service over HTTP.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPGateway creates a gateway client for the given service.
func NewHTTPGateway(baseURL, apiKey string, logger zerolog.Logger) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.With().Str("component", "settlement-gateway").Logger(),
	}
}

type quoteResponse struct {
	UnitPrice string `json:"unit_price"`
}

type transferRequest struct {
	BuyerWallet  string `json:"buyer_wallet"`
	CreditAmount int64  `json:"credit_amount"`
	TotalValue   string `json:"total_value"`
}

type transferResponse struct {
	TransactionHash string `json:"transaction_hash"`
	Error           string `json:"error,omitempty"`
}

// QuoteUnitPrice returns the service's current global credit price.
func (g *HTTPGateway) QuoteUnitPrice(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/price", nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", market.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: price quote returned %d", market.ErrNetworkUnavailable, resp.StatusCode)
	}

	var quote quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad quote payload: %v", market.ErrNetworkUnavailable, err)
	}
	price, err := decimal.NewFromString(quote.UnitPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: unparseable price %q", market.ErrNetworkUnavailable, quote.UnitPrice)
	}
	return price, nil
}

// Transfer executes the value transfer. Called at most once per purchase.
func (g *HTTPGateway) Transfer(ctx context.Context, buyerWallet string, creditAmount int64, totalValue decimal.Decimal) (string, error) {
	body, err := json.Marshal(transferRequest{
		BuyerWallet:  buyerWallet,
		CreditAmount: creditAmount,
		TotalValue:   totalValue.String(),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", market.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var tr transferResponse
		if err := json.Unmarshal(payload, &tr); err != nil || tr.TransactionHash == "" {
			// The transfer may have executed; without a hash there is
			// nothing to commit against. Treated as a network fault.
			return "", fmt.Errorf("%w: transfer response missing hash", market.ErrNetworkUnavailable)
		}
		g.logger.Info().
			Str("tx_hash", tr.TransactionHash).
			Str("buyer_wallet", buyerWallet).
			Int64("amount", creditAmount).
			Msg("transfer confirmed")
		return tr.TransactionHash, nil

	case http.StatusPaymentRequired:
		return "", market.ErrInsufficientFunds

	case http.StatusConflict:
		var tr transferResponse
		reason := "rejected by settlement layer"
		if json.Unmarshal(payload, &tr) == nil && tr.Error != "" {
			reason = tr.Error
		}
		return "", &market.RevertedError{Reason: reason}

	default:
		return "", fmt.Errorf("%w: transfer returned %d", market.ErrNetworkUnavailable, resp.StatusCode)
	}
}

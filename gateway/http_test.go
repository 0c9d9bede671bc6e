/*
http_test.go - HTTP settlement gateway adapter tests

Runs the adapter against httptest servers and checks the status-code to
error mapping the engine relies on.
*/
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant/credit-market/market"
)

func TestQuoteUnitPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/price", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"unit_price": "0.42"})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "test-key", zerolog.Nop())
	price, err := g.QuoteUnitPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.42", price.String())
}

func TestQuoteUnitPrice_Failures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"bad payload", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}},
		{"unparseable price", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"unit_price": "a lot"})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			g := NewHTTPGateway(srv.URL, "test-key", zerolog.Nop())
			_, err := g.QuoteUnitPrice(context.Background())
			assert.ErrorIs(t, err, market.ErrNetworkUnavailable)
		})
	}
}

func TestTransfer_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "0xbuyer", req["buyer_wallet"])
		assert.EqualValues(t, 120, req["credit_amount"])
		assert.Equal(t, "48", req["total_value"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"transaction_hash": "0xabc123"})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "test-key", zerolog.Nop())
	hash, err := g.Transfer(context.Background(), "0xbuyer", 120, decimal.RequireFromString("48"))
	require.NoError(t, err)
	assert.Equal(t, "0xabc123", hash)
}

func TestTransfer_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   any
		check  func(t *testing.T, err error)
	}{
		{
			name:   "insufficient funds",
			status: http.StatusPaymentRequired,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, market.ErrInsufficientFunds)
			},
		},
		{
			name:   "reverted with reason",
			status: http.StatusConflict,
			body:   map[string]string{"error": "per-wallet cap exceeded"},
			check: func(t *testing.T, err error) {
				var reverted *market.RevertedError
				require.True(t, errors.As(err, &reverted))
				assert.Equal(t, "per-wallet cap exceeded", reverted.Reason)
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, market.ErrNetworkUnavailable)
			},
		},
		{
			name:   "success without hash",
			status: http.StatusOK,
			body:   map[string]string{},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, market.ErrNetworkUnavailable)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				if tc.body != nil {
					json.NewEncoder(w).Encode(tc.body)
				}
			}))
			defer srv.Close()

			g := NewHTTPGateway(srv.URL, "test-key", zerolog.Nop())
			_, err := g.Transfer(context.Background(), "0xbuyer", 10, decimal.RequireFromString("2.5"))
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestTransfer_ConnectionRefused(t *testing.T) {
	// Server closed before the call: a pure connection failure.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	g := NewHTTPGateway(srv.URL, "test-key", zerolog.Nop())
	_, err := g.Transfer(context.Background(), "0xbuyer", 10, decimal.RequireFromString("2.5"))
	assert.ErrorIs(t, err, market.ErrNetworkUnavailable)
}

func TestSimulator(t *testing.T) {
	sim := NewSimulator(decimal.RequireFromString("0.25"))
	ctx := context.Background()

	price, err := sim.QuoteUnitPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.25", price.String())

	sim.SetPrice(decimal.RequireFromString("0.30"))
	price, err = sim.QuoteUnitPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.3", price.String())

	hash, err := sim.Transfer(ctx, "0xbuyer", 100, decimal.RequireFromString("30"))
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	require.Len(t, sim.Transfers(), 1)
	assert.Equal(t, "0xbuyer", sim.Transfers()[0].BuyerWallet)

	// A scripted failure applies once.
	sim.FailNext(market.ErrInsufficientFunds)
	_, err = sim.Transfer(ctx, "0xbuyer", 1, decimal.RequireFromString("0.3"))
	assert.ErrorIs(t, err, market.ErrInsufficientFunds)
	_, err = sim.Transfer(ctx, "0xbuyer", 1, decimal.RequireFromString("0.3"))
	assert.NoError(t, err)
}

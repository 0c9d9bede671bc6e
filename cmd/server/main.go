/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the credit market server: SQLite store,
  optional Redis duplicate-guard fast path, settlement gateway,
  market services, HTTP router, graceful shutdown.

COMMAND-LINE FLAGS:
  -port          HTTP server port (default: 8080)
  -db            SQLite database path (default: market.db, ":memory:" ok)
  -jwt-secret    HMAC secret for bearer tokens
  -gateway-url   Settlement service base URL; empty runs the simulator
  -gateway-key   Settlement service API key
  -sim-price     Simulator unit price (default: 0.25)
  -redis         Redis address for the duplicate-guard fast path; empty
                 disables it (the store's unique index still guards)
  -pretty        Human-readable log output

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, drain active requests
  (30s timeout), close the database.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/verdant/credit-market/api"
	"github.com/verdant/credit-market/auth"
	"github.com/verdant/credit-market/gateway"
	"github.com/verdant/credit-market/market"
	"github.com/verdant/credit-market/store/redisguard"
	"github.com/verdant/credit-market/store/sqlite"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "market.db", "SQLite database path")
	jwtSecret := flag.String("jwt-secret", "dev-secret-change-me", "HMAC secret for bearer tokens")
	gatewayURL := flag.String("gateway-url", "", "settlement service base URL (empty: simulator)")
	gatewayKey := flag.String("gateway-key", "", "settlement service API key")
	simPrice := flag.String("sim-price", "0.25", "simulator unit price")
	redisAddr := flag.String("redis", "", "Redis address for the duplicate-guard fast path")
	pretty := flag.Bool("pretty", false, "human-readable log output")
	flag.Parse()

	logger := newLogger(*pretty)

	st, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer st.Close()

	var ledgerStore market.LedgerStore = st
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		ledgerStore = redisguard.New(st, client, logger)
		logger.Info().Str("addr", *redisAddr).Msg("redis duplicate guard enabled")
	}

	var gw market.SettlementGateway
	if *gatewayURL != "" {
		gw = gateway.NewHTTPGateway(*gatewayURL, *gatewayKey, logger)
		logger.Info().Str("url", *gatewayURL).Msg("using settlement service")
	} else {
		gw = gateway.NewSimulator(market.MustParsePrice(*simPrice))
		logger.Warn().Str("price", *simPrice).Msg("using simulated settlement gateway")
	}

	ledger := market.NewGuardedLedger(ledgerStore, logger)
	engine := market.NewEngine(st, ledger, gw, logger)
	review := market.NewReviewService(st, logger)
	identity := auth.NewJWTProvider(*jwtSecret)

	handler := api.NewHandler(engine, review, st, ledger, logger)
	router := api.NewRouter(handler, identity)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // purchases block on settlement
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", *port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("forced shutdown")
	}
	logger.Info().Msg("server stopped")
}

func newLogger(pretty bool) zerolog.Logger {
	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().Timestamp().Str("service", "credit-market").Logger()
}

// Package main wires the trading bot: configuration, stores, the broker
// session, reconciliation, the risk gate and the trader loop, plus the
// HTTP endpoints for health, metrics and status.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"spotbot/internal/domain"
	"spotbot/internal/lifecycle"
	"spotbot/internal/observability"
	"spotbot/internal/reconcile"
	"spotbot/internal/risk"
	"spotbot/internal/session"
	"spotbot/internal/storage"
	"spotbot/internal/storage/memory"
	"spotbot/internal/storage/migrations"
	pgstore "spotbot/internal/storage/postgres"
	"spotbot/internal/trader"
)

// stores bundles the three storage implementations behind their
// interfaces, regardless of backend.
type stores struct {
	positions storage.PositionStore
	trades    storage.ClosedTradeStore
	riskState storage.RiskStateStore
}

func main() {
	// Load .env file if exists; system env wins.
	_ = godotenv.Load()

	// Parse flags (env vars as defaults)
	endpoint := flag.String("endpoint", os.Getenv("BROKER_ENDPOINT"), "Broker endpoint (tls://host:port or wss://host/path)")
	clientID := flag.String("client-id", os.Getenv("BROKER_CLIENT_ID"), "Application client id")
	clientSecret := flag.String("client-secret", os.Getenv("BROKER_CLIENT_SECRET"), "Application client secret")
	accountID := flag.Int64("account-id", envInt64("BROKER_ACCOUNT_ID", 0), "Trading account id")
	accessToken := flag.String("access-token", os.Getenv("BROKER_ACCESS_TOKEN"), "Account access token")
	symbolName := flag.String("symbol", envDefault("TRADE_SYMBOL", "EURUSD"), "Symbol to trade")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")

	volume := flag.Float64("volume", envFloat("TRADE_VOLUME", 0.1), "Order volume in lots")
	slPct := flag.Float64("sl-pct", envFloat("STOP_LOSS_PCT", 0.02), "Stop-loss distance as a fraction of entry")
	tpPct := flag.Float64("tp-pct", envFloat("TAKE_PROFIT_PCT", 0.04), "Take-profit distance as a fraction of entry")
	trailingPct := flag.Float64("trailing-pct", envFloat("TRAILING_PCT", 0), "Trailing-stop distance (0 disables trailing)")

	balance := flag.Float64("balance", envFloat("STARTING_BALANCE", 10_000), "Starting balance for the daily loss limit")
	maxDailyLossPct := flag.Float64("max-daily-loss-pct", envFloat("MAX_DAILY_LOSS_PCT", 0.05), "Daily loss limit as a fraction of balance")
	maxLossStreak := flag.Int("max-consecutive-losses", 3, "Consecutive losses before the cooldown")
	lossCooldown := flag.Duration("loss-cooldown", time.Hour, "Cooldown after a loss streak")
	volMultiplier := flag.Float64("volatility-multiplier", 2.0, "Volatility spike multiplier over the baseline")
	volPause := flag.Duration("volatility-pause", 15*time.Minute, "Pause after a volatility spike")
	maxPositions := flag.Int("max-positions", 5, "Maximum simultaneous open positions")

	signalInterval := flag.Duration("signal-interval", 30*time.Second, "Strategy polling interval")
	closeOnExit := flag.Bool("close-on-exit", false, "Close all open positions at market on shutdown")
	mismatchLogOnly := flag.Bool("mismatch-log-only", false, "Only log reconciliation volume mismatches instead of taking the broker's value")
	metricsAddr := flag.String("metrics-addr", envDefault("METRICS_ADDR", ":9090"), "Prometheus metrics HTTP address")

	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags)

	if *endpoint == "" {
		logger.Fatal("--endpoint is required")
	}
	if *clientID == "" || *clientSecret == "" || *accessToken == "" || *accountID == 0 {
		logger.Fatal("--client-id, --client-secret, --account-id and --access-token are required")
	}
	if !*useMemory && *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required (use --use-memory for in-memory storage)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores and migrations.
	st, cleanup, err := createStores(ctx, *postgresDSN, *useMemory)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	// Risk gate, held closed until reconciliation has run.
	gate, err := risk.NewGate(risk.Options{
		Store:                st.riskState,
		StartingBalance:      *balance,
		MaxDailyLossPct:      *maxDailyLossPct,
		MaxConsecutiveLosses: *maxLossStreak,
		LossCooldown:         *lossCooldown,
		VolatilityMultiplier: *volMultiplier,
		VolatilityPause:      *volPause,
		MaxPositions:         *maxPositions,
		Logger:               log.New(os.Stdout, "[risk] ", log.LstdFlags),
	})
	if err != nil {
		logger.Fatalf("Failed to create risk gate: %v", err)
	}
	if err := gate.Load(ctx); err != nil {
		logger.Fatalf("Failed to load risk state: %v", err)
	}
	gate.Hold("starting up")

	// Session.
	dialer, err := buildDialer(*endpoint)
	if err != nil {
		logger.Fatalf("Invalid endpoint: %v", err)
	}
	sess, err := session.New(session.Options{
		Dialer: dialer,
		Credentials: session.Credentials{
			ClientID:     *clientID,
			ClientSecret: *clientSecret,
			AccountID:    *accountID,
			AccessToken:  *accessToken,
		},
		Logger: log.New(os.Stdout, "[session] ", log.LstdFlags),
	})
	if err != nil {
		logger.Fatalf("Failed to create session: %v", err)
	}

	if err := sess.Connect(ctx); err != nil {
		logger.Fatalf("Failed to connect: %v", err)
	}
	defer sess.Close()
	if err := sess.Authenticate(ctx); err != nil {
		logger.Fatalf("Failed to authenticate: %v", err)
	}

	// Symbol metadata and subscription.
	symbols, err := sess.SymbolList(ctx)
	if err != nil {
		logger.Fatalf("Failed to fetch symbols: %v", err)
	}
	symbolsByID := make(map[int64]domain.SymbolMeta, len(symbols))
	var meta domain.SymbolMeta
	found := false
	for _, s := range symbols {
		symbolsByID[s.ID] = s
		if s.Name == *symbolName {
			meta = s
			found = true
		}
	}
	if !found {
		logger.Fatalf("Symbol %q not offered by the broker", *symbolName)
	}
	if err := sess.Subscribe(ctx, meta.ID); err != nil {
		logger.Fatalf("Failed to subscribe to %s: %v", meta.Name, err)
	}
	logger.Printf("Trading %s (id %d, digits %d)", meta.Name, meta.ID, meta.Digits)

	// Lifecycle manager.
	mgr, err := lifecycle.New(lifecycle.Options{
		Broker:        sess,
		Positions:     st.positions,
		Trades:        st.trades,
		Gate:          gate,
		Symbol:        meta,
		Volume:        *volume,
		StopLossPct:   *slPct,
		TakeProfitPct: *tpPct,
		TrailingPct:   *trailingPct,
		Logger:        log.New(os.Stdout, "[lifecycle] ", log.LstdFlags),
	})
	if err != nil {
		logger.Fatalf("Failed to create lifecycle manager: %v", err)
	}
	if err := mgr.LoadOpen(ctx); err != nil {
		logger.Fatalf("Failed to load open positions: %v", err)
	}

	// Reconciliation engine; also runs on every reconnect before the
	// session reports ready.
	engine, err := reconcile.New(reconcile.Options{
		Broker:          sess,
		Positions:       st.positions,
		Trades:          st.trades,
		Symbols:         symbolsByID,
		StopLossPct:     *slPct,
		TakeProfitPct:   *tpPct,
		LogOnlyMismatch: *mismatchLogOnly,
		Logger:          log.New(os.Stdout, "[reconcile] ", log.LstdFlags),
	})
	if err != nil {
		logger.Fatalf("Failed to create reconciliation engine: %v", err)
	}
	reconcileHook := func(ctx context.Context) error {
		gate.Hold("reconciliation in progress")
		defer gate.Release()

		report, err := engine.Run(ctx)
		if err != nil {
			observability.RecordReconcileRun("error", 0, 0, 0)
			return err
		}
		observability.RecordReconcileRun("success",
			len(report.Orphaned), len(report.Missing), len(report.Mismatched))
		return mgr.LoadOpen(ctx)
	}
	sess.OnReconnect(reconcileHook)

	// Startup reconciliation, then open for business.
	if err := reconcileHook(ctx); err != nil {
		logger.Fatalf("Startup reconciliation failed: %v", err)
	}
	sess.MarkReady()

	// Trader loop. The strategy is a plug point; the built-in source
	// holds until one is wired in.
	runner, err := trader.New(trader.Options{
		Session:        sess,
		Manager:        mgr,
		Gate:           gate,
		Signals:        trader.SignalFunc(func(context.Context) domain.Signal { return domain.SignalHold }),
		SignalInterval: *signalInterval,
		CloseOnExit:    *closeOnExit,
		Logger:         log.New(os.Stdout, "[trader] ", log.LstdFlags),
	})
	if err != nil {
		logger.Fatalf("Failed to create trader: %v", err)
	}

	// Channel to signal completion
	done := make(chan error, 1)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(60 * time.Second):
			logger.Println("Graceful shutdown timed out after 60s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	go startHTTPServer(*metricsAddr, logger, func() observability.StatusSnapshot {
		return observability.StatusSnapshot{
			SessionState:  sess.State().String(),
			OpenPositions: mgr.OpenPositions(),
			RiskState:     gate.Snapshot(),
		}
	})

	err = runner.Run(ctx)
	done <- err

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Trader error: %v", err)
	}
	logger.Println("Shutdown complete")
}

// createStores builds the storage layer and applies migrations.
func createStores(ctx context.Context, dsn string, useMemory bool) (*stores, func(), error) {
	if useMemory {
		return &stores{
			positions: memory.NewPositionStore(),
			trades:    memory.NewClosedTradeStore(),
			riskState: memory.NewRiskStateStore(),
		}, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	return &stores{
		positions: pgstore.NewPositionStore(pool),
		trades:    pgstore.NewClosedTradeStore(pool),
		riskState: pgstore.NewRiskStateStore(pool),
	}, pool.Close, nil
}

// buildDialer selects the transport from the endpoint scheme.
func buildDialer(endpoint string) (session.Dialer, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}

	switch u.Scheme {
	case "tls", "tcp":
		return &session.TCPDialer{Addr: u.Host}, nil
	case "ws", "wss":
		return &session.WSDialer{URL: endpoint}, nil
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q (want tls, tcp, ws or wss)", u.Scheme)
	}
}

// startHTTPServer serves health, metrics and status.
func startHTTPServer(addr string, logger *log.Logger, snapshot func() observability.StatusSnapshot) {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("/metrics", observability.Handler())

	// Status endpoint
	mux.Handle("/status", observability.StatusHandler(snapshot))

	logger.Printf("Starting HTTP server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Printf("HTTP server error: %v", err)
	}
}

// envDefault returns the env value or a fallback.
func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

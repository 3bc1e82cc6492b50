package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"tallyd/internal/config"
	"tallyd/internal/metrics"
	"tallyd/internal/repository"
	"tallyd/internal/service"
	transportGRPC "tallyd/internal/transport/grpc"
	transportHTTP "tallyd/internal/transport/http"
	transportNATS "tallyd/internal/transport/nats"
	"tallyd/internal/verifier"
	"tallyd/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}
	return build(cfg)
}

func build(cfg *config.Config) (*App, func(), error) {
	var cleanupFns []func()
	fail := func(err error) (*App, func(), error) {
		runCleanup(cleanupFns)()
		return nil, nil, err
	}

	// ── Store ─────────────────────────────────────────────────────────────────
	store, err := openStore(cfg)
	if err != nil {
		return fail(err)
	}
	cleanupFns = append(cleanupFns, func() { _ = store.Close() })

	m := metrics.New()
	logger := slog.Default()
	txRetry := service.RetryPolicy{
		MaxAttempts: cfg.TxAttempts,
		BaseDelay:   service.DefaultRetryPolicy.BaseDelay,
		MaxDelay:    service.DefaultRetryPolicy.MaxDelay,
	}
	opts := []service.EngineOption{
		service.WithMetrics(m),
		service.WithLogger(logger),
		service.WithTxRetry(txRetry),
		service.WithVerifyPolicy(cfg.VerifyTimeout, service.RetryPolicy{
			MaxAttempts: cfg.VerifyAttempts,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		}),
	}

	// ── Outcome cache (optional) ──────────────────────────────────────────────
	if cfg.CacheEnabled() {
		rdb, err := connectRedis(cfg.RedisAddr())
		if err != nil {
			return fail(fmt.Errorf("connect redis: %w", err))
		}
		cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
		opts = append(opts, service.WithOutcomeCache(repository.NewOutcomeCache(rdb, cfg.CacheTTL)))
	}

	baseURL := cfg.ProviderBaseURL
	if baseURL == "" {
		baseURL = verifier.BaseURLForMode(cfg.ProviderMode)
	}
	v := verifier.NewHTTPVerifier(baseURL, cfg.ProviderSecretKey, cfg.VerifyTimeout)

	counters := service.NewCounters(store, txRetry, m, logger)
	var servers []Server

	// ── Bus ───────────────────────────────────────────────────────────────────
	var bus *transportNATS.Bus
	if cfg.BusProvider == "nats" {
		nc, err := connectNats(cfg.NatsAddr())
		if err != nil {
			return fail(fmt.Errorf("connect nats: %w", err))
		}
		cleanupFns = append(cleanupFns, nc.Close)
		bus = transportNATS.NewBus(nc)
		opts = append(opts, service.WithBus(bus))
		servers = append(servers, worker.NewSettledProcessor(counters, bus))
	}

	ledger := &service.Ledger{
		IntentRegistry: service.NewIntentRegistry(store, txRetry, logger),
		Engine:         service.NewEngine(store, v, counters, opts...),
		Counters:       counters,
		Predictions:    service.NewPredictions(store, counters, txRetry, m, logger),
	}

	// ── Transports ────────────────────────────────────────────────────────────
	servers = append(servers, worker.NewSweeper(counters, cfg.SweepInterval, cfg.SweepBatch))
	if bus != nil {
		servers = append(servers, transportNATS.NewHandler(ledger, bus.Conn()))
	}
	if addr, err := cfg.GRPCAddr(); err == nil {
		servers = append(servers, transportGRPC.NewServer(addr, ledger))
	}
	if addr, err := cfg.ApiAddr(); err == nil {
		servers = append(servers, transportHTTP.NewServer(addr, ledger, cfg.WebhookSecret, m.Handler(), logger))
	}

	slog.Info("tallyd wired",
		"store", cfg.Store,
		"bus", cfg.BusProvider,
		"cache", cfg.CacheEnabled(),
		"servers", len(servers),
	)
	return NewApp(servers), runCleanup(cleanupFns), nil
}

func openStore(cfg *config.Config) (repository.Store, error) {
	switch cfg.Store {
	case "bolt":
		return repository.OpenBolt(cfg.BoltPath)
	case "postgres":
		db, err := connectPostgres(cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return repository.NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}

/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the trainer ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (file, .env, environment)
  2. Initialize the logger (and Sentry when sentry_dsn is set)
  3. Open the store selected by database.driver
  4. Build the ledger engine, metrics, API handler and router
  5. Start the reconciliation scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to config.yaml (default: search . and config/)
  -env     Directory holding .env / .env.local (default: config/)

STORES (database.driver):
  sqlite    database.path, ":memory:" allowed
  postgres  database.dsn
  memory    No persistence; development only

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store and flush logs

EXAMPLES:
  # Run with the defaults (./trainer-ledger.db)
  ./server

  # Run against PostgreSQL
  TRAINER_LEDGER_DATABASE_DRIVER=postgres \
  TRAINER_LEDGER_DATABASE_DSN=postgres://ledger@localhost/ledger ./server

SEE ALSO:
  - config/config.go: Keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/warp/trainer-ledger/api"
	"github.com/warp/trainer-ledger/config"
	"github.com/warp/trainer-ledger/ledger"
	memstore "github.com/warp/trainer-ledger/ledger/store"
	"github.com/warp/trainer-ledger/logger"
	"github.com/warp/trainer-ledger/money"
	"github.com/warp/trainer-ledger/store/postgres"
	"github.com/warp/trainer-ledger/store/sqlite"
)

// store is what the server needs from any backend.
type store interface {
	ledger.TxStore
	Ping(ctx context.Context) error
}

func main() {
	configFile := flag.String("config", "", "Path to config file")
	envPath := flag.String("env", "", "Directory holding .env files")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Tags:      map[string]string{"service": "trainer-ledger"},
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Flush(2 * time.Second)

	if err := run(cfg); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	loc, err := cfg.Ledger.Location()
	if err != nil {
		return err
	}

	metrics := api.NewMetrics()
	engine := ledger.NewEngine(st,
		ledger.WithLocation(loc),
		ledger.WithPunchWindow(cfg.Ledger.PunchWindowMonths),
		ledger.WithRefundPolicy(ledger.RefundPolicy(cfg.Ledger.RefundPolicy)),
		ledger.WithMaxConflictRetries(cfg.Ledger.MaxConflictRetries),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithObserver(metrics),
	)

	handler := api.NewHandler(engine)
	handler.MinRate = money.Paise(cfg.Ledger.MinRate)
	handler.MaxRate = money.Paise(cfg.Ledger.MaxRate)
	handler.MaxPayment = money.Paise(cfg.Ledger.MaxPayment)
	handler.MaxPaymentClasses = money.Classes(cfg.Ledger.MaxPaymentClasses)

	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Metrics:        metrics,
		Pinger:         st,
	})

	scheduler := api.NewReconciliationScheduler(engine, metrics)
	scheduler.Enabled = cfg.Reconcile.Enabled
	scheduler.CheckInterval = cfg.Reconcile.Interval
	scheduler.Workers = cfg.Reconcile.Workers
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting",
			zap.String("addr", server.Addr),
			zap.String("store", cfg.Database.Driver),
			zap.String("timezone", loc.String()),
			zap.String("refund_policy", string(engine.RefundPolicy())),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case <-quit:
	}

	logger.Info("Shutting down server...")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "memory":
		return memoryStore{memstore.NewMemory()}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// memoryStore is always reachable.
type memoryStore struct{ *memstore.Memory }

func (memoryStore) Ping(context.Context) error { return nil }

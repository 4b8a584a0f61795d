/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the revenue ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags, YAML file, .env, LEDGER_* environment)
  2. Build the zap logger
  3. Open the configured store and initialize the revenue singleton
  4. Wire engine, inventory queue, workflow and API handler
  5. Start the reconciliation scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Optional YAML config file
  -env     Optional .env file (default: .env, skipped if missing)

ENVIRONMENT:
  Every config key can be overridden with LEDGER_<SECTION>_<KEY>, e.g.
    LEDGER_SERVER_PORT=3000
    LEDGER_DATABASE_DRIVER=postgres
    LEDGER_DATABASE_DSN="host=localhost user=ledger dbname=ledger sslmode=disable"
    LEDGER_LOGGER_FORMAT=console

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and drain the inventory queue
  4. Close database connection
  5. Exit

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite, store/postgres, ledger/store: Store implementations
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

	"github.com/warp/revenue-ledger/api"
	"github.com/warp/revenue-ledger/config"
	"github.com/warp/revenue-ledger/ledger"
	memstore "github.com/warp/revenue-ledger/ledger/store"
	"github.com/warp/revenue-ledger/logging"
	"github.com/warp/revenue-ledger/store/postgres"
	"github.com/warp/revenue-ledger/store/sqlite"
	"github.com/warp/revenue-ledger/workflow"
	"go.uber.org/zap"
)

// backend is what main needs from a store: the ledger, the request
// records, the product catalog and a way to shut down.
type backend struct {
	ledger   ledger.TxStore
	products workflow.ProductStore
	close    func() error
}

func openBackend(cfg config.DatabaseConfig) (*backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return &backend{ledger: s, products: s, close: s.Close}, nil

	case config.DriverPostgres:
		s, err := postgres.New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &backend{ledger: s, products: s, close: s.Close}, nil

	case config.DriverMemory:
		s := memstore.NewMemory()
		return &backend{
			ledger:   s,
			products: workflow.NewMemoryCatalog(),
			close:    func() error { return nil },
		}, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	envFile := flag.String("env", ".env", "dotenv file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		OutputPath: cfg.Logger.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	// Initialize store
	store, err := openBackend(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer func() {
		if err := store.close(); err != nil {
			logger.Warn("Failed to close database", zap.Error(err))
		}
	}()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	err = store.ledger.Initialize(initCtx)
	cancelInit()
	if err != nil {
		logger.Fatal("Failed to initialize revenue", zap.Error(err))
	}

	engine := ledger.NewEngine(store.ledger,
		ledger.WithLogger(logger),
		ledger.WithTimeout(cfg.Ledger.OperationTimeout),
		ledger.WithStrictRestore(cfg.Ledger.StrictRestore),
	)

	inventory := workflow.NewQueuedInventory(workflow.NewStockInventory(store.products), cfg.Inventory.QueueSize, logger)
	inventory.Start()

	flow := workflow.New(store.ledger, engine, store.products, inventory, workflow.WithLogger(logger))

	// Initialize handler
	handler := api.NewHandler(engine, flow, store.products, logger)

	scheduler := api.NewReconciliationScheduler(engine, logger)
	scheduler.CheckInterval = cfg.Reconciliation.Interval
	scheduler.Enabled = cfg.Reconciliation.Enabled
	handler.Scheduler = scheduler
	scheduler.Start()

	// Create router
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	// Create server
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting",
			zap.String("addr", server.Addr),
			zap.String("driver", cfg.Database.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	scheduler.Stop()
	inventory.Stop()

	logger.Info("Server stopped")
}

/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the rent ledger HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment, then flags)
  2. Initialize SQLite store and seed the default chart of accounts
  3. Choose the per-student locker (Redis when REDIS_ADDR is set)
  4. Create API handler with dependencies
  5. Start the integrity scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides APP_ADDR)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  See config/config.go. REDIS_ADDR switches to distributed locks so several
  server replicas can share one ledger.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the integrity scheduler
  4. Close Redis and database connections

EXAMPLES:
  ./server -db="./data/ledger.db"
  REDIS_ADDR=localhost:6379 AUDIT_INTERVAL=15m ./server -port=3000

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/rent-ledger/api"
	"github.com/warp/rent-ledger/config"
	"github.com/warp/rent-ledger/correction"
	"github.com/warp/rent-ledger/ledger"
	"github.com/warp/rent-ledger/lock"
	"github.com/warp/rent-ledger/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	port := flag.Int("port", 0, "HTTP server port (overrides APP_ADDR)")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	if *port > 0 {
		cfg.AppAddr = fmt.Sprintf(":%d", *port)
	}
	cfg.DBPath = *dbPath

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	locker, closeLocker, err := newLocker(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	handler := api.NewHandler(store, locker, logger)
	handler.Accruals.WithConcurrency(cfg.BatchConcurrency)
	if err := handler.Ledger.Accounts().Seed(context.Background(), ledger.DefaultChart()); err != nil {
		return fmt.Errorf("seed chart of accounts: %w", err)
	}

	scheduler := correction.NewIntegrityScheduler(handler.Corrections, cfg.AuditInterval, logger)
	scheduler.Enabled = cfg.AuditEnabled
	scheduler.Timeout = cfg.AuditInterval / 2
	handler.Scheduler = scheduler
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.AppAddr, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// newLocker returns a Redis locker when REDIS_ADDR is set, otherwise an
// in-process one.
func newLocker(cfg *config.Config, logger *slog.Logger) (lock.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Info("using in-process student locks")
		return lock.NewKeyedMutex(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("using redis student locks", "addr", cfg.RedisAddr, "ttl", cfg.LockTTL)
	return lock.NewRedisLocker(client, "rent-ledger:lock:", cfg.LockTTL, logger), func() { client.Close() }, nil
}

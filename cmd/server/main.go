/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the circulation engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Set up logging and, when configured, tracing
  3. Initialize SQLite store
  4. Choose calendar, notice sender and event publishers
  5. Create service, sweeper, scheduler and API handler
  6. Start server and scheduler with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  See config/config.go for every variable and its default.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Flush traces, close databases
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/circulation.db"

  # Run with in-memory database and a demo scenario
  ./server -db=":memory:"
  curl -XPOST localhost:8080/api/scenarios/load -d '{"scenarioId":"aged-to-lost"}'

  # Ship events to PostgreSQL and traces to a collector
  EVENTS_DATABASE_URL=postgres://... OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318 ./server

SEE ALSO:
  - config/config.go: Configuration
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

	"github.com/warp/circulation-engine/api"
	"github.com/warp/circulation-engine/calendar"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/config"
	"github.com/warp/circulation-engine/notify"
	"github.com/warp/circulation-engine/store/postgres"
	"github.com/warp/circulation-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := setupTracing(ctx, cfg.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("failed to flush traces", "error", err)
			}
		}()
		logger.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Calendar: remote service if configured, else the stored timetables
	var (
		cal    circulation.Calendar
		static *calendar.Static
	)
	if cfg.CalendarURL != "" {
		cal = calendar.NewClient(cfg.CalendarURL, cfg.LookupTimeout, cfg.Location)
		logger.Info("using remote calendar", "url", cfg.CalendarURL)
	} else {
		static, err = store.LoadCalendar(ctx, cfg.Location)
		if err != nil {
			return fmt.Errorf("failed to load calendars: %w", err)
		}
		cal = static
	}

	// Notices: webhook if configured, else the log
	var sender circulation.NoticeSender = notify.NewLogSender(logger)
	if cfg.NoticeWebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.NoticeWebhookURL, cfg.LookupTimeout)
		logger.Info("delivering notices by webhook", "url", cfg.NoticeWebhookURL)
	}
	if cfg.NoticeRatePerSecond > 0 {
		sender = notify.NewRateLimited(sender, cfg.NoticeRatePerSecond, 1)
	}

	// Events: always the local log, plus PostgreSQL if configured
	publishers := circulation.MultiPublisher{store}
	if cfg.EventsDatabaseURL != "" {
		events, err := postgres.Open(ctx, cfg.EventsDatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open events database: %w", err)
		}
		defer events.Close()
		publishers = append(publishers, events)
		logger.Info("publishing events to postgres")
	}

	svc := circulation.NewService(store, store, store,
		circulation.NewDueDateCalculator(cal, cfg.Location, cfg.LookupTimeout),
		circulation.WithPublisher(publishers),
		circulation.WithLogger(logger),
		circulation.WithLookupTimeout(cfg.LookupTimeout),
	)

	scheduler := api.NewSweepScheduler(circulation.NewSweeper(svc, sender), store, logger)
	scheduler.Interval = cfg.SweepInterval
	scheduler.Enabled = cfg.SweepEnabled

	handler := api.NewHandler(store, svc, scheduler, static, cfg.Location, logger)
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db", *dbPath, "timezone", cfg.Location.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	scheduler.Start()

	// Wait for interrupt signal
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the recurrence engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load the YAML config
  2. Configure zerolog
  3. Open the storage backend (SQLite or PostgreSQL)
  4. Seed the two household participants
  5. Wire services, handler, router and the generation scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config path (default: config.yaml, optional file)
  -port    Overrides server.port
  -db      Overrides storage.sqlite_path
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the generation scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  # Run with file database
  ./server -db="./data/shared.db"

  # Run against PostgreSQL
  DATABASE_URL="postgres://..." ./server -config=config.pg.yaml

SEE ALSO:
  - config/config.go: Config shape and defaults
  - api/server.go: Router configuration
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

	"github.com/rs/zerolog"

	"github.com/warp/recurrence-engine/api"
	"github.com/warp/recurrence-engine/config"
	"github.com/warp/recurrence-engine/ledger"
	"github.com/warp/recurrence-engine/recurrence"
	"github.com/warp/recurrence-engine/store/postgres"
	"github.com/warp/recurrence-engine/store/sqlite"
)

// storage is the full persistence surface both drivers provide.
type storage interface {
	recurrence.RuleStore
	recurrence.OccurrenceStore
	recurrence.EventLog
	recurrence.ParticipantDirectory
	ledger.Store

	UpsertParticipant(ctx context.Context, p *recurrence.Participant) error
}

func main() {
	configPath := flag.String("config", "config.yaml", "YAML config path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Storage.Driver = config.DriverSQLite
		cfg.Storage.SQLitePath = *dbPath
	}

	log := newLogger(cfg.Logging)
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer closeStore()

	for _, seed := range cfg.Participants {
		err := store.UpsertParticipant(ctx, &recurrence.Participant{
			ID:          recurrence.ParticipantID(seed.ID),
			DisplayName: seed.DisplayName,
			Active:      true,
		})
		if err != nil {
			log.Fatal().Err(err).Str("participant", seed.ID).Msg("failed to seed participant")
		}
	}

	movements := ledger.NewService(store, store, log)
	rules := recurrence.NewRuleService(store, store, store, log)
	generator := recurrence.NewGenerator(store, store, store, movements, log,
		recurrence.WithBatchLimit(cfg.Generation.BatchLimit))

	handler := api.NewHandler(rules, store, generator, movements, store, log)
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	scheduler := api.NewGenerationScheduler(generator, log)
	scheduler.CheckInterval = cfg.Generation.SchedulerInterval.Std()
	scheduler.Enabled = cfg.Generation.SchedulerEnabled
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Str("driver", cfg.Storage.Driver).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storage, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		store, err := postgres.New(ctx, cfg.Storage.PostgresDSN,
			postgres.WithClaimLease(cfg.Generation.ClaimLease.Std()))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := sqlite.New(cfg.Storage.SQLitePath,
			sqlite.WithClaimLease(cfg.Generation.ClaimLease.Std()))
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close store")
			}
		}, nil
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stderr
	logger := zerolog.New(out)
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

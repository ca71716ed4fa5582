/*
main.go - Application entry point

PURPOSE:
  Starts the booking lifecycle engine with its operational HTTP surface
  and the hold-expiry sweeper. Handles configuration, dependency
  injection and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the logger and tracing provider
  3. Open the ledger store (SQLite or Postgres)
  4. Create the engine
  5. Optionally seed a demo scenario
  6. Start the sweeper and the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP port, overrides HTTP_PORT
  -db      SQLite database path, overrides DB_PATH
           Use ":memory:" for a throwaway database
  -seed    Demo scenario to load at startup (showcase, transfer-desk)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper after its current pass
  4. Flush traces and close the store

EXAMPLES:
  ./server -db="./data/booking.db" -seed=showcase
  DB_DRIVER=postgres DATABASE_URL=postgres://localhost/booking ./server

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
  - api/scheduler.go: Hold sweeper
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/booking-engine/api"
	"github.com/warp/booking-engine/config"
	"github.com/warp/booking-engine/engine"
	"github.com/warp/booking-engine/factory"
	"github.com/warp/booking-engine/logger"
	"github.com/warp/booking-engine/scenario"
	"github.com/warp/booking-engine/store/postgres"
	"github.com/warp/booking-engine/store/sqlite"
	"github.com/warp/booking-engine/telemetry"
)

func main() {
	port := flag.Int("port", 0, "HTTP server port (overrides HTTP_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	seed := flag.String("seed", "", "demo scenario to load at startup")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{}).Fatal().Err(err).Msg("invalid configuration")
	}
	if *port > 0 {
		cfg.HTTP.Port = *port
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}

	log := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level})
	ctx := context.Background()

	tp, shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}

	store, closeStore, err := openStore(ctx, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("failed to initialize database")
	}

	eng := engine.New(store,
		engine.WithLogger(log.Component("engine")),
		engine.WithPublisher(engine.LogPublisher{Log: log.Component("events")}),
		engine.WithTracerProvider(tp),
		engine.WithHoldTTL(cfg.Engine.HoldTTL),
		engine.WithMaxAttempts(cfg.Engine.MaxTxAttempts),
		engine.WithFeeDueDays(cfg.Engine.FeeDueDays),
	)

	if *seed != "" {
		res, err := scenario.Load(ctx, eng, factory.NewPlanFactory(), *seed)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load scenario")
		}
		log.Info().
			Str("scenario", res.Scenario).
			Int("units", len(res.Units)).
			Int("bookings", len(res.Bookings)).
			Msg("demo data loaded")
	}

	sweeper := api.NewHoldSweeper(eng, store, log.Zerolog())
	sweeper.Enabled = cfg.Sweeper.Enabled
	sweeper.Interval = cfg.Sweeper.Interval
	sweeper.Concurrency = cfg.Sweeper.Concurrency
	sweeper.BatchSize = cfg.Sweeper.BatchSize
	sweeper.Start()

	handler := api.NewHandler(store, sweeper, cfg.DB.Driver, log.Zerolog())
	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      api.NewRouter(handler, cfg.HTTP.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Str("env", cfg.App.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	sweeper.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("trace flush failed")
	}
	closeStore()

	log.Info().Msg("server stopped")
}

// openStore returns the configured ledger store and its close function.
func openStore(ctx context.Context, cfg config.DBConfig) (engine.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		s, err := postgres.New(connectCtx, cfg.URL, postgres.Options{MaxConns: int32(cfg.MaxConns)})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}

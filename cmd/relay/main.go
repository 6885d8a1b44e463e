// Relay server — bridges chat platform adapters over SSE and drives the
// recurring and one-shot timer engines.
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
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nekro-agent/relay/pkg/api"
	"github.com/nekro-agent/relay/pkg/calendar"
	"github.com/nekro-agent/relay/pkg/config"
	"github.com/nekro-agent/relay/pkg/database"
	"github.com/nekro-agent/relay/pkg/metrics"
	"github.com/nekro-agent/relay/pkg/scheduler"
	"github.com/nekro-agent/relay/pkg/services"
	"github.com/nekro-agent/relay/pkg/sse"
	"github.com/nekro-agent/relay/pkg/timer"
	"github.com/nekro-agent/relay/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("RELAY_CONFIG", "./relay.yaml"),
		"Path to the YAML configuration file")
	flag.Parse()

	// Load .env before anything reads the environment.
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	// 1. Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting relay",
		"version", version.Full(),
		"addr", cfg.Server.Addr(),
		"data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("Failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	m := metrics.New()
	dynamic := config.NewDynamic(cfg.Bridge)

	// 2. Job store: PostgreSQL when DB_HOST is set, in-memory otherwise.
	var (
		store    scheduler.JobStore
		dbClient *database.Client
	)
	if os.Getenv("DB_HOST") != "" {
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		store = scheduler.NewPostgresStore(dbClient.DB())
		slog.Info("Connected to PostgreSQL database", "host", dbConfig.Host)
	} else {
		store = scheduler.NewMemoryStore()
		slog.Warn("DB_HOST not set, recurring jobs will not survive restarts")
	}

	// 3. SSE bridge
	registry := sse.NewRegistry(m, sse.RegistryOptions{
		ClientTTL:     cfg.Bridge.ClientTTL,
		SweepInterval: cfg.Bridge.SweepInterval,
	})
	registry.StartSweeper(ctx)
	defer registry.Stop()

	correlator := sse.NewCorrelator(m)
	emitter := sse.NewEmitter(m)
	streamer := sse.NewStreamer(m, sse.StreamOptions{
		HeartbeatInterval: cfg.Bridge.HeartbeatInterval,
	})
	dispatcher := sse.NewDispatcher(registry, correlator, emitter, dynamic, m)

	// 4. Agent core services. The log-backed implementations stand in
	// until the core wires its own MessageService and MessageCollector.
	msgs := services.LogMessageService{}
	router := sse.NewRouter(registry, correlator, services.LogMessageCollector{}, m)

	// 5. Recurring timer engine
	oracle := calendar.NewOracle(filepath.Join(cfg.DataDir, "holidays"))
	engine := scheduler.NewEngine(store, msgs, oracle, m, scheduler.Options{
		MaxConsecutiveFailures: cfg.Scheduler.MaxConsecutiveFailures,
		DefaultMisfireGrace:    cfg.Scheduler.MisfireGrace,
	})
	if err := engine.Start(ctx); err != nil {
		slog.Error("Failed to start recurring engine", "error", err)
		os.Exit(1)
	}
	defer engine.Stop()
	slog.Info("Recurring engine started")

	// 6. One-shot timer service
	timers := timer.NewService(msgs, m, timer.Options{
		StorePath:    filepath.Join(cfg.DataDir, "timers.json"),
		RestartGrace: cfg.Timer.RestartGrace,
	})
	if err := timers.Start(ctx); err != nil {
		slog.Error("Failed to start timer service", "error", err)
		os.Exit(1)
	}
	defer timers.Stop()
	slog.Info("Timer service started")

	// 7. HTTP server
	server := api.NewServer(registry, router, streamer, dispatcher, engine, timers, dbClient, dynamic, m)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: drain HTTP (closing live SSE streams), then
	// the deferred stops take down the engines and registry in reverse
	// startup order.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown timeout exceeded", "error", err)
	}
	slog.Info("Relay stopped")
}

// Scholard server — runs the literature-review workflow engine and exposes
// it over HTTP with SSE progress streaming.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/autoscholar/scholard/pkg/api"
	"github.com/autoscholar/scholard/pkg/claims"
	"github.com/autoscholar/scholard/pkg/config"
	"github.com/autoscholar/scholard/pkg/database"
	"github.com/autoscholar/scholard/pkg/events"
	"github.com/autoscholar/scholard/pkg/fulltext"
	"github.com/autoscholar/scholard/pkg/httppool"
	"github.com/autoscholar/scholard/pkg/llm"
	"github.com/autoscholar/scholard/pkg/scholar"
	"github.com/autoscholar/scholard/pkg/store"
	"github.com/autoscholar/scholard/pkg/version"
	"github.com/autoscholar/scholard/pkg/workflow"
)

// engineDrainTimeout bounds the shutdown drain: active runs get this long to
// finish their current stage and checkpoint before being cancelled hard.
const engineDrainTimeout = 30 * time.Second

// httpShutdownTimeout bounds the HTTP server's graceful shutdown.
const httpShutdownTimeout = 5 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting scholard",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database (runs pending migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Stores and one-time startup orphan recovery
	sessions := store.NewSessionStore(dbClient)
	eventStore := store.NewEventStore(dbClient)
	llmCalls := store.NewLLMCallStore(dbClient)

	recovered, err := sessions.RecoverOrphans(ctx)
	if err != nil {
		slog.Error("Failed to recover orphaned sessions", "error", err)
		// Non-fatal — continue
	} else if recovered > 0 {
		slog.Info("Recovered orphaned sessions", "count", recovered)
	}

	// 4. Initialize streaming infrastructure
	publisher := events.NewEventPublisher(dbClient.DB(), eventStore)
	hub := events.NewHub(eventStore)

	// Start NotifyListener (dedicated pgx connection for LISTEN)
	notifyListener := events.NewNotifyListener(dbConfig.DSN(), hub)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start NotifyListener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)

	// Wire listener ↔ hub bidirectional link
	hub.SetListener(notifyListener)
	slog.Info("Streaming infrastructure initialized")

	// 5. Scholarly source clients over the shared HTTP pool
	httpClient := httppool.NewClient()
	searcher := scholar.NewClient(httpClient, cfg.Scholar)
	resolver := fulltext.NewResolver(httpClient, cfg.Fulltext)

	// 6. LLM client with per-call cost recording
	// Note: connections are lazy; the endpoint is first hit on the first run.
	llmClient := llm.NewClient(cfg.LLM, llmCalls)
	slog.Info("LLM client initialized", "model", cfg.LLM.Model, "base_url", cfg.LLM.BaseURL)

	var verifier workflow.ClaimVerifier
	if cfg.Workflow.ClaimVerification {
		verifier = claims.NewVerifier(llmClient, cfg.Concurrency.ClaimVerification)
		slog.Info("Claim verification enabled", "concurrency", cfg.Concurrency.ClaimVerification)
	}

	// 7. Workflow engine
	engine := workflow.NewEngine(cfg, sessions, publisher, llmClient, searcher, resolver, verifier)

	// 8. Create and start HTTP server (non-blocking)
	httpServer := api.NewServer(cfg, engine, sessions, hub, dbClient, llmCalls)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Scholard started successfully", "addr", cfg.Server.Addr())

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop accepting requests, then drain active runs.
	// Runs outlive their triggering request, so the engine drains after the
	// HTTP server is down.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, httpShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, engineDrainTimeout)
	defer drainCancel()
	engine.Stop(drainCtx)

	slog.Info("Shutdown complete")
}

// Command breezerun runs the agentic coding service: WebSocket chat with a
// tool-using agent over per-session sandboxes, plus the HTTP API for
// projects, sessions, messages, and API keys.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	breezerun "github.com/zysoong/breezerun"
	"github.com/zysoong/breezerun/internal/config"
	"github.com/zysoong/breezerun/internal/secrets"
	"github.com/zysoong/breezerun/observer"
	sandboxdocker "github.com/zysoong/breezerun/sandbox/docker"
	sandboxlocal "github.com/zysoong/breezerun/sandbox/local"
	"github.com/zysoong/breezerun/server"
	"github.com/zysoong/breezerun/store/postgres"
	"github.com/zysoong/breezerun/store/sqlite"
	"github.com/zysoong/breezerun/workspace"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("BREEZERUN_CONFIG"))
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store: postgres:// selects pgx, anything else is a SQLite file.
	var store breezerun.Store
	if cfg.PostgresURL() {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		store = postgres.New(pool)
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.URL), 0o755); err != nil {
			logger.Error("database directory", "error", err)
			os.Exit(1)
		}
		store = sqlite.New(cfg.Database.URL, sqlite.WithLogger(logger))
	}
	if err := store.Init(ctx); err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	workspaces, err := workspace.NewManager(cfg.Sandbox.WorkspaceRoot)
	if err != nil {
		logger.Error("workspace root", "error", err)
		os.Exit(1)
	}

	// Observability is opt-in via the standard OTEL env var.
	var tracer breezerun.Tracer
	var inst *observer.Instruments
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			os.Exit(1)
		}
		defer shutdown(context.Background())
		tracer = observer.NewTracer()
		logger.Info("OTEL observability enabled")
	}

	registry := breezerun.NewTaskRegistry()
	go registry.RunGC(ctx, 5*time.Minute, time.Hour)

	var factory breezerun.SandboxFactory
	switch cfg.Sandbox.Backend {
	case "local":
		factory = func(_ context.Context, sessionID, _ string, _ map[string]string) (breezerun.Sandbox, error) {
			dir, err := workspaces.Create(sessionID)
			if err != nil {
				return nil, err
			}
			return sandboxlocal.New(dir), nil
		}
	default:
		factory = func(ctx context.Context, sessionID, envType string, envConfig map[string]string) (breezerun.Sandbox, error) {
			dir, err := workspaces.Create(sessionID)
			if err != nil {
				return nil, err
			}
			return sandboxdocker.New(ctx, sessionID, envType, envConfig, dir)
		}
	}
	sandboxes := breezerun.NewSandboxManager(factory,
		breezerun.WithSoftCap(cfg.Sandbox.PoolSize),
		breezerun.WithBusyCheck(registry.Running))
	defer sandboxes.Shutdown(context.Background())

	bus := breezerun.NewEventBus(logger)
	defer bus.Close()
	if inst != nil {
		observer.ObserveTurns(bus, inst)
	}
	buffer := breezerun.NewStreamingBuffer(breezerun.WithBufferLogger(logger))
	orch := breezerun.NewOrchestrator(store, buffer, bus, registry,
		breezerun.WithOrchestratorLogger(logger))

	opts := []server.Option{server.WithLogger(logger)}
	if tracer != nil {
		opts = append(opts, server.WithTracer(tracer))
	}
	if inst != nil {
		opts = append(opts, server.WithInstruments(inst))
	}
	if cfg.Security.MasterKey != "" {
		box, err := secrets.New(cfg.Security.MasterKey)
		if err != nil {
			logger.Error("secrets init failed", "error", err)
			os.Exit(1)
		}
		opts = append(opts, server.WithSecretsBox(box))
	} else {
		logger.Warn("MASTER_ENCRYPTION_KEY not set; stored API keys are disabled")
	}

	srv := server.New(cfg, store, orch, buffer, bus, registry, sandboxes, workspaces, opts...)
	if err := srv.Start(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

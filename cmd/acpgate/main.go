// Package main runs the acpgate gateway: it bridges messaging-platform
// threads to a pool of agent subprocesses speaking ACP over stdio.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acpgate/acpgate/internal/agent/driver"
	"github.com/acpgate/acpgate/internal/agent/pool"
	"github.com/acpgate/acpgate/internal/common/config"
	"github.com/acpgate/acpgate/internal/common/logger"
	"github.com/acpgate/acpgate/internal/events/bus"
	"github.com/acpgate/acpgate/internal/gateway/api"
	"github.com/acpgate/acpgate/internal/gateway/orchestrator"
	"github.com/acpgate/acpgate/internal/gateway/telegram"
	"github.com/acpgate/acpgate/internal/session/store"
	"github.com/acpgate/acpgate/internal/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "acpgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting acpgate",
		zap.String("agent", cfg.Agent.Name),
		zap.Int("max_workers", cfg.Pool.MaxWorkers))

	// Startup preconditions: agent binary, config template, writable
	// workspace root. Any failure aborts with a non-zero exit.
	if err := cfg.ValidateRuntime(); err != nil {
		return fmt.Errorf("startup validation failed: %w", err)
	}

	provisioner := workspace.NewProvisioner(&cfg.Agent, log)
	if err := provisioner.Provision(); err != nil {
		return fmt.Errorf("provisioning failed: %w", err)
	}

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open binding store: %w", err)
	}
	defer st.Close()

	eventBus, err := bus.New(cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer eventBus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	spawn := func(ctx context.Context) (pool.Worker, error) {
		d, err := driver.Spawn(driver.Config{
			Binary:         cfg.Agent.Binary,
			AgentName:      cfg.Agent.Name,
			RequestTimeout: cfg.Agent.RequestTimeoutDuration(),
		}, log)
		if err != nil {
			return nil, err
		}
		if err := d.Initialize(ctx); err != nil {
			killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = d.Kill(killCtx)
			return nil, err
		}
		return d, nil
	}

	workerPool := pool.New(pool.Config{
		MaxWorkers:  cfg.Pool.MaxWorkers,
		IdleTimeout: cfg.Pool.IdleTimeout(),
	}, spawn, eventBus, log)
	if err := workerPool.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer workerPool.Shutdown(context.Background())

	adapter, err := telegram.New(cfg.Bot.Token, log)
	if err != nil {
		return fmt.Errorf("failed to create telegram adapter: %w", err)
	}
	orch, err := orchestrator.New(cfg, adapter, workerPool, st, eventBus, log)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	adapter.SetHandler(orch)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		adapter.Run(gctx)
		return nil
	})

	if cfg.API.Enabled {
		statusAPI, err := api.New(cfg.API, workerPool, eventBus, log)
		if err != nil {
			return fmt.Errorf("failed to create status API: %w", err)
		}
		g.Go(func() error {
			return statusAPI.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("acpgate shut down")
	return nil
}

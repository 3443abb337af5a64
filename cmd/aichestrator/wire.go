package main

import (
	"context"
	"os"

	"github.com/basket/aichestrator/internal/bus"
	"github.com/basket/aichestrator/internal/config"
	"github.com/basket/aichestrator/internal/decompose"
	"github.com/basket/aichestrator/internal/health"
	"github.com/basket/aichestrator/internal/llm"
	"github.com/basket/aichestrator/internal/orchestrator"
	otelpkg "github.com/basket/aichestrator/internal/otel"
	"github.com/basket/aichestrator/internal/pool"
	"github.com/basket/aichestrator/internal/remedy"
	"github.com/basket/aichestrator/internal/store"
)

// openStore connects the command to the shared backend.
func openStore(cfg config.Config) (store.Store, error) {
	return store.NewRedis(cfg.RedisURL, cfg.HeartbeatTimeout)
}

// app bundles everything a run/resume command wires together.
type app struct {
	cfg  config.Config
	st   store.Store
	bus  *bus.Bus
	orch *orchestrator.Orchestrator
	otel *otelpkg.Provider
}

// otelConfigFromEnv reads the telemetry switches.
func otelConfigFromEnv() otelpkg.Config {
	return otelpkg.Config{
		Enabled:  os.Getenv("AICHESTRATOR_OTEL") == "1",
		Exporter: os.Getenv("AICHESTRATOR_OTEL_EXPORTER"),
		Endpoint: os.Getenv("AICHESTRATOR_OTEL_ENDPOINT"),
	}
}

// buildApp assembles the full orchestrator stack for run and resume.
func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, err
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := otelpkg.Init(ctx, otelConfigFromEnv())
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	b := bus.New(st)
	client := llm.NewAnthropic(cfg.APIKey, cfg.Model)
	planner := decompose.New(client)
	remediator := remedy.New(client)

	workerPool, err := pool.New(pool.Config{
		MaxWorkers:        cfg.MaxWorkers,
		WorkerTimeout:     cfg.DefaultTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AllowInstall:      cfg.AllowInstall,
		Env: []string{
			"REDIS_URL=" + cfg.RedisURL,
			"ANTHROPIC_API_KEY=" + cfg.APIKey,
			"AICHESTRATOR_MODEL=" + cfg.Model,
		},
	}, b)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := workerPool.Start(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	monitor := health.New(st, b, cfg.HeartbeatInterval, 0)
	orch := orchestrator.New(cfg, st, b, planner, workerPool, remediator, monitor,
		orchestrator.WithTracer(provider.Tracer))
	if err := orch.Initialize(ctx); err != nil {
		orch.Shutdown()
		return nil, err
	}

	return &app{cfg: cfg, st: st, bus: b, orch: orch, otel: provider}, nil
}

// close releases the stack in reverse order.
func (a *app) close(ctx context.Context) {
	a.orch.Shutdown() // also closes the bus and the store
	_ = a.otel.Shutdown(ctx)
}

package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/browserpilot/internal/common/config"
	"github.com/kandev/browserpilot/internal/common/constants"
	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/common/tracing"
	"github.com/kandev/browserpilot/internal/engine"
	"github.com/kandev/browserpilot/internal/llm"
	"github.com/kandev/browserpilot/internal/session"
	"github.com/kandev/browserpilot/internal/task/status"
)

// app holds the shared core both commands run on.
type app struct {
	store       *status.Store
	broadcaster *session.Broadcaster
	registry    *session.Registry
	log         *logger.Logger

	cleanups []func() error
}

func buildApp(cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{log: log}

	repo, cleanups, err := provideRepository(cfg, log)
	if err != nil {
		return nil, err
	}
	a.cleanups = append(a.cleanups, cleanups...)

	eventBus, cleanup, err := provideEventBus(cfg, log)
	if err != nil {
		a.runCleanups()
		return nil, err
	}
	a.cleanups = append(a.cleanups, cleanup)

	factory, err := provideEngineFactory(cfg.Engine, log)
	if err != nil {
		a.runCleanups()
		return nil, err
	}

	model, err := llm.Resolve(cfg.LLM, log)
	if err != nil {
		a.runCleanups()
		return nil, err
	}
	log.Info("LLM selected", zap.String("llm", model.String()))

	a.store = status.NewStore(repo, eventBus, log, status.WithOwner(cfg.Session.InstanceID))
	a.broadcaster = session.NewBroadcaster(eventBus, log)
	if err := a.broadcaster.Start(); err != nil {
		a.runCleanups()
		return nil, fmt.Errorf("failed to start step broadcaster: %w", err)
	}

	a.registry = session.NewRegistry(a.store, factory, a.broadcaster, session.Config{
		Session: cfg.Session,
		Model:   model,
		Engine: engine.Options{
			Headless:    cfg.Engine.Headless,
			BrowserType: cfg.Engine.BrowserType,
		},
		EngineType: cfg.Engine.Type,
	}, log)
	return a, nil
}

// shutdown stops every session, then releases storage and the bus.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), constants.RegistryShutdownTimeout)
	a.registry.Shutdown(ctx)
	cancel()

	a.broadcaster.Stop()
	a.runCleanups()

	tctx, tcancel := context.WithTimeout(context.Background(), constants.StatusWriteTimeout)
	defer tcancel()
	if err := tracing.Shutdown(tctx); err != nil {
		a.log.Warn("Tracer shutdown error", zap.Error(err))
	}
}

// runCleanups runs in reverse order of acquisition.
func (a *app) runCleanups() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](); err != nil {
			a.log.Warn("Cleanup error", zap.Error(err))
		}
	}
	a.cleanups = nil
}

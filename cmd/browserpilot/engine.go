package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/browserpilot/internal/common/config"
	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/engine"
	"github.com/kandev/browserpilot/internal/engine/bridge"
	"github.com/kandev/browserpilot/internal/engine/scripted"
)

func provideEngineFactory(cfg config.EngineConfig, log *logger.Logger) (engine.Factory, error) {
	switch cfg.Type {
	case "scripted":
		if cfg.ScenarioPath == "" {
			return nil, fmt.Errorf("scripted engine requires engine.scenarioPath")
		}
		factory, err := scripted.NewFactory(cfg.ScenarioPath)
		if err != nil {
			return nil, err
		}
		log.Info("Using scripted engine", zap.String("scenario", cfg.ScenarioPath))
		return factory, nil
	case "", "bridge":
		log.Info("Using bridge engine",
			zap.String("command", cfg.Command),
			zap.Strings("args", cfg.Args))
		return bridge.NewFactory(bridge.Config{
			Command: cfg.Command,
			Args:    cfg.Args,
			WorkDir: cfg.WorkDir,
		}, log), nil
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", cfg.Type)
	}
}

package main

import (
	"go.uber.org/zap"

	"github.com/kandev/browserpilot/internal/common/config"
	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/events"
	"github.com/kandev/browserpilot/internal/events/bus"
)

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	provider, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	log.Info("Event bus initialized", zap.String("backend", provider.Backend))
	return provider.Bus, cleanup, nil
}

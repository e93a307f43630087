package events

import (
	"fmt"
	"strings"

	"github.com/kandev/browserpilot/internal/common/config"
	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/events/bus"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus     bus.EventBus
	Backend string
}

// Provide builds the configured event bus: NATS when a URL is set, Redis
// when an address is set, otherwise the in-memory bus.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return &ProvidedBus{Bus: natsBus, Backend: "nats"}, closer(natsBus), nil
	}

	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		redisBus, err := bus.NewRedisEventBus(cfg.Redis, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize redis event bus: %w", err)
		}
		return &ProvidedBus{Bus: redisBus, Backend: "redis"}, closer(redisBus), nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return &ProvidedBus{Bus: memBus, Backend: "memory"}, closer(memBus), nil
}

func closer(b bus.EventBus) func() error {
	return func() error {
		b.Close()
		return nil
	}
}

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kandev/browserpilot/internal/common/config"
	"github.com/kandev/browserpilot/internal/common/logger"
)

// RedisEventBus implements EventBus on Redis pub/sub. Subjects map to
// channels; wildcard subjects use PSUBSCRIBE with a glob pattern.
type RedisEventBus struct {
	client *redis.Client
	logger *logger.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

// NewRedisEventBus connects to Redis and verifies the connection.
func NewRedisEventBus(cfg config.RedisConfig, log *logger.Logger) (*RedisEventBus, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log = log.WithComponent("redis-bus")
	log.Info("Connected to Redis", zap.String("addr", cfg.Addr))
	return &RedisEventBus{
		client: client,
		logger: log,
		subs:   make(map[*redisSubscription]struct{}),
	}, nil
}

// Publish sends an event to the channel named by subject.
func (b *RedisEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, subject, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe waits for the server to confirm the subscription before returning,
// so events published afterwards are not missed.
func (b *RedisEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	ctx := context.Background()
	var ps *redis.PubSub
	if glob, ok := subjectToGlob(subject); ok {
		ps = b.client.PSubscribe(ctx, glob)
	} else {
		ps = b.client.Subscribe(ctx, subject)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	sub := &redisSubscription{bus: b, ps: ps, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.loop(handler)
	return sub, nil
}

// Close closes every subscription and the client.
func (b *RedisEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if err := b.client.Close(); err != nil {
		b.logger.Warn("Error closing redis client", zap.Error(err))
	}
}

// IsConnected pings the server.
func (b *RedisEventBus) IsConnected() bool {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return false
	}
	return b.client.Ping(context.Background()).Err() == nil
}

// subjectToGlob converts NATS wildcards to a Redis glob. Redis globs do not
// respect token boundaries, so "*" may match across dots.
func subjectToGlob(subject string) (string, bool) {
	if !strings.ContainsAny(subject, "*>") {
		return subject, false
	}
	return strings.ReplaceAll(subject, ">", "*"), true
}

type redisSubscription struct {
	bus  *RedisEventBus
	ps   *redis.PubSub
	once sync.Once
	done chan struct{}
}

func (s *redisSubscription) loop(handler EventHandler) {
	for msg := range s.ps.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			s.bus.logger.Error("Failed to unmarshal event", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		if err := handler(context.Background(), &event); err != nil {
			s.bus.logger.Error("Event handler failed",
				zap.String("channel", msg.Channel),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}
}

func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSubscription) IsValid() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

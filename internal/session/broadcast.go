package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/events"
	"github.com/kandev/browserpilot/internal/events/bus"
)

var (
	// ErrSubscriberClosed is returned when delivering to a closed subscriber.
	ErrSubscriberClosed = errors.New("subscriber closed")
	// ErrSubscriberSlow is returned when a subscriber's buffer is full.
	ErrSubscriberSlow = errors.New("subscriber buffer full")
)

// Subscriber receives the events of one task.
type Subscriber interface {
	ID() string
	// Deliver must not block. An error removes the subscriber.
	Deliver(ev *events.TaskEvent) error
	Close()
}

// Broadcaster routes task events from the event bus to local subscribers.
// Delivery is best effort with no replay: late subscribers read persisted
// steps from the status store.
type Broadcaster struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu   sync.RWMutex
	subs map[string]map[string]Subscriber // taskID -> subscriberID -> subscriber
	sub  bus.Subscription
}

// NewBroadcaster creates a Broadcaster. Call Start to attach it to the bus.
func NewBroadcaster(eventBus bus.EventBus, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		bus:    eventBus,
		logger: log.WithComponent("broadcaster"),
		subs:   make(map[string]map[string]Subscriber),
	}
}

// Start subscribes to every task subject.
func (b *Broadcaster) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return nil
	}
	sub, err := b.bus.Subscribe(events.AllTaskEvents, b.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to task events: %w", err)
	}
	b.sub = sub
	return nil
}

// Stop detaches from the bus and closes every subscriber.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	all := b.subs
	b.subs = make(map[string]map[string]Subscriber)
	b.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("Failed to unsubscribe broadcaster", zap.Error(err))
		}
	}
	for _, set := range all {
		for _, s := range set {
			s.Close()
		}
	}
}

func (b *Broadcaster) handle(ctx context.Context, ev *bus.Event) error {
	te, err := events.DecodeTaskEvent(ev)
	if err != nil {
		return err
	}
	b.Publish(te)
	return nil
}

// Subscribe registers s for taskID. Registering the same id again replaces
// nothing and is a no-op.
func (b *Broadcaster) Subscribe(taskID string, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[taskID]
	if !ok {
		set = make(map[string]Subscriber)
		b.subs[taskID] = set
	}
	if _, exists := set[s.ID()]; !exists {
		set[s.ID()] = s
	}
}

// Unsubscribe removes a subscriber without closing it. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(taskID, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(taskID, subscriberID)
}

func (b *Broadcaster) removeLocked(taskID, subscriberID string) {
	set, ok := b.subs[taskID]
	if !ok {
		return
	}
	delete(set, subscriberID)
	if len(set) == 0 {
		delete(b.subs, taskID)
	}
}

// SubscriberCount returns the number of live subscribers for taskID.
func (b *Broadcaster) SubscriberCount(taskID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[taskID])
}

// Publish delivers ev to every current subscriber of its task. A subscriber
// whose delivery fails is removed and closed; the rest still receive the
// event. After a terminal status or a deletion all subscribers of the task
// are closed.
func (b *Broadcaster) Publish(ev *events.TaskEvent) {
	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.subs[ev.TaskID]))
	for _, s := range b.subs[ev.TaskID] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var failed []Subscriber
	for _, s := range targets {
		if err := s.Deliver(ev); err != nil {
			b.logger.Debug("Dropping subscriber",
				zap.String("task_id", ev.TaskID),
				zap.String("subscriber_id", s.ID()),
				zap.Error(err))
			recordSubscriberDrop()
			failed = append(failed, s)
		}
	}

	final := ev.IsTerminal() || ev.Kind == events.TaskDeleted
	if final {
		failed = targets
	}
	if len(failed) == 0 {
		return
	}

	b.mu.Lock()
	for _, s := range failed {
		b.removeLocked(ev.TaskID, s.ID())
	}
	b.mu.Unlock()
	for _, s := range failed {
		s.Close()
	}
}

// DefaultSubscriberBuffer is the channel size used by ChannelSubscriber.
const DefaultSubscriberBuffer = 256

// ChannelSubscriber exposes a task's events as a Go channel. The channel is
// closed when the task ends, the subscriber falls behind or Close is called.
type ChannelSubscriber struct {
	id string
	ch chan *events.TaskEvent

	mu     sync.Mutex
	closed bool
}

// NewChannelSubscriber creates a subscriber with the given buffer size.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &ChannelSubscriber{
		id: uuid.New().String(),
		ch: make(chan *events.TaskEvent, buffer),
	}
}

func (c *ChannelSubscriber) ID() string { return c.id }

// Events returns the receive side of the stream.
func (c *ChannelSubscriber) Events() <-chan *events.TaskEvent { return c.ch }

func (c *ChannelSubscriber) Deliver(ev *events.TaskEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSubscriberClosed
	}
	select {
	case c.ch <- ev:
		return nil
	default:
		return ErrSubscriberSlow
	}
}

func (c *ChannelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

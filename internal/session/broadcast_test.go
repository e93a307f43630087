package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/events"
	"github.com/kandev/browserpilot/internal/events/bus"
	"github.com/kandev/browserpilot/internal/task/models"
)

type funcSubscriber struct {
	id string
	fn func(*events.TaskEvent) error

	mu     sync.Mutex
	closed bool
}

func (f *funcSubscriber) ID() string { return f.id }

func (f *funcSubscriber) Deliver(ev *events.TaskEvent) error { return f.fn(ev) }

func (f *funcSubscriber) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *funcSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func stepEvent(taskID string, seq int64) *events.TaskEvent {
	return events.NewStepEvent(&models.Step{
		TaskID:   taskID,
		Sequence: seq,
		StepType: models.StepTypeObservation,
		Content:  map[string]interface{}{"message": "hi"},
	})
}

func TestBroadcaster_FailingSubscriberIsPruned(t *testing.T) {
	b := NewBroadcaster(bus.NewMemoryEventBus(logger.NewNop()), logger.NewNop())

	var got []int64
	good := &funcSubscriber{id: "good", fn: func(ev *events.TaskEvent) error {
		got = append(got, ev.Step.Sequence)
		return nil
	}}
	bad := &funcSubscriber{id: "bad", fn: func(ev *events.TaskEvent) error {
		return errors.New("connection reset")
	}}
	b.Subscribe("t", good)
	b.Subscribe("t", bad)
	assert.Equal(t, 2, b.SubscriberCount("t"))

	b.Publish(stepEvent("t", 1))
	assert.Equal(t, 1, b.SubscriberCount("t"))
	assert.True(t, bad.isClosed())

	b.Publish(stepEvent("t", 2))
	assert.Equal(t, []int64{1, 2}, got)
	assert.False(t, good.isClosed())
}

func TestBroadcaster_TerminalStatusClosesSubscribers(t *testing.T) {
	b := NewBroadcaster(bus.NewMemoryEventBus(logger.NewNop()), logger.NewNop())
	sub := NewChannelSubscriber(4)
	b.Subscribe("t", sub)

	b.Publish(stepEvent("t", 1))
	b.Publish(events.NewStatusEvent(&models.Task{ID: "t", Status: models.TaskStatusFailed, ErrorMessage: "boom"}))

	var kinds []string
	for ev := range sub.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{events.TaskStepAdded, events.TaskStatusChanged}, kinds)
	assert.Equal(t, 0, b.SubscriberCount("t"))
}

func TestBroadcaster_SubscribeIsIdempotent(t *testing.T) {
	b := NewBroadcaster(bus.NewMemoryEventBus(logger.NewNop()), logger.NewNop())
	sub := NewChannelSubscriber(4)

	b.Subscribe("t", sub)
	b.Subscribe("t", sub)
	assert.Equal(t, 1, b.SubscriberCount("t"))

	b.Publish(stepEvent("t", 1))
	assert.Len(t, sub.Events(), 1)

	b.Unsubscribe("t", sub.ID())
	b.Unsubscribe("t", sub.ID())
	b.Unsubscribe("other", "nobody")
	assert.Equal(t, 0, b.SubscriberCount("t"))
}

func TestBroadcaster_OtherTasksUnaffected(t *testing.T) {
	b := NewBroadcaster(bus.NewMemoryEventBus(logger.NewNop()), logger.NewNop())
	a, c := NewChannelSubscriber(4), NewChannelSubscriber(4)
	b.Subscribe("a", a)
	b.Subscribe("c", c)

	b.Publish(stepEvent("a", 1))
	assert.Len(t, a.Events(), 1)
	assert.Len(t, c.Events(), 0)
}

func TestBroadcaster_RoutesBusEvents(t *testing.T) {
	log := logger.NewNop()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	b := NewBroadcaster(eventBus, log)
	require.NoError(t, b.Start())
	require.NoError(t, b.Start(), "start twice is harmless")
	t.Cleanup(b.Stop)

	sub := NewChannelSubscriber(8)
	b.Subscribe("task-1", sub)

	ev, err := stepEvent("task-1", 7).ToBusEvent()
	require.NoError(t, err)
	require.NoError(t, eventBus.Publish(context.Background(), events.TaskSubject("task-1"), ev))

	select {
	case got := <-sub.Events():
		require.NotNil(t, got.Step)
		assert.Equal(t, int64(7), got.Step.Sequence)
	case <-time.After(time.Second):
		t.Fatal("event not routed")
	}
}

func TestBroadcaster_StopClosesSubscribers(t *testing.T) {
	log := logger.NewNop()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	b := NewBroadcaster(eventBus, log)
	require.NoError(t, b.Start())
	sub := NewChannelSubscriber(1)
	b.Subscribe("t", sub)

	b.Stop()
	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestChannelSubscriber(t *testing.T) {
	sub := NewChannelSubscriber(1)
	ev := stepEvent("t", 1)

	require.NoError(t, sub.Deliver(ev))
	assert.ErrorIs(t, sub.Deliver(ev), ErrSubscriberSlow)

	sub.Close()
	sub.Close()
	assert.ErrorIs(t, sub.Deliver(ev), ErrSubscriberClosed)

	got, ok := <-sub.Events()
	assert.True(t, ok, "buffered events survive close")
	assert.Same(t, ev, got)
}

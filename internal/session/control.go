// Package session runs browser-automation engines for tasks and enforces
// that at most one live session exists per task.
package session

import (
	"sync"
	"sync/atomic"
)

// ControlSignal carries the pause and stop requests for one session. Both
// flags are advisory: the runner observes them at its poll interval and
// never preempts the engine mid-step.
type ControlSignal struct {
	paused  atomic.Bool
	stopped atomic.Bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewControlSignal returns a signal with both flags clear.
func NewControlSignal() *ControlSignal {
	return &ControlSignal{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Pause sets the pause flag. It has no effect once stopped.
func (c *ControlSignal) Pause() {
	if c.stopped.Load() {
		return
	}
	c.paused.Store(true)
	c.notify()
}

// Resume clears the pause flag.
func (c *ControlSignal) Resume() {
	c.paused.Store(false)
	c.notify()
}

// Stop sets the stop flag and clears pause. Safe to call more than once.
func (c *ControlSignal) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		c.paused.Store(false)
		close(c.stopCh)
	})
	c.notify()
}

func (c *ControlSignal) IsPaused() bool  { return c.paused.Load() }
func (c *ControlSignal) IsStopped() bool { return c.stopped.Load() }

// Wake fires after any flag change. Notifications coalesce.
func (c *ControlSignal) Wake() <-chan struct{} { return c.wake }

// StopCh is closed when Stop is first called.
func (c *ControlSignal) StopCh() <-chan struct{} { return c.stopCh }

func (c *ControlSignal) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

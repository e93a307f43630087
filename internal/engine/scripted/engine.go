package scripted

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kandev/browserpilot/internal/engine"
	"github.com/kandev/browserpilot/internal/llm"
)

// Engine replays a Scenario.
type Engine struct {
	scenario Scenario
	task     string
	history  engine.HistoryLog

	mu      sync.Mutex
	paused  bool
	resume  chan struct{}
	closed  chan struct{}
	closeMu sync.Once
	runs    int
}

var (
	_ engine.Engine   = (*Engine)(nil)
	_ engine.Pausable = (*Engine)(nil)
)

// New creates an engine for one run of sc.
func New(sc Scenario, task string) *Engine {
	return &Engine{
		scenario: sc,
		task:     task,
		resume:   make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// Run replays the scenario steps into the history.
func (e *Engine) Run(ctx context.Context, maxSteps int) (*engine.Result, error) {
	e.mu.Lock()
	e.runs++
	e.mu.Unlock()

	done := ctx.Done()
	if e.scenario.IgnoreCancel {
		done = nil
	}

	for i, step := range e.scenario.Steps {
		if maxSteps > 0 && i >= maxSteps && !e.scenario.IgnoreMaxSteps {
			break
		}
		delay := step.Delay
		if delay == 0 {
			delay = e.scenario.StepDelay
		}
		if err := e.wait(done, delay); err != nil {
			return nil, e.cancelErr(ctx, err)
		}
		if err := e.waitWhilePaused(done); err != nil {
			return nil, e.cancelErr(ctx, err)
		}
		e.history.Append(step.Entry())
	}

	if e.scenario.HoldOpen {
		select {
		case <-done:
			return nil, ctx.Err()
		case <-e.closed:
			return nil, engine.ErrResourceClosed
		}
	}

	if e.scenario.Fail != "" {
		return nil, errors.New(e.scenario.Fail)
	}

	result := e.scenario.Result
	if result == nil {
		result = &engine.Result{FinalResult: fmt.Sprintf("%s: done", e.task), IsDone: true, Success: true}
	}
	if e.scenario.ResourceClosed {
		return result, fmt.Errorf("page.close: %w", engine.ErrResourceClosed)
	}
	return result, nil
}

func (e *Engine) cancelErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (e *Engine) wait(done <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-done:
		return context.Canceled
	case <-e.closed:
		return engine.ErrResourceClosed
	}
}

func (e *Engine) waitWhilePaused(done <-chan struct{}) error {
	for {
		e.mu.Lock()
		if !e.paused {
			e.mu.Unlock()
			return nil
		}
		resume := e.resume
		e.mu.Unlock()

		select {
		case <-resume:
		case <-done:
			return context.Canceled
		case <-e.closed:
			return engine.ErrResourceClosed
		}
	}
}

// History returns the live history.
func (e *Engine) History() engine.History {
	return &e.history
}

// Pause holds the run before its next step.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		e.paused = true
		e.resume = make(chan struct{})
	}
}

// Resume releases a paused run.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		e.paused = false
		close(e.resume)
	}
}

// Paused reports whether the engine is holding.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Close releases the run. Safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeMu.Do(func() { close(e.closed) })
	return nil
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// Factory builds scripted engines that all replay the same scenario.
type Factory struct {
	Scenario Scenario

	mu      sync.Mutex
	engines []*Engine
}

// NewFactory loads a scenario file.
func NewFactory(path string) (*Factory, error) {
	sc, err := LoadScenario(path)
	if err != nil {
		return nil, err
	}
	return &Factory{Scenario: *sc}, nil
}

func (f *Factory) New(ctx context.Context, task string, model llm.Settings, opts engine.Options) (engine.Engine, error) {
	e := New(f.Scenario, task)
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return e, nil
}

// Engines returns every engine built so far.
func (f *Factory) Engines() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Engine(nil), f.engines...)
}

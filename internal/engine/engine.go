// Package engine defines the contract between the session layer and an
// automation engine: something that drives a browser with an LLM for a
// natural-language task and records an append-only history of what it did.
package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kandev/browserpilot/internal/llm"
)

// ErrResourceClosed reports that the browser went away underneath a run
// that had already produced its result. Engines wrap it and return a
// non-nil Result so the caller can treat the run as successful.
var ErrResourceClosed = errors.New("browser resource closed")

// Options carries the browser settings an engine is built with.
type Options struct {
	Headless    bool   `json:"headless"`
	BrowserType string `json:"browser_type"`
}

// Result is what an engine returns when a run ends normally.
type Result struct {
	FinalResult string          `json:"final_result,omitempty" yaml:"final_result"`
	IsDone      bool            `json:"is_done" yaml:"is_done"`
	Success     bool            `json:"success" yaml:"success"`
	Extra       json.RawMessage `json:"extra,omitempty" yaml:"-"`
}

// Engine is one automation run. Run blocks until the task ends, fails or
// ctx is cancelled; History may be read concurrently while Run is active.
type Engine interface {
	Run(ctx context.Context, maxSteps int) (*Result, error)
	History() History
	Close(ctx context.Context) error
}

// Pausable is implemented by engines that can hold at a step boundary.
type Pausable interface {
	Pause()
	Resume()
}

// Factory builds an engine for a task.
type Factory interface {
	New(ctx context.Context, task string, model llm.Settings, opts Options) (Engine, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, task string, model llm.Settings, opts Options) (Engine, error)

func (f FactoryFunc) New(ctx context.Context, task string, model llm.Settings, opts Options) (Engine, error) {
	return f(ctx, task, model, opts)
}

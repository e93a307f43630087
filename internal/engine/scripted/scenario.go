// Package scripted is an automation engine that replays a YAML scenario
// instead of driving a browser. It backs the demo CLI and session tests.
package scripted

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kandev/browserpilot/internal/engine"
)

// Scenario describes a scripted run.
type Scenario struct {
	Name      string        `yaml:"name"`
	StepDelay time.Duration `yaml:"step_delay"`
	Steps     []Step        `yaml:"steps"`

	// Result is returned after the last step. Defaults to a successful,
	// done result naming the scenario.
	Result *engine.Result `yaml:"result"`

	// Fail makes Run return this error text after the steps.
	Fail string `yaml:"fail"`

	// ResourceClosed makes Run return the result together with an error
	// wrapping engine.ErrResourceClosed.
	ResourceClosed bool `yaml:"resource_closed"`

	// HoldOpen keeps Run blocked after the steps until it is cancelled.
	HoldOpen bool `yaml:"hold_open"`

	// IgnoreCancel makes the engine ignore context cancellation, like a
	// runner with no cooperative cancellation. Close still ends it.
	IgnoreCancel bool `yaml:"ignore_cancel"`

	// IgnoreMaxSteps replays every step regardless of the cap passed to Run.
	IgnoreMaxSteps bool `yaml:"ignore_max_steps"`
}

// Step is one history entry to emit. Exactly one of the variant fields is
// normally set; URL and Title describe the page afterwards.
type Step struct {
	Thinking    *engine.CurrentState `yaml:"thinking"`
	Action      *engine.Action       `yaml:"action"`
	Observation string               `yaml:"observation"`
	Done        bool                 `yaml:"done"`
	Error       string               `yaml:"error"`
	Raw         string               `yaml:"raw"`
	URL         string               `yaml:"url"`
	Title       string               `yaml:"title"`
	Delay       time.Duration        `yaml:"delay"`
}

// Entry converts the step into a history entry.
func (s Step) Entry() engine.Entry {
	var e engine.Entry
	if s.Raw != "" {
		raw, _ := json.Marshal(s.Raw)
		e.Raw = raw
		return e
	}
	if s.Thinking != nil || s.Action != nil {
		e.ModelOutput = &engine.ModelOutput{CurrentState: s.Thinking}
		if s.Action != nil {
			e.ModelOutput.Actions = []engine.Action{*s.Action}
		}
	}
	if s.Observation != "" || s.Done {
		e.Results = []engine.ActionResult{{ExtractedContent: s.Observation, IsDone: s.Done}}
	}
	e.Error = s.Error
	if s.URL != "" || s.Title != "" {
		e.State = &engine.BrowserState{URL: s.URL, Title: s.Title}
	}
	return e
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if len(sc.Steps) == 0 && !sc.HoldOpen && sc.Fail == "" {
		return nil, fmt.Errorf("scenario %q has no steps", sc.Name)
	}
	return &sc, nil
}

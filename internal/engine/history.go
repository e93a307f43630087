package engine

import (
	"encoding/json"
	"sync"
)

// EntryKind is the variant of a history entry.
type EntryKind string

const (
	KindThinking    EntryKind = "thinking"
	KindAction      EntryKind = "action"
	KindObservation EntryKind = "observation"
	KindError       EntryKind = "error"
	KindUnknown     EntryKind = "unknown"
)

// CurrentState is the model's reasoning for a step.
type CurrentState struct {
	EvaluationPreviousGoal string `json:"evaluation_previous_goal,omitempty" yaml:"evaluation"`
	Memory                 string `json:"memory,omitempty" yaml:"memory"`
	NextGoal               string `json:"next_goal,omitempty" yaml:"next_goal"`
}

func (c *CurrentState) empty() bool {
	return c == nil || (c.EvaluationPreviousGoal == "" && c.Memory == "" && c.NextGoal == "")
}

// Action is one browser action chosen by the model.
type Action struct {
	Name   string                 `json:"name" yaml:"name"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params"`
}

// ModelOutput is what the model decided in a step.
type ModelOutput struct {
	CurrentState *CurrentState `json:"current_state,omitempty"`
	Actions      []Action      `json:"action,omitempty"`
}

// ActionResult is the outcome of executing an action.
type ActionResult struct {
	ExtractedContent string `json:"extracted_content,omitempty"`
	Error            string `json:"error,omitempty"`
	IsDone           bool   `json:"is_done,omitempty"`
}

// BrowserState is the page the browser was on after a step.
type BrowserState struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// Entry is one element of an engine's history. Every field is optional; an
// entry the engine could not describe carries only Raw.
type Entry struct {
	ModelOutput *ModelOutput    `json:"model_output,omitempty"`
	Results     []ActionResult  `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	State       *BrowserState   `json:"state,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Kind reports the entry variant. Errors take precedence, then actions,
// then observations, then pure reasoning.
func (e Entry) Kind() EntryKind {
	if e.Error != "" {
		return KindError
	}
	for _, r := range e.Results {
		if r.Error != "" {
			return KindError
		}
	}
	if e.ModelOutput != nil && len(e.ModelOutput.Actions) > 0 {
		return KindAction
	}
	for _, r := range e.Results {
		if r.ExtractedContent != "" || r.IsDone {
			return KindObservation
		}
	}
	if e.ModelOutput != nil && !e.ModelOutput.CurrentState.empty() {
		return KindThinking
	}
	return KindUnknown
}

// History is an append-only, engine-owned sequence of entries.
type History interface {
	Len() int
	// Slice returns a copy of entries [from, to).
	Slice(from, to int) []Entry
}

// HistoryLog is a concurrency-safe History that engines append to.
type HistoryLog struct {
	mu      sync.RWMutex
	entries []Entry
}

// Append adds an entry.
func (h *HistoryLog) Append(e Entry) {
	h.mu.Lock()
	h.entries = append(h.entries, e)
	h.mu.Unlock()
}

func (h *HistoryLog) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

func (h *HistoryLog) Slice(from, to int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if to > len(h.entries) {
		to = len(h.entries)
	}
	if from >= to {
		return nil
	}
	out := make([]Entry, to-from)
	copy(out, h.entries[from:to])
	return out
}

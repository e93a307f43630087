package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kandev/browserpilot/internal/engine"
	"github.com/kandev/browserpilot/internal/task/models"
)

// ErrStepCapExceeded is recorded when an engine keeps producing history
// past the configured step cap.
var ErrStepCapExceeded = errors.New("task exceeded maximum steps")

// Cursor marks how much of an engine history has been turned into steps.
type Cursor struct {
	Seen int
}

// Diff returns the history entries after c and the advanced cursor. It never
// returns an entry twice for the same cursor.
func Diff(h engine.History, c Cursor) ([]engine.Entry, Cursor) {
	n := h.Len()
	if n <= c.Seen {
		return nil, c
	}
	entries := h.Slice(c.Seen, n)
	return entries, Cursor{Seen: c.Seen + len(entries)}
}

// StepDraft is a step ready to be persisted.
type StepDraft struct {
	Type    models.StepType
	Content map[string]interface{}
}

// StepCapMessage is the error text used when the step cap is hit.
func StepCapMessage(maxSteps int) string {
	return fmt.Sprintf("Task exceeded maximum steps (%d). Stopping execution.", maxSteps)
}

// Classify turns the history entry at index into exactly one step.
func Classify(index int, e engine.Entry) StepDraft {
	n := index + 1
	var d StepDraft

	switch e.Kind() {
	case engine.KindError:
		msg := entryError(e)
		d = StepDraft{Type: models.StepTypeError, Content: map[string]interface{}{
			"message": fmt.Sprintf("Error in step %d: %s", n, msg),
			"error":   msg,
		}}
	case engine.KindAction:
		d = classifyAction(e.ModelOutput)
	case engine.KindObservation:
		d = classifyObservation(n, e.Results)
	case engine.KindThinking:
		d = StepDraft{Type: models.StepTypeThinking, Content: map[string]interface{}{
			"message": fmt.Sprintf("Step %d: %s", n, goalOf(e.ModelOutput.CurrentState)),
		}}
	default:
		d = StepDraft{Type: models.StepTypeObservation, Content: map[string]interface{}{
			"message":   fmt.Sprintf("Agent executed step %d", n),
			"raw_entry": rawEntry(e),
		}}
	}

	if e.ModelOutput != nil && e.ModelOutput.CurrentState != nil {
		addNonEmpty(d.Content, "evaluation", e.ModelOutput.CurrentState.EvaluationPreviousGoal)
		addNonEmpty(d.Content, "memory", e.ModelOutput.CurrentState.Memory)
		addNonEmpty(d.Content, "next_goal", e.ModelOutput.CurrentState.NextGoal)
	}
	if e.State != nil {
		addNonEmpty(d.Content, "url", e.State.URL)
		addNonEmpty(d.Content, "title", e.State.Title)
	}
	d.Content["history_index"] = index
	return d
}

func classifyAction(out *engine.ModelOutput) StepDraft {
	first := out.Actions[0]
	msg := "Executing action: " + first.Name
	if text, ok := first.Params["text"].(string); ok && text != "" {
		msg += " - " + text
	} else if url, ok := first.Params["url"].(string); ok && url != "" {
		msg += " - " + url
	}

	content := map[string]interface{}{
		"message": msg,
		"action":  first.Name,
	}
	if len(first.Params) > 0 {
		content["action_params"] = first.Params
	}
	if len(out.Actions) > 1 {
		all := make([]interface{}, 0, len(out.Actions))
		for _, a := range out.Actions {
			all = append(all, map[string]interface{}{"name": a.Name, "params": a.Params})
		}
		content["actions"] = all
	}
	return StepDraft{Type: models.StepTypeAction, Content: content}
}

func classifyObservation(n int, results []engine.ActionResult) StepDraft {
	var parts []string
	done := false
	for _, r := range results {
		if r.ExtractedContent != "" {
			parts = append(parts, r.ExtractedContent)
		}
		done = done || r.IsDone
	}
	extracted := strings.Join(parts, "\n")

	content := map[string]interface{}{}
	switch {
	case done && extracted != "":
		content["message"] = "Task completed: " + extracted
	case done:
		content["message"] = "Task completed"
	default:
		content["message"] = fmt.Sprintf("Step %d: %s", n, extracted)
	}
	if extracted != "" {
		content["result"] = extracted
	}
	if done {
		content["is_done"] = true
	}
	return StepDraft{Type: models.StepTypeObservation, Content: content}
}

func entryError(e engine.Entry) string {
	if e.Error != "" {
		return e.Error
	}
	var errs []string
	for _, r := range e.Results {
		if r.Error != "" {
			errs = append(errs, r.Error)
		}
	}
	return strings.Join(errs, "; ")
}

func goalOf(cs *engine.CurrentState) string {
	switch {
	case cs.NextGoal != "":
		return cs.NextGoal
	case cs.EvaluationPreviousGoal != "":
		return cs.EvaluationPreviousGoal
	default:
		return "Analyzing current state"
	}
}

func rawEntry(e engine.Entry) string {
	if len(e.Raw) > 0 {
		return string(e.Raw)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("%+v", e)
	}
	return string(data)
}

func addNonEmpty(m map[string]interface{}, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// Monitor follows one engine history and enforces the step cap.
type Monitor struct {
	cursor   Cursor
	maxSteps int
	emitted  int
	exceeded bool
}

// NewMonitor returns a monitor that emits at most maxSteps entry steps.
// maxSteps <= 0 disables the cap.
func NewMonitor(maxSteps int) *Monitor {
	return &Monitor{maxSteps: maxSteps}
}

// Poll returns drafts for entries added since the last call. Once the cap
// is crossed it returns a single error draft and reports exceeded; later
// calls return nothing.
func (m *Monitor) Poll(h engine.History) (drafts []StepDraft, exceeded bool) {
	if m.exceeded {
		return nil, true
	}
	entries, next := Diff(h, m.cursor)
	for i, e := range entries {
		if m.maxSteps > 0 && m.emitted >= m.maxSteps {
			m.exceeded = true
			drafts = append(drafts, StepDraft{Type: models.StepTypeError, Content: map[string]interface{}{
				"message": StepCapMessage(m.maxSteps),
				"error":   ErrStepCapExceeded.Error(),
			}})
			break
		}
		drafts = append(drafts, Classify(m.cursor.Seen+i, e))
		m.emitted++
	}
	m.cursor = next
	return drafts, m.exceeded
}

// Cursor returns the current position.
func (m *Monitor) Cursor() Cursor {
	return m.cursor
}

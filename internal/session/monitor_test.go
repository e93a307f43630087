package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/browserpilot/internal/engine"
	"github.com/kandev/browserpilot/internal/task/models"
)

func TestDiff_AdvancesCursor(t *testing.T) {
	var h engine.HistoryLog

	entries, c := Diff(&h, Cursor{})
	assert.Empty(t, entries)
	assert.Equal(t, 0, c.Seen)

	h.Append(engine.Entry{Error: "a"})
	h.Append(engine.Entry{Error: "b"})
	entries, c = Diff(&h, c)
	require.Len(t, entries, 2)
	assert.Equal(t, 2, c.Seen)

	entries, c2 := Diff(&h, c)
	assert.Empty(t, entries)
	assert.Equal(t, c, c2)

	h.Append(engine.Entry{Error: "c"})
	entries, c = Diff(&h, c)
	require.Len(t, entries, 1)
	assert.Equal(t, "c", entries[0].Error)
	assert.Equal(t, 3, c.Seen)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		entry       engine.Entry
		wantType    models.StepType
		wantMessage string
	}{
		{
			name:        "thinking uses next goal",
			entry:       engine.Entry{ModelOutput: &engine.ModelOutput{CurrentState: &engine.CurrentState{NextGoal: "search flights"}}},
			wantType:    models.StepTypeThinking,
			wantMessage: "Step 3: search flights",
		},
		{
			name:        "thinking falls back to evaluation",
			entry:       engine.Entry{ModelOutput: &engine.ModelOutput{CurrentState: &engine.CurrentState{EvaluationPreviousGoal: "Success"}}},
			wantType:    models.StepTypeThinking,
			wantMessage: "Step 3: Success",
		},
		{
			name: "action with text",
			entry: engine.Entry{ModelOutput: &engine.ModelOutput{Actions: []engine.Action{
				{Name: "input_text", Params: map[string]interface{}{"text": "Berlin"}},
			}}},
			wantType:    models.StepTypeAction,
			wantMessage: "Executing action: input_text - Berlin",
		},
		{
			name:        "observation",
			entry:       engine.Entry{Results: []engine.ActionResult{{ExtractedContent: "3 results"}}},
			wantType:    models.StepTypeObservation,
			wantMessage: "Step 3: 3 results",
		},
		{
			name:        "done observation",
			entry:       engine.Entry{Results: []engine.ActionResult{{IsDone: true}}},
			wantType:    models.StepTypeObservation,
			wantMessage: "Task completed",
		},
		{
			name: "error beats action",
			entry: engine.Entry{
				ModelOutput: &engine.ModelOutput{Actions: []engine.Action{{Name: "click"}}},
				Results:     []engine.ActionResult{{Error: "element not found"}},
			},
			wantType:    models.StepTypeError,
			wantMessage: "Error in step 3: element not found",
		},
		{
			name:        "unknown shape",
			entry:       engine.Entry{Raw: json.RawMessage(`{"odd":true}`)},
			wantType:    models.StepTypeObservation,
			wantMessage: "Agent executed step 3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(2, tt.entry)
			assert.Equal(t, tt.wantType, d.Type)
			assert.Equal(t, tt.wantMessage, d.Content["message"])
			assert.Equal(t, 2, d.Content["history_index"])
		})
	}
}

func TestClassify_UnknownKeepsRawEntry(t *testing.T) {
	d := Classify(0, engine.Entry{Raw: json.RawMessage(`{"odd":true}`)})
	assert.Equal(t, `{"odd":true}`, d.Content["raw_entry"])

	empty := Classify(0, engine.Entry{})
	assert.Equal(t, models.StepTypeObservation, empty.Type)
	assert.Equal(t, "{}", empty.Content["raw_entry"])
}

func TestClassify_ActionContent(t *testing.T) {
	e := engine.Entry{
		ModelOutput: &engine.ModelOutput{
			CurrentState: &engine.CurrentState{EvaluationPreviousGoal: "ok", Memory: "on home page", NextGoal: "open results"},
			Actions: []engine.Action{
				{Name: "click_element", Params: map[string]interface{}{"index": 4}},
				{Name: "scroll_down"},
			},
		},
		State: &engine.BrowserState{URL: "https://example.com/results", Title: "Results"},
	}
	d := Classify(0, e)
	assert.Equal(t, "Executing action: click_element", d.Content["message"])
	assert.Equal(t, "click_element", d.Content["action"])
	assert.Equal(t, map[string]interface{}{"index": 4}, d.Content["action_params"])
	assert.Len(t, d.Content["actions"], 2)
	assert.Equal(t, "open results", d.Content["next_goal"])
	assert.Equal(t, "on home page", d.Content["memory"])
	assert.Equal(t, "https://example.com/results", d.Content["url"])
	assert.Equal(t, "Results", d.Content["title"])
}

func TestMonitor_PollEmitsEachEntryOnce(t *testing.T) {
	var h engine.HistoryLog
	m := NewMonitor(10)

	h.Append(engine.Entry{Results: []engine.ActionResult{{ExtractedContent: "one"}}})
	drafts, exceeded := m.Poll(&h)
	require.Len(t, drafts, 1)
	assert.False(t, exceeded)

	drafts, _ = m.Poll(&h)
	assert.Empty(t, drafts)

	h.Append(engine.Entry{Results: []engine.ActionResult{{ExtractedContent: "two"}}})
	h.Append(engine.Entry{Results: []engine.ActionResult{{ExtractedContent: "three"}}})
	drafts, _ = m.Poll(&h)
	require.Len(t, drafts, 2)
	assert.Equal(t, "Step 2: two", drafts[0].Content["message"])
	assert.Equal(t, "Step 3: three", drafts[1].Content["message"])
	assert.Equal(t, 3, m.Cursor().Seen)
}

func TestMonitor_StepCap(t *testing.T) {
	var h engine.HistoryLog
	for i := 0; i < 5; i++ {
		h.Append(engine.Entry{Error: "x"})
	}

	m := NewMonitor(3)
	drafts, exceeded := m.Poll(&h)
	require.True(t, exceeded)
	require.Len(t, drafts, 4)
	last := drafts[3]
	assert.Equal(t, models.StepTypeError, last.Type)
	assert.Equal(t, "Task exceeded maximum steps (3). Stopping execution.", last.Content["message"])

	h.Append(engine.Entry{Error: "y"})
	drafts, exceeded = m.Poll(&h)
	assert.True(t, exceeded)
	assert.Empty(t, drafts)
}

func TestMonitor_NoCap(t *testing.T) {
	var h engine.HistoryLog
	for i := 0; i < 100; i++ {
		h.Append(engine.Entry{Error: "x"})
	}
	drafts, exceeded := NewMonitor(0).Poll(&h)
	assert.False(t, exceeded)
	assert.Len(t, drafts, 100)
}

package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/browserpilot/internal/task/models"
)

func TestTaskSubject(t *testing.T) {
	assert.Equal(t, "task.abc-123.events", TaskSubject("abc-123"))
	assert.Equal(t, "task.a_b_c.events", TaskSubject("a.b*c"))
}

func TestTaskEvent_BusRoundTrip(t *testing.T) {
	step := &models.Step{
		ID:        "s1",
		TaskID:    "t1",
		Sequence:  3,
		StepType:  models.StepTypeAction,
		Content:   map[string]interface{}{"message": "Executing action: click"},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	ev, err := NewStepEvent(step).ToBusEvent()
	require.NoError(t, err)
	assert.Equal(t, TaskStepAdded, ev.Type)

	// Simulate a network hop.
	wire, err := json.Marshal(ev)
	require.NoError(t, err)
	var hop = new(struct {
		Data map[string]interface{} `json:"data"`
	})
	require.NoError(t, json.Unmarshal(wire, hop))
	ev.Data = hop.Data

	decoded, err := DecodeTaskEvent(ev)
	require.NoError(t, err)
	require.NotNil(t, decoded.Step)
	assert.Equal(t, int64(3), decoded.Step.Sequence)
	assert.Equal(t, "Executing action: click", decoded.Step.Message())
	assert.False(t, decoded.IsTerminal())
}

func TestTaskEvent_TerminalStatus(t *testing.T) {
	task := &models.Task{ID: "t1", Status: models.TaskStatusFailed, ErrorMessage: "timeout"}
	ev, err := NewStatusEvent(task).ToBusEvent()
	require.NoError(t, err)

	decoded, err := DecodeTaskEvent(ev)
	require.NoError(t, err)
	assert.True(t, decoded.IsTerminal())
	assert.Equal(t, "timeout", decoded.Status.ErrorMessage)
}

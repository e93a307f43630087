package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError_CarriesCode(t *testing.T) {
	msg, err := NewError("42", ActionSessionStart, ErrorCodeValidation, "prompt is required", nil)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, "42", msg.ID)

	var p ErrorPayload
	require.NoError(t, msg.ParsePayload(&p))
	assert.Equal(t, ErrorCodeValidation, p.Code)
	assert.Equal(t, "prompt is required", p.Message)
	assert.Nil(t, p.Details)
}

func TestNewNotification_NilPayloadIsOmitted(t *testing.T) {
	msg, err := NewNotification(ActionTaskDeleted, nil)
	require.NoError(t, err)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"payload"`)
	assert.NotContains(t, string(raw), `"id"`)
}

func TestParsePayload_EmptyLeavesTargetUntouched(t *testing.T) {
	msg := &Message{Action: ActionSessionList}
	v := struct{ TaskID string }{TaskID: "keep"}
	require.NoError(t, msg.ParsePayload(&v))
	assert.Equal(t, "keep", v.TaskID)

	msg.Payload = json.RawMessage(`{not json`)
	assert.Error(t, msg.ParsePayload(&v))
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(ActionHealthCheck, func(ctx context.Context, msg *Message) (*Message, error) {
		return NewResponse(msg.ID, msg.Action, map[string]string{"status": "ok"})
	})
	d.RegisterFunc(ActionSessionStop, func(ctx context.Context, msg *Message) (*Message, error) {
		return nil, errors.New("boom")
	})

	assert.True(t, d.HasHandler(ActionHealthCheck))
	assert.False(t, d.HasHandler(ActionTaskGet))
	assert.Equal(t, []string{ActionHealthCheck, ActionSessionStop}, d.Actions())

	ctx := context.Background()
	resp, err := d.Dispatch(ctx, &Message{ID: "1", Action: ActionHealthCheck})
	require.NoError(t, err)
	assert.Equal(t, MessageTypeResponse, resp.Type)
	assert.Equal(t, "1", resp.ID)

	_, err = d.Dispatch(ctx, &Message{ID: "2", Action: ActionSessionStop})
	assert.EqualError(t, err, "boom")

	resp, err = d.Dispatch(ctx, &Message{ID: "3", Action: "nope"})
	require.NoError(t, err)
	var p ErrorPayload
	require.NoError(t, resp.ParsePayload(&p))
	assert.Equal(t, ErrorCodeUnknownAction, p.Code)
	assert.Equal(t, "Unknown action: nope", p.Message)
}

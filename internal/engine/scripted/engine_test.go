package scripted

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/browserpilot/internal/engine"
	"github.com/kandev/browserpilot/internal/llm"
)

const demoScenario = `
name: flights
step_delay: 1ms
steps:
  - thinking:
      evaluation: Unknown
      next_goal: Open the airline site
  - action:
      name: go_to_url
      params:
        url: https://example.com
    url: https://example.com
    title: Example
  - observation: "cheapest fare: 120 EUR"
    done: true
result:
  final_result: "120 EUR"
  is_done: true
  success: true
`

func TestParseScenario(t *testing.T) {
	sc, err := ParseScenario([]byte(demoScenario))
	require.NoError(t, err)
	assert.Equal(t, "flights", sc.Name)
	assert.Equal(t, time.Millisecond, sc.StepDelay)
	require.Len(t, sc.Steps, 3)
	assert.Equal(t, engine.KindThinking, sc.Steps[0].Entry().Kind())
	assert.Equal(t, engine.KindAction, sc.Steps[1].Entry().Kind())
	assert.Equal(t, "https://example.com", sc.Steps[1].Action.Params["url"])
	assert.Equal(t, engine.KindObservation, sc.Steps[2].Entry().Kind())
	assert.Equal(t, "120 EUR", sc.Result.FinalResult)

	_, err = ParseScenario([]byte("name: empty\n"))
	assert.Error(t, err)
}

func TestEngine_RunReplaysSteps(t *testing.T) {
	sc, err := ParseScenario([]byte(demoScenario))
	require.NoError(t, err)

	e := New(*sc, "find flights")
	res, err := e.Run(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, "120 EUR", res.FinalResult)
	assert.Equal(t, 3, e.History().Len())

	entries := e.History().Slice(0, 3)
	assert.Equal(t, "Example", entries[1].State.Title)
}

func TestEngine_RespectsMaxSteps(t *testing.T) {
	sc := Scenario{Steps: make([]Step, 10)}
	for i := range sc.Steps {
		sc.Steps[i] = Step{Observation: "x"}
	}

	e := New(sc, "t")
	_, err := e.Run(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 4, e.History().Len())

	sc.IgnoreMaxSteps = true
	e = New(sc, "t")
	_, err = e.Run(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 10, e.History().Len())
}

func TestEngine_FailAndResourceClosed(t *testing.T) {
	e := New(Scenario{Steps: []Step{{Observation: "x"}}, Fail: "timeout"}, "t")
	res, err := e.Run(context.Background(), 50)
	assert.Nil(t, res)
	assert.EqualError(t, err, "timeout")

	e = New(Scenario{Steps: []Step{{Observation: "x"}}, ResourceClosed: true}, "t")
	res, err = e.Run(context.Background(), 50)
	require.NotNil(t, res)
	assert.True(t, errors.Is(err, engine.ErrResourceClosed))
}

func TestEngine_Cancellation(t *testing.T) {
	e := New(Scenario{HoldOpen: true}, "t")
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx, 50)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("run did not observe cancellation")
	}
}

func TestEngine_IgnoreCancelEndsOnClose(t *testing.T) {
	e := New(Scenario{HoldOpen: true, IgnoreCancel: true}, "t")
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx, 50)
		errCh <- err
	}()

	cancel()
	select {
	case <-errCh:
		t.Fatal("run should ignore cancellation")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, e.Close(context.Background()))
	require.NoError(t, e.Close(context.Background()))
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, engine.ErrResourceClosed))
	case <-time.After(time.Second):
		t.Fatal("run did not end on close")
	}
}

func TestEngine_PauseHoldsAtStepBoundary(t *testing.T) {
	sc := Scenario{StepDelay: 5 * time.Millisecond, Steps: []Step{{Observation: "1"}, {Observation: "2"}, {Observation: "3"}}}
	e := New(sc, "t")
	e.Pause()
	assert.True(t, e.Paused())

	done := make(chan struct{})
	go func() {
		_, _ = e.Run(context.Background(), 50)
		close(done)
	}()

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 0, e.History().Len())

	e.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not finish after resume")
	}
	assert.Equal(t, 3, e.History().Len())
}

func TestFactory_LoadsScenarioFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(demoScenario), 0o600))

	f, err := NewFactory(path)
	require.NoError(t, err)
	eng, err := f.New(context.Background(), "find flights", llm.Settings{}, engine.Options{})
	require.NoError(t, err)
	require.Len(t, f.Engines(), 1)
	assert.Same(t, eng, engine.Engine(f.Engines()[0]))
}

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/browserpilot/internal/events"
	"github.com/kandev/browserpilot/internal/task/models"
)

const scenario = `
name: cli
step_delay: 1ms
steps:
  - thinking:
      next_goal: Open the site
  - action:
      name: go_to_url
      params:
        url: https://example.com
  - observation: found it
    done: true
result:
  final_result: found it
  is_done: true
  success: true
`

const failingScenario = `
name: cli-fail
steps:
  - thinking:
      next_goal: Open the site
fail: timeout
`

func setupRun(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("BROWSERPILOT_DATABASE_DRIVER", "sqlite")
	t.Setenv("BROWSERPILOT_DATABASE_PATH", filepath.Join(dir, "test.db"))
	t.Setenv("BROWSERPILOT_SESSION_POLLINTERVAL", "10ms")
	t.Setenv("BROWSERPILOT_SESSION_SWEEPSCHEDULE", "")
	t.Setenv("BROWSERPILOT_NATS_URL", "")
	t.Setenv("BROWSERPILOT_REDIS_ADDR", "")

	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRunCommand_CompletesScenario(t *testing.T) {
	path := setupRun(t, scenario)

	out, err := execute(t, "run", "--prompt", "find it", "--scenario", path)
	require.NoError(t, err)

	assert.Contains(t, out, "status: running")
	assert.Contains(t, out, "Executing action: go_to_url - https://example.com")
	assert.Contains(t, out, "status: completed")
	assert.Contains(t, out, `"final_result":"found it"`)
	assert.Less(t, strings.Index(out, "status: running"), strings.Index(out, "status: completed"))
}

func TestRunCommand_JSONOutput(t *testing.T) {
	path := setupRun(t, scenario)

	out, err := execute(t, "run", "--prompt", "find it", "--scenario", path, "--json")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	var last events.TaskEvent
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.True(t, last.IsTerminal())
	assert.Equal(t, models.TaskStatusCompleted, last.Status.Status)
}

func TestRunCommand_FailedTaskExitsNonZero(t *testing.T) {
	path := setupRun(t, failingScenario)

	out, err := execute(t, "run", "--prompt", "find it", "--scenario", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errTaskFailed)
	assert.Equal(t, 2, exitCode(err))
	assert.Contains(t, out, "error: timeout")
}

func TestRunCommand_RequiresPrompt(t *testing.T) {
	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
}

func TestFinalError(t *testing.T) {
	assert.NoError(t, finalError(&models.Task{Status: models.TaskStatusCompleted}))
	assert.ErrorIs(t, finalError(&models.Task{Status: models.TaskStatusFailed, ErrorMessage: "x"}), errTaskFailed)
	assert.Error(t, finalError(&models.Task{Status: models.TaskStatusRunning}))
}

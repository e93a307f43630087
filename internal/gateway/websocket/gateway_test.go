package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/browserpilot/internal/common/config"
	"github.com/kandev/browserpilot/internal/common/constants"
	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/engine"
	"github.com/kandev/browserpilot/internal/engine/scripted"
	"github.com/kandev/browserpilot/internal/events/bus"
	"github.com/kandev/browserpilot/internal/session"
	"github.com/kandev/browserpilot/internal/task/models"
	"github.com/kandev/browserpilot/internal/task/repository"
	"github.com/kandev/browserpilot/internal/task/status"
	ws "github.com/kandev/browserpilot/pkg/websocket"
)

const readTimeout = 3 * time.Second

type gatewayEnv struct {
	server      *httptest.Server
	reg         *session.Registry
	store       *status.Store
	broadcaster *session.Broadcaster
}

func newGatewayEnv(t *testing.T, sc scripted.Scenario) *gatewayEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()

	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)

	store := status.NewStore(repository.NewMemoryRepository(), b, log)
	br := session.NewBroadcaster(b, log)
	require.NoError(t, br.Start())
	t.Cleanup(br.Stop)

	reg := session.NewRegistry(store, &scripted.Factory{Scenario: sc}, br, session.Config{
		Session: config.SessionConfig{
			PollInterval:      5 * time.Millisecond,
			PauseInterval:     2 * time.Millisecond,
			MaxSteps:          50,
			StopGracePeriod:   2 * time.Second,
			CancelGracePeriod: 300 * time.Millisecond,
			CleanupTimeout:    time.Second,
			MaxConcurrent:     2,
		},
		EngineType: "scripted",
	}, log)

	gw := NewGateway(reg, store, br, log)
	ctx, cancel := context.WithCancel(context.Background())
	go gw.Hub.Run(ctx)

	router := gin.New()
	gw.SetupRoutes(router)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		reg.Shutdown(sctx)
	})
	return &gatewayEnv{server: server, reg: reg, store: store, broadcaster: br}
}

func (e *gatewayEnv) dial(t *testing.T, path string) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + path
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *gorillaws.Conn, id, action string, payload interface{}) {
	t.Helper()
	msg, err := ws.NewRequest(id, action, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

func read(t *testing.T, conn *gorillaws.Conn) *ws.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var msg ws.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

// readReply skips notifications until the reply to id arrives.
func readReply(t *testing.T, conn *gorillaws.Conn, id string) *ws.Message {
	t.Helper()
	for {
		msg := read(t, conn)
		if msg.ID == id {
			return msg
		}
	}
}

func payloadMap(t *testing.T, msg *ws.Message) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, msg.ParsePayload(&m))
	return m
}

func errorCode(t *testing.T, msg *ws.Message) string {
	t.Helper()
	require.Equal(t, ws.MessageTypeError, msg.Type)
	var p ws.ErrorPayload
	require.NoError(t, msg.ParsePayload(&p))
	return p.Code
}

func steps() []scripted.Step {
	return []scripted.Step{
		{Thinking: &engine.CurrentState{NextGoal: "open the site"}},
		{Action: &engine.Action{Name: "go_to_url", Params: map[string]interface{}{"url": "https://example.com"}}},
		{Observation: "found it", Done: true},
	}
}

func TestGateway_HealthAndMetrics(t *testing.T) {
	env := newGatewayEnv(t, scripted.Scenario{})

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])

	metrics, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = metrics.Body.Close() }()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestGateway_UnknownTaskReturns404(t *testing.T) {
	env := newGatewayEnv(t, scripted.Scenario{})

	for _, path := range []string{"/api/v1/tasks/nope", "/api/v1/tasks/nope/steps", "/api/v1/tasks/nope/stream"} {
		resp, err := http.Get(env.server.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestGateway_StreamDeliversStepsThenCloses(t *testing.T) {
	env := newGatewayEnv(t, scripted.Scenario{StepDelay: 20 * time.Millisecond, Steps: steps()})
	ctx := context.Background()

	task, err := env.store.CreateTask(ctx, "find it")
	require.NoError(t, err)

	conn := env.dial(t, "/api/v1/tasks/"+task.ID+"/stream")
	require.Eventually(t, func() bool {
		return env.broadcaster.SubscriberCount(task.ID) == 1
	}, readTimeout, time.Millisecond)
	require.True(t, env.reg.Start(ctx, task.ID, ""))

	var stepCount int
	var last *ws.Message
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
		var msg ws.Message
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Action == ws.ActionTaskStep {
			stepCount++
		}
		m := msg
		last = &m
	}

	assert.Equal(t, 3, stepCount)
	require.NotNil(t, last)
	assert.Equal(t, ws.ActionTaskStatus, last.Action)
	var p statusPayload
	require.NoError(t, last.ParsePayload(&p))
	assert.Equal(t, string(models.TaskStatusCompleted), p.Status)
}

func TestGateway_StreamOfFinishedTaskSendsFinalStatus(t *testing.T) {
	env := newGatewayEnv(t, scripted.Scenario{Steps: steps()})
	ctx := context.Background()

	require.True(t, env.reg.Start(ctx, "done-task", "X"))
	require.Eventually(t, func() bool {
		task, err := env.store.GetTask(ctx, "done-task")
		return err == nil && task.Status == models.TaskStatusCompleted
	}, readTimeout, 2*time.Millisecond)

	conn := env.dial(t, "/api/v1/tasks/done-task/stream")
	msg := read(t, conn)
	assert.Equal(t, ws.ActionTaskStatus, msg.Action)
	var p statusPayload
	require.NoError(t, msg.ParsePayload(&p))
	assert.Equal(t, string(models.TaskStatusCompleted), p.Status)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestGateway_SubscribeToFinishedTaskOverControlConnection(t *testing.T) {
	env := newGatewayEnv(t, scripted.Scenario{Steps: steps()})
	ctx := context.Background()

	require.True(t, env.reg.Start(ctx, "old", "X"))
	require.Eventually(t, func() bool {
		task, err := env.store.GetTask(ctx, "old")
		return err == nil && task.Status == models.TaskStatusCompleted
	}, readTimeout, 2*time.Millisecond)

	conn := env.dial(t, "/api/v1/ws")
	send(t, conn, "s", ws.ActionTaskSubscribe, TaskRequest{TaskID: "old"})

	var sawStatus bool
	for {
		msg := read(t, conn)
		if msg.Action == ws.ActionTaskStatus {
			sawStatus = true
		}
		if msg.ID == "s" {
			break
		}
	}
	assert.True(t, sawStatus)
	assert.Equal(t, 0, env.broadcaster.SubscriberCount("old"))

	// The control connection stays open.
	send(t, conn, "h", ws.ActionHealthCheck, nil)
	assert.Equal(t, "ok", payloadMap(t, readReply(t, conn, "h"))["status"])
}

func TestGateway_ControlActions(t *testing.T) {
	env := newGatewayEnv(t, scripted.Scenario{Steps: steps()[:1], HoldOpen: true})
	conn := env.dial(t, "/api/v1/ws")

	send(t, conn, "1", ws.ActionSessionStart, StartRequest{Prompt: "book a flight"})
	reply := readReply(t, conn, "1")
	require.Equal(t, ws.MessageTypeResponse, reply.Type)
	started := payloadMap(t, reply)
	assert.Equal(t, true, started["accepted"])
	taskID, _ := started["task_id"].(string)
	require.NotEmpty(t, taskID)

	send(t, conn, "2", ws.ActionTaskSubscribe, TaskRequest{TaskID: taskID})
	assert.Equal(t, true, payloadMap(t, readReply(t, conn, "2"))["success"])

	send(t, conn, "3", ws.ActionSessionPause, TaskRequest{TaskID: taskID})
	assert.Equal(t, true, payloadMap(t, readReply(t, conn, "3"))["success"])

	send(t, conn, "4", ws.ActionSessionStatus, TaskRequest{TaskID: taskID})
	view := payloadMap(t, readReply(t, conn, "4"))
	assert.Equal(t, string(models.TaskStatusPaused), view["status"])
	assert.Equal(t, true, view["active"])

	send(t, conn, "5", ws.ActionTaskDelete, TaskRequest{TaskID: taskID})
	assert.Equal(t, ws.ErrorCodeConflict, errorCode(t, readReply(t, conn, "5")))

	send(t, conn, "6", ws.ActionSessionResume, TaskRequest{TaskID: taskID})
	assert.Equal(t, true, payloadMap(t, readReply(t, conn, "6"))["success"])

	send(t, conn, "7", ws.ActionSessionList, nil)
	list := payloadMap(t, readReply(t, conn, "7"))
	sessions, _ := list["sessions"].(map[string]interface{})
	assert.Equal(t, string(models.TaskStatusRunning), sessions[taskID])

	// The stop reply and the terminal notification may arrive in either order.
	send(t, conn, "8", ws.ActionSessionStop, TaskRequest{TaskID: taskID})
	var stopReply *ws.Message
	var final *statusPayload
	for stopReply == nil || final == nil {
		msg := read(t, conn)
		switch {
		case msg.ID == "8":
			stopReply = msg
		case msg.Action == ws.ActionTaskStatus:
			var p statusPayload
			require.NoError(t, msg.ParsePayload(&p))
			if p.Status == string(models.TaskStatusFailed) {
				final = &p
			}
		}
	}
	assert.Equal(t, true, payloadMap(t, stopReply)["success"])
	assert.Equal(t, constants.StopMessage, final.ErrorMessage)

	send(t, conn, "9", ws.ActionTaskSteps, TaskRequest{TaskID: taskID})
	stepsReply := payloadMap(t, readReply(t, conn, "9"))
	stored, _ := stepsReply["steps"].([]interface{})
	assert.NotEmpty(t, stored)

	send(t, conn, "10", ws.ActionTaskDelete, TaskRequest{TaskID: taskID})
	assert.Equal(t, true, payloadMap(t, readReply(t, conn, "10"))["success"])

	send(t, conn, "11", ws.ActionTaskGet, TaskRequest{TaskID: taskID})
	assert.Equal(t, ws.ErrorCodeNotFound, errorCode(t, readReply(t, conn, "11")))
}

func TestGateway_StopDoesNotBlockConnection(t *testing.T) {
	env := newGatewayEnv(t, scripted.Scenario{HoldOpen: true, IgnoreCancel: true})
	conn := env.dial(t, "/api/v1/ws")

	send(t, conn, "1", ws.ActionSessionStart, StartRequest{Prompt: "slow to stop"})
	taskID, _ := payloadMap(t, readReply(t, conn, "1"))["task_id"].(string)
	require.NotEmpty(t, taskID)

	send(t, conn, "2", ws.ActionSessionStop, TaskRequest{TaskID: taskID})
	send(t, conn, "3", ws.ActionHealthCheck, nil)

	var order []string
	for len(order) < 2 {
		msg := read(t, conn)
		if msg.ID == "2" || msg.ID == "3" {
			order = append(order, msg.ID)
		}
	}
	assert.Equal(t, []string{"3", "2"}, order, "health check answered while stop waits for the runner")
}

func TestGateway_RequestErrors(t *testing.T) {
	env := newGatewayEnv(t, scripted.Scenario{})
	conn := env.dial(t, "/api/v1/ws")

	send(t, conn, "a", "no.such.action", nil)
	assert.Equal(t, ws.ErrorCodeUnknownAction, errorCode(t, readReply(t, conn, "a")))

	send(t, conn, "b", ws.ActionSessionStart, StartRequest{})
	assert.Equal(t, ws.ErrorCodeValidation, errorCode(t, readReply(t, conn, "b")))

	send(t, conn, "c", ws.ActionSessionPause, nil)
	assert.Equal(t, ws.ErrorCodeValidation, errorCode(t, readReply(t, conn, "c")))

	send(t, conn, "d", ws.ActionSessionStart, StartRequest{TaskID: "ghost"})
	assert.Equal(t, ws.ErrorCodeNotFound, errorCode(t, readReply(t, conn, "d")))

	send(t, conn, "e", ws.ActionSessionStatus, TaskRequest{TaskID: "ghost"})
	assert.Equal(t, ws.ErrorCodeNotFound, errorCode(t, readReply(t, conn, "e")))

	send(t, conn, "f", ws.ActionTaskList, ListRequest{Statuses: []models.TaskStatus{"bogus"}})
	assert.Equal(t, ws.ErrorCodeValidation, errorCode(t, readReply(t, conn, "f")))

	send(t, conn, "i", ws.ActionTaskSubscribe, TaskRequest{TaskID: "ghost"})
	assert.Equal(t, ws.ErrorCodeNotFound, errorCode(t, readReply(t, conn, "i")))

	send(t, conn, "g", ws.ActionSessionStop, TaskRequest{TaskID: "ghost"})
	assert.Equal(t, false, payloadMap(t, readReply(t, conn, "g"))["success"])

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("not json")))
	msg := read(t, conn)
	assert.Equal(t, ws.ErrorCodeBadRequest, errorCode(t, msg))

	send(t, conn, "h", ws.ActionHealthCheck, nil)
	assert.Equal(t, "ok", payloadMap(t, readReply(t, conn, "h"))["status"])
}

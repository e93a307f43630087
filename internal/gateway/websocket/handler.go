package websocket

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/task/repository"
	ws "github.com/kandev/browserpilot/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	hub    *Hub
	tasks  TaskStore
	logger *logger.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, tasks TaskStore, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		tasks:  tasks,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and serves request envelopes.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// HandleTaskStream upgrades and subscribes the connection to a single task.
// The connection is closed by the server after the task's terminal status.
func (h *Handler) HandleTaskStream(c *gin.Context) {
	taskID := c.Param("taskId")
	ctx := c.Request.Context()

	if _, err := h.tasks.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found", "task_id": taskID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	client.closeOnFinish = true
	h.hub.Register(client)
	go client.WritePump()

	if err := h.hub.SubscribeToTask(ctx, client, taskID); err != nil {
		h.logger.Warn("Failed to subscribe stream",
			zap.String("task_id", taskID), zap.Error(err))
		client.closeSend()
	}
	client.ReadPump(ctx)
}

// RegisterHealthHandler registers the health check handler
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "browserpilot",
		})
	})
}

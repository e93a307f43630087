package websocket

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/task/repository"
	ws "github.com/kandev/browserpilot/pkg/websocket"
)

// Gateway bundles the hub, dispatcher and HTTP handler.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler

	sessions SessionControl
	tasks    TaskStore
	logger   *logger.Logger
}

// NewGateway creates a gateway with every action registered.
func NewGateway(sessions SessionControl, tasks TaskStore, streams TaskStreams, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, streams, tasks, log)
	handler := NewHandler(hub, tasks, log)

	RegisterHealthHandler(dispatcher)
	RegisterSessionHandlers(dispatcher, sessions, tasks)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		sessions:   sessions,
		tasks:      tasks,
		logger:     log.WithFields(zap.String("component", "gateway")),
	}
}

// SetupRoutes adds the gateway routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"service":         "browserpilot",
			"active_sessions": len(g.sessions.ListActive()),
			"clients":         g.Hub.GetClientCount(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.GET("/ws", g.Handler.HandleConnection)
	api.GET("/tasks/:taskId", g.httpGetTask)
	api.GET("/tasks/:taskId/steps", g.httpListSteps)
	api.GET("/tasks/:taskId/stream", g.Handler.HandleTaskStream)
}

func (g *Gateway) httpGetTask(c *gin.Context) {
	task, err := g.tasks.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		g.handleError(c, err)
		return
	}
	_, active := g.sessions.Status(task.ID)
	c.JSON(http.StatusOK, gin.H{"task": task, "active": active})
}

func (g *Gateway) httpListSteps(c *gin.Context) {
	taskID := c.Param("taskId")
	steps, err := g.tasks.ListSteps(c.Request.Context(), taskID)
	if err != nil {
		g.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "steps": steps, "total": len(steps)})
}

func (g *Gateway) handleError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	g.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

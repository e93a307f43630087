package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/events"
	"github.com/kandev/browserpilot/internal/session"
	"github.com/kandev/browserpilot/internal/task/repository"
	ws "github.com/kandev/browserpilot/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	sendBufferSize = 256
)

// Client represents a single WebSocket connection
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	logger *logger.Logger

	// closeOnFinish ends the connection once a subscribed task ends. Set for
	// single-task stream connections.
	closeOnFinish bool

	mu            sync.Mutex
	send          chan []byte
	closed        bool
	subscriptions map[string]bool // task IDs
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps messages from the WebSocket connection to the dispatcher
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("Received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	// Subscriptions need the client itself.
	switch msg.Action {
	case ws.ActionTaskSubscribe:
		c.handleSubscription(ctx, msg, true)
		return
	case ws.ActionTaskUnsubscribe:
		c.handleSubscription(ctx, msg, false)
		return
	case ws.ActionSessionStop:
		// Stop waits for the runner; keep reading meanwhile.
		go c.dispatch(context.WithoutCancel(ctx), msg)
		return
	}
	c.dispatch(ctx, msg)
}

func (c *Client) dispatch(ctx context.Context, msg *ws.Message) {
	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("Handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

// SubscribeRequest is the payload for task.subscribe and task.unsubscribe
type SubscribeRequest struct {
	TaskID string `json:"task_id"`
}

func (c *Client) handleSubscription(ctx context.Context, msg *ws.Message, subscribe bool) {
	var req SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.TaskID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
		return
	}

	if !subscribe {
		c.hub.UnsubscribeFromTask(c, req.TaskID)
	} else if err := c.hub.SubscribeToTask(ctx, c, req.TaskID); err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
		} else {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return
	}

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
		"task_id": req.TaskID,
	})
	c.sendMessage(resp)
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	if err := c.enqueue(data); err != nil {
		c.logger.Warn("Dropping message", zap.String("action", msg.Action), zap.Error(err))
	}
}

func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

func (c *Client) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrSubscriberClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return session.ErrSubscriberSlow
	}
}

// closeSend stops the write pump after it flushes what is queued.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WritePump pumps messages from the send queue to the WebSocket connection,
// one message per frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// taskSubscription adapts a client to session.Subscriber for one task.
type taskSubscription struct {
	client *Client
	taskID string
}

func (s *taskSubscription) ID() string { return s.client.ID }

func (s *taskSubscription) Deliver(ev *events.TaskEvent) error {
	msg, err := notificationFor(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.client.enqueue(data)
}

// Close is called by the broadcaster once the task ends or delivery failed.
func (s *taskSubscription) Close() {
	s.client.mu.Lock()
	delete(s.client.subscriptions, s.taskID)
	s.client.mu.Unlock()
	if s.client.closeOnFinish {
		s.client.closeSend()
	}
}

func notificationFor(ev *events.TaskEvent) (*ws.Message, error) {
	switch ev.Kind {
	case events.TaskStepAdded:
		return ws.NewNotification(ws.ActionTaskStep, ev.Step)
	case events.TaskStatusChanged:
		return ws.NewNotification(ws.ActionTaskStatus, statusPayload{
			TaskID:       ev.TaskID,
			Status:       string(ev.Status.Status),
			ErrorMessage: ev.Status.ErrorMessage,
			Result:       ev.Status.Result,
		})
	default:
		return ws.NewNotification(ws.ActionTaskDeleted, map[string]string{"task_id": ev.TaskID})
	}
}

type statusPayload struct {
	TaskID       string          `json:"task_id"`
	Status       string          `json:"status"`
	ErrorMessage string          `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// Package websocket serves the session control surface and live task
// streams over WebSocket.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/events"
	"github.com/kandev/browserpilot/internal/session"
	ws "github.com/kandev/browserpilot/pkg/websocket"
)

// TaskStreams is the part of the session broadcaster the hub uses.
type TaskStreams interface {
	Subscribe(taskID string, s session.Subscriber)
	Unsubscribe(taskID, subscriberID string)
}

// Hub manages all WebSocket client connections
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	dispatcher *ws.Dispatcher
	streams    TaskStreams
	tasks      TaskStore

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(dispatcher *ws.Dispatcher, streams TaskStreams, tasks TaskStore, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		dispatcher: dispatcher,
		streams:    streams,
		tasks:      tasks,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		h.dropSubscriptions(client)
		client.closeSend()
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if ok {
		h.dropSubscriptions(client)
		client.closeSend()
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) dropSubscriptions(client *Client) {
	client.mu.Lock()
	taskIDs := make([]string, 0, len(client.subscriptions))
	for taskID := range client.subscriptions {
		taskIDs = append(taskIDs, taskID)
	}
	client.subscriptions = make(map[string]bool)
	client.mu.Unlock()

	for _, taskID := range taskIDs {
		h.streams.Unsubscribe(taskID, client.ID)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.closeSend()
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// SubscribeToTask routes the task's events to client. A task that already
// ended is answered with its final status instead of a subscription.
func (h *Hub) SubscribeToTask(ctx context.Context, client *Client, taskID string) error {
	if _, err := h.tasks.GetTask(ctx, taskID); err != nil {
		return err
	}

	client.mu.Lock()
	client.subscriptions[taskID] = true
	client.mu.Unlock()
	h.streams.Subscribe(taskID, &taskSubscription{client: client, taskID: taskID})

	// Re-read after registering: a terminal write between the two reads
	// would otherwise leave the subscription open forever.
	task, err := h.tasks.GetTask(ctx, taskID)
	if err != nil {
		h.UnsubscribeFromTask(client, taskID)
		return err
	}
	if task.Status.IsTerminal() {
		h.UnsubscribeFromTask(client, taskID)
		if msg, err := notificationFor(events.NewStatusEvent(task)); err == nil {
			client.sendMessage(msg)
		}
		if client.closeOnFinish {
			client.closeSend()
		}
		return nil
	}

	h.logger.Debug("Client subscribed to task",
		zap.String("client_id", client.ID),
		zap.String("task_id", taskID))
	return nil
}

// UnsubscribeFromTask stops routing the task's events to client.
func (h *Hub) UnsubscribeFromTask(client *Client, taskID string) {
	client.mu.Lock()
	delete(client.subscriptions, taskID)
	client.mu.Unlock()

	h.streams.Unsubscribe(taskID, client.ID)
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

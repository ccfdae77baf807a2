package transport

import (
	"log/slog"
	"sync"

	"kernelbridge/internal/iopub"
)

// Client is one front-end connection
type Client struct {
	ID   string
	Send chan iopub.Message
	Done chan struct{}
}

// Hub fans kernel messages out to the connected clients. It is the kernel's iopub
// sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

var _ iopub.Sink = &Hub{}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Register adds a client. Its Done channel must be closed by the handler that created
// it before Unregister is called.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	slog.Info("Client connected", "clientID", client.ID, "clients", len(h.clients))
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[clientID]; ok {
		delete(h.clients, clientID)
		slog.Info("Client disconnected", "clientID", clientID, "clients", len(h.clients))
	}
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send broadcasts msg. Output must not be lost, so a slow client holds up the kernel
// instead of missing messages; a disconnected one is skipped.
func (h *Hub) Send(msg iopub.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		deliver(client, msg)
	}
}

// SendTo delivers msg to one client. It reports false if the client is gone.
func (h *Hub) SendTo(clientID string, msg iopub.Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[clientID]
	if !ok {
		slog.Warn("Dropping reply for disconnected client", "clientID", clientID, "msgType", msg.Header.MsgType)
		return false
	}
	return deliver(client, msg)
}

func deliver(client *Client, msg iopub.Message) bool {
	select {
	case client.Send <- msg:
		return true
	case <-client.Done:
		return false
	}
}

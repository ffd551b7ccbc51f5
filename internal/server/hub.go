package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/planurbi/fieldcollect/internal/event"
	"github.com/planurbi/fieldcollect/internal/model"
)

const writeWait = 5 * time.Second

// Hub fans collection events out to every connected websocket client. It
// implements event.Publisher so it can sit next to the NATS publisher.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.RWMutex
	done       chan struct{}
	closeOnce  sync.Once
	logger     *slog.Logger
}

// NewHub creates a Hub. Call Run to start delivering messages.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger.With("component", "hub"),
	}
}

// Run delivers messages until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("client connected", "clients", n)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			n := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("client disconnected", "clients", n)

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				_ = client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Warn("dropping client after write error", "error", err)
					delete(h.clients, client)
					client.Close()
				}
			}
			h.mutex.Unlock()

		case <-h.done:
			h.mutex.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			return
		}
	}
}

// Register adds a client. It is a no-op once the hub is closed.
func (h *Hub) Register(client *websocket.Conn) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes and closes a client.
func (h *Hub) Unregister(client *websocket.Conn) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) publish(ctx context.Context, eventType string, payload interface{}) error {
	b, err := json.Marshal(event.NewEnvelope(eventType, payload))
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- b:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishStateChanged broadcasts a workflow transition to every client.
func (h *Hub) PublishStateChanged(ctx context.Context, ev event.StateChanged) error {
	return h.publish(ctx, event.TypeStateChanged, ev)
}

// PublishCollected broadcasts a completed upload.
func (h *Hub) PublishCollected(ctx context.Context, rec model.UploadRecord) error {
	return h.publish(ctx, event.TypeCollected, rec)
}

// PublishReconciled broadcasts the outcome of a reconcile run.
func (h *Hub) PublishReconciled(ctx context.Context, ev event.Reconciled) error {
	return h.publish(ctx, event.TypeReconciled, ev)
}

// Close stops Run and disconnects every client.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() { close(h.done) })
	return nil
}

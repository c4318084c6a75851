// Package eventstream broadcasts bus events to WebSocket observers. It is
// a one-way feed: clients receive events as JSON and never send anything
// but control frames.
package eventstream

import (
	"context"
	"sync"

	"exit_engine/internal/events"
)

// clientBuffer bounds the per-client queue. A client that cannot drain it
// is dropped rather than allowed to stall the broadcast.
const clientBuffer = 256

// Client is one connected observer. An empty userID receives everything;
// otherwise only that user's events are delivered.
type Client struct {
	id     string
	userID string
	send   chan events.Event
	mu     sync.Mutex
	closed bool
}

// NewClient creates a client. userID filters delivery, empty means all.
func NewClient(id, userID string) *Client {
	return &Client{
		id:     id,
		userID: userID,
		send:   make(chan events.Event, clientBuffer),
	}
}

// Send queues one event without blocking. False means the client is slow
// or closed and should be dropped.
func (c *Client) Send(e events.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- e:
		return true
	default:
		return false
	}
}

// Events returns the delivery channel for the write pump.
func (c *Client) Events() <-chan events.Event {
	return c.send
}

// Close marks the client dead and closes its channel. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// wants reports whether the client's filter accepts the event.
func (c *Client) wants(e events.Event) bool {
	return c.userID == "" || c.userID == e.UserID
}

// Logger is the slice of the application logger the hub needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

// Hub fans events out to registered clients. Registration and broadcast
// are serialized through the run loop.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	broadcast  chan events.Event
	register   chan *Client
	deregister chan *Client
	logger     Logger
}

func NewHub(logger Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan events.Event, 256),
		register:   make(chan *Client),
		deregister: make(chan *Client),
		logger:     logger,
	}
}

// Run drives the hub until the context is cancelled, then closes every
// client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("observer connected", "client_id", client.id, "user_filter", client.userID, "total", total)
			}

		case client := <-h.deregister:
			h.drop(client)

		case e := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				if client.wants(e) {
					targets = append(targets, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range targets {
				if !client.Send(e) {
					if h.logger != nil {
						h.logger.Warn("observer too slow, dropping", "client_id", client.id)
					}
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.Close()
	}
	h.mu.Unlock()
}

// Register adds a client to the fan-out set.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client.
func (h *Hub) Unregister(client *Client) {
	h.deregister <- client
}

// Broadcast queues an event for every matching client, dropping it when
// the hub's own queue is full.
func (h *Hub) Broadcast(e events.Event) {
	select {
	case h.broadcast <- e:
	default:
		if h.logger != nil {
			h.logger.Warn("broadcast queue full, dropping event", "type", string(e.Type))
		}
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

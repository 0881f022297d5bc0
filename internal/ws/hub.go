// Package ws maintains the registry of live WebSocket connections and the
// per-connection ordered write path.
//
// Each accepted socket becomes a Client. Writes to one client are serialized
// by a mutex so outbound frames keep their order regardless of which
// goroutine (dispatch loop, task, health listener, lock broadcast) produced
// them. Broadcasts are best-effort: one client's failed write never poisons
// the others.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds one frame write so a stalled client cannot wedge a
// task or a broadcast.
const writeTimeout = 10 * time.Second

// Client is one live WebSocket connection.
type Client struct {
	ID string

	conn *websocket.Conn

	// ctx is the connection's lifetime context; cancelled on teardown or
	// when a write fails.
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
}

// NewClient wraps an accepted connection. The given context should be the
// request context so the client dies with the HTTP handler.
func NewClient(ctx context.Context, id string, conn *websocket.Conn) *Client {
	cctx, cancel := context.WithCancel(ctx)
	return &Client{ID: id, conn: conn, ctx: cctx, cancel: cancel}
}

// Context returns the connection lifetime context.
func (c *Client) Context() context.Context { return c.ctx }

// Close cancels the connection context.
func (c *Client) Close() { c.cancel() }

// Read blocks for the next inbound frame.
func (c *Client) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

// Send marshals v and writes it as one text frame. Writes are serialized per
// client. A failed write cancels the connection context, which the gateway
// treats as disconnect.
func (c *Client) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.cancel()
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Hub is the registry of live clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Add registers a client.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
}

// Remove deregisters a client by id.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

// Get returns the client for id, or nil.
func (h *Hub) Get(id string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// Count returns the number of live clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends one frame to every live client, best-effort, and returns
// how many sends succeeded. Individual failures are logged and skipped.
func (h *Hub) Broadcast(v interface{}) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if err := c.Send(v); err != nil {
			log.Printf("[ws] broadcast to %s failed: %v", c.ID, err)
			continue
		}
		sent++
	}
	return sent
}

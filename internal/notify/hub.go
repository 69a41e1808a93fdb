package notify

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leadgrid/leadgrid/internal/job"
)

const (
	pingInterval = 15 * time.Second
	pongWait     = 20 * time.Second
	writeWait    = 5 * time.Second
)

// client wraps one live channel with a write lock. The underlying connection
// permits only one concurrent writer, and both event publishing and the ping
// loop write to it.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Hub is the connection registry: user id -> set of live websocket channels.
// It is populated when a client authenticates on the channel and pruned on
// disconnect or heartbeat failure. Nothing here is durable; losing it on
// restart is safe.
type Hub struct {
	mu    sync.RWMutex
	conns map[uint64]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[uint64]map[*client]struct{})}
}

func (h *Hub) add(userID uint64, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[userID]
	if !ok {
		set = make(map[*client]struct{})
		h.conns[userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(userID uint64, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, userID)
		}
	}
	_ = c.conn.Close()
}

// Subscribers reports how many live channels a user has.
func (h *Hub) Subscribers(userID uint64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Publish delivers an event to every live channel of the user: fan-out, not
// load-balancing. Best-effort, at-most-once per channel, and a true no-op
// when nobody is listening. Channels that fail to take the write are dropped.
// Safe to call from any number of goroutines.
func (h *Hub) Publish(ctx context.Context, userID uint64, evt job.Event) {
	h.mu.RLock()
	set, ok := h.conns[userID]
	if !ok || len(set) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	body, err := json.Marshal(evt)
	if err != nil {
		log.Printf("notify user=%d marshal failed: %v", userID, err)
		return
	}

	for _, c := range targets {
		if err := c.write(websocket.TextMessage, body); err != nil {
			h.remove(userID, c)
		}
	}
}

// Serve registers an authenticated connection and blocks until it dies. A
// ping goes out every pingInterval; a channel that does not answer within
// pongWait is dropped.
func (h *Hub) Serve(userID uint64, conn *websocket.Conn) {
	cl := &client{conn: conn}
	h.add(userID, cl)
	defer h.remove(userID, cl)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Drain control frames and detect disconnects; clients do not send
		// data on this channel.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := cl.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

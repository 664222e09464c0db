package handlers

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/claworc/webssh/internal/channels"
)

// defaultWriteTimeout bounds a single write to a client channel.
const defaultWriteTimeout = 5 * time.Second

// Hub holds the live websocket of every client channel and delivers events
// to them by channel ID.
type Hub struct {
	writeTimeout time.Duration

	mu      sync.RWMutex
	clients map[string]*hubClient
}

type hubClient struct {
	conn *websocket.Conn
	ctx  context.Context
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[string]*hubClient),
	}
}

// Register makes conn reachable under channelID. Writes are bounded by ctx.
func (h *Hub) Register(ctx context.Context, channelID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[channelID] = &hubClient{conn: conn, ctx: ctx}
}

// Unregister drops channelID. Later emits to it fail with
// channels.ErrUnknownChannel.
func (h *Hub) Unregister(channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, channelID)
}

// Emit writes one event to the channel's websocket.
func (h *Hub) Emit(channelID, event string, payload any) error {
	h.mu.RLock()
	c, ok := h.clients[channelID]
	h.mu.RUnlock()
	if !ok {
		return channels.ErrUnknownChannel
	}

	ctx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, outboundMessage{Event: event, Data: payload})
}

// Len returns the number of registered channels.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every registered websocket with StatusGoingAway. The read
// loops notice and run their own channel teardown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			conn.Close(websocket.StatusGoingAway, "server shutting down")
		}(conn)
	}
	wg.Wait()
	if len(conns) > 0 {
		log.Printf("[gateway] closed %d client channel(s)", len(conns))
	}
}

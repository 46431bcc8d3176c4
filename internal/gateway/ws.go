package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/courier/pkg/models"
)

const (
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 45 * time.Second
	wsMaxPayloadBytes = 512
)

// Broadcaster fans connection events out to websocket subscribers.
// Clients are write-only: inbound frames beyond pongs are discarded.
type Broadcaster struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger: logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				// The endpoint sits behind API-key auth; browsers are not
				// the expected client.
				return true
			},
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Run consumes the event stream until the context is canceled, then
// closes every client.
func (b *Broadcaster) Run(ctx context.Context, events <-chan models.ConnectionEvent) {
	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case evt, ok := <-events:
			if !ok {
				b.closeAll()
				return
			}
			b.broadcast(evt)
		}
	}
}

// ServeHTTP upgrades the connection and registers the subscriber.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	count := len(b.clients)
	b.mu.Unlock()
	b.logger.Debug("websocket client connected", "clients", count)

	go b.keepAlive(conn)
	go b.drain(conn)
}

// drain reads until the peer goes away, then unregisters it.
func (b *Broadcaster) drain(conn *websocket.Conn) {
	conn.SetReadLimit(wsMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	b.remove(conn)
}

func (b *Broadcaster) keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for range ticker.C {
		b.mu.Lock()
		_, alive := b.clients[conn]
		b.mu.Unlock()
		if !alive {
			return
		}
		deadline := time.Now().Add(wsWriteWait)
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			b.remove(conn)
			return
		}
	}
}

func (b *Broadcaster) broadcast(evt models.ConnectionEvent) {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for conn := range b.clients {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(evt); err != nil {
			b.logger.Debug("dropping slow websocket client", "error", err)
			b.remove(conn)
		}
	}
}

func (b *Broadcaster) remove(conn *websocket.Conn) {
	b.mu.Lock()
	_, present := b.clients[conn]
	delete(b.clients, conn)
	b.mu.Unlock()
	if present {
		_ = conn.Close()
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for conn := range b.clients {
		conns = append(conns, conn)
	}
	b.clients = make(map[*websocket.Conn]struct{})
	b.mu.Unlock()

	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(wsWriteWait))
		_ = conn.Close()
	}
}

package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/broadcast"
)

const (
	defaultWriteWait = 5 * time.Second
	wsCloseMessage   = "supervisor shutting down"
)

// WebSocketSink pushes broadcasts to connected operator UIs. Each client may
// subscribe to one session via ?session_id=; clients without a filter receive
// every message.
type WebSocketSink struct {
	upgrader  websocket.Upgrader
	logger    *zap.Logger
	writeWait time.Duration

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn      *websocket.Conn
	sessionID string
	mu        sync.Mutex
}

func (c *wsClient) write(data []byte, wait time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// NewWebSocketSink builds an empty subscriber registry. A nil checkOrigin
// accepts every origin.
func NewWebSocketSink(logger *zap.Logger, checkOrigin func(*http.Request) bool) *WebSocketSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WebSocketSink{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger:    logger,
		writeWait: defaultWriteWait,
		clients:   make(map[*wsClient]struct{}),
	}
}

// Name implements broadcast.Sink.
func (s *WebSocketSink) Name() string { return "websocket" }

// ServeHTTP upgrades the request and keeps the connection registered until
// the client goes away.
func (s *WebSocketSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{conn: conn, sessionID: r.URL.Query().Get("session_id")}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.Debug("websocket client connected",
		zap.String("session_id", client.sessionID),
		zap.Int("clients", count),
	)

	defer s.remove(client)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
	}
}

func (s *WebSocketSink) remove(client *wsClient) {
	s.mu.Lock()
	_, ok := s.clients[client]
	delete(s.clients, client)
	s.mu.Unlock()
	if ok {
		_ = client.conn.Close()
	}
}

// Clients reports the number of connected subscribers.
func (s *WebSocketSink) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Consume writes every message to the subscribers whose filter matches.
// Clients that cannot be written to are dropped.
func (s *WebSocketSink) Consume(ctx context.Context, batch []broadcast.Message) error {
	s.mu.RLock()
	clients := make([]*wsClient, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()
	if len(clients) == 0 {
		return nil
	}

	for _, msg := range batch {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("websocket consume: %w", err)
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal broadcast: %w", err)
		}
		for _, client := range clients {
			if client.sessionID != "" && msg.SessionID != "" && client.sessionID != msg.SessionID {
				continue
			}
			if err := client.write(data, s.writeWait); err != nil {
				s.logger.Debug("dropping websocket client", zap.Error(err))
				s.remove(client)
			}
		}
	}
	return nil
}

// Close sends a close frame to every client and refuses new connections.
func (s *WebSocketSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	clients := s.clients
	s.clients = make(map[*wsClient]struct{})
	s.mu.Unlock()

	frame := websocket.FormatCloseMessage(websocket.CloseGoingAway, wsCloseMessage)
	for client := range clients {
		client.mu.Lock()
		_ = client.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(s.writeWait))
		client.mu.Unlock()
		_ = client.conn.Close()
	}
	return nil
}

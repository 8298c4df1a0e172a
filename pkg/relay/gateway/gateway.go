// Package gateway – gateway.go implements a WebSocket endpoint streaming
// engine events to authenticated observers (dashboards, log tails).
//
// Protocol (server → client only):
//
//	{"type":"event","event":"message:received","payload":{...}}
//	{"type":"event","event":"capability:error","payload":{...}}
//
// Clients authenticate with a bearer token checked against a bcrypt hash;
// the plaintext token is never stored server-side.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/jholhewres/relay/pkg/relay/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// observedEvents are the bus events mirrored to gateway clients.
var observedEvents = []string{
	bus.EventMessageReceived,
	bus.EventCommandReceived,
	bus.EventMessageSend,
	bus.EventCapabilityError,
	bus.EventReminderDue,
}

// envelope is the wire format for one streamed event.
type envelope struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Options configures the gateway server.
type Options struct {
	// Addr is the listen address.
	Addr string

	// TokenHash is the bcrypt hash clients must match.
	TokenHash string
}

// Server streams bus events over WebSocket.
type Server struct {
	bus       *bus.Bus
	logger    *slog.Logger
	tokenHash string

	httpServer *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	subs    []*bus.Subscription
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer creates a gateway server. Call Start to begin serving.
func NewServer(b *bus.Bus, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bus:       b,
		logger:    logger.With("component", "gateway"),
		tokenHash: opts.TokenHash,
		clients:   make(map[*client]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	s.httpServer = &http.Server{Addr: opts.Addr, Handler: mux}
	return s
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start subscribes to the observed events and begins listening. Blocks
// until the listener fails or Stop is called.
func (s *Server) Start() error {
	if err := s.subscribe(); err != nil {
		return err
	}
	s.logger.Info("gateway listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop unsubscribes, disconnects every client, and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, sub := range s.subs {
		s.bus.Unsubscribe(sub)
	}
	s.subs = nil
	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) subscribe() error {
	for _, event := range observedEvents {
		sub, err := s.bus.Subscribe(event, s.onEvent)
		if err != nil {
			return fmt.Errorf("subscribing gateway to %s: %w", event, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	return nil
}

// onEvent fans one bus event out to every connected client. Slow clients
// get dropped rather than backpressuring the bus.
func (s *Server) onEvent(_ context.Context, ev bus.Event) error {
	data, err := json.Marshal(envelope{
		Type:    "event",
		Event:   ev.EventName(),
		Payload: sanitize(ev),
	})
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Warn("gateway client too slow, dropping")
			close(c.send)
			delete(s.clients, c)
		}
	}
	return nil
}

// sanitize strips non-serializable delivery plumbing from event payloads.
func sanitize(ev bus.Event) any {
	if send, ok := ev.(bus.MessageSend); ok {
		return struct {
			Platform  string `json:"platform"`
			ChannelID string `json:"channel_id"`
			Content   string `json:"content"`
			ReplyToID string `json:"reply_to_id,omitempty"`
		}{send.Platform, send.ChannelID, send.Content, send.ReplyToID}
	}
	return ev
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("gateway client connected", "remote", r.RemoteAddr)

	go s.writeLoop(c)
	s.readLoop(c)
}

// authorized checks the bearer token (header or ?token=) against the
// configured bcrypt hash.
func (s *Server) authorized(r *http.Request) bool {
	if s.tokenHash == "" {
		return false
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.tokenHash), []byte(token)) == nil
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	// Channel closed by Stop or a slow-client drop.
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
}

// readLoop drains inbound frames so pings and close handshakes work; the
// gateway is broadcast-only and discards anything the client sends.
func (s *Server) readLoop(c *client) {
	defer func() {
		s.mu.Lock()
		if _, ok := s.clients[c]; ok {
			close(c.send)
			delete(s.clients, c)
		}
		s.mu.Unlock()
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// HashToken derives the bcrypt hash to store for a plaintext token.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Package dashboard serves a live view of the sync engine.
//
// Connected WebSocket clients receive sync events (records synced or failed,
// passes completed) and cache statistics as they change. Plain HTTP
// endpoints report health and the current statistics.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeRecordSynced indicates a record reached the remote store
	MessageTypeRecordSynced MessageType = "record_synced"

	// MessageTypeRecordFailed indicates a push failed and will be retried
	MessageTypeRecordFailed MessageType = "record_failed"

	// MessageTypePassComplete indicates a reconciliation pass finished
	MessageTypePassComplete MessageType = "pass_complete"

	// MessageTypeStats carries current cache statistics
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatsFunc returns the current cache statistics.
type StatsFunc func(ctx context.Context) (*Stats, error)

// clientBuffer is how many encoded messages may wait for a slow client
// before it is disconnected.
const clientBuffer = 32

// client is one WebSocket subscriber. Messages are written by the
// connection's own handler goroutine from send.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server serves the dashboard endpoints and fans messages out to
// WebSocket subscribers.
type Server struct {
	addr  string
	stats StatsFunc

	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8090). Port 0 picks a free port.
	Addr string

	// Stats supplies /api/stats and the stats pushed to new clients.
	Stats StatsFunc

	Logger *log.Logger
}

// DefaultConfig returns the default listen address.
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:8090",
		Logger: log.Default(),
	}
}

// NewServer creates a dashboard server. It does not listen until Start.
func NewServer(config *Config) *Server {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	s := &Server{
		addr:    config.Addr,
		stats:   config.Stats,
		clients: make(map[*client]struct{}),
		logger:  config.Logger,
	}
	if s.addr == "" {
		s.addr = def.Addr
	}
	if s.logger == nil {
		s.logger = def.Logger
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleRoot)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Get("/api/stats", s.handleStats)
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down dashboard: %w", err)
		}
	}
	s.wg.Wait()
	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast queues msg for every connected client. It never blocks; a
// client that cannot keep up is disconnected.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Warning: failed to encode %s message: %v", msg.Type, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Printf("Warning: client too slow, disconnecting")
			s.dropLocked(c)
		}
	}
}

// dropLocked unregisters c. The caller holds s.mu.
func (s *Server) dropLocked(c *client) {
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.CloseNow()

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	// The welcome message goes first so clients always start from a
	// snapshot, then events follow in order.
	welcome := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if s.stats != nil {
		if st, err := s.stats(r.Context()); err == nil {
			welcome.Data, _ = json.Marshal(st)
		}
	}
	data, _ := json.Marshal(welcome)
	c.send <- data

	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("Client connected (total: %d)", n)

	// Client messages are ignored; CloseRead ends ctx when the peer goes away.
	ctx := conn.CloseRead(s.ctx)
	s.writeLoop(ctx, c)

	s.mu.Lock()
	s.dropLocked(c)
	n = len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("Client disconnected (total: %d)", n)
}

func (s *Server) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats_unavailable")
		return
	}
	st, err := s.stats(r.Context())
	if err != nil {
		s.logger.Printf("Warning: failed to collect stats: %v", err)
		writeError(w, http.StatusInternalServerError, "stats_failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>shiftdesk sync</title>
</head>
<body>
    <h1>shiftdesk sync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Statistics: <a href="/api/stats">/api/stats</a></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, html.EscapeString(r.Host))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

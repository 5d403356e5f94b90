// Package dashboard provides the live monitoring surface for flatsync:
// a WebSocket feed of sync progress and run results, a Prometheus
// metrics endpoint, and a health check.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// writeWait bounds how long one slow client can hold up a fan-out.
const writeWait = 5 * time.Second

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeProgress is emitted while a run is fetching and
	// reconciling records.
	MessageTypeProgress MessageType = "progress"

	// MessageTypeRunComplete is emitted when a run finishes, clean or
	// failed.
	MessageTypeRunComplete MessageType = "run_complete"

	// MessageTypeStats carries the accumulated totals since the server
	// started.
	MessageTypeStats MessageType = "stats"
)

// Message is one dashboard broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Addr is the listen address (default ":8080").
	Addr string

	// Metrics, when set, is served at /metrics. The Handler's Metrics()
	// goes here.
	Metrics http.Handler

	// Logger for server activity (default: the standard logger).
	Logger *log.Logger
}

// Server feeds dashboard messages to WebSocket subscribers. Broadcast
// queues a message; a single fan-out goroutine delivers it to every
// connected client, so callers on the sync path never wait on sockets.
type Server struct {
	addr     string
	metrics  http.Handler
	logger   *log.Logger
	listener net.Listener
	httpSrv  *http.Server

	feed chan Message

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a dashboard server. A nil config listens on :8080
// with the standard logger and no metrics endpoint.
func NewServer(config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	addr := config.Addr
	if addr == "" {
		addr = ":8080"
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		metrics: config.Metrics,
		logger:  logger,
		feed:    make(chan Message, 100),
		conns:   make(map[*websocket.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetMetrics installs the /metrics handler. Must be called before
// Start; it exists because the Handler that produces the metrics is
// built around the server itself.
func (s *Server) SetMetrics(h http.Handler) {
	s.metrics = h
}

// Start binds the listener and launches the HTTP server and the
// fan-out goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.fanOutLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", s.addr)
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Stop closes every client connection and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")
	s.cancel()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.conns, conn)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast queues a message for every connected client. Never blocks:
// when the feed is full the message is dropped with a warning, because
// a stalled dashboard must not stall a sync run.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.feed <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: dashboard feed full, dropping message")
	}
}

func (s *Server) fanOutLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.feed:
			s.fanOut(msg)
		}
	}
}

// fanOut delivers one message to every subscriber. Writes happen
// outside the lock so a slow client cannot stall connection churn; a
// failed write unsubscribes the client.
func (s *Server) fanOut(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal message: %v", err)
		return
	}

	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.logger.Printf("Failed to send to client: %v", err)
			s.unsubscribe(conn)
		}
	}
}

// handleWebSocket upgrades the connection and subscribes it to the
// feed. Client messages are discarded; the read loop exists to notice
// the disconnect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	total := len(s.conns)
	s.mu.Unlock()
	s.logger.Printf("Client connected (total: %d)", total)

	go func() {
		defer s.unsubscribe(conn)
		for {
			if _, _, err := conn.Read(s.ctx); err != nil {
				return
			}
		}
	}()
}

// unsubscribe drops the connection from the feed; a second call for
// the same connection is a no-op.
func (s *Server) unsubscribe(conn *websocket.Conn) {
	s.mu.Lock()
	_, subscribed := s.conns[conn]
	delete(s.conns, conn)
	total := len(s.conns)
	s.mu.Unlock()

	if subscribed {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", total)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>flatsync Dashboard</title>
</head>
<body>
    <h1>flatsync Dashboard Server</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Metrics: <a href="/metrics">/metrics</a></p>
    <p>Connect a WebSocket client to receive live sync progress.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the bound address once Start has run, and the
// configured address before that.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Package dashboard streams mirror activity to WebSocket clients.
//
// Every dispatch and sweep outcome observed by the server is broadcast as a
// JSON Message. New clients first receive a stats message with the running
// totals, which are also served at /health.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/s3mirror/s3mirror/internal/activity"
	"github.com/s3mirror/s3mirror/internal/logging"
)

// MessageType tags a Message.
type MessageType string

const (
	// MessageTypeDispatch reports a push or remove performed by the reactor
	MessageTypeDispatch MessageType = "dispatch"

	// MessageTypeExpire reports a local file deleted by the sweeper
	MessageTypeExpire MessageType = "expire"

	// MessageTypeSweepComplete reports the totals of a finished sweep
	MessageTypeSweepComplete MessageType = "sweep_complete"

	// MessageTypeStats carries the running totals
	MessageTypeStats MessageType = "stats"
)

// Message is one JSON frame sent to clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Stats holds running totals since the server started
type Stats struct {
	Pushed    int   `json:"pushed"`
	Skipped   int   `json:"skipped"`
	Removed   int   `json:"removed"`
	Expired   int   `json:"expired"`
	Sweeps    int   `json:"sweeps"`
	Failed    int   `json:"failed"`
	Integrity int   `json:"integrity"`
	Bytes     int64 `json:"bytes"`
}

func (s *Stats) add(rec activity.Record) {
	switch rec.Outcome {
	case activity.OutcomeIntegrity:
		s.Integrity++
		return
	case activity.OutcomeFailed, activity.OutcomeTransport:
		s.Failed++
		return
	}
	switch rec.Op {
	case activity.OpPush:
		if rec.Outcome == activity.OutcomeSkipped {
			s.Skipped++
			return
		}
		s.Pushed++
		s.Bytes += rec.Bytes
	case activity.OpRemove:
		s.Removed++
	case activity.OpExpire:
		if rec.Outcome == activity.OutcomeOK {
			s.Expired++
		}
	case activity.OpSweep:
		s.Sweeps++
	}
}

// Config configures a Server.
type Config struct {
	// Port to listen on; 0 picks a free port
	Port int

	Logger logrus.FieldLogger
}

// Server streams activity records to websocket clients.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	stats   Stats
	statsMu sync.Mutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log logrus.FieldLogger
}

// NewServer returns a server that is not yet listening. Records passed to
// Observe are counted and broadcast from then on.
func NewServer(config Config) *Server {
	log := logging.OrDiscard(config.Logger)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 256),
		ctx:       ctx,
		cancel:    cancel,
		log:       log.WithField("component", "dashboard"),
	}

	// The broadcast loop runs from construction so that Handler can be
	// served without Start.
	s.wg.Add(1)
	go s.broadcastLoop()
	return s
}

// Handler returns the HTTP routes served by the dashboard
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Start begins listening and serving
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.WithField("addr", ln.Addr().String()).Info("dashboard listening")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("dashboard server error")
		}
	}()

	return nil
}

// Stop closes every client and shuts the server down
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	var shutdownErr error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	return shutdownErr
}

// Observe updates the totals and broadcasts rec
func (s *Server) Observe(rec activity.Record) {
	s.statsMu.Lock()
	s.stats.add(rec)
	s.statsMu.Unlock()

	typ := MessageTypeDispatch
	switch rec.Op {
	case activity.OpExpire:
		typ = MessageTypeExpire
	case activity.OpSweep:
		typ = MessageTypeSweepComplete
	}

	data, err := json.Marshal(rec)
	if err != nil {
		s.log.WithError(err).Warn("failed to marshal record")
		return
	}
	s.Broadcast(Message{Type: typ, Timestamp: rec.At, Data: data})
}

// Stats returns a copy of the running totals
func (s *Server) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Broadcast queues msg for every connected client. It does not block; a
// message is dropped when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.log.Warn("broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.log.WithError(err).Warn("failed to marshal message")
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.log.WithError(err).Debug("failed to send to client")
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) statsMessage() Message {
	data, _ := json.Marshal(s.Stats())
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	// The stats message goes out before the client is registered, so it
	// is always the first message the client sees.
	welcome, _ := json.Marshal(s.statsMessage())
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, welcome)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.log.WithField("clients", clientCount).Info("client connected")

	s.readLoop(conn)
}

// readLoop keeps the connection open until the client goes away
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.log.WithField("clients", clientCount).Info("client disconnected")
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
		"stats":   s.Stats(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>s3mirror</title>
</head>
<body>
    <h1>s3mirror</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount is the number of open websocket connections.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

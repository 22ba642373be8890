// Package dashboard implements BroadcastSink (WebSocket push) and
// StatusProvider (HTTP status reads), the coordinator's only
// operator-facing surface. Structured directly on the teacher's
// internal/api.Server: gorilla/mux router, gorilla/websocket hub with a
// buffered per-client send channel and read/write pump goroutines, rs/cors
// middleware.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

// BroadcastKind enumerates the four documented push message types.
type BroadcastKind string

const (
	BroadcastStatusUpdate BroadcastKind = "status_update"
	BroadcastDecision     BroadcastKind = "decision"
	BroadcastTradeOpened  BroadcastKind = "trade_opened"
	BroadcastTradeClosed  BroadcastKind = "trade_closed"
)

// Message is one WebSocket push frame.
type Message struct {
	Type      BroadcastKind `json:"type"`
	Payload   interface{}   `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
}

// client is one connected WebSocket subscriber.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// StatusFunc supplies the coordinator's current status on demand.
type StatusFunc func() types.Status

// Server is the dashboard's HTTP+WS surface: BroadcastSink and StatusProvider.
type Server struct {
	logger *zap.Logger
	router *mux.Router
	http   *http.Server

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	statusFn StatusFunc
	started  time.Time
}

func New(logger *zap.Logger, host string, port int, statusFn StatusFunc) *Server {
	s := &Server{
		logger:   logger.Named("dashboard"),
		router:   mux.NewRouter(),
		clients:  make(map[string]*client),
		statusFn: statusFn,
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: handler,
	}
	return s
}

// Router exposes the underlying mux.Router for use with httptest.NewServer.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start runs the HTTP server, blocking until it stops or errors.
func (s *Server) Start() error {
	s.logger.Info("dashboard listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes every WebSocket connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	return s.http.Shutdown(ctx)
}

type statusResponse struct {
	types.Status
	Goroutines int     `json:"goroutines"`
	AllocMb    float64 `json:"alloc_mb"`
}

// handleStatus serves the StatusProvider surface; CPU/memory stats use
// runtime.NumGoroutine/ReadMemStats as the stdlib substitute for psutil.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.statusFn()
	status.UptimeSeconds = time.Since(s.started).Seconds()
	status.OpenSubscribers = s.subscriberCount()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		Status:     status,
		Goroutines: runtime.NumGoroutine(),
		AllocMb:    float64(mem.Alloc) / (1024 * 1024),
	})
}

func (s *Server) subscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, 256)}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.logger.Info("dashboard client connected", zap.String("id", c.id))

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast implements BroadcastSink: pushes a message to every connected
// client, dropping it for clients whose buffer is full rather than blocking.
func (s *Server) Broadcast(kind BroadcastKind, payload interface{}) {
	msg := Message{Type: kind, Payload: payload, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("broadcast marshal failed", zap.Error(err))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Warn("dashboard client send buffer full, dropping message", zap.String("id", c.id))
		}
	}
}

// Package gateway is the client-facing WebSocket endpoint. It upgrades
// connections, owns the session registry, and dispatches the text-frame
// protocol against the backend pool and the sandbox supervisor.
package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/runbox/backend/internal/metrics"
	"github.com/runbox/backend/internal/sandbox"
	"github.com/runbox/backend/internal/storeclient"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // ping interval, must be < pongWait
	writeWait  = 10 * time.Second // time allowed to write one message
	maxMsgSize = 1 << 20          // frames carry whole file bodies
	sendBuffer = 256              // per-session outbound channel buffer
)

// Config is the gateway's own slice of the process configuration.
type Config struct {
	// DataDir is the root under which per-user directories live.
	DataDir string

	// AllowedOrigins restricts WebSocket upgrades when non-empty.
	AllowedOrigins []string
}

// Server owns every live session. Ownership is one-way: sessions never
// reach back into the registry, the server unregisters them on close.
type Server struct {
	cfg     Config
	pool    *storeclient.Pool
	sup     *sandbox.Supervisor
	metrics *metrics.Metrics
	log     *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New wires the gateway against its collaborators.
func New(cfg Config, pool *storeclient.Pool, sup *sandbox.Supervisor, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		pool:    pool,
		sup:     sup,
		metrics: m,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(cfg.AllowedOrigins, log),
		},
		sessions: make(map[string]*Session),
	}
}

// buildCheckOrigin allows every origin when no allowlist is configured,
// which is the development default.
func buildCheckOrigin(allowed []string, log *slog.Logger) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimSpace(origin)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if set[origin] {
			return true
		}
		log.Warn("websocket origin rejected", "origin", origin)
		return false
	}
}

// HandleWS upgrades the request and runs the session until either side
// closes. One reader and one writer goroutine own the connection.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := newSession(s, conn)
	s.register(sess)
	go sess.writePump()
	go sess.readPump()
}

func (s *Server) register(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.metrics.SessionsActive.Inc()
	sess.log.Info("session opened", "remote", sess.conn.RemoteAddr().String())
}

func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	_, live := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	if live {
		s.metrics.SessionsActive.Dec()
		sess.log.Info("session closed")
	}
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown closes every live session. New upgrades racing Shutdown close
// themselves when their pumps fail.
func (s *Server) Shutdown() {
	s.mu.RLock()
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.RUnlock()

	for _, sess := range open {
		sess.close()
	}
}

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server is the §6 read-only HTTP export API gated by JWT bearer auth, plus
// a websocket push of periodic Stats() and of whatever events callers hand
// to Broadcast (the CLI sends completed calls). It never mutates the
// engine it reads from, matching the teacher's pkg/web.Server shape
// (a ServeMux of "/api/..." handlers behind requireAuth, a "/ws" upgrade
// endpoint, and a periodic broadcastLoop) narrowed from the teacher's
// read/write NOC dashboard to a pure read surface over one Engine.
type Server struct {
	addr   string
	engine *Engine
	auth   *AuthService
	logger zerolog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	wsMu      sync.RWMutex
	wsClients map[*websocket.Conn]bool
}

// NewServer builds a Server bound to addr, serving accessors over engine.
func NewServer(addr string, engine *Engine, auth *AuthService, logger zerolog.Logger) *Server {
	return &Server{
		addr:      addr,
		engine:    engine,
		auth:      auth,
		logger:    logger,
		wsClients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start builds the mux, begins listening, and starts the periodic
// Stats() broadcast loop. It returns once the listener is up; Stop
// performs graceful shutdown.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/sessions/sip", s.requireAuth(s.handleSIPSessions))
	mux.HandleFunc("/api/sessions/gtpv2", s.requireAuth(s.handleGTPSessions))
	mux.HandleFunc("/api/sessions/diameter", s.requireAuth(s.handleDiameterSessions))
	mux.HandleFunc("/api/calls", s.requireAuth(s.handleCalls))
	mux.HandleFunc("/api/calls/", s.requireAuth(s.handleCallDetail))
	mux.HandleFunc("/api/subscribers/", s.requireAuth(s.handleSubscriberDetail))
	mux.HandleFunc("/api/snapshot", s.requireAuth(s.handleSnapshot))
	mux.HandleFunc("/api/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go s.broadcastLoop()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("export: listen: %w", err)
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("export server stopped")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	token, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		s.sendError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"token": token})
}

// requireAuth enforces a "Bearer <token>" Authorization header, mirroring
// the teacher's requireAuth middleware.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			s.sendError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.auth.ValidateToken(strings.TrimPrefix(header, prefix)); err != nil {
			s.sendError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleSIPSessions(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.engine.SIP.Sessions())
}

func (s *Server) handleGTPSessions(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.engine.GTPv2.Sessions())
}

func (s *Server) handleDiameterSessions(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.engine.Diameter.Sessions())
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.engine.Volte.Calls())
}

func (s *Server) handleCallDetail(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimPrefix(r.URL.Path, "/api/calls/")
	if callID == "" {
		s.sendError(w, http.StatusBadRequest, "missing call id")
		return
	}
	call, ok := s.engine.VolteCall(callID)
	if !ok {
		s.sendError(w, http.StatusNotFound, "call not found")
		return
	}
	s.sendJSON(w, http.StatusOK, call)
}

func (s *Server) handleSubscriberDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/subscribers/")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "missing subscriber identifier")
		return
	}
	ctx, ok := s.engine.SubscriberByIdentifier(id)
	if !ok {
		s.sendError(w, http.StatusNotFound, "subscriber not found")
		return
	}
	s.sendJSON(w, http.StatusOK, ctx)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.wsMu.Lock()
	s.wsClients[conn] = true
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsClients, conn)
		s.wsMu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Broadcast pushes a typed event to every connected websocket client.
func (s *Server) Broadcast(eventType string, payload interface{}) {
	message := map[string]interface{}{
		"type":      eventType,
		"payload":   payload,
		"timestamp": time.Now().Unix(),
	}
	data, err := json.Marshal(message)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal websocket message")
		return
	}

	s.wsMu.RLock()
	defer s.wsMu.RUnlock()
	for client := range s.wsClients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Warn().Err(err).Msg("failed to push websocket message")
		}
	}
}

// broadcastLoop periodically pushes the engine's Stats() counts, matching
// the teacher's 5-second ticker in pkg/web.Server.broadcastLoop.
func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s.Broadcast("stats", s.engine.Stats())
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}

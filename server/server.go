package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/converse-relay/config"
	"github.com/room4-2/converse-relay/session"
)

// Server answers the Twilio voice webhook and hosts the relay socket
type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
	logger         *slog.Logger
}

// New builds the HTTP server and its routes
func New(cfg *config.Config, sessionManager *session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		logger:         logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			// Twilio doesn't support WebSocket compression
			EnableCompression: false,
			CheckOrigin: func(r *http.Request) bool {
				// Twilio connections don't send browser Origin headers
				return true
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.Handler(),
		// No ReadTimeout/WriteTimeout: they would cut long-lived relay sockets.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/incoming-call", s.handleIncomingCall)
	mux.HandleFunc(RelayPath, s.handleRelay)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins listening for connections
func (s *Server) Start() error {
	s.logger.Info("relay server starting",
		"addr", s.httpServer.Addr,
		"webhook", fmt.Sprintf("https://%s/incoming-call", s.config.Hostname),
		"relay", fmt.Sprintf("wss://%s%s", s.config.Hostname, RelayPath),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down relay server")
	return s.httpServer.Shutdown(ctx)
}

// GetAddr returns the server's listen address
func (s *Server) GetAddr() string {
	return s.httpServer.Addr
}

func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	callSid := ""
	if err := r.ParseForm(); err == nil {
		callSid = r.PostForm.Get("CallSid")
	}
	s.logger.Info("incoming call", "call_sid", callSid, "from", r.PostForm.Get("From"))

	body, err := BuildTwiML(s.config)
	if err != nil {
		s.logger.Error("failed to build twiml", "error", err)
		http.Error(w, "cannot handle call right now", http.StatusInternalServerError)
		return
	}
	s.logger.Debug("twiml", "xml", body)

	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("relay upgrade failed", "error", err)
		return
	}

	callSession, err := s.sessionManager.CreateSession(r.Context(), conn)
	if err != nil {
		s.logger.Warn("failed to create session", "error", err)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second),
		)
		conn.Close()
		return
	}

	s.logger.Info("relay session opened", "session", callSession.ID)

	// Serve blocks until the socket closes or the session is closed by the manager
	if err := callSession.Serve(context.Background()); err != nil {
		s.logger.Warn("relay session ended with error", "session", callSession.ID, "error", err)
	}

	_ = s.sessionManager.RemoveSession(context.Background(), callSession.ID)
	s.logger.Info("relay session closed", "session", callSession.ID, "call_sid", callSession.CallSid())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","provider":%q,"sessions":%d}`, s.config.LLMProvider, s.sessionManager.GetActiveSessionCount())
}

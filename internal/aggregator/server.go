package aggregator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"gpufleet/internal/api"
	"gpufleet/internal/audit"
	"gpufleet/internal/config"
	"gpufleet/internal/logutil"
	"gpufleet/internal/relay"
	"gpufleet/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Server serves the query surface and the agent socket.
type Server struct {
	cfg      config.AggregatorConfig
	reg      *store.Registry
	relay    *relay.Relay
	upgrader websocket.Upgrader
	now      func() time.Time

	// conns holds every open agent connection, registered or not, so
	// shutdown can close hijacked sockets http.Server does not track.
	connsMu sync.Mutex
	conns   map[*agentConn]struct{}
}

// NewServer constructs an aggregator from an already defaulted config section.
func NewServer(cfg config.AggregatorConfig) *Server {
	reg := store.NewRegistry(time.Duration(cfg.LivenessWindowSec) * time.Second)
	tracker := relay.NewTracker(cfg.CommandTableSize, time.Duration(cfg.CommandTTLSec)*time.Second)
	var auditLog *audit.Log
	if cfg.AuditPath != "" {
		auditLog = audit.NewLog(cfg.AuditPath)
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = config.DefaultSendQueueSize
	}
	return &Server{
		cfg:   cfg,
		reg:   reg,
		relay: relay.New(reg, tracker, auditLog),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 16 << 10,
		},
		now:   time.Now,
		conns: make(map[*agentConn]struct{}),
	}
}

// Registry exposes the fleet registry backing the server.
func (s *Server) Registry() *store.Registry {
	return s.reg
}

// Handler returns the routed, CORS-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(api.AgentSocketPath, s.handleAgentSocket).Methods(http.MethodGet)

	sub := r.PathPrefix("/api").Subrouter()
	sub.HandleFunc("/gpu-stats", s.handleHosts).Methods(http.MethodGet)
	sub.HandleFunc("/hosts/{hostname}", s.handleHost).Methods(http.MethodGet)
	sub.HandleFunc("/report-gpu-stats", s.handleReport).Methods(http.MethodPost)
	sub.HandleFunc("/kill-processes", s.handleKill).Methods(http.MethodPost)
	sub.HandleFunc("/commands/{id}", s.handleCommand).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found", api.CodeNotFound)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	})

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts it
// down and closes every agent connection.
func (s *Server) ListenAndServe(ctx context.Context) error {
	logger := logutil.GetLogger()
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	server.RegisterOnShutdown(s.closeAgents)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info("aggregator listening",
		zap.String("listen", s.cfg.Listen),
		zap.Duration("liveness_window", s.reg.Window()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("aggregator stopped")
	return nil
}

func (s *Server) track(c *agentConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *agentConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
}

func (s *Server) closeAgents() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		c.close()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logutil.GetLogger().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("took", time.Since(start)))
	})
}

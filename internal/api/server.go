// Package api serves the local control API: JSON endpoints over the port
// forward service, a WebSocket event stream and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orris-inc/sshfwd/internal/forwarder"
	"github.com/orris-inc/sshfwd/internal/logger"
	"github.com/orris-inc/sshfwd/internal/service"
	"github.com/orris-inc/sshfwd/internal/sshclient"
	"github.com/orris-inc/sshfwd/internal/status"
)

// Connections resolves connection ids to SSH client handles.
type Connections interface {
	Client(ctx context.Context, id string) (forwarder.SSHClient, error)
	Disconnect(id string) error
	Endpoints() []sshclient.ConnectionInfo
}

// Config configures the API server.
type Config struct {
	// Addr is the listen address; port 0 picks a free port.
	Addr string
	// Token, when set, is required as a Bearer token on every request.
	Token           string
	ShutdownTimeout time.Duration
}

// Server is the control API server.
type Server struct {
	cfg       Config
	svc       *service.Service
	conns     Connections
	collector *status.Collector
	metrics   http.Handler

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	wsMu    sync.Mutex
	wsConns map[*websocket.Conn]struct{}

	wg sync.WaitGroup
}

// NewServer creates a server. metrics may be nil to disable /metrics.
func NewServer(cfg Config, svc *service.Service, conns Connections, collector *status.Collector, metrics http.Handler) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		cfg:       cfg,
		svc:       svc,
		conns:     conns,
		collector: collector,
		metrics:   metrics,
		wsConns:   make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/forwards", s.listForwards)
	mux.HandleFunc("POST /api/forwards", s.addForward)
	mux.HandleFunc("GET /api/forwards/{id}", s.getForward)
	mux.HandleFunc("PATCH /api/forwards/{id}", s.updateForward)
	mux.HandleFunc("DELETE /api/forwards/{id}", s.deleteForward)
	mux.HandleFunc("POST /api/forwards/{id}/start", s.startForward)
	mux.HandleFunc("POST /api/forwards/{id}/stop", s.stopForward)

	mux.HandleFunc("GET /api/connections", s.listConnections)
	mux.HandleFunc("POST /api/connections/{connectionId}/connect", s.connect)
	mux.HandleFunc("POST /api/connections/{connectionId}/disconnect", s.disconnect)
	mux.HandleFunc("POST /api/connections/{connectionId}/autostart", s.autoStart)

	mux.HandleFunc("GET /api/traffic", s.allTraffic)
	mux.HandleFunc("GET /api/traffic/{id}", s.traffic)
	mux.HandleFunc("POST /api/traffic/{id}/reset", s.resetTraffic)

	mux.HandleFunc("GET /api/templates", s.listTemplates)
	mux.HandleFunc("POST /api/templates", s.createTemplate)
	mux.HandleFunc("GET /api/templates/{id}", s.getTemplate)
	mux.HandleFunc("PATCH /api/templates/{id}", s.updateTemplate)
	mux.HandleFunc("DELETE /api/templates/{id}", s.deleteTemplate)
	mux.HandleFunc("POST /api/templates/{id}/instantiate", s.instantiateTemplate)

	mux.HandleFunc("GET /api/status", s.status)
	mux.HandleFunc("GET /api/events", s.events)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.authenticate(mux)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.cfg.Token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.validateToken(r) {
			writeJSON(w, http.StatusUnauthorized, response{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) validateToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	return strings.TrimPrefix(auth, "Bearer ") == s.cfg.Token
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger.Info("api server started", "addr", listener.Addr().String())
		if err := s.server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop closes event streams and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.wsMu.Lock()
	for conn := range s.wsConns {
		conn.Close()
	}
	s.wsConns = make(map[*websocket.Conn]struct{})
	s.wsMu.Unlock()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		err = s.server.Shutdown(ctx)
	}

	s.wg.Wait()
	logger.Info("api server stopped")
	return err
}

// Package server exposes the admin HTTP surface and the websocket sync
// endpoint clients connect to for their change feed.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/vibestack/walfeed/internal/controller"
	"github.com/vibestack/walfeed/internal/metrics"
	"github.com/vibestack/walfeed/internal/registry"
	"github.com/vibestack/walfeed/internal/slot"
	"github.com/vibestack/walfeed/pkg/lsn"
)

// Replication is the controller surface the admin routes dispatch to.
type Replication interface {
	Init(ctx context.Context) (controller.InitResult, error)
	StatusReport(ctx context.Context) (controller.Report, error)
	Health(ctx context.Context) controller.HealthResult
	Cleanup(ctx context.Context) controller.CleanupResult
	Verify(ctx context.Context) controller.VerifyResult
	Clients(ctx context.Context) ([]registry.ClientState, error)
	PurgeClients(ctx context.Context) (int, error)
	PeekHistory(ctx context.Context, from lsn.LSN, limit int) (slot.PeekResult, error)
}

// Server serves the REST API and the websocket endpoints.
type Server struct {
	replication Replication
	collector   *metrics.Collector
	logger      zerolog.Logger
	hub         *Hub
	srv         *http.Server
}

// New creates a Server around an existing Hub. The Hub is built first so
// the change dispatcher can be wired to it before the server starts.
func New(replication Replication, hub *Hub, collector *metrics.Collector, logger zerolog.Logger) *Server {
	return &Server{
		replication: replication,
		collector:   collector,
		logger:      logger.With().Str("component", "http-server").Logger(),
		hub:         hub,
	}
}

// Hub returns the websocket hub for dispatcher wiring.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() *http.ServeMux {
	h := &handlers{replication: s.replication, logger: s.logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/replication/init", h.init)
	mux.HandleFunc("GET /api/replication/status", h.status)
	mux.HandleFunc("GET /api/replication/health", h.health)
	mux.HandleFunc("POST /api/replication/cleanup", h.cleanup)
	mux.HandleFunc("GET /api/replication/verify", h.verify)
	mux.HandleFunc("GET /api/replication/peek", h.peek)
	mux.HandleFunc("GET /api/replication/clients", h.clients)
	mux.HandleFunc("POST /api/replication/clients/cleanup", h.clientsCleanup)
	mux.HandleFunc("GET /api/sync/ws", s.hub.handleSync)
	mux.HandleFunc("GET /api/metrics/ws", s.hub.handleMetrics)
	return mux
}

// listenAddr builds the bind address. An empty listen host binds all
// interfaces.
func listenAddr(listen string, port int) string {
	return net.JoinHostPort(listen, strconv.Itoa(port))
}

// Start begins serving on listen:port. It blocks until the context is
// cancelled.
func (s *Server) Start(ctx context.Context, listen string, port int) error {
	addr := listenAddr(listen, port)
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	go s.hub.startMetrics(ctx)

	s.logger.Info().Str("addr", addr).Msg("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}

// StartBackground starts the server in a goroutine (non-blocking).
func (s *Server) StartBackground(ctx context.Context, listen string, port int) {
	go func() {
		if err := s.Start(ctx, listen, port); err != nil {
			s.logger.Err(err).Msg("http server error")
		}
	}()
}

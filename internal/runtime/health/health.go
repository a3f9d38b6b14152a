// Package health serves the HTTP endpoints other systems use to judge this
// worker: a liveness probe, a readiness probe tied to the broker connection,
// and optionally the Prometheus scrape endpoint.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/mkerber/busbridge/broker"
	"github.com/mkerber/busbridge/internal/runtime/logging"
)

// StateFunc reports the current broker connection state.
type StateFunc func() broker.State

// Options configures the health server.
type Options struct {
	// Addr is the listen address, e.g. "10.0.0.5:8080". A port of 0 picks
	// a free port; see Server.Addr.
	Addr string

	BrokerState StateFunc
	Logger      logging.ServiceLogger

	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler

	// StopGrace bounds graceful shutdown.
	StopGrace time.Duration
}

const defaultStopGrace = 5 * time.Second

// Server is the embedded health endpoint. Readiness reflects the broker
// state and nothing else: a worker that lost its bus is not ready even
// though the process is alive.
type Server struct {
	opts     Options
	server   *http.Server
	listener net.Listener
}

type liveResponse struct {
	Status string `json:"status"`
}

type readyResponse struct {
	Broker string `json:"broker"`
}

func (liveResponse) Render(http.ResponseWriter, *http.Request) error  { return nil }
func (readyResponse) Render(http.ResponseWriter, *http.Request) error { return nil }

// New builds the server. Call Start to begin listening.
func New(opts Options) *Server {
	if opts.BrokerState == nil {
		opts.BrokerState = func() broker.State { return broker.StateDisconnected }
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}

	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	s.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds the listen address and serves in a background goroutine. It
// returns once the socket is bound, so callers may register the instance
// with a discovery backend immediately after.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", s.opts.Addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.opts.Logger.Error("health server terminated", err, nil)
		}
	}()

	s.opts.Logger.Info("health server listening", logging.LogFields{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound address. Only valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully within the stop grace period.
func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.opts.StopGrace)
	defer cancel()
	return s.server.Shutdown(sctx)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	_ = render.Render(w, r, liveResponse{Status: "up"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.opts.BrokerState()
	status := http.StatusOK
	if state != broker.StateConnected {
		status = http.StatusServiceUnavailable
	}
	render.Status(r, status)
	_ = render.Render(w, r, readyResponse{Broker: state.String()})
}

// SPDX-License-Identifier: MIT

// Package control serves the worker's operational HTTP surface: liveness,
// readiness, the status snapshot, the redacted active configuration and the
// hot-reload trigger. Prometheus metrics are deliberately not here; they
// live on their own listener.
package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/config"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/journal"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/worker"
)

// defaultRateLimit caps /api requests per client IP and second. The control
// surface serves one operator, not a fleet.
const defaultRateLimit = 10

// Options wires the server to the running worker. Status and Config are
// required; Reload and Recent are optional and their endpoints degrade
// gracefully without them.
type Options struct {
	Addr     string
	StreamID string
	Version  string

	// RateLimit is the per-IP request budget per second on /api routes.
	// Zero means defaultRateLimit.
	RateLimit int

	// Status returns the live worker snapshot.
	Status func() worker.Status

	// Config returns the active configuration for the redacted view.
	Config func() config.Config

	// Reload applies the current config file's tunables and returns what is
	// now in effect. Nil disables POST /api/reload.
	Reload func() (config.Tunables, error)

	// Recent returns the last n fragment journal records for the status
	// payload. Nil omits them.
	Recent func(n int) []journal.Record
}

// Server is the control listener. One per worker process.
type Server struct {
	opts   Options
	logger zerolog.Logger
	http   *http.Server
}

// New builds the server; Start binds the listener.
func New(opts Options) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	s := &Server{
		opts:   opts,
		logger: log.WithStream("control", opts.StreamID),
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(requestID)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api", func(api chi.Router) {
		api.Use(httprate.Limit(
			s.opts.RateLimit,
			time.Second,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(rateLimited),
		))
		api.Get("/status", s.handleStatus)
		api.Get("/config", s.handleConfig)
		api.Post("/reload", s.handleReload)
	})

	// Health probes poll every few seconds; tracing them is pure noise.
	return otelhttp.NewHandler(r, "control",
		otelhttp.WithFilter(func(req *http.Request) bool {
			switch req.URL.Path {
			case "/healthz", "/readyz":
				return false
			}
			return true
		}),
	)
}

// Start serves until Shutdown. A closed server returns nil.
func (s *Server) Start() error {
	s.logger.Info().
		Str(log.FieldEvent, "control.listening").
		Str("addr", s.opts.Addr).
		Msg("control api listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

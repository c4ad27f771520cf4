// Package api is the tether-sync HTTP server: bearer-key authentication,
// push and pull endpoints backed by serverdb, health and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/marcus/tether/internal/clock"
	"github.com/marcus/tether/internal/serverdb"
)

// rateLimitSweep is how often idle rate limit buckets are dropped.
const rateLimitSweep = 5 * time.Minute

// Server serves the sync protocol for every principal in one store.
type Server struct {
	config  Config
	store   *serverdb.ServerDB
	metrics *Metrics
	limiter *RateLimiter
	clock   clock.Clock
	handler http.Handler
}

// NewServer wires the routes for store. Zero limits in cfg take defaults.
func NewServer(cfg Config, store *serverdb.ServerDB) (*Server, error) {
	if store == nil {
		return nil, errors.New("api: nil store")
	}
	def := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	s := &Server{
		config:  cfg,
		store:   store,
		metrics: NewMetrics(),
		limiter: NewRateLimiter(cfg.RateLimitBurst),
		clock:   clock.Real{},
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on cfg.ListenAddr until ctx is cancelled, then
// drains in-flight requests for at most cfg.ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.limiter.runCleanup(sweepCtx, rateLimitSweep)

	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(ln) }()
	logFor(ctx).Info("listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logFor(ctx).Info("shutting down", "timeout", s.config.ShutdownTimeout.String())
	drainCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)
	mux.HandleFunc("POST /v1/sync/push", s.requireAuth(s.withRateLimit("push", s.config.RateLimitPush, s.handleSyncPush)))
	mux.HandleFunc("POST /v1/sync/pull", s.requireAuth(s.withRateLimit("pull", s.config.RateLimitPull, s.handleSyncPull)))

	return chain(mux, requestContext(s.metrics), recoveryMiddleware, limitBody(s.config.MaxBodyBytes))
}

// handleHealth reports ok only while the store answers a ping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		logFor(r.Context()).Warn("health: store unreachable", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// Package server exposes the gateway over HTTP: multipart job submission,
// synchronous transcription, job status, history and analytics reports, the
// health and metrics endpoints, and the WebSocket streaming endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/history"
	"github.com/MrWong99/voxgate/internal/jobs"
	"github.com/MrWong99/voxgate/internal/metrics"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/stream"
	"github.com/MrWong99/voxgate/internal/transcribe"
	"github.com/MrWong99/voxgate/internal/validate"
	"github.com/MrWong99/voxgate/pkg/audio"
)

const (
	defaultMaxUploadBytes  = 32 << 20
	defaultShutdownTimeout = 15 * time.Second

	// multipartMemory is how much of a multipart body is kept in memory
	// before spilling to temporary files.
	multipartMemory = 8 << 20
)

// Jobs is the asynchronous job API. [*jobs.Manager] implements it.
type Jobs interface {
	Submit(ctx context.Context, s jobs.Submission) (string, error)
	Get(id string) (history.Job, error)
	List(f history.Filter) []history.Job
}

// Transcriber resolves payloads synchronously and lists providers in
// priority order. [*transcribe.Router] implements it.
type Transcriber interface {
	Resolve(ctx context.Context, p audio.Payload, preferred string) (transcribe.Result, error)
	Names() []string
	Has(name string) bool
}

// Streams opens live sessions. [*stream.Manager] implements it.
type Streams interface {
	Open(ctx context.Context, sink stream.Sink) (*stream.Session, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /health, /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithPrometheus mounts h at /metrics/prometheus.
func WithPrometheus(h http.Handler) Option {
	return func(s *Server) { s.prom = h }
}

// WithTelemetry wraps every route in [observe.Middleware].
func WithTelemetry(m *observe.Metrics) Option {
	return func(s *Server) { s.otel = m }
}

// WithStreams enables the WebSocket streaming endpoint.
func WithStreams(st Streams) Option {
	return func(s *Server) { s.streams = st }
}

// WithOriginPatterns lists the cross-origin hosts allowed to open a
// WebSocket, e.g. "app.example.com" or "*.example.com".
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server serves the HTTP API. Create with [New].
type Server struct {
	cfg       config.ServerConfig
	jobs      Jobs
	router    Transcriber
	validator *validate.Validator
	agg       *metrics.Aggregator

	streams Streams
	health  *health.Handler
	prom    http.Handler
	otel    *observe.Metrics
	origins []string

	handler http.Handler
}

// New builds a Server. The routes are fixed at construction time.
func New(cfg config.ServerConfig, j Jobs, r Transcriber, v *validate.Validator, agg *metrics.Aggregator, opts ...Option) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	s := &Server{cfg: cfg, jobs: j, router: r, validator: v, agg: agg}
	for _, o := range opts {
		o(s)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /transcribe_async", s.handleSubmit)
	mux.HandleFunc("POST /transcribe", s.handleTranscribe)
	mux.HandleFunc("GET /job_status/{id}", s.handleJobStatus)
	mux.HandleFunc("GET /providers", s.handleProviders)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /analytics/providers", s.handleProviderCounts)
	mux.HandleFunc("GET /analytics/errors", s.handleErrorCounts)
	mux.HandleFunc("GET /analytics/users", s.handleUserCounts)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	if s.prom != nil {
		mux.Handle("GET /metrics/prometheus", s.prom)
	}
	if s.streams != nil {
		mux.HandleFunc("GET /ws/transcribe_stream", s.handleStream)
	}
	if s.health != nil {
		s.health.Register(mux)
	}

	var h http.Handler = mux
	if s.otel != nil {
		h = observe.Middleware(s.otel)(h)
	}
	return h
}

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.Run] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", s.cfg.TLS != nil)
		if s.cfg.TLS != nil {
			errCh <- srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	slog.Info("http server stopped")
	return nil
}

// Package app wires all voxgate subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP, runs the job workers and watches the config
// file, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithQueue, WithStore,
// WithSummarizer, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/history"
	"github.com/MrWong99/voxgate/internal/jobs"
	"github.com/MrWong99/voxgate/internal/metrics"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/internal/server"
	"github.com/MrWong99/voxgate/internal/stream"
	"github.com/MrWong99/voxgate/internal/summary"
	"github.com/MrWong99/voxgate/internal/transcribe"
	"github.com/MrWong99/voxgate/internal/validate"
)

// restoreLimit bounds how many persisted jobs are loaded into the ledger at
// startup.
const restoreLimit = 1000

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	reg *config.Registry

	level   *slog.LevelVar
	otel    *observe.Metrics
	prom    http.Handler
	watcher *config.Watcher

	// Subsystems, initialised in New and torn down in Shutdown.
	agg       *metrics.Aggregator
	router    *transcribe.Router
	validator *validate.Validator
	ledger    *history.Ledger
	store     history.Store
	queue     jobs.Queue
	summarize jobs.Summarizer
	jobs      *jobs.Manager
	streams   *stream.Manager
	health    *health.Handler
	server    *server.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithQueue injects a job queue instead of creating one from config.
func WithQueue(q jobs.Queue) Option {
	return func(a *App) { a.queue = q }
}

// WithStore injects a history store instead of connecting to PostgreSQL.
func WithStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSummarizer injects a transcript summarizer.
func WithSummarizer(s jobs.Summarizer) Option {
	return func(a *App) { a.summarize = s }
}

// WithLevelVar lets config reloads change the level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithTelemetry mirrors counters to m and instruments HTTP requests.
func WithTelemetry(m *observe.Metrics) Option {
	return func(a *App) { a.otel = m }
}

// WithPrometheus mounts h at /metrics/prometheus.
func WithPrometheus(h http.Handler) Option {
	return func(a *App) { a.prom = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Providers are built
// from cfg through reg.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}

	var aggOpts []metrics.Option
	if a.otel != nil {
		aggOpts = append(aggOpts, metrics.WithOTel(a.otel))
	}
	a.agg = metrics.New(aggOpts...)
	a.validator = validate.New(cfg.Validation)
	a.ledger = history.NewLedger(cfg.History.MaxJobs, cfg.History.MaxAge)

	// ── 1. Providers ────────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 2. History store ────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init history store: %w", err)
	}

	// ── 3. Job queue ────────────────────────────────────────────────────
	if err := a.initQueue(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init job queue: %w", err)
	}

	// ── 4. Summaries ────────────────────────────────────────────────────
	a.initSummary()

	// ── 5. Job manager ──────────────────────────────────────────────────
	a.initJobs(ctx)

	// ── 6. Streaming ────────────────────────────────────────────────────
	if err := a.initStreaming(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init streaming: %w", err)
	}

	// ── 7. Health + HTTP ────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initProviders registers one router entry per configured provider, in
// priority order. Providers without credentials are registered anyway:
// calls to them fail fast as misconfigured and /health reports them.
func (a *App) initProviders() error {
	var routerOpts []transcribe.Option
	routerOpts = append(routerOpts,
		transcribe.WithPolicy(transcribe.PolicyFromConfig(a.cfg.Retry)),
		transcribe.WithAggregator(a.agg),
	)
	if cb := a.cfg.CircuitBreaker; cb.Enabled {
		routerOpts = append(routerOpts, transcribe.WithBreakers(resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state changed", "provider", name, "from", from, "to", to)
			},
		}))
	}
	a.router = transcribe.NewRouter(routerOpts...)

	for _, entry := range a.cfg.Providers {
		tr, err := a.reg.CreateTranscriber(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("provider type not implemented, skipping", "provider", entry.Name, "type", entry.AdapterType())
			continue
		}
		if err != nil {
			return fmt.Errorf("create provider %q: %w", entry.Name, err)
		}
		a.router.Register(transcribe.Provider{Name: entry.Name, Transcriber: tr, Timeout: entry.Timeout})
		if !entry.Configured() {
			slog.Warn("provider has no credential", "provider", entry.Name, "env", entry.KeyEnv())
		}
		slog.Info("provider registered", "provider", entry.Name, "type", entry.AdapterType(), "timeout", entry.Timeout)
	}
	if len(a.router.Names()) == 0 {
		return errors.New("no usable provider")
	}
	return nil
}

// initStore connects the PostgreSQL mirror when a DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil && a.cfg.History.PostgresDSN != "" {
		pg, err := history.NewPostgresStore(ctx, a.cfg.History.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = pg
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		slog.Info("history mirrored to postgres")
	}
	return nil
}

// initQueue creates the in-memory or Redis job queue.
func (a *App) initQueue(ctx context.Context) error {
	if a.queue != nil {
		return nil
	}
	switch a.cfg.Jobs.Queue {
	case config.QueueRedis:
		q, err := jobs.NewRedisQueue(ctx, a.cfg.Jobs.RedisURL, a.cfg.Jobs.RedisKey)
		if err != nil {
			return err
		}
		a.queue = q
		slog.Info("job queue", "backend", "redis", "key", a.cfg.Jobs.RedisKey)
	default:
		a.queue = jobs.NewMemoryQueue(a.cfg.Jobs.QueueSize)
		slog.Info("job queue", "backend", "memory", "size", a.cfg.Jobs.QueueSize)
	}
	return nil
}

// initSummary creates the LLM summarizer when enabled. A missing key only
// disables summaries.
func (a *App) initSummary() {
	if a.summarize != nil || !a.cfg.Summary.Enabled {
		return
	}
	s, err := summary.New(a.cfg.Summary)
	if err != nil {
		slog.Warn("transcript summaries disabled", "err", err)
		return
	}
	a.summarize = s
}

// initJobs creates the job manager and reloads finished jobs from the
// history store.
func (a *App) initJobs(ctx context.Context) {
	opts := []jobs.Option{
		jobs.WithWorkers(a.cfg.Jobs.Workers),
		jobs.WithAggregator(a.agg),
		jobs.WithNotifier(jobs.NewNotifier(a.cfg.Jobs.WebhookTimeout)),
	}
	if a.store != nil {
		opts = append(opts, jobs.WithStore(a.store))
	}
	if a.summarize != nil {
		opts = append(opts, jobs.WithSummarizer(a.summarize))
	}
	if a.otel != nil {
		opts = append(opts, jobs.WithMetrics(a.otel))
	}
	a.jobs = jobs.New(a.validator, a.router, a.ledger, a.queue, opts...)

	if a.store != nil {
		n, err := a.jobs.Restore(ctx, restoreLimit)
		if err != nil {
			slog.Warn("could not restore job history", "err", err)
		} else if n > 0 {
			slog.Info("restored job history", "jobs", n)
		}
	}
}

// initStreaming builds the stream manager. Providers listed under
// streaming.live are opened as live vendor sessions in priority order;
// otherwise chunks are transcribed through the router.
func (a *App) initStreaming() error {
	var opts []stream.Option
	if a.otel != nil {
		opts = append(opts, stream.WithMetrics(a.otel))
	}

	if len(a.cfg.Streaming.Live) > 0 {
		fb := resilience.NewStreamFallback(resilience.FallbackConfig{})
		for _, name := range a.cfg.Streaming.Live {
			entry, ok := a.providerEntry(name)
			if !ok {
				return fmt.Errorf("streaming.live names unknown provider %q", name)
			}
			p, err := a.reg.CreateStream(entry)
			if err != nil {
				return fmt.Errorf("create live provider %q: %w", name, err)
			}
			fb.Add(name, p)
		}
		opts = append(opts, stream.WithLive(fb), stream.WithAggregator(a.agg))
		slog.Info("streaming uses live sessions", "providers", fb.Names())
	}

	a.streams = stream.NewManager(stream.ConfigFrom(a.cfg.Streaming), a.router, opts...)
	return nil
}

func (a *App) providerEntry(name string) (config.ProviderEntry, bool) {
	for _, e := range a.cfg.Providers {
		if e.Name == name {
			return e, true
		}
	}
	return config.ProviderEntry{}, false
}

// initServer builds the health handler and the HTTP server.
func (a *App) initServer() {
	checks := []health.Checker{{
		Name: "providers",
		Check: func(context.Context) error {
			for _, p := range a.providerReport() {
				if p.Configured && p.Breaker != resilience.StateOpen.String() {
					return nil
				}
			}
			return errors.New("no configured provider is available")
		},
	}}
	if pinger, ok := a.queue.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, health.Checker{Name: "queue", Check: pinger.Ping})
	}
	if pinger, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, health.Checker{Name: "history", Check: pinger.Ping})
	}
	a.health = health.New(health.WithCheckers(checks...), health.WithProviderReport(a.providerReport))

	opts := []server.Option{
		server.WithHealth(a.health),
		server.WithStreams(a.streams),
	}
	if a.prom != nil {
		opts = append(opts, server.WithPrometheus(a.prom))
	}
	if a.otel != nil {
		opts = append(opts, server.WithTelemetry(a.otel))
	}
	a.server = server.New(a.cfg.Server, a.jobs, a.router, a.validator, a.agg, opts...)
}

// providerReport lists configured providers in priority order with their
// credential presence and breaker state.
func (a *App) providerReport() []health.ProviderStatus {
	out := make([]health.ProviderStatus, 0, len(a.cfg.Providers))
	for _, e := range a.cfg.Providers {
		if !a.router.Has(e.Name) {
			continue
		}
		out = append(out, health.ProviderStatus{
			Name:       e.Name,
			Type:       e.AdapterType(),
			Configured: e.Configured(),
			Breaker:    a.router.BreakerState(e.Name).String(),
		})
	}
	return out
}

// Handler returns the HTTP handler, for tests.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// ─── Config reload ───────────────────────────────────────────────────────────

// WatchConfig reloads path whenever it changes while [App.Run] is running.
func (a *App) WatchConfig(path string, opts ...config.WatcherOption) error {
	w, err := config.NewWatcher(path, a.Reload, opts...)
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.watcher = w
	return nil
}

// Reload applies the parts of a new config that can change at runtime:
// the log level and the retry policy. Everything else is logged as needing
// a restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RetryChanged {
		a.router.SetPolicy(transcribe.PolicyFromConfig(d.NewRetry))
		slog.Info("retry policy changed",
			"max_attempts", d.NewRetry.MaxAttempts,
			"base_delay", d.NewRetry.BaseDelay,
			"multiplier", d.NewRetry.Multiplier,
			"max_delay", d.NewRetry.MaxDelay,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config level onto slog.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, runs the job workers and, if [App.WatchConfig] was
// called, the config watcher. It blocks until ctx is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	return a.run(ctx, func(ctx context.Context) error { return a.server.Run(ctx) })
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	return a.run(ctx, func(ctx context.Context) error { return a.server.Serve(ctx, ln) })
}

func (a *App) run(ctx context.Context, serve func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(ctx) })
	// Workers are stopped by closing the queue so that queued jobs drain
	// before Run returns.
	g.Go(func() error { return a.jobs.Run(context.WithoutCancel(ctx)) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		// Live sessions hold hijacked connections that http.Server.Shutdown
		// does not wait for.
		a.streams.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.jobs.Shutdown(sctx); err != nil {
			slog.Warn("job queue still draining", "err", err)
		}
		return nil
	})

	slog.Info("voxgate running", "providers", a.router.Names(), "workers", a.cfg.Jobs.Workers)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting jobs, lets the workers drain what is queued and
// closes every subsystem. It respects the context deadline: if ctx expires
// first, the context error is returned and remaining closers still run.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.streams.Shutdown()
		if err := a.jobs.Shutdown(ctx); err != nil {
			slog.Warn("job workers did not drain in time", "err", err)
			shutdownErr = err
		}
		a.close()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// close runs the closers in reverse order of creation.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}

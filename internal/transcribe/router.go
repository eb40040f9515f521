// Package transcribe resolves one audio payload to a transcript by walking
// the configured providers in priority order, retrying each one with
// exponential backoff and bounding every attempt with the provider's
// timeout.
//
//	r := transcribe.NewRouter(transcribe.WithPolicy(p), transcribe.WithAggregator(agg))
//	r.Register(transcribe.Provider{Name: "openai", Transcriber: oai, Timeout: 30 * time.Second})
//	res, err := r.Resolve(ctx, payload, "")
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/metrics"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// Provider is one named, time-bounded transcription backend.
type Provider struct {
	Name        string
	Transcriber stt.Transcriber

	// Timeout bounds a single attempt. Zero disables the bound.
	Timeout time.Duration
}

// Result is a successful resolution.
type Result struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`

	// Attempts counts every provider call made, across all providers.
	Attempts int `json:"attempts"`
}

// DefaultPolicy is used until [WithPolicy] or [Router.SetPolicy] replaces it.
var DefaultPolicy = resilience.Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	Multiplier:  2,
	MaxDelay:    10 * time.Second,
}

// PolicyFromConfig converts the configured retry settings.
func PolicyFromConfig(c config.RetryConfig) resilience.Policy {
	return resilience.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		Multiplier:  c.Multiplier,
		MaxDelay:    c.MaxDelay,
	}
}

// Option configures a [Router].
type Option func(*Router)

// WithPolicy sets the per-provider retry policy.
func WithPolicy(p resilience.Policy) Option {
	return func(r *Router) { r.SetPolicy(p) }
}

// WithAggregator reports every attempt to agg.
func WithAggregator(agg *metrics.Aggregator) Option {
	return func(r *Router) { r.agg = agg }
}

// WithBreakers enables one circuit breaker per provider.
func WithBreakers(cfg resilience.CircuitBreakerConfig) Option {
	return func(r *Router) {
		r.fallback = resilience.FallbackConfig{Breakers: true, CircuitBreaker: cfg}
	}
}

// Router is safe for concurrent use. Providers may be registered while
// resolutions are in flight.
type Router struct {
	fallback resilience.FallbackConfig
	group    *resilience.FallbackGroup[Provider]
	policy   atomic.Pointer[resilience.Policy]
	agg      *metrics.Aggregator
}

// NewRouter creates a Router with no providers.
func NewRouter(opts ...Option) *Router {
	r := &Router{}
	r.SetPolicy(DefaultPolicy)
	for _, o := range opts {
		o(r)
	}
	r.group = resilience.NewFallbackGroup[Provider](r.fallback)
	return r
}

// Register appends p to the priority order. Registering an existing name
// replaces it in place.
func (r *Router) Register(p Provider) {
	r.group.Add(p.Name, p)
}

// Names returns provider names in priority order.
func (r *Router) Names() []string { return r.group.Names() }

// Has reports whether name is registered.
func (r *Router) Has(name string) bool {
	_, ok := r.group.Get(name)
	return ok
}

// BreakerState reports the circuit state of name.
func (r *Router) BreakerState(name string) resilience.State {
	return r.group.BreakerState(name)
}

// SetPolicy replaces the retry policy for subsequent resolutions.
func (r *Router) SetPolicy(p resilience.Policy) {
	p.Retryable = retryable
	r.policy.Store(&p)
}

// Policy returns the current retry policy.
func (r *Router) Policy() resilience.Policy { return *r.policy.Load() }

// retryable rejects errors another attempt cannot fix.
func retryable(err error) bool {
	return !errors.Is(err, stt.ErrMisconfigured)
}

// Resolve transcribes p. With a non-empty preferred name only that provider
// is contacted; otherwise every registered provider is tried in priority
// order until one succeeds. Each provider gets up to MaxAttempts attempts.
//
// Failures are reported as [*AllProvidersExhaustedError] listing each tried
// provider's last error. An unregistered preferred name yields
// [ErrUnknownProvider] without contacting anyone. Cancellation of ctx is
// returned wrapped.
func (r *Router) Resolve(ctx context.Context, p audio.Payload, preferred string) (Result, error) {
	var names []string
	if preferred != "" {
		if !r.Has(preferred) {
			return Result{}, fmt.Errorf("%w: %q", ErrUnknownProvider, preferred)
		}
		names = []string{preferred}
	}

	policy := r.Policy()
	if policy.Retryable == nil {
		policy.Retryable = retryable
	}
	fileType := p.FileType()
	attempts := make(map[string]int)
	total := 0

	text, winner, err := resilience.Run(ctx, r.group, names, func(ctx context.Context, name string, prov Provider) (string, error) {
		return resilience.Retry(ctx, policy, func(ctx context.Context, attempt int) (string, error) {
			attempts[name] = attempt
			total++
			text, err := r.attempt(ctx, prov, p, fileType, attempt)
			if err != nil && attempt < max(policy.MaxAttempts, 1) && retryable(err) && ctx.Err() == nil {
				slog.Warn("transcription attempt failed, retrying",
					"provider", name, "attempt", attempt, "max_attempts", policy.MaxAttempts, "err", err)
			}
			return text, err
		})
	})
	if err == nil {
		return Result{Text: text, Provider: winner, Attempts: total}, nil
	}

	var all *resilience.AllFailedError
	if errors.As(err, &all) {
		out := &AllProvidersExhaustedError{Failures: make([]ProviderFailure, len(all.Failures))}
		for i, f := range all.Failures {
			out.Failures[i] = failureOf(f.Name, f.Err, attempts[f.Name])
		}
		return Result{}, out
	}
	return Result{}, fmt.Errorf("transcribe: %w", err)
}

// attempt makes one bounded provider call and reports it.
func (r *Router) attempt(ctx context.Context, prov Provider, p audio.Payload, fileType string, n int) (string, error) {
	ctx, span := observe.StartAttempt(ctx, prov.Name, n)
	start := time.Now()
	text, err := stt.CallWithTimeout(ctx, prov.Name, prov.Timeout, func(ctx context.Context) (string, error) {
		return prov.Transcriber.Transcribe(ctx, p)
	})
	latency := time.Since(start)

	if err != nil && ctx.Err() == nil {
		var se *stt.Error
		if !errors.As(err, &se) {
			err = stt.Vendor(prov.Name, err)
		}
	}

	if r.agg != nil {
		at := metrics.Attempt{
			Provider: prov.Name,
			FileType: fileType,
			Outcome:  metrics.OutcomeSuccess,
			Latency:  latency,
		}
		if err != nil {
			at.Outcome = metrics.OutcomeError
			at.Class = string(Classify(err))
			if errors.Is(err, stt.ErrTimeout) {
				at.Outcome = metrics.OutcomeTimeout
			}
		}
		r.agg.Record(at)
	}
	observe.EndSpan(span, err)
	return text, err
}

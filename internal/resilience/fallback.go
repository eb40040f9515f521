package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrAllFailed is matched by every [*AllFailedError].
var ErrAllFailed = errors.New("all providers failed")

// ErrUnknownEntry is returned by [Run] when asked for a name that was never
// added to the group.
var ErrUnknownEntry = errors.New("unknown provider")

// Failure is the final error of one entry during a [Run].
type Failure struct {
	Name string
	Err  error
}

// AllFailedError lists every entry's failure in the order they were tried.
type AllFailedError struct {
	Failures []Failure
}

func (e *AllFailedError) Error() string {
	var b strings.Builder
	b.WriteString(ErrAllFailed.Error())
	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", f.Name, f.Err)
	}
	return b.String()
}

// Is reports whether target is [ErrAllFailed].
func (e *AllFailedError) Is(target error) bool { return target == ErrAllFailed }

// Unwrap exposes the individual failures.
func (e *AllFailedError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}

// FallbackConfig configures the per-entry circuit breakers of a
// [FallbackGroup].
type FallbackConfig struct {
	// Breakers enables one circuit breaker per entry.
	Breakers bool

	CircuitBreaker CircuitBreakerConfig
}

// fallbackEntry pairs a provider value with its circuit breaker, which is
// nil when breakers are disabled.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds named instances of one provider type in priority
// order. Entries may be added concurrently with [Run].
type FallbackGroup[T any] struct {
	cfg FallbackConfig

	mu      sync.RWMutex
	entries []fallbackEntry[T]
}

// NewFallbackGroup creates an empty group.
func NewFallbackGroup[T any](cfg FallbackConfig) *FallbackGroup[T] {
	return &FallbackGroup[T]{cfg: cfg}
}

// Add appends an entry. Adding an existing name replaces its value and keeps
// its position and breaker.
func (fg *FallbackGroup[T]) Add(name string, value T) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	for i := range fg.entries {
		if fg.entries[i].name == name {
			fg.entries[i].value = value
			return
		}
	}
	e := fallbackEntry[T]{name: name, value: value}
	if fg.cfg.Breakers {
		cbCfg := fg.cfg.CircuitBreaker
		cbCfg.Name = name
		e.breaker = NewCircuitBreaker(cbCfg)
	}
	fg.entries = append(fg.entries, e)
}

// Names returns entry names in priority order.
func (fg *FallbackGroup[T]) Names() []string {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	out := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = e.name
	}
	return out
}

// Get returns the value registered under name.
func (fg *FallbackGroup[T]) Get(name string) (T, bool) {
	e, ok := fg.lookup(name)
	return e.value, ok
}

// BreakerState reports the breaker state of name. Groups without breakers
// always report [StateClosed].
func (fg *FallbackGroup[T]) BreakerState(name string) State {
	e, ok := fg.lookup(name)
	if !ok || e.breaker == nil {
		return StateClosed
	}
	return e.breaker.State()
}

func (fg *FallbackGroup[T]) lookup(name string) (fallbackEntry[T], bool) {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	for _, e := range fg.entries {
		if e.name == name {
			return e, true
		}
	}
	return fallbackEntry[T]{}, false
}

// Run calls fn for each named entry in order until one succeeds, and returns
// that result together with the winning name. A nil names slice means every
// entry in priority order. Entries whose breaker is open fail with
// [ErrCircuitOpen] without fn being called. Cancellation of ctx stops the
// walk and returns ctx.Err(). No group lock is held while fn runs.
//
// This is a package-level function because Go does not support method-level
// type parameters.
func Run[T any, R any](ctx context.Context, fg *FallbackGroup[T], names []string, fn func(ctx context.Context, name string, value T) (R, error)) (R, string, error) {
	var zero R
	if names == nil {
		names = fg.Names()
	}

	failures := make([]Failure, 0, len(names))
	for _, name := range names {
		entry, ok := fg.lookup(name)
		if !ok {
			return zero, "", fmt.Errorf("%w: %q", ErrUnknownEntry, name)
		}
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}

		var res R
		call := func() error {
			var err error
			res, err = fn(ctx, name, entry.value)
			return err
		}
		var err error
		if entry.breaker != nil {
			err = entry.breaker.Execute(call)
		} else {
			err = call()
		}
		if err == nil {
			return res, name, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return zero, "", err
		}

		failures = append(failures, Failure{Name: name, Err: err})
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", name)
		} else {
			slog.Warn("provider failed, trying next", "provider", name, "err", err)
		}
	}
	return zero, "", &AllFailedError{Failures: failures}
}

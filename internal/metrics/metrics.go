// Package metrics aggregates provider attempts and job outcomes into the
// process-wide counters served by the reporting endpoints.
//
// One [Aggregator] is created at startup and handed to every component that
// reports attempts. All counters touched by a single [Aggregator.Record]
// call change together under one mutex, so a [Snapshot] never shows half of
// an attempt. When an [observe.Metrics] is attached every record is also
// mirrored to OpenTelemetry.
package metrics

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
)

// Outcome is the result of one provider attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

// Attempt is one call to one provider. It is consumed by [Aggregator.Record]
// and never stored individually.
type Attempt struct {
	Provider string
	FileType string
	Outcome  Outcome
	Latency  time.Duration

	// Class is the error classification; empty on success.
	Class string
}

// Latency is a running count and sum for one (provider, file type) pair.
type Latency struct {
	Count   int64   `json:"count"`
	TotalMs float64 `json:"total_ms"`
	AvgMs   float64 `json:"avg_ms"`
}

// Snapshot is a point-in-time deep copy of every counter.
type Snapshot struct {
	// Attempts counts attempts per provider.
	Attempts map[string]int64 `json:"attempts"`
	// Successes counts successful attempts per provider.
	Successes map[string]int64 `json:"successes"`
	// FileTypes counts attempts per file type.
	FileTypes map[string]int64 `json:"file_types"`
	// Errors counts failures per classification, including non-attempt
	// failures such as validation and webhook delivery.
	Errors map[string]int64 `json:"errors"`
	// Users counts submitted jobs per user id.
	Users map[string]int64 `json:"users"`
	// Jobs counts jobs per status transition.
	Jobs map[string]int64 `json:"jobs"`
	// Latency is keyed by provider, then file type.
	Latency map[string]map[string]Latency `json:"latency"`
}

type latencyKey struct{ provider, fileType string }

type latencySum struct {
	count int64
	sum   time.Duration
}

// Aggregator holds the counters. The zero value is not usable; call [New].
type Aggregator struct {
	otel *observe.Metrics

	mu        sync.Mutex
	attempts  map[string]int64
	successes map[string]int64
	fileTypes map[string]int64
	errors    map[string]int64
	users     map[string]int64
	jobs      map[string]int64
	latency   map[latencyKey]latencySum
}

// Option configures an [Aggregator].
type Option func(*Aggregator)

// WithOTel mirrors every record to m.
func WithOTel(m *observe.Metrics) Option {
	return func(a *Aggregator) { a.otel = m }
}

// New creates an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		attempts:  make(map[string]int64),
		successes: make(map[string]int64),
		fileTypes: make(map[string]int64),
		errors:    make(map[string]int64),
		users:     make(map[string]int64),
		jobs:      make(map[string]int64),
		latency:   make(map[latencyKey]latencySum),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Record adds one attempt.
func (a *Aggregator) Record(at Attempt) {
	fileType := at.FileType
	if fileType == "" {
		fileType = "unknown"
	}

	a.mu.Lock()
	a.attempts[at.Provider]++
	a.fileTypes[fileType]++
	if at.Outcome == OutcomeSuccess {
		a.successes[at.Provider]++
	} else if at.Class != "" {
		a.errors[at.Class]++
	}
	k := latencyKey{at.Provider, fileType}
	l := a.latency[k]
	l.count++
	l.sum += at.Latency
	a.latency[k] = l
	a.mu.Unlock()

	if a.otel != nil {
		class := at.Class
		if at.Outcome == OutcomeSuccess {
			class = ""
		}
		a.otel.RecordAttempt(context.Background(), at.Provider, fileType, string(at.Outcome), class, at.Latency)
	}
}

// RecordError counts a failure that is not tied to a provider attempt, such
// as a validation rejection or a failed webhook delivery.
func (a *Aggregator) RecordError(class string) {
	a.mu.Lock()
	a.errors[class]++
	a.mu.Unlock()
}

// RecordRejection counts a payload refused at submission under the
// validation class and mirrors the reason to OpenTelemetry.
func (a *Aggregator) RecordRejection(reason string) {
	a.RecordError("validation")
	if a.otel != nil {
		a.otel.RecordRejection(context.Background(), reason)
	}
}

// RecordWebhook counts a webhook delivery. Failures are also counted under
// the webhook_failure error class.
func (a *Aggregator) RecordWebhook(delivered bool) {
	status := "delivered"
	if !delivered {
		status = "failed"
		a.RecordError("webhook_failure")
	}
	if a.otel != nil {
		a.otel.RecordWebhook(context.Background(), status)
	}
}

// RecordSubmission counts a newly accepted job for userID. Anonymous jobs
// are counted under "anonymous".
func (a *Aggregator) RecordSubmission(userID string) {
	if userID == "" {
		userID = "anonymous"
	}
	a.mu.Lock()
	a.users[userID]++
	a.mu.Unlock()
}

// RecordJobStatus counts a job reaching status.
func (a *Aggregator) RecordJobStatus(status string) {
	a.mu.Lock()
	a.jobs[status]++
	a.mu.Unlock()
	if a.otel != nil {
		a.otel.RecordJob(context.Background(), status)
	}
}

// Snapshot returns a consistent deep copy of all counters.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{
		Attempts:  maps.Clone(a.attempts),
		Successes: maps.Clone(a.successes),
		FileTypes: maps.Clone(a.fileTypes),
		Errors:    maps.Clone(a.errors),
		Users:     maps.Clone(a.users),
		Jobs:      maps.Clone(a.jobs),
		Latency:   make(map[string]map[string]Latency),
	}
	for k, v := range a.latency {
		byType, ok := s.Latency[k.provider]
		if !ok {
			byType = make(map[string]Latency)
			s.Latency[k.provider] = byType
		}
		total := float64(v.sum) / float64(time.Millisecond)
		byType[k.fileType] = Latency{Count: v.count, TotalMs: total, AvgMs: total / float64(v.count)}
	}
	return s
}

// Package jobs runs asynchronous transcription jobs: submission validates
// and enqueues, a bounded worker pool resolves each job through the provider
// router, and the terminal state is recorded before the optional webhook
// fires.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxgate/internal/history"
	"github.com/MrWong99/voxgate/internal/metrics"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/transcribe"
	"github.com/MrWong99/voxgate/internal/validate"
	"github.com/MrWong99/voxgate/pkg/audio"
)

const (
	defaultWorkers = 4

	// dequeueBackoff is the pause after a failed Dequeue before trying again.
	dequeueBackoff = time.Second
)

// Resolver turns a payload into a transcript. [*transcribe.Router]
// implements it.
type Resolver interface {
	Resolve(ctx context.Context, p audio.Payload, preferred string) (transcribe.Result, error)
	Has(name string) bool
}

// Summarizer condenses a transcript. Errors never fail the job.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Submission is one request to transcribe a file asynchronously.
type Submission struct {
	Payload audio.Payload

	// Provider pins the job to one provider. Empty uses the fallback chain.
	Provider   string
	WebhookURL string
	UserID     string
}

// Option configures a [Manager].
type Option func(*Manager)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(m *Manager) { m.workers = n }
}

// WithStore mirrors every job state change to s.
func WithStore(s history.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithAggregator reports submissions, job states and webhook outcomes.
func WithAggregator(agg *metrics.Aggregator) Option {
	return func(m *Manager) { m.agg = agg }
}

// WithSummarizer enables summaries of successful transcripts.
func WithSummarizer(s Summarizer) Option {
	return func(m *Manager) { m.summarizer = s }
}

// WithNotifier replaces the webhook notifier.
func WithNotifier(n *Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithMetrics tracks how many jobs are being processed.
func WithMetrics(om *observe.Metrics) Option {
	return func(m *Manager) { m.otel = om }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the job lifecycle. It is safe for concurrent use.
type Manager struct {
	validator  *validate.Validator
	resolver   Resolver
	ledger     *history.Ledger
	queue      Queue
	store      history.Store
	agg        *metrics.Aggregator
	summarizer Summarizer
	notifier   *Notifier
	otel       *observe.Metrics
	workers    int
	now        func() time.Time

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a Manager. Call [Manager.Run] to start processing.
func New(v *validate.Validator, r Resolver, ledger *history.Ledger, q Queue, opts ...Option) *Manager {
	m := &Manager{
		validator: v,
		resolver:  r,
		ledger:    ledger,
		queue:     q,
		workers:   defaultWorkers,
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.notifier == nil {
		m.notifier = NewNotifier(0)
	}
	if m.agg == nil {
		m.agg = metrics.New()
	}
	return m
}

// Submit validates s, records a queued job and enqueues it. It returns as
// soon as the job is queued. Validation failures are [*validate.ValidationError]
// values; an unregistered provider yields [transcribe.ErrUnknownProvider].
// No provider is contacted before Submit returns.
func (m *Manager) Submit(ctx context.Context, s Submission) (string, error) {
	payload, _, err := m.validator.Inspect(s.Payload)
	if err != nil {
		m.agg.RecordRejection(string(validate.ReasonOf(err)))
		return "", err
	}
	if err := validate.ValidateFields(validate.Fields{WebhookURL: s.WebhookURL, UserID: s.UserID}); err != nil {
		m.agg.RecordRejection(string(validate.ReasonOf(err)))
		return "", err
	}
	if s.Provider != "" && !m.resolver.Has(s.Provider) {
		m.agg.RecordError(string(transcribe.ClassValidation))
		return "", fmt.Errorf("%w: %q", transcribe.ErrUnknownProvider, s.Provider)
	}

	now := m.now()
	job := history.Job{
		ID:                uuid.NewString(),
		UserID:            s.UserID,
		Filename:          payload.Filename,
		FileType:          payload.FileType(),
		WebhookURL:        s.WebhookURL,
		RequestedProvider: s.Provider,
		Status:            history.StatusQueued,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.ledger.Put(job)
	m.persist(ctx, job)
	m.agg.RecordSubmission(s.UserID)
	m.agg.RecordJobStatus(string(history.StatusQueued))

	if err := m.queue.Enqueue(ctx, Task{JobID: job.ID, Provider: s.Provider, Payload: payload, Job: &job}); err != nil {
		m.abandon(ctx, job.ID, err)
		return "", fmt.Errorf("jobs: enqueue %s: %w", job.ID, err)
	}
	slog.Info("job queued", "job_id", job.ID, "file_type", job.FileType, "provider", s.Provider, "user_id", s.UserID)
	return job.ID, nil
}

// abandon fails a job that never reached the queue so it does not linger
// as queued.
func (m *Manager) abandon(ctx context.Context, id string, cause error) {
	job, err := m.ledger.Update(id, func(j *history.Job) error {
		now := m.now()
		if err := j.Transition(history.StatusRunning, now); err != nil {
			return err
		}
		return j.Fail("not queued: "+cause.Error(), string(transcribe.ClassInternal), 0, now)
	})
	if err != nil {
		slog.Error("failed to abandon job", "job_id", id, "err", err)
		return
	}
	m.persist(ctx, job)
	m.agg.RecordJobStatus(string(history.StatusFailed))
}

// Get returns a copy of the job with the given id, or [history.ErrNotFound].
func (m *Manager) Get(id string) (history.Job, error) {
	return m.ledger.Get(id)
}

// List returns jobs most recent first.
func (m *Manager) List(f history.Filter) []history.Job {
	return m.ledger.List(f)
}

// Restore loads up to limit terminal jobs from the persistent store into the
// ledger. Jobs that were still in flight when the previous process stopped
// are skipped.
func (m *Manager) Restore(ctx context.Context, limit int) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	jobs, err := m.store.Recent(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("jobs: restore history: %w", err)
	}
	n := 0
	// Recent returns newest first; insert oldest first so eviction order
	// matches creation order.
	for i := len(jobs) - 1; i >= 0; i-- {
		if !jobs[i].Status.Terminal() {
			continue
		}
		m.ledger.Put(jobs[i])
		n++
	}
	return n, nil
}

// Run starts the worker pool and blocks until ctx is cancelled or the queue
// is closed and drained, and every in-flight job has finished. Jobs are not
// cancelled by ctx: a job that has been dequeued always runs to completion.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("jobs: manager already running")
	}
	m.running = true
	m.wg.Add(m.workers)
	m.mu.Unlock()

	slog.Info("job workers started", "workers", m.workers)
	for i := range m.workers {
		go m.worker(ctx, i)
	}
	m.wg.Wait()
	slog.Info("job workers stopped")
	return nil
}

// Shutdown closes the queue so workers exit after draining it, then waits
// for them or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.queue.Close(); err != nil {
		slog.Warn("closing job queue", "err", err)
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs: shutdown: %w", ctx.Err())
	}
}

func (m *Manager) worker(ctx context.Context, n int) {
	defer m.wg.Done()
	jobCtx := context.WithoutCancel(ctx)
	for {
		task, err := m.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			slog.Warn("dequeue failed", "worker", n, "err", err, "retry_in", dequeueBackoff)
			select {
			case <-time.After(dequeueBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		m.process(jobCtx, task)
	}
}

// process owns one job from running to its terminal state.
func (m *Manager) process(ctx context.Context, task Task) {
	ctx, span := observe.StartJob(ctx, task.JobID)
	var jobErr error
	defer func() { observe.EndSpan(span, jobErr) }()
	log := observe.Logger(ctx, "job_id", task.JobID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("job worker panicked", "panic", r)
			m.finish(ctx, task.JobID, func(j *history.Job, now time.Time) error {
				return j.Fail(fmt.Sprintf("internal error: %v", r), string(transcribe.ClassInternal), 0, now)
			})
		}
	}()

	m.adopt(ctx, log, task)
	job, err := m.ledger.Update(task.JobID, func(j *history.Job) error {
		return j.Transition(history.StatusRunning, m.now())
	})
	if err != nil {
		log.Warn("skipping task", "err", err)
		return
	}
	m.persist(ctx, job)
	m.agg.RecordJobStatus(string(history.StatusRunning))
	if m.otel != nil {
		m.otel.RunningJobs.Add(ctx, 1)
		defer m.otel.RunningJobs.Add(ctx, -1)
	}

	res, err := m.resolver.Resolve(ctx, task.Payload, task.Provider)
	if err != nil {
		class := transcribe.Classify(err)
		attempts := 0
		var all *transcribe.AllProvidersExhaustedError
		if errors.As(err, &all) {
			for _, f := range all.Failures {
				attempts += f.Attempts
			}
		}
		jobErr = err
		log.Warn("job failed", "class", class, "err", err)
		m.finish(ctx, task.JobID, func(j *history.Job, now time.Time) error {
			return j.Fail(err.Error(), string(class), attempts, now)
		})
		return
	}

	summary := m.summarize(ctx, log, res.Text)
	log.Info("job succeeded", "provider", res.Provider, "attempts", res.Attempts)
	m.finish(ctx, task.JobID, func(j *history.Job, now time.Time) error {
		if err := j.Succeed(res.Text, res.Provider, res.Attempts, now); err != nil {
			return err
		}
		j.Summary = summary
		return nil
	})
}

// finish applies a terminal transition, records it and only then delivers
// the webhook.
// adopt records a task submitted elsewhere: by another instance sharing the
// queue, or by this one before a restart.
func (m *Manager) adopt(ctx context.Context, log *slog.Logger, task Task) {
	if task.Job == nil || task.Job.ID != task.JobID {
		return
	}
	if _, err := m.ledger.Get(task.JobID); !errors.Is(err, history.ErrNotFound) {
		return
	}
	m.ledger.Put(*task.Job)
	m.persist(ctx, *task.Job)
	log.Info("adopted queued job", "user_id", task.Job.UserID)
}

func (m *Manager) finish(ctx context.Context, id string, fn func(*history.Job, time.Time) error) {
	job, err := m.ledger.Update(id, func(j *history.Job) error { return fn(j, m.now()) })
	if err != nil {
		slog.Error("failed to record job result", "job_id", id, "err", err)
		return
	}
	m.persist(ctx, job)
	m.agg.RecordJobStatus(string(job.Status))

	if job.WebhookURL == "" {
		return
	}
	if err := m.notifier.Notify(ctx, job); err != nil {
		slog.Warn("webhook delivery failed", "job_id", id, "err", err)
		m.agg.RecordWebhook(false)
		return
	}
	m.agg.RecordWebhook(true)
}

func (m *Manager) summarize(ctx context.Context, log *slog.Logger, text string) string {
	if m.summarizer == nil || text == "" {
		return ""
	}
	s, err := m.summarizer.Summarize(ctx, text)
	if err != nil {
		log.Warn("summary failed", "err", err)
		return ""
	}
	return s
}

func (m *Manager) persist(ctx context.Context, job history.Job) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, job); err != nil {
		slog.Warn("failed to persist job", "job_id", job.ID, "status", job.Status, "err", err)
	}
}

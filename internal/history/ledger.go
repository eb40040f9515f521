package history

import (
	"slices"
	"sync"
	"time"
)

// Filter narrows [Ledger.List]. Zero fields match everything.
type Filter struct {
	UserID string
	Status Status
	// Limit caps the result length; 0 means no limit.
	Limit int
}

func (f Filter) match(j *Job) bool {
	return (f.UserID == "" || j.UserID == f.UserID) && (f.Status == "" || j.Status == f.Status)
}

// Ledger keeps the most recent jobs in memory. Terminal jobs are evicted
// oldest first once the ledger holds more than its cap or once they are
// older than its max age. Jobs that are still queued or running are never
// evicted, so a worker can always find the job it owns.
//
// Ledger is safe for concurrent use. Callers always receive copies.
type Ledger struct {
	maxJobs int
	maxAge  time.Duration
	now     func() time.Time

	mu    sync.Mutex
	jobs  map[string]*Job
	order []string // by insertion, oldest first
}

// LedgerOption configures a [Ledger].
type LedgerOption func(*Ledger)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger bounded by maxJobs (≤0 means unbounded) and
// maxAge (≤0 means no age limit).
func NewLedger(maxJobs int, maxAge time.Duration, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		maxJobs: maxJobs,
		maxAge:  maxAge,
		now:     time.Now,
		jobs:    make(map[string]*Job),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Put inserts or replaces job.
func (l *Ledger) Put(job Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.jobs[job.ID]; ok {
		*existing = job
	} else {
		j := job
		l.jobs[job.ID] = &j
		l.order = append(l.order, job.ID)
	}
	l.evictLocked()
}

// Update applies fn to the stored job under the ledger lock and returns the
// updated copy. If fn returns an error the job is left unchanged.
func (l *Ledger) Update(id string, fn func(*Job) error) (Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	next := *j
	if err := fn(&next); err != nil {
		return *j, err
	}
	*j = next
	l.evictLocked()
	return next, nil
}

// Get returns a copy of the job with id.
func (l *Ledger) Get(id string) (Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *j, nil
}

// List returns matching jobs, most recently created first.
func (l *Ledger) List(f Filter) []Job {
	l.mu.Lock()
	l.evictLocked()
	out := make([]Job, 0, len(l.order))
	for i := len(l.order) - 1; i >= 0; i-- {
		j := l.jobs[l.order[i]]
		if f.match(j) {
			out = append(out, *j)
		}
	}
	l.mu.Unlock()

	// Insertion order is creation order except for jobs restored from a
	// store, so sort stably to be sure.
	slices.SortStableFunc(out, func(a, b Job) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Len returns the number of retained jobs.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}

func (l *Ledger) evictLocked() {
	var cutoff time.Time
	if l.maxAge > 0 {
		cutoff = l.now().Add(-l.maxAge)
	}
	excess := 0
	if l.maxJobs > 0 {
		excess = len(l.order) - l.maxJobs
	}

	kept := l.order[:0]
	for _, id := range l.order {
		j := l.jobs[id]
		expired := !cutoff.IsZero() && j.CreatedAt.Before(cutoff)
		if j.Status.Terminal() && (excess > 0 || expired) {
			delete(l.jobs, id)
			if excess > 0 {
				excess--
			}
			continue
		}
		kept = append(kept, id)
	}
	clear(l.order[len(kept):])
	l.order = kept
}

package jobs

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voxgate/internal/history"
	"github.com/MrWong99/voxgate/pkg/audio"
)

var (
	// ErrQueueFull is returned by Enqueue when a bounded queue has no room.
	ErrQueueFull = errors.New("jobs: queue is full")

	// ErrQueueClosed is returned by Enqueue after Close, and by Dequeue once
	// a closed queue has been drained.
	ErrQueueClosed = errors.New("jobs: queue is closed")
)

// Task is the unit of work handed to a worker. Job is the queued record as
// submitted; a worker whose ledger has never seen JobID adopts it.
type Task struct {
	JobID    string        `json:"job_id"`
	Provider string        `json:"provider,omitempty"`
	Payload  audio.Payload `json:"payload"`
	Job      *history.Job  `json:"job,omitempty"`
}

// Queue carries tasks from Submit to the worker pool.
type Queue interface {
	// Enqueue adds t without blocking on consumers.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue blocks until a task is available, ctx ends or the queue is
	// closed and empty.
	Dequeue(ctx context.Context) (Task, error)

	// Close stops accepting tasks. Tasks already queued can still be
	// dequeued.
	Close() error
}

// MemoryQueue is a bounded in-process queue backed by a channel.
type MemoryQueue struct {
	mu     sync.RWMutex
	closed bool
	ch     chan Task
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue holding at most size tasks.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan Task, max(size, 1))}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case t, ok := <-q.ch:
		if !ok {
			return Task{}, ErrQueueClosed
		}
		return t, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Close is safe to call more than once.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

// Len returns the number of waiting tasks.
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Package history defines the job record and the bounded in-memory ledger
// that serves /history and job status lookups, plus an optional PostgreSQL
// mirror that survives restarts.
package history

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a [Job].
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ErrInvalidTransition is returned by [Job.Transition] for any move that is
// not queued→running or running→{succeeded|failed}.
var ErrInvalidTransition = errors.New("history: invalid status transition")

// ErrNotFound is returned when no job has the requested id.
var ErrNotFound = errors.New("history: job not found")

// Job is one asynchronous transcription request.
type Job struct {
	ID         string `json:"job_id"`
	UserID     string `json:"user_id,omitempty"`
	Filename   string `json:"filename"`
	FileType   string `json:"file_type"`
	WebhookURL string `json:"webhook_url,omitempty"`

	// RequestedProvider is empty when the fallback chain should be used.
	RequestedProvider string `json:"requested_provider,omitempty"`

	Status Status `json:"status"`

	// Text is set iff Status is succeeded.
	Text    string `json:"text,omitempty"`
	Summary string `json:"summary,omitempty"`

	// Error is set iff Status is failed.
	Error      string `json:"error,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`

	// Provider is the provider that produced Text.
	Provider string `json:"provider,omitempty"`
	Attempts int    `json:"attempts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition moves j to status to, stamping UpdatedAt with now.
func (j *Job) Transition(to Status, now time.Time) error {
	ok := false
	switch j.Status {
	case StatusQueued:
		ok = to == StatusRunning
	case StatusRunning:
		ok = to.Terminal()
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, j.Status, to, j.ID)
	}
	j.Status = to
	j.UpdatedAt = now
	return nil
}

// Succeed records a result and moves a running job to succeeded.
func (j *Job) Succeed(text, provider string, attempts int, now time.Time) error {
	if err := j.Transition(StatusSucceeded, now); err != nil {
		return err
	}
	j.Text, j.Provider, j.Attempts = text, provider, attempts
	j.Error, j.ErrorClass = "", ""
	return nil
}

// Fail records an error summary and moves a running job to failed.
func (j *Job) Fail(summary, class string, attempts int, now time.Time) error {
	if err := j.Transition(StatusFailed, now); err != nil {
		return err
	}
	j.Error, j.ErrorClass, j.Attempts = summary, class, attempts
	j.Text = ""
	return nil
}

// DisplayProvider is the chosen provider when known, else the requested one.
func (j Job) DisplayProvider() string {
	if j.Provider != "" {
		return j.Provider
	}
	return j.RequestedProvider
}

package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/voxgate/internal/history"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookPayload is the JSON body POSTed to a job's webhook URL once the job
// reaches a terminal state.
type WebhookPayload struct {
	JobID    string         `json:"job_id"`
	Status   history.Status `json:"status"`
	Text     string         `json:"text,omitempty"`
	Summary  string         `json:"summary,omitempty"`
	Error    string         `json:"error,omitempty"`
	Provider string         `json:"provider,omitempty"`
}

// Notifier delivers job results to webhooks. Delivery is attempted once and
// bounded by the configured timeout.
type Notifier struct {
	client  *http.Client
	timeout time.Duration
}

// NotifierOption configures a [Notifier].
type NotifierOption func(*Notifier)

// WithHTTPClient replaces the HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) NotifierOption {
	return func(n *Notifier) { n.client = c }
}

// NewNotifier creates a Notifier. A non-positive timeout selects 10s.
func NewNotifier(timeout time.Duration, opts ...NotifierOption) *Notifier {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	n := &Notifier{client: http.DefaultClient, timeout: timeout}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Notify POSTs the job's terminal state to job.WebhookURL. Any non-2xx
// response is an error.
func (n *Notifier) Notify(ctx context.Context, job history.Job) error {
	body, err := json.Marshal(WebhookPayload{
		JobID:    job.ID,
		Status:   job.Status,
		Text:     job.Text,
		Summary:  job.Summary,
		Error:    job.Error,
		Provider: job.DisplayProvider(),
	})
	if err != nil {
		return fmt.Errorf("jobs: encode webhook: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("jobs: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "voxgate-webhook")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("jobs: deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("jobs: webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

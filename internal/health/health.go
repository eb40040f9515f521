// Package health serves the gateway's health endpoints:
//
//   - /health  reports, per configured provider, whether its credential is
//     present. It is always 200 so that dashboards can read it.
//   - /healthz is the liveness probe and always returns 200.
//   - /readyz  is the readiness probe; 200 only when every [Checker] passes.
//
// Responses are JSON with a top-level "status" of "ok", "degraded" or "fail".
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check.
type Checker struct {
	// Name appears as a key in the /readyz response (e.g. "providers",
	// "postgres", "queue").
	Name string

	// Check returns nil when the dependency is usable. It must respect
	// context cancellation.
	Check func(ctx context.Context) error
}

// ProviderStatus describes one configured provider on /health.
type ProviderStatus struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Configured bool   `json:"configured"`
	Breaker    string `json:"breaker,omitempty"`
}

// ProviderReport lists the configured providers in priority order.
type ProviderReport func() []ProviderStatus

type result struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Providers map[string]bool   `json:"providers,omitempty"`
	Details   []ProviderStatus  `json:"details,omitempty"`
}

// Handler is safe for concurrent use; checkers and the report are fixed at
// construction time.
type Handler struct {
	checkers []Checker
	report   ProviderReport
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheckers adds readiness checks, evaluated in order.
func WithCheckers(checkers ...Checker) Option {
	return func(h *Handler) { h.checkers = append(h.checkers, checkers...) }
}

// WithProviderReport sets the source of the /health provider listing.
func WithProviderReport(r ProviderReport) Option {
	return func(h *Handler) { h.report = r }
}

// New creates a Handler.
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Health reports credential presence per provider. Status is "degraded"
// when no provider is usable.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	res := result{Status: "ok", Providers: map[string]bool{}}
	if h.report != nil {
		res.Details = h.report()
	}
	usable := 0
	for _, p := range res.Details {
		res.Providers[p.Name] = p.Configured
		if p.Configured {
			usable++
		}
	}
	if usable == 0 {
		res.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, res)
}

// Healthz always returns 200: a process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker with a [checkTimeout] deadline derived from the
// request context and returns 503 if any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the three routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package stt

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors matched with errors.Is against any [*Error].
var (
	// ErrTimeout means the attempt exceeded its deadline.
	ErrTimeout = errors.New("stt: provider timed out")

	// ErrMisconfigured means the adapter cannot work as configured (missing
	// or rejected credential, bad endpoint). Retrying cannot help.
	ErrMisconfigured = errors.New("stt: provider misconfigured")

	// ErrVendor means the vendor reported a failure or returned garbage.
	ErrVendor = errors.New("stt: provider failure")
)

// Kind classifies a provider error.
type Kind int

const (
	KindVendor Kind = iota
	KindTimeout
	KindMisconfigured
)

// String returns the classification label used in metrics.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindMisconfigured:
		return "misconfigured"
	default:
		return "provider_failure"
	}
}

// Error is the typed failure returned by adapters.
type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case KindTimeout:
		sentinel = ErrTimeout
	case KindMisconfigured:
		sentinel = ErrMisconfigured
	default:
		sentinel = ErrVendor
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// Timeout builds a timeout error for provider.
func Timeout(provider string, err error) error {
	return &Error{Provider: provider, Kind: KindTimeout, Err: err}
}

// Misconfigured builds a non-retryable configuration error for provider.
func Misconfigured(provider string, err error) error {
	return &Error{Provider: provider, Kind: KindMisconfigured, Err: err}
}

// Vendor builds a vendor-reported failure for provider.
func Vendor(provider string, err error) error {
	return &Error{Provider: provider, Kind: KindVendor, Err: err}
}

// StatusError maps a non-2xx HTTP response to an [*Error]. 401 and 403 mean
// the credential was rejected and are reported as misconfiguration; 408 and
// 504 as timeouts; everything else as a vendor failure.
func StatusError(provider string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	var cause error
	if msg != "" {
		cause = errors.New(msg)
	}
	kind := KindVendor
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindMisconfigured
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		kind = KindTimeout
	}
	return &Error{Provider: provider, Kind: kind, StatusCode: status, Err: cause}
}

// KindOf reports the classification of err. Errors that are not [*Error]
// values are treated as vendor failures.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrMisconfigured):
		return KindMisconfigured
	default:
		return KindVendor
	}
}

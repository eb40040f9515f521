package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/internal/validate"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// Class is the error classification used in metrics, job records and API
// responses.
type Class string

const (
	ClassValidation      Class = "validation"
	ClassTimeout         Class = "timeout"
	ClassProviderFailure Class = "provider_failure"
	ClassMisconfigured   Class = "misconfigured"
	ClassCircuitOpen     Class = "circuit_open"
	ClassExhausted       Class = "exhausted"
	ClassCanceled        Class = "canceled"
	ClassInternal        Class = "internal"
)

// ErrUnknownProvider is returned by [Router.Resolve] when the preferred
// provider is not registered.
var ErrUnknownProvider = errors.New("transcribe: unknown provider")

// ErrAllProvidersExhausted is matched by every [*AllProvidersExhaustedError].
var ErrAllProvidersExhausted = errors.New("all providers exhausted")

// ProviderFailure is the final outcome of one provider within a resolution.
type ProviderFailure struct {
	Provider string
	Class    Class
	Attempts int
	// Err is the last error the provider returned.
	Err error
}

// AllProvidersExhaustedError lists every tried provider's last error in the
// order they were tried.
type AllProvidersExhaustedError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersExhaustedError) Error() string {
	var b strings.Builder
	b.WriteString(ErrAllProvidersExhausted.Error())
	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s [%s, %d attempt(s)]: %v", f.Provider, f.Class, f.Attempts, f.Err)
	}
	return b.String()
}

// Is reports whether target is [ErrAllProvidersExhausted].
func (e *AllProvidersExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersExhausted
}

// Unwrap exposes each provider's last error.
func (e *AllProvidersExhaustedError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}

// Classify maps err onto a [Class]. Nil yields "".
func Classify(err error) Class {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, validate.ErrInvalid), errors.Is(err, ErrUnknownProvider):
		return ClassValidation
	case errors.Is(err, ErrAllProvidersExhausted):
		return ClassExhausted
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, resilience.ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.Is(err, stt.ErrMisconfigured):
		return ClassMisconfigured
	case errors.Is(err, resilience.ErrExhausted):
		return ClassExhausted
	case errors.Is(err, stt.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, stt.ErrVendor):
		return ClassProviderFailure
	default:
		return ClassInternal
	}
}

// failureOf converts one fallback failure into a ProviderFailure, looking
// through retry exhaustion to the last attempt's error.
func failureOf(name string, err error, attempts int) ProviderFailure {
	last := err
	var ex *resilience.ExhaustedError
	if errors.As(err, &ex) {
		last = ex.Last
		attempts = ex.Attempts
	}
	return ProviderFailure{Provider: name, Class: Classify(last), Attempts: attempts, Err: last}
}

// Package errs defines the error taxonomy shared by the scanning and
// trading pipeline. Callers classify failures with Kind and the sentinel
// values below; wrapping preserves the kind through errors.Is.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap with WithKind (or %w against these directly) so
// call sites can branch on policy without string matching.
var (
	// ErrValidation marks locally rejected input: malformed symbol, bad
	// side, strength out of range. Never persisted, never retried.
	ErrValidation = errors.New("validation")

	// ErrInsufficientData marks a series too short for an indicator
	// period. The computation is skipped and no signal is produced.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrTransient marks timeouts, 5xx responses and network failures.
	// Safe to retry with backoff.
	ErrTransient = errors.New("transient")

	// ErrRateLimited marks an exchange 429. The limiter records it and
	// the call is retried after backoff.
	ErrRateLimited = errors.New("rate limited")

	// ErrPermanent marks unknown symbols, auth failures and invariant
	// breaches. Propagated upward; retries are pointless.
	ErrPermanent = errors.New("permanent")

	// ErrFatal marks boot-time failures (unreachable store, invalid
	// config). The process exits nonzero.
	ErrFatal = errors.New("fatal")
)

// Kind names a failure class for logs and metrics labels.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindInsufficientData Kind = "insufficient_data"
	KindTransient        Kind = "transient"
	KindRateLimited      Kind = "rate_limited"
	KindPermanent        Kind = "permanent"
	KindFatal            Kind = "fatal"
	KindUnknown          Kind = "unknown"
)

// KindOf classifies err against the sentinel kinds. Unclassified errors
// report KindUnknown and are treated as transient by retry policies.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInsufficientData):
		return KindInsufficientData
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	case errors.Is(err, ErrFatal):
		return KindFatal
	default:
		return KindUnknown
	}
}

// Validationf builds a validation error with a formatted cause.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transientf builds a transient error with a formatted cause.
func Transientf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// Permanentf builds a permanent error with a formatted cause.
func Permanentf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// InsufficientData reports a series shorter than an indicator requires.
type InsufficientData struct {
	Need int
	Got  int
}

func (e *InsufficientData) Error() string {
	return fmt.Sprintf("insufficient data: need %d, got %d", e.Need, e.Got)
}

// Is lets errors.Is match the ErrInsufficientData sentinel.
func (e *InsufficientData) Is(target error) bool {
	return target == ErrInsufficientData
}

// Retryable reports whether the error class participates in client-side
// retry: transient and rate-limited failures do, everything else does not.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindRateLimited
}

// Package resilience classifies pipeline errors and provides retry and
// circuit-breaking around the sink.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind tags an error with how the pipeline must react to it.
type Kind int

const (
	// KindFatal errors fail the unit of work immediately.
	KindFatal Kind = iota
	// KindTransient errors may succeed when the same work is retried.
	KindTransient
	// KindValidation errors reject a single record; the run continues.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	default:
		return "fatal"
	}
}

// TransientError wraps an error that is safe to retry (timeouts, connection
// resets, serialization conflicts, 429/5xx).
type TransientError struct {
	Err  error
	Code string // SQLSTATE or HTTP status, when known
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError marks err as retryable.
func NewTransientError(err error, code string) *TransientError {
	return &TransientError{Err: err, Code: code}
}

// FatalError wraps an error that retrying cannot fix (malformed payload,
// schema mismatch, constraint violation).
type FatalError struct {
	Err  error
	Code string
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// NewFatalError marks err as non-retryable.
func NewFatalError(err error, code string) *FatalError {
	return &FatalError{Err: err, Code: code}
}

// ValidationError rejects one source record.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Classify maps err onto the error taxonomy. Explicit tags win over
// heuristics; anything unrecognized is fatal.
func Classify(err error) Kind {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	if IsTransient(err) {
		return KindTransient
	}
	return KindFatal
}

// IsTransient reports whether err is retryable: an explicit TransientError,
// an attempt deadline, an open circuit, or a common network failure. An
// explicit FatalError in the chain is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var fe *FatalError
	if errors.As(err, &fe) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCircuitOpen) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
		"database is locked",
		"sqlite_busy",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

package ingest

import (
	"errors"
	"fmt"
)

// ConfigurationError aborts a run before any sink write: bad county or file
// arguments, unreadable or unsupported sources, or a resume layout that no
// longer matches the tracker.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "ingest: configuration: " + e.Reason
	}
	return fmt.Sprintf("ingest: configuration: %s: %v", e.Reason, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError builds a ConfigurationError.
func NewConfigurationError(reason string, err error) *ConfigurationError {
	return &ConfigurationError{Reason: reason, Err: err}
}

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

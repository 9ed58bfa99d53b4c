package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError defines errors that can be mapped to HTTP status codes.
type HTTPError interface {
	error
	StatusCode() int
}

// Sentinel errors - use with errors.Is()
var (
	ErrConfiguration = errors.New("configuration error")
	ErrUnsupported   = errors.New("unsupported operation")
	ErrBackend       = errors.New("backend error")
	ErrTransient     = errors.New("transient error")
	ErrInvalidState  = errors.New("invalid state")
)

// UpstreamFailureMessage is what callers outside the process see for any
// backend failure. Details are logged, not returned.
const UpstreamFailureMessage = "failed to communicate with upstream endpoint"

type (
	// ConfigurationError indicates an unknown or misconfigured endpoint.
	ConfigurationError struct {
		Message string
	}

	// InvalidStateError indicates a conversation protocol violation.
	InvalidStateError struct {
		Message string
	}

	// BackendError terminates an in-flight completion.
	BackendError struct {
		Provider string
		Message  string
		Err      error
	}

	// TransientError is a failure worth retrying (rate limits, timeouts, 5xx).
	TransientError struct {
		Provider  string
		RateLimit bool
		Err       error
	}
)

func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

func NewInvalidStateError(format string, args ...any) *InvalidStateError {
	return &InvalidStateError{Message: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string { return e.Message }
func (e *InvalidStateError) Error() string  { return e.Message }

func (e *BackendError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Provider == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *TransientError) Error() string {
	if e.RateLimit {
		return fmt.Sprintf("%s: rate limited: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *BackendError) Unwrap() error   { return e.Err }
func (e *TransientError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }
func (e *InvalidStateError) Is(target error) bool  { return target == ErrInvalidState }
func (e *BackendError) Is(target error) bool       { return target == ErrBackend }
func (e *TransientError) Is(target error) bool     { return target == ErrTransient }

// StatusCode implementations (HTTPError interface)
func (e *ConfigurationError) StatusCode() int { return http.StatusBadRequest }
func (e *InvalidStateError) StatusCode() int  { return http.StatusConflict }
func (e *BackendError) StatusCode() int       { return http.StatusBadGateway }
func (e *TransientError) StatusCode() int     { return http.StatusServiceUnavailable }

// PublicMessage returns the message that is safe to hand to an outside
// caller. Only configuration and state errors are returned verbatim.
func PublicMessage(err error) string {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return cfgErr.Message
	}
	var stateErr *InvalidStateError
	if errors.As(err, &stateErr) {
		return stateErr.Message
	}
	if errors.Is(err, ErrBackend) || errors.Is(err, ErrTransient) {
		return UpstreamFailureMessage
	}
	return "internal error"
}

package host

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes carried by [Error].
const (
	CodeInvalidAgentSet           = "invalid_agent_set"
	CodeSessionNotFound           = "session_not_found"
	CodeSessionExpired            = "session_expired"
	CodeRateLimitExceeded         = "rate_limit_exceeded"
	CodeInvalidEventPayload       = "invalid_event_payload"
	CodeInvalidClientCapabilities = "invalid_client_capabilities"
	CodeMissingAPIKey             = "missing_api_key"
	CodeTransportError            = "transport_error"
)

// Error is a host failure with a machine-readable code and the HTTP status
// the boundary layer should answer with.
type Error struct {
	Code    string
	Status  int
	Message string

	// RetryAfter is set for rate-limit rejections.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("host: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("host: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, host.ErrSessionNotFound).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidAgentSet           = &Error{Code: CodeInvalidAgentSet, Status: http.StatusBadRequest}
	ErrSessionNotFound           = &Error{Code: CodeSessionNotFound, Status: http.StatusNotFound}
	ErrSessionExpired            = &Error{Code: CodeSessionExpired, Status: http.StatusGone}
	ErrRateLimitExceeded         = &Error{Code: CodeRateLimitExceeded, Status: http.StatusTooManyRequests}
	ErrInvalidEventPayload       = &Error{Code: CodeInvalidEventPayload, Status: http.StatusBadRequest}
	ErrInvalidClientCapabilities = &Error{Code: CodeInvalidClientCapabilities, Status: http.StatusBadRequest}
	ErrMissingAPIKey             = &Error{Code: CodeMissingAPIKey, Status: http.StatusInternalServerError}
	ErrTransport                 = &Error{Code: CodeTransportError, Status: http.StatusBadGateway}
)

func newError(sentinel *Error, err error, format string, args ...any) *Error {
	return &Error{
		Code:    sentinel.Code,
		Status:  sentinel.Status,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

func notFound(id string) *Error {
	return newError(ErrSessionNotFound, nil, "session %q not found", id)
}

func invalidPayload(format string, args ...any) *Error {
	return newError(ErrInvalidEventPayload, nil, format, args...)
}

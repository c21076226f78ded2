package crm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures so the synchronizer and the job
// layer can decide between retry and surfacing.
type ErrorKind string

const (
	KindUnauthorized     ErrorKind = "unauthorized"      // HTTP 401/403
	KindNotFound         ErrorKind = "not_found"         // HTTP 404
	KindValidationFailed ErrorKind = "validation_failed" // HTTP 409/422
	KindRateLimited      ErrorKind = "rate_limited"      // HTTP 429
	KindAPI              ErrorKind = "api_error"         // other 4xx/5xx or malformed responses
	KindTransport        ErrorKind = "transport"         // socket/DNS/TLS/timeout
)

// Error is the adapter failure variant: a kind, the HTTP status when one
// was received, a message, and optional response details.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Details    map[string]any
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("crm: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("crm: %s: %s", e.Kind, e.Message)
}

// NewError builds an adapter error for the given kind.
func NewError(kind ErrorKind, status int, message string) *Error {
	return &Error{Kind: kind, StatusCode: status, Message: message}
}

// ErrorFromStatus maps an HTTP status code to the adapter error taxonomy.
func ErrorFromStatus(status int, message string) *Error {
	var kind ErrorKind
	switch {
	case status == 401 || status == 403:
		kind = KindUnauthorized
	case status == 404:
		kind = KindNotFound
	case status == 409 || status == 422:
		kind = KindValidationFailed
	case status == 429:
		kind = KindRateLimited
	default:
		kind = KindAPI
	}
	return &Error{Kind: kind, StatusCode: status, Message: message}
}

// TransportError wraps a network-level failure (DNS, TLS, timeout).
func TransportError(err error) *Error {
	return &Error{Kind: KindTransport, Message: err.Error()}
}

// IsKind reports whether err is an adapter error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

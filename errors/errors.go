// Package errors defines the typed error taxonomy surfaced to exchange
// adapters. Every failure leaving the transport core is one of these
// values; raw transport errors never escape.
package errors

import (
	"errors"
	"fmt"
)

// Error is the unified transport error type.
type Error struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// StatusCode is the HTTP status code, 0 for non-HTTP failures.
	StatusCode int `json:"status_code,omitempty"`
	// Retryable indicates if the operation can be retried by the caller.
	Retryable bool `json:"retryable"`
	// Body is the raw response body that produced this error, if any.
	Body []byte `json:"-"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	switch {
	case e.StatusCode > 0 && e.Cause != nil:
		return fmt.Sprintf("%s (HTTP %d): %s (cause: %v)", e.Code, e.StatusCode, e.Message, e.Cause)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause of the error.
func (e *Error) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with automatic retryable detection.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: IsRetryableCode(code),
	}
}

// --- Constructors ---

// Network creates an error for a transport-level failure.
func Network(cause error) *Error {
	msg := "transport failure"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code: ErrCodeNetwork, Message: msg,
		Retryable: true, Cause: cause,
	}
}

// Timeout creates a network error flagged as a timeout.
func Timeout(cause error) *Error {
	return Network(cause).WithDetail("timeout", true)
}

// CircuitOpen creates an error for a call refused by an open circuit.
func CircuitOpen(name string) *Error {
	return &Error{
		Code: ErrCodeCircuitOpen, Message: fmt.Sprintf("circuit breaker %q is open", name),
		Retryable: false,
		Details:   map[string]any{"breaker": name},
	}
}

// ExchangeUnavailable creates an error for a server-side failure.
func ExchangeUnavailable(statusCode int, body []byte) *Error {
	return &Error{
		Code: ErrCodeExchangeUnavailable, Message: fmt.Sprintf("HTTP %d", statusCode),
		StatusCode: statusCode, Retryable: true, Body: body,
	}
}

// InvalidRequest creates an error for a non-retryable client error.
func InvalidRequest(statusCode int, body []byte) *Error {
	return &Error{
		Code: ErrCodeInvalidRequest, Message: fmt.Sprintf("HTTP %d", statusCode),
		StatusCode: statusCode, Retryable: false, Body: body,
	}
}

// ServerRateLimited creates an error for an HTTP 429 response.
func ServerRateLimited(body []byte) *Error {
	return &Error{
		Code: ErrCodeServerRateLimited, Message: "HTTP 429",
		StatusCode: 429, Retryable: true, Body: body,
	}
}

// RateLimited creates an error for a refused non-blocking acquire on the
// local token bucket.
func RateLimited(endpoint string) *Error {
	e := &Error{
		Code: ErrCodeRateLimited, Message: "local rate limit exceeded",
		Retryable: true,
	}
	if endpoint != "" {
		e.WithDetail("endpoint", endpoint)
	}
	return e
}

// StreamTerminated creates an error for a stream that exhausted its
// reconnect budget.
func StreamTerminated(url string, attempts int, cause error) *Error {
	return &Error{
		Code:      ErrCodeStreamTerminated,
		Message:   fmt.Sprintf("gave up reconnecting after %d attempts", attempts),
		Retryable: false,
		Details:   map[string]any{"url": url, "attempts": attempts},
		Cause:     cause,
	}
}

// NotSupported creates an error for an operation the exchange does not
// implement.
func NotSupported(exchange, operation string) *Error {
	return &Error{
		Code:      ErrCodeNotSupported,
		Message:   fmt.Sprintf("%s does not support %s", exchange, operation),
		Retryable: false,
		Details:   map[string]any{"exchange": exchange, "operation": operation},
	}
}

// FromStatusCode converts an HTTP status code into a typed error.
// Returns nil for 2xx status codes.
func FromStatusCode(statusCode int, body []byte) *Error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == 429:
		return ServerRateLimited(body)
	case statusCode >= 400 && statusCode < 500:
		return InvalidRequest(statusCode, body)
	case statusCode >= 500:
		return ExchangeUnavailable(statusCode, body)
	default:
		// 1xx/3xx leaking out of the transport means the exchange is
		// misbehaving; surface it, but do not invite a retry.
		e := ExchangeUnavailable(statusCode, body)
		e.Retryable = false
		return e
	}
}

// --- Inspection helpers ---

// CodeOf extracts the error code from an error, or "" if it is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// StatusOf extracts the HTTP status code from an error, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsRetryable checks if an error is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// IsNetwork checks if an error is a transport-level failure.
func IsNetwork(err error) bool { return CodeOf(err) == ErrCodeNetwork }

// IsCircuitOpen checks if an error is a circuit-open refusal.
func IsCircuitOpen(err error) bool { return CodeOf(err) == ErrCodeCircuitOpen }

// IsExchangeUnavailable checks if an error is a server-side failure.
func IsExchangeUnavailable(err error) bool { return CodeOf(err) == ErrCodeExchangeUnavailable }

// IsInvalidRequest checks if an error is a non-retryable client error.
func IsInvalidRequest(err error) bool { return CodeOf(err) == ErrCodeInvalidRequest }

// IsServerRateLimited checks if an error is an HTTP 429.
func IsServerRateLimited(err error) bool { return CodeOf(err) == ErrCodeServerRateLimited }

// IsRateLimited checks if an error is a local rate-limit refusal.
func IsRateLimited(err error) bool { return CodeOf(err) == ErrCodeRateLimited }

// IsStreamTerminated checks if an error is a terminated stream.
func IsStreamTerminated(err error) bool { return CodeOf(err) == ErrCodeStreamTerminated }

// IsNotSupported checks if an error is an unsupported operation.
func IsNotSupported(err error) bool { return CodeOf(err) == ErrCodeNotSupported }

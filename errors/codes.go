package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Transport/availability errors (retryable)
const (
	// ErrCodeNetwork indicates a transport-level failure (DNS, connection
	// reset, timeout) after internal retries were exhausted.
	ErrCodeNetwork ErrorCode = "NETWORK_ERROR"
	// ErrCodeExchangeUnavailable indicates the exchange answered with a
	// server error, or the circuit breaker refused the call.
	ErrCodeExchangeUnavailable ErrorCode = "EXCHANGE_UNAVAILABLE"
	// ErrCodeServerRateLimited indicates the exchange replied 429.
	ErrCodeServerRateLimited ErrorCode = "SERVER_RATE_LIMITED"
	// ErrCodeRateLimited indicates the local token bucket refused a
	// non-blocking acquire.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"
)

// Terminal errors (not retryable)
const (
	// ErrCodeCircuitOpen indicates the circuit breaker is open and the
	// call was refused without touching the network.
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	// ErrCodeInvalidRequest indicates a non-retryable client error (4xx
	// other than 429).
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	// ErrCodeStreamTerminated indicates a stream gave up reconnecting.
	ErrCodeStreamTerminated ErrorCode = "STREAM_TERMINATED"
	// ErrCodeNotSupported indicates the exchange does not implement the
	// requested operation.
	ErrCodeNotSupported ErrorCode = "NOT_SUPPORTED"
)

var retryableCodes = map[ErrorCode]bool{
	ErrCodeNetwork:             true,
	ErrCodeExchangeUnavailable: true,
	ErrCodeServerRateLimited:   true,
	ErrCodeRateLimited:         true,
	ErrCodeCircuitOpen:         false,
	ErrCodeInvalidRequest:      false,
	ErrCodeStreamTerminated:    false,
	ErrCodeNotSupported:        false,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}

package logger

// Standard field key constants for structured logging.
const (
	FieldComponent = "component"
	FieldExchange  = "exchange"
	FieldEndpoint  = "endpoint"
	FieldChannel   = "channel"
	FieldAttempt   = "attempt"
	FieldStatus    = "status"
	FieldError     = "error"
	FieldDuration  = "duration_ms"
	FieldURL       = "url"
)

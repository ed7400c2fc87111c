// Package errors provides the error taxonomy shared by the httpclient
// and wstream packages. Adapters branch on error kind with the Is*
// helpers or CodeOf instead of parsing strings.
//
// A caller of the transport core receives either a success value or
// exactly one of these typed errors after all internal retry/reconnect
// recovery is exhausted:
//
//	errors.IsExchangeUnavailable(err) // 5xx after retries, or circuit open
//	errors.IsInvalidRequest(err)      // non-retryable 4xx
//	errors.IsServerRateLimited(err)   // HTTP 429 after retries
//	errors.IsNetwork(err)             // DNS/reset/timeout after retries
//	errors.IsStreamTerminated(err)    // reconnect budget exhausted
package errors

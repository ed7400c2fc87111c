// Package resilience provides the building blocks the exchange
// transport core composes around every remote call.
//
// This package includes:
//   - RateLimiter: weighted token bucket keyed by logical endpoint name
//   - CircuitBreaker: fails fast once an exchange trips the failure threshold
//   - Retry: exponential backoff with jitter
//   - Bulkhead: caps concurrent in-flight calls
//
// One limiter and one breaker are constructed per adapter instance and
// passed by ownership; exchange quotas are never shared. The httpclient
// package wires all four together:
//
//	rl := resilience.NewRateLimiter(resilience.RateLimiterConfig{
//	    MaxTokens: 100, Window: time.Minute,
//	    Weights:   map[string]float64{"createOrder": 5},
//	})
//	cb := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("hyperliquid"))
//
//	_ = rl.Acquire(ctx, "createOrder")
//	err := cb.Execute(func() error { return doCall() })
package resilience

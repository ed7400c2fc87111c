// Package httpclient provides the resilient HTTP client every exchange
// adapter talks through. A request flows:
//
//	RateLimiter.Acquire (may block) ->
//	CircuitBreaker.Allow (fail fast when open) ->
//	attempt loop with per-attempt timeout and jittered backoff ->
//	typed result or typed error
//
// Failures surface as typed errors from the errors package; adapters
// never see raw transport errors and perform no retrying of their own.
//
//	client, _ := httpclient.New(httpclient.Config{
//	    Name:    "hyperliquid",
//	    BaseURL: "https://api.hyperliquid.xyz",
//	    RateLimiter: &resilience.RateLimiterConfig{
//	        MaxTokens: 100, Window: time.Minute,
//	        Weights:   map[string]float64{"createOrder": 5},
//	    },
//	})
//
//	markets, err := httpclient.Get[[]Market](client, ctx, "/info/markets",
//	    httpclient.WithEndpoint("fetchMarkets"))
package httpclient

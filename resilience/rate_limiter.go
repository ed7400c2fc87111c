package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Common rate limiter errors.
var (
	ErrRateLimited = errors.New("rate limit exceeded")
)

// RateLimiterConfig configures a weighted token-bucket rate limiter.
// Each adapter instance owns its own limiter; quotas are exchange
// specific and never shared.
type RateLimiterConfig struct {
	// Name identifies this rate limiter for logging.
	Name string
	// MaxTokens is the bucket capacity (maximum burst).
	MaxTokens float64 `yaml:"max_tokens" mapstructure:"max_tokens"`
	// Window is the interval over which MaxTokens refill. Used to derive
	// RefillRate when RefillRate is zero.
	Window time.Duration `yaml:"window" mapstructure:"window"`
	// RefillRate is the number of tokens added per second. Takes
	// precedence over Window when set.
	RefillRate float64 `yaml:"refill_rate" mapstructure:"refill_rate"`
	// Weights maps logical endpoint names to their token cost.
	// Endpoints not present cost 1.
	Weights map[string]float64 `yaml:"weights" mapstructure:"weights"`
	// OnLimit is called when a caller has to wait or is refused.
	OnLimit func(name, endpoint string)
}

// DefaultRateLimiterConfig returns sensible defaults.
func DefaultRateLimiterConfig(name string) RateLimiterConfig {
	return RateLimiterConfig{
		Name:       name,
		MaxTokens:  20,
		RefillRate: 10.0,
	}
}

// RateLimiter implements a weighted token-bucket rate limiter.
// Refill is lazy: tokens are recomputed from elapsed time on each
// acquire, never by a background timer.
type RateLimiter struct {
	config RateLimiterConfig

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.MaxTokens <= 0 {
		config.MaxTokens = 20
	}
	if config.RefillRate <= 0 {
		if config.Window > 0 {
			config.RefillRate = config.MaxTokens / config.Window.Seconds()
		} else {
			config.RefillRate = config.MaxTokens
		}
	}

	return &RateLimiter{
		config:     config,
		tokens:     config.MaxTokens,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until the endpoint's token cost is available or the
// context is cancelled. Under normal operation it never returns an
// error other than the context's.
//
// Concurrent acquirers race for replenished tokens, so the check is
// re-run after every wait; tokens are only ever subtracted under the
// lock and never go negative.
func (rl *RateLimiter) Acquire(ctx context.Context, endpoint string) error {
	cost := rl.Cost(endpoint)
	limited := false

	for {
		rl.mu.Lock()
		rl.refill()

		if rl.tokens >= cost {
			rl.tokens -= cost
			rl.mu.Unlock()
			return nil
		}

		wait := time.Duration((cost - rl.tokens) / rl.config.RefillRate * float64(time.Second))
		rl.mu.Unlock()

		if !limited {
			limited = true
			if rl.config.OnLimit != nil {
				rl.config.OnLimit(rl.config.Name, endpoint)
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire attempts to take the endpoint's token cost without
// blocking. Returns ErrRateLimited if the bucket cannot cover it.
func (rl *RateLimiter) TryAcquire(endpoint string) error {
	cost := rl.Cost(endpoint)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()

	if rl.tokens >= cost {
		rl.tokens -= cost
		return nil
	}

	if rl.config.OnLimit != nil {
		rl.config.OnLimit(rl.config.Name, endpoint)
	}
	return ErrRateLimited
}

// Execute runs a function if the rate limit allows, without blocking.
func (rl *RateLimiter) Execute(endpoint string, fn func() error) error {
	if err := rl.TryAcquire(endpoint); err != nil {
		return err
	}
	return fn()
}

// ExecuteWait blocks until the rate limit allows, then runs the function.
func (rl *RateLimiter) ExecuteWait(ctx context.Context, endpoint string, fn func() error) error {
	if err := rl.Acquire(ctx, endpoint); err != nil {
		return err
	}
	return fn()
}

// Cost returns the token cost of an endpoint (1 when unconfigured).
func (rl *RateLimiter) Cost(endpoint string) float64 {
	if w, ok := rl.config.Weights[endpoint]; ok && w > 0 {
		return w
	}
	return 1
}

// refill adds tokens based on time elapsed. Caller must hold rl.mu.
func (rl *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.lastRefill = now

	rl.tokens += elapsed * rl.config.RefillRate
	if rl.tokens > rl.config.MaxTokens {
		rl.tokens = rl.config.MaxTokens
	}
}

// Tokens returns the current number of available tokens.
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill()
	return rl.tokens
}

// Rate returns the refill rate in tokens per second.
func (rl *RateLimiter) Rate() float64 {
	return rl.config.RefillRate
}

// Capacity returns the bucket capacity.
func (rl *RateLimiter) Capacity() float64 {
	return rl.config.MaxTokens
}

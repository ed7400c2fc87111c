package httpclient

import (
	"fmt"
	"time"

	"github.com/tradewire/exkit/logger"
	"github.com/tradewire/exkit/resilience"
)

const defaultTimeout = 30 * time.Second

// DefaultRetryableStatuses are the HTTP status codes worth retrying.
var DefaultRetryableStatuses = []int{408, 429, 500, 502, 503, 504}

// RetryConfig configures the retry loop around each request.
type RetryConfig struct {
	// MaxAttempts is the total number of transport attempts. 1 disables
	// retrying.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	// Multiplier is the exponential backoff factor.
	Multiplier float64 `yaml:"multiplier" mapstructure:"multiplier"`
	// Jitter perturbs each delay by a random fraction.
	Jitter float64 `yaml:"jitter" mapstructure:"jitter"`
	// RetryableStatuses lists status codes that may be retried.
	// Network and timeout failures are always retryable.
	RetryableStatuses []int `yaml:"retryable_statuses" mapstructure:"retryable_statuses"`
}

// DefaultRetryConfig returns the retry defaults used when Config.Retry
// is nil.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		Multiplier:        2.0,
		Jitter:            0.1,
		RetryableStatuses: DefaultRetryableStatuses,
	}
}

// Config configures the HTTP client.
type Config struct {
	// Name identifies the exchange this client talks to. Used for the
	// breaker/limiter names and log tags.
	Name string `yaml:"name" mapstructure:"name"`

	// BaseURL is the base URL prepended to all request paths.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`

	// Timeout is the hard per-attempt timeout, enforced independent of
	// retry delays. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// Headers are default headers applied to all requests.
	Headers map[string]string `yaml:"headers" mapstructure:"headers"`

	// Retry configures retry behavior. Nil uses DefaultRetryConfig.
	Retry *RetryConfig `yaml:"retry" mapstructure:"retry"`

	// CircuitBreaker configures the breaker. Nil uses defaults; set
	// Disabled to bypass it.
	CircuitBreaker *resilience.CircuitBreakerConfig `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`

	// RateLimiter configures weighted request admission. Nil disables
	// local rate limiting.
	RateLimiter *resilience.RateLimiterConfig `yaml:"rate_limiter" mapstructure:"rate_limiter"`

	// Bulkhead caps concurrent in-flight requests. Nil disables it.
	Bulkhead *resilience.BulkheadConfig `yaml:"bulkhead" mapstructure:"bulkhead"`

	// Logger receives request/retry/breaker events. Nil discards them.
	Logger *logger.Logger `yaml:"-" mapstructure:"-"`
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Retry == nil {
		c.Retry = DefaultRetryConfig()
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Retry.RetryableStatuses == nil {
		c.Retry.RetryableStatuses = DefaultRetryableStatuses
	}
	if c.CircuitBreaker == nil {
		cfg := resilience.DefaultCircuitBreakerConfig(c.Name)
		c.CircuitBreaker = &cfg
	}
	if c.CircuitBreaker.Name == "" {
		c.CircuitBreaker.Name = c.Name
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("httpclient: timeout must be positive")
	}
	if c.Retry != nil && c.Retry.Jitter < 0 {
		return fmt.Errorf("httpclient: retry jitter must not be negative")
	}
	return nil
}

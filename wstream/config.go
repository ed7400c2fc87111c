package wstream

import (
	"fmt"
	"time"

	"github.com/tradewire/exkit/logger"
)

const (
	defaultQueueSize        = 256
	defaultWriteTimeout     = 10 * time.Second
	defaultHandshakeTimeout = 15 * time.Second
)

// ReconnectConfig configures reconnection behavior.
type ReconnectConfig struct {
	// Disabled turns reconnection off: the first drop terminates all
	// consumers.
	Disabled bool `yaml:"disabled" mapstructure:"disabled"`
	// MaxAttempts is the number of consecutive failed connection
	// attempts tolerated before the stream is terminated.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
	// InitialDelay is the delay before the first reconnect attempt.
	InitialDelay time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	// MaxDelay caps the reconnect delay.
	MaxDelay time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	// Multiplier is the exponential backoff factor.
	Multiplier float64 `yaml:"multiplier" mapstructure:"multiplier"`
	// Jitter perturbs each delay by a random fraction.
	Jitter float64 `yaml:"jitter" mapstructure:"jitter"`
}

// Config configures a websocket manager.
type Config struct {
	// Name identifies the exchange this manager streams from.
	Name string `yaml:"name" mapstructure:"name"`

	// URL is the websocket endpoint. One manager owns exactly one
	// physical connection to this URL.
	URL string `yaml:"url" mapstructure:"url"`

	// Reconnect configures the reconnect/backoff policy.
	Reconnect ReconnectConfig `yaml:"reconnect" mapstructure:"reconnect"`

	// ChannelKey extracts the logical channel key from a raw inbound
	// message (e.g. "orderbook:BTCUSDC"). Messages mapping to "" or to
	// an unknown channel are dropped.
	ChannelKey func(message []byte) string `yaml:"-" mapstructure:"-"`

	// QueueSize is the per-consumer buffer. A consumer that falls this
	// far behind starts losing messages. Defaults to 256.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`

	// WriteTimeout bounds each outbound write. Defaults to 10s.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`

	// HandshakeTimeout bounds the websocket dial. Defaults to 15s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`

	// Logger receives connection lifecycle events. Nil discards them.
	Logger *logger.Logger `yaml:"-" mapstructure:"-"`
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = 10
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = 500 * time.Millisecond
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = 30 * time.Second
	}
	if c.Reconnect.Multiplier <= 0 {
		c.Reconnect.Multiplier = 2.0
	}
	if c.Reconnect.Jitter == 0 {
		c.Reconnect.Jitter = 0.1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("wstream: url is required")
	}
	if c.ChannelKey == nil {
		return fmt.Errorf("wstream: channel key function is required")
	}
	if c.Reconnect.Jitter < 0 {
		return fmt.Errorf("wstream: reconnect jitter must not be negative")
	}
	return nil
}

// ConnectionState represents the state of the physical connection.
type ConnectionState int

const (
	// StateDisconnected means no connection exists or reconnection has
	// been given up.
	StateDisconnected ConnectionState = iota
	// StateConnecting means the initial dial is in progress.
	StateConnecting
	// StateConnected means the socket is live.
	StateConnected
	// StateReconnecting means the socket dropped and a reconnect is
	// scheduled or in progress.
	StateReconnecting
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

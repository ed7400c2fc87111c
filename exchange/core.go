package exchange

import (
	"fmt"

	"github.com/tradewire/exkit/httpclient"
	"github.com/tradewire/exkit/logger"
	"github.com/tradewire/exkit/wstream"
)

// CoreConfig configures the transport bundle of one adapter.
type CoreConfig struct {
	// Name is the exchange identifier, propagated into the HTTP
	// client, stream manager, logger and typed errors.
	Name string `yaml:"name" mapstructure:"name"`

	// HTTP configures the resilient REST client, including its rate
	// limiter and circuit breaker.
	HTTP httpclient.Config `yaml:"http" mapstructure:"http"`

	// Stream configures the websocket manager. Nil for REST-only
	// adapters.
	Stream *wstream.Config `yaml:"stream" mapstructure:"stream"`

	// Capabilities are the adapter's published feature flags.
	Capabilities Capabilities `yaml:"capabilities" mapstructure:"capabilities"`

	// Logger is shared across the bundle. Nil discards logs.
	Logger *logger.Logger `yaml:"-" mapstructure:"-"`
}

// Core bundles the transport instances one adapter owns: its HTTP
// client (with limiter and breaker) and, optionally, its stream
// manager. Each adapter constructs its own Core; rate budgets and
// breaker state are exchange-specific and never shared.
type Core struct {
	name   string
	caps   Capabilities
	http   *httpclient.Client
	stream *wstream.Manager
	log    *logger.Logger
}

// NewCore builds the transport bundle for one adapter.
func NewCore(cfg CoreConfig) (*Core, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("exchange: name is required")
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithExchange(cfg.Name)

	httpCfg := cfg.HTTP
	if httpCfg.Name == "" {
		httpCfg.Name = cfg.Name
	}
	if httpCfg.Logger == nil {
		httpCfg.Logger = log
	}
	client, err := httpclient.New(httpCfg)
	if err != nil {
		return nil, fmt.Errorf("exchange: build http client: %w", err)
	}

	var stream *wstream.Manager
	if cfg.Stream != nil {
		streamCfg := *cfg.Stream
		if streamCfg.Name == "" {
			streamCfg.Name = cfg.Name
		}
		if streamCfg.Logger == nil {
			streamCfg.Logger = log
		}
		stream, err = wstream.New(streamCfg)
		if err != nil {
			return nil, fmt.Errorf("exchange: build stream manager: %w", err)
		}
	}

	return &Core{
		name:   cfg.Name,
		caps:   cfg.Capabilities,
		http:   client,
		stream: stream,
		log:    log,
	}, nil
}

// Name returns the exchange identifier.
func (c *Core) Name() string { return c.name }

// Capabilities returns the adapter's published feature flags.
func (c *Core) Capabilities() Capabilities { return c.caps }

// HTTP returns the adapter's resilient REST client.
func (c *Core) HTTP() *httpclient.Client { return c.http }

// Stream returns the adapter's websocket manager, or nil for
// REST-only adapters.
func (c *Core) Stream() *wstream.Manager { return c.stream }

// Log returns the exchange-tagged logger.
func (c *Core) Log() *logger.Logger { return c.log }

// Close tears down the stream manager if one exists.
func (c *Core) Close() error {
	if c.stream != nil {
		return c.stream.Close()
	}
	return nil
}

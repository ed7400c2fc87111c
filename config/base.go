package config

import "fmt"

// Base contains the fields every adapter configuration carries.
type Base struct {
	Exchange    string `yaml:"exchange" mapstructure:"exchange"`
	Environment string `yaml:"environment" mapstructure:"environment"`
	Testnet     bool   `yaml:"testnet" mapstructure:"testnet"`
	Debug       bool   `yaml:"debug" mapstructure:"debug"`
}

// ApplyDefaults applies default values to the base configuration.
func (c *Base) ApplyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Environment == "development" {
		c.Debug = true
	}
}

// Validate validates the base configuration.
func (c *Base) Validate() error {
	if c.Exchange == "" {
		return fmt.Errorf("base.exchange is required")
	}
	validEnvs := []string{"development", "staging", "production"}
	for _, v := range validEnvs {
		if c.Environment == v {
			return nil
		}
	}
	return fmt.Errorf("base.environment must be one of [development, staging, production] (got: %s)", c.Environment)
}

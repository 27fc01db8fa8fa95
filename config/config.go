// Package config provides configuration types and utilities for the agent
// runtime. This file contains the main unified configuration entry point.
package config

import (
	"fmt"
)

// Config is the complete top-level document a gadgetrun deployment loads:
// one or more named agents, the model pricing table, and global logging.
type Config struct {
	Version string                     `yaml:"version,omitempty"`
	Logging LoggingConfig              `yaml:"logging,omitempty"`
	Models  []ModelRateConfig          `yaml:"models,omitempty"`
	Agents  map[string]AgentConfig     `yaml:"agents"`
}

// Validate implements ConfigInterface for Config.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}
	for i := range c.Models {
		if err := c.Models[i].Validate(); err != nil {
			return fmt.Errorf("models[%d] validation failed: %w", i, err)
		}
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	for name, agent := range c.Agents {
		if err := agent.Validate(); err != nil {
			return fmt.Errorf("agent %q validation failed: %w", name, err)
		}
	}
	return nil
}

// SetDefaults implements ConfigInterface for Config.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	for i := range c.Models {
		c.Models[i].SetDefaults()
	}
	for name, agent := range c.Agents {
		agent.SetDefaults()
		c.Agents[name] = agent
	}
}

// GetAgent returns a named agent's configuration.
func (c *Config) GetAgent(name string) (*AgentConfig, bool) {
	agent, exists := c.Agents[name]
	return &agent, exists
}

// ============================================================================
// LOGGING CONFIGURATION
// ============================================================================

// LoggingConfig controls the slog handler the demo entrypoint builds via
// the logger package.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug | info | warn | error
	Format string `yaml:"format,omitempty"` // simple | verbose
}

// Validate implements ConfigInterface for LoggingConfig.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level %q is not one of debug|info|warn|error", c.Level)
	}
	switch c.Format {
	case "", "simple", "verbose":
	default:
		return fmt.Errorf("format %q is not one of simple|verbose", c.Format)
	}
	return nil
}

// SetDefaults implements ConfigInterface for LoggingConfig.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

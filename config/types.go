// Package config provides configuration types and utilities for the agent
// runtime. This file contains all configuration types in a unified
// structure, decoded from YAML and validated before an Agent is built.
package config

import (
	"fmt"
	"time"

	"github.com/gadgetcore/runtime/observability"
)

// ============================================================================
// AGENT CONFIGURATION
// ============================================================================

// AgentConfig is the top-level per-agent configuration: model selection,
// termination bounds, the text-only policy, and the gadget subsystem.
type AgentConfig struct {
	Model                  string         `yaml:"model"`
	SystemPrompt           string         `yaml:"system_prompt,omitempty"`
	Budget                 float64        `yaml:"budget,omitempty"`
	MaxIterations          int            `yaml:"max_iterations,omitempty"`
	TextOnlyPolicy         string         `yaml:"text_only_policy,omitempty"` // terminate | acknowledge | wait_for_input | custom
	TextWrappingGadgetName string         `yaml:"text_wrapping_gadget,omitempty"`
	Parser                 ParserConfig   `yaml:"parser,omitempty"`
	Scheduler              SchedulerConfig `yaml:"scheduler,omitempty"`
	Gadgets                []GadgetConfig `yaml:"gadgets,omitempty"`
	RateLimit              RateLimitConfig `yaml:"rate_limit,omitempty"`
	Retry                  RetryConfig    `yaml:"retry,omitempty"`
	DefaultTimeout         time.Duration  `yaml:"default_timeout,omitempty"`
	Observability          observability.Config `yaml:"observability,omitempty"`
}

// Validate implements ConfigInterface for AgentConfig.
func (c *AgentConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Budget < 0 {
		return fmt.Errorf("budget must be non-negative")
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be non-negative")
	}
	switch c.TextOnlyPolicy {
	case "", "terminate", "acknowledge", "wait_for_input", "custom":
	default:
		return fmt.Errorf("text_only_policy %q is not one of terminate|acknowledge|wait_for_input|custom", c.TextOnlyPolicy)
	}
	for i := range c.Gadgets {
		if err := c.Gadgets[i].Validate(); err != nil {
			return fmt.Errorf("gadget[%d] validation failed: %w", i, err)
		}
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit validation failed: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry validation failed: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability validation failed: %w", err)
	}
	return nil
}

// SetDefaults implements ConfigInterface for AgentConfig.
func (c *AgentConfig) SetDefaults() {
	if c.TextOnlyPolicy == "" {
		c.TextOnlyPolicy = "terminate"
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	c.Parser.SetDefaults()
	c.Scheduler.SetDefaults()
	c.RateLimit.SetDefaults()
	c.Retry.SetDefaults()
	c.Observability.SetDefaults()
	for i := range c.Gadgets {
		c.Gadgets[i].SetDefaults()
	}
}

// ============================================================================
// PARSER CONFIGURATION
// ============================================================================

// ParserConfig carries the marker-protocol's three configurable prefixes.
type ParserConfig struct {
	StartPrefix string `yaml:"start_prefix,omitempty"`
	EndPrefix   string `yaml:"end_prefix,omitempty"`
	ArgPrefix   string `yaml:"arg_prefix,omitempty"`
	Strict      bool   `yaml:"strict,omitempty"`
}

func (c *ParserConfig) Validate() error { return nil }

func (c *ParserConfig) SetDefaults() {
	if c.StartPrefix == "" {
		c.StartPrefix = "!!!GADGET_START:"
	}
	if c.EndPrefix == "" {
		c.EndPrefix = "!!!GADGET_END:"
	}
	if c.ArgPrefix == "" {
		c.ArgPrefix = "!!!ARG:"
	}
}

// ============================================================================
// SCHEDULER CONFIGURATION
// ============================================================================

// SchedulerConfig controls gadget dispatch concurrency and per-response bounds.
type SchedulerConfig struct {
	Mode                  string `yaml:"mode,omitempty"` // parallel | sequential
	MaxConcurrent         int    `yaml:"max_concurrent,omitempty"`
	MaxGadgetsPerResponse int    `yaml:"max_gadgets_per_response,omitempty"`
}

func (c *SchedulerConfig) Validate() error {
	switch c.Mode {
	case "", "parallel", "sequential":
	default:
		return fmt.Errorf("mode %q is not one of parallel|sequential", c.Mode)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must be non-negative")
	}
	if c.MaxGadgetsPerResponse < 0 {
		return fmt.Errorf("max_gadgets_per_response must be non-negative")
	}
	return nil
}

func (c *SchedulerConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = "parallel"
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 4
	}
}

// ============================================================================
// GADGET CONFIGURATION
// ============================================================================

// GadgetConfig names one gadget an agent should register, plus the static
// parameters it's configured with (if any) beyond what the model supplies.
type GadgetConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Enabled     *bool          `yaml:"enabled,omitempty"`
	TimeoutMs   int            `yaml:"timeout_ms,omitempty"`
	Params      map[string]any `yaml:"params,omitempty"`
}

func (c *GadgetConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms must be non-negative")
	}
	return nil
}

func (c *GadgetConfig) SetDefaults() {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
}

// IsEnabled reports whether this gadget should be registered.
func (c *GadgetConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ============================================================================
// RATE LIMIT CONFIGURATION
// ============================================================================

// RateLimitConfig mirrors ratelimit.Limits for YAML decoding.
type RateLimitConfig struct {
	RequestsPerMinute int64   `yaml:"requests_per_minute,omitempty"`
	TokensPerMinute   int64   `yaml:"tokens_per_minute,omitempty"`
	TokensPerDay      int64   `yaml:"tokens_per_day,omitempty"`
	SafetyMargin      float64 `yaml:"safety_margin,omitempty"`
}

func (c *RateLimitConfig) Validate() error {
	if c.RequestsPerMinute < 0 || c.TokensPerMinute < 0 || c.TokensPerDay < 0 {
		return fmt.Errorf("rate limit caps must be non-negative")
	}
	if c.SafetyMargin < 0 || c.SafetyMargin > 1 {
		return fmt.Errorf("safety_margin must be in [0,1]")
	}
	return nil
}

func (c *RateLimitConfig) SetDefaults() {
	if c.SafetyMargin == 0 {
		c.SafetyMargin = 1
	}
}

// ============================================================================
// RETRY CONFIGURATION
// ============================================================================

// RetryConfig mirrors retry.Config for YAML decoding.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries,omitempty"`
	MinBackoff time.Duration `yaml:"min_backoff,omitempty"`
	MaxBackoff time.Duration `yaml:"max_backoff,omitempty"`
	Strategy   string        `yaml:"strategy,omitempty"` // exponential | linear | fixed
}

func (c *RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	switch c.Strategy {
	case "", "exponential", "linear", "fixed":
	default:
		return fmt.Errorf("strategy %q is not one of exponential|linear|fixed", c.Strategy)
	}
	return nil
}

func (c *RetryConfig) SetDefaults() {
	if c.MinBackoff == 0 {
		c.MinBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Strategy == "" {
		c.Strategy = "exponential"
	}
}

// ============================================================================
// MODEL PRICING CONFIGURATION
// ============================================================================

// ModelRateConfig mirrors pricing.ModelRate for YAML decoding.
type ModelRateConfig struct {
	Model                   string  `yaml:"model"`
	InputPerMillion         float64 `yaml:"input_per_million,omitempty"`
	OutputPerMillion        float64 `yaml:"output_per_million,omitempty"`
	CachedInputPerMillion   float64 `yaml:"cached_input_per_million,omitempty"`
	CacheCreationPerMillion float64 `yaml:"cache_creation_per_million,omitempty"`
	ReasoningPerMillion     float64 `yaml:"reasoning_per_million,omitempty"`
	TiktokenEncoding        string  `yaml:"tiktoken_encoding,omitempty"`
}

func (c *ModelRateConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

func (c *ModelRateConfig) SetDefaults() {
	if c.TiktokenEncoding == "" {
		c.TiktokenEncoding = "cl100k_base"
	}
}

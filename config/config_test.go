package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromStringAppliesDefaults(t *testing.T) {
	yamlContent := `
agents:
  main:
    model: gpt-4o-mini
`
	cfg, err := LoadConfigFromString(yamlContent)
	require.NoError(t, err)
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	agent := cfg.Agents["main"]
	assert.Equal(t, "terminate", agent.TextOnlyPolicy)
	assert.Equal(t, "!!!GADGET_START:", agent.Parser.StartPrefix)
	assert.Equal(t, "parallel", agent.Scheduler.Mode)
	assert.Equal(t, 4, agent.Scheduler.MaxConcurrent)
}

func TestLoadConfigExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_MODEL", "claude-demo")
	yamlContent := `
agents:
  main:
    model: ${TEST_MODEL}
`
	cfg, err := LoadConfigFromString(yamlContent)
	require.NoError(t, err)
	assert.Equal(t, "claude-demo", cfg.Agents["main"].Model)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents:\n  main:\n    model: gpt-4o-mini\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.Agents["main"].Model)
}

func TestValidateRejectsMissingModel(t *testing.T) {
	cfg := &Config{Agents: map[string]AgentConfig{"main": {}}}
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsEmptyAgents(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsUnknownTextOnlyPolicy(t *testing.T) {
	agent := AgentConfig{Model: "gpt-4o-mini", TextOnlyPolicy: "explode"}
	assert.Error(t, agent.Validate())
}

func TestGadgetConfigIsEnabledDefaultsTrue(t *testing.T) {
	g := GadgetConfig{Name: "echo"}
	g.SetDefaults()
	assert.True(t, g.IsEnabled())
}

func TestGadgetConfigCanBeDisabled(t *testing.T) {
	disabled := false
	g := GadgetConfig{Name: "echo", Enabled: &disabled}
	assert.False(t, g.IsEnabled())
}

func TestRateLimitConfigDefaultsSafetyMarginToOne(t *testing.T) {
	rl := RateLimitConfig{}
	rl.SetDefaults()
	assert.Equal(t, 1.0, rl.SafetyMargin)
}

func TestRetryConfigDefaults(t *testing.T) {
	r := RetryConfig{}
	r.SetDefaults()
	assert.Equal(t, "exponential", r.Strategy)
}

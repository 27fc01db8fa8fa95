// Package config provides configuration types and utilities for the agent
// runtime. This file contains the YAML loading entry points, grounded on
// the corpus's env-var-expansion-then-unmarshal convention (env.go).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the complete configuration from a YAML file, expanding
// ${VAR}/${VAR:-default}/$VAR references against the process environment
// before unmarshaling.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	return LoadConfigFromString(string(data))
}

// LoadConfigFromString loads configuration from a YAML string, after the
// same environment-variable expansion LoadConfig applies.
func LoadConfigFromString(yamlContent string) (*Config, error) {
	expanded := expandEnvVars(yamlContent)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

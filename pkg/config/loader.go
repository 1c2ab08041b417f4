package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the expected runtime configuration file.
const ConfigFileName = "triad.yaml"

// Load reads path, expands environment references, merges the result over
// the defaults, and validates. A missing file yields the validated
// defaults, so a bare checkout runs without any configuration.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("no configuration file found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		user, err := Parse(ExpandEnv(data))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge %s over defaults: %w", path, err)
		}
		logger.Info("configuration loaded", "path", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes one YAML document into a Config, rejecting unknown fields.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse YAML: %w", err)
	}
	return &cfg, nil
}

// Package config loads the runtime configuration from triad.yaml, expands
// environment references, merges user values over the defaults, and
// validates the result.
package config

import (
	"fmt"

	"github.com/triadflow/triad/pkg/llm"
	"github.com/triadflow/triad/pkg/supervision"
	"github.com/triadflow/triad/pkg/workflow"
)

// Config is the fully merged runtime configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Bus         BusConfig         `yaml:"bus"`
	Retry       RetryConfig       `yaml:"retry"`
	Supervision SupervisionConfig `yaml:"supervision"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	Codegen     CodegenConfig     `yaml:"codegen"`
	LLM         LLMConfig         `yaml:"llm"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	ListenAddr       string   `yaml:"listen_addr"`
	ShutdownTimeout  Duration `yaml:"shutdown_timeout"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// BusConfig sizes the per-subscriber event queues.
type BusConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// RetryConfig shapes the workflow engine's retry policy.
type RetryConfig struct {
	MaxRetries    int      `yaml:"max_retries"`
	BaseDelay     Duration `yaml:"base_delay"`
	BackoffFactor float64  `yaml:"backoff_factor"`
}

// SupervisionConfig carries the efficiency thresholds.
type SupervisionConfig struct {
	MaxTotalDurationSeconds float64 `yaml:"max_total_duration_seconds"`
	MaxMemoryMB             float64 `yaml:"max_memory_mb"`
	MaxCPUPercent           float64 `yaml:"max_cpu_percent"`
	MaxNodeDurationSeconds  float64 `yaml:"max_node_duration_seconds"`
}

// DefinitionsConfig locates the self-describing node definitions.
type DefinitionsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// CodegenConfig controls the self-extension pipeline.
type CodegenConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LLMConfig is the completion client section.
type LLMConfig struct {
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	Model       string   `yaml:"model"`
	Temperature float32  `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	Timeout     Duration `yaml:"timeout"`
}

// ClientConfig converts the section into the client package's config.
func (c LLMConfig) ClientConfig() llm.Config {
	return llm.Config{
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		Model:       c.Model,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		Timeout:     c.Timeout.Std(),
	}
}

// RetryPolicy converts the config into the engine's policy, keeping the
// stock retryable code set.
func (c RetryConfig) RetryPolicy() workflow.RetryPolicy {
	policy := workflow.DefaultRetryPolicy()
	policy.MaxRetries = c.MaxRetries
	policy.BaseDelay = c.BaseDelay.Std()
	policy.BackoffFactor = c.BackoffFactor
	return policy
}

// Thresholds converts the config into efficiency monitor thresholds.
func (c SupervisionConfig) Thresholds() supervision.EfficiencyThresholds {
	return supervision.EfficiencyThresholds{
		MaxTotalDurationSeconds: c.MaxTotalDurationSeconds,
		MaxMemoryMB:             c.MaxMemoryMB,
		MaxCPUPercent:           c.MaxCPUPercent,
		MaxNodeDurationSeconds:  c.MaxNodeDurationSeconds,
	}
}

// Validate rejects configurations the runtime cannot operate with.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if c.Bus.QueueSize <= 0 {
		return fmt.Errorf("bus.queue_size must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be at least 1")
	}
	if c.Definitions.Dir == "" {
		return fmt.Errorf("definitions.dir is required")
	}
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"supervision.max_total_duration_seconds", c.Supervision.MaxTotalDurationSeconds},
		{"supervision.max_memory_mb", c.Supervision.MaxMemoryMB},
		{"supervision.max_cpu_percent", c.Supervision.MaxCPUPercent},
		{"supervision.max_node_duration_seconds", c.Supervision.MaxNodeDurationSeconds},
	} {
		if v.value <= 0 {
			return fmt.Errorf("%s must be positive", v.name)
		}
	}
	// The LLM section is optional; when a key is present the rest of the
	// section must be coherent.
	if c.LLM.APIKey != "" {
		if err := c.LLM.ClientConfig().Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LLMEnabled reports whether a completion client can be constructed.
func (c *Config) LLMEnabled() bool {
	return c.LLM.APIKey != "" && c.LLM.Model != ""
}

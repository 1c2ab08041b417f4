package config

import (
	"time"

	"github.com/triadflow/triad/pkg/bus"
	"github.com/triadflow/triad/pkg/supervision"
)

// Defaults returns the stock configuration a user file is merged over.
func Defaults() *Config {
	thresholds := supervision.DefaultThresholds()
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Bus: BusConfig{
			QueueSize: bus.DefaultQueueSize,
		},
		Retry: RetryConfig{
			MaxRetries:    2,
			BaseDelay:     Duration(500 * time.Millisecond),
			BackoffFactor: 2.0,
		},
		Supervision: SupervisionConfig{
			MaxTotalDurationSeconds: thresholds.MaxTotalDurationSeconds,
			MaxMemoryMB:             thresholds.MaxMemoryMB,
			MaxCPUPercent:           thresholds.MaxCPUPercent,
			MaxNodeDurationSeconds:  thresholds.MaxNodeDurationSeconds,
		},
		Definitions: DefinitionsConfig{
			Dir:   "definitions",
			Watch: true,
		},
		Codegen: CodegenConfig{
			Enabled: true,
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			Timeout:     Duration(60 * time.Second),
		},
	}
}

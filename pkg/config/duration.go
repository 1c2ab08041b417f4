package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// like "500ms" or "1m30s". Plain integers are taken as nanoseconds for
// parity with time.Duration itself.
type Duration time.Duration

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(asInt)
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

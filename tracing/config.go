package tracing

import (
	"fmt"
	"time"
)

// Config holds the segment tracer settings.
type Config struct {
	// UnscopedRollup also records every segment under its unscoped identity.
	UnscopedRollup bool `mapstructure:"unscopedRollup" yaml:"unscopedRollup"`

	// SlowThreshold logs segments at least this long. Zero disables the log.
	SlowThreshold time.Duration `mapstructure:"slowThreshold" yaml:"slowThreshold"`
}

// DefaultConfig returns the settings used when the section is absent.
func DefaultConfig() Config {
	return Config{
		UnscopedRollup: true,
	}
}

// Validate checks that the tracer configuration contains valid values.
func (c *Config) Validate() error {
	if c.SlowThreshold < 0 {
		return fmt.Errorf("slow threshold must not be negative")
	}
	return nil
}

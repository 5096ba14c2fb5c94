// internal/logging/config.go
package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level      zapcore.Level     `koanf:"level"`
	Format     string            `koanf:"format"`
	Fields     map[string]string `koanf:"fields"`
	CallerSkip int               `koanf:"caller_skip"`
}

// NewDefaultConfig returns production defaults: JSON at info level with the
// service name stamped on every entry.
func NewDefaultConfig() *Config {
	return &Config{
		Level:      zapcore.InfoLevel,
		Format:     "json",
		Fields:     map[string]string{"service": "continuityd"},
		CallerSkip: 1,
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if c.CallerSkip < 0 {
		return fmt.Errorf("caller_skip must be >= 0, got %d", c.CallerSkip)
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("static field %q=%q must have a non-empty key and value", k, v)
		}
	}
	return nil
}

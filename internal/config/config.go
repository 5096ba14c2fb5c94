// Package config provides configuration loading for continuityd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. Validation happens once at startup; an invalid configuration is
// a fatal error, never a degraded mode.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the complete continuityd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Events        EventsConfig        `koanf:"events"`
	Continuity    ContinuityConfig    `koanf:"continuity"`
	Journal       JournalConfig       `koanf:"journal"`
	Ingest        IngestConfig        `koanf:"ingest"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPInsecure    bool   `koanf:"otlp_insecure"`
}

// EventsConfig holds NATS lifecycle event publishing configuration.
//
// Publishing is optional: when disabled (or the broker is unreachable after
// bounded reconnects) the daemon runs without an event bus.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	NATSURL string `koanf:"nats_url"`
}

// ContinuityConfig holds the boundary-proximity and snapshot settings that
// drive the session state machine.
type ContinuityConfig struct {
	// TokenLimit is the context window budget for a single session.
	TokenLimit int `koanf:"token_limit"`

	// Proximity thresholds as fractions of TokenLimit. Must satisfy
	// approaching <= intermediate <= critical.
	ApproachingThreshold  float64 `koanf:"approaching_threshold"`
	IntermediateThreshold float64 `koanf:"intermediate_threshold"`
	CriticalThreshold     float64 `koanf:"critical_threshold"`

	// DebounceWindow suppresses duplicate boundary detections for the same
	// (type, id) pair.
	DebounceWindow Duration `koanf:"debounce_window"`

	// StalenessWindow bounds how long a background-prepared snapshot may be
	// reused on the critical path.
	StalenessWindow Duration `koanf:"staleness_window"`

	// PollInterval is the period of the background proximity check.
	PollInterval Duration `koanf:"poll_interval"`

	// MaxSnapshotBytes is the serialized-size ceiling for a context snapshot.
	MaxSnapshotBytes int `koanf:"max_snapshot_bytes"`
}

// JournalConfig holds durable journal configuration.
type JournalConfig struct {
	// Dir is the directory holding the index file and snapshot files.
	Dir string `koanf:"dir"`

	// RetentionPeriod controls pruning of old entries and snapshots.
	RetentionPeriod Duration `koanf:"retention_period"`

	// LockRetries and LockBackoff bound file-lock acquisition before the
	// journal falls back to an unlocked write.
	LockRetries int      `koanf:"lock_retries"`
	LockBackoff Duration `koanf:"lock_backoff"`

	// WriteBriefs emits a derived resumption-brief file per continued
	// session for inspection.
	WriteBriefs bool `koanf:"write_briefs"`
}

// IngestConfig holds transcript ingestion configuration.
type IngestConfig struct {
	Enabled        bool   `koanf:"enabled"`
	TranscriptPath string `koanf:"transcript_path"`
}

// Default returns the configuration defaults applied before validation.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9091,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: false,
			ServiceName:     "continuityd",
			OTLPEndpoint:    "localhost:4317",
			OTLPInsecure:    true,
		},
		Events: EventsConfig{
			Enabled: false,
			NATSURL: "nats://localhost:4222",
		},
		Continuity: ContinuityConfig{
			TokenLimit:            200_000,
			ApproachingThreshold:  0.80,
			IntermediateThreshold: 0.85,
			CriticalThreshold:     0.90,
			DebounceWindow:        Duration(5 * time.Second),
			StalenessWindow:       Duration(60 * time.Second),
			PollInterval:          Duration(10 * time.Second),
			MaxSnapshotBytes:      256 * 1024,
		},
		Journal: JournalConfig{
			Dir:             defaultJournalDir(),
			RetentionPeriod: Duration(30 * 24 * time.Hour),
			LockRetries:     5,
			LockBackoff:     Duration(100 * time.Millisecond),
			WriteBriefs:     true,
		},
		Ingest: IngestConfig{
			Enabled: false,
		},
	}
}

func defaultJournalDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "journal")
	}
	return filepath.Join(home, ".config", "continuityd", "journal")
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Token limit is not positive
//   - Proximity thresholds are out of (0, 1] or misordered
//   - Any window or timeout is not positive
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if c.Events.Enabled && c.Events.NATSURL == "" {
		return errors.New("nats_url required when event publishing is enabled")
	}

	cc := c.Continuity
	if cc.TokenLimit <= 0 {
		return fmt.Errorf("token_limit must be positive, got %d", cc.TokenLimit)
	}
	for name, v := range map[string]float64{
		"approaching_threshold":  cc.ApproachingThreshold,
		"intermediate_threshold": cc.IntermediateThreshold,
		"critical_threshold":     cc.CriticalThreshold,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, v)
		}
	}
	if cc.ApproachingThreshold > cc.IntermediateThreshold ||
		cc.IntermediateThreshold > cc.CriticalThreshold {
		return fmt.Errorf("thresholds must satisfy approaching <= intermediate <= critical, got %v/%v/%v",
			cc.ApproachingThreshold, cc.IntermediateThreshold, cc.CriticalThreshold)
	}
	if cc.DebounceWindow.Duration() <= 0 {
		return errors.New("debounce_window must be positive")
	}
	if cc.StalenessWindow.Duration() <= 0 {
		return errors.New("staleness_window must be positive")
	}
	if cc.PollInterval.Duration() <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if cc.MaxSnapshotBytes <= 0 {
		return fmt.Errorf("max_snapshot_bytes must be positive, got %d", cc.MaxSnapshotBytes)
	}

	jc := c.Journal
	if jc.Dir == "" {
		return errors.New("journal dir must not be empty")
	}
	if jc.RetentionPeriod.Duration() <= 0 {
		return errors.New("retention_period must be positive")
	}
	if jc.LockRetries < 1 {
		return fmt.Errorf("lock_retries must be >= 1, got %d", jc.LockRetries)
	}
	if jc.LockBackoff.Duration() <= 0 {
		return errors.New("lock_backoff must be positive")
	}

	if c.Ingest.Enabled && c.Ingest.TranscriptPath == "" {
		return errors.New("transcript_path required when ingest is enabled")
	}

	return nil
}

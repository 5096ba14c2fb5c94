package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 9091, cfg.Server.Port)
	assert.Equal(t, 200_000, cfg.Continuity.TokenLimit)
	assert.Equal(t, 0.80, cfg.Continuity.ApproachingThreshold)
	assert.Equal(t, 0.85, cfg.Continuity.IntermediateThreshold)
	assert.Equal(t, 0.90, cfg.Continuity.CriticalThreshold)
	assert.Equal(t, 5*time.Second, cfg.Continuity.DebounceWindow.Duration())
	assert.Equal(t, 60*time.Second, cfg.Continuity.StalenessWindow.Duration())
	assert.Equal(t, 5, cfg.Journal.LockRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Journal.LockBackoff.Duration())
	assert.NotEmpty(t, cfg.Journal.Dir)
}

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate_PortRange(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port")

	cfg.Server.Port = 70000
	require.Error(t, cfg.Validate())
}

func TestValidate_ThresholdOrdering(t *testing.T) {
	tests := []struct {
		name                                 string
		approaching, intermediate, critical float64
		wantErr                              bool
	}{
		{"default ordering", 0.8, 0.85, 0.9, false},
		{"all equal", 0.9, 0.9, 0.9, false},
		{"approaching above intermediate", 0.86, 0.85, 0.9, true},
		{"intermediate above critical", 0.8, 0.95, 0.9, true},
		{"zero threshold", 0, 0.85, 0.9, true},
		{"above one", 0.8, 0.85, 1.1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Continuity.ApproachingThreshold = tt.approaching
			cfg.Continuity.IntermediateThreshold = tt.intermediate
			cfg.Continuity.CriticalThreshold = tt.critical

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidate_TokenLimit(t *testing.T) {
	cfg := Default()
	cfg.Continuity.TokenLimit = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_limit")
}

func TestValidate_Windows(t *testing.T) {
	cfg := Default()
	cfg.Continuity.DebounceWindow = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Continuity.StalenessWindow = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Continuity.PollInterval = 0
	require.Error(t, cfg.Validate())
}

func TestValidate_Journal(t *testing.T) {
	cfg := Default()
	cfg.Journal.Dir = ""
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Journal.LockRetries = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Journal.RetentionPeriod = 0
	require.Error(t, cfg.Validate())
}

func TestValidate_IngestRequiresPath(t *testing.T) {
	cfg := Default()
	cfg.Ingest.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transcript_path")

	cfg.Ingest.TranscriptPath = "/tmp/transcript.jsonl"
	require.NoError(t, cfg.Validate())
}

func TestValidate_EventsRequireURL(t *testing.T) {
	cfg := Default()
	cfg.Events.Enabled = true
	cfg.Events.NATSURL = ""
	require.Error(t, cfg.Validate())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5s")))
	require.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}

func TestEnvTransformer(t *testing.T) {
	assert.Equal(t, "continuity.token_limit", envTransformer("CONTINUITY_TOKEN_LIMIT"))
	assert.Equal(t, "server.http_port", envTransformer("SERVER_HTTP_PORT"))
	assert.Equal(t, "journal.retention_period", envTransformer("JOURNAL_RETENTION_PERIOD"))

	// Unrelated process environment is discarded.
	assert.Equal(t, "", envTransformer("PATH"))
	assert.Equal(t, "", envTransformer("HOME_DIR"))
}

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/continuityd/internal/config"
	"github.com/fyrsmithlabs/continuityd/internal/logging"
)

func TestSetup_Disabled(t *testing.T) {
	p, err := Setup(context.Background(), config.ObservabilityConfig{
		EnableTelemetry: false,
	}, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetup_EnabledInstallsProviders(t *testing.T) {
	// The gRPC exporters dial lazily, so setup succeeds without a running
	// collector.
	p, err := Setup(context.Background(), config.ObservabilityConfig{
		EnableTelemetry: true,
		ServiceName:     "continuityd-test",
		OTLPEndpoint:    "127.0.0.1:4317",
		OTLPInsecure:    true,
	}, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(ctx) // nothing listening; flush failure is acceptable
}

func TestShutdown_NilProvider(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.False(t, p.Enabled())
}

package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/continuityd/internal/boundary"
	"github.com/fyrsmithlabs/continuityd/internal/budget"
	"github.com/fyrsmithlabs/continuityd/internal/config"
	"github.com/fyrsmithlabs/continuityd/internal/journal"
	"github.com/fyrsmithlabs/continuityd/internal/logging"
	"github.com/fyrsmithlabs/continuityd/internal/session"
	"github.com/fyrsmithlabs/continuityd/internal/snapshot"
	"github.com/fyrsmithlabs/continuityd/internal/token"
)

func newTestManager(t *testing.T, limit int) (*session.Manager, *budget.Tracker) {
	t.Helper()
	logger := logging.NewTestLogger().Logger

	tracker, err := budget.NewTracker(limit, budget.Thresholds{
		Approaching:  0.8,
		Intermediate: 0.85,
		Critical:     0.9,
	})
	require.NoError(t, err)
	detector, err := boundary.NewDetector(5 * time.Second)
	require.NoError(t, err)
	extractor, err := snapshot.NewExtractor(1<<20, logger)
	require.NoError(t, err)
	j, err := journal.New(config.JournalConfig{
		Dir:         t.TempDir(),
		LockRetries: 3,
		LockBackoff: config.Duration(10 * time.Millisecond),
	}, logger)
	require.NoError(t, err)

	m, err := session.NewManager(config.ContinuityConfig{
		TokenLimit:      limit,
		StalenessWindow: config.Duration(60 * time.Second),
	}, session.Deps{
		Tracker:   tracker,
		Detector:  detector,
		Extractor: extractor,
		Journal:   j,
		Issuer:    token.NewIssuer(),
		Logger:    logger,
	})
	require.NoError(t, err)

	_, err = m.Start(context.Background())
	require.NoError(t, err)
	return m, tracker
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
}

func startTailer(t *testing.T, path string, m *session.Manager) *Tailer {
	t.Helper()
	tailer, err := NewTailer(config.IngestConfig{Enabled: true, TranscriptPath: path}, m, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	require.NoError(t, tailer.Start(context.Background()))
	t.Cleanup(tailer.Stop)
	return tailer
}

func TestNewTailer_Validation(t *testing.T) {
	m, _ := newTestManager(t, 100_000)

	_, err := NewTailer(config.IngestConfig{}, m, nil)
	require.Error(t, err)

	_, err = NewTailer(config.IngestConfig{TranscriptPath: "/tmp/x.jsonl"}, nil, nil)
	require.Error(t, err)
}

func TestTailer_FeedsUsageDeltas(t *testing.T) {
	m, tracker := newTestManager(t, 100_000)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	startTailer(t, path, m)

	appendLine(t, path, `{"type":"assistant","uuid":"u1","message":{"id":"msg_001","usage":{"input_tokens":100,"output_tokens":50}}}`)
	require.Eventually(t, func() bool {
		return tracker.Estimate() == 150
	}, 3*time.Second, 20*time.Millisecond)

	// The next message grows the running total by 150.
	appendLine(t, path, `{"type":"assistant","uuid":"u2","message":{"id":"msg_002","usage":{"input_tokens":200,"output_tokens":100}}}`)
	require.Eventually(t, func() bool {
		return tracker.Estimate() == 300
	}, 3*time.Second, 20*time.Millisecond)
}

func TestTailer_DetectsBoundaryMarkers(t *testing.T) {
	m, _ := newTestManager(t, 100_000)
	first, ok := m.Current()
	require.True(t, ok)

	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	startTailer(t, path, m)

	appendLine(t, path, `agent output before the limit [BOUNDARY:CRITICAL:ingest-1]`)

	require.Eventually(t, func() bool {
		cur, ok := m.Current()
		return ok && cur.ID != first.ID
	}, 3*time.Second, 20*time.Millisecond)
}

func TestTailer_StartsAtEndOfExistingFile(t *testing.T) {
	m, tracker := newTestManager(t, 100_000)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")

	// History present before the tailer starts must not be replayed.
	appendLine(t, path, `{"type":"assistant","message":{"usage":{"input_tokens":5000,"output_tokens":1000}}}`)

	startTailer(t, path, m)
	appendLine(t, path, `{"type":"assistant","message":{"usage":{"input_tokens":6000,"output_tokens":1200}}}`)

	require.Eventually(t, func() bool {
		return tracker.Estimate() == 7200
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 7200, tracker.Estimate())
}

func TestTailer_IgnoresMalformedAndPartialLines(t *testing.T) {
	m, tracker := newTestManager(t, 100_000)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	startTailer(t, path, m)

	appendLine(t, path, `{not json at all`)
	appendLine(t, path, ``)
	appendLine(t, path, `{"type":"assistant","message":{"usage":{"input_tokens":10,"output_tokens":5}}}`)

	require.Eventually(t, func() bool {
		return tracker.Estimate() == 15
	}, 3*time.Second, 20*time.Millisecond)
}

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/continuityd/internal/logging"
)

// fakeProvider implements Provider for tests.
type fakeProvider struct {
	name     string
	priority Priority
	data     string
	err      error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Provide(_ context.Context, _ ActivityHint) (Payload, error) {
	if p.err != nil {
		return Payload{}, p.err
	}
	return Payload{Priority: p.priority, Data: json.RawMessage(p.data)}, nil
}

func newTestExtractor(t *testing.T, maxBytes int) *Extractor {
	t.Helper()
	e, err := NewExtractor(maxBytes, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	return e
}

func TestNewExtractor_Validation(t *testing.T) {
	_, err := NewExtractor(0, nil)
	require.Error(t, err)
}

func TestExtract_BucketsByDeclaredPriority(t *testing.T) {
	e := newTestExtractor(t, 1<<20)

	providers := []Provider{
		&fakeProvider{name: "task-state", priority: PriorityCritical, data: `{"progress":0.4}`},
		&fakeProvider{name: "recent-files", priority: PriorityHigh, data: `{"files":["a.go"]}`},
		&fakeProvider{name: "shell-history", priority: PriorityLow, data: `{"cmds":["ls"]}`},
	}

	snap := e.Extract(context.Background(), providers, ActivityHint{})

	require.Len(t, snap.Context[PriorityCritical], 1)
	require.Len(t, snap.Context[PriorityHigh], 1)
	require.Len(t, snap.Context[PriorityLow], 1)
	assert.False(t, snap.Degraded)
	assert.False(t, snap.SerializedAt.IsZero())
	assert.Equal(t, "task-state", snap.Context[PriorityCritical][0].Provider)
}

func TestExtract_UnknownPriorityDefaultsToMedium(t *testing.T) {
	e := newTestExtractor(t, 1<<20)

	snap := e.Extract(context.Background(), []Provider{
		&fakeProvider{name: "odd", priority: Priority("urgent"), data: `{}`},
	}, ActivityHint{})

	require.Len(t, snap.Context[PriorityMedium], 1)
}

func TestExtract_ActivityHintElevation(t *testing.T) {
	e := newTestExtractor(t, 1<<20)

	providers := []Provider{
		&fakeProvider{name: "current-implementation", priority: PriorityMedium, data: `{"file":"main.go"}`},
		&fakeProvider{name: "recent-files", priority: PriorityMedium, data: `{}`},
	}

	snap := e.Extract(context.Background(), providers, ActivityHint{Focus: "current-implementation"})

	require.Len(t, snap.Context[PriorityCritical], 1)
	assert.Equal(t, "current-implementation", snap.Context[PriorityCritical][0].Provider)
	require.Len(t, snap.Context[PriorityMedium], 1)
	assert.Equal(t, "recent-files", snap.Context[PriorityMedium][0].Provider)
}

func TestExtract_ProviderFailureDegrades(t *testing.T) {
	e := newTestExtractor(t, 1<<20)

	providers := []Provider{
		&fakeProvider{name: "healthy", priority: PriorityHigh, data: `{"ok":true}`},
		&fakeProvider{name: "broken", err: errors.New("upstream unavailable")},
	}

	snap := e.Extract(context.Background(), providers, ActivityHint{})

	require.NotNil(t, snap)
	assert.True(t, snap.Degraded)
	assert.True(t, snap.HasFallback())

	// The healthy provider's bucket survives alongside the fallback marker.
	var healthy, fallback bool
	for _, entry := range snap.Context[PriorityHigh] {
		switch entry.Provider {
		case "healthy":
			healthy = true
			assert.Empty(t, entry.Type)
		case "broken":
			fallback = true
			assert.Equal(t, EntryTypeFallback, entry.Type)
			assert.Contains(t, entry.Error, "upstream unavailable")
			assert.False(t, entry.Timestamp.IsZero())
		}
	}
	assert.True(t, healthy)
	assert.True(t, fallback)
}

func TestExtract_AllProvidersFailStillReturnsSnapshot(t *testing.T) {
	e := newTestExtractor(t, 1<<20)

	snap := e.Extract(context.Background(), []Provider{
		&fakeProvider{name: "a", err: errors.New("boom")},
		&fakeProvider{name: "b", err: errors.New("bust")},
	}, ActivityHint{})

	require.NotNil(t, snap)
	assert.True(t, snap.Degraded)
	assert.Len(t, snap.Context[PriorityHigh], 2)
}

func TestTrim_DropsLowestBucketsFirst(t *testing.T) {
	big := `{"blob":"` + strings.Repeat("x", 600) + `"}`

	e := newTestExtractor(t, 1500)
	providers := []Provider{
		&fakeProvider{name: "crit", priority: PriorityCritical, data: big},
		&fakeProvider{name: "high", priority: PriorityHigh, data: `{"small":1}`},
		&fakeProvider{name: "med", priority: PriorityMedium, data: big},
		&fakeProvider{name: "low", priority: PriorityLow, data: big},
	}

	snap := e.Extract(context.Background(), providers, ActivityHint{})

	assert.NotContains(t, snap.Context, PriorityLow)
	assert.NotContains(t, snap.Context, PriorityMedium)
	assert.Contains(t, snap.Context, PriorityHigh)
	assert.Contains(t, snap.Context, PriorityCritical)
	assert.Equal(t, []Priority{PriorityLow, PriorityMedium}, snap.DroppedBuckets)
	assert.LessOrEqual(t, snap.Size(), 1500)
}

func TestTrim_CriticalNeverDropped(t *testing.T) {
	big := `{"blob":"` + strings.Repeat("x", 4000) + `"}`

	e := newTestExtractor(t, 100)
	snap := e.Extract(context.Background(), []Provider{
		&fakeProvider{name: "crit", priority: PriorityCritical, data: big},
		&fakeProvider{name: "low", priority: PriorityLow, data: big},
	}, ActivityHint{})

	// Over budget even after trimming everything droppable; critical stays.
	assert.Contains(t, snap.Context, PriorityCritical)
	assert.NotContains(t, snap.Context, PriorityLow)
	assert.Greater(t, snap.Size(), 100)
}

func TestTrim_NoDropWhenUnderBudget(t *testing.T) {
	e := newTestExtractor(t, 1<<20)
	snap := e.Extract(context.Background(), []Provider{
		&fakeProvider{name: "low", priority: PriorityLow, data: `{}`},
	}, ActivityHint{})

	assert.Empty(t, snap.DroppedBuckets)
	assert.Contains(t, snap.Context, PriorityLow)
}

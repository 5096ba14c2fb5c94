package continuation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/continuityd/internal/logging"
	"github.com/fyrsmithlabs/continuityd/internal/session"
	"github.com/fyrsmithlabs/continuityd/internal/snapshot"
)

func snapshotWithState(t *testing.T, state session.StatePayload) *snapshot.Snapshot {
	t.Helper()
	payload, err := state.Marshal()
	require.NoError(t, err)
	return &snapshot.Snapshot{
		Metadata: snapshot.SessionMetadata{
			SessionID: state.SessionID,
			StartTime: time.Now().Add(-time.Hour),
		},
		Context: map[snapshot.Priority][]snapshot.Entry{
			snapshot.PriorityCritical: {{
				Provider:  session.StateProviderName,
				Timestamp: time.Now(),
				Payload:   payload,
			}},
		},
		SerializedAt: time.Now(),
	}
}

func TestContinue_NilPrevIsNotAnError(t *testing.T) {
	p := NewProtocol(logging.NewTestLogger().Logger)

	cur := &session.Session{ID: "sess-1", Task: session.Task{Description: "fresh work"}}
	merged, brief := p.Continue(context.Background(), nil, cur)

	assert.Same(t, cur, merged)
	require.NotNil(t, brief)
	assert.False(t, brief.HasPriorContext)
	assert.Contains(t, string(brief.Markdown()), "No prior context available")
}

func TestContinue_ListsConcatenateInheritedFirst(t *testing.T) {
	p := NewProtocol(logging.NewTestLogger().Logger)

	prev := snapshotWithState(t, session.StatePayload{
		SessionID: "sess-old",
		Task: session.Task{
			Decisions:      []string{"use sqlite", "batch writes"},
			NextSteps:      []string{"add retries"},
			CompletedSteps: []string{"schema draft"},
			Approach:       []string{"incremental migration"},
		},
	})
	cur := &session.Session{
		ID: "sess-new",
		Task: session.Task{
			Decisions: []string{"switch to WAL"},
			NextSteps: []string{"benchmark"},
		},
	}

	merged, brief := p.Continue(context.Background(), prev, cur)

	assert.Equal(t, []string{"use sqlite", "batch writes", "switch to WAL"}, merged.Task.Decisions)
	assert.Equal(t, []string{"add retries", "benchmark"}, merged.Task.NextSteps)
	assert.Equal(t, []string{"schema draft"}, merged.Task.CompletedSteps)
	assert.Equal(t, []string{"incremental migration"}, merged.Task.Approach)

	require.NotNil(t, brief)
	assert.True(t, brief.HasPriorContext)
	assert.Equal(t, "sess-old", brief.PreviousSessionID)
}

func TestContinue_ScalarsCurrentWins(t *testing.T) {
	p := NewProtocol(logging.NewTestLogger().Logger)

	prev := snapshotWithState(t, session.StatePayload{
		SessionID: "sess-old",
		Task:      session.Task{Description: "inherited description", Progress: 0.4},
	})

	t.Run("current set", func(t *testing.T) {
		cur := &session.Session{ID: "sess-new", Task: session.Task{Description: "current description", Progress: 0.6}}
		merged, _ := p.Continue(context.Background(), prev, cur)
		assert.Equal(t, "current description", merged.Task.Description)
		assert.InDelta(t, 0.6, merged.Task.Progress, 1e-9)
	})

	t.Run("current unset inherits", func(t *testing.T) {
		cur := &session.Session{ID: "sess-new"}
		merged, _ := p.Continue(context.Background(), prev, cur)
		assert.Equal(t, "inherited description", merged.Task.Description)
		assert.InDelta(t, 0.4, merged.Task.Progress, 1e-9)
	})
}

func TestContinue_BriefBoundsWithOverflowCounts(t *testing.T) {
	p := NewProtocol(logging.NewTestLogger().Logger)

	var steps, decisions []string
	var files []session.FileRef
	for i := range 14 {
		steps = append(steps, fmt.Sprintf("step-%d", i))
		decisions = append(decisions, fmt.Sprintf("decision-%d", i))
		files = append(files, session.FileRef{Path: fmt.Sprintf("file-%d.go", i)})
	}

	prev := snapshotWithState(t, session.StatePayload{
		SessionID: "sess-old",
		Task:      session.Task{NextSteps: steps, Decisions: decisions, Files: files},
	})

	_, brief := p.Continue(context.Background(), prev, &session.Session{ID: "sess-new"})
	require.NotNil(t, brief)

	// Next steps keep the upcoming head; decisions and files keep the
	// recent tail.
	require.Len(t, brief.NextSteps, 10)
	assert.Equal(t, "step-0", brief.NextSteps[0])
	assert.Equal(t, 4, brief.OverflowNextSteps)

	require.Len(t, brief.Decisions, 10)
	assert.Equal(t, "decision-4", brief.Decisions[0])
	assert.Equal(t, 4, brief.OverflowDecisions)

	require.Len(t, brief.Files, 10)
	assert.Equal(t, 4, brief.OverflowFiles)

	md := string(brief.Markdown())
	assert.Contains(t, md, "and 4 more")
}

func TestContinue_MissingStateDegrades(t *testing.T) {
	p := NewProtocol(logging.NewTestLogger().Logger)

	prev := &snapshot.Snapshot{
		Metadata:     snapshot.SessionMetadata{SessionID: "sess-old"},
		Context:      map[snapshot.Priority][]snapshot.Entry{},
		SerializedAt: time.Now(),
	}
	cur := &session.Session{ID: "sess-new", Task: session.Task{Description: "own work"}}

	merged, brief := p.Continue(context.Background(), prev, cur)

	assert.Equal(t, "own work", merged.Task.Description)
	require.NotNil(t, brief)
	assert.True(t, brief.HasPriorContext)
	assert.True(t, brief.Degraded)
	assert.Equal(t, "sess-old", brief.PreviousSessionID)
}

func TestContinue_CriticalFlagCarries(t *testing.T) {
	p := NewProtocol(logging.NewTestLogger().Logger)

	prev := snapshotWithState(t, session.StatePayload{SessionID: "sess-old"})
	prev.IsCritical = true

	merged, _ := p.Continue(context.Background(), prev, &session.Session{ID: "sess-new"})
	assert.True(t, merged.IsCritical)
}

func TestMarkdown_RendersSections(t *testing.T) {
	brief := &Brief{
		HasPriorContext:   true,
		PreviousSessionID: "sess-old",
		TaskDescription:   "finish the migration",
		Progress:          0.75,
		NextSteps:         []string{"run migration", "verify counts"},
		Degraded:          true,
		GeneratedAt:       time.Now(),
	}

	md := string(brief.Markdown())
	assert.Contains(t, md, "sess-old")
	assert.Contains(t, md, "finish the migration")
	assert.Contains(t, md, "75%")
	assert.Contains(t, md, "## Next steps")
	assert.Contains(t, md, "- run migration")
	assert.Contains(t, md, "best-effort")
}

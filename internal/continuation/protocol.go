// Package continuation merges a prior session's snapshot into a fresh
// session and renders a bounded resumption brief.
package continuation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuityd/internal/logging"
	"github.com/fyrsmithlabs/continuityd/internal/session"
	"github.com/fyrsmithlabs/continuityd/internal/snapshot"
)

const instrumentationName = "github.com/fyrsmithlabs/continuityd/internal/continuation"

// maxBriefItems bounds each list in the resumption brief; overflow is
// reported as a count, never silently dropped.
const maxBriefItems = 10

// Brief is the structured resumption summary handed to the next session.
type Brief struct {
	HasPriorContext   bool      `json:"has_prior_context"`
	PreviousSessionID string    `json:"previous_session_id,omitempty"`
	TaskDescription   string    `json:"task_description,omitempty"`
	Progress          float64   `json:"progress,omitempty"`
	NextSteps         []string  `json:"next_steps,omitempty"`
	Decisions         []string  `json:"decisions,omitempty"`
	Files             []string  `json:"files,omitempty"`
	OverflowNextSteps int       `json:"overflow_next_steps,omitempty"`
	OverflowDecisions int       `json:"overflow_decisions,omitempty"`
	OverflowFiles     int       `json:"overflow_files,omitempty"`
	Degraded          bool      `json:"degraded,omitempty"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// Markdown renders the brief for the journal's inspection file.
func (b *Brief) Markdown() []byte {
	var buf bytes.Buffer

	buf.WriteString("# Resumption Brief\n\n")
	if !b.HasPriorContext {
		buf.WriteString("No prior context available.\n")
		return buf.Bytes()
	}

	fmt.Fprintf(&buf, "Continued from session `%s`.\n\n", b.PreviousSessionID)
	if b.TaskDescription != "" {
		fmt.Fprintf(&buf, "**Task**: %s\n\n", b.TaskDescription)
	}
	fmt.Fprintf(&buf, "**Progress**: %.0f%%\n", b.Progress*100)
	if b.Degraded {
		buf.WriteString("\n> Continuity was best-effort; some context may be missing.\n")
	}

	writeSection := func(title string, items []string, overflow int) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&buf, "\n## %s\n\n", title)
		for _, item := range items {
			fmt.Fprintf(&buf, "- %s\n", item)
		}
		if overflow > 0 {
			fmt.Fprintf(&buf, "- and %d more\n", overflow)
		}
	}
	writeSection("Next steps", b.NextSteps, b.OverflowNextSteps)
	writeSection("Recent decisions", b.Decisions, b.OverflowDecisions)
	writeSection("Active files", b.Files, b.OverflowFiles)

	return buf.Bytes()
}

// Protocol implements the continuation step.
type Protocol struct {
	logger *logging.Logger
	tracer trace.Tracer

	continueCounter metric.Int64Counter

	now func() time.Time
}

// NewProtocol creates a continuation protocol.
func NewProtocol(logger *logging.Logger) *Protocol {
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}

	p := &Protocol{
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
	}

	meter := otel.Meter(instrumentationName)
	if c, err := meter.Int64Counter(
		"continuityd.continuation.sessions_continued_total",
		metric.WithDescription("Continuation merges performed"),
		metric.WithUnit("{merge}"),
	); err == nil {
		p.continueCounter = c
	}

	return p
}

// Continue merges the prior snapshot into cur. List-valued task fields are
// concatenated inherited-then-current; scalars from cur win when set. A nil
// prev is not an error: cur comes back unchanged with a no-prior-context
// brief.
func (p *Protocol) Continue(ctx context.Context, prev *snapshot.Snapshot, cur *session.Session) (*session.Session, *Brief) {
	ctx, span := p.tracer.Start(ctx, "continuation.continue")
	defer span.End()

	now := p.now()
	if prev == nil {
		span.SetAttributes(attribute.Bool("has_prior_context", false))
		return cur, &Brief{HasPriorContext: false, GeneratedAt: now}
	}

	merged := cur.Clone()
	brief := &Brief{
		HasPriorContext:   true,
		PreviousSessionID: prev.Metadata.SessionID,
		Degraded:          prev.Degraded,
		GeneratedAt:       now,
	}

	state, ok := findState(prev)
	if !ok {
		// Snapshot without task state (trimmed or hand-edited): inherit
		// nothing but still record the lineage.
		p.logger.Warn(ctx, "prior snapshot carries no session state, continuing without merge",
			zap.String("previous_session_id", prev.Metadata.SessionID),
		)
		brief.Degraded = true
		span.SetAttributes(attribute.Bool("state_found", false))
		return merged, brief
	}

	merged.Task = mergeTask(state.Task, merged.Task)
	merged.IsCritical = merged.IsCritical || prev.IsCritical

	brief.TaskDescription = merged.Task.Description
	brief.Progress = merged.Task.Progress
	brief.NextSteps, brief.OverflowNextSteps = head(merged.Task.NextSteps)
	brief.Decisions, brief.OverflowDecisions = tail(merged.Task.Decisions)

	paths := make([]string, len(merged.Task.Files))
	for i, f := range merged.Task.Files {
		paths[i] = f.Path
	}
	brief.Files, brief.OverflowFiles = tail(paths)

	if p.continueCounter != nil {
		p.continueCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("degraded", brief.Degraded),
		))
	}
	span.SetAttributes(
		attribute.String("previous_session_id", prev.Metadata.SessionID),
		attribute.Bool("degraded", brief.Degraded),
	)

	return merged, brief
}

// Resume adapts Continue for the session manager, returning the rendered
// markdown brief.
func (p *Protocol) Resume(ctx context.Context, prev *snapshot.Snapshot, cur *session.Session) (*session.Session, []byte) {
	merged, brief := p.Continue(ctx, prev, cur)
	if brief == nil {
		return merged, nil
	}
	return merged, brief.Markdown()
}

// findState locates the session-state entry, critical bucket first.
func findState(snap *snapshot.Snapshot) (session.StatePayload, bool) {
	order := []snapshot.Priority{
		snapshot.PriorityCritical,
		snapshot.PriorityHigh,
		snapshot.PriorityMedium,
		snapshot.PriorityLow,
	}
	for _, prio := range order {
		for _, e := range snap.Context[prio] {
			if e.Provider != session.StateProviderName || len(e.Payload) == 0 {
				continue
			}
			var state session.StatePayload
			if err := json.Unmarshal(e.Payload, &state); err != nil {
				continue
			}
			return state, true
		}
	}
	return session.StatePayload{}, false
}

// mergeTask applies the merge rules: inherited list entries come first, new
// information never overwrites inherited history; scalars from cur win when
// set.
func mergeTask(inherited, cur session.Task) session.Task {
	out := session.Task{
		Description:    cur.Description,
		Progress:       cur.Progress,
		Approach:       concat(inherited.Approach, cur.Approach),
		Decisions:      concat(inherited.Decisions, cur.Decisions),
		CompletedSteps: concat(inherited.CompletedSteps, cur.CompletedSteps),
		NextSteps:      concat(inherited.NextSteps, cur.NextSteps),
	}
	if out.Description == "" {
		out.Description = inherited.Description
	}
	if out.Progress == 0 {
		out.Progress = inherited.Progress
	}

	out.Files = append(append([]session.FileRef(nil), inherited.Files...), cur.Files...)
	return out
}

func concat(inherited, cur []string) []string {
	if len(inherited) == 0 && len(cur) == 0 {
		return nil
	}
	return append(append([]string(nil), inherited...), cur...)
}

// head keeps the first maxBriefItems entries; tail keeps the last. Both
// report the overflow count.
func head(items []string) ([]string, int) {
	if len(items) <= maxBriefItems {
		return items, 0
	}
	return items[:maxBriefItems], len(items) - maxBriefItems
}

func tail(items []string) ([]string, int) {
	if len(items) <= maxBriefItems {
		return items, 0
	}
	return items[len(items)-maxBriefItems:], len(items) - maxBriefItems
}

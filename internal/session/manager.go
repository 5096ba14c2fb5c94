package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuityd/internal/boundary"
	"github.com/fyrsmithlabs/continuityd/internal/budget"
	"github.com/fyrsmithlabs/continuityd/internal/config"
	"github.com/fyrsmithlabs/continuityd/internal/events"
	"github.com/fyrsmithlabs/continuityd/internal/journal"
	"github.com/fyrsmithlabs/continuityd/internal/logging"
	"github.com/fyrsmithlabs/continuityd/internal/snapshot"
	"github.com/fyrsmithlabs/continuityd/internal/token"
)

const instrumentationName = "github.com/fyrsmithlabs/continuityd/internal/session"

// Continuer merges a prior snapshot into a fresh session and renders a
// resumption brief. It never fails; a merge problem degrades to the fresh
// session unchanged.
type Continuer interface {
	Resume(ctx context.Context, prev *snapshot.Snapshot, cur *Session) (*Session, []byte)
}

type identityContinuer struct{}

func (identityContinuer) Resume(_ context.Context, _ *snapshot.Snapshot, cur *Session) (*Session, []byte) {
	return cur, nil
}

// Deps are the manager's collaborators.
type Deps struct {
	Tracker   *budget.Tracker
	Detector  *boundary.Detector
	Extractor *snapshot.Extractor
	Journal   *journal.Journal
	Issuer    *token.Issuer
	Emitter   *events.Emitter
	Continuer Continuer
	Providers []snapshot.Provider
	Logger    *logging.Logger

	// WriteBriefs emits a markdown resumption brief next to the journal on
	// every continuation.
	WriteBriefs bool
}

type preparedSnapshot struct {
	snap      *snapshot.Snapshot
	sessionID string
	at        time.Time
}

// Manager is the session state machine. One mutex guards the current
// session, the state, and the prepared-snapshot cache; every
// check-proximity, decide, mutate sequence runs under it so concurrent
// evaluations at a threshold produce exactly one transition.
type Manager struct {
	cfg  config.ContinuityConfig
	deps Deps

	logger *logging.Logger
	tracer trace.Tracer

	crossCounter   metric.Int64Counter
	sessionCounter metric.Int64Counter

	mu        sync.Mutex
	current   *Session
	state     State
	preparing bool
	prepared  *preparedSnapshot
	hint      snapshot.ActivityHint

	now func() time.Time
}

// NewManager validates dependencies and returns a stopped manager; call
// Start to create the first session.
func NewManager(cfg config.ContinuityConfig, deps Deps) (*Manager, error) {
	switch {
	case deps.Tracker == nil:
		return nil, errors.New("tracker is required")
	case deps.Detector == nil:
		return nil, errors.New("detector is required")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Journal == nil:
		return nil, errors.New("journal is required")
	case deps.Issuer == nil:
		return nil, errors.New("issuer is required")
	}
	if time.Duration(cfg.StalenessWindow) <= 0 {
		return nil, fmt.Errorf("staleness window must be positive, got %v", time.Duration(cfg.StalenessWindow))
	}
	if deps.Continuer == nil {
		deps.Continuer = identityContinuer{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.FromContext(context.Background())
	}

	m := &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
	}

	meter := otel.Meter(instrumentationName)
	if c, err := meter.Int64Counter(
		"continuityd.session.boundaries_crossed_total",
		metric.WithDescription("Critical boundary crossings"),
		metric.WithUnit("{crossing}"),
	); err == nil {
		m.crossCounter = c
	}
	if c, err := meter.Int64Counter(
		"continuityd.session.sessions_created_total",
		metric.WithDescription("Sessions created, initial and rollover"),
		metric.WithUnit("{session}"),
	); err == nil {
		m.sessionCounter = c
	}

	return m, nil
}

func newSessionID() string {
	return "sess-" + uuid.New().String()[:8]
}

// Start creates the initial session, resuming from the newest journal
// snapshot when one exists. Journal trouble during startup degrades to a
// fresh unresumed session rather than failing.
func (m *Manager) Start(ctx context.Context) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "session.start")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, errors.New("session manager already started")
	}

	now := m.now()
	id := newSessionID()
	tok := m.deps.Issuer.Issue(id, false)

	sess := &Session{
		ID:              id,
		StartTime:       now,
		LastUpdateTime:  now,
		ContinuityToken: tok,
	}

	resumed := false
	prev, ok, err := m.deps.Journal.LatestSnapshot(ctx, "", true)
	if err != nil {
		m.logger.Warn(ctx, "loading prior snapshot failed, starting fresh", zap.Error(err))
	} else if ok {
		sess.PreviousSessionID = prev.Metadata.SessionID
		merged, brief := m.deps.Continuer.Resume(ctx, prev, sess)
		if merged != nil {
			sess = merged
		}
		m.writeBrief(ctx, sess.ID, brief)
		resumed = true
	}

	m.current = sess
	m.state = StateActive

	// Initial snapshot plus the create entry referencing it. The entry is
	// appended after the file exists so readers never see a dangling path.
	snap := &snapshot.Snapshot{
		Context:      make(map[snapshot.Priority][]snapshot.Entry, 1),
		SerializedAt: now,
	}
	m.injectStateLocked(snap)
	path, err := m.deps.Journal.SaveSnapshot(ctx, snap)
	if err != nil {
		m.logger.Warn(ctx, "initial snapshot persistence failed", zap.Error(err))
		path = ""
	}
	if err := m.deps.Journal.Append(ctx, journal.Entry{
		Kind:            journal.KindSessionCreated,
		SessionID:       id,
		Timestamp:       now,
		FilePath:        path,
		ContinuityToken: tok,
	}); err != nil {
		m.logger.Warn(ctx, "journal append failed for session creation", zap.Error(err))
	}

	if m.sessionCounter != nil {
		m.sessionCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("resumed", resumed)))
	}
	m.deps.Emitter.SessionCreated(ctx, events.SessionEvent{
		SessionID:       id,
		ContinuityToken: tok,
		Timestamp:       now,
	})
	if resumed {
		m.deps.Emitter.SessionContinued(ctx, events.SessionEvent{
			SessionID:         sess.ID,
			PreviousSessionID: sess.PreviousSessionID,
			ContinuityToken:   sess.ContinuityToken,
			Timestamp:         now,
		})
	}

	m.logger.Info(logging.WithSessionID(ctx, id), "session started",
		zap.Bool("resumed", resumed),
	)
	span.SetAttributes(attribute.String("session_id", id), attribute.Bool("resumed", resumed))

	return sess.Clone(), nil
}

// Ingest classifies a text chunk for boundary markers and evaluates the
// state machine. The returned event is the detection result; false means no
// actionable marker (including debounced re-detections).
func (m *Manager) Ingest(ctx context.Context, text string) (boundary.Event, bool, error) {
	ctx, span := m.tracer.Start(ctx, "session.ingest")
	defer span.End()

	ev, ok := m.deps.Detector.Detect(text)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return boundary.Event{}, false, errors.New("session manager not started")
	}

	if ok {
		span.SetAttributes(
			attribute.String("boundary_type", string(ev.Type)),
			attribute.String("boundary_id", ev.ID),
		)
		m.current.LastUpdateTime = m.now()
		m.evaluateLocked(ctx, &ev)
	}
	return ev, ok, nil
}

// AddTokens feeds an explicit token-count delta into the tracker and
// evaluates the state machine. Non-positive deltas are ignored upstream.
func (m *Manager) AddTokens(ctx context.Context, delta int) (budget.Proximity, error) {
	ctx, span := m.tracer.Start(ctx, "session.add_tokens")
	defer span.End()
	span.SetAttributes(attribute.Int("delta", delta))

	m.deps.Tracker.Add(delta)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return budget.Proximity{}, errors.New("session manager not started")
	}

	m.current.TokenCount = m.deps.Tracker.Estimate()
	m.current.LastUpdateTime = m.now()
	m.evaluateLocked(ctx, nil)
	return m.deps.Tracker.Proximity(), nil
}

// Evaluate is the periodic poll path: check proximity and maybe transition.
func (m *Manager) Evaluate(ctx context.Context) (State, budget.Proximity, error) {
	ctx, span := m.tracer.Start(ctx, "session.evaluate")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", budget.Proximity{}, errors.New("session manager not started")
	}

	m.evaluateLocked(ctx, nil)
	return m.state, m.deps.Tracker.Proximity(), nil
}

// Cross forces an immediate boundary crossing regardless of proximity, for
// operator-initiated handoffs. It returns the successor session.
func (m *Manager) Cross(ctx context.Context) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "session.cross")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, errors.New("session manager not started")
	}

	m.crossLocked(ctx, nil, m.deps.Tracker.Proximity())
	return m.current.Clone(), nil
}

// Current returns a copy of the current session.
func (m *Manager) Current() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, false
	}
	return m.current.Clone(), true
}

// State returns the state machine's phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Proximity reports the tracker's view of the boundary.
func (m *Manager) Proximity() budget.Proximity {
	return m.deps.Tracker.Proximity()
}

// SetActivityHint sets the focus hint passed to context providers.
func (m *Manager) SetActivityHint(hint snapshot.ActivityHint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hint = hint
}

// UpdateTask mutates the current session's task under the manager lock.
func (m *Manager) UpdateTask(fn func(*Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return errors.New("session manager not started")
	}
	fn(&m.current.Task)
	m.current.LastUpdateTime = m.now()
	return nil
}

// RegisterPattern adds a custom boundary pattern.
func (m *Manager) RegisterPattern(id, expr string, typ boundary.Type, explicitID bool) error {
	return m.deps.Detector.Register(id, expr, typ, explicitID)
}

// evaluateLocked decides the next transition. An explicit critical marker
// always forces a crossing; any marker while already approaching does too.
func (m *Manager) evaluateLocked(ctx context.Context, ev *boundary.Event) {
	p := m.deps.Tracker.Proximity()

	forced := ev != nil &&
		(ev.Type == boundary.TypeCritical || m.state == StateBoundaryApproaching)

	if p.IsCritical || forced {
		m.crossLocked(ctx, ev, p)
		return
	}

	if p.IsIntermediate && m.state == StateActive {
		m.state = StateBoundaryApproaching
		m.deps.Emitter.BoundaryApproaching(ctx, events.BoundaryEvent{
			SessionID: m.current.ID,
			Ratio:     p.Ratio,
			Remaining: p.Remaining,
			Timestamp: m.now(),
		})
		m.logger.Info(logging.WithSessionID(ctx, m.current.ID), "boundary approaching, preparing snapshot",
			zap.Float64("ratio", p.Ratio),
			zap.Int("remaining", p.Remaining),
		)
		m.prepareLocked(ctx)
	}
}

// prepareLocked kicks off fire-and-forget snapshot preparation. The result
// is cached until the staleness window expires or a crossing consumes it;
// a preparation finishing after its session rolled over is discarded.
func (m *Manager) prepareLocked(ctx context.Context) {
	if m.preparing {
		return
	}
	m.preparing = true

	sessionID := m.current.ID
	hint := m.hint
	bg := context.WithoutCancel(ctx)

	go func() {
		snap := m.deps.Extractor.Extract(bg, m.deps.Providers, hint)

		m.mu.Lock()
		defer m.mu.Unlock()
		m.preparing = false
		if m.current == nil || m.current.ID != sessionID {
			return
		}
		m.prepared = &preparedSnapshot{snap: snap, sessionID: sessionID, at: m.now()}
	}()
}

// crossLocked is the synchronous critical path: snapshot, persist, journal,
// rollover. It always completes before returning; persistence failure
// degrades to an in-memory minimal snapshot instead of blocking the
// crossing.
func (m *Manager) crossLocked(ctx context.Context, ev *boundary.Event, p budget.Proximity) {
	m.state = StateBoundaryCritical
	now := m.now()
	old := m.current

	bType := boundary.TypeImplicit
	bID := ""
	if ev != nil {
		bType = ev.Type
		bID = ev.ID
	}

	newID := newSessionID()
	tok := m.deps.Issuer.Issue(newID, true)

	snap := m.preparedFreshLocked(now)
	if snap == nil {
		snap = m.deps.Extractor.Extract(ctx, m.deps.Providers, m.hint)
	}
	m.prepared = nil
	m.injectStateLocked(snap)
	snap.IsCritical = true
	snap.SerializedAt = now

	degraded := false
	path, err := m.deps.Journal.SaveSnapshot(ctx, snap)
	if err != nil {
		degraded = true
		m.logger.Error(logging.WithSessionID(ctx, old.ID), "snapshot persistence failed at critical boundary, continuing with in-memory state",
			zap.Error(err),
		)
		snap = m.minimalSnapshotLocked(now, tok)
		path = ""
	}

	if err := m.deps.Journal.Append(ctx, journal.Entry{
		Kind:            journal.KindBoundaryCrossing,
		SessionID:       old.ID,
		Timestamp:       now,
		FilePath:        path,
		ContinuityToken: tok,
		NextSessionID:   newID,
		BoundaryType:    bType,
		IsCritical:      true,
		Degraded:        degraded,
	}); err != nil {
		degraded = true
		m.logger.Error(logging.WithSessionID(ctx, old.ID), "journal append failed for boundary crossing",
			zap.Error(err),
		)
	}

	if m.crossCounter != nil {
		m.crossCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("boundary_type", string(bType)),
			attribute.Bool("degraded", degraded),
		))
	}
	m.deps.Emitter.BoundaryCritical(ctx, events.BoundaryEvent{
		SessionID:    old.ID,
		BoundaryType: bType,
		BoundaryID:   bID,
		Ratio:        p.Ratio,
		Remaining:    p.Remaining,
		Degraded:     degraded,
		Timestamp:    now,
	})

	// Rollover: the closed session's snapshot is consumed forward by the
	// successor's continuation step.
	m.state = StateTransitioning

	fresh := &Session{
		ID:                newID,
		StartTime:         now,
		LastUpdateTime:    now,
		ContinuityToken:   tok,
		PreviousSessionID: old.ID,
		IsCritical:        bType == boundary.TypeCritical,
	}
	merged, brief := m.deps.Continuer.Resume(ctx, snap, fresh)
	if merged != nil {
		fresh = merged
	}
	m.writeBrief(ctx, fresh.ID, brief)

	m.deps.Tracker.Reset()
	m.current = fresh
	m.state = StateActive

	if m.sessionCounter != nil {
		m.sessionCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("resumed", true)))
	}
	m.deps.Emitter.SessionCreated(ctx, events.SessionEvent{
		SessionID:         newID,
		PreviousSessionID: old.ID,
		ContinuityToken:   tok,
		Degraded:          degraded,
		Timestamp:         now,
	})
	m.deps.Emitter.SessionContinued(ctx, events.SessionEvent{
		SessionID:         newID,
		PreviousSessionID: old.ID,
		ContinuityToken:   tok,
		Degraded:          degraded,
		Timestamp:         now,
	})

	m.logger.Info(logging.WithSessionID(ctx, newID), "boundary crossed, session rolled over",
		zap.String("previous_session_id", old.ID),
		zap.String("boundary_type", string(bType)),
		zap.Bool("degraded", degraded),
	)
}

// preparedFreshLocked returns the cached prepared snapshot when it belongs
// to the current session and is within the staleness window.
func (m *Manager) preparedFreshLocked(now time.Time) *snapshot.Snapshot {
	if m.prepared == nil || m.prepared.sessionID != m.current.ID {
		return nil
	}
	if now.Sub(m.prepared.at) > time.Duration(m.cfg.StalenessWindow) {
		return nil
	}
	return m.prepared.snap
}

// injectStateLocked embeds the current session's task state into the
// snapshot at critical priority, replacing any earlier copy, and stamps the
// metadata and token estimate.
func (m *Manager) injectStateLocked(snap *snapshot.Snapshot) {
	payload, err := (StatePayload{
		SessionID:       m.current.ID,
		ContinuityToken: m.current.ContinuityToken,
		Task:            m.current.Task,
	}).Marshal()
	if err != nil {
		m.logger.Warn(context.Background(), "marshal session state failed", zap.Error(err))
		return
	}

	bucket := snap.Context[snapshot.PriorityCritical][:0:0]
	for _, e := range snap.Context[snapshot.PriorityCritical] {
		if e.Provider != StateProviderName {
			bucket = append(bucket, e)
		}
	}
	bucket = append(bucket, snapshot.Entry{
		Provider:  StateProviderName,
		Timestamp: m.now(),
		Payload:   payload,
	})
	snap.Context[snapshot.PriorityCritical] = bucket

	snap.Metadata = snapshot.SessionMetadata{
		SessionID:         m.current.ID,
		StartTime:         m.current.StartTime,
		PreviousSessionID: m.current.PreviousSessionID,
	}
	snap.TokenEstimate = m.deps.Tracker.Estimate()
}

// minimalSnapshotLocked is the in-memory fallback when persistence fails:
// session id, task description, next steps and the successor's fresh token.
func (m *Manager) minimalSnapshotLocked(now time.Time, nextToken string) *snapshot.Snapshot {
	payload, _ := (StatePayload{
		SessionID:       m.current.ID,
		ContinuityToken: nextToken,
		Task: Task{
			Description: m.current.Task.Description,
			NextSteps:   m.current.Task.NextSteps,
		},
	}).Marshal()

	return &snapshot.Snapshot{
		Metadata: snapshot.SessionMetadata{
			SessionID:         m.current.ID,
			StartTime:         m.current.StartTime,
			PreviousSessionID: m.current.PreviousSessionID,
		},
		Context: map[snapshot.Priority][]snapshot.Entry{
			snapshot.PriorityCritical: {{
				Provider:  StateProviderName,
				Timestamp: now,
				Payload:   payload,
			}},
		},
		SerializedAt:  now,
		IsCritical:    true,
		TokenEstimate: m.deps.Tracker.Estimate(),
		Degraded:      true,
	}
}

func (m *Manager) writeBrief(ctx context.Context, sessionID string, brief []byte) {
	if !m.deps.WriteBriefs || len(brief) == 0 {
		return
	}
	if _, err := m.deps.Journal.WriteBrief(ctx, sessionID, brief); err != nil {
		m.logger.Warn(ctx, "writing resumption brief failed", zap.Error(err))
	}
}

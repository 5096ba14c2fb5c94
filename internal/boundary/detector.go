// Package boundary scans text for boundary markers and classifies them into
// typed events. Detection is pure classification plus a debounce window;
// callers decide whether to act on an event.
package boundary

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/continuityd/internal/boundary"

// Type classifies a boundary event.
type Type string

const (
	TypeCheckpoint Type = "checkpoint"
	TypeStep       Type = "step"
	TypeSession    Type = "session"
	TypeImplicit   Type = "implicit"
	TypeCritical   Type = "critical"
	TypeUnknown    Type = "unknown"
)

// ErrInvalidPattern is returned when a custom pattern fails validation at
// registration time. Detection itself never errors.
var ErrInvalidPattern = errors.New("invalid boundary pattern")

// Event is a transient classification result. It is not persisted as its own
// entity; the journal records the crossing, not the detection.
type Event struct {
	Type      Type      `json:"type"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	PatternID string    `json:"pattern_id"`
}

// pattern pairs a matcher with its classification. Patterns with a capture
// group extract an explicit id; patterns without one synthesize an id from
// the clock and are classified implicit unless stated otherwise.
type pattern struct {
	id         string
	re         *regexp.Regexp
	typ        Type
	explicitID bool
}

// Detector holds an ordered pattern list, most specific first; the first
// matching pattern wins.
type Detector struct {
	mu       sync.Mutex
	patterns []pattern
	// implicitStart is the index of the first implicit catch-all; custom
	// explicit patterns are inserted ahead of it.
	implicitStart int
	lastSeen      map[string]time.Time
	window        time.Duration

	detectCounter metric.Int64Counter

	now func() time.Time
}

// NewDetector creates a detector with the built-in pattern set and the given
// debounce window.
func NewDetector(debounceWindow time.Duration) (*Detector, error) {
	if debounceWindow <= 0 {
		return nil, fmt.Errorf("debounce window must be positive, got %v", debounceWindow)
	}

	d := &Detector{
		patterns: builtinPatterns(),
		lastSeen: make(map[string]time.Time),
		window:   debounceWindow,
		now:      time.Now,
	}
	d.implicitStart = len(d.patterns) - implicitBuiltins

	meter := otel.Meter(instrumentationName)
	counter, err := meter.Int64Counter(
		"continuityd.boundaries.detected_total",
		metric.WithDescription("Total number of boundary events detected"),
		metric.WithUnit("{event}"),
	)
	if err == nil {
		d.detectCounter = counter
	}

	return d, nil
}

// implicitBuiltins counts the trailing catch-all patterns in builtinPatterns.
const implicitBuiltins = 3

// builtinPatterns returns the default ordered matcher list. Explicit-id
// marker formats come first, implicit resource-limit phrasings last.
func builtinPatterns() []pattern {
	return []pattern{
		{
			id:         "critical-marker",
			re:         regexp.MustCompile(`\[BOUNDARY:CRITICAL:([A-Za-z0-9_-]+)\]`),
			typ:        TypeCritical,
			explicitID: true,
		},
		{
			id:         "continuity-reentry",
			re:         regexp.MustCompile(`\[CONTINUITY:([A-Za-z0-9_-]+)\]`),
			typ:        TypeSession,
			explicitID: true,
		},
		{
			id:         "checkpoint-marker",
			re:         regexp.MustCompile(`\[CHECKPOINT:([A-Za-z0-9_-]+)\]`),
			typ:        TypeCheckpoint,
			explicitID: true,
		},
		{
			id:         "step-marker",
			re:         regexp.MustCompile(`\[STEP:([A-Za-z0-9_-]+)\]`),
			typ:        TypeStep,
			explicitID: true,
		},
		{
			id:  "compaction-notice",
			re:  regexp.MustCompile(`(?i)conversation (?:was |has been )?compacted`),
			typ: TypeImplicit,
		},
		{
			id:  "context-limit-notice",
			re:  regexp.MustCompile(`(?i)context (?:window|limit) (?:is )?(?:full|exceeded|reached)`),
			typ: TypeImplicit,
		},
		{
			id:  "auto-compact-notice",
			re:  regexp.MustCompile(`(?i)auto-?compact(?:ing|ed)?`),
			typ: TypeImplicit,
		},
	}
}

// Register adds a custom pattern ahead of the implicit catch-alls. The
// expression must compile and, when explicitID is set, contain at least one
// capture group for the id. Violations fail with ErrInvalidPattern.
func (d *Detector) Register(id, expr string, typ Type, explicitID bool) error {
	if id == "" {
		return fmt.Errorf("%w: pattern id must not be empty", ErrInvalidPattern)
	}
	switch typ {
	case TypeCheckpoint, TypeStep, TypeSession, TypeImplicit, TypeCritical:
	default:
		return fmt.Errorf("%w: unknown boundary type %q", ErrInvalidPattern, typ)
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	if explicitID && re.NumSubexp() < 1 {
		return fmt.Errorf("%w: explicit-id pattern %q needs a capture group", ErrInvalidPattern, id)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range d.patterns {
		if p.id == id {
			return fmt.Errorf("%w: pattern id %q already registered", ErrInvalidPattern, id)
		}
	}

	p := pattern{id: id, re: re, typ: typ, explicitID: explicitID}
	d.patterns = append(d.patterns[:d.implicitStart],
		append([]pattern{p}, d.patterns[d.implicitStart:]...)...)
	d.implicitStart++

	return nil
}

// Detect scans text for a boundary marker. The first matching pattern wins.
// An event with the same (type, id) within the debounce window of the
// previous detection is suppressed. Unmatched input is a typed miss, never
// an error.
func (d *Detector) Detect(text string) (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()

	for _, p := range d.patterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}

		id := ""
		if p.explicitID && len(m) > 1 {
			id = m[1]
		}
		if id == "" {
			// Synthesized from the clock, truncated to the debounce window
			// so a re-scan of the same implicit marker produces the same id
			// and gets suppressed below.
			id = "implicit-" + strconv.FormatInt(now.Truncate(d.window).UnixNano(), 36)
		}

		ev := Event{
			Type:      p.typ,
			ID:        id,
			Timestamp: now,
			PatternID: p.id,
		}

		key := string(ev.Type) + "|" + ev.ID
		if last, seen := d.lastSeen[key]; seen && now.Sub(last) < d.window {
			return Event{}, false
		}
		d.lastSeen[key] = now
		d.pruneLocked(now)

		if d.detectCounter != nil {
			d.detectCounter.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("type", string(ev.Type)),
				attribute.String("pattern", p.id),
			))
		}

		return ev, true
	}

	return Event{}, false
}

// pruneLocked drops debounce records older than the window so the map does
// not grow with session length. Caller holds the mutex.
func (d *Detector) pruneLocked(now time.Time) {
	for key, seen := range d.lastSeen {
		if now.Sub(seen) >= d.window {
			delete(d.lastSeen, key)
		}
	}
}

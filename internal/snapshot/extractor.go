// Package snapshot pulls context from external providers, buckets it by
// priority and trims the result to a serialized-size budget.
package snapshot

import (
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
)

const instrumentationName = "github.com/fyrsmithlabs/continuityd/internal/snapshot"

// ActivityHint describes the user's current focus. When it matches a
// provider's category, that provider's bucket is elevated to critical.
type ActivityHint struct {
	Focus string `json:"focus,omitempty"`
}

// Payload is a provider's contribution: an opaque blob plus its declared
// default priority.
type Payload struct {
	Priority Priority
	Data     json.RawMessage
}

// Provider is the capability interface for external context sources.
// Implementations adapt their collaborator once; the extractor never probes
// collaborators dynamically.
type Provider interface {
	// Name identifies the provider and doubles as its category for
	// activity-hint elevation.
	Name() string

	// Provide returns the provider's context for the given hint. A failure
	// degrades that provider to a fallback marker; it never aborts
	// extraction.
	Provide(ctx context.Context, hint ActivityHint) (Payload, error)
}

// Extractor builds prioritized snapshots within a size ceiling.
type Extractor struct {
	maxBytes int
	logger   *logging.Logger

	tracer      trace.Tracer
	dropCounter metric.Int64Counter

	now func() time.Time
}

// NewExtractor creates an extractor with the given serialized-size ceiling.
func NewExtractor(maxBytes int, logger *logging.Logger) (*Extractor, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max snapshot size must be positive, got %d", maxBytes)
	}
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}

	e := &Extractor{
		maxBytes: maxBytes,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		now:      time.Now,
	}

	meter := otel.Meter(instrumentationName)
	counter, err := meter.Int64Counter(
		"continuityd.snapshot.buckets_dropped_total",
		metric.WithDescription("Priority buckets dropped by snapshot trimming"),
		metric.WithUnit("{bucket}"),
	)
	if err == nil {
		e.dropCounter = counter
	}

	return e, nil
}

// Extract pulls context from every provider, buckets by priority, applies
// activity-hint elevation and trims to the size ceiling. It never fails: a
// broken provider degrades to a fallback marker entry in its bucket (or in
// the high bucket when the default priority is unknown).
func (e *Extractor) Extract(ctx context.Context, providers []Provider, hint ActivityHint) *Snapshot {
	ctx, span := e.tracer.Start(ctx, "snapshot.extract")
	defer span.End()

	span.SetAttributes(
		attribute.Int("provider_count", len(providers)),
		attribute.String("activity_focus", hint.Focus),
	)

	now := e.now()
	snap := &Snapshot{
		Context:      make(map[Priority][]Entry, 4),
		SerializedAt: now,
	}

	for _, p := range providers {
		payload, err := p.Provide(ctx, hint)
		if err != nil {
			e.logger.Warn(ctx, "context provider failed, degrading to fallback",
				zap.String("provider", p.Name()),
				zap.Error(err),
			)
			snap.Degraded = true
			snap.Context[PriorityHigh] = append(snap.Context[PriorityHigh], Entry{
				Provider:  p.Name(),
				Type:      EntryTypeFallback,
				Error:     err.Error(),
				Timestamp: now,
			})
			continue
		}

		prio := payload.Priority
		if !prio.Valid() {
			prio = PriorityMedium
		}
		if hint.Focus != "" && hint.Focus == p.Name() {
			prio = PriorityCritical
		}

		snap.Context[prio] = append(snap.Context[prio], Entry{
			Provider:  p.Name(),
			Timestamp: now,
			Payload:   payload.Data,
		})
	}

	e.trim(ctx, snap)

	span.SetAttributes(
		attribute.Int("size_bytes", snap.Size()),
		attribute.Int("dropped_buckets", len(snap.DroppedBuckets)),
	)

	return snap
}

// trim drops whole buckets from lowest remaining priority upward until the
// serialized size fits the ceiling. A bucket is never partially truncated: a
// clean drop is judged more useful than an arbitrary cut. Critical survives
// even when the result stays over budget.
func (e *Extractor) trim(ctx context.Context, snap *Snapshot) {
	for _, prio := range dropOrder {
		if snap.Size() <= e.maxBytes {
			return
		}
		if _, ok := snap.Context[prio]; !ok {
			continue
		}

		delete(snap.Context, prio)
		snap.DroppedBuckets = append(snap.DroppedBuckets, prio)

		e.logger.Warn(ctx, "snapshot over budget, dropped bucket",
			zap.String("bucket", string(prio)),
			zap.Int("max_bytes", e.maxBytes),
		)
		if e.dropCounter != nil {
			e.dropCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("bucket", string(prio)),
			))
		}
	}

	if size := snap.Size(); size > e.maxBytes {
		e.logger.Warn(ctx, "snapshot still over budget after trimming, keeping critical bucket",
			zap.Int("size_bytes", size),
			zap.Int("max_bytes", e.maxBytes),
		)
	}
}

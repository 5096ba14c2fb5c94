// Package events publishes session lifecycle events over NATS. Publishing is
// best effort: the daemon never fails an operation because the bus is down.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuityd/internal/boundary"
	"github.com/fyrsmithlabs/continuityd/internal/config"
	"github.com/fyrsmithlabs/continuityd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/continuityd/internal/events"

// Subjects for lifecycle events. Consumers subscribe to "continuity.>".
const (
	SubjectBoundaryApproaching = "continuity.boundary.approaching"
	SubjectBoundaryCritical    = "continuity.boundary.critical"
	SubjectSessionCreated      = "continuity.session.created"
	SubjectSessionContinued    = "continuity.session.continued"
)

// BoundaryEvent is published when a session's proximity crosses a threshold
// or a boundary marker is detected.
type BoundaryEvent struct {
	SessionID    string        `json:"session_id"`
	BoundaryType boundary.Type `json:"boundary_type,omitempty"`
	BoundaryID   string        `json:"boundary_id,omitempty"`
	Ratio        float64       `json:"ratio"`
	Remaining    int           `json:"remaining"`
	Degraded     bool          `json:"degraded,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// SessionEvent is published when a session is created or continued.
type SessionEvent struct {
	SessionID         string    `json:"session_id"`
	PreviousSessionID string    `json:"previous_session_id,omitempty"`
	ContinuityToken   string    `json:"continuity_token,omitempty"`
	Degraded          bool      `json:"degraded,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Emitter publishes events to NATS. A nil Emitter or an Emitter without a
// connection is safe to call; every publish becomes a no-op.
type Emitter struct {
	nc     *nats.Conn
	logger *logging.Logger

	publishCounter metric.Int64Counter
}

// Connect dials NATS per the events configuration and returns an Emitter.
// When publishing is disabled it returns a disconnected Emitter whose
// methods are no-ops.
func Connect(cfg config.EventsConfig, logger *logging.Logger) (*Emitter, error) {
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}

	e := &Emitter{logger: logger}

	meter := otel.Meter(instrumentationName)
	counter, err := meter.Int64Counter(
		"continuityd.events.published_total",
		metric.WithDescription("Lifecycle events published to NATS"),
		metric.WithUnit("{event}"),
	)
	if err == nil {
		e.publishCounter = counter
	}

	if !cfg.Enabled {
		return e, nil
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("continuityd"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	e.nc = nc

	logger.Info(context.Background(), "connected to event bus",
		zap.String("url", cfg.NATSURL),
	)
	return e, nil
}

// NewEmitter wraps an existing connection. nc may be nil.
func NewEmitter(nc *nats.Conn, logger *logging.Logger) *Emitter {
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}
	return &Emitter{nc: nc, logger: logger}
}

// Connected reports whether the emitter has a live connection.
func (e *Emitter) Connected() bool {
	return e != nil && e.nc != nil && e.nc.IsConnected()
}

// BoundaryApproaching publishes an approaching-threshold event.
func (e *Emitter) BoundaryApproaching(ctx context.Context, ev BoundaryEvent) {
	e.publish(ctx, SubjectBoundaryApproaching, ev)
}

// BoundaryCritical publishes a critical-threshold event.
func (e *Emitter) BoundaryCritical(ctx context.Context, ev BoundaryEvent) {
	e.publish(ctx, SubjectBoundaryCritical, ev)
}

// SessionCreated publishes a session-created event.
func (e *Emitter) SessionCreated(ctx context.Context, ev SessionEvent) {
	e.publish(ctx, SubjectSessionCreated, ev)
}

// SessionContinued publishes a session-continued event.
func (e *Emitter) SessionContinued(ctx context.Context, ev SessionEvent) {
	e.publish(ctx, SubjectSessionContinued, ev)
}

// Close drains the connection. Safe on a disconnected emitter.
func (e *Emitter) Close() {
	if e == nil || e.nc == nil {
		return
	}
	if err := e.nc.Drain(); err != nil {
		e.nc.Close()
	}
}

func (e *Emitter) publish(ctx context.Context, subject string, payload any) {
	if e == nil || e.nc == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Warn(ctx, "marshal event failed",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}

	if err := e.nc.Publish(subject, data); err != nil {
		e.logger.Warn(ctx, "publish event failed",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}

	if e.publishCounter != nil {
		e.publishCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("subject", subject),
		))
	}
}

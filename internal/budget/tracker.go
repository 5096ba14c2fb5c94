// Package budget tracks the running token-consumption estimate for the
// current session and classifies boundary proximity against configured
// thresholds.
package budget

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/continuityd/internal/budget"

// Thresholds are the proximity levels as fractions of the token limit.
// They must satisfy Approaching <= Intermediate <= Critical.
type Thresholds struct {
	Approaching  float64
	Intermediate float64
	Critical     float64
}

// Validate checks threshold ordering and range.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"approaching":  t.Approaching,
		"intermediate": t.Intermediate,
		"critical":     t.Critical,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s threshold must be in (0, 1], got %v", name, v)
		}
	}
	if t.Approaching > t.Intermediate || t.Intermediate > t.Critical {
		return fmt.Errorf("thresholds must satisfy approaching <= intermediate <= critical, got %v/%v/%v",
			t.Approaching, t.Intermediate, t.Critical)
	}
	return nil
}

// Proximity is a point-in-time classification of boundary proximity.
type Proximity struct {
	Ratio          float64 `json:"ratio"`
	Remaining      int     `json:"remaining"`
	IsApproaching  bool    `json:"is_approaching"`
	IsIntermediate bool    `json:"is_intermediate"`
	IsCritical     bool    `json:"is_critical"`
}

// Tracker maintains the running estimate. It is consulted by both the
// ingestion path and the periodic proximity poll, so all access is
// mutex-serialized.
type Tracker struct {
	mu         sync.Mutex
	limit      int
	thresholds Thresholds
	estimate   int
}

// NewTracker creates a tracker. Invalid thresholds or a non-positive limit
// are configuration errors and fail construction.
func NewTracker(limit int, thresholds Thresholds) (*Tracker, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("token limit must be positive, got %d", limit)
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}

	t := &Tracker{
		limit:      limit,
		thresholds: thresholds,
	}

	meter := otel.Meter(instrumentationName)
	_, _ = meter.Int64ObservableGauge(
		"continuityd.context.tokens_used",
		metric.WithDescription("Current token-consumption estimate"),
		metric.WithUnit("{token}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(t.Estimate()))
			return nil
		}),
	)

	return t, nil
}

// Add accumulates a consumption delta. Negative deltas are ignored: the
// estimate never decreases except through Reset.
func (t *Tracker) Add(delta int) {
	if delta <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.estimate += delta
}

// Estimate returns the current estimate.
func (t *Tracker) Estimate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.estimate
}

// Limit returns the configured token limit.
func (t *Tracker) Limit() int {
	return t.limit
}

// Proximity classifies the current estimate against the thresholds.
func (t *Tracker) Proximity() Proximity {
	t.mu.Lock()
	defer t.mu.Unlock()

	ratio := float64(t.estimate) / float64(t.limit)
	remaining := t.limit - t.estimate
	if remaining < 0 {
		remaining = 0
	}

	return Proximity{
		Ratio:          ratio,
		Remaining:      remaining,
		IsApproaching:  ratio >= t.thresholds.Approaching,
		IsIntermediate: ratio >= t.thresholds.Intermediate,
		IsCritical:     ratio >= t.thresholds.Critical,
	}
}

// Reset zeroes the estimate after a successful boundary crossing.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.estimate = 0
}

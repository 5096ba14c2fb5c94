package snapshot

import (
	"encoding/json"
	"time"
)

// Priority orders context buckets. Trimming drops whole buckets from low
// upward; critical is never dropped.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// dropOrder lists buckets from first-dropped to last-droppable. Critical is
// deliberately absent.
var dropOrder = []Priority{PriorityLow, PriorityMedium, PriorityHigh}

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// SessionMetadata identifies the session a snapshot belongs to.
type SessionMetadata struct {
	SessionID         string    `json:"session_id"`
	StartTime         time.Time `json:"start_time"`
	PreviousSessionID string    `json:"previous_session_id,omitempty"`
}

// Entry is one provider's contribution to a priority bucket. A provider that
// failed contributes a fallback marker instead of a payload; callers must
// treat such a snapshot as valid but degraded.
type Entry struct {
	Provider  string          `json:"provider"`
	Type      string          `json:"type,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EntryTypeFallback marks an entry produced in place of a failed provider.
const EntryTypeFallback = "fallback"

// Snapshot is the serialized, prioritized state captured at or near a
// boundary.
type Snapshot struct {
	Metadata      SessionMetadata      `json:"session_metadata"`
	Context       map[Priority][]Entry `json:"prioritized_context"`
	SerializedAt  time.Time            `json:"serialization_time"`
	IsCritical    bool                 `json:"is_critical"`
	TokenEstimate int                  `json:"token_estimate"`

	// Degraded marks snapshots produced on a best-effort path (failed
	// providers, in-memory fallback after a persistence failure).
	Degraded bool `json:"degraded,omitempty"`

	// DroppedBuckets records which priority levels trimming removed.
	DroppedBuckets []Priority `json:"dropped_buckets,omitempty"`
}

// Size returns the serialized size in bytes.
func (s *Snapshot) Size() int {
	data, err := json.Marshal(s)
	if err != nil {
		return 0
	}
	return len(data)
}

// HasFallback reports whether any bucket carries a fallback marker entry.
func (s *Snapshot) HasFallback() bool {
	for _, entries := range s.Context {
		for _, e := range entries {
			if e.Type == EntryTypeFallback {
				return true
			}
		}
	}
	return false
}

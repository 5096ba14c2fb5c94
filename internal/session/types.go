// Package session owns the authoritative in-memory session object and the
// state machine that crosses context boundaries.
package session

import (
	"encoding/json"
	"time"
)

// State is the session state machine's current phase.
type State string

const (
	// StateActive is normal operation below the intermediate threshold.
	StateActive State = "active"

	// StateBoundaryApproaching means the intermediate threshold was crossed
	// and a snapshot is being prepared in the background.
	StateBoundaryApproaching State = "boundary_approaching"

	// StateBoundaryCritical is the synchronous persist phase of a crossing.
	StateBoundaryCritical State = "boundary_critical"

	// StateTransitioning covers rollover from the closed session to its
	// successor.
	StateTransitioning State = "transitioning"
)

// FileRef describes a file the task touches.
type FileRef struct {
	Path        string `json:"path"`
	Status      string `json:"status,omitempty"`
	Description string `json:"description,omitempty"`
}

// Task is the session's unit of work.
type Task struct {
	Description    string    `json:"description,omitempty"`
	Progress       float64   `json:"progress,omitempty"`
	Approach       []string  `json:"approach,omitempty"`
	Decisions      []string  `json:"decisions,omitempty"`
	Files          []FileRef `json:"files,omitempty"`
	CompletedSteps []string  `json:"completed_steps,omitempty"`
	NextSteps      []string  `json:"next_steps,omitempty"`
}

// Session is the unit of work between two boundaries. Superseded sessions
// are never deleted; their final snapshots stay in the journal.
type Session struct {
	ID                string    `json:"id"`
	StartTime         time.Time `json:"start_time"`
	LastUpdateTime    time.Time `json:"last_update_time"`
	TokenCount        int       `json:"token_count"`
	ContinuityToken   string    `json:"continuity_token"`
	PreviousSessionID string    `json:"previous_session_id,omitempty"`
	Task              Task      `json:"task"`
	IsCritical        bool      `json:"is_critical,omitempty"`
}

// Clone returns a deep copy safe to hand out while the manager keeps
// mutating the original.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Task.Approach = append([]string(nil), s.Task.Approach...)
	out.Task.Decisions = append([]string(nil), s.Task.Decisions...)
	out.Task.Files = append([]FileRef(nil), s.Task.Files...)
	out.Task.CompletedSteps = append([]string(nil), s.Task.CompletedSteps...)
	out.Task.NextSteps = append([]string(nil), s.Task.NextSteps...)
	return &out
}

// StateProviderName identifies the provider entry that carries the session's
// own task state inside a snapshot. It is written at critical priority so
// trimming never drops it.
const StateProviderName = "session-state"

// StatePayload is the session state as persisted inside a snapshot and read
// back by the continuation step.
type StatePayload struct {
	SessionID       string `json:"session_id"`
	ContinuityToken string `json:"continuity_token,omitempty"`
	Task            Task   `json:"task"`
}

// Marshal encodes the payload for embedding in a snapshot entry.
func (p StatePayload) Marshal() (json.RawMessage, error) {
	return json.Marshal(p)
}

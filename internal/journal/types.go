package journal

import (
	"time"

	"github.com/fyrsmithlabs/continuityd/internal/boundary"
)

// Kind classifies a journal entry.
type Kind string

const (
	// KindSessionCreated records the start of a session.
	KindSessionCreated Kind = "session_created"

	// KindBoundaryCrossing records a persisted crossing and links the closed
	// session to its successor.
	KindBoundaryCrossing Kind = "boundary_crossing"
)

// Entry is an append-only record of a session lifecycle event. Entries are
// never mutated; retention cleanup prunes them by age.
type Entry struct {
	Kind            Kind          `json:"kind"`
	SessionID       string        `json:"session_id"`
	Timestamp       time.Time     `json:"timestamp"`
	FilePath        string        `json:"file_path,omitempty"`
	ContinuityToken string        `json:"continuity_token,omitempty"`
	NextSessionID   string        `json:"next_session_id,omitempty"`
	BoundaryType    boundary.Type `json:"boundary_type,omitempty"`
	IsCritical      bool          `json:"is_critical,omitempty"`
	Degraded        bool          `json:"degraded,omitempty"`
}

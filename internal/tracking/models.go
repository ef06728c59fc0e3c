package tracking

import (
	"time"

	"github.com/kevinpatel18/location-tracker/internal/position"
)

// State is the session lifecycle state. The session service is its only
// writer.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateTracking State = "tracking"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// ErrorRecord is the consumer-visible form of the most recent sensor or
// start failure. Transient records are overwritten by the next clean fix.
type ErrorRecord struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Fatal   bool      `json:"fatal"`
	At      time.Time `json:"at"`
}

// DiagnosticRecord is one line of the bounded session diagnostic log.
type DiagnosticRecord struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Snapshot is the read-only consumer view of the session. Everything in it
// is copied; mutating a snapshot never touches the live session.
type Snapshot struct {
	SessionID   string             `json:"session_id"`
	State       State              `json:"state"`
	Path        []position.Fix     `json:"path"`
	Current     *position.Fix      `json:"current,omitempty"`
	LastError   *ErrorRecord       `json:"last_error,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	DistanceM   float64            `json:"distance_m"`
	Diagnostics []DiagnosticRecord `json:"diagnostics"`
}

// Summary aggregates the session for quick consumers.
type Summary struct {
	SessionID     string  `json:"session_id"`
	State         State   `json:"state"`
	PointCount    int     `json:"point_count"`
	DistanceM     float64 `json:"distance_m"`
	DurationSec   int64   `json:"duration_sec"`
	AverageSpeedM float64 `json:"average_speed_mps"`
}

// SessionRecord is a completed session handed to an Archiver.
type SessionRecord struct {
	SessionID string
	StartedAt time.Time
	EndedAt   time.Time
	Fixes     []position.Fix
	DistanceM float64
}

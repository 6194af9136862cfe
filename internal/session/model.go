// Package session holds the authoritative attendance session state and the
// store that serializes all mutation of it.
package session

import (
	"errors"
	"time"

	"presence/internal/geo"
)

// State is the session lifecycle state. Closed is terminal.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Status classifies one student's attendance within a session.
type Status string

const (
	StatusPresent    Status = "present"
	StatusLate       Status = "late"
	StatusOutOfRange Status = "out_of_range"
	StatusAbsent     Status = "absent"
)

var (
	// ErrDuplicateCode means no free session code could be allocated.
	ErrDuplicateCode = errors.New("duplicate session code")
	// ErrSessionNotFound means no open session matches the code or id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired means the session closed between code issue and use.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionClosed means a mutation was attempted after close.
	ErrSessionClosed = errors.New("session closed")
	// ErrAlreadyClosed means Close was called twice for the same session.
	ErrAlreadyClosed = errors.New("session already closed")
)

// Session is an attendance session. Geofence, Threshold and Enrolled are
// immutable after open; State and ClosedAt change only on close.
type Session struct {
	ID        string        `json:"id"`
	Code      string        `json:"code"`
	FacultyID string        `json:"faculty_id"`
	ClassID   string        `json:"class_id"`
	Geofence  geo.Geofence  `json:"geofence"`
	Threshold time.Duration `json:"threshold"`
	State     State         `json:"state"`
	OpenedAt  time.Time     `json:"opened_at"`
	ClosedAt  *time.Time    `json:"closed_at,omitempty"`
	Enrolled  []string      `json:"enrolled,omitempty"`
}

// Record is one student's attendance within one session. At most one exists
// per (session, student); repeated joins update it in place.
type Record struct {
	SessionID      string         `json:"session_id"`
	StudentID      string         `json:"student_id"`
	JoinedAt       time.Time      `json:"joined_at"`
	LastVerifiedAt time.Time      `json:"last_verified_at"`
	LastLocation   geo.Coordinate `json:"last_location"`
	DistanceMeters *float64       `json:"distance_meters,omitempty"`
	Status         Status         `json:"status"`
	LeftAt         *time.Time     `json:"left_at,omitempty"`

	// OutOfRangeSince tracks the start of the current out-of-range
	// excursion; AlertSent dedupes the grace-period alert per excursion.
	OutOfRangeSince *time.Time `json:"-"`
	AlertSent       bool       `json:"-"`
}

// Spec describes a session to be created.
type Spec struct {
	FacultyID string
	ClassID   string
	Geofence  geo.Geofence
	Threshold time.Duration
	Enrolled  []string
}

// Snapshot is a point-in-time copy of a session and all its records.
type Snapshot struct {
	Session Session
	Records []Record
}

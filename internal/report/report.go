// Package report projects a frozen session into its final roster.
package report

import (
	"sort"
	"time"

	"presence/internal/session"
)

// Entry is one student's line in a final roster. JoinedAt and DistanceMeters
// are nil for students who never joined.
type Entry struct {
	StudentID      string         `json:"student_id"`
	Status         session.Status `json:"status"`
	DistanceMeters *float64       `json:"distance_meters,omitempty"`
	JoinedAt       *time.Time     `json:"joined_at,omitempty"`
}

// FinalRoster is the finalized attendance roster of a closed session.
type FinalRoster struct {
	SessionID string     `json:"session_id"`
	ClassID   string     `json:"class_id"`
	FacultyID string     `json:"faculty_id"`
	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	Entries   []Entry    `json:"entries"`
}

// Build derives the roster from a session snapshot. Pure projection: entries
// are sorted by student id regardless of join order, and enrolled students
// without a record are emitted as Absent.
func Build(snap session.Snapshot) FinalRoster {
	roster := FinalRoster{
		SessionID: snap.Session.ID,
		ClassID:   snap.Session.ClassID,
		FacultyID: snap.Session.FacultyID,
		OpenedAt:  snap.Session.OpenedAt,
		ClosedAt:  snap.Session.ClosedAt,
		Entries:   make([]Entry, 0, len(snap.Records)),
	}

	joined := make(map[string]struct{}, len(snap.Records))
	for _, rec := range snap.Records {
		joined[rec.StudentID] = struct{}{}
		joinedAt := rec.JoinedAt
		roster.Entries = append(roster.Entries, Entry{
			StudentID:      rec.StudentID,
			Status:         rec.Status,
			DistanceMeters: rec.DistanceMeters,
			JoinedAt:       &joinedAt,
		})
	}

	for _, studentID := range snap.Session.Enrolled {
		if _, ok := joined[studentID]; ok {
			continue
		}
		roster.Entries = append(roster.Entries, Entry{
			StudentID: studentID,
			Status:    session.StatusAbsent,
		})
	}

	sort.Slice(roster.Entries, func(i, j int) bool {
		return roster.Entries[i].StudentID < roster.Entries[j].StudentID
	})
	return roster
}

// PresentCount counts entries classified Present or Late.
func (r FinalRoster) PresentCount() int {
	n := 0
	for _, e := range r.Entries {
		if e.Status == session.StatusPresent || e.Status == session.StatusLate {
			n++
		}
	}
	return n
}

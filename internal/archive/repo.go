// Package archive persists finalized rosters in Postgres and serves the
// history views derived from them.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"presence/internal/report"
	"presence/internal/session"
)

// Repository persists roster data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SaveRoster stores a finalized roster atomically. Saving the same session
// twice overwrites the previous archive, which makes queue redelivery safe.
func (r *Repository) SaveRoster(ctx context.Context, roster report.FinalRoster) error {
	if roster.SessionID == "" {
		return errors.New("roster session id required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO archived_sessions (id, class_id, faculty_id, opened_at, closed_at, present_count, total_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			closed_at = EXCLUDED.closed_at,
			present_count = EXCLUDED.present_count,
			total_count = EXCLUDED.total_count
	`, roster.SessionID, roster.ClassID, roster.FacultyID, roster.OpenedAt, roster.ClosedAt,
		roster.PresentCount(), len(roster.Entries))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM archived_attendance WHERE session_id = $1`, roster.SessionID); err != nil {
		return err
	}
	for _, entry := range roster.Entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO archived_attendance (session_id, student_id, status, distance_meters, joined_at)
			VALUES ($1,$2,$3,$4,$5)
		`, roster.SessionID, entry.StudentID, string(entry.Status), entry.DistanceMeters, entry.JoinedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SessionRow is one archived session in a faculty member's history.
type SessionRow struct {
	SessionID    string     `json:"session_id"`
	ClassID      string     `json:"class_id"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	PresentCount int        `json:"present_count"`
	TotalCount   int        `json:"total_count"`
}

// ListFacultySessions returns a faculty member's most recent sessions.
func (r *Repository) ListFacultySessions(ctx context.Context, facultyID string, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, class_id, opened_at, closed_at, present_count, total_count
		FROM archived_sessions
		WHERE faculty_id = $1
		ORDER BY opened_at DESC
		LIMIT $2
	`, facultyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		if err := rows.Scan(&row.SessionID, &row.ClassID, &row.OpenedAt, &row.ClosedAt, &row.PresentCount, &row.TotalCount); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// HistoryRow is one archived attendance entry in a student's history.
type HistoryRow struct {
	SessionID      string         `json:"session_id"`
	ClassID        string         `json:"class_id"`
	Status         session.Status `json:"status"`
	DistanceMeters *float64       `json:"distance_meters,omitempty"`
	JoinedAt       *time.Time     `json:"joined_at,omitempty"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`
}

// ListStudentHistory returns a student's most recent attendance entries.
func (r *Repository) ListStudentHistory(ctx context.Context, studentID string, limit int) ([]HistoryRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.session_id, s.class_id, a.status, a.distance_meters, a.joined_at, s.closed_at
		FROM archived_attendance a
		JOIN archived_sessions s ON s.id = a.session_id
		WHERE a.student_id = $1
		ORDER BY s.opened_at DESC
		LIMIT $2
	`, studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var row HistoryRow
		var status string
		if err := rows.Scan(&row.SessionID, &row.ClassID, &status, &row.DistanceMeters, &row.JoinedAt, &row.ClosedAt); err != nil {
			return nil, err
		}
		row.Status = session.Status(status)
		out = append(out, row)
	}
	return out, rows.Err()
}

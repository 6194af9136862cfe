// Package engine orchestrates attendance sessions: open/close lifecycle,
// join and re-verification processing, presence classification, and event
// publication.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"presence/internal/events"
	"presence/internal/geo"
	"presence/internal/metrics"
	"presence/internal/report"
	"presence/internal/session"
)

var (
	// ErrInvalidRadius is returned for a geofence radius outside [10,500] meters.
	ErrInvalidRadius = errors.New("geofence radius out of range")
	// ErrInvalidThreshold is returned for a threshold outside [1,180] minutes.
	ErrInvalidThreshold = errors.New("threshold duration out of range")
	// ErrNotJoined is returned when re-verifying a student with no record.
	ErrNotJoined = errors.New("student has not joined this session")
	// ErrNotOwner is returned when a faculty member closes a session they do not own.
	ErrNotOwner = errors.New("session owned by another faculty member")
)

// Domain bounds for session configuration.
const (
	MinRadiusMeters = 10.0
	MaxRadiusMeters = 500.0
	MinThreshold    = 1 * time.Minute
	MaxThreshold    = 180 * time.Minute
)

// RosterSink receives finalized rosters for durable archiving.
type RosterSink interface {
	Archive(ctx context.Context, roster report.FinalRoster) error
}

// Config tunes engine policy.
type Config struct {
	// OutOfRangeGrace is how long a student may stay out of range before a
	// StudentOutOfRangeAlert is published.
	OutOfRangeGrace time.Duration
	// ReverifyInterval is the cadence of the background alert sweep.
	ReverifyInterval time.Duration
}

// Engine is the attendance session state machine.
type Engine struct {
	store *session.Store
	pub   *events.Publisher
	sink  RosterSink
	log   zerolog.Logger
	cfg   Config

	now func() time.Time
}

// New creates an engine. sink may be nil when archiving is disabled.
func New(store *session.Store, pub *events.Publisher, sink RosterSink, log zerolog.Logger, cfg Config) *Engine {
	if cfg.OutOfRangeGrace <= 0 {
		cfg.OutOfRangeGrace = 2 * time.Minute
	}
	if cfg.ReverifyInterval <= 0 {
		cfg.ReverifyInterval = 15 * time.Second
	}
	return &Engine{
		store: store,
		pub:   pub,
		sink:  sink,
		log:   log,
		cfg:   cfg,
		now:   time.Now,
	}
}

// OpenSession validates the spec and creates a new open session.
func (e *Engine) OpenSession(ctx context.Context, spec session.Spec) (session.Session, error) {
	if err := spec.Geofence.Center.Validate(); err != nil {
		return session.Session{}, err
	}
	if spec.Geofence.RadiusMeters < MinRadiusMeters || spec.Geofence.RadiusMeters > MaxRadiusMeters {
		return session.Session{}, fmt.Errorf("%w: %.0fm not in [%.0f,%.0f]",
			ErrInvalidRadius, spec.Geofence.RadiusMeters, MinRadiusMeters, MaxRadiusMeters)
	}
	if spec.Threshold < MinThreshold || spec.Threshold > MaxThreshold {
		return session.Session{}, fmt.Errorf("%w: %s not in [%s,%s]",
			ErrInvalidThreshold, spec.Threshold, MinThreshold, MaxThreshold)
	}

	sess, err := e.store.Create(spec, e.now())
	if err != nil {
		return session.Session{}, err
	}

	metrics.SessionsOpened.Inc()
	e.log.Info().
		Str("session_id", sess.ID).
		Str("class_id", sess.ClassID).
		Str("faculty_id", sess.FacultyID).
		Msg("session opened")

	fence := sess.Geofence
	openedAt := sess.OpenedAt
	e.pub.Publish(events.Event{
		Type:             events.TypeSessionOpened,
		SessionID:        sess.ID,
		Code:             sess.Code,
		Geofence:         &fence,
		ThresholdMinutes: int(sess.Threshold / time.Minute),
		OpenedAt:         &openedAt,
	})
	return sess, nil
}

// JoinSession processes a student's join request: resolves the code,
// evaluates the location against the geofence, classifies the student and
// upserts their record. Re-joining re-evaluates status but keeps the
// original joinedAt, so lateness is judged on first join only.
func (e *Engine) JoinSession(ctx context.Context, code, studentID string, loc geo.Coordinate) (session.Record, error) {
	sess, err := e.store.GetByCode(code)
	if err != nil {
		return session.Record{}, err
	}

	distance, err := geo.Distance(loc, sess.Geofence.Center)
	if err != nil {
		return session.Record{}, err
	}
	inRange := distance <= sess.Geofence.RadiusMeters
	now := e.now()

	rec, err := e.store.MutateAttendance(ctx, sess.ID, studentID, func(rec *session.Record) error {
		if rec.JoinedAt.IsZero() {
			rec.JoinedAt = now
		}
		applyObservation(rec, sess, loc, distance, inRange, now)
		rec.LeftAt = nil
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			// Code resolved but the session closed before the mutation.
			return session.Record{}, session.ErrSessionExpired
		}
		return session.Record{}, err
	}

	metrics.Joins.WithLabelValues(string(rec.Status)).Inc()
	e.log.Debug().
		Str("session_id", sess.ID).
		Str("student_id", studentID).
		Str("status", string(rec.Status)).
		Float64("distance_m", distance).
		Msg("student joined")

	e.pub.Publish(events.Event{
		Type:           events.TypeStudentJoined,
		SessionID:      sess.ID,
		StudentID:      studentID,
		Status:         rec.Status,
		DistanceMeters: rec.DistanceMeters,
	})
	return rec, nil
}

// ReverifyLocation is the focus-mode heartbeat: identical classification to
// JoinSession but it never touches joinedAt and requires an existing record.
// Students out of range beyond the grace period trigger a single alert per
// excursion.
func (e *Engine) ReverifyLocation(ctx context.Context, sessionID, studentID string, loc geo.Coordinate) (session.Record, error) {
	sess, err := e.store.GetByID(sessionID)
	if err != nil {
		return session.Record{}, err
	}
	if sess.State == session.StateClosed {
		return session.Record{}, session.ErrSessionClosed
	}

	distance, err := geo.Distance(loc, sess.Geofence.Center)
	if err != nil {
		return session.Record{}, err
	}
	inRange := distance <= sess.Geofence.RadiusMeters
	now := e.now()

	alert := false
	rec, err := e.store.MutateAttendance(ctx, sessionID, studentID, func(rec *session.Record) error {
		if rec.JoinedAt.IsZero() {
			return ErrNotJoined
		}
		if rec.LeftAt != nil {
			// Student left focus mode; keep the record frozen.
			return nil
		}
		applyObservation(rec, sess, loc, distance, inRange, now)
		if rec.OutOfRangeSince != nil && !rec.AlertSent &&
			now.Sub(*rec.OutOfRangeSince) >= e.cfg.OutOfRangeGrace {
			rec.AlertSent = true
			alert = true
		}
		return nil
	})
	if err != nil {
		return session.Record{}, err
	}

	metrics.Reverifications.Inc()
	if alert {
		e.publishOutOfRangeAlert(sessionID, studentID)
	}
	return rec, nil
}

// LeaveSession records a student's explicit exit from focus mode. The
// record keeps its last classification; further re-verification and
// out-of-range alerting stop for this student.
func (e *Engine) LeaveSession(ctx context.Context, sessionID, studentID string) (session.Record, error) {
	now := e.now()
	rec, err := e.store.MutateAttendance(ctx, sessionID, studentID, func(rec *session.Record) error {
		if rec.JoinedAt.IsZero() {
			return ErrNotJoined
		}
		if rec.LeftAt == nil {
			rec.LeftAt = &now
		}
		return nil
	})
	if err != nil {
		return session.Record{}, err
	}
	e.log.Debug().
		Str("session_id", sessionID).
		Str("student_id", studentID).
		Msg("student left session")
	return rec, nil
}

// CloseSession transitions the session to Closed, builds the final roster,
// publishes SessionClosed and hands the roster to the archive sink. The
// close is the linearization point: once it returns, no join or
// re-verification for this session can succeed.
func (e *Engine) CloseSession(ctx context.Context, sessionID, facultyID string) (report.FinalRoster, error) {
	if facultyID != "" {
		sess, err := e.store.GetByID(sessionID)
		if err != nil {
			return report.FinalRoster{}, err
		}
		if sess.FacultyID != facultyID {
			return report.FinalRoster{}, ErrNotOwner
		}
	}

	snap, err := e.store.Close(sessionID, e.now())
	if err != nil {
		return report.FinalRoster{}, err
	}
	roster := report.Build(snap)

	metrics.SessionsClosed.Inc()
	e.log.Info().
		Str("session_id", sessionID).
		Int("records", len(snap.Records)).
		Int("present", roster.PresentCount()).
		Msg("session closed")

	e.pub.Publish(events.Event{
		Type:      events.TypeSessionClosed,
		SessionID: sessionID,
		ClosedAt:  snap.Session.ClosedAt,
	})

	if e.sink != nil {
		if err := e.archiveWithRetry(ctx, roster); err != nil {
			// The session is closed regardless; archiving is retried and
			// the terminal failure surfaced in the log, not to the caller.
			e.log.Error().Err(err).Str("session_id", sessionID).Msg("roster archive failed")
		}
	}
	return roster, nil
}

// GetRoster projects the current roster of a session, live or final.
func (e *Engine) GetRoster(sessionID string) (report.FinalRoster, error) {
	snap, err := e.store.Snapshot(sessionID)
	if err != nil {
		return report.FinalRoster{}, err
	}
	return report.Build(snap), nil
}

// Summary is the live session projection shown on dashboards.
type Summary struct {
	SessionID      string        `json:"session_id"`
	Code           string        `json:"code"`
	ClassID        string        `json:"class_id"`
	State          session.State `json:"state"`
	Elapsed        time.Duration `json:"elapsed"`
	StudentsJoined int           `json:"students_joined"`
}

// Summarize computes elapsed time and joined-student count from live state.
func (e *Engine) Summarize(sessionID string) (Summary, error) {
	snap, err := e.store.Snapshot(sessionID)
	if err != nil {
		return Summary{}, err
	}
	end := e.now()
	if snap.Session.ClosedAt != nil {
		end = *snap.Session.ClosedAt
	}
	return Summary{
		SessionID:      snap.Session.ID,
		Code:           snap.Session.Code,
		ClassID:        snap.Session.ClassID,
		State:          snap.Session.State,
		Elapsed:        end.Sub(snap.Session.OpenedAt),
		StudentsJoined: len(snap.Records),
	}, nil
}

// Subscribe attaches an event stream to an existing session. Subscribing to
// an already-closed session yields an immediately-closed stream.
func (e *Engine) Subscribe(sessionID string) (*events.Subscription, error) {
	sess, err := e.store.GetByID(sessionID)
	if err != nil {
		return nil, err
	}
	sub := e.pub.Subscribe(sessionID)
	if sess.State == session.StateClosed {
		sub.Close()
	}
	return sub, nil
}

// Run executes the periodic re-verification sweep until ctx is canceled.
// The sweep re-evaluates out-of-range excursions against the grace period;
// sessions that close between ticks are skipped silently.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReverifyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	now := e.now()
	for _, sess := range e.store.OpenSessions() {
		snap, err := e.store.Snapshot(sess.ID)
		if err != nil {
			continue
		}
		for _, rec := range snap.Records {
			if rec.LeftAt != nil || rec.AlertSent || rec.OutOfRangeSince == nil {
				continue
			}
			if now.Sub(*rec.OutOfRangeSince) < e.cfg.OutOfRangeGrace {
				continue
			}
			studentID := rec.StudentID
			alert := false
			_, err := e.store.MutateAttendance(ctx, sess.ID, studentID, func(rec *session.Record) error {
				if rec.LeftAt != nil || rec.AlertSent || rec.OutOfRangeSince == nil {
					return nil
				}
				if now.Sub(*rec.OutOfRangeSince) < e.cfg.OutOfRangeGrace {
					return nil
				}
				rec.AlertSent = true
				alert = true
				return nil
			})
			if err != nil {
				// Session closed mid-sweep; drop the tick.
				break
			}
			if alert {
				e.publishOutOfRangeAlert(sess.ID, studentID)
			}
		}
	}
}

func (e *Engine) publishOutOfRangeAlert(sessionID, studentID string) {
	metrics.OutOfRangeAlerts.Inc()
	e.log.Warn().
		Str("session_id", sessionID).
		Str("student_id", studentID).
		Msg("student out of range beyond grace period")
	e.pub.Publish(events.Event{
		Type:      events.TypeStudentOutOfRange,
		SessionID: sessionID,
		StudentID: studentID,
	})
}

func (e *Engine) archiveWithRetry(ctx context.Context, roster report.FinalRoster) error {
	op := func() (struct{}, error) {
		return struct{}{}, e.sink.Archive(ctx, roster)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
	)
	return err
}

// applyObservation records a location observation and reclassifies the
// student. Classification: out of range overrides everything; otherwise
// lateness is judged from the first join against the session threshold.
func applyObservation(rec *session.Record, sess session.Session, loc geo.Coordinate, distance float64, inRange bool, now time.Time) {
	rec.LastVerifiedAt = now
	rec.LastLocation = loc
	d := distance
	rec.DistanceMeters = &d

	switch {
	case !inRange:
		rec.Status = session.StatusOutOfRange
		if rec.OutOfRangeSince == nil {
			t := now
			rec.OutOfRangeSince = &t
			rec.AlertSent = false
		}
	case rec.JoinedAt.Sub(sess.OpenedAt) > sess.Threshold:
		rec.Status = session.StatusLate
		rec.OutOfRangeSince = nil
		rec.AlertSent = false
	default:
		rec.Status = session.StatusPresent
		rec.OutOfRangeSince = nil
		rec.AlertSent = false
	}
}

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"presence/internal/code"
)

// Store is the authoritative in-memory session store.
//
// Locking discipline: store.mu guards the session and code maps. Each entry
// has a stateMu whose read side is held for the duration of any record
// mutation and whose write side is taken exactly once, by Close. Per-record
// slots carry their own mutex, so mutations for different students in the
// same session run concurrently while mutations for the same student are
// strictly serialized. Because Close holds the write lock while flipping the
// state, no mutation can be admitted after Close returns.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	codes    map[string]string // open-session code -> session id
}

type entry struct {
	stateMu sync.RWMutex
	sess    Session

	slotsMu sync.Mutex
	slots   map[string]*slot
}

type slot struct {
	mu  sync.Mutex
	rec Record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*entry),
		codes:    make(map[string]string),
	}
}

// Create allocates a new open session with a code unique among open sessions.
func (s *Store) Create(spec Spec, now time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]struct{}, len(s.codes))
	for c := range s.codes {
		existing[c] = struct{}{}
	}
	c, err := code.Generate(existing)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrDuplicateCode, err)
	}

	sess := Session{
		ID:        uuid.NewString(),
		Code:      c,
		FacultyID: spec.FacultyID,
		ClassID:   spec.ClassID,
		Geofence:  spec.Geofence,
		Threshold: spec.Threshold,
		State:     StateOpen,
		OpenedAt:  now.UTC(),
		Enrolled:  append([]string(nil), spec.Enrolled...),
	}
	s.sessions[sess.ID] = &entry{sess: sess, slots: make(map[string]*slot)}
	s.codes[c] = sess.ID
	return sess, nil
}

// GetByCode resolves a code to its open session. A code still registered for
// a session that has already closed yields ErrSessionExpired.
func (s *Store) GetByCode(c string) (Session, error) {
	s.mu.RLock()
	id, ok := s.codes[code.Normalize(c)]
	e := s.sessions[id]
	s.mu.RUnlock()
	if !ok || e == nil {
		return Session{}, ErrSessionNotFound
	}

	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if e.sess.State == StateClosed {
		return Session{}, ErrSessionExpired
	}
	return e.sess, nil
}

// GetByID returns the session with the given id, open or closed.
func (s *Store) GetByID(id string) (Session, error) {
	e, err := s.entry(id)
	if err != nil {
		return Session{}, err
	}
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.sess, nil
}

// MutateAttendance applies fn as an atomic read-modify-write of the record
// for (sessionID, studentID), creating it if absent. fn sees a copy; the
// store commits it only when fn returns nil, so an aborted mutation leaves
// no partial state. Returns ErrSessionClosed once the session has closed.
func (s *Store) MutateAttendance(ctx context.Context, sessionID, studentID string, fn func(rec *Record) error) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	e, err := s.entry(sessionID)
	if err != nil {
		return Record{}, err
	}

	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if e.sess.State == StateClosed {
		return Record{}, ErrSessionClosed
	}

	e.slotsMu.Lock()
	sl, ok := e.slots[studentID]
	if !ok {
		sl = &slot{}
		e.slots[studentID] = sl
	}
	e.slotsMu.Unlock()

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	rec := sl.rec
	if rec.StudentID == "" {
		rec = Record{SessionID: sessionID, StudentID: studentID}
	}
	if err := fn(&rec); err != nil {
		return Record{}, err
	}
	sl.rec = rec
	return rec, nil
}

// Close transitions the session to Closed and returns its frozen snapshot.
// The write lock drains all in-flight mutations first, so the returned
// snapshot is the final state.
func (s *Store) Close(sessionID string, now time.Time) (Snapshot, error) {
	e, err := s.entry(sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	e.stateMu.Lock()
	if e.sess.State == StateClosed {
		e.stateMu.Unlock()
		return Snapshot{}, ErrAlreadyClosed
	}
	closedAt := now.UTC()
	e.sess.State = StateClosed
	e.sess.ClosedAt = &closedAt
	snap := Snapshot{Session: e.sess, Records: e.copyRecords()}
	c := e.sess.Code
	e.stateMu.Unlock()

	// Release the code for reuse by future sessions.
	s.mu.Lock()
	if s.codes[c] == sessionID {
		delete(s.codes, c)
	}
	s.mu.Unlock()

	return snap, nil
}

// Snapshot returns a point-in-time copy of a session and its records.
func (s *Store) Snapshot(sessionID string) (Snapshot, error) {
	e, err := s.entry(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return Snapshot{Session: e.sess, Records: e.copyRecords()}, nil
}

// OpenSessions lists sessions currently in state Open.
func (s *Store) OpenSessions() []Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []Session
	for _, e := range entries {
		e.stateMu.RLock()
		if e.sess.State == StateOpen {
			out = append(out, e.sess)
		}
		e.stateMu.RUnlock()
	}
	return out
}

func (s *Store) entry(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// copyRecords requires at least the read side of stateMu to be held.
func (e *entry) copyRecords() []Record {
	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()
	out := make([]Record, 0, len(e.slots))
	for _, sl := range e.slots {
		sl.mu.Lock()
		if sl.rec.StudentID != "" {
			out = append(out, sl.rec)
		}
		sl.mu.Unlock()
	}
	return out
}

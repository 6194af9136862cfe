package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"presence/internal/events"
	"presence/internal/geo"
	"presence/internal/report"
	"presence/internal/session"
)

// Center of the test geofence; offsets below are measured from here.
var center = geo.Coordinate{Latitude: 12.97160, Longitude: 77.59460}

// pointAt returns a coordinate approximately meters north of center.
// One degree of latitude is ~111.19 km.
func pointAt(meters float64) geo.Coordinate {
	return geo.Coordinate{
		Latitude:  center.Latitude + meters/111195,
		Longitude: center.Longitude,
	}
}

type testEngine struct {
	*Engine
	clock time.Time
	mu    sync.Mutex
}

func (te *testEngine) setClock(t time.Time) {
	te.mu.Lock()
	te.clock = t
	te.mu.Unlock()
}

func newTestEngine(t *testing.T, cfg Config) *testEngine {
	t.Helper()
	te := &testEngine{clock: time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)}
	store := session.NewStore()
	pub := events.NewPublisher(zerolog.Nop())
	te.Engine = New(store, pub, nil, zerolog.Nop(), cfg)
	te.Engine.now = func() time.Time {
		te.mu.Lock()
		defer te.mu.Unlock()
		return te.clock
	}
	return te
}

func openTestSession(t *testing.T, te *testEngine, enrolled ...string) session.Session {
	t.Helper()
	sess, err := te.OpenSession(context.Background(), session.Spec{
		FacultyID: "fac-1",
		ClassID:   "CS101",
		Geofence:  geo.Geofence{Center: center, RadiusMeters: 50},
		Threshold: 15 * time.Minute,
		Enrolled:  enrolled,
	})
	require.NoError(t, err)
	return sess
}

func TestOpenSessionValidation(t *testing.T) {
	te := newTestEngine(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name      string
		fence     geo.Geofence
		threshold time.Duration
		wantErr   error
	}{
		{
			name:      "radius below minimum",
			fence:     geo.Geofence{Center: center, RadiusMeters: 9},
			threshold: 15 * time.Minute,
			wantErr:   ErrInvalidRadius,
		},
		{
			name:      "radius above maximum",
			fence:     geo.Geofence{Center: center, RadiusMeters: 501},
			threshold: 15 * time.Minute,
			wantErr:   ErrInvalidRadius,
		},
		{
			name:      "threshold below minimum",
			fence:     geo.Geofence{Center: center, RadiusMeters: 50},
			threshold: 30 * time.Second,
			wantErr:   ErrInvalidThreshold,
		},
		{
			name:      "threshold above maximum",
			fence:     geo.Geofence{Center: center, RadiusMeters: 50},
			threshold: 181 * time.Minute,
			wantErr:   ErrInvalidThreshold,
		},
		{
			name:      "invalid center",
			fence:     geo.Geofence{Center: geo.Coordinate{Latitude: 100}, RadiusMeters: 50},
			threshold: 15 * time.Minute,
			wantErr:   geo.ErrInvalidCoordinate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := te.OpenSession(ctx, session.Spec{
				FacultyID: "fac-1",
				ClassID:   "CS101",
				Geofence:  tt.fence,
				Threshold: tt.threshold,
			})
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	// Boundary values are accepted.
	for _, fence := range []geo.Geofence{
		{Center: center, RadiusMeters: 10},
		{Center: center, RadiusMeters: 500},
	} {
		_, err := te.OpenSession(ctx, session.Spec{
			FacultyID: "fac-1", ClassID: "CS101", Geofence: fence, Threshold: time.Minute,
		})
		require.NoError(t, err)
	}
}

// The classification scenario: radius 50m, threshold 15min, opened at T0.
// A joins at T0+5m from 30m -> Present. B joins at T0+20m from 10m -> Late.
// C joins at T0+5m from 80m -> OutOfRange. D never joins -> Absent at close.
func TestClassificationScenario(t *testing.T) {
	te := newTestEngine(t, Config{})
	ctx := context.Background()
	t0 := te.clock
	sess := openTestSession(t, te, "stu-a", "stu-b", "stu-c", "stu-d")

	te.setClock(t0.Add(5 * time.Minute))
	recA, err := te.JoinSession(ctx, sess.Code, "stu-a", pointAt(30))
	require.NoError(t, err)
	require.Equal(t, session.StatusPresent, recA.Status)
	require.InDelta(t, 30, *recA.DistanceMeters, 1)

	recC, err := te.JoinSession(ctx, sess.Code, "stu-c", pointAt(80))
	require.NoError(t, err)
	require.Equal(t, session.StatusOutOfRange, recC.Status)

	te.setClock(t0.Add(20 * time.Minute))
	recB, err := te.JoinSession(ctx, sess.Code, "stu-b", pointAt(10))
	require.NoError(t, err)
	require.Equal(t, session.StatusLate, recB.Status)

	roster, err := te.CloseSession(ctx, sess.ID, "fac-1")
	require.NoError(t, err)
	require.Len(t, roster.Entries, 4)

	want := map[string]session.Status{
		"stu-a": session.StatusPresent,
		"stu-b": session.StatusLate,
		"stu-c": session.StatusOutOfRange,
		"stu-d": session.StatusAbsent,
	}
	for _, entry := range roster.Entries {
		require.Equal(t, want[entry.StudentID], entry.Status, "student %s", entry.StudentID)
	}
}

func TestRejoinKeepsOriginalJoinTime(t *testing.T) {
	te := newTestEngine(t, Config{})
	ctx := context.Background()
	t0 := te.clock
	sess := openTestSession(t, te)

	te.setClock(t0.Add(5 * time.Minute))
	rec, err := te.JoinSession(ctx, sess.Code, "stu-1", pointAt(30))
	require.NoError(t, err)
	require.Equal(t, session.StatusPresent, rec.Status)
	joinedAt := rec.JoinedAt

	// Re-join after the threshold from inside the fence: still Present,
	// because lateness is judged on first join only.
	te.setClock(t0.Add(30 * time.Minute))
	rec, err = te.JoinSession(ctx, sess.Code, "stu-1", pointAt(20))
	require.NoError(t, err)
	require.Equal(t, session.StatusPresent, rec.Status)
	require.Equal(t, joinedAt, rec.JoinedAt)

	roster, err := te.GetRoster(sess.ID)
	require.NoError(t, err)
	require.Len(t, roster.Entries, 1)
}

func TestReverifyMonotonicity(t *testing.T) {
	te := newTestEngine(t, Config{OutOfRangeGrace: 10 * time.Minute})
	ctx := context.Background()
	t0 := te.clock
	sess := openTestSession(t, te)

	te.setClock(t0.Add(5 * time.Minute))
	rec, err := te.JoinSession(ctx, sess.Code, "stu-1", pointAt(30))
	require.NoError(t, err)
	require.Equal(t, session.StatusPresent, rec.Status)

	// Steps out of the fence.
	te.setClock(t0.Add(8 * time.Minute))
	rec, err = te.ReverifyLocation(ctx, sess.ID, "stu-1", pointAt(120))
	require.NoError(t, err)
	require.Equal(t, session.StatusOutOfRange, rec.Status)

	// Returns inside before close: back to Present (joined within threshold).
	te.setClock(t0.Add(10 * time.Minute))
	rec, err = te.ReverifyLocation(ctx, sess.ID, "stu-1", pointAt(40))
	require.NoError(t, err)
	require.Equal(t, session.StatusPresent, rec.Status)
}

func TestReverifyLateStudentStaysLate(t *testing.T) {
	te := newTestEngine(t, Config{})
	ctx := context.Background()
	t0 := te.clock
	sess := openTestSession(t, te)

	te.setClock(t0.Add(20 * time.Minute))
	rec, err := te.JoinSession(ctx, sess.Code, "stu-1", pointAt(10))
	require.NoError(t, err)
	require.Equal(t, session.StatusLate, rec.Status)

	te.setClock(t0.Add(25 * time.Minute))
	rec, err = te.ReverifyLocation(ctx, sess.ID, "stu-1", pointAt(10))
	require.NoError(t, err)
	require.Equal(t, session.StatusLate, rec.Status)
}

func TestReverifyRequiresJoin(t *testing.T) {
	te := newTestEngine(t, Config{})
	sess := openTestSession(t, te)

	_, err := te.ReverifyLocation(context.Background(), sess.ID, "stu-ghost", pointAt(10))
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestOutOfRangeAlertAfterGrace(t *testing.T) {
	te := newTestEngine(t, Config{OutOfRangeGrace: 2 * time.Minute})
	ctx := context.Background()
	t0 := te.clock
	sess := openTestSession(t, te)

	sub, err := te.Subscribe(sess.ID)
	require.NoError(t, err)
	defer sub.Close()

	te.setClock(t0.Add(1 * time.Minute))
	_, err = te.JoinSession(ctx, sess.Code, "stu-1", pointAt(30))
	require.NoError(t, err)

	te.setClock(t0.Add(2 * time.Minute))
	rec, err := te.ReverifyLocation(ctx, sess.ID, "stu-1", pointAt(200))
	require.NoError(t, err)
	require.Equal(t, session.StatusOutOfRange, rec.Status)

	// Still within grace: no alert yet.
	te.setClock(t0.Add(3 * time.Minute))
	_, err = te.ReverifyLocation(ctx, sess.ID, "stu-1", pointAt(200))
	require.NoError(t, err)

	// Grace elapsed: exactly one alert, even across repeated checks.
	te.setClock(t0.Add(5 * time.Minute))
	_, err = te.ReverifyLocation(ctx, sess.ID, "stu-1", pointAt(200))
	require.NoError(t, err)
	te.setClock(t0.Add(6 * time.Minute))
	_, err = te.ReverifyLocation(ctx, sess.ID, "stu-1", pointAt(200))
	require.NoError(t, err)

	alerts := 0
	for {
		select {
		case evt := <-sub.C():
			if evt.Type == events.TypeStudentOutOfRange {
				alerts++
				require.Equal(t, "stu-1", evt.StudentID)
			}
			continue
		default:
		}
		break
	}
	require.Equal(t, 1, alerts)
}

func TestSweepPublishesAlert(t *testing.T) {
	te := newTestEngine(t, Config{OutOfRangeGrace: 2 * time.Minute})
	ctx := context.Background()
	t0 := te.clock
	sess := openTestSession(t, te)

	sub, err := te.Subscribe(sess.ID)
	require.NoError(t, err)
	defer sub.Close()

	te.setClock(t0.Add(1 * time.Minute))
	_, err = te.JoinSession(ctx, sess.Code, "stu-1", pointAt(200))
	require.NoError(t, err)

	// The student reports nothing further; the sweep finds the stale
	// excursion once the grace period elapses.
	te.setClock(t0.Add(2 * time.Minute))
	te.sweep(ctx)
	te.setClock(t0.Add(4 * time.Minute))
	te.sweep(ctx)
	te.sweep(ctx)

	alerts := 0
	for {
		select {
		case evt := <-sub.C():
			if evt.Type == events.TypeStudentOutOfRange {
				alerts++
			}
			continue
		default:
		}
		break
	}
	require.Equal(t, 1, alerts)
}

func TestLeaveSessionFreezesRecord(t *testing.T) {
	te := newTestEngine(t, Config{})
	ctx := context.Background()
	t0 := te.clock
	sess := openTestSession(t, te)

	te.setClock(t0.Add(2 * time.Minute))
	_, err := te.JoinSession(ctx, sess.Code, "stu-1", pointAt(30))
	require.NoError(t, err)

	rec, err := te.LeaveSession(ctx, sess.ID, "stu-1")
	require.NoError(t, err)
	require.NotNil(t, rec.LeftAt)
	require.Equal(t, session.StatusPresent, rec.Status)

	// Heartbeats after leaving do not reclassify.
	te.setClock(t0.Add(5 * time.Minute))
	rec, err = te.ReverifyLocation(ctx, sess.ID, "stu-1", pointAt(300))
	require.NoError(t, err)
	require.Equal(t, session.StatusPresent, rec.Status)
}

func TestCloseSessionOwnershipAndFinality(t *testing.T) {
	te := newTestEngine(t, Config{})
	ctx := context.Background()
	sess := openTestSession(t, te)

	_, err := te.CloseSession(ctx, sess.ID, "fac-other")
	require.ErrorIs(t, err, ErrNotOwner)

	_, err = te.CloseSession(ctx, sess.ID, "fac-1")
	require.NoError(t, err)

	_, err = te.CloseSession(ctx, sess.ID, "fac-1")
	require.ErrorIs(t, err, session.ErrAlreadyClosed)

	_, err = te.JoinSession(ctx, sess.Code, "stu-1", pointAt(10))
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = te.ReverifyLocation(ctx, sess.ID, "stu-1", pointAt(10))
	require.ErrorIs(t, err, session.ErrSessionClosed)
}

func TestConcurrentJoinsDuringClose(t *testing.T) {
	te := newTestEngine(t, Config{})
	ctx := context.Background()
	sess := openTestSession(t, te)

	const joiners = 64
	start := make(chan struct{})
	errs := make(chan error, joiners)

	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := te.JoinSession(ctx, sess.Code, "stu-"+string(rune('a'+i%26)), pointAt(float64(10+i%30)))
			errs <- err
		}(i)
	}

	var roster report.FinalRoster
	var closeWG sync.WaitGroup
	closeWG.Add(1)
	go func() {
		defer closeWG.Done()
		<-start
		var err error
		roster, err = te.CloseSession(ctx, sess.ID, "fac-1")
		require.NoError(t, err)
	}()

	close(start)
	wg.Wait()
	closeWG.Wait()
	close(errs)

	// Every join either completed before the close linearization point (and
	// its student appears on the roster) or failed; none slip in after.
	accepted := make(map[string]struct{})
	for _, entry := range roster.Entries {
		accepted[entry.StudentID] = struct{}{}
	}
	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else if !isCloseRace(err) {
			t.Fatalf("unexpected join error: %v", err)
		}
	}
	require.LessOrEqual(t, len(accepted), succeeded)

	after, err := te.GetRoster(sess.ID)
	require.NoError(t, err)
	require.Equal(t, roster.Entries, after.Entries, "roster must be frozen after close")
}

func isCloseRace(err error) bool {
	return errors.Is(err, session.ErrSessionNotFound) ||
		errors.Is(err, session.ErrSessionExpired) ||
		errors.Is(err, session.ErrSessionClosed)
}

func TestSummarize(t *testing.T) {
	te := newTestEngine(t, Config{})
	ctx := context.Background()
	t0 := te.clock
	sess := openTestSession(t, te)

	te.setClock(t0.Add(5 * time.Minute))
	_, err := te.JoinSession(ctx, sess.Code, "stu-1", pointAt(10))
	require.NoError(t, err)
	_, err = te.JoinSession(ctx, sess.Code, "stu-2", pointAt(20))
	require.NoError(t, err)

	te.setClock(t0.Add(45*time.Minute + 30*time.Second))
	sum, err := te.Summarize(sess.ID)
	require.NoError(t, err)
	require.Equal(t, 45*time.Minute+30*time.Second, sum.Elapsed)
	require.Equal(t, 2, sum.StudentsJoined)
	require.Equal(t, session.StateOpen, sum.State)
}

func TestJoinEventCarriesStatusAndDistance(t *testing.T) {
	te := newTestEngine(t, Config{})
	ctx := context.Background()
	sess := openTestSession(t, te)

	sub, err := te.Subscribe(sess.ID)
	require.NoError(t, err)
	defer sub.Close()

	_, err = te.JoinSession(ctx, sess.Code, "stu-1", pointAt(30))
	require.NoError(t, err)

	select {
	case evt := <-sub.C():
		require.Equal(t, events.TypeStudentJoined, evt.Type)
		require.Equal(t, "stu-1", evt.StudentID)
		require.Equal(t, session.StatusPresent, evt.Status)
		require.NotNil(t, evt.DistanceMeters)
		require.InDelta(t, 30, *evt.DistanceMeters, 1)
	case <-time.After(time.Second):
		t.Fatal("no join event published")
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	te := newTestEngine(t, Config{})
	_, err := te.Subscribe("missing")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

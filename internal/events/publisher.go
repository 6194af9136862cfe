// Package events fans session and attendance change events out to
// subscribers without ever blocking the engine.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"presence/internal/geo"
	"presence/internal/session"
)

// Event types carried on the stream.
const (
	TypeSessionOpened     = "session_opened"
	TypeStudentJoined     = "student_joined"
	TypeStudentOutOfRange = "student_out_of_range_alert"
	TypeSessionClosed     = "session_closed"
)

// Event is a session-scoped change notification. Fields beyond Type and
// SessionID are populated per event type.
type Event struct {
	Type             string         `json:"type"`
	SessionID        string         `json:"session_id"`
	Code             string         `json:"code,omitempty"`
	Geofence         *geo.Geofence  `json:"geofence,omitempty"`
	ThresholdMinutes int            `json:"threshold_minutes,omitempty"`
	OpenedAt         *time.Time     `json:"opened_at,omitempty"`
	StudentID        string         `json:"student_id,omitempty"`
	Status           session.Status `json:"status,omitempty"`
	DistanceMeters   *float64       `json:"distance_meters,omitempty"`
	ClosedAt         *time.Time     `json:"closed_at,omitempty"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 32

// Publisher delivers events to per-session subscribers. Delivery is
// best-effort: a full subscriber buffer drops its oldest event to make room,
// so a slow consumer only loses its own history and never blocks Publish.
type Publisher struct {
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	log     zerolog.Logger
	dropped func() // optional metrics hook
}

// Subscription is one subscriber's event stream. The channel is closed when
// the session closes or the subscriber calls Close.
type Subscription struct {
	ch        chan Event
	sessionID string
	pub       *Publisher
	closeOnce sync.Once
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithBuffer overrides the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.buffer = n
		}
	}
}

// WithDropHook registers a callback invoked once per dropped event.
func WithDropHook(fn func()) Option {
	return func(p *Publisher) { p.dropped = fn }
}

// NewPublisher creates a publisher.
func NewPublisher(log zerolog.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: DefaultBuffer,
		log:    log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers a new subscriber for one session's events.
func (p *Publisher) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		ch:        make(chan Event, p.buffer),
		sessionID: sessionID,
		pub:       p,
	}
	p.mu.Lock()
	set, ok := p.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		p.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	p.mu.Unlock()
	return sub
}

// Publish delivers evt to every subscriber of its session, never blocking.
// A TypeSessionClosed event additionally closes all streams for the session.
func (p *Publisher) Publish(evt Event) {
	p.mu.Lock()
	for sub := range p.subs[evt.SessionID] {
		select {
		case sub.ch <- evt:
		default:
			// Buffer full: evict the oldest event, then retry once.
			select {
			case <-sub.ch:
				if p.dropped != nil {
					p.dropped()
				}
				p.log.Debug().
					Str("session_id", evt.SessionID).
					Msg("slow subscriber, dropped oldest event")
			default:
			}
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
	if evt.Type == TypeSessionClosed {
		p.closeSessionLocked(evt.SessionID)
	}
	p.mu.Unlock()
}

// C is the subscriber's receive channel.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription and closes its channel. Safe to call more
// than once and safe concurrently with Publish.
func (s *Subscription) Close() {
	s.pub.mu.Lock()
	if set, ok := s.pub.subs[s.sessionID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.pub.subs, s.sessionID)
		}
	}
	s.closeOnce.Do(func() { close(s.ch) })
	s.pub.mu.Unlock()
}

// closeSessionLocked closes every stream for sessionID. Caller holds p.mu.
func (p *Publisher) closeSessionLocked(sessionID string) {
	for sub := range p.subs[sessionID] {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
	delete(p.subs, sessionID)
}

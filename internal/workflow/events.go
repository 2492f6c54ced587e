package workflow

import (
	"time"

	"github.com/ocrgate/ocrgate/internal/job"
)

// EventType names a workflow notification.
type EventType string

const (
	EventState     EventType = "state"
	EventRetrying  EventType = "retrying"
	EventReady     EventType = "ready"
	EventCommitted EventType = "committed"
	EventExported  EventType = "exported"
	EventFailed    EventType = "failed"
	EventReset     EventType = "reset"
)

// Event is published to subscribers on every observable change of a Session.
// Only the fields relevant to Type are set.
type Event struct {
	Type    EventType
	Handle  job.Handle
	State   job.State
	Attempt int
	Delay   time.Duration
	Format  job.Format
	Err     error
	At      time.Time
}

const subscriberBuffer = 64

// Subscribe returns a buffered channel receiving every subsequent event.
// Slow subscribers miss events rather than block the session.
func (s *Session) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (s *Session) Unsubscribe(ch <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.subs {
		if (<-chan Event)(c) == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(c)
			return
		}
	}
}

// emit must be called with s.mu held.
func (s *Session) emit(ev Event) {
	ev.At = time.Now()
	if ev.Handle == "" {
		ev.Handle = s.handle
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

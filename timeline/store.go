// Package timeline keeps an append-only audit of repair cycle stages for
// operational inspection. It is read-side only; nothing in the engine
// depends on what it records.
package timeline

import (
	"sync"
	"time"
)

// Stage labels one step of a repair cycle.
type Stage string

const (
	StageTriggered Stage = "TRIGGERED"
	StageSearching Stage = "SEARCHING"
	StageCommitted Stage = "COMMITTED"
	StageRejected  Stage = "REJECTED"
	StageTimedOut  Stage = "TIMED_OUT"
	StageFailed    Stage = "FAILED"
)

// Event is one recorded stage transition.
type Event struct {
	CycleID   string            `json:"cycle_id"`
	Stage     Stage             `json:"stage"`
	Timestamp time.Time         `json:"timestamp"`
	Version   uint64            `json:"version,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store is a bounded in-memory event log.
type Store struct {
	mu     sync.RWMutex
	events []Event
	max    int
}

// NewStore returns a log retaining at most max events (0 means 4096).
func NewStore(max int) *Store {
	if max <= 0 {
		max = 4096
	}
	return &Store{max: max}
}

// Record appends an event, stamping it if needed.
func (s *Store) Record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events = append(s.events, e)
	if len(s.events) > s.max {
		s.events = append([]Event(nil), s.events[len(s.events)-s.max:]...)
	}
}

// ByCycle returns the events of one cycle in record order.
func (s *Store) ByCycle(cycleID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.CycleID == cycleID {
			out = append(out, e)
		}
	}
	return out
}

// All returns a copy of every retained event.
func (s *Store) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

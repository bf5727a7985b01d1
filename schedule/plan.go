package schedule

import (
	"fmt"
	"time"
)

// MoveKind discriminates the mutations a repair plan may contain.
type MoveKind string

const (
	// MoveReassign switches one assignment of a flight to another resource.
	MoveReassign MoveKind = "reassign"
	// MoveShift slides a flight and all of its assignments in time.
	MoveShift MoveKind = "shift"
	// MoveRestrict carves an unavailability window out of a resource.
	// Produced only from disruption events, never by the search itself.
	MoveRestrict MoveKind = "restrict"
	// MoveSetCapacity lowers a resource's concurrent-use capacity.
	MoveSetCapacity MoveKind = "set-capacity"
)

// Move is a single assignment-level mutation.
type Move struct {
	Kind         MoveKind      `json:"kind"`
	FlightID     string        `json:"flight_id,omitempty"`
	FromResource string        `json:"from_resource,omitempty"`
	ToResource   string        `json:"to_resource,omitempty"`
	Delta        time.Duration `json:"delta,omitempty"`
	ResourceID   string        `json:"resource_id,omitempty"`
	Window       Window        `json:"window,omitempty"`
	Capacity     int           `json:"capacity,omitempty"`
}

// RepairPlan is an ordered sequence of moves against a known base version.
// It is applied as a unit or not at all.
type RepairPlan struct {
	BaseVersion uint64  `json:"base_version"`
	Moves       []Move  `json:"moves"`
	Cost        float64 `json:"cost"`
	// Degraded marks a best-effort plan that may leave hard conflicts
	// behind. The store only accepts it when it strictly lowers total
	// severity and does not add hard conflicts.
	Degraded bool `json:"degraded,omitempty"`
}

// ApplyMove mutates the schedule in place. Callers operate on clones only.
func (s *Schedule) ApplyMove(m Move) error {
	switch m.Kind {
	case MoveReassign:
		var current *Assignment
		for _, a := range s.byFlight[m.FlightID] {
			if a.ResourceID == m.FromResource {
				ac := a
				current = &ac
				break
			}
		}
		if current == nil {
			return fmt.Errorf("reassign: flight %q has no assignment on %q", m.FlightID, m.FromResource)
		}
		if _, ok := s.Resources[m.ToResource]; !ok {
			return fmt.Errorf("reassign: unknown resource %q", m.ToResource)
		}
		if err := s.Unassign(m.FlightID, m.FromResource); err != nil {
			return err
		}
		return s.Assign(Assignment{
			FlightID:   m.FlightID,
			ResourceID: m.ToResource,
			Start:      current.Start,
			End:        current.End,
		})

	case MoveShift:
		return s.ShiftFlight(m.FlightID, m.Delta)

	case MoveRestrict:
		r, ok := s.Resources[m.ResourceID]
		if !ok {
			return fmt.Errorf("restrict: unknown resource %q", m.ResourceID)
		}
		r.Restrict(m.Window)
		return nil

	case MoveSetCapacity:
		r, ok := s.Resources[m.ResourceID]
		if !ok {
			return fmt.Errorf("set-capacity: unknown resource %q", m.ResourceID)
		}
		r.Capacity = m.Capacity
		return nil

	default:
		return fmt.Errorf("unknown move kind %q", m.Kind)
	}
}

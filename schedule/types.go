package schedule

import (
	"fmt"
	"sort"
	"time"
)

// ResourceType identifies which pool a resource belongs to.
type ResourceType string

const (
	ResourceAircraft ResourceType = "aircraft"
	ResourceCrew     ResourceType = "crew"
	ResourceGate     ResourceType = "gate"
)

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two windows share any time.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Covers reports whether [start, end) lies entirely inside the window.
func (w Window) Covers(start, end time.Time) bool {
	return !start.Before(w.Start) && !end.After(w.End)
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Subtract removes the overlap with o, returning the surviving pieces
// in chronological order. Used when a disruption carves a hole out of a
// resource's availability.
func (w Window) Subtract(o Window) []Window {
	if !w.Overlaps(o) {
		return []Window{w}
	}
	var out []Window
	if w.Start.Before(o.Start) {
		out = append(out, Window{Start: w.Start, End: o.Start})
	}
	if o.End.Before(w.End) {
		out = append(out, Window{Start: o.End, End: w.End})
	}
	return out
}

// Resource is a shared asset flights compete for: an aircraft, a crew
// member, or a gate. Availability windows are kept ordered and
// non-overlapping.
type Resource struct {
	ID             string       `json:"id"`
	Type           ResourceType `json:"type"`
	Qualifications []string     `json:"qualifications,omitempty"`
	Capacity       int          `json:"capacity"`
	Availability   []Window     `json:"availability"`
}

// EffectiveCapacity treats zero as one so hand-built fixtures don't need
// to set it for exclusive resources.
func (r *Resource) EffectiveCapacity() int {
	if r.Capacity < 1 {
		return 1
	}
	return r.Capacity
}

// Available reports whether [start, end) fits entirely inside one
// availability window.
func (r *Resource) Available(start, end time.Time) bool {
	for _, w := range r.Availability {
		if w.Covers(start, end) {
			return true
		}
	}
	return false
}

// Qualified reports whether the resource holds every listed qualification.
func (r *Resource) Qualified(required []string) bool {
	for _, q := range required {
		found := false
		for _, have := range r.Qualifications {
			if have == q {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Restrict subtracts a window from the resource's availability.
func (r *Resource) Restrict(unavailable Window) {
	var next []Window
	for _, w := range r.Availability {
		next = append(next, w.Subtract(unavailable)...)
	}
	r.Availability = next
}

// ResourceRequirement states how many resources of a type a flight needs
// and which qualifications each of them must hold.
type ResourceRequirement struct {
	Type           ResourceType `json:"type"`
	Count          int          `json:"count"`
	Qualifications []string     `json:"qualifications,omitempty"`
}

// Flight is a scheduled movement. Identity and routing are immutable;
// time fields change only through committed repair plans.
type Flight struct {
	ID           string                `json:"id"`
	Origin       string                `json:"origin"`
	Destination  string                `json:"destination"`
	Departure    time.Time             `json:"departure"`
	Arrival      time.Time             `json:"arrival"`
	Requirements []ResourceRequirement `json:"requirements"`
}

// Duration returns the block time of the flight.
func (f *Flight) Duration() time.Duration {
	return f.Arrival.Sub(f.Departure)
}

// Assignment binds one flight to one resource for an interval.
type Assignment struct {
	FlightID   string    `json:"flight_id"`
	ResourceID string    `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// Key uniquely identifies an assignment within a schedule.
func (a Assignment) Key() string {
	return a.FlightID + "/" + a.ResourceID
}

// Schedule is an immutable snapshot of the full assignment state at one
// version. Mutating methods are only called on private clones; a snapshot
// handed out by the store must never be modified.
type Schedule struct {
	Version    uint64
	Flights    map[string]*Flight
	Resources  map[string]*Resource
	byResource map[string][]Assignment
	byFlight   map[string][]Assignment
}

// New returns an empty schedule at version zero.
func New() *Schedule {
	return &Schedule{
		Flights:    make(map[string]*Flight),
		Resources:  make(map[string]*Resource),
		byResource: make(map[string][]Assignment),
		byFlight:   make(map[string][]Assignment),
	}
}

// AddFlight registers a flight. Load-time only.
func (s *Schedule) AddFlight(f *Flight) error {
	if _, ok := s.Flights[f.ID]; ok {
		return fmt.Errorf("duplicate flight %q", f.ID)
	}
	s.Flights[f.ID] = f
	return nil
}

// AddResource registers a resource. Load-time only.
func (s *Schedule) AddResource(r *Resource) error {
	if _, ok := s.Resources[r.ID]; ok {
		return fmt.Errorf("duplicate resource %q", r.ID)
	}
	s.Resources[r.ID] = r
	return nil
}

// Assign inserts an assignment, keeping per-resource order by start time.
func (s *Schedule) Assign(a Assignment) error {
	if _, ok := s.Flights[a.FlightID]; !ok {
		return fmt.Errorf("unknown flight %q", a.FlightID)
	}
	if _, ok := s.Resources[a.ResourceID]; !ok {
		return fmt.Errorf("unknown resource %q", a.ResourceID)
	}
	for _, existing := range s.byFlight[a.FlightID] {
		if existing.ResourceID == a.ResourceID {
			return fmt.Errorf("flight %q already assigned to %q", a.FlightID, a.ResourceID)
		}
	}
	s.byResource[a.ResourceID] = insertSorted(s.byResource[a.ResourceID], a)
	s.byFlight[a.FlightID] = append(s.byFlight[a.FlightID], a)
	return nil
}

// Unassign removes the binding between a flight and a resource.
func (s *Schedule) Unassign(flightID, resourceID string) error {
	removed := false
	s.byResource[resourceID] = filterOut(s.byResource[resourceID], flightID, resourceID, &removed)
	if !removed {
		return fmt.Errorf("no assignment of flight %q on resource %q", flightID, resourceID)
	}
	dummy := false
	s.byFlight[flightID] = filterOut(s.byFlight[flightID], flightID, resourceID, &dummy)
	return nil
}

// AssignmentsForResource returns the resource's assignments ordered by start.
func (s *Schedule) AssignmentsForResource(resourceID string) []Assignment {
	return s.byResource[resourceID]
}

// AssignmentsForFlight returns every assignment bound to the flight.
func (s *Schedule) AssignmentsForFlight(flightID string) []Assignment {
	return s.byFlight[flightID]
}

// AllAssignments returns every assignment, ordered by flight then resource
// so the result is stable across calls.
func (s *Schedule) AllAssignments() []Assignment {
	var out []Assignment
	for _, as := range s.byFlight {
		out = append(out, as...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FlightID != out[j].FlightID {
			return out[i].FlightID < out[j].FlightID
		}
		return out[i].ResourceID < out[j].ResourceID
	})
	return out
}

// ShiftFlight moves a flight and all of its assignments by delta.
func (s *Schedule) ShiftFlight(flightID string, delta time.Duration) error {
	f, ok := s.Flights[flightID]
	if !ok {
		return fmt.Errorf("unknown flight %q", flightID)
	}
	f.Departure = f.Departure.Add(delta)
	f.Arrival = f.Arrival.Add(delta)
	for _, a := range s.byFlight[flightID] {
		shifted := a
		shifted.Start = a.Start.Add(delta)
		shifted.End = a.End.Add(delta)
		if err := s.Unassign(a.FlightID, a.ResourceID); err != nil {
			return err
		}
		if err := s.Assign(shifted); err != nil {
			return err
		}
	}
	return nil
}

// Clone deep-copies the schedule so a search can mutate it privately.
// The version is carried over unchanged.
func (s *Schedule) Clone() *Schedule {
	c := New()
	c.Version = s.Version
	for id, f := range s.Flights {
		fc := *f
		fc.Requirements = append([]ResourceRequirement(nil), f.Requirements...)
		c.Flights[id] = &fc
	}
	for id, r := range s.Resources {
		rc := *r
		rc.Qualifications = append([]string(nil), r.Qualifications...)
		rc.Availability = append([]Window(nil), r.Availability...)
		c.Resources[id] = &rc
	}
	for id, as := range s.byResource {
		c.byResource[id] = append([]Assignment(nil), as...)
	}
	for id, as := range s.byFlight {
		c.byFlight[id] = append([]Assignment(nil), as...)
	}
	return c
}

func insertSorted(as []Assignment, a Assignment) []Assignment {
	idx := sort.Search(len(as), func(i int) bool {
		if as[i].Start.Equal(a.Start) {
			return as[i].FlightID > a.FlightID
		}
		return as[i].Start.After(a.Start)
	})
	as = append(as, Assignment{})
	copy(as[idx+1:], as[idx:])
	as[idx] = a
	return as
}

func filterOut(as []Assignment, flightID, resourceID string, removed *bool) []Assignment {
	out := as[:0:0]
	for _, a := range as {
		if a.FlightID == flightID && a.ResourceID == resourceID {
			*removed = true
			continue
		}
		out = append(out, a)
	}
	return out
}

package constraint

import (
	"fmt"
	"sort"
	"time"

	"github.com/aeroops/replan/schedule"
)

const hardBase = 100

// resourceInScope also matches resources touched through an in-scope
// flight, so a moved flight drags its resources into evaluation.
func resourceInScope(s *schedule.Schedule, scope *Scope, resourceID string) bool {
	if scope == nil || scope.HasResource(resourceID) {
		return true
	}
	for _, a := range s.AssignmentsForResource(resourceID) {
		if scope.HasFlight(a.FlightID) {
			return true
		}
	}
	return false
}

func flightInScope(s *schedule.Schedule, scope *Scope, flightID string) bool {
	if scope == nil || scope.HasFlight(flightID) {
		return true
	}
	for _, a := range s.AssignmentsForFlight(flightID) {
		if scope.HasResource(a.ResourceID) {
			return true
		}
	}
	return false
}

func sortedResourceIDs(s *schedule.Schedule) []string {
	ids := make([]string, 0, len(s.Resources))
	for id := range s.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedFlightIDs(s *schedule.Schedule) []string {
	ids := make([]string, 0, len(s.Flights))
	for id := range s.Flights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResourceOverlap forbids double-booking a resource, accounting for the
// type-specific turnaround buffer between consecutive uses. Resources
// with capacity above one (multi-stand gates) tolerate that many
// concurrent assignments instead.
type ResourceOverlap struct {
	Buffers map[schedule.ResourceType]time.Duration
}

func (c *ResourceOverlap) Name() string { return "resource-overlap" }
func (c *ResourceOverlap) Kind() Kind   { return Hard }

func (c *ResourceOverlap) buffer(t schedule.ResourceType) time.Duration {
	return c.Buffers[t]
}

func (c *ResourceOverlap) Evaluate(s *schedule.Schedule, scope *Scope) []Conflict {
	var out []Conflict
	for _, rid := range sortedResourceIDs(s) {
		if !resourceInScope(s, scope, rid) {
			continue
		}
		r := s.Resources[rid]
		as := s.AssignmentsForResource(rid)
		buf := c.buffer(r.Type)

		if r.EffectiveCapacity() == 1 {
			for i := 0; i+1 < len(as); i++ {
				gap := as[i+1].Start.Sub(as[i].End)
				if gap >= buf {
					continue
				}
				short := buf - gap
				out = append(out, Conflict{
					Rule:       c.Name(),
					Kind:       Hard,
					Severity:   hardBase + short.Minutes(),
					ResourceID: rid,
					FlightIDs:  []string{as[i].FlightID, as[i+1].FlightID},
					Earliest:   as[i].Start,
					Detail:     fmt.Sprintf("gap %s below required %s on %s", gap, buf, rid),
				})
			}
			continue
		}

		// Capacity > 1: count concurrency at each assignment start.
		cap := r.EffectiveCapacity()
		for i := range as {
			var active []string
			for j := range as {
				if as[j].Start.Before(as[i].End) && as[i].Start.Before(as[j].End) {
					active = append(active, as[j].FlightID)
				}
			}
			if len(active) > cap {
				sort.Strings(active)
				out = append(out, Conflict{
					Rule:       c.Name(),
					Kind:       Hard,
					Severity:   hardBase + float64(len(active)-cap),
					ResourceID: rid,
					FlightIDs:  active,
					Earliest:   as[i].Start,
					Detail:     fmt.Sprintf("%d concurrent uses of %s (capacity %d)", len(active), rid, cap),
				})
				break // one conflict per saturated resource
			}
		}
	}
	return out
}

// AvailabilityWindow requires every assignment to fit inside one of its
// resource's availability windows.
type AvailabilityWindow struct{}

func (c *AvailabilityWindow) Name() string { return "availability-window" }
func (c *AvailabilityWindow) Kind() Kind   { return Hard }

func (c *AvailabilityWindow) Evaluate(s *schedule.Schedule, scope *Scope) []Conflict {
	var out []Conflict
	for _, rid := range sortedResourceIDs(s) {
		if !resourceInScope(s, scope, rid) {
			continue
		}
		r := s.Resources[rid]
		for _, a := range s.AssignmentsForResource(rid) {
			if r.Available(a.Start, a.End) {
				continue
			}
			out = append(out, Conflict{
				Rule:       c.Name(),
				Kind:       Hard,
				Severity:   hardBase + a.End.Sub(a.Start).Minutes(),
				ResourceID: rid,
				FlightIDs:  []string{a.FlightID},
				Earliest:   a.Start,
				Detail:     fmt.Sprintf("%s unavailable for %s during %s..%s", rid, a.FlightID, a.Start.Format(time.RFC3339), a.End.Format(time.RFC3339)),
			})
		}
	}
	return out
}

// FlightCoverage requires each flight to hold the declared number of
// qualified resources per type. Resources of the right type but missing
// qualifications do not count.
type FlightCoverage struct{}

func (c *FlightCoverage) Name() string { return "flight-coverage" }
func (c *FlightCoverage) Kind() Kind   { return Hard }

func (c *FlightCoverage) Evaluate(s *schedule.Schedule, scope *Scope) []Conflict {
	var out []Conflict
	for _, fid := range sortedFlightIDs(s) {
		if !flightInScope(s, scope, fid) {
			continue
		}
		f := s.Flights[fid]
		for _, req := range f.Requirements {
			qualified := 0
			for _, a := range s.AssignmentsForFlight(fid) {
				r, ok := s.Resources[a.ResourceID]
				if !ok || r.Type != req.Type {
					continue
				}
				if r.Qualified(req.Qualifications) {
					qualified++
				} else {
					out = append(out, Conflict{
						Rule:       c.Name(),
						Kind:       Hard,
						Severity:   hardBase,
						ResourceID: a.ResourceID,
						FlightIDs:  []string{fid},
						Earliest:   f.Departure,
						Detail:     fmt.Sprintf("%s not qualified for %s on %s", a.ResourceID, req.Type, fid),
					})
				}
			}
			if qualified < req.Count {
				out = append(out, Conflict{
					Rule:      c.Name(),
					Kind:      Hard,
					Severity:  hardBase + 10*float64(req.Count-qualified),
					FlightIDs: []string{fid},
					Earliest:  f.Departure,
					Detail:    fmt.Sprintf("%s has %d/%d %s", fid, qualified, req.Count, req.Type),
				})
			}
		}
	}
	return out
}

// CrewDuty caps the total assigned duty of a crew member inside any
// rolling window. One conflict per offending resource, for the worst
// window found.
type CrewDuty struct {
	Limit  time.Duration
	Window time.Duration
}

func (c *CrewDuty) Name() string { return "crew-duty-time" }
func (c *CrewDuty) Kind() Kind   { return Hard }

func (c *CrewDuty) Evaluate(s *schedule.Schedule, scope *Scope) []Conflict {
	var out []Conflict
	for _, rid := range sortedResourceIDs(s) {
		r := s.Resources[rid]
		if r.Type != schedule.ResourceCrew || !resourceInScope(s, scope, rid) {
			continue
		}
		as := s.AssignmentsForResource(rid)
		var worst time.Duration
		var worstFlights []string
		var worstStart time.Time
		for i := range as {
			var total time.Duration
			var flights []string
			horizon := as[i].Start.Add(c.Window)
			for j := i; j < len(as) && as[j].Start.Before(horizon); j++ {
				total += as[j].End.Sub(as[j].Start)
				flights = append(flights, as[j].FlightID)
			}
			if total > c.Limit && total > worst {
				worst = total
				worstFlights = flights
				worstStart = as[i].Start
			}
		}
		if worst > 0 {
			sort.Strings(worstFlights)
			out = append(out, Conflict{
				Rule:       c.Name(),
				Kind:       Hard,
				Severity:   hardBase + (worst - c.Limit).Minutes(),
				ResourceID: rid,
				FlightIDs:  worstFlights,
				Earliest:   worstStart,
				Detail:     fmt.Sprintf("%s duty %s exceeds %s within %s", rid, worst, c.Limit, c.Window),
			})
		}
	}
	return out
}

// PreferredTurnaround is a soft rule charging for gaps between
// consecutive uses of a resource that satisfy the hard buffer but fall
// short of the preferred turnaround.
type PreferredTurnaround struct {
	Buffers       map[schedule.ResourceType]time.Duration
	Preferred     time.Duration
	CostPerMinute float64
}

func (c *PreferredTurnaround) Name() string { return "preferred-turnaround" }
func (c *PreferredTurnaround) Kind() Kind   { return Soft }

func (c *PreferredTurnaround) Evaluate(s *schedule.Schedule, scope *Scope) []Conflict {
	var out []Conflict
	for _, rid := range sortedResourceIDs(s) {
		if !resourceInScope(s, scope, rid) {
			continue
		}
		r := s.Resources[rid]
		if r.EffectiveCapacity() > 1 {
			continue
		}
		buf := c.Buffers[r.Type]
		as := s.AssignmentsForResource(rid)
		for i := 0; i+1 < len(as); i++ {
			gap := as[i+1].Start.Sub(as[i].End)
			if gap < buf || gap >= c.Preferred {
				continue
			}
			cost := (c.Preferred - gap).Minutes() * c.CostPerMinute
			out = append(out, Conflict{
				Rule:       c.Name(),
				Kind:       Soft,
				Severity:   cost,
				ResourceID: rid,
				FlightIDs:  []string{as[i].FlightID, as[i+1].FlightID},
				Earliest:   as[i].Start,
				Detail:     fmt.Sprintf("turnaround %s below preferred %s on %s", gap, c.Preferred, rid),
			})
		}
	}
	return out
}

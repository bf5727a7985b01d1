// Package conflict scans a schedule snapshot for constraint violations.
// Detection is incremental by default: given the assignments touched
// since the last known-good version, evaluation is restricted to the
// affected resources plus a bounded look-around window, so knock-on
// turnaround violations on neighbouring flights are still caught.
package conflict

import (
	"time"

	"github.com/aeroops/replan/constraint"
	"github.com/aeroops/replan/schedule"
)

// Detector wraps a sealed constraint registry.
type Detector struct {
	registry   *constraint.Registry
	lookaround time.Duration
}

// NewDetector seals the registry and returns a detector. The lookaround
// bounds how far around a changed assignment the incremental scan
// reaches.
func NewDetector(registry *constraint.Registry, lookaround time.Duration) *Detector {
	registry.Seal()
	return &Detector{registry: registry, lookaround: lookaround}
}

// Detect evaluates the schedule and returns conflicts in deterministic
// order: severity descending, then earliest affected time, then rule
// name. A nil changed scope forces a full scan (cold start).
func (d *Detector) Detect(s *schedule.Schedule, changed *constraint.Scope) []constraint.Conflict {
	scope := d.expand(s, changed)
	conflicts := d.registry.Evaluate(s, scope)
	constraint.SortConflicts(conflicts)
	return conflicts
}

// Audit runs a full scan and summarizes it. The schedule store uses this
// as its validation hook.
func (d *Detector) Audit(s *schedule.Schedule) (hard int, severity float64) {
	return constraint.Summarize(d.Detect(s, nil))
}

// Auditor adapts Audit to the store's hook type.
func (d *Detector) Auditor() schedule.Auditor {
	return d.Audit
}

// expand grows the changed scope by one hop: every resource touching an
// in-scope flight, every flight assigned to an in-scope resource within
// the look-around window of the changed intervals, and the further
// resources of those flights. Returns nil (full scan) when changed is
// nil.
func (d *Detector) expand(s *schedule.Schedule, changed *constraint.Scope) *constraint.Scope {
	if changed == nil {
		return nil
	}
	out := constraint.NewScope()

	// Seed with the changed sets and their direct assignments.
	var windows []schedule.Window
	for fid := range changed.Flights {
		out.AddFlight(fid)
		for _, a := range s.AssignmentsForFlight(fid) {
			out.AddResource(a.ResourceID)
			windows = append(windows, schedule.Window{Start: a.Start, End: a.End})
		}
		if f, ok := s.Flights[fid]; ok {
			windows = append(windows, schedule.Window{Start: f.Departure, End: f.Arrival})
		}
	}
	for rid := range changed.Resources {
		out.AddResource(rid)
		for _, a := range s.AssignmentsForResource(rid) {
			windows = append(windows, schedule.Window{Start: a.Start, End: a.End})
		}
	}

	// Pull in neighbours on the affected resources within the widened
	// windows, and their other resources.
	for rid := range out.Resources {
		for _, a := range s.AssignmentsForResource(rid) {
			if !d.near(a, windows) {
				continue
			}
			out.AddFlight(a.FlightID)
			for _, other := range s.AssignmentsForFlight(a.FlightID) {
				out.AddResource(other.ResourceID)
			}
		}
	}
	return out
}

func (d *Detector) near(a schedule.Assignment, windows []schedule.Window) bool {
	for _, w := range windows {
		widened := schedule.Window{Start: w.Start.Add(-d.lookaround), End: w.End.Add(d.lookaround)}
		if widened.Overlaps(schedule.Window{Start: a.Start, End: a.End}) {
			return true
		}
	}
	return false
}

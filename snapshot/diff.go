// Package snapshot captures before/after schedule pairs for external
// consumption. It is read-only over the store; nothing here mutates a
// schedule.
package snapshot

import (
	"sort"
	"time"

	"github.com/aeroops/replan/schedule"
)

// ChangeKind classifies one assignment-level difference.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeMoved   ChangeKind = "moved"
)

// Change is one assignment-level difference between two versions.
type Change struct {
	Kind       ChangeKind `json:"kind"`
	FlightID   string     `json:"flight_id"`
	ResourceID string     `json:"resource_id"`
	OldStart   *time.Time `json:"old_start,omitempty"`
	OldEnd     *time.Time `json:"old_end,omitempty"`
	NewStart   *time.Time `json:"new_start,omitempty"`
	NewEnd     *time.Time `json:"new_end,omitempty"`
}

// Diff is the full set of changes between two schedule versions.
type Diff struct {
	BeforeVersion uint64    `json:"before_version"`
	AfterVersion  uint64    `json:"after_version"`
	Changes       []Change  `json:"changes"`
	CreatedAt     time.Time `json:"created_at"`
}

// Compute derives the assignment-level delta between two schedules.
// An assignment present in both but at different times is a move; one
// bound to a different resource shows up as removed plus added.
func Compute(before, after *schedule.Schedule) *Diff {
	d := &Diff{
		BeforeVersion: before.Version,
		AfterVersion:  after.Version,
		CreatedAt:     time.Now(),
	}

	old := map[string]schedule.Assignment{}
	for _, a := range before.AllAssignments() {
		old[a.Key()] = a
	}
	seen := map[string]bool{}

	for _, a := range after.AllAssignments() {
		key := a.Key()
		seen[key] = true
		prev, existed := old[key]
		if !existed {
			start, end := a.Start, a.End
			d.Changes = append(d.Changes, Change{
				Kind: ChangeAdded, FlightID: a.FlightID, ResourceID: a.ResourceID,
				NewStart: &start, NewEnd: &end,
			})
			continue
		}
		if !prev.Start.Equal(a.Start) || !prev.End.Equal(a.End) {
			os, oe, ns, ne := prev.Start, prev.End, a.Start, a.End
			d.Changes = append(d.Changes, Change{
				Kind: ChangeMoved, FlightID: a.FlightID, ResourceID: a.ResourceID,
				OldStart: &os, OldEnd: &oe, NewStart: &ns, NewEnd: &ne,
			})
		}
	}
	for key, prev := range old {
		if seen[key] {
			continue
		}
		start, end := prev.Start, prev.End
		d.Changes = append(d.Changes, Change{
			Kind: ChangeRemoved, FlightID: prev.FlightID, ResourceID: prev.ResourceID,
			OldStart: &start, OldEnd: &end,
		})
	}

	sort.Slice(d.Changes, func(i, j int) bool {
		a, b := d.Changes[i], d.Changes[j]
		if a.FlightID != b.FlightID {
			return a.FlightID < b.FlightID
		}
		if a.ResourceID != b.ResourceID {
			return a.ResourceID < b.ResourceID
		}
		return a.Kind < b.Kind
	})
	return d
}

package engine

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aeroops/replan/constraint"
	"github.com/aeroops/replan/schedule"
)

const (
	maxShift           = 24 * time.Hour
	maxAlternatives    = 5
	maxShiftCandidates = 3
)

// node is one candidate repair: a privately cloned schedule plus the
// moves that produced it from the trigger-time snapshot.
type node struct {
	sched     *schedule.Schedule
	moves     []schedule.Move
	scope     *constraint.Scope
	conflicts []constraint.Conflict
	hard      int
	severity  float64
	penalty   float64
	cost      float64
	depth     int
	seq       int
}

type searchResult struct {
	goal  *node // zero-hard-conflict plan, nil if none found
	best  *node // lowest (hard, severity) partial, fully re-audited
	nodes int
}

// frontier orders candidates by ascending incremental cost, insertion
// order as tie-break for determinism.
type frontier []*node

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if f[i].cost != f[j].cost {
		return f[i].cost < f[j].cost
	}
	return f[i].seq < f[j].seq
}
func (f frontier) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x interface{}) { *f = append(*f, x.(*node)) }
func (f *frontier) Pop() interface{} {
	old := *f
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*f = old[0 : n-1]
	return item
}

// search runs the bounded iterative-deepening local repair. working is a
// private clone with forced event moves already applied; conflicts is
// its detected conflict set. The search never touches the store.
func (e *Engine) search(ctx context.Context, working *schedule.Schedule, scope *constraint.Scope,
	conflicts []constraint.Conflict, hard int, severity float64) *searchResult {

	res := &searchResult{}
	root := &node{
		sched:     working,
		scope:     scope,
		conflicts: conflicts,
		hard:      hard,
		severity:  severity,
		cost:      softCost(conflicts),
	}
	if hard == 0 {
		res.goal = root
		return res
	}
	res.best = root

	deadline := time.Now().Add(e.limits.Timeout)
	seq := 0
	exhausted := false

	for depth := 1; depth <= e.limits.MaxDepth; depth++ {
		h := frontier{root}
		heap.Init(&h)
		visited := map[string]bool{}
		improved := false

		for h.Len() > 0 {
			if res.nodes >= e.limits.MaxNodes || time.Now().After(deadline) || ctx.Err() != nil {
				exhausted = true
				break
			}
			n := heap.Pop(&h).(*node)
			if n.hard == 0 {
				res.goal = n
				return res
			}
			if n.depth >= depth {
				continue
			}
			for _, child := range e.expand(n) {
				sig := signature(child.moves)
				if visited[sig] {
					continue
				}
				visited[sig] = true
				res.nodes++
				seq++
				child.seq = seq
				if child.hard < n.hard || (child.hard == n.hard && child.severity < n.severity) {
					improved = true
				}
				if better(child, res.best) {
					res.best = child
				}
				if child.hard == 0 {
					res.goal = child
					return res
				}
				heap.Push(&h, child)
			}
		}

		if exhausted {
			break
		}
		if !improved {
			// Local optimum: deeper passes regenerate the same frontier.
			break
		}
	}

	// Last resort before reporting failure: greedy full re-solve of the
	// conflicted flights.
	if !exhausted || res.nodes < e.limits.MaxNodes {
		if rb := e.rebuild(working, conflicts); rb != nil {
			res.nodes++
			if rb.hard == 0 {
				res.goal = rb
				return res
			}
			if better(rb, res.best) {
				res.best = rb
			}
		}
	}

	// Best-partial ranking used scoped conflicts; re-audit fully so the
	// commit gate compares like with like.
	if res.best != nil && res.best != root {
		full := e.detector.Detect(res.best.sched, nil)
		res.best.hard, res.best.severity = constraint.Summarize(full)
	}
	if res.best == root {
		res.best = nil
	}
	return res
}

func better(a, b *node) bool {
	if b == nil {
		return true
	}
	if a.hard != b.hard {
		return a.hard < b.hard
	}
	if a.severity != b.severity {
		return a.severity < b.severity
	}
	return a.cost < b.cost
}

// expand generates children addressing the highest-severity hard
// conflict of the node: resource reassignments and forward time shifts
// inside remaining availability.
func (e *Engine) expand(n *node) []*node {
	var target *constraint.Conflict
	for i := range n.conflicts {
		if n.conflicts[i].Kind == constraint.Hard {
			target = &n.conflicts[i]
			break
		}
	}
	if target == nil {
		return nil
	}

	flights := append([]string(nil), target.FlightIDs...)
	sort.Strings(flights)
	flights = dedupe(flights)

	var out []*node
	for _, fid := range flights {
		f, ok := n.sched.Flights[fid]
		if !ok {
			continue
		}
		for _, a := range n.sched.AssignmentsForFlight(fid) {
			if target.ResourceID != "" && a.ResourceID != target.ResourceID {
				continue
			}
			out = append(out, e.reassignChildren(n, f, a)...)
		}
		out = append(out, e.shiftChildren(n, f)...)
	}
	return out
}

func (e *Engine) reassignChildren(n *node, f *schedule.Flight, a schedule.Assignment) []*node {
	current, ok := n.sched.Resources[a.ResourceID]
	if !ok {
		return nil
	}
	quals := requiredQualifications(f, current.Type)

	var ids []string
	for id := range n.sched.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*node
	for _, id := range ids {
		if len(out) >= maxAlternatives {
			break
		}
		alt := n.sched.Resources[id]
		if id == a.ResourceID || alt.Type != current.Type || !alt.Qualified(quals) {
			continue
		}
		if !alt.Available(a.Start, a.End) || !e.canPlace(n.sched, alt, a.Start, a.End, f.ID) {
			continue
		}
		move := schedule.Move{Kind: schedule.MoveReassign, FlightID: f.ID, FromResource: a.ResourceID, ToResource: id}
		if child := e.child(n, move, e.costs.ReassignPenalty, f.ID, a.ResourceID, id); child != nil {
			out = append(out, child)
		}
	}
	return out
}

func (e *Engine) shiftChildren(n *node, f *schedule.Flight) []*node {
	deltas := e.shiftCandidates(n.sched, f)
	var out []*node
	for _, delta := range deltas {
		move := schedule.Move{Kind: schedule.MoveShift, FlightID: f.ID, Delta: delta}
		penalty := e.costs.DeviationPerMinute * delta.Minutes()
		if child := e.child(n, move, penalty, f.ID, "", ""); child != nil {
			out = append(out, child)
		}
	}
	return out
}

// shiftCandidates computes the deterministic forward shifts worth
// trying: the minimal delta that clears each blocking neighbour, and the
// next availability-window starts of each assigned resource.
func (e *Engine) shiftCandidates(s *schedule.Schedule, f *schedule.Flight) []time.Duration {
	var deltas []time.Duration
	for _, a := range s.AssignmentsForFlight(f.ID) {
		r, ok := s.Resources[a.ResourceID]
		if !ok {
			continue
		}
		buf := e.buffers[r.Type]
		dur := a.End.Sub(a.Start)

		for _, other := range s.AssignmentsForResource(a.ResourceID) {
			if other.FlightID == f.ID {
				continue
			}
			if other.Start.Before(a.End.Add(buf)) && a.Start.Before(other.End.Add(buf)) {
				if d := other.End.Add(buf).Sub(a.Start); d > 0 {
					deltas = append(deltas, d)
				}
			}
		}
		for _, w := range r.Availability {
			candidate := w.Start
			if candidate.Before(a.Start) {
				candidate = a.Start
			}
			if candidate.Add(dur).After(w.End) {
				continue
			}
			if d := candidate.Sub(a.Start); d > 0 {
				deltas = append(deltas, d)
			}
		}
	}

	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })
	var out []time.Duration
	var last time.Duration = -1
	for _, d := range deltas {
		if d == last || d > maxShift {
			continue
		}
		out = append(out, d)
		last = d
		if len(out) >= maxShiftCandidates {
			break
		}
	}
	return out
}

func (e *Engine) child(n *node, move schedule.Move, penalty float64, flightID, fromRes, toRes string) *node {
	next := n.sched.Clone()
	if err := next.ApplyMove(move); err != nil {
		return nil
	}
	scope := cloneScope(n.scope)
	if scope != nil {
		scope.AddFlight(flightID)
		if fromRes != "" {
			scope.AddResource(fromRes)
		}
		if toRes != "" {
			scope.AddResource(toRes)
		}
	}
	conflicts := e.detector.Detect(next, scope)
	hard, severity := constraint.Summarize(conflicts)
	child := &node{
		sched:     next,
		moves:     append(append([]schedule.Move(nil), n.moves...), move),
		scope:     scope,
		conflicts: conflicts,
		hard:      hard,
		severity:  severity,
		penalty:   n.penalty + penalty,
		depth:     n.depth + 1,
	}
	child.cost = child.penalty + softCost(conflicts)
	return child
}

// rebuild is the full re-solve of last resort: strip the conflicted
// flights' placements and greedily re-place them in departure order.
func (e *Engine) rebuild(base *schedule.Schedule, conflicts []constraint.Conflict) *node {
	flightSet := map[string]bool{}
	for _, c := range conflicts {
		if c.Kind != constraint.Hard {
			continue
		}
		for _, fid := range c.FlightIDs {
			flightSet[fid] = true
		}
	}
	if len(flightSet) == 0 {
		return nil
	}

	var flights []string
	for fid := range flightSet {
		if _, ok := base.Flights[fid]; ok {
			flights = append(flights, fid)
		}
	}
	sort.Slice(flights, func(i, j int) bool {
		a, b := base.Flights[flights[i]], base.Flights[flights[j]]
		if !a.Departure.Equal(b.Departure) {
			return a.Departure.Before(b.Departure)
		}
		return a.ID < b.ID
	})

	working := base.Clone()
	var moves []schedule.Move
	var penalty float64

	for _, fid := range flights {
		f := working.Flights[fid]
		for _, a := range working.AssignmentsForFlight(fid) {
			r := working.Resources[a.ResourceID]
			if r != nil && r.Available(a.Start, a.End) && e.canPlace(working, r, a.Start, a.End, fid) {
				continue
			}
			moved := false
			quals := requiredQualifications(f, resourceTypeOf(working, a.ResourceID))
			var ids []string
			for id := range working.Resources {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				alt := working.Resources[id]
				if id == a.ResourceID || alt.Type != resourceTypeOf(working, a.ResourceID) || !alt.Qualified(quals) {
					continue
				}
				if !alt.Available(a.Start, a.End) || !e.canPlace(working, alt, a.Start, a.End, fid) {
					continue
				}
				m := schedule.Move{Kind: schedule.MoveReassign, FlightID: fid, FromResource: a.ResourceID, ToResource: id}
				if working.ApplyMove(m) == nil {
					moves = append(moves, m)
					penalty += e.costs.ReassignPenalty
					moved = true
				}
				break
			}
			if !moved {
				// No alternative resource; push the whole flight to the
				// first slot that works for every assignment.
				if d, ok := e.feasibleShift(working, f); ok {
					m := schedule.Move{Kind: schedule.MoveShift, FlightID: fid, Delta: d}
					if working.ApplyMove(m) == nil {
						moves = append(moves, m)
						penalty += e.costs.DeviationPerMinute * d.Minutes()
					}
				}
			}
		}
	}
	if len(moves) == 0 {
		return nil
	}

	full := e.detector.Detect(working, nil)
	hard, severity := constraint.Summarize(full)
	return &node{
		sched:     working,
		moves:     moves,
		conflicts: full,
		hard:      hard,
		severity:  severity,
		penalty:   penalty,
		cost:      penalty + softCost(full),
	}
}

// feasibleShift finds the smallest forward delta making every assignment
// of the flight placeable again.
func (e *Engine) feasibleShift(s *schedule.Schedule, f *schedule.Flight) (time.Duration, bool) {
	candidates := e.shiftCandidates(s, f)
	for _, d := range candidates {
		ok := true
		for _, a := range s.AssignmentsForFlight(f.ID) {
			r := s.Resources[a.ResourceID]
			start, end := a.Start.Add(d), a.End.Add(d)
			if r == nil || !r.Available(start, end) || !e.canPlace(s, r, start, end, f.ID) {
				ok = false
				break
			}
		}
		if ok {
			return d, true
		}
	}
	return 0, false
}

// canPlace checks that [start, end) on resource r, buffered, does not
// exceed capacity counting everything except excludeFlight's own use.
func (e *Engine) canPlace(s *schedule.Schedule, r *schedule.Resource, start, end time.Time, excludeFlight string) bool {
	buf := e.buffers[r.Type]
	overlapping := 0
	for _, a := range s.AssignmentsForResource(r.ID) {
		if a.FlightID == excludeFlight {
			continue
		}
		if a.Start.Before(end.Add(buf)) && start.Before(a.End.Add(buf)) {
			overlapping++
		}
	}
	return overlapping < r.EffectiveCapacity()
}

func requiredQualifications(f *schedule.Flight, t schedule.ResourceType) []string {
	for _, req := range f.Requirements {
		if req.Type == t {
			return req.Qualifications
		}
	}
	return nil
}

func resourceTypeOf(s *schedule.Schedule, id string) schedule.ResourceType {
	if r, ok := s.Resources[id]; ok {
		return r.Type
	}
	return ""
}

func softCost(cs []constraint.Conflict) float64 {
	var total float64
	for _, c := range cs {
		if c.Kind == constraint.Soft {
			total += c.Severity
		}
	}
	return total
}

func cloneScope(s *constraint.Scope) *constraint.Scope {
	if s == nil {
		return nil
	}
	out := constraint.NewScope()
	for id := range s.Resources {
		out.AddResource(id)
	}
	for id := range s.Flights {
		out.AddFlight(id)
	}
	return out
}

func dedupe(ids []string) []string {
	out := ids[:0]
	var last string
	for i, id := range ids {
		if i > 0 && id == last {
			continue
		}
		out = append(out, id)
		last = id
	}
	return out
}

func signature(moves []schedule.Move) string {
	sig := ""
	for _, m := range moves {
		sig += fmt.Sprintf("%s|%s|%s|%s|%d;", m.Kind, m.FlightID, m.FromResource+m.ToResource+m.ResourceID, m.Window.Start.Format(time.RFC3339), m.Delta/time.Second)
	}
	return sig
}

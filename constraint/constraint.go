// Package constraint holds the declarative rules a valid schedule must
// satisfy. Rules are registered once at startup; the registry is sealed
// before the first evaluation so ordering stays deterministic for the
// lifetime of the process.
package constraint

import (
	"errors"
	"sort"
	"time"

	"github.com/aeroops/replan/schedule"
)

// Kind classifies a rule: hard rules invalidate a schedule, soft rules
// only contribute cost.
type Kind string

const (
	Hard Kind = "hard"
	Soft Kind = "soft"
)

// Conflict is one violated rule instance, referencing the offending
// assignments through their flight and resource IDs.
type Conflict struct {
	Rule       string    `json:"rule"`
	Kind       Kind      `json:"kind"`
	Severity   float64   `json:"severity"`
	ResourceID string    `json:"resource_id,omitempty"`
	FlightIDs  []string  `json:"flight_ids"`
	Earliest   time.Time `json:"earliest"`
	Detail     string    `json:"detail,omitempty"`
}

// Scope limits evaluation to a subset of resources and flights. A nil
// scope means the whole schedule.
type Scope struct {
	Resources map[string]struct{}
	Flights   map[string]struct{}
}

// NewScope returns an empty, non-nil scope.
func NewScope() *Scope {
	return &Scope{
		Resources: make(map[string]struct{}),
		Flights:   make(map[string]struct{}),
	}
}

// AddResource includes a resource in the scope.
func (s *Scope) AddResource(id string) { s.Resources[id] = struct{}{} }

// AddFlight includes a flight in the scope.
func (s *Scope) AddFlight(id string) { s.Flights[id] = struct{}{} }

// HasResource reports whether a resource is in scope. Nil scope matches
// everything.
func (s *Scope) HasResource(id string) bool {
	if s == nil {
		return true
	}
	_, ok := s.Resources[id]
	return ok
}

// HasFlight reports whether a flight is in scope.
func (s *Scope) HasFlight(id string) bool {
	if s == nil {
		return true
	}
	_, ok := s.Flights[id]
	return ok
}

// Constraint is a pure predicate over a (scoped) schedule.
type Constraint interface {
	Name() string
	Kind() Kind
	Evaluate(s *schedule.Schedule, scope *Scope) []Conflict
}

// ErrSealed is returned when registering after the registry was sealed.
var ErrSealed = errors.New("constraint registry is sealed")

// Registry holds the closed set of constraints in registration order.
type Registry struct {
	constraints []Constraint
	sealed      bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a constraint. Fails once the registry is sealed.
func (r *Registry) Register(c Constraint) error {
	if r.sealed {
		return ErrSealed
	}
	r.constraints = append(r.constraints, c)
	return nil
}

// Seal closes the registry. Evaluation order is fixed from here on.
func (r *Registry) Seal() { r.sealed = true }

// Constraints returns the registered rules in order.
func (r *Registry) Constraints() []Constraint {
	return r.constraints
}

// Evaluate runs every rule over the scoped schedule in registration
// order and concatenates the conflicts.
func (r *Registry) Evaluate(s *schedule.Schedule, scope *Scope) []Conflict {
	var out []Conflict
	for _, c := range r.constraints {
		out = append(out, c.Evaluate(s, scope)...)
	}
	return out
}

// SortConflicts orders conflicts by severity descending, then earliest
// affected flight time, then rule name, then flight IDs. The ordering is
// total, so repair attempts are reproducible.
func SortConflicts(cs []Conflict) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if !a.Earliest.Equal(b.Earliest) {
			return a.Earliest.Before(b.Earliest)
		}
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		return joinIDs(a.FlightIDs) < joinIDs(b.FlightIDs)
	})
}

// Summarize tallies hard conflicts and total severity.
func Summarize(cs []Conflict) (hard int, severity float64) {
	for _, c := range cs {
		if c.Kind == Hard {
			hard++
		}
		severity += c.Severity
	}
	return hard, severity
}

func joinIDs(ids []string) string {
	out := ""
	for _, id := range ids {
		out += id + "|"
	}
	return out
}

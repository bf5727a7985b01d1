package schedule

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrStaleVersion is returned when a plan targets a version that is no
	// longer current. The caller must re-read and retry.
	ErrStaleVersion = errors.New("stale schedule version")
	// ErrConflictRejected is returned when applying a plan would leave the
	// schedule hard-constraint invalid.
	ErrConflictRejected = errors.New("plan rejected: hard constraint violated")
)

// Auditor scores a candidate schedule: the number of hard violations and
// the total conflict severity. Supplied by the conflict detector so the
// store never imports constraint logic directly.
type Auditor func(s *Schedule) (hard int, severity float64)

// Store owns the current schedule and linearizes writes. Reads return the
// current immutable snapshot; writes go through Apply with optimistic
// version checking.
type Store struct {
	mu       sync.RWMutex
	current  *Schedule
	audit    Auditor
	hard     int
	severity float64
}

// NewStore validates the initial schedule and wraps it. An initial state
// with hard conflicts is refused: the externally visible schedule must be
// valid from the first version.
func NewStore(initial *Schedule, audit Auditor) (*Store, error) {
	hard, severity := audit(initial)
	if hard > 0 {
		return nil, fmt.Errorf("%w: initial schedule has %d hard conflicts", ErrConflictRejected, hard)
	}
	return &Store{current: initial, audit: audit, hard: hard, severity: severity}, nil
}

// NewStoreDegraded wraps an initial schedule without refusing hard
// conflicts. Used for cold starts over already-broken data, where the
// repair engine is expected to clean up.
func NewStoreDegraded(initial *Schedule, audit Auditor) *Store {
	hard, severity := audit(initial)
	return &Store{current: initial, audit: audit, hard: hard, severity: severity}
}

// Version returns the current schedule version.
func (st *Store) Version() uint64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current.Version
}

// Snapshot returns the current immutable schedule. Callers must not
// mutate it; searches clone it first.
func (st *Store) Snapshot() *Schedule {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// HardConflicts returns the hard-conflict count of the current version.
// Non-zero only after a degraded commit or degraded cold start.
func (st *Store) HardConflicts() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.hard
}

// Severity returns the audited total conflict severity of the current
// version.
func (st *Store) Severity() float64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.severity
}

// Apply validates and commits a repair plan atomically. The resulting
// state is audited as a whole before it becomes visible; a plan that
// fails validation leaves the store untouched.
//
// Second writer on a stale base version gets ErrStaleVersion. A plan
// producing hard conflicts gets ErrConflictRejected unless it is marked
// Degraded, does not increase the hard-conflict count, and strictly
// lowers total severity.
func (st *Store) Apply(plan *RepairPlan) (*Schedule, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if plan.BaseVersion != st.current.Version {
		return nil, fmt.Errorf("%w: plan base %d, current %d", ErrStaleVersion, plan.BaseVersion, st.current.Version)
	}

	next := st.current.Clone()
	for i, m := range plan.Moves {
		if err := next.ApplyMove(m); err != nil {
			return nil, fmt.Errorf("%w: move %d: %v", ErrConflictRejected, i, err)
		}
	}

	hard, severity := st.audit(next)
	if hard > 0 {
		if !plan.Degraded {
			return nil, fmt.Errorf("%w: %d hard conflicts post-apply", ErrConflictRejected, hard)
		}
		if hard > st.hard || severity >= st.severity {
			return nil, fmt.Errorf("%w: degraded plan does not improve schedule (hard %d->%d, severity %.1f->%.1f)",
				ErrConflictRejected, st.hard, hard, st.severity, severity)
		}
	}

	next.Version = st.current.Version + 1
	st.current = next
	st.hard = hard
	st.severity = severity
	return next, nil
}

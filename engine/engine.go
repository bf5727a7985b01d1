// Package engine is the re-optimization core: it consumes disruption
// events and detected conflicts, searches for a minimal-cost repair, and
// commits the result to the schedule store as one atomic plan.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aeroops/replan/conflict"
	"github.com/aeroops/replan/constraint"
	"github.com/aeroops/replan/ingest"
	"github.com/aeroops/replan/observability"
	"github.com/aeroops/replan/schedule"
	"github.com/aeroops/replan/timeline"
)

// State is the engine's position in the repair cycle state machine.
type State string

const (
	StateIdle      State = "IDLE"
	StateTriggered State = "TRIGGERED"
	StateSearching State = "SEARCHING"
)

// Status is the final outcome of one repair cycle.
type Status string

const (
	StatusCommitted Status = "COMMITTED"
	StatusRejected  Status = "REJECTED"
	StatusTimedOut  Status = "TIMED_OUT"
	// StatusNoAction marks a sweep cycle that found nothing to repair.
	StatusNoAction Status = "NO_ACTION"
)

var (
	// ErrRepairFailed surfaces a cycle whose commit retries were
	// exhausted. Fatal for the cycle, not the process.
	ErrRepairFailed = errors.New("repair failed: retry budget exhausted")
	// ErrUnresolvedConflicts surfaces a search that could not eliminate
	// all hard conflicts and found no committable improvement.
	ErrUnresolvedConflicts = errors.New("unresolved conflicts after search")
)

// Costs are the policy weights of the repair search.
type Costs struct {
	ReassignPenalty    float64
	DeviationPerMinute float64
}

// Limits bound one repair cycle.
type Limits struct {
	MaxNodes   int
	MaxDepth   int
	Timeout    time.Duration
	MaxRetries int
	MaxBatch   int
}

// DefaultLimits returns production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxNodes:   5000,
		MaxDepth:   6,
		Timeout:    2 * time.Second,
		MaxRetries: 3,
		MaxBatch:   32,
	}
}

// Report is the structured per-cycle result handed to logging and the
// snapshot recorder.
type Report struct {
	CycleID            string                `json:"cycle_id"`
	Status             Status                `json:"status"`
	BaseVersion        uint64                `json:"base_version"`
	NewVersion         uint64                `json:"new_version,omitempty"`
	Moves              int                   `json:"moves"`
	CostDelta          float64               `json:"cost_delta"`
	RemainingHard      int                   `json:"remaining_hard"`
	RemainingConflicts []constraint.Conflict `json:"remaining_conflicts,omitempty"`
	SearchNodes        int                   `json:"search_nodes"`
	Duration           time.Duration         `json:"duration"`
	Error              string                `json:"error,omitempty"`
}

// ScheduleStore is the slice of the schedule store the engine needs.
type ScheduleStore interface {
	Version() uint64
	Snapshot() *schedule.Schedule
	Apply(plan *schedule.RepairPlan) (*schedule.Schedule, error)
	HardConflicts() int
	Severity() float64
}

// Recorder receives the before/after pair of every committed cycle.
type Recorder interface {
	RecordCycle(before, after *schedule.Schedule, rep Report)
}

// Engine runs repair cycles. The SEARCHING phase holds no store lock: it
// works on a private clone of the snapshot taken at trigger time and
// serializes only at the final Apply.
type Engine struct {
	store    ScheduleStore
	detector *conflict.Detector
	ingestor *ingest.Ingestor
	timeline *timeline.Store
	recorder Recorder
	costs    Costs
	limits   Limits
	buffers  map[schedule.ResourceType]time.Duration

	mu    sync.Mutex
	state State
}

// New wires an engine. recorder may be nil.
func New(store ScheduleStore, detector *conflict.Detector, ingestor *ingest.Ingestor,
	tl *timeline.Store, recorder Recorder, costs Costs, limits Limits,
	buffers map[schedule.ResourceType]time.Duration) *Engine {
	return &Engine{
		store:    store,
		detector: detector,
		ingestor: ingestor,
		timeline: tl,
		recorder: recorder,
		costs:    costs,
		limits:   limits,
		buffers:  buffers,
		state:    StateIdle,
	}
}

// State returns the engine's current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Run is the event-driven trigger loop with a periodic sweep fallback.
// A disruption arriving mid-cycle does not preempt the running search;
// it triggers a fresh cycle once the current one finishes.
func (e *Engine) Run(ctx context.Context, sweepInterval time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.ingestor.Notify():
			e.runTriggered(ctx, false)
		case <-ticker.C:
			e.runTriggered(ctx, true)
		}
	}
}

// runTriggered checks the trigger conditions and runs at most one cycle.
func (e *Engine) runTriggered(ctx context.Context, sweep bool) {
	for e.ingestor.Len() > 0 {
		rep := e.RunCycle(ctx)
		logReport(rep)
	}
	if sweep {
		// Fallback sweep: repair latent conflicts even with an empty queue.
		snap := e.store.Snapshot()
		conflicts := e.detector.Detect(snap, nil)
		hard, _ := constraint.Summarize(conflicts)
		if hard > 0 && e.store.HardConflicts() == 0 && snap.Version == e.store.Version() {
			// The committed schedule claims validity but a fresh audit
			// disagrees: store state was corrupted outside Apply.
			log.Fatalf("integrity abort: committed version %d fails audit with %d hard conflicts", snap.Version, hard)
		}
		if hard > 0 {
			rep := e.RunCycle(ctx)
			logReport(rep)
		}
	}
}

// RunCycle executes one full TRIGGERED..IDLE traversal and returns its
// report. Safe to call directly (tests, demo); Run calls it from the
// trigger loop.
func (e *Engine) RunCycle(ctx context.Context) *Report {
	start := time.Now()
	cycleID := uuid.NewString()
	rep := &Report{CycleID: cycleID, Status: StatusNoAction}
	defer func() {
		rep.Duration = time.Since(start)
		observability.RepairCycles.WithLabelValues(string(rep.Status)).Inc()
		observability.RemainingHardConflicts.Set(float64(e.store.HardConflicts()))
		e.setState(StateIdle)
	}()

	e.setState(StateTriggered)
	events := e.ingestor.Drain(e.limits.MaxBatch)
	before := e.store.Snapshot()
	rep.BaseVersion = before.Version
	e.record(cycleID, timeline.StageTriggered, before.Version, map[string]string{
		"events": fmt.Sprintf("%d", len(events)),
	})

	forced, scope := movesFromEvents(before, events)
	if e.store.HardConflicts() > 0 {
		scope = nil // degraded base: out-of-scope conflicts may exist
	}

	working := before.Clone()
	for _, m := range forced {
		if err := working.ApplyMove(m); err != nil {
			// Event raced a schedule change; skip its effect, proceed.
			log.Printf("dropping forced move %s for %s%s: %v", m.Kind, m.FlightID, m.ResourceID, err)
		}
	}

	conflicts := e.detector.Detect(working, scope)
	hard, severity := constraint.Summarize(conflicts)
	if hard == 0 && len(forced) == 0 {
		return rep
	}

	e.setState(StateSearching)
	e.record(cycleID, timeline.StageSearching, before.Version, map[string]string{
		"hard_conflicts": fmt.Sprintf("%d", hard),
	})

	searchStart := time.Now()
	res := e.search(ctx, working, scope, conflicts, hard, severity)
	observability.SearchDuration.Observe(time.Since(searchStart).Seconds())
	observability.SearchNodes.Observe(float64(res.nodes))
	rep.SearchNodes = res.nodes

	plan := e.assemblePlan(before.Version, forced, res)
	if plan == nil {
		rep.Status = StatusTimedOut
		rep.RemainingConflicts = conflicts
		rep.RemainingHard = hard
		rep.Error = ErrUnresolvedConflicts.Error()
		e.record(cycleID, timeline.StageTimedOut, before.Version, nil)
		return rep
	}

	e.commit(ctx, cycleID, before, forced, plan, rep)
	return rep
}

// assemblePlan merges the forced event moves with the search outcome.
// Returns nil when nothing committable exists: budget exhausted without
// full resolution and no strict severity improvement over the current
// schedule.
func (e *Engine) assemblePlan(baseVersion uint64, forced []schedule.Move, res *searchResult) *schedule.RepairPlan {
	if res.goal != nil {
		return &schedule.RepairPlan{
			BaseVersion: baseVersion,
			Moves:       append(append([]schedule.Move(nil), forced...), res.goal.moves...),
			Cost:        res.goal.cost,
		}
	}
	best := res.best
	if best == nil {
		return nil
	}
	if best.hard > e.store.HardConflicts() || best.severity >= e.store.Severity() {
		return nil
	}
	return &schedule.RepairPlan{
		BaseVersion: baseVersion,
		Moves:       append(append([]schedule.Move(nil), forced...), best.moves...),
		Cost:        best.cost,
		Degraded:    true,
	}
}

// commit applies the plan with bounded retries on optimistic-concurrency
// or validation rejections, re-searching against the fresh snapshot each
// time. The forced event moves are carried through every retry: the
// events are already drained from the queue, so dropping them here would
// lose the disruption.
func (e *Engine) commit(ctx context.Context, cycleID string, before *schedule.Schedule, forced []schedule.Move, plan *schedule.RepairPlan, rep *Report) {
	for attempt := 0; ; attempt++ {
		after, err := e.store.Apply(plan)
		if err == nil {
			rep.Status = StatusCommitted
			stage := timeline.StageCommitted
			if plan.Degraded {
				rep.Status = StatusTimedOut
				stage = timeline.StageTimedOut
			}
			rep.NewVersion = after.Version
			rep.Moves = len(plan.Moves)
			rep.CostDelta = plan.Cost
			rep.RemainingHard = e.store.HardConflicts()
			if rep.RemainingHard > 0 {
				rep.RemainingConflicts = e.detector.Detect(after, nil)
			}
			observability.ScheduleVersion.Set(float64(after.Version))
			e.record(cycleID, stage, after.Version, map[string]string{
				"moves": fmt.Sprintf("%d", rep.Moves),
				"cost":  fmt.Sprintf("%.1f", rep.CostDelta),
			})
			if e.recorder != nil {
				e.recorder.RecordCycle(before, after, *rep)
			}
			return
		}

		if !errors.Is(err, schedule.ErrStaleVersion) && !errors.Is(err, schedule.ErrConflictRejected) {
			rep.Status = StatusRejected
			rep.Error = err.Error()
			e.record(cycleID, timeline.StageFailed, plan.BaseVersion, map[string]string{"error": err.Error()})
			return
		}
		if attempt >= e.limits.MaxRetries {
			rep.Status = StatusRejected
			rep.Error = fmt.Sprintf("%v: %v", ErrRepairFailed, err)
			e.record(cycleID, timeline.StageFailed, plan.BaseVersion, map[string]string{"error": rep.Error})
			return
		}

		// Re-read, re-apply the forced moves that still fit, re-search
		// against the moved-on schedule, retry.
		observability.ApplyRetries.Inc()
		e.record(cycleID, timeline.StageRejected, plan.BaseVersion, map[string]string{"error": err.Error()})
		before = e.store.Snapshot()
		rep.BaseVersion = before.Version
		working := before.Clone()
		kept := forced[:0:0]
		for _, m := range forced {
			if applyErr := working.ApplyMove(m); applyErr != nil {
				log.Printf("dropping forced move %s for %s%s on retry: %v", m.Kind, m.FlightID, m.ResourceID, applyErr)
				continue
			}
			kept = append(kept, m)
		}
		conflicts := e.detector.Detect(working, nil)
		hard, severity := constraint.Summarize(conflicts)
		if hard == 0 && len(kept) == 0 {
			rep.Status = StatusNoAction
			rep.Error = ""
			return
		}
		if hard == 0 {
			// The forced moves alone leave a valid schedule.
			plan = &schedule.RepairPlan{BaseVersion: before.Version, Moves: kept}
			continue
		}
		res := e.search(ctx, working, nil, conflicts, hard, severity)
		rep.SearchNodes += res.nodes
		plan = e.assemblePlan(before.Version, kept, res)
		if plan == nil {
			rep.Status = StatusTimedOut
			rep.RemainingConflicts = conflicts
			rep.RemainingHard = hard
			rep.Error = ErrUnresolvedConflicts.Error()
			e.record(cycleID, timeline.StageTimedOut, before.Version, nil)
			return
		}
	}
}

func (e *Engine) record(cycleID string, stage timeline.Stage, version uint64, meta map[string]string) {
	if e.timeline == nil {
		return
	}
	e.timeline.Record(timeline.Event{CycleID: cycleID, Stage: stage, Version: version, Metadata: meta})
}

// movesFromEvents translates disruption events into the mandatory moves
// of the plan, plus the changed scope seeding incremental detection.
func movesFromEvents(s *schedule.Schedule, events []*ingest.DisruptionEvent) ([]schedule.Move, *constraint.Scope) {
	if len(events) == 0 {
		return nil, nil
	}
	var moves []schedule.Move
	scope := constraint.NewScope()
	for _, ev := range events {
		switch ev.Kind {
		case ingest.KindDelay:
			if _, ok := s.Flights[ev.TargetID]; !ok {
				continue
			}
			scope.AddFlight(ev.TargetID)
			moves = append(moves, schedule.Move{Kind: schedule.MoveShift, FlightID: ev.TargetID, Delta: ev.Delay})
		case ingest.KindResourceUnavailable:
			if _, ok := s.Resources[ev.TargetID]; !ok {
				continue
			}
			scope.AddResource(ev.TargetID)
			moves = append(moves, schedule.Move{Kind: schedule.MoveRestrict, ResourceID: ev.TargetID, Window: ev.Window})
		case ingest.KindCapacityReduced:
			if _, ok := s.Resources[ev.TargetID]; !ok {
				continue
			}
			scope.AddResource(ev.TargetID)
			moves = append(moves, schedule.Move{Kind: schedule.MoveSetCapacity, ResourceID: ev.TargetID, Capacity: ev.Capacity})
		}
	}
	return moves, scope
}

func logReport(rep *Report) {
	if rep == nil {
		return
	}
	b, _ := json.Marshal(rep)
	log.Println(string(b))
}

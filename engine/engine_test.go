package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeroops/replan/conflict"
	"github.com/aeroops/replan/constraint"
	"github.com/aeroops/replan/ingest"
	"github.com/aeroops/replan/schedule"
	"github.com/aeroops/replan/timeline"
)

var day = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func allDay() []schedule.Window {
	return []schedule.Window{{Start: day, End: day.Add(24 * time.Hour)}}
}

var testBuffers = map[schedule.ResourceType]time.Duration{
	schedule.ResourceAircraft: 45 * time.Minute,
	schedule.ResourceCrew:     30 * time.Minute,
	schedule.ResourceGate:     15 * time.Minute,
}

func testDetector(t *testing.T) *conflict.Detector {
	t.Helper()
	reg := constraint.NewRegistry()
	require.NoError(t, reg.Register(&constraint.ResourceOverlap{Buffers: testBuffers}))
	require.NoError(t, reg.Register(&constraint.AvailabilityWindow{}))
	require.NoError(t, reg.Register(&constraint.FlightCoverage{}))
	return conflict.NewDetector(reg, 4*time.Hour)
}

type harness struct {
	store    *schedule.Store
	detector *conflict.Detector
	ingestor *ingest.Ingestor
	timeline *timeline.Store
	engine   *Engine
}

func newHarness(t *testing.T, initial *schedule.Schedule) *harness {
	t.Helper()
	d := testDetector(t)
	st := schedule.NewStoreDegraded(initial, d.Auditor())
	in := ingest.NewIngestor(st, nil, nil, 30*time.Second)
	tl := timeline.NewStore(0)
	eng := New(st, d, in, tl, nil,
		Costs{ReassignPenalty: 30, DeviationPerMinute: 1},
		Limits{MaxNodes: 2000, MaxDepth: 5, Timeout: 2 * time.Second, MaxRetries: 3, MaxBatch: 32},
		testBuffers)
	return &harness{store: st, detector: d, ingestor: in, timeline: tl, engine: eng}
}

func addFlight(t *testing.T, s *schedule.Schedule, id string, dep, arr time.Time, resources ...string) {
	t.Helper()
	require.NoError(t, s.AddFlight(&schedule.Flight{
		ID: id, Departure: dep, Arrival: arr,
		Requirements: []schedule.ResourceRequirement{{Type: schedule.ResourceAircraft, Count: 1}},
	}))
	for _, rid := range resources {
		require.NoError(t, s.Assign(schedule.Assignment{FlightID: id, ResourceID: rid, Start: dep, End: arr}))
	}
}

func fleet(t *testing.T, aircraft ...string) *schedule.Schedule {
	t.Helper()
	s := schedule.New()
	for _, id := range aircraft {
		require.NoError(t, s.AddResource(&schedule.Resource{ID: id, Type: schedule.ResourceAircraft, Availability: allDay()}))
	}
	return s
}

func TestRunCycleNoAction(t *testing.T) {
	s := fleet(t, "AC-1")
	addFlight(t, s, "FL-1", at(9, 0), at(10, 0), "AC-1")
	h := newHarness(t, s)

	rep := h.engine.RunCycle(context.Background())
	assert.Equal(t, StatusNoAction, rep.Status)
	assert.Equal(t, uint64(0), h.store.Version(), "idle cycle must not commit a version")
	assert.Equal(t, StateIdle, h.engine.State())
}

func TestRunCycleResourceUnavailable(t *testing.T) {
	s := fleet(t, "AC-1", "AC-2")
	addFlight(t, s, "FL-1", at(9, 0), at(10, 30), "AC-1")
	addFlight(t, s, "FL-2", at(12, 0), at(13, 30), "AC-1")
	h := newHarness(t, s)

	_, err := h.ingestor.Ingest(context.Background(), ingest.RawEvent{
		TargetID: "AC-1", Kind: string(ingest.KindResourceUnavailable), Confidence: 1,
		WindowStart: at(8, 0).Format(time.RFC3339), WindowEnd: at(14, 0).Format(time.RFC3339),
	})
	require.NoError(t, err)

	rep := h.engine.RunCycle(context.Background())
	require.Equal(t, StatusCommitted, rep.Status)
	assert.Equal(t, uint64(1), rep.NewVersion)
	assert.Zero(t, rep.RemainingHard)
	assert.Zero(t, h.store.HardConflicts())
	assert.Zero(t, h.ingestor.Len(), "the cycle drains the queue")

	// Both rotations left the grounded aircraft.
	after := h.store.Snapshot()
	assert.Empty(t, after.AssignmentsForResource("AC-1"))
	assert.Len(t, after.AssignmentsForResource("AC-2"), 2)
}

func TestRunCycleDelay(t *testing.T) {
	s := fleet(t, "AC-1", "AC-2")
	addFlight(t, s, "FL-1", at(9, 0), at(10, 0), "AC-1")
	addFlight(t, s, "FL-2", at(11, 0), at(12, 0), "AC-1")
	h := newHarness(t, s)

	// A 45 minute delay squeezes FL-2's turnaround below the buffer.
	_, err := h.ingestor.Ingest(context.Background(), ingest.RawEvent{
		TargetID: "FL-1", Kind: string(ingest.KindDelay), DelayMinutes: 45, Confidence: 1,
	})
	require.NoError(t, err)

	rep := h.engine.RunCycle(context.Background())
	require.Equal(t, StatusCommitted, rep.Status)
	assert.Zero(t, h.store.HardConflicts())

	after := h.store.Snapshot()
	assert.Equal(t, at(9, 45), after.Flights["FL-1"].Departure, "forced delay is part of the plan")
}

func TestRunCycleRepairsDegradedColdStart(t *testing.T) {
	s := fleet(t, "AC-1", "AC-2")
	addFlight(t, s, "FL-1", at(9, 0), at(10, 0), "AC-1")
	addFlight(t, s, "FL-2", at(9, 30), at(10, 30), "AC-1")
	h := newHarness(t, s)
	require.Positive(t, h.store.HardConflicts())

	rep := h.engine.RunCycle(context.Background())
	require.Equal(t, StatusCommitted, rep.Status)
	assert.Zero(t, h.store.HardConflicts())
	assert.Greater(t, rep.SearchNodes, 0)
}

func TestRunCycleUnresolvable(t *testing.T) {
	s := fleet(t, "AC-1")
	addFlight(t, s, "FL-1", at(9, 0), at(10, 0), "AC-1")
	h := newHarness(t, s)

	// Ground the only aircraft for the whole day: no reassignment, no
	// shift can help.
	_, err := h.ingestor.Ingest(context.Background(), ingest.RawEvent{
		TargetID: "AC-1", Kind: string(ingest.KindResourceUnavailable), Confidence: 1,
		WindowStart: day.Format(time.RFC3339), WindowEnd: day.Add(24 * time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)

	rep := h.engine.RunCycle(context.Background())
	assert.Equal(t, StatusTimedOut, rep.Status)
	assert.Positive(t, rep.RemainingHard)
	assert.NotEmpty(t, rep.RemainingConflicts)
	assert.Equal(t, uint64(0), h.store.Version(), "nothing committable, nothing committed")
}

func TestRunCycleTimeline(t *testing.T) {
	s := fleet(t, "AC-1", "AC-2")
	addFlight(t, s, "FL-1", at(9, 0), at(10, 0), "AC-1")
	addFlight(t, s, "FL-2", at(9, 30), at(10, 30), "AC-1")
	h := newHarness(t, s)

	rep := h.engine.RunCycle(context.Background())
	require.Equal(t, StatusCommitted, rep.Status)

	events := h.timeline.ByCycle(rep.CycleID)
	require.NotEmpty(t, events)
	stages := make([]timeline.Stage, 0, len(events))
	for _, ev := range events {
		stages = append(stages, ev.Stage)
	}
	assert.Equal(t, []timeline.Stage{timeline.StageTriggered, timeline.StageSearching, timeline.StageCommitted}, stages)
}

type capture struct {
	before, after *schedule.Schedule
	report        Report
	calls         int
}

func (c *capture) RecordCycle(before, after *schedule.Schedule, rep Report) {
	c.before, c.after, c.report = before, after, rep
	c.calls++
}

func TestRecorderReceivesCommit(t *testing.T) {
	s := fleet(t, "AC-1", "AC-2")
	addFlight(t, s, "FL-1", at(9, 0), at(10, 0), "AC-1")
	addFlight(t, s, "FL-2", at(9, 30), at(10, 30), "AC-1")

	d := testDetector(t)
	st := schedule.NewStoreDegraded(s, d.Auditor())
	in := ingest.NewIngestor(st, nil, nil, 30*time.Second)
	rec := &capture{}
	eng := New(st, d, in, timeline.NewStore(0), rec,
		Costs{ReassignPenalty: 30, DeviationPerMinute: 1}, DefaultLimits(), testBuffers)

	rep := eng.RunCycle(context.Background())
	require.Equal(t, StatusCommitted, rep.Status)
	require.Equal(t, 1, rec.calls)
	assert.Equal(t, uint64(0), rec.before.Version)
	assert.Equal(t, uint64(1), rec.after.Version)
	assert.Equal(t, StatusCommitted, rec.report.Status)
}

// flakyStore injects one ErrStaleVersion before delegating, simulating a
// racing writer.
type flakyStore struct {
	*schedule.Store
	failures int
}

func (f *flakyStore) Apply(plan *schedule.RepairPlan) (*schedule.Schedule, error) {
	if f.failures > 0 {
		f.failures--
		return nil, schedule.ErrStaleVersion
	}
	return f.Store.Apply(plan)
}

func TestCommitRetriesOnStaleVersion(t *testing.T) {
	s := fleet(t, "AC-1", "AC-2")
	addFlight(t, s, "FL-1", at(9, 0), at(10, 0), "AC-1")
	addFlight(t, s, "FL-2", at(9, 30), at(10, 30), "AC-1")

	d := testDetector(t)
	inner := schedule.NewStoreDegraded(s, d.Auditor())
	st := &flakyStore{Store: inner, failures: 1}
	in := ingest.NewIngestor(st, nil, nil, 30*time.Second)
	eng := New(st, d, in, timeline.NewStore(0), nil,
		Costs{ReassignPenalty: 30, DeviationPerMinute: 1}, DefaultLimits(), testBuffers)

	rep := eng.RunCycle(context.Background())
	require.Equal(t, StatusCommitted, rep.Status)
	assert.Zero(t, inner.HardConflicts())
	assert.Equal(t, uint64(1), inner.Version())
}

func TestCommitRetryKeepsForcedMoves(t *testing.T) {
	s := fleet(t, "AC-1", "AC-2")
	addFlight(t, s, "FL-1", at(9, 0), at(10, 30), "AC-1")

	d := testDetector(t)
	inner := schedule.NewStoreDegraded(s, d.Auditor())
	st := &flakyStore{Store: inner, failures: 1}
	in := ingest.NewIngestor(st, nil, nil, 30*time.Second)
	eng := New(st, d, in, timeline.NewStore(0), nil,
		Costs{ReassignPenalty: 30, DeviationPerMinute: 1}, DefaultLimits(), testBuffers)

	// The clean snapshot has no conflicts; only the grounding event makes
	// this cycle do anything. A stale rejection mid-commit must not turn
	// it into a no-op.
	_, err := in.Ingest(context.Background(), ingest.RawEvent{
		TargetID: "AC-1", Kind: string(ingest.KindResourceUnavailable), Confidence: 1,
		WindowStart: at(8, 0).Format(time.RFC3339), WindowEnd: at(14, 0).Format(time.RFC3339),
	})
	require.NoError(t, err)

	rep := eng.RunCycle(context.Background())
	require.Equal(t, StatusCommitted, rep.Status)
	assert.Equal(t, uint64(1), inner.Version())
	assert.Zero(t, inner.HardConflicts())

	after := inner.Snapshot()
	assert.Empty(t, after.AssignmentsForResource("AC-1"), "the grounded aircraft keeps no rotation")
	assert.Len(t, after.AssignmentsForResource("AC-2"), 1)
	assert.False(t, after.Resources["AC-1"].Available(at(9, 0), at(10, 0)),
		"the unavailability window survives the retry")
}

func TestCommitGivesUpAfterMaxRetries(t *testing.T) {
	s := fleet(t, "AC-1", "AC-2")
	addFlight(t, s, "FL-1", at(9, 0), at(10, 0), "AC-1")
	addFlight(t, s, "FL-2", at(9, 30), at(10, 30), "AC-1")

	d := testDetector(t)
	inner := schedule.NewStoreDegraded(s, d.Auditor())
	st := &flakyStore{Store: inner, failures: 100}
	in := ingest.NewIngestor(st, nil, nil, 30*time.Second)
	limits := DefaultLimits()
	limits.MaxRetries = 2
	eng := New(st, d, in, timeline.NewStore(0), nil,
		Costs{ReassignPenalty: 30, DeviationPerMinute: 1}, limits, testBuffers)

	rep := eng.RunCycle(context.Background())
	assert.Equal(t, StatusRejected, rep.Status)
	assert.Contains(t, rep.Error, ErrRepairFailed.Error())
	assert.Equal(t, uint64(0), inner.Version())
}

func TestRunSweepRepairsWithoutEvents(t *testing.T) {
	s := schedule.New()
	allDay := []schedule.Window{{Start: day, End: day.Add(24 * time.Hour)}}
	require.NoError(t, s.AddResource(&schedule.Resource{ID: "GT-1", Type: schedule.ResourceGate, Availability: allDay}))
	require.NoError(t, s.AddResource(&schedule.Resource{ID: "GT-2", Type: schedule.ResourceGate, Availability: allDay}))
	for _, f := range []struct {
		id       string
		dep, arr time.Time
	}{
		{"FL-1", at(9, 0), at(10, 0)},
		{"FL-2", at(9, 30), at(10, 30)},
	} {
		require.NoError(t, s.AddFlight(&schedule.Flight{
			ID: f.id, Departure: f.dep, Arrival: f.arr,
			Requirements: []schedule.ResourceRequirement{{Type: schedule.ResourceGate, Count: 1}},
		}))
		require.NoError(t, s.Assign(schedule.Assignment{FlightID: f.id, ResourceID: "GT-1", Start: f.dep, End: f.arr}))
	}
	h := newHarness(t, s)
	require.Positive(t, h.store.HardConflicts())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx, 20*time.Millisecond)
		close(done)
	}()

	// No event is ever ingested; the periodic sweep alone repairs the
	// overlapping gate assignments.
	require.Eventually(t, func() bool {
		return h.store.HardConflicts() == 0 && h.store.Version() > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRunTriggersOnIngest(t *testing.T) {
	s := fleet(t, "AC-1", "AC-2")
	addFlight(t, s, "FL-1", at(9, 0), at(10, 30), "AC-1")
	h := newHarness(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx, time.Hour)
		close(done)
	}()

	_, err := h.ingestor.Ingest(ctx, ingest.RawEvent{
		TargetID: "AC-1", Kind: string(ingest.KindResourceUnavailable), Confidence: 1,
		WindowStart: at(8, 0).Format(time.RFC3339), WindowEnd: at(12, 0).Format(time.RFC3339),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.store.Version() > 0 && h.store.HardConflicts() == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

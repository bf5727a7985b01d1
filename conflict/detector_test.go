package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeroops/replan/constraint"
	"github.com/aeroops/replan/schedule"
)

var day = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func newDetector(t *testing.T) *Detector {
	t.Helper()
	buffers := map[schedule.ResourceType]time.Duration{
		schedule.ResourceAircraft: 45 * time.Minute,
		schedule.ResourceCrew:     30 * time.Minute,
		schedule.ResourceGate:     15 * time.Minute,
	}
	reg := constraint.NewRegistry()
	require.NoError(t, reg.Register(&constraint.ResourceOverlap{Buffers: buffers}))
	require.NoError(t, reg.Register(&constraint.AvailabilityWindow{}))
	require.NoError(t, reg.Register(&constraint.FlightCoverage{}))
	return NewDetector(reg, 4*time.Hour)
}

func fixture(t *testing.T) *schedule.Schedule {
	t.Helper()
	s := schedule.New()
	allDay := []schedule.Window{{Start: day, End: day.Add(24 * time.Hour)}}
	require.NoError(t, s.AddResource(&schedule.Resource{ID: "GT-1", Type: schedule.ResourceGate, Availability: allDay}))
	require.NoError(t, s.AddResource(&schedule.Resource{ID: "GT-2", Type: schedule.ResourceGate, Availability: allDay}))

	for _, f := range []struct {
		id       string
		dep, arr time.Time
		gate     string
	}{
		{"FL-1", at(9, 0), at(10, 0), "GT-1"},
		{"FL-2", at(9, 30), at(10, 30), "GT-1"},
		{"FL-3", at(14, 0), at(15, 0), "GT-2"},
	} {
		require.NoError(t, s.AddFlight(&schedule.Flight{
			ID: f.id, Departure: f.dep, Arrival: f.arr,
			Requirements: []schedule.ResourceRequirement{{Type: schedule.ResourceGate, Count: 1}},
		}))
		require.NoError(t, s.Assign(schedule.Assignment{FlightID: f.id, ResourceID: f.gate, Start: f.dep, End: f.arr}))
	}
	return s
}

func TestDetectGateOverlap(t *testing.T) {
	d := newDetector(t)
	s := fixture(t)

	cs := d.Detect(s, nil)
	require.Len(t, cs, 1, "two flights sharing one gate produce exactly one conflict")
	assert.Equal(t, "resource-overlap", cs[0].Rule)
	assert.Equal(t, "GT-1", cs[0].ResourceID)
	assert.Equal(t, []string{"FL-1", "FL-2"}, cs[0].FlightIDs)
}

func TestDetectIsIdempotent(t *testing.T) {
	d := newDetector(t)
	s := fixture(t)

	first := d.Detect(s, nil)
	second := d.Detect(s, nil)
	assert.Equal(t, first, second, "same snapshot, same conflicts, same order")
}

func TestDetectScopedMatchesFullScan(t *testing.T) {
	d := newDetector(t)
	s := fixture(t)

	scope := constraint.NewScope()
	scope.AddFlight("FL-2")

	scoped := d.Detect(s, scope)
	require.Len(t, scoped, 1)
	assert.Equal(t, d.Detect(s, nil), scoped,
		"scoped scan around the changed flight finds the same conflicts")
}

func TestDetectScopeSkipsDistantConflicts(t *testing.T) {
	d := newDetector(t)
	s := fixture(t)

	// Make FL-3's gate unavailable; a scope around FL-1 must not see it,
	// FL-3 being outside the look-around of FL-1's interval.
	s.Resources["GT-2"].Restrict(schedule.Window{Start: at(13, 0), End: at(16, 0)})
	require.NotEmpty(t, d.Detect(s, nil))

	scope := constraint.NewScope()
	scope.AddFlight("FL-1")
	for _, c := range d.Detect(s, scope) {
		assert.NotContains(t, c.FlightIDs, "FL-3")
	}
}

func TestAuditSummarizes(t *testing.T) {
	d := newDetector(t)
	s := fixture(t)

	hard, severity := d.Audit(s)
	assert.Equal(t, 1, hard)
	assert.Greater(t, severity, 100.0)

	require.NoError(t, s.ApplyMove(schedule.Move{
		Kind: schedule.MoveReassign, FlightID: "FL-2", FromResource: "GT-1", ToResource: "GT-2",
	}))
	hard, severity = d.Audit(s)
	assert.Zero(t, hard)
	assert.Zero(t, severity)
}

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeroops/replan/schedule"
)

var day = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

type staticSource struct {
	snap *schedule.Schedule
}

func (s staticSource) Snapshot() *schedule.Schedule { return s.snap }

func testSource(t *testing.T) staticSource {
	t.Helper()
	s := schedule.New()
	allDay := []schedule.Window{{Start: day, End: day.Add(24 * time.Hour)}}
	require.NoError(t, s.AddResource(&schedule.Resource{ID: "AC-1", Type: schedule.ResourceAircraft, Availability: allDay}))
	require.NoError(t, s.AddFlight(&schedule.Flight{ID: "FL-1", Departure: day.Add(9 * time.Hour), Arrival: day.Add(10 * time.Hour)}))
	return staticSource{snap: s}
}

func delayEvent(flight string, minutes int) RawEvent {
	return RawEvent{
		TargetID:     flight,
		Kind:         string(KindDelay),
		DelayMinutes: minutes,
		Confidence:   0.9,
		Timestamp:    day.Format(time.RFC3339),
		Source:       "predictor",
	}
}

func TestIngestDelay(t *testing.T) {
	in := NewIngestor(testSource(t), nil, nil, 30*time.Second)

	ev, err := in.Ingest(context.Background(), delayEvent("FL-1", 40))
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, TargetFlight, ev.TargetKind)
	assert.Equal(t, 40*time.Minute, ev.Delay)
	assert.Equal(t, 1, in.Len())

	select {
	case <-in.Notify():
	default:
		t.Fatal("expected a notification after the first enqueue")
	}
}

func TestIngestRejectsMalformed(t *testing.T) {
	in := NewIngestor(testSource(t), nil, nil, 30*time.Second)
	ctx := context.Background()

	cases := []RawEvent{
		{TargetID: "FL-1", Kind: "weather", Confidence: 0.9},
		{TargetID: "", Kind: string(KindDelay), DelayMinutes: 10, Confidence: 0.9},
		{TargetID: "FL-1", Kind: string(KindDelay), DelayMinutes: 10, Confidence: 1.5},
		{TargetID: "FL-1", Kind: string(KindDelay), DelayMinutes: 0, Confidence: 0.9},
		{TargetID: "ghost", Kind: string(KindDelay), DelayMinutes: 10, Confidence: 0.9},
		{TargetID: "FL-1", Kind: string(KindResourceUnavailable), Confidence: 0.9,
			WindowStart: day.Format(time.RFC3339), WindowEnd: day.Add(time.Hour).Format(time.RFC3339)},
		{TargetID: "AC-1", Kind: string(KindResourceUnavailable), Confidence: 0.9,
			WindowStart: day.Add(time.Hour).Format(time.RFC3339), WindowEnd: day.Format(time.RFC3339)},
		{TargetID: "AC-1", Kind: string(KindCapacityReduced), Capacity: -1, Confidence: 0.9},
		{TargetID: "FL-1", Kind: string(KindDelay), DelayMinutes: 10, Confidence: 0.9, Timestamp: "yesterday"},
	}
	for _, raw := range cases {
		_, err := in.Ingest(ctx, raw)
		require.ErrorIs(t, err, ErrMalformedEvent)
	}
	assert.Zero(t, in.Len(), "rejected events never reach the queue")
}

func TestIngestPendingReplacement(t *testing.T) {
	in := NewIngestor(testSource(t), nil, nil, 30*time.Second)
	ctx := context.Background()

	first, err := in.Ingest(ctx, delayEvent("FL-1", 20))
	require.NoError(t, err)
	second, err := in.Ingest(ctx, delayEvent("FL-1", 50))
	require.NoError(t, err)

	assert.Same(t, first, second, "superseding event replaces the pending one in place")
	assert.Equal(t, 1, in.Len())

	drained := in.Drain(0)
	require.Len(t, drained, 1)
	assert.Equal(t, 50*time.Minute, drained[0].Delay, "last value wins")
}

func TestIngestDistinctKindsQueueSeparately(t *testing.T) {
	in := NewIngestor(testSource(t), nil, nil, 30*time.Second)
	ctx := context.Background()

	_, err := in.Ingest(ctx, delayEvent("FL-1", 20))
	require.NoError(t, err)
	_, err = in.Ingest(ctx, RawEvent{
		TargetID: "AC-1", Kind: string(KindResourceUnavailable), Confidence: 1,
		WindowStart: day.Format(time.RFC3339), WindowEnd: day.Add(2 * time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, in.Len())
}

func TestDrainFIFO(t *testing.T) {
	in := NewIngestor(testSource(t), nil, nil, time.Nanosecond)
	ctx := context.Background()

	// A tiny dedup window so repeated events on the same key queue
	// separately instead of replacing in place.
	for i := 0; i < 3; i++ {
		_, err := in.Ingest(ctx, delayEvent("FL-1", 10+i))
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	batch := in.Drain(2)
	require.Len(t, batch, 2)
	assert.Equal(t, 10*time.Minute, batch[0].Delay)
	assert.Equal(t, 11*time.Minute, batch[1].Delay)
	assert.Equal(t, 1, in.Len())

	rest := in.Drain(0)
	require.Len(t, rest, 1)
	assert.Equal(t, 12*time.Minute, rest[0].Delay)
}

func TestIngestThrottled(t *testing.T) {
	limiter := NewSourceLimiter(1, 1)
	in := NewIngestor(testSource(t), nil, limiter, 30*time.Second)
	ctx := context.Background()

	_, err := in.Ingest(ctx, delayEvent("FL-1", 10))
	require.NoError(t, err)

	raw := delayEvent("FL-1", 20)
	raw.Source = "predictor" // same bucket, burst of one already spent
	_, err = in.Ingest(ctx, raw)
	require.ErrorIs(t, err, ErrThrottled)

	raw.Source = "ops-desk"
	_, err = in.Ingest(ctx, raw)
	require.NoError(t, err, "limits are per source")
}

func TestSourceLimiterExpiresIdleBuckets(t *testing.T) {
	l := NewSourceLimiter(0.001, 1)
	clock := day
	l.now = func() time.Time { return clock }

	require.True(t, l.Allow("predictor"))
	require.False(t, l.Allow("predictor"), "burst of one is spent")

	// A different source arriving after the idle TTL prunes the stale
	// bucket; the original source then starts over with a fresh burst.
	clock = day.Add(sourceIdleTTL + time.Minute)
	require.True(t, l.Allow("ops-desk"))
	assert.True(t, l.Allow("predictor"))
	assert.False(t, l.Allow("predictor"))
}

func TestIngestSuppressesDrainedDuplicate(t *testing.T) {
	in := NewIngestor(testSource(t), NewMemoryDedup(), nil, 30*time.Second)
	ctx := context.Background()
	clock := day
	in.now = func() time.Time { return clock }

	_, err := in.Ingest(ctx, delayEvent("FL-1", 20))
	require.NoError(t, err)
	require.Len(t, in.Drain(0), 1)

	// Re-emission of the same signal right after the drain: the pending
	// queue no longer knows it, the index does.
	clock = day.Add(5 * time.Second)
	ev, err := in.Ingest(ctx, delayEvent("FL-1", 20))
	require.NoError(t, err)
	assert.NotNil(t, ev)
	assert.Zero(t, in.Len(), "drained duplicate inside the window is suppressed")

	// Outside the window it is a fresh disruption again.
	clock = day.Add(2 * time.Minute)
	_, err = in.Ingest(ctx, delayEvent("FL-1", 25))
	require.NoError(t, err)
	assert.Equal(t, 1, in.Len())
}

func TestMemoryDedupTouch(t *testing.T) {
	d := NewMemoryDedup()
	ctx := context.Background()
	now := time.Now()

	prior, err := d.Touch(ctx, "FL-1|delay", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, prior.IsZero(), "first touch has no prior")

	prior, err = d.Touch(ctx, "FL-1|delay", now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, now, prior)

	// Expired entries read as absent.
	_, err = d.Touch(ctx, "FL-2|delay", now.Add(-2*time.Minute), time.Minute)
	require.NoError(t, err)
	prior, err = d.Touch(ctx, "FL-2|delay", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, prior.IsZero())
}

// Package ingest normalizes raw disruption signals from the upstream
// predictor into DisruptionEvents and queues them for the repair engine.
// Malformed records are rejected locally and never reach the queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aeroops/replan/observability"
	"github.com/aeroops/replan/schedule"
)

var (
	// ErrMalformedEvent marks an input that failed normalization or
	// referenced an unknown flight/resource. The event is dropped.
	ErrMalformedEvent = errors.New("malformed disruption event")
	// ErrThrottled marks an event dropped by the per-source rate limit.
	ErrThrottled = errors.New("event source throttled")
)

// SnapshotSource yields the current schedule for target validation.
// Satisfied by *schedule.Store.
type SnapshotSource interface {
	Snapshot() *schedule.Schedule
}

// Ingestor validates, dedupes, rate-limits and queues disruption events.
// The queue is FIFO by ingestion time; an event superseding a still
// pending one with the same target and kind replaces it in place (last
// value wins) rather than queueing twice.
type Ingestor struct {
	source  SnapshotSource
	dedup   DedupIndex
	limiter *SourceLimiter
	window  time.Duration
	now     func() time.Time

	mu      sync.Mutex
	pending []*DisruptionEvent
	byKey   map[string]*DisruptionEvent
	notify  chan struct{}
}

// NewIngestor wires an ingestor. limiter may be nil to disable
// throttling; dedup may be nil to disable cross-restart dedup (pending
// replacement still applies).
func NewIngestor(source SnapshotSource, dedup DedupIndex, limiter *SourceLimiter, window time.Duration) *Ingestor {
	return &Ingestor{
		source:  source,
		dedup:   dedup,
		limiter: limiter,
		window:  window,
		now:     time.Now,
		byKey:   make(map[string]*DisruptionEvent),
		notify:  make(chan struct{}, 1),
	}
}

// Notify signals when the queue transitions to non-empty.
func (in *Ingestor) Notify() <-chan struct{} { return in.notify }

// Len returns the number of pending events.
func (in *Ingestor) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.pending)
}

// Ingest normalizes and enqueues one raw event.
func (in *Ingestor) Ingest(ctx context.Context, raw RawEvent) (*DisruptionEvent, error) {
	if in.limiter != nil && !in.limiter.Allow(raw.Source) {
		observability.IngestRejected.WithLabelValues("throttled").Inc()
		return nil, fmt.Errorf("%w: source %q", ErrThrottled, raw.Source)
	}

	ev, err := in.normalize(raw)
	if err != nil {
		observability.IngestRejected.WithLabelValues("malformed").Inc()
		return nil, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	key := ev.DedupKey()
	if prior, ok := in.byKey[key]; ok && ev.ReceivedAt.Sub(prior.ReceivedAt) < in.window {
		// Still pending: the newer value supersedes it in place.
		*prior = *ev
		observability.IngestDeduped.Inc()
		return prior, nil
	}
	if in.dedup != nil {
		prev, err := in.dedup.Touch(ctx, key, ev.ReceivedAt, in.window)
		if err != nil {
			// Dedup backends are best-effort; a failure never drops input.
			observability.IngestRejected.WithLabelValues("dedup_error").Inc()
		} else if !prev.IsZero() && ev.ReceivedAt.Sub(prev) < in.window {
			// The predecessor was already drained inside the window. The
			// index outlives the pending queue (and, on Redis, the
			// process), so a re-emission of the same signal collapses
			// here instead of triggering another cycle.
			observability.IngestDeduped.Inc()
			return ev, nil
		}
	}

	in.pending = append(in.pending, ev)
	in.byKey[key] = ev
	observability.IngestAccepted.Inc()
	observability.QueueDepth.Set(float64(len(in.pending)))

	select {
	case in.notify <- struct{}{}:
	default:
	}
	return ev, nil
}

// Drain removes and returns up to max pending events in FIFO order.
func (in *Ingestor) Drain(max int) []*DisruptionEvent {
	in.mu.Lock()
	defer in.mu.Unlock()

	n := len(in.pending)
	if max > 0 && n > max {
		n = max
	}
	out := in.pending[:n]
	in.pending = append([]*DisruptionEvent(nil), in.pending[n:]...)
	for _, ev := range out {
		if in.byKey[ev.DedupKey()] == ev {
			delete(in.byKey, ev.DedupKey())
		}
	}
	observability.QueueDepth.Set(float64(len(in.pending)))
	return out
}

func (in *Ingestor) normalize(raw RawEvent) (*DisruptionEvent, error) {
	kind := Kind(raw.Kind)
	switch kind {
	case KindDelay, KindResourceUnavailable, KindCapacityReduced:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, raw.Kind)
	}
	if raw.TargetID == "" {
		return nil, fmt.Errorf("%w: empty target", ErrMalformedEvent)
	}
	if raw.Confidence < 0 || raw.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedEvent, raw.Confidence)
	}

	occurred := in.now()
	if raw.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, raw.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: bad timestamp: %v", ErrMalformedEvent, err)
		}
		occurred = t
	}

	ev := &DisruptionEvent{
		ID:         uuid.NewString(),
		TargetID:   raw.TargetID,
		Kind:       kind,
		Confidence: raw.Confidence,
		Occurred:   occurred,
		ReceivedAt: in.now(),
		Source:     raw.Source,
	}

	snap := in.source.Snapshot()
	_, isFlight := snap.Flights[raw.TargetID]
	_, isResource := snap.Resources[raw.TargetID]

	switch kind {
	case KindDelay:
		if !isFlight {
			return nil, fmt.Errorf("%w: delay targets unknown flight %q", ErrMalformedEvent, raw.TargetID)
		}
		if raw.DelayMinutes <= 0 {
			return nil, fmt.Errorf("%w: delay requires positive delay_minutes", ErrMalformedEvent)
		}
		ev.TargetKind = TargetFlight
		ev.Delay = time.Duration(raw.DelayMinutes) * time.Minute

	case KindResourceUnavailable:
		if !isResource {
			return nil, fmt.Errorf("%w: unavailability targets unknown resource %q", ErrMalformedEvent, raw.TargetID)
		}
		w, err := parseWindow(raw.WindowStart, raw.WindowEnd)
		if err != nil {
			return nil, err
		}
		ev.TargetKind = TargetResource
		ev.Window = w

	case KindCapacityReduced:
		if !isResource {
			return nil, fmt.Errorf("%w: capacity reduction targets unknown resource %q", ErrMalformedEvent, raw.TargetID)
		}
		if raw.Capacity < 0 {
			return nil, fmt.Errorf("%w: negative capacity", ErrMalformedEvent)
		}
		ev.TargetKind = TargetResource
		ev.Capacity = raw.Capacity
	}
	return ev, nil
}

func parseWindow(start, end string) (schedule.Window, error) {
	var w schedule.Window
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return w, fmt.Errorf("%w: bad window_start: %v", ErrMalformedEvent, err)
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return w, fmt.Errorf("%w: bad window_end: %v", ErrMalformedEvent, err)
	}
	if !s.Before(e) {
		return w, fmt.Errorf("%w: window_start must precede window_end", ErrMalformedEvent)
	}
	return schedule.Window{Start: s, End: e}, nil
}

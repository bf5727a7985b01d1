package ingest

import (
	"time"

	"github.com/aeroops/replan/schedule"
)

// Kind enumerates the disruption signals the predictor emits.
type Kind string

const (
	KindDelay               Kind = "delay"
	KindResourceUnavailable Kind = "resource-unavailable"
	KindCapacityReduced     Kind = "capacity-reduced"
)

// TargetKind says what a disruption event points at.
type TargetKind string

const (
	TargetFlight   TargetKind = "flight"
	TargetResource TargetKind = "resource"
)

// RawEvent is the wire shape accepted from the upstream predictor.
// Timestamps are RFC 3339 strings; magnitude fields are kind-specific.
type RawEvent struct {
	TargetID     string  `json:"target_id"`
	Kind         string  `json:"kind"`
	DelayMinutes int     `json:"delay_minutes,omitempty"`
	WindowStart  string  `json:"window_start,omitempty"`
	WindowEnd    string  `json:"window_end,omitempty"`
	Capacity     int     `json:"capacity,omitempty"`
	Confidence   float64 `json:"confidence"`
	Timestamp    string  `json:"timestamp"`
	Source       string  `json:"source,omitempty"`
}

// DisruptionEvent is the normalized internal record. Confidence is a
// tie-break weight only; it never acts as a constraint.
type DisruptionEvent struct {
	ID         string          `json:"id"`
	TargetID   string          `json:"target_id"`
	TargetKind TargetKind      `json:"target_kind"`
	Kind       Kind            `json:"kind"`
	Delay      time.Duration   `json:"delay,omitempty"`
	Window     schedule.Window `json:"window,omitempty"`
	Capacity   int             `json:"capacity,omitempty"`
	Confidence float64         `json:"confidence"`
	Occurred   time.Time       `json:"occurred"`
	ReceivedAt time.Time       `json:"received_at"`
	Source     string          `json:"source,omitempty"`
}

// DedupKey groups events that supersede each other: same target, same
// kind, inside the dedup window.
func (e *DisruptionEvent) DedupKey() string {
	return e.TargetID + "|" + string(e.Kind)
}

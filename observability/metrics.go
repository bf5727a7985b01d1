package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RepairCycles counts repair cycles by final status.
	RepairCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replan_repair_cycles_total",
		Help: "Total repair cycles by outcome",
	}, []string{"status"})

	// QueueDepth tracks pending disruption events.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replan_disruption_queue_depth",
		Help: "Current number of pending disruption events",
	})

	// IngestAccepted counts normalized events that entered the queue.
	IngestAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replan_ingest_accepted_total",
		Help: "Disruption events accepted into the queue",
	})

	// IngestDeduped counts events that superseded a pending one.
	IngestDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replan_ingest_deduped_total",
		Help: "Disruption events collapsed into a pending duplicate",
	})

	// IngestRejected counts dropped events by reason.
	IngestRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replan_ingest_rejected_total",
		Help: "Disruption events rejected before queueing",
	}, []string{"reason"})

	// SearchDuration observes the SEARCHING phase wall clock.
	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "replan_search_duration_seconds",
		Help:    "Duration of the repair search phase",
		Buckets: prometheus.DefBuckets,
	})

	// SearchNodes observes explored candidates per search.
	SearchNodes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "replan_search_nodes",
		Help:    "Candidate schedules evaluated per repair search",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	// ApplyRetries counts commit retries after stale-version rejections.
	ApplyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replan_apply_retries_total",
		Help: "Repair plan commits retried after optimistic-concurrency failures",
	})

	// RemainingHardConflicts tracks hard conflicts on the committed schedule.
	RemainingHardConflicts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replan_remaining_hard_conflicts",
		Help: "Hard conflicts on the current committed schedule version",
	})

	// ScheduleVersion mirrors the committed schedule version.
	ScheduleVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replan_schedule_version",
		Help: "Current committed schedule version",
	})

	// StreamClients tracks connected snapshot-stream websocket clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replan_stream_clients",
		Help: "Connected websocket clients on the snapshot stream",
	})
)

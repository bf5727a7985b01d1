package snapshot

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/aeroops/replan/engine"
	"github.com/aeroops/replan/schedule"
)

// Archive persists committed pairs beyond the in-memory window.
// Implemented by the store package (memory, Postgres). May be nil.
type Archive interface {
	SaveSnapshot(ctx context.Context, s *schedule.Schedule) error
	SaveDiff(ctx context.Context, d *Diff) error
	SaveReport(ctx context.Context, rep engine.Report) error
}

// Service records before/after pairs per committed version and streams
// them to the hub. Implements engine.Recorder.
type Service struct {
	mu      sync.RWMutex
	diffs   map[uint64]*Diff // keyed by after-version
	order   []uint64
	max     int
	archive Archive
	hub     *Hub
}

// NewService keeps at most max diffs in memory (0 means 256). archive
// and hub may each be nil.
func NewService(archive Archive, hub *Hub, max int) *Service {
	if max <= 0 {
		max = 256
	}
	return &Service{
		diffs:   make(map[uint64]*Diff),
		max:     max,
		archive: archive,
		hub:     hub,
	}
}

// RecordCycle computes and retains the diff of a committed cycle,
// archives the pair best-effort, and broadcasts to stream clients.
func (sv *Service) RecordCycle(before, after *schedule.Schedule, rep engine.Report) {
	d := Compute(before, after)

	sv.mu.Lock()
	sv.diffs[d.AfterVersion] = d
	sv.order = append(sv.order, d.AfterVersion)
	if len(sv.order) > sv.max {
		delete(sv.diffs, sv.order[0])
		sv.order = sv.order[1:]
	}
	sv.mu.Unlock()

	if sv.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := sv.archive.SaveSnapshot(ctx, after); err != nil {
			log.Printf("archive snapshot v%d failed: %v", after.Version, err)
		}
		if err := sv.archive.SaveDiff(ctx, d); err != nil {
			log.Printf("archive diff v%d failed: %v", d.AfterVersion, err)
		}
		if err := sv.archive.SaveReport(ctx, rep); err != nil {
			log.Printf("archive report %s failed: %v", rep.CycleID, err)
		}
	}
	if sv.hub != nil {
		sv.hub.Broadcast(StreamFrame{Diff: d, Report: rep})
	}
}

// Get returns the diff that produced the given version, nil if evicted
// or unknown.
func (sv *Service) Get(afterVersion uint64) *Diff {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.diffs[afterVersion]
}

// Latest returns the most recent diff, nil if none recorded yet.
func (sv *Service) Latest() *Diff {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	if len(sv.order) == 0 {
		return nil
	}
	return sv.diffs[sv.order[len(sv.order)-1]]
}

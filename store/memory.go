// Package store holds the persistence backends: an archive of committed
// schedule versions, diffs and cycle reports (memory or Postgres), and a
// Redis-backed dedup index for the ingestor.
package store

import (
	"context"
	"sync"

	"github.com/aeroops/replan/engine"
	"github.com/aeroops/replan/schedule"
	"github.com/aeroops/replan/snapshot"
)

// MemoryArchive keeps archived state in process. Default backend when no
// Postgres DSN is configured; also used by tests.
type MemoryArchive struct {
	mu        sync.RWMutex
	snapshots map[uint64]*schedule.Schedule
	diffs     map[uint64]*snapshot.Diff
	reports   []engine.Report
}

// NewMemoryArchive initializes an empty archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		snapshots: make(map[uint64]*schedule.Schedule),
		diffs:     make(map[uint64]*snapshot.Diff),
	}
}

// SaveSnapshot retains a committed schedule keyed by version.
func (m *MemoryArchive) SaveSnapshot(_ context.Context, s *schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.Version] = s
	return nil
}

// SaveDiff retains a diff keyed by its after-version.
func (m *MemoryArchive) SaveDiff(_ context.Context, d *snapshot.Diff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diffs[d.AfterVersion] = d
	return nil
}

// SaveReport appends a cycle report.
func (m *MemoryArchive) SaveReport(_ context.Context, rep engine.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, rep)
	return nil
}

// GetSnapshot returns the archived schedule for a version, nil if absent.
func (m *MemoryArchive) GetSnapshot(_ context.Context, version uint64) (*schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshots[version], nil
}

// GetDiff returns the archived diff producing a version, nil if absent.
func (m *MemoryArchive) GetDiff(_ context.Context, afterVersion uint64) (*snapshot.Diff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.diffs[afterVersion], nil
}

// ListReports returns up to limit most recent reports, newest last.
func (m *MemoryArchive) ListReports(_ context.Context, limit int) ([]engine.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.reports)
	if limit > 0 && n > limit {
		return append([]engine.Report(nil), m.reports[n-limit:]...), nil
	}
	return append([]engine.Report(nil), m.reports...), nil
}

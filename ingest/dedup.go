package ingest

import (
	"context"
	"sync"
	"time"
)

// DedupIndex remembers the last arrival per dedup key so repeated
// predictor emissions inside the window collapse. Implementations exist
// in memory (here) and on Redis (store package).
type DedupIndex interface {
	// Touch records an arrival for key with the given TTL and returns
	// the previous arrival time, zero if none was recorded.
	Touch(ctx context.Context, key string, at time.Time, ttl time.Duration) (time.Time, error)
}

// MemoryDedup is the default single-process dedup index.
type MemoryDedup struct {
	mu      sync.Mutex
	entries map[string]dedupEntry
}

type dedupEntry struct {
	at      time.Time
	expires time.Time
}

// NewMemoryDedup returns an empty in-memory index.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{entries: make(map[string]dedupEntry)}
}

// Touch implements DedupIndex.
func (d *MemoryDedup) Touch(_ context.Context, key string, at time.Time, ttl time.Duration) (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var prev time.Time
	if e, ok := d.entries[key]; ok && at.Before(e.expires) {
		prev = e.at
	}
	d.entries[key] = dedupEntry{at: at, expires: at.Add(ttl)}

	// Opportunistic expiry sweep to keep the map bounded.
	if len(d.entries) > 4096 {
		for k, e := range d.entries {
			if at.After(e.expires) {
				delete(d.entries, k)
			}
		}
	}
	return prev, nil
}

package ingest

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Idle sources drop their bucket after this long, so one-off senders
// (ad-hoc ops tooling, test probes) don't accumulate forever.
const sourceIdleTTL = 10 * time.Minute

type sourceBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SourceLimiter rate-limits event ingestion per source key with one
// token bucket per source. A source that goes quiet loses its bucket
// and starts over with a full burst on return.
type SourceLimiter struct {
	mu      sync.Mutex
	buckets map[string]*sourceBucket
	r       rate.Limit
	b       int
	now     func() time.Time
}

// NewSourceLimiter creates a limiter allowing r events per second with
// burst b per source.
func NewSourceLimiter(r float64, b int) *SourceLimiter {
	return &SourceLimiter{
		buckets: make(map[string]*sourceBucket),
		r:       rate.Limit(r),
		b:       b,
		now:     time.Now,
	}
}

// Allow checks whether the source may submit another event now.
func (l *SourceLimiter) Allow(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bkt, exists := l.buckets[source]
	if !exists {
		l.prune(now)
		bkt = &sourceBucket{limiter: rate.NewLimiter(l.r, l.b)}
		l.buckets[source] = bkt
	}
	bkt.lastSeen = now
	return bkt.limiter.Allow()
}

// prune drops buckets idle beyond the TTL. Called with the lock held,
// only on the new-source path so the steady state pays nothing.
func (l *SourceLimiter) prune(now time.Time) {
	for key, bkt := range l.buckets {
		if now.Sub(bkt.lastSeen) > sourceIdleTTL {
			delete(l.buckets, key)
		}
	}
}

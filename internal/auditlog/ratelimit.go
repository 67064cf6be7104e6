package auditlog

import (
	"sync"
	"time"
)

// actorLimiter counts submissions per actor over a rolling window.
// Timestamps older than the window are pruned lazily on access and in bulk by
// Cleanup.
type actorLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[int64][]time.Time
}

func newActorLimiter(limit int, window time.Duration) *actorLimiter {
	return &actorLimiter{limit: limit, window: window, hits: map[int64][]time.Time{}}
}

// Allow records a submission at now and reports whether it fits the window.
func (l *actorLimiter) Allow(actorID int64, now time.Time) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	recent := prune(l.hits[actorID], now.Add(-l.window))
	if len(recent) >= l.limit {
		l.hits[actorID] = recent
		return false
	}
	l.hits[actorID] = append(recent, now)
	return true
}

// Limited counts actors currently at or above the limit.
func (l *actorLimiter) Limited(now time.Time) int {
	if l == nil || l.limit <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	count := 0
	for _, hits := range l.hits {
		if len(prune(hits, cutoff)) >= l.limit {
			count++
		}
	}
	return count
}

// Cleanup drops expired timestamps and forgets idle actors.
func (l *actorLimiter) Cleanup(now time.Time) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	for actor, hits := range l.hits {
		recent := prune(hits, cutoff)
		if len(recent) == 0 {
			delete(l.hits, actor)
			continue
		}
		l.hits[actor] = recent
	}
}

func (l *actorLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// prune keeps the timestamps after cutoff; hits are appended in time order.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(hits) && !hits[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return hits
	}
	return append(hits[:0:0], hits[idx:]...)
}

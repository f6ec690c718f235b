package runtime

import (
	"sync"
	"sync/atomic"
	"time"
)

type statRecord struct {
	at  time.Time
	hit bool
}

// statsLog keeps hit/miss records for a rolling window plus a lifetime
// counter of bytes served from cache.
type statsLog struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	records []statRecord
	saved   atomic.Uint64
}

type statsSnapshot struct {
	requests   int
	hits       int
	misses     int
	savedBytes uint64
}

func newStatsLog(window time.Duration, now func() time.Time) *statsLog {
	if window <= 0 {
		window = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &statsLog{window: window, now: now}
}

func (s *statsLog) record(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneLocked(now)
	s.records = append(s.records, statRecord{at: now, hit: hit})
}

func (s *statsLog) addSaved(n int) {
	if n > 0 {
		s.saved.Add(uint64(n))
	}
}

func (s *statsLog) snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	snap := statsSnapshot{requests: len(s.records), savedBytes: s.saved.Load()}
	for _, rec := range s.records {
		if rec.hit {
			snap.hits++
		} else {
			snap.misses++
		}
	}
	return snap
}

// pruneLocked drops records older than the window. Records are appended in
// time order, so the stale ones form a prefix.
func (s *statsLog) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	idx := 0
	for idx < len(s.records) && !s.records[idx].at.After(cutoff) {
		idx++
	}
	if idx == 0 {
		return
	}
	s.records = append(s.records[:0], s.records[idx:]...)
}

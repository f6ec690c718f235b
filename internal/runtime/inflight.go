package runtime

import "sync"

// inflightTable tracks one marker per cache key while its upstream fetch runs.
// tryAcquire is the only place a marker is created, so at most one fetch per
// key can be outstanding.
type inflightTable struct {
	mu      sync.Mutex
	markers map[string]chan struct{}
}

func newInflightTable() *inflightTable {
	return &inflightTable{markers: make(map[string]chan struct{})}
}

// tryAcquire registers a marker for key when none exists. On success the
// caller owns the fetch and must call release exactly once. Otherwise wait is
// closed when the current owner releases.
func (t *inflightTable) tryAcquire(key string) (release func(), wait <-chan struct{}, acquired bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.markers[key]; ok {
		return nil, existing, false
	}
	marker := make(chan struct{})
	t.markers[key] = marker
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if t.markers[key] == marker {
				delete(t.markers, key)
			}
			t.mu.Unlock()
			close(marker)
		})
	}, marker, true
}

func (t *inflightTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.markers)
}

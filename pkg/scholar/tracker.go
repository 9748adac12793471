package scholar

import (
	"sync"
	"time"
)

// SourceTracker counts recent failures per source and reports when a source
// should sit out the next retrieval round. Not a full circuit breaker, just
// time-windowed failure counting local to the process.
type SourceTracker struct {
	threshold int
	window    time.Duration

	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

// NewSourceTracker creates a tracker that skips a source after threshold
// failures within window.
func NewSourceTracker(threshold int, window time.Duration) *SourceTracker {
	return &SourceTracker{
		threshold: threshold,
		window:    window,
		failures:  make(map[string][]time.Time),
		now:       time.Now,
	}
}

// ShouldSkip reports whether the source has failed too often recently.
// Timestamps outside the window are dropped as a side effect.
func (t *SourceTracker) ShouldSkip(source string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.window)
	recent := t.failures[source][:0]
	for _, ts := range t.failures[source] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	t.failures[source] = recent
	return len(recent) >= t.threshold
}

// RecordFailure notes one failed retrieval for the source.
func (t *SourceTracker) RecordFailure(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[source] = append(t.failures[source], t.now())
}

// RecordSuccess clears the source's failure history.
func (t *SourceTracker) RecordSuccess(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, source)
}

// Reset clears all failure history. Useful for tests.
func (t *SourceTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = make(map[string][]time.Time)
}

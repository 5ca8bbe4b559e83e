package mcp

import (
	"sync"
	"time"
)

// recallTracker records recent epitome_recall calls so handleMemorize can
// detect when a caller skips the recall-before-memorize workflow and nudge
// them.
//
// The tracker is keyed on agentID with a configurable time window. If a
// recall was recorded within the window, WasRecalled returns true. This is
// an in-memory, per-process structure — it does not survive restarts, which
// is acceptable because the nudge is advisory, not a hard gate.
type recallTracker struct {
	mu      sync.Mutex
	recalls map[string]time.Time
	window  time.Duration // how long a recall is considered "recent"
}

func newRecallTracker(window time.Duration) *recallTracker {
	return &recallTracker{
		recalls: make(map[string]time.Time),
		window:  window,
	}
}

// Record notes that the given agent just recalled from the store.
func (t *recallTracker) Record(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recalls[agentID] = time.Now()

	// Lazy cleanup: if the map has grown large, purge stale entries to prevent
	// unbounded growth from many distinct agents over time.
	if len(t.recalls) > 1000 {
		t.purgeStale()
	}
}

// WasRecalled reports whether the given agent recalled within the configured
// time window.
func (t *recallTracker) WasRecalled(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.recalls[agentID]
	if !ok {
		return false
	}
	if time.Since(ts) > t.window {
		delete(t.recalls, agentID)
		return false
	}
	return true
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *recallTracker) purgeStale() {
	now := time.Now()
	for k, ts := range t.recalls {
		if now.Sub(ts) > t.window {
			delete(t.recalls, k)
		}
	}
}

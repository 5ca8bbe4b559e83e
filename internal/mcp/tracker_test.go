package mcp

import (
	"fmt"
	"testing"
	"time"
)

func TestRecallTracker_RecordAndCheck(t *testing.T) {
	tracker := newRecallTracker(time.Hour)

	// No recall yet.
	if tracker.WasRecalled("agent-1") {
		t.Fatal("expected WasRecalled to return false before any Record")
	}

	tracker.Record("agent-1")

	if !tracker.WasRecalled("agent-1") {
		t.Fatal("expected WasRecalled to return true after Record")
	}
}

func TestRecallTracker_DifferentAgents(t *testing.T) {
	tracker := newRecallTracker(time.Hour)

	tracker.Record("agent-1")

	// Different agent — should not count.
	if tracker.WasRecalled("agent-2") {
		t.Fatal("expected WasRecalled to return false for different agent")
	}
}

func TestRecallTracker_Expiry(t *testing.T) {
	// Use a very short window so entries expire immediately.
	tracker := newRecallTracker(time.Millisecond)

	tracker.Record("agent-1")
	time.Sleep(5 * time.Millisecond)

	if tracker.WasRecalled("agent-1") {
		t.Fatal("expected WasRecalled to return false after window expired")
	}
}

func TestRecallTracker_UpdateTimestamp(t *testing.T) {
	tracker := newRecallTracker(50 * time.Millisecond)

	tracker.Record("agent-1")
	time.Sleep(30 * time.Millisecond)

	// Re-record to refresh the timestamp.
	tracker.Record("agent-1")
	time.Sleep(30 * time.Millisecond)

	// Should still be valid because we refreshed.
	if !tracker.WasRecalled("agent-1") {
		t.Fatal("expected WasRecalled to return true after timestamp refresh")
	}
}

func TestRecallTracker_PurgeStale(t *testing.T) {
	// Insert enough entries to cross the purge threshold with timestamps we
	// control, then verify stale ones are removed. A generous sleep avoids
	// flaky failures on slow CI runners with -race overhead.
	tracker := newRecallTracker(50 * time.Millisecond)

	for i := 0; i < 1000; i++ {
		tracker.Record(fmt.Sprintf("agent-%d", i))
	}
	time.Sleep(100 * time.Millisecond)

	// The next Record crosses the size threshold and triggers purgeStale,
	// which should drop everything recorded before the sleep.
	tracker.Record("agent-fresh")

	tracker.mu.Lock()
	size := len(tracker.recalls)
	tracker.mu.Unlock()

	if size != 1 {
		t.Fatalf("expected 1 entry after purge, got %d", size)
	}
	if !tracker.WasRecalled("agent-fresh") {
		t.Fatal("expected fresh entry to survive the purge")
	}
}

package timer

import (
	"testing"

	"config"
)

func withReadTime(t *testing.T, now uint64) {
	t.Helper()
	prev := ReadTime
	ReadTime = func() uint64 { return now }
	t.Cleanup(func() { ReadTime = prev })
}

func TestGetTimeReadsTheCycleCounter(t *testing.T) {
	withReadTime(t, 12345)
	if got := GetTime(); got != 12345 {
		t.Fatalf("GetTime() = %d, want 12345", got)
	}
}

func TestGetTimeMsScalesByClockFreq(t *testing.T) {
	withReadTime(t, config.ClockFreq*3)
	if got := GetTimeMs(); got != 3000 {
		t.Fatalf("GetTimeMs() = %d, want 3000", got)
	}
}

func TestSetNextTriggerArmsOneTickAhead(t *testing.T) {
	withReadTime(t, 1000)
	var armed uint64
	prevSet := SetTimer
	SetTimer = func(stimeValue uint64) { armed = stimeValue }
	defer func() { SetTimer = prevSet }()

	SetNextTrigger()
	want := uint64(1000) + config.ClockFreq/config.TicksPerSec
	if armed != want {
		t.Fatalf("armed = %d, want %d", armed, want)
	}
}

func TestQueueDueAtReturnsOnlyExpiredEntriesInOrder(t *testing.T) {
	q := NewQueue()
	q.Add(300, "late")
	q.Add(100, "early")
	q.Add(200, "mid")

	due := q.DueAt(200)
	if len(due) != 2 {
		t.Fatalf("DueAt(200) returned %d entries, want 2", len(due))
	}
	if due[0] != "early" || due[1] != "mid" {
		t.Fatalf("DueAt(200) = %v, want [early mid] in expiry order", due)
	}

	due = q.DueAt(300)
	if len(due) != 1 || due[0] != "late" {
		t.Fatalf("DueAt(300) after draining earlier entries = %v, want [late]", due)
	}
}

func TestQueueDueAtLeavesUnexpiredEntriesQueued(t *testing.T) {
	q := NewQueue()
	q.Add(500, "far")
	if due := q.DueAt(100); len(due) != 0 {
		t.Fatalf("DueAt(100) = %v, want none due yet", due)
	}
	if due := q.DueAt(500); len(due) != 1 || due[0] != "far" {
		t.Fatalf("DueAt(500) = %v, want [far]", due)
	}
}

func TestQueueRemoveDropsOnlyMatchingTask(t *testing.T) {
	q := NewQueue()
	q.Add(100, "a")
	q.Add(100, "b")
	q.Remove("a")

	due := q.DueAt(100)
	if len(due) != 1 || due[0] != "b" {
		t.Fatalf("DueAt(100) after removing \"a\" = %v, want [b]", due)
	}
}

func TestQueueRemoveOnEmptyQueueIsANoOp(t *testing.T) {
	q := NewQueue()
	q.Remove("nothing")
	if due := q.DueAt(^uint64(0)); len(due) != 0 {
		t.Fatalf("DueAt on an empty queue returned %v, want none", due)
	}
}

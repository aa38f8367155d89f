// Package timer reads the RISC-V cycle counter, programs the next timer
// interrupt, and maintains the sleep queue woken on each tick. The actual
// `time` CSR read and SBI set_timer call are supplied by the runtime/sbi
// glue this package is linked against; timer only owns the arithmetic and
// the wait-heap bookkeeping.
package timer

import (
	"container/heap"
	"sync"

	"config"
)

// ReadTime is supplied by the boot glue: a read of the RISC-V `time` CSR.
var ReadTime func() uint64

// SetTimer is supplied by the boot glue (normally sbi.SetTimer): arms the
// next timer interrupt for the given absolute cycle count.
var SetTimer func(stimeValue uint64)

// GetTime returns the raw cycle counter value.
func GetTime() uint64 {
	return ReadTime()
}

// GetTimeMs returns the current time in milliseconds, scaled from the
// cycle counter by the board's clock frequency.
func GetTimeMs() uint64 {
	return GetTime() / (config.ClockFreq / config.MSecPerSec)
}

// SetNextTrigger arms the next timer interrupt ClockFreq/TicksPerSec
// cycles from now — a 10ms tick at the teaching kernel's default
// frequency.
func SetNextTrigger() {
	SetTimer(GetTime() + config.ClockFreq/config.TicksPerSec)
}

// sleepEntry is one pending wakeup: a task due at expireMs.
type sleepEntry struct {
	expireMs uint64
	task     any
	index    int
}

type sleepHeap []*sleepEntry

func (h sleepHeap) Len() int            { return len(h) }
func (h sleepHeap) Less(i, j int) bool  { return h[i].expireMs < h[j].expireMs }
func (h sleepHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *sleepHeap) Push(x any) {
	e := x.(*sleepEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *sleepHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is the min-heap of pending sleepers, keyed on expiry.
type Queue struct {
	mu sync.Mutex
	h  sleepHeap
}

// NewQueue returns an empty sleep queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Add schedules task to wake at expireMs.
func (q *Queue) Add(expireMs uint64, task any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, &sleepEntry{expireMs: expireMs, task: task})
}

// Remove drops every pending entry for task (used when a task exits or is
// woken by some other means before its sleep expires).
func (q *Queue) Remove(task any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.h[:0]
	for _, e := range q.h {
		if e.task != task {
			kept = append(kept, e)
		}
	}
	q.h = kept
	heap.Init(&q.h)
}

// DueAt pops and returns every task whose expiry is <= nowMs.
func (q *Queue) DueAt(nowMs uint64) []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []any
	for len(q.h) > 0 && q.h[0].expireMs <= nowMs {
		e := heap.Pop(&q.h).(*sleepEntry)
		due = append(due, e.task)
	}
	return due
}

// Package ksync provides the single-hart synchronization primitives the
// rest of the kernel is built on: an interior-mutability cell for the
// process-wide singletons, a spin mutex for the block cache, and the
// blocking mutex/semaphore/condvar the user-facing thread syscalls use.
// Everything here assumes one hart; the "concurrency" it provides is
// between a task's own control flow and the scheduler, not between
// simultaneously running harts.
package ksync

import "sync"

// UPSafeCell wraps a value that many call sites share a reference to but
// only one ever touches at a time, the same invariant biscuit's UPSafeCell
// equivalents (the package-wide singletons guarded by a plain Mutex) rely
// on in a true multi-hart kernel. Here Borrow additionally panics if the
// cell is already borrowed, to catch the single-hart version of the bug a
// real RefCell would catch: two overlapping exclusive views of the same
// state.
type UPSafeCell[T any] struct {
	mu       sync.Mutex
	borrowed bool
	inner    T
}

// NewUPSafeCell wraps value for single-hart exclusive access.
func NewUPSafeCell[T any](value T) *UPSafeCell[T] {
	return &UPSafeCell[T]{inner: value}
}

// Exclusive runs fn with an exclusive reference to the cell's contents,
// panicking if the cell is already borrowed (a reentrant call through the
// same singleton, which on a single hart always indicates a bug rather
// than legitimate contention).
func (c *UPSafeCell[T]) Exclusive(fn func(*T)) {
	c.mu.Lock()
	if c.borrowed {
		c.mu.Unlock()
		panic("ksync: UPSafeCell already borrowed")
	}
	c.borrowed = true
	c.mu.Unlock()

	fn(&c.inner)

	c.mu.Lock()
	c.borrowed = false
	c.mu.Unlock()
}

// MutexSpin is a boolean-flag lock for short critical sections where the
// caller must never block the scheduler — the block cache's own lock.
// Contention yields instead of sleeping.
type MutexSpin struct {
	mu     sync.Mutex
	locked bool
	yield  func()
}

// NewMutexSpin returns an unlocked spin mutex. yield is called on
// contention instead of busy-looping the hart; pass a no-op to spin
// tightly.
func NewMutexSpin(yield func()) *MutexSpin {
	if yield == nil {
		yield = func() {}
	}
	return &MutexSpin{yield: yield}
}

// Lock spins (yielding between attempts) until the flag is clear, then
// sets it.
func (m *MutexSpin) Lock() {
	for {
		m.mu.Lock()
		if !m.locked {
			m.locked = true
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.yield()
	}
}

// Unlock clears the flag.
func (m *MutexSpin) Unlock() {
	m.mu.Lock()
	m.locked = false
	m.mu.Unlock()
}

// Mutex is the Lock/Unlock surface both MutexSpin and MutexBlocking
// satisfy, letting a process's mutex_list hold either flavor behind one
// slot table without caring which one a given id names.
type Mutex interface {
	Lock()
	Unlock()
}

// Waitable is the subset of a task control block the blocking primitives
// need: enough to park a task and to wake it later without ksync importing
// ktask (which would cycle back through sync primitives ktask itself uses).
type Waitable interface{}

// Scheduler is the subset of sched's surface the blocking primitives need
// to suspend the calling task and to wake a specific one later.
type Scheduler interface {
	BlockCurrentAndRunNext(queue *[]Waitable)
	WakeOne(queue *[]Waitable) bool
}

var sched Scheduler

// Init installs the scheduler hook every blocking primitive suspends
// through. Must run before any MutexBlocking/Semaphore/Condvar is used.
func Init(s Scheduler) {
	sched = s
}

// MutexBlocking is a boolean flag plus a wait queue of parked tasks. On
// contention the caller blocks instead of spinning; Unlock wakes one
// waiter if any are queued, else clears the flag.
type MutexBlocking struct {
	mu     sync.Mutex
	locked bool
	queue  []Waitable
}

// NewMutexBlocking returns an unlocked blocking mutex.
func NewMutexBlocking() *MutexBlocking {
	return &MutexBlocking{}
}

// Lock blocks the calling task if the mutex is held, handing it to the
// scheduler's wait queue; it returns once this task holds the mutex.
func (m *MutexBlocking) Lock() {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	sched.BlockCurrentAndRunNext(&m.queue)
}

// Unlock wakes one queued waiter (handing it the lock) or, if none are
// waiting, clears the flag.
func (m *MutexBlocking) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sched.WakeOne(&m.queue) {
		return
	}
	m.locked = false
}

// Semaphore is a counter plus a wait queue. Down blocks when the
// post-decrement counter is negative; Up wakes one waiter if the
// post-increment counter is <= 0.
type Semaphore struct {
	mu    sync.Mutex
	count int
	queue []Waitable
}

// NewSemaphore returns a semaphore initialized to count.
func NewSemaphore(count int) *Semaphore {
	return &Semaphore{count: count}
}

// Down decrements the counter, blocking the caller if it goes negative.
func (s *Semaphore) Down() {
	s.mu.Lock()
	s.count--
	block := s.count < 0
	s.mu.Unlock()
	if block {
		sched.BlockCurrentAndRunNext(&s.queue)
	}
}

// Up increments the counter, waking one waiter if the new value is <= 0.
func (s *Semaphore) Up() {
	s.mu.Lock()
	s.count++
	wake := s.count <= 0
	s.mu.Unlock()
	if wake {
		sched.WakeOne(&s.queue)
	}
}

// Condvar is a wait queue associated with, but not owning, some
// MutexBlocking the caller holds around Wait.
type Condvar struct {
	queue []Waitable
}

// NewCondvar returns an empty condition variable.
func NewCondvar() *Condvar {
	return &Condvar{}
}

// Wait releases mutex, blocks the calling task on this condvar, and
// re-acquires mutex once woken.
func (c *Condvar) Wait(mutex *MutexBlocking) {
	mutex.Unlock()
	sched.BlockCurrentAndRunNext(&c.queue)
	mutex.Lock()
}

// Signal wakes one task waiting on this condvar, if any.
func (c *Condvar) Signal() {
	sched.WakeOne(&c.queue)
}

// Package sched is the FIFO ready queue and the "current task" bookkeeping
// that stands in for the teaching kernel's run_tasks/__switch pair. On
// real hardware those two assembly routines swap an entire kernel stack's
// register state; here there is only ever one Go call stack actively
// handling a trap at a time, so the same effect — "control now belongs to
// a different task" — is achieved purely by updating which TCB the
// processor singleton calls current and letting trap.Handle refetch its
// trap context afterward, exactly the no-coroutine-machinery property the
// original design relies on.
package sched

import (
	"sync"

	"defs"
	"fdtable"
	"ksync"
	"ktask"
	"prof"
	"timer"
	"trapctx"
)

var (
	mu           sync.Mutex
	ready        []*ktask.TCB
	current      *ktask.TCB
	sleepQ       = timer.NewQueue()
	dispatchedAt uint64
)

// recordDispatchLocked charges the task about to be switched away from
// (if any) for the ticks it held the CPU since it was last dispatched.
// Caller must hold mu.
func recordDispatchLocked(now uint64) {
	if current == nil {
		return
	}
	p := current.Process()
	prof.Default.Record(p.Pid, p.Name, int64(now-dispatchedAt))
}

// Init wires sched as the scheduler backend for the packages that need to
// suspend or wake a task without importing sched directly: ksync's
// blocking primitives and fdtable's blocking reads/writes.
func Init() {
	ksync.Init(schedulerAdapter{})
	fdtable.Yield = Yield
}

// AddReady pushes a freshly Ready task onto the queue. Exported as the
// concrete function ktask.Hooks.AddReady and scall's fork/thread_create
// handlers both bind to.
func AddReady(t *ktask.TCB) {
	mu.Lock()
	defer mu.Unlock()
	ready = append(ready, t)
}

// RemoveReady drops t from the queue if it is on it, a no-op otherwise.
// Used when a task exits before ever being dispatched again.
func RemoveReady(t *ktask.TCB) {
	mu.Lock()
	defer mu.Unlock()
	removeLocked(t)
}

func removeLocked(t *ktask.TCB) {
	for i, r := range ready {
		if r == t {
			ready = append(ready[:i], ready[i+1:]...)
			return
		}
	}
}

// Current returns the task now running, or nil if the processor is idle
// (nothing ready and nothing sleeping due).
func Current() *ktask.TCB {
	mu.Lock()
	defer mu.Unlock()
	return current
}

// CurrentTrapCtx is the concrete function trap.Hooks.CurrentTrapCtx binds
// to: the running task's trap context.
func CurrentTrapCtx() *trapctx.TrapContext {
	c := Current()
	if c == nil {
		panic("sched: CurrentTrapCtx with no task running")
	}
	return c.TrapCtx()
}

// wakeDueLocked moves every sleeper due by now from the sleep queue onto
// the ready queue. Called at the top of every reschedule point so a timer
// tick that lands exactly on a sleeper's expiry wakes it before the next
// dispatch decision.
func wakeDueLocked(now uint64) {
	for _, w := range sleepQ.DueAt(now) {
		t := w.(*ktask.TCB)
		t.Status = defs.Ready
		ready = append(ready, t)
	}
}

// scheduleNext wakes due sleepers, pops the head of the ready queue, marks
// it Running, and installs it as current. If the queue is empty, current
// becomes nil: every task is blocked or asleep and the processor is
// genuinely idle. Caller must hold mu.
func scheduleNext() {
	now := timer.GetTimeMs()
	recordDispatchLocked(now)
	wakeDueLocked(now)
	if len(ready) == 0 {
		current = nil
		return
	}
	next := ready[0]
	ready = ready[1:]
	next.Status = defs.Running
	current = next
	dispatchedAt = now
}

// RunTasks performs the very first dispatch at boot, picking whichever
// task AddReady has queued (normally initproc's main thread) as current.
// Every later handoff happens through SuspendCurrentAndRunNext,
// BlockCurrentAndRunNext, or ScheduleAway instead of a second call to
// RunTasks — this kernel never returns to an idle loop between tasks the
// way a true multi-hart scheduler must.
func RunTasks() {
	mu.Lock()
	defer mu.Unlock()
	scheduleNext()
}

// SuspendCurrentAndRunNext is trap.Hooks.SuspendCurrentAndRunNext and
// fdtable.Yield's shared implementation: the running task goes back to
// Ready at the tail of the queue, and the next Ready task (if any) becomes
// current.
func SuspendCurrentAndRunNext() {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		current.Status = defs.Ready
		ready = append(ready, current)
	}
	scheduleNext()
}

// Yield is the name fdtable.Yield and the blocking console/pipe primitives
// bind to; it is exactly SuspendCurrentAndRunNext under another name, for
// call sites that yield voluntarily rather than because of a syscall.
func Yield() { SuspendCurrentAndRunNext() }

// ScheduleAway is ktask.Hooks.ScheduleAway: the calling task has already
// been removed from the ready queue (by Exit, via RemoveReady) and is
// never coming back, so this only needs to pick whatever runs next.
func ScheduleAway() {
	mu.Lock()
	defer mu.Unlock()
	scheduleNext()
}

// ExitCurrentAndRunNext is trap.Hooks.ExitCurrentAndRunNext: terminate the
// running task with the given exit code.
func ExitCurrentAndRunNext(code int) {
	c := Current()
	if c == nil {
		panic("sched: ExitCurrentAndRunNext with no task running")
	}
	c.Exit(code)
}

// Sleep blocks the running task until GetTimeMs() reaches at least
// now+ms, via the sleep queue rather than a busy-yield loop.
func Sleep(ms uint64) {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		panic("sched: Sleep with no task running")
	}
	recordDispatchLocked(timer.GetTimeMs())
	current.Status = defs.Blocked
	sleepQ.Add(timer.GetTimeMs()+ms, current)
	current = nil
	scheduleNext()
}

// schedulerAdapter implements ksync.Scheduler over this package's ready
// queue, the seam ksync's MutexBlocking/Semaphore/Condvar block and wake
// through without importing sched (which would cycle back through ktask).
type schedulerAdapter struct{}

func (schedulerAdapter) BlockCurrentAndRunNext(queue *[]ksync.Waitable) {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		panic("sched: BlockCurrentAndRunNext with no task running")
	}
	recordDispatchLocked(timer.GetTimeMs())
	current.Status = defs.Blocked
	*queue = append(*queue, ksync.Waitable(current))
	current = nil
	scheduleNext()
}

func (schedulerAdapter) WakeOne(queue *[]ksync.Waitable) bool {
	mu.Lock()
	defer mu.Unlock()
	if len(*queue) == 0 {
		return false
	}
	w := (*queue)[0]
	*queue = (*queue)[1:]
	t := w.(*ktask.TCB)
	t.Status = defs.Ready
	ready = append(ready, t)
	return true
}

// Package trap dispatches on scause after a trap has been caught by the
// trampoline and landed in trap_handler. It owns none of the task,
// scheduler, or syscall state itself — those live in ktask, sched, and
// scall — so every effect it has on the rest of the kernel is expressed
// through the small set of hooks callers install with Init. This mirrors
// the capability-interface seam biscuit draws around its own trap entry
// (kernel/chentry and friends sit outside the polymorphic core), adapted
// here to break the trap/task/syscall import cycle the teaching kernel's
// single translation unit does not have to worry about.
package trap

import (
	"fmt"

	"defs"
	"trapctx"
)

// Hooks is the set of callbacks Init wires up once, at boot, after every
// package they touch (ktask, sched, scall, timer) has initialized its own
// singletons.
type Hooks struct {
	// Syscall dispatches syscall number id with the first three argument
	// registers and returns the value to place in a0.
	Syscall func(id int, args [3]uint64) uint64
	// ExitCurrentAndRunNext terminates the running task with the given
	// exit code and switches to the next ready task.
	ExitCurrentAndRunNext func(code int)
	// SuspendCurrentAndRunNext yields the running task back to Ready and
	// switches to the next one.
	SuspendCurrentAndRunNext func()
	// SetNextTrigger arms the next timer interrupt.
	SetNextTrigger func()
	// CurrentTrapCtx returns the trap context of the task now running.
	CurrentTrapCtx func() *trapctx.TrapContext
	// HandleSignals runs the per-process signal delivery check; called at
	// the tail of every trap before returning to user mode.
	HandleSignals func()
	// Log records a message for a user fault or an internal trap error,
	// without crashing the kernel (only Other causes panic).
	Log func(format string, args ...any)
}

var hooks Hooks

// Init installs the hook set. It must run after every package the hooks
// close over has finished its own boot-time initialization.
func Init(h Hooks) {
	hooks = h
}

// Cause classifies a raw scause CSR value (with the interrupt bit folded
// in by the caller) into the enum trap.Handle dispatches on. The concrete
// bit layout is architecture-defined and supplied by the runtime; this
// package only needs the classification, not the raw encoding.
type Cause = defs.Scause_t

// Handle is the kernel-side trap handler: trap_handler in the teaching
// kernel's source. It is called with the trap context of the faulting (or
// syscalling) task already addressable, and returns the trap context to
// resume with — ordinarily the same pointer, but exec and similar replace
// it wholesale in the caller.
func Handle(cause Cause, stval uint64) *trapctx.TrapContext {
	tc := hooks.CurrentTrapCtx()
	switch cause {
	case defs.UserEnvCall:
		tc.Sepc += 4
		id := int(tc.X[17]) // a7
		args := [3]uint64{tc.X[10], tc.X[11], tc.X[12]}
		before := tc
		ret := hooks.Syscall(id, args)
		// Syscall may have switched away entirely (exit) or rebuilt this
		// very trap context from scratch (exec, whose fresh a0/a1 must
		// survive as argc/argv rather than being overwritten by the
		// syscall's own return value). Only write back ret if the trap
		// context we started with is still the one now current.
		tc = hooks.CurrentTrapCtx()
		if tc == before {
			tc.X[10] = ret
		}
	case defs.StoreFault, defs.StorePageFault, defs.LoadFault, defs.LoadPageFault,
		defs.InstructionFault, defs.InstructionPageFault:
		hooks.Log("trap: memory fault, stval=0x%x, sepc=0x%x", stval, tc.Sepc)
		hooks.ExitCurrentAndRunNext(defs.ExitMemFault)
	case defs.IllegalInstruction:
		hooks.Log("trap: illegal instruction, sepc=0x%x", tc.Sepc)
		hooks.ExitCurrentAndRunNext(defs.ExitIllegalOp)
	case defs.SupervisorTimer:
		hooks.SetNextTrigger()
		hooks.SuspendCurrentAndRunNext()
	default:
		panic(fmt.Sprintf("trap: unsupported trap cause %v, stval=0x%x", cause, stval))
	}
	hooks.HandleSignals()
	return hooks.CurrentTrapCtx()
}

// StvecTarget names which of the two trap entry points stvec can point
// at: TrapFromKernel for traps taken in the kernel, Trampoline for traps
// taken from user mode through the trampoline's __alltraps.
type StvecTarget int

const (
	TrapFromKernel StvecTarget = iota
	Trampoline
)

// WriteStvec is supplied by the runtime/boot glue that actually owns the
// stvec CSR. Nothing in this package calls it: Handle leaves stvec as it
// finds it.
var WriteStvec func(target StvecTarget, va uint64)

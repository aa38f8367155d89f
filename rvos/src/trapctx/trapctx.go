// Package trapctx defines the two register-frame layouts the trap path
// moves between control flows: the trap context saved/restored across the
// U<->S boundary by the trampoline, and the task context __switch saves
// across two S-mode control flows. Both are plain structs with a fixed,
// assembly-compatible layout; the assembly itself (__alltraps, __restore,
// __switch) is supplied by the runtime this package is linked against, the
// same boundary biscuit draws around its runtime.Vtop/runtime.Cpuid hooks.
package trapctx

// TrapContext is the saved register image for one U<->S crossing. Its
// field order matches what __alltraps/__restore expect at fixed offsets
// from the trap-context page's base: x[0..32), then sstatus/sepc, then the
// three kernel-side fields the trampoline needs to find the kernel stack
// and handler without touching any page table other than the kernel's own.
type TrapContext struct {
	X             [32]uint64 // general registers x0..x31; x[2] is sp
	Sstatus       uint64
	Sepc          uint64
	KernelSatp    uint64
	KernelSp      uint64
	TrapHandler   uint64
}

// SetSp overwrites the saved stack pointer (x2), the register exec uses to
// push a fresh user stack and fork's child path leaves untouched.
func (tc *TrapContext) SetSp(sp uint64) {
	tc.X[2] = sp
}

// AppInit builds the initial trap context for a task about to enter user
// mode for the first time: PC at entry, sp at the user stack top,
// sstatus.SPP cleared to User, plus the kernel-side fields the trampoline
// needs to get back into the kernel on the next trap.
func AppInit(entry, sp, kernelSatp, kernelSp, trapHandler uint64) *TrapContext {
	return &TrapContext{
		Sepc:        entry,
		Sstatus:     sstatusUser(),
		KernelSatp:  kernelSatp,
		KernelSp:    kernelSp,
		TrapHandler: trapHandler,
		X:           [32]uint64{2: sp},
	}
}

// sstatusUser returns an sstatus image with SPP=User (bit 8 clear) and
// SPIE set (bit 5), the value rCore's teaching kernel primes every new
// task's saved status with so the first sret drops to U-mode with
// interrupts re-enabled.
func sstatusUser() uint64 {
	const sie = 1 << 5
	return sie
}

// TaskContext is the callee-saved register set __switch moves between two
// kernel-mode control flows: ra, sp, and s0..s11. It never touches user
// registers; those live only in TrapContext.
type TaskContext struct {
	Ra uint64
	Sp uint64
	S  [12]uint64
}

// GotoTrapReturn builds the task context for a freshly created task: when
// __switch first loads this context and returns, it "returns" into
// trap_return at kernelSp, the mechanism that turns a context switch into
// the first entry to user mode.
func GotoTrapReturn(kernelSp, trapReturnVa uint64) *TaskContext {
	return &TaskContext{Ra: trapReturnVa, Sp: kernelSp}
}

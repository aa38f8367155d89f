// Package ktask holds the process and task control blocks and the
// lifecycle operations that create, fork, exec, exit, and reap them. The
// ready queue and the idle scheduler loop that actually run TCBs live in
// package sched, which imports this package; to avoid the reverse import,
// every place this package needs to touch the scheduler (enqueuing a
// freshly created task, for instance) goes through a small hook installed
// by Init, the same seam package trap uses to call back into syscall
// dispatch without importing it.
package ktask

import (
	"bytes"
	"debug/elf"
	"fmt"
	"sync"
	"unsafe"

	"config"
	"defs"
	"fdtable"
	"ksync"
	"mem"
	"signal"
	"trapctx"
	"vmm"
)

// Hooks is the scheduler-facing seam this package calls through.
type Hooks struct {
	// AddReady pushes a freshly Ready task onto the scheduler's queue.
	AddReady func(*TCB)
	// RemoveReady drops a task from the ready queue if it is on it (used
	// when a task exits before ever running again).
	RemoveReady func(*TCB)
	// ScheduleAway suspends the calling control flow and switches to the
	// next task, returning once this task (if not exiting) is resumed.
	// Exit uses it to give up the CPU for good: the TCB is never put back
	// on any queue, so __switch never returns into this call.
	ScheduleAway func()
}

var hooks Hooks

// kernelSpace is the kernel's own address space, into which every kernel
// stack is mapped; trampolinePpn and trapHandlerVa are the two values
// every fresh trap context needs that ktask otherwise has no way to
// learn. kernelSatp is kernelSpace.Token(), cached since it never changes.
var (
	kernelSpace   *vmm.Set
	trampolinePpn mem.Ppn
	trapHandlerVa uint64
	kernelSatp    uint64
)

// Init wires the scheduler hooks and the boot-time singletons this
// package needs. It must run once, after the kernel address space and
// trampoline page exist and before the first PCB is created.
func Init(h Hooks, ks *vmm.Set, trampoline mem.Ppn, trapHandler uint64) {
	hooks = h
	kernelSpace = ks
	trampolinePpn = trampoline
	trapHandlerVa = trapHandler
	kernelSatp = ks.Token()
}

// recycleAllocator hands out small integer ids, bump-then-recycled-list,
// the same shape as mem's frame allocator applied to PIDs and TIDs
// instead of physical frames.
type recycleAllocator struct {
	mu       sync.Mutex
	cursor   int
	recycled []int
}

func (a *recycleAllocator) alloc() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.recycled); n > 0 {
		id := a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		return id
	}
	id := a.cursor
	a.cursor++
	return id
}

func (a *recycleAllocator) dealloc(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.recycled {
		if r == id {
			panic("ktask: double free of an allocated id")
		}
	}
	a.recycled = append(a.recycled, id)
}

var pidAllocator recycleAllocator

// pidTable maps every live PID to its PCB, for kill(2) and any other
// syscall that names a process by PID rather than reaching it through the
// parent/child tree. New, Fork, and the reaping half of Waitpid keep it
// in sync.
var (
	pidTableMu sync.Mutex
	pidTable   = map[int]*PCB{}
)

// Lookup returns the PCB for pid, if it is still alive.
func Lookup(pid int) (*PCB, bool) {
	pidTableMu.Lock()
	defer pidTableMu.Unlock()
	p, ok := pidTable[pid]
	return p, ok
}

func registerPid(p *PCB) {
	pidTableMu.Lock()
	pidTable[p.Pid] = p
	pidTableMu.Unlock()
}

func unregisterPid(pid int) {
	pidTableMu.Lock()
	delete(pidTable, pid)
	pidTableMu.Unlock()
}

// KernelStack is the framed kernel-space segment backing one task's
// kernel-mode execution, mapped at the deterministic VA its PID implies.
type KernelStack struct {
	pid int
}

// NewKernelStack maps a fresh kernel stack for pid into the kernel
// address space.
func NewKernelStack(pid int) *KernelStack {
	bottom, top := config.KernelStackPosition(pid)
	kernelSpace.InsertFramedArea(bottom, top, vmm.PermR|vmm.PermW)
	return &KernelStack{pid: pid}
}

// Top returns the kernel stack's initial (empty) stack pointer.
func (ks *KernelStack) Top() uint64 {
	_, top := config.KernelStackPosition(ks.pid)
	return top
}

// Drop unmaps the kernel stack, releasing its frames.
func (ks *KernelStack) Drop() {
	bottom, _ := config.KernelStackPosition(ks.pid)
	kernelSpace.RemoveAreaWithStartVpn(bottom)
}

// TCB is one task control block. The backing kernel stack and the owning
// PCB are fixed at creation; everything else is guarded by mu. Unlike the
// Rust original, the PCB back-pointer is a plain pointer, not a weak one:
// Go's garbage collector reclaims the PCB<->TCB reference cycle on its
// own, so nothing here needs the upgrade-or-fail dance Arc/Weak requires.
type TCB struct {
	Tid     int
	kstack  *KernelStack
	process *PCB

	mu        sync.Mutex
	Status    defs.Tstatus_t
	TaskCx    trapctx.TaskContext
	trapCxPpn mem.Ppn
	// ExitCode is set when Status becomes Zombie; Waittid reads it to
	// hand the caller a result and nil it afterward.
	ExitCode *int
}

// Process returns the PCB this task belongs to.
func (t *TCB) Process() *PCB { return t.process }

// TrapCtx returns the task's trap context, addressed directly through the
// kernel's identity map of physical memory.
func (t *TCB) TrapCtx() *trapctx.TrapContext {
	return trapCtxAt(t.trapCxPpn)
}

func trapCtxAt(ppn mem.Ppn) *trapctx.TrapContext {
	return (*trapctx.TrapContext)(unsafe.Pointer(&ppn.Bytes()[0]))
}

// PCB is one process control block: an immutable PID plus everything
// else behind mu, mirroring the single exclusive cell the spec's data
// model describes.
type PCB struct {
	Pid int
	// Name is the path the process was last exec'd from ("initproc" for
	// the very first one), used only for diagnostics: ps-style listings
	// and the scheduler sample profile in package prof.
	Name string

	mu       sync.Mutex
	Zombie   bool
	MemSet   *vmm.Set
	Parent   *PCB
	Children []*PCB
	ExitCode int
	Fds      *fdtable.Table
	Sig      *signal.State
	Tasks    []*TCB

	// ustackBase is the bottom of the main thread's user stack, one guard
	// page above the process's loaded ELF image; NewThread carves out one
	// stack slot per TID from here.
	ustackBase uint64
	// tidAllocator hands out TIDs within this process, separate from
	// the global pidAllocator: thread ids are only meaningful relative
	// to the process that owns them.
	tidAllocator recycleAllocator

	// Mutexes, Semaphores, and Condvars are the per-process slot tables
	// the 1010-1032 syscalls index into, nil holes marking freed slots
	// — the same shape fdtable.Table uses for descriptors.
	Mutexes    []ksync.Mutex
	Semaphores []*ksync.Semaphore
	Condvars   []*ksync.Condvar
}

// Lock/Unlock expose the PCB's exclusive cell directly to callers (scall,
// the trap path) that need to read or mutate several fields atomically.
func (p *PCB) Lock()   { p.mu.Lock() }
func (p *PCB) Unlock() { p.mu.Unlock() }

// MainTask returns tasks[0], the invariant-guaranteed main task.
func (p *PCB) MainTask() *TCB { return p.Tasks[0] }

func loadElfSegments(data []byte) (segs []vmm.ElfSegment, entry uint64) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		panic(fmt.Sprintf("ktask: not a valid ELF image: %v", err))
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		panic("ktask: only little-endian ELF64 images are supported")
	}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		var perm uint64
		if prog.Flags&elf.PF_R != 0 {
			perm |= vmm.PermR
		}
		if prog.Flags&elf.PF_W != 0 {
			perm |= vmm.PermW
		}
		if prog.Flags&elf.PF_X != 0 {
			perm |= vmm.PermX
		}
		buf := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(buf, 0); err != nil {
			panic(fmt.Sprintf("ktask: failed to read PT_LOAD segment: %v", err))
		}
		segs = append(segs, vmm.ElfSegment{
			Vaddr:  prog.Vaddr,
			Memsz:  prog.Memsz,
			Filesz: prog.Filesz,
			Data:   buf,
			Perm:   perm,
		})
	}
	return segs, f.Entry
}

func newMainTask(pcb *PCB, userSp, entry uint64) *TCB {
	kstack := NewKernelStack(pcb.Pid)
	trapCxPpn, ok := pcb.MemSet.PageTable().Translate(vpnOf(config.TrapContext))
	if !ok {
		panic("ktask: trap-context page missing from a freshly built address space")
	}
	t := &TCB{
		Tid:       0,
		kstack:    kstack,
		process:   pcb,
		Status:    defs.Ready,
		trapCxPpn: trapCxPpn.Ppn(),
	}
	*t.TrapCtx() = *trapctx.AppInit(entry, userSp, kernelSatp, kstack.Top(), trapHandlerVa)
	t.TaskCx = *trapctx.GotoTrapReturn(kstack.Top(), trapHandlerVa)
	return t
}

// New builds the first task of a brand-new process from an ELF image:
// §4.8's PCB::new. The returned PCB has a single Ready main task, not yet
// on the ready queue — callers (typically the boot sequence building
// initproc) must call AddReady(pcb.MainTask()) once they decide to. name
// is recorded for diagnostics only (ps-style listings, the scheduler
// sample profile) and plays no role in process identity.
func New(name string, elfData []byte) *PCB {
	segs, entry := loadElfSegments(elfData)
	result := vmm.FromElf(trampolinePpn, segs, entry)

	pcb := &PCB{
		Pid:        pidAllocator.alloc(),
		Name:       name,
		MemSet:     result.Set,
		Fds:        fdtable.NewInitial(),
		Sig:        signal.NewState(),
		ustackBase: result.UstackBase,
	}
	pcb.tidAllocator.alloc() // tid 0 belongs to the main task, reserved below
	task := newMainTask(pcb, result.UserSp, result.Entry)
	pcb.Tasks = []*TCB{task}
	registerPid(pcb)
	return pcb
}

func vpnOf(va uint64) uint64 { return va >> config.PageSizeBits }

// Fork clones the calling process's (single-task) address space and fd
// table into a new child process, per §4.8. The child's main task starts
// Ready but is not enqueued; the caller (scall's fork handler) enqueues it
// and arranges for the child's a0 to read 0.
func (p *PCB) Fork() *PCB {
	p.Lock()
	defer p.Unlock()
	if len(p.Tasks) != 1 {
		panic("ktask: fork only supported for single-task processes")
	}

	childSet := vmm.FromExistedUser(trampolinePpn, p.MemSet)
	child := &PCB{
		Pid:        pidAllocator.alloc(),
		Name:       p.Name,
		MemSet:     childSet,
		Parent:     p,
		Fds:        p.Fds.Clone(),
		Sig:        signal.NewState(),
		ustackBase: p.ustackBase,
	}
	child.tidAllocator.alloc()

	parentTrapVpn := vpnOf(config.TrapContext)
	pte, ok := childSet.PageTable().Translate(parentTrapVpn)
	if !ok {
		panic("ktask: cloned address space missing trap-context page")
	}
	kstack := NewKernelStack(child.Pid)
	childTask := &TCB{
		Tid:       0,
		kstack:    kstack,
		process:   child,
		Status:    defs.Ready,
		trapCxPpn: pte.Ppn(),
	}
	*childTask.TrapCtx() = *p.Tasks[0].TrapCtx()
	childTask.TrapCtx().KernelSp = kstack.Top()
	childTask.TaskCx = *trapctx.GotoTrapReturn(kstack.Top(), trapHandlerVa)

	child.Tasks = []*TCB{childTask}
	p.Children = append(p.Children, child)
	registerPid(child)
	return child
}

// NewThread adds a fresh task to p, running entry with argument arg in a0,
// on its own kernel stack, trap-context page, and user stack carved out of
// the process's shared address space at the slot its TID implies. The
// returned TCB is Ready but not yet enqueued — callers (scall's
// thread_create handler) enqueue it once the syscall itself returns.
func (p *PCB) NewThread(entry, arg uint64) *TCB {
	p.Lock()
	defer p.Unlock()

	tid := p.tidAllocator.alloc()
	trapCxVa := config.ThreadTrapContextPosition(tid)
	p.MemSet.InsertFramedArea(trapCxVa, trapCxVa+config.PageSize, vmm.PermR|vmm.PermW)
	ustackBottom, ustackTop := config.ThreadUserStackPosition(p.ustackBase, tid)
	p.MemSet.InsertFramedArea(ustackBottom, ustackTop, vmm.PermR|vmm.PermW|vmm.PermU)

	trapPte, ok := p.MemSet.PageTable().Translate(vpnOf(trapCxVa))
	if !ok {
		panic("ktask: freshly mapped thread trap-context page missing")
	}
	kstackID := pidAllocator.alloc()
	kstack := NewKernelStack(kstackID)

	t := &TCB{
		Tid:       tid,
		kstack:    kstack,
		process:   p,
		Status:    defs.Ready,
		trapCxPpn: trapPte.Ppn(),
	}
	*t.TrapCtx() = *trapctx.AppInit(entry, ustackTop, kernelSatp, kstack.Top(), trapHandlerVa)
	t.TrapCtx().X[10] = arg
	t.TaskCx = *trapctx.GotoTrapReturn(kstack.Top(), trapHandlerVa)
	p.Tasks = append(p.Tasks, t)
	return t
}

// TaskByTid returns the task with the given TID, if it still belongs to p.
func (p *PCB) TaskByTid(tid int) (*TCB, bool) {
	for _, t := range p.Tasks {
		if t.Tid == tid {
			return t, true
		}
	}
	return nil, false
}

// Waittid reaps the task with the given TID: -1 if it names the main
// thread or one that was never part of this process, -2 if it exists but
// has not exited yet, else its exit code. A reaped TID's slot is dropped
// from Tasks entirely — nothing else addresses threads by slice index.
func (p *PCB) Waittid(tid int) int {
	if tid == 0 {
		return -1
	}
	p.Lock()
	defer p.Unlock()

	idx := -1
	for i, t := range p.Tasks {
		if t.Tid == tid {
			idx = i
			break
		}
	}
	if idx < 0 {
		return -1
	}
	t := p.Tasks[idx]
	t.mu.Lock()
	exited := t.Status == defs.Zombie
	var code int
	if exited && t.ExitCode != nil {
		code = *t.ExitCode
	}
	t.mu.Unlock()
	if !exited {
		return -2
	}
	p.Tasks = append(p.Tasks[:idx], p.Tasks[idx+1:]...)
	return code
}

// Exec replaces the calling (single-task) process's address space with a
// fresh one built from elfData, per §4.8: argv is pushed onto the new
// user stack below a reserved, NULL-terminated pointer array, sp is
// aligned down to 8, and the trap context is rebuilt with a0=argc,
// a1=argv_base. path becomes the process's diagnostic Name.
func (p *PCB) Exec(path string, elfData []byte, argv []string) {
	p.Lock()
	defer p.Unlock()
	if len(p.Tasks) != 1 {
		panic("ktask: exec only supported for single-task processes")
	}

	segs, entry := loadElfSegments(elfData)
	result := vmm.FromElf(trampolinePpn, segs, entry)

	userSp := result.UserSp
	userSp -= uint64(len(argv)+1) * 8
	argvBase := userSp

	argvSlots := make([]uint64, len(argv)+1)
	stackCursor := argvBase
	for i := len(argv) - 1; i >= 0; i-- {
		stackCursor -= uint64(len(argv[i]) + 1)
		argvSlots[i] = stackCursor
	}
	if stackCursor < result.UstackBase {
		// argv strings ran past the bottom of the user stack; the
		// caller handed us more/longer arguments than the fresh stack
		// can hold.
		panic("ktask: argv too large for the user stack")
	}
	userSp = stackCursor
	userSp -= userSp % 8

	for i, s := range argv {
		writeUserBytes(result.Set, argvSlots[i], append([]byte(s), 0))
	}
	for i, slot := range argvSlots {
		var b [8]byte
		putU64(b[:], slot)
		writeUserBytes(result.Set, argvBase+uint64(i)*8, b[:])
	}

	p.MemSet.Drop()
	p.MemSet = result.Set
	p.ustackBase = result.UstackBase
	p.Name = path

	task := p.Tasks[0]
	task.kstack.Drop()
	task.kstack = NewKernelStack(p.Pid)
	pte, ok := result.Set.PageTable().Translate(vpnOf(config.TrapContext))
	if !ok {
		panic("ktask: exec's fresh address space missing trap-context page")
	}
	task.trapCxPpn = pte.Ppn()
	*task.TrapCtx() = *trapctx.AppInit(entry, userSp, kernelSatp, task.kstack.Top(), trapHandlerVa)
	task.TrapCtx().X[10] = uint64(len(argv))
	task.TrapCtx().X[11] = argvBase
	task.TaskCx = *trapctx.GotoTrapReturn(task.kstack.Top(), trapHandlerVa)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func writeUserBytes(set *vmm.Set, va uint64, data []byte) {
	written := 0
	for written < len(data) {
		pageVa := (va + uint64(written)) &^ (config.PageSize - 1)
		pte, ok := set.PageTable().Translate(pageVa >> config.PageSizeBits)
		if !ok {
			panic("ktask: write to unmapped user address during exec")
		}
		off := int((va + uint64(written)) & (config.PageSize - 1))
		n := config.PageSize - off
		if rem := len(data) - written; rem < n {
			n = rem
		}
		copy(pte.Ppn().Bytes()[off:off+n], data[written:written+n])
		written += n
	}
}

// initProc is the process §4.8 reparents orphans to on exit.
var initProc *PCB

// SetInitProc records the process every exiting task's children are
// reparented to.
func SetInitProc(p *PCB) { initProc = p }

// Exit marks the calling task's process a zombie (if it is the main
// task), records exitCode, reparents children to initProc, releases the
// address space's data pages, and switches away for good. The PCB itself
// survives until a parent's Waitpid reaps it, per §4.8 and the kernel
// stack retention policy in the Open Questions.
func (t *TCB) Exit(exitCode int) {
	p := t.process
	p.Lock()

	if t.Tid == 0 {
		p.Zombie = true
		p.ExitCode = exitCode

		if initProc != nil && p != initProc {
			for _, c := range p.Children {
				c.Lock()
				c.Parent = initProc
				c.Unlock()
				initProc.Lock()
				initProc.Children = append(initProc.Children, c)
				initProc.Unlock()
			}
		}
		p.Children = nil
		// The process becoming a zombie takes every sibling task's
		// kernel stack with it; only the main thread's stack survives
		// for Waitpid's caller-side bookkeeping below.
		for _, sib := range p.Tasks {
			if sib != t {
				sib.kstack.Drop()
			}
		}
		p.MemSet.Drop()
		p.Fds.CloseAll()
		p.Fds = nil
	} else {
		t.kstack.Drop()
	}

	code := exitCode
	t.mu.Lock()
	t.Status = defs.Zombie
	t.ExitCode = &code
	t.mu.Unlock()
	hooks.RemoveReady(t)

	p.Unlock()

	hooks.ScheduleAway()
}

// Waitpid implements §4.8: pid == -1 matches any child. Returns the
// matched child's PID and its exit code; found is false if no such child
// exists, and pending is true if a match exists but has not yet exited.
func (p *PCB) Waitpid(pid int) (childPid int, exitCode int, found bool, pending bool) {
	p.Lock()
	defer p.Unlock()

	matchIdx := -1
	anyMatch := false
	for i, c := range p.Children {
		if pid != -1 && c.Pid != pid {
			continue
		}
		anyMatch = true
		c.Lock()
		zombie := c.Zombie
		c.Unlock()
		if zombie {
			matchIdx = i
			break
		}
	}
	if !anyMatch {
		return 0, 0, false, false
	}
	if matchIdx < 0 {
		return 0, 0, false, true
	}

	child := p.Children[matchIdx]
	p.Children = append(p.Children[:matchIdx], p.Children[matchIdx+1:]...)
	child.Lock()
	childPid = child.Pid
	exitCode = child.ExitCode
	child.Unlock()
	// Every non-main task's kernel stack was already dropped when the
	// process became a zombie (Exit); only the main thread's survives
	// until this reap.
	child.MainTask().kstack.Drop()
	pidAllocator.dealloc(child.Pid)
	unregisterPid(child.Pid)
	return childPid, exitCode, true, false
}

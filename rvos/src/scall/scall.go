// Package scall is the syscall dispatch table trap.Hooks.Syscall binds to:
// argument translation through pgtbl's cross-address-space helpers, then a
// handler per syscall number drawn from the fs, process, and thread/sync
// surfaces. It is the one package that freely imports ktask, sched, vfs,
// fdtable, signal, and timer directly — unlike trap and ktask, nothing
// needs to call back into scall, so there is no hook seam to thread
// through here.
package scall

import (
	"defs"
	"fdtable"
	"ksync"
	"ktask"
	"pgtbl"
	"sched"
	"signal"
	"timer"
	"ustr"
	"vfs"
)

// Syscall numbers, matching the teaching kernel's ABI.
const (
	sysDup         = 24
	sysOpen        = 56
	sysClose       = 57
	sysPipe        = 59
	sysRead        = 63
	sysWrite       = 64
	sysExit        = 93
	sysYield       = 124
	sysKill        = 129
	sysSigaction   = 134
	sysSigprocmask = 135
	sysSigreturn   = 139
	sysGetTime     = 169
	sysGetpid      = 172
	sysFork        = 220
	sysExec        = 221
	sysWaitpid     = 260

	sysThreadCreate    = 1000
	sysGettid          = 1001
	sysWaittid         = 1002
	sysMutexCreate     = 1010
	sysMutexLock       = 1011
	sysMutexUnlock     = 1012
	sysSemaphoreCreate = 1020
	sysSemaphoreUp     = 1021
	sysSemaphoreDown   = 1022
	sysCondvarCreate   = 1030
	sysCondvarSignal   = 1031
	sysCondvarWait     = 1032
)

// root is the filesystem's root directory, the starting point for every
// path lookup open and exec perform. Init must run once, after the
// easy-fs image has been mounted and its root inode built.
var root *vfs.Inode

// Init records the mounted filesystem's root directory.
func Init(r *vfs.Inode) {
	root = r
}

// HandleSignals is trap.Hooks.HandleSignals: run the current process's
// pending-signal check, terminating the task on a kill outcome and
// spinning (suspend, recheck) while the process is stopped but not
// killed, the same loop the original signal-aware trap path uses.
func HandleSignals() {
	for {
		t, p := current()
		p.Lock()
		outcome := p.Sig.HandleSignals(t.TrapCtx())
		p.Unlock()
		if outcome.Kill {
			sched.ExitCurrentAndRunNext(-1)
			return
		}
		if !outcome.Suspend {
			return
		}
		sched.SuspendCurrentAndRunNext()
	}
}

func errRet(e defs.Err_t) uint64 {
	return uint64(int64(-e))
}

func negOne() uint64 { return uint64(int64(-1)) }
func negTwo() uint64 { return uint64(int64(-2)) }

// current returns the task and process the syscall is being made on
// behalf of.
func current() (*ktask.TCB, *ktask.PCB) {
	t := sched.Current()
	return t, t.Process()
}

// Dispatch is the function trap.Hooks.Syscall is bound to at boot.
func Dispatch(id int, args [3]uint64) uint64 {
	switch id {
	case sysDup:
		return sysDupImpl(args)
	case sysOpen:
		return sysOpenImpl(args)
	case sysClose:
		return sysCloseImpl(args)
	case sysPipe:
		return sysPipeImpl(args)
	case sysRead:
		return sysReadImpl(args)
	case sysWrite:
		return sysWriteImpl(args)
	case sysExit:
		sched.ExitCurrentAndRunNext(int(int32(args[0])))
		return 0
	case sysYield:
		sched.SuspendCurrentAndRunNext()
		return 0
	case sysKill:
		return sysKillImpl(args)
	case sysSigaction:
		return sysSigactionImpl(args)
	case sysSigprocmask:
		return sysSigprocmaskImpl(args)
	case sysSigreturn:
		return sysSigreturnImpl()
	case sysGetTime:
		return sysGetTimeImpl(args)
	case sysGetpid:
		_, p := current()
		return uint64(p.Pid)
	case sysFork:
		return sysForkImpl()
	case sysExec:
		return sysExecImpl(args)
	case sysWaitpid:
		return sysWaitpidImpl(args)
	case sysThreadCreate:
		return sysThreadCreateImpl(args)
	case sysGettid:
		t, _ := current()
		return uint64(t.Tid)
	case sysWaittid:
		return sysWaittidImpl(args)
	case sysMutexCreate:
		return sysMutexCreateImpl(args)
	case sysMutexLock:
		return sysMutexLockImpl(args)
	case sysMutexUnlock:
		return sysMutexUnlockImpl(args)
	case sysSemaphoreCreate:
		return sysSemaphoreCreateImpl(args)
	case sysSemaphoreUp:
		return sysSemaphoreUpImpl(args)
	case sysSemaphoreDown:
		return sysSemaphoreDownImpl(args)
	case sysCondvarCreate:
		return sysCondvarCreateImpl()
	case sysCondvarSignal:
		return sysCondvarSignalImpl(args)
	case sysCondvarWait:
		return sysCondvarWaitImpl(args)
	default:
		return errRet(defs.EINVAL)
	}
}

// --- fs surface --------------------------------------------------------

func sysDupImpl(args [3]uint64) uint64 {
	_, p := current()
	fd := p.Fds.Dup(int(args[0]))
	if fd < 0 {
		return errRet(defs.EBADF)
	}
	return uint64(fd)
}

func sysOpenImpl(args [3]uint64) uint64 {
	t, p := current()
	satp := t.Process().MemSet.Token()
	raw := pgtbl.TranslatedStr(satp, args[0])
	name := ustr.MkUstrFromString(raw)
	if !name.Valid() {
		return errRet(defs.ENAMETOOLONG)
	}
	flags := int(args[1])

	ino, found := root.Find(name.String())
	if !found {
		if flags&defs.OCREATE == 0 {
			return errRet(defs.ENOENT)
		}
		var ok bool
		ino, ok = root.Create(name.String())
		if !ok {
			return errRet(defs.EEXIST)
		}
	} else if flags&(defs.OTRUNC|defs.OCREATE) != 0 {
		ino.Clear()
	}

	readable := flags&defs.OWRONLY == 0
	writable := flags&(defs.OWRONLY|defs.ORDWR) != 0
	fd := p.Fds.Alloc(fdtable.OpenInode(ino, readable, writable))
	return uint64(fd)
}

func sysCloseImpl(args [3]uint64) uint64 {
	_, p := current()
	if !p.Fds.Close(int(args[0])) {
		return errRet(defs.EBADF)
	}
	return 0
}

type pipeFds struct{ Read, Write uint32 }

func sysPipeImpl(args [3]uint64) uint64 {
	t, p := current()
	satp := t.Process().MemSet.Token()
	r, w := fdtable.NewPipe()
	readFd := p.Fds.Alloc(r)
	writeFd := p.Fds.Alloc(w)
	out := pgtbl.TranslatedRef[pipeFds](satp, args[0])
	out.Read = uint32(readFd)
	out.Write = uint32(writeFd)
	return 0
}

// gatherUser concatenates a possibly multi-fragment user buffer into one
// contiguous slice, for File_i implementations that read/write through a
// single []byte.
func gatherUser(satp uint64, ptr uint64, length int) []byte {
	frags := pgtbl.TranslatedByteBuffer(satp, ptr, length)
	if len(frags) == 1 {
		return frags[0]
	}
	buf := make([]byte, 0, length)
	for _, f := range frags {
		buf = append(buf, f...)
	}
	return buf
}

func scatterUser(satp uint64, ptr uint64, length int, data []byte) {
	frags := pgtbl.TranslatedByteBuffer(satp, ptr, length)
	off := 0
	for _, f := range frags {
		n := copy(f, data[off:])
		off += n
	}
}

func sysReadImpl(args [3]uint64) uint64 {
	t, p := current()
	f := p.Fds.Get(int(args[0]))
	if f == nil || !f.Readable() {
		return errRet(defs.EBADF)
	}
	satp := t.Process().MemSet.Token()
	length := int(args[2])
	buf := make([]byte, length)
	n := f.Read(buf)
	scatterUser(satp, args[1], n, buf[:n])
	return uint64(n)
}

func sysWriteImpl(args [3]uint64) uint64 {
	t, p := current()
	f := p.Fds.Get(int(args[0]))
	if f == nil || !f.Writable() {
		return errRet(defs.EBADF)
	}
	satp := t.Process().MemSet.Token()
	data := gatherUser(satp, args[1], int(args[2]))
	n := f.Write(data)
	return uint64(n)
}

// --- process surface -----------------------------------------------------

func sysKillImpl(args [3]uint64) uint64 {
	pid := int(args[0])
	sig := int(args[1])
	target, ok := ktask.Lookup(pid)
	if !ok {
		return errRet(defs.ESRCH)
	}
	target.Lock()
	target.Sig.Raise(sig)
	target.Unlock()
	return 0
}

type userSignalAction struct {
	Handler uint64
	Mask    uint32
	_       uint32
}

func sysSigactionImpl(args [3]uint64) uint64 {
	signum := int(args[0])
	if signum < 0 || signum >= signal.NumSig || signum == signal.SigKill || signum == signal.SigStop {
		return errRet(defs.EINVAL)
	}
	t, p := current()
	satp := t.Process().MemSet.Token()
	p.Lock()
	defer p.Unlock()
	if args[2] != 0 {
		old := pgtbl.TranslatedRef[userSignalAction](satp, args[2])
		old.Handler = p.Sig.Actions[signum].HandlerVa
		old.Mask = p.Sig.Actions[signum].Mask
	}
	if args[1] != 0 {
		act := pgtbl.TranslatedRef[userSignalAction](satp, args[1])
		p.Sig.Actions[signum] = signal.Action{HandlerVa: act.Handler, Mask: act.Mask}
	}
	return 0
}

func sysSigprocmaskImpl(args [3]uint64) uint64 {
	_, p := current()
	p.Lock()
	defer p.Unlock()
	old := p.Sig.Mask
	p.Sig.Mask = uint32(args[0])
	return uint64(old)
}

func sysSigreturnImpl() uint64 {
	t, p := current()
	tc := t.TrapCtx()
	p.Lock()
	defer p.Unlock()
	if p.Sig.TrapCtxBackup == nil {
		return errRet(defs.EINVAL)
	}
	p.Sig.Sigreturn(tc)
	return tc.X[10]
}

type userTimeVal struct {
	Sec, Usec uint64
}

func sysGetTimeImpl(args [3]uint64) uint64 {
	t, _ := current()
	satp := t.Process().MemSet.Token()
	ms := timer.GetTimeMs()
	if args[0] != 0 {
		tv := pgtbl.TranslatedRef[userTimeVal](satp, args[0])
		tv.Sec = ms / 1000
		tv.Usec = (ms % 1000) * 1000
	}
	return 0
}

func sysForkImpl() uint64 {
	_, p := current()
	child := p.Fork()
	child.MainTask().TrapCtx().X[10] = 0
	sched.AddReady(child.MainTask())
	return uint64(child.Pid)
}

func readArgv(satp uint64, argvPtr uint64) []string {
	var argv []string
	for i := 0; ; i++ {
		slot := pgtbl.TranslatedRef[uint64](satp, argvPtr+uint64(i)*8)
		if *slot == 0 {
			break
		}
		argv = append(argv, pgtbl.TranslatedStr(satp, *slot))
	}
	return argv
}

func loadElfFile(path string) ([]byte, bool) {
	ino, ok := root.Find(path)
	if !ok {
		return nil, false
	}
	size := int(ino.Size())
	buf := make([]byte, size)
	ino.ReadAt(0, buf)
	return buf, true
}

func sysExecImpl(args [3]uint64) uint64 {
	t, p := current()
	satp := t.Process().MemSet.Token()
	path := pgtbl.TranslatedStr(satp, args[0])
	argv := readArgv(satp, args[1])

	elfData, ok := loadElfFile(path)
	if !ok {
		return errRet(defs.ENOENT)
	}
	p.Exec(path, elfData, argv)
	return uint64(len(argv))
}

func sysWaitpidImpl(args [3]uint64) uint64 {
	t, p := current()
	satp := t.Process().MemSet.Token()
	pid := int(int32(args[0]))
	childPid, exitCode, found, pending := p.Waitpid(pid)
	if !found {
		return negOne()
	}
	if pending {
		return negTwo()
	}
	if args[1] != 0 {
		status := pgtbl.TranslatedRef[int32](satp, args[1])
		*status = int32(exitCode&0xff) << 8
	}
	return uint64(childPid)
}

// --- thread & sync surface ----------------------------------------------

func sysThreadCreateImpl(args [3]uint64) uint64 {
	_, p := current()
	t := p.NewThread(args[0], args[1])
	sched.AddReady(t)
	return uint64(t.Tid)
}

func sysWaittidImpl(args [3]uint64) uint64 {
	_, p := current()
	return uint64(int64(p.Waittid(int(args[0]))))
}

func sysMutexCreateImpl(args [3]uint64) uint64 {
	_, p := current()
	p.Lock()
	defer p.Unlock()
	var m ksync.Mutex
	if args[0] != 0 {
		m = ksync.NewMutexBlocking()
	} else {
		m = ksync.NewMutexSpin(sched.Yield)
	}
	for i, s := range p.Mutexes {
		if s == nil {
			p.Mutexes[i] = m
			return uint64(i)
		}
	}
	p.Mutexes = append(p.Mutexes, m)
	return uint64(len(p.Mutexes) - 1)
}

func sysMutexLockImpl(args [3]uint64) uint64 {
	_, p := current()
	p.Mutexes[int(args[0])].Lock()
	return 0
}

func sysMutexUnlockImpl(args [3]uint64) uint64 {
	_, p := current()
	p.Mutexes[int(args[0])].Unlock()
	return 0
}

func sysSemaphoreCreateImpl(args [3]uint64) uint64 {
	_, p := current()
	p.Lock()
	defer p.Unlock()
	s := ksync.NewSemaphore(int(args[0]))
	for i, slot := range p.Semaphores {
		if slot == nil {
			p.Semaphores[i] = s
			return uint64(i)
		}
	}
	p.Semaphores = append(p.Semaphores, s)
	return uint64(len(p.Semaphores) - 1)
}

func sysSemaphoreUpImpl(args [3]uint64) uint64 {
	_, p := current()
	p.Semaphores[int(args[0])].Up()
	return 0
}

func sysSemaphoreDownImpl(args [3]uint64) uint64 {
	_, p := current()
	p.Semaphores[int(args[0])].Down()
	return 0
}

func sysCondvarCreateImpl() uint64 {
	_, p := current()
	p.Lock()
	defer p.Unlock()
	c := ksync.NewCondvar()
	for i, slot := range p.Condvars {
		if slot == nil {
			p.Condvars[i] = c
			return uint64(i)
		}
	}
	p.Condvars = append(p.Condvars, c)
	return uint64(len(p.Condvars) - 1)
}

func sysCondvarSignalImpl(args [3]uint64) uint64 {
	_, p := current()
	p.Condvars[int(args[0])].Signal()
	return 0
}

func sysCondvarWaitImpl(args [3]uint64) uint64 {
	_, p := current()
	mutex, ok := p.Mutexes[int(args[1])].(*ksync.MutexBlocking)
	if !ok {
		return errRet(defs.EINVAL)
	}
	p.Condvars[int(args[0])].Wait(mutex)
	return 0
}

// Package fdtable is the file-descriptor glue between syscalls and the
// three concrete things a descriptor can name: an Easy-FS inode, a pipe
// end, or a console end. It plays the role biscuit's fd package plays
// between fdops.Fdops_i and the filesystem, narrowed to this kernel's
// fixed set of file kinds.
package fdtable

import "vfs"

// File_i is the capability every open file descriptor implements: a
// File-like surface over OSInode, Pipe, and the two console ends, as
// spec's design notes call out as one of the kernel's two polymorphic
// boundaries.
type File_i interface {
	Readable() bool
	Writable() bool
	// Read copies into buf, blocking the calling task (by yielding and
	// retrying) until at least one byte is available or no more can ever
	// arrive. It returns the number of bytes copied.
	Read(buf []byte) int
	// Write copies from buf, blocking while the destination is full. It
	// returns the number of bytes copied.
	Write(buf []byte) int
}

// Yield is supplied by sched: the blocking primitives below call it to
// give up the CPU for one round before re-checking their condition.
var Yield func()

// OSInode is an Easy-FS file opened for reading and/or writing, tracking
// its own byte offset.
type OSInode struct {
	readable, writable bool
	offset             int
	inode              *vfs.Inode
}

// OpenInode wraps an Easy-FS inode as an open file with the given access
// mode.
func OpenInode(inode *vfs.Inode, readable, writable bool) *OSInode {
	return &OSInode{readable: readable, writable: writable, inode: inode}
}

func (f *OSInode) Readable() bool { return f.readable }
func (f *OSInode) Writable() bool { return f.writable }

// Read reads from the current offset, advancing it by the number of
// bytes actually read. Files never block: a read past end of file simply
// returns 0.
func (f *OSInode) Read(buf []byte) int {
	n := f.inode.ReadAt(f.offset, buf)
	f.offset += n
	return n
}

// Write writes at the current offset, advancing it and growing the file
// as needed.
func (f *OSInode) Write(buf []byte) int {
	n := f.inode.WriteAt(f.offset, buf)
	f.offset += n
	return n
}

// ReadByte is supplied by the console/SBI glue: returns -1 if no byte is
// currently available.
var ReadByte func() int

// WriteByte is supplied by the console/SBI glue.
var WriteByte func(byte)

// Stdin is the console's read end: fd 0 in every process's initial table.
type Stdin struct{}

func (Stdin) Readable() bool { return true }
func (Stdin) Writable() bool { return false }

// Read blocks (yielding) until one byte is available, then returns
// exactly that one byte — matching the teaching kernel's stdin, which
// never buffers more than the single character the SBI console hands back
// per poll.
func (Stdin) Read(buf []byte) int {
	if len(buf) == 0 {
		return 0
	}
	for {
		c := ReadByte()
		if c >= 0 {
			buf[0] = byte(c)
			return 1
		}
		Yield()
	}
}

func (Stdin) Write(buf []byte) int {
	panic("fdtable: write to stdin")
}

// Stdout is the console's write end: fds 1 and 2 (stderr aliases stdout)
// in every process's initial table.
type Stdout struct{}

func (Stdout) Readable() bool { return false }
func (Stdout) Writable() bool { return true }

func (Stdout) Read(buf []byte) int {
	panic("fdtable: read from stdout")
}

func (Stdout) Write(buf []byte) int {
	for _, b := range buf {
		WriteByte(b)
	}
	return len(buf)
}

// ringSize is the pipe's fixed capacity.
const ringSize = 32

// ring is the buffer shared by both ends of one pipe. Unlike the source
// this is grounded on, it is not behind a weak/strong split: Go's garbage
// collector reclaims the read-end/write-end/ring cycle on its own, so
// "all writers gone" is tracked with a plain open-writer count instead of
// an upgradeable weak pointer.
type ring struct {
	buf          [ringSize]byte
	head, tail   int
	full         bool
	writersOpen  int
}

func (r *ring) availableRead() int {
	if r.full {
		return ringSize
	}
	if r.tail >= r.head {
		return r.tail - r.head
	}
	return ringSize - r.head + r.tail
}

func (r *ring) availableWrite() int {
	return ringSize - r.availableRead()
}

func (r *ring) readByte() byte {
	b := r.buf[r.head]
	r.head = (r.head + 1) % ringSize
	r.full = false
	return b
}

func (r *ring) writeByte(b byte) {
	r.buf[r.tail] = b
	r.tail = (r.tail + 1) % ringSize
	if r.tail == r.head {
		r.full = true
	}
}

// PipeReadEnd is the read side of a pipe.
type PipeReadEnd struct{ r *ring }

// PipeWriteEnd is the write side of a pipe.
type PipeWriteEnd struct{ r *ring }

// NewPipe creates a connected pipe pair.
func NewPipe() (*PipeReadEnd, *PipeWriteEnd) {
	r := &ring{writersOpen: 1}
	return &PipeReadEnd{r: r}, &PipeWriteEnd{r: r}
}

func (PipeReadEnd) Readable() bool  { return true }
func (PipeReadEnd) Writable() bool  { return false }
func (PipeWriteEnd) Readable() bool { return false }
func (PipeWriteEnd) Writable() bool { return true }

// Read blocks while the ring is empty and at least one writer is still
// open; once every writer has closed, it returns the bytes available
// (possibly zero) without blocking further.
func (p *PipeReadEnd) Read(buf []byte) int {
	for {
		if p.r.availableRead() > 0 || p.r.writersOpen == 0 {
			break
		}
		Yield()
	}
	n := 0
	for n < len(buf) && p.r.availableRead() > 0 {
		buf[n] = p.r.readByte()
		n++
	}
	return n
}

func (PipeReadEnd) Write(buf []byte) int {
	panic("fdtable: write to a pipe read end")
}

func (PipeWriteEnd) Read(buf []byte) int {
	panic("fdtable: read from a pipe write end")
}

// Write blocks while the ring is full, then writes as many bytes as fit
// in one non-blocking pass (matching the teaching kernel's write, which
// writes what it can each time it wakes rather than looping to fill buf
// completely in one blocking call).
func (p *PipeWriteEnd) Write(buf []byte) int {
	for p.r.availableWrite() == 0 {
		Yield()
	}
	n := 0
	for n < len(buf) && p.r.availableWrite() > 0 {
		p.r.writeByte(buf[n])
		n++
	}
	return n
}

// Close marks this write end closed. Once every write end sharing the
// ring has closed, blocked and future readers drain what remains and
// then return zero.
func (p *PipeWriteEnd) Close() {
	if p.r.writersOpen > 0 {
		p.r.writersOpen--
	}
}

// ref records that another descriptor now aliases this write end (dup,
// fork), so Close must be called once per alias before readers see "all
// writers gone".
func (p *PipeWriteEnd) ref() { p.r.writersOpen++ }

// Table is one process's file-descriptor table: a slice of slots, nil
// where the descriptor is free.
type Table struct {
	slots []File_i
}

// NewInitial returns the fd table every new process starts with:
// [stdin, stdout, stdout] (stderr aliases stdout).
func NewInitial() *Table {
	return &Table{slots: []File_i{Stdin{}, Stdout{}, Stdout{}}}
}

// Alloc installs f in the lowest free slot and returns its fd.
func (t *Table) Alloc(f File_i) int {
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = f
			return i
		}
	}
	t.slots = append(t.slots, f)
	return len(t.slots) - 1
}

// Get returns the file at fd, or nil if the slot is out of range or
// empty.
func (t *Table) Get(fd int) File_i {
	if fd < 0 || fd >= len(t.slots) {
		return nil
	}
	return t.slots[fd]
}

// referencer is implemented by File_i kinds that must know how many open
// descriptors alias them; only PipeWriteEnd does, so Close's "all writers
// gone" signal isn't tripped early by a dup'd or fork-inherited fd.
type referencer interface {
	ref()
}

// Dup installs the file already open at fd into the lowest free slot,
// returning the new fd, or -1 if fd names no open file.
func (t *Table) Dup(fd int) int {
	f := t.Get(fd)
	if f == nil {
		return -1
	}
	if r, ok := f.(referencer); ok {
		r.ref()
	}
	return t.Alloc(f)
}

// closer is implemented by File_i kinds that must notify a shared peer
// when this descriptor's end of it goes away; only PipeWriteEnd does, so
// a blocked reader can detect "all writers gone".
type closer interface {
	Close()
}

// Close frees fd, returning false if it was already empty or out of
// range. If the underlying file tracks peer-visible closure (a pipe
// write end), that is invoked first.
func (t *Table) Close(fd int) bool {
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return false
	}
	if c, ok := t.slots[fd].(closer); ok {
		c.Close()
	}
	t.slots[fd] = nil
	return true
}

// CloseAll closes every occupied slot, the fd-table half of process exit:
// every pipe write end this process held is marked closed so blocked
// readers elsewhere can observe "all writers gone" even though the
// process never called close(2) on it explicitly.
func (t *Table) CloseAll() {
	for i := range t.slots {
		if t.slots[i] == nil {
			continue
		}
		if c, ok := t.slots[i].(closer); ok {
			c.Close()
		}
		t.slots[i] = nil
	}
}

// Clone copies every occupied slot into a new table, the fork semantics:
// both tables then share the same File_i values (the underlying inode,
// pipe ring, or console end), matching the source's Arc-cloned fd_table.
func (t *Table) Clone() *Table {
	nt := &Table{slots: make([]File_i, len(t.slots))}
	copy(nt.slots, t.slots)
	for _, f := range nt.slots {
		if f == nil {
			continue
		}
		if r, ok := f.(referencer); ok {
			r.ref()
		}
	}
	return nt
}

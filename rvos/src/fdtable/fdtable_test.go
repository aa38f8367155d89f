package fdtable

import "testing"

func withYield(t *testing.T, max int) func() {
	t.Helper()
	calls := 0
	return func() {
		calls++
		if calls > max {
			t.Fatal("Yield called more times than the test expected; a blocking operation never became ready")
		}
	}
}

func TestPipeReadWriteInOrder(t *testing.T) {
	Yield = withYield(t, 1000)
	r, w := NewPipe()

	n := w.Write([]byte("hello"))
	if n != 5 {
		t.Fatalf("Write returned %d, want 5", n)
	}
	buf := make([]byte, 5)
	n = r.Read(buf)
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("Read = %q (%d bytes), want %q", buf, n, "hello")
	}
}

func TestPipeWriteBlocksWhileFull(t *testing.T) {
	// This kernel's blocking primitives only ever run one control flow at
	// a time: a blocked Write yields, some other task runs and drains the
	// ring, and the same Write call re-checks its condition on the next
	// poll. Yield below plays that other task's part directly, with no
	// goroutines, matching how the real scheduler would interleave it.
	r, w := NewPipe()
	full := make([]byte, ringSize)
	w.Write(full)

	yields := 0
	Yield = func() {
		yields++
		if yields == 1 {
			r.Read(make([]byte, 1)) // frees exactly one byte of room
		}
		if yields > 10 {
			t.Fatal("Write still blocked after the ring had room")
		}
	}

	n := w.Write([]byte{0x99})
	if n != 1 {
		t.Fatalf("Write after the ring freed a byte = %d, want 1", n)
	}
	if yields == 0 {
		t.Fatal("Write into a full ring should have yielded before succeeding")
	}
}

func TestPipeReadReturnsBytesSoFarAfterAllWritersClose(t *testing.T) {
	Yield = withYield(t, 1000)
	r, w := NewPipe()

	w.Write([]byte("ab"))
	w.Close()

	buf := make([]byte, 10)
	n := r.Read(buf)
	if n != 2 || string(buf[:2]) != "ab" {
		t.Fatalf("Read after writer close = %q (%d bytes), want %q", buf[:n], n, "ab")
	}

	// A second read with nothing left and no writers should return 0
	// immediately rather than blocking forever.
	n = r.Read(buf)
	if n != 0 {
		t.Fatalf("Read on an empty, writer-less pipe returned %d, want 0", n)
	}
}

func TestDupSharesTheSameWriteEnd(t *testing.T) {
	Yield = withYield(t, 1000)
	r, w := NewPipe()

	table := &Table{}
	fd := table.Alloc(w)
	dupFd := table.Dup(fd)
	if dupFd < 0 {
		t.Fatal("Dup of a valid fd should succeed")
	}

	// Closing only the original fd must not signal "all writers gone":
	// the dup'd descriptor still aliases the same write end.
	table.Close(fd)
	w.Write([]byte("x")) // must not panic or behave as if closed

	buf := make([]byte, 1)
	n := r.Read(buf)
	if n != 1 || buf[0] != 'x' {
		t.Fatalf("Read after closing one of two aliasing fds = %q (%d), want 'x'", buf, n)
	}

	table.Close(dupFd)
	// Now every alias is closed; a blocked reader must see EOF.
	n = r.Read(make([]byte, 1))
	if n != 0 {
		t.Fatalf("Read after closing every write-end alias = %d, want 0", n)
	}
}

func TestCloneSharesAndRefCountsWriteEnds(t *testing.T) {
	Yield = withYield(t, 1000)
	r, w := NewPipe()

	table := &Table{}
	fd := table.Alloc(w)
	clone := table.Clone()

	table.Close(fd)
	// The clone's copy of the descriptor still keeps the pipe open.
	clone.Get(fd).(*PipeWriteEnd).Write([]byte("y"))

	buf := make([]byte, 1)
	if n := r.Read(buf); n != 1 || buf[0] != 'y' {
		t.Fatalf("Read after original table closed its fd = %q (%d), want 'y'", buf, n)
	}

	clone.Close(fd)
	if n := r.Read(make([]byte, 1)); n != 0 {
		t.Fatalf("Read after both tables closed their write-end fd = %d, want 0", n)
	}
}

func TestTableAllocReusesFreedSlots(t *testing.T) {
	table := NewInitial()
	fd := table.Alloc(Stdout{})
	if fd != 3 {
		t.Fatalf("Alloc on a fresh 3-slot table returned %d, want 3", fd)
	}
	table.Close(fd)
	again := table.Alloc(Stdout{})
	if again != fd {
		t.Fatalf("Alloc after Close did not reuse freed slot %d, got %d", fd, again)
	}
}

func TestCloseAllClosesEveryPipeWriteEnd(t *testing.T) {
	Yield = withYield(t, 1000)
	r1, w1 := NewPipe()
	r2, w2 := NewPipe()

	table := NewInitial()
	table.Alloc(w1)
	table.Alloc(w2)
	table.CloseAll()

	if n := r1.Read(make([]byte, 1)); n != 0 {
		t.Fatalf("pipe 1 reader after CloseAll = %d, want 0", n)
	}
	if n := r2.Read(make([]byte, 1)); n != 0 {
		t.Fatalf("pipe 2 reader after CloseAll = %d, want 0", n)
	}
}

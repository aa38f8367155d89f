package vfs

import (
	"testing"

	"bcache"
	"blkdev"
	"easyfs"
)

type memDevice struct {
	blocks map[uint32]*[blkdev.BlockSize]byte
}

func newMemDevice() *memDevice {
	return &memDevice{blocks: make(map[uint32]*[blkdev.BlockSize]byte)}
}

func (d *memDevice) blockFor(id uint32) *[blkdev.BlockSize]byte {
	b, ok := d.blocks[id]
	if !ok {
		b = &[blkdev.BlockSize]byte{}
		d.blocks[id] = b
	}
	return b
}

func (d *memDevice) ReadBlock(id uint32, buf []byte)  { copy(buf, d.blockFor(id)[:]) }
func (d *memDevice) WriteBlock(id uint32, buf []byte) { copy(d.blockFor(id)[:], buf) }

func newFS(dev *memDevice, totalBlocks, inodeBitmapBlocks uint32) *easyfs.FileSystem {
	cache := bcache.NewManager(func() {})
	return easyfs.Create(dev, cache, totalBlocks, inodeBitmapBlocks)
}

func TestRootIsDirectoryZero(t *testing.T) {
	fs := newFS(newMemDevice(), 4096, 1)
	root := Root(fs)
	if !root.IsDir() {
		t.Fatal("root inode must be a directory")
	}
	if root.Size() != 0 {
		t.Fatalf("fresh root size = %d, want 0", root.Size())
	}
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs := newFS(newMemDevice(), 4096, 1)
	root := Root(fs)

	f, ok := root.Create("hello.txt")
	if !ok {
		t.Fatal("Create failed on a fresh directory")
	}
	if n := f.WriteAt(0, []byte("hi")); n != 2 {
		t.Fatalf("WriteAt wrote %d bytes, want 2", n)
	}
	out := make([]byte, 2)
	if n := f.ReadAt(0, out); n != 2 || string(out) != "hi" {
		t.Fatalf("ReadAt = %q (%d bytes), want %q", out, n, "hi")
	}

	names := root.Ls()
	if len(names) != 1 || names[0] != "hello.txt" {
		t.Fatalf("Ls() = %v, want [hello.txt]", names)
	}
}

func TestCreateDuplicateNameFails(t *testing.T) {
	fs := newFS(newMemDevice(), 4096, 1)
	root := Root(fs)

	if _, ok := root.Create("x"); !ok {
		t.Fatal("first Create(\"x\") should succeed")
	}
	if _, ok := root.Create("x"); ok {
		t.Fatal("second Create(\"x\") should fail: name already exists")
	}
}

func TestClearEmptiesFileButLeavesDirectoryEntry(t *testing.T) {
	fs := newFS(newMemDevice(), 4096, 1)
	root := Root(fs)

	f, _ := root.Create("x")
	f.WriteAt(0, []byte("some content"))
	f.Clear()

	if f.Size() != 0 {
		t.Fatalf("Size() after Clear = %d, want 0", f.Size())
	}
	names := root.Ls()
	if len(names) != 1 || names[0] != "x" {
		t.Fatalf("Ls() after Clear = %v, want [x] (entry must survive Clear)", names)
	}
}

func TestFindMissingNameReturnsFalse(t *testing.T) {
	fs := newFS(newMemDevice(), 4096, 1)
	root := Root(fs)
	if _, ok := root.Find("nope"); ok {
		t.Fatal("Find of a nonexistent name should report ok=false")
	}
}

func TestLargeWriteSpanningIndirectBlocks(t *testing.T) {
	fs := newFS(newMemDevice(), 1<<16, 4)
	root := Root(fs)
	f, _ := root.Create("big")

	data := make([]byte, 300*blkdev.BlockSize+123)
	for i := range data {
		data[i] = byte(i * 7)
	}
	if n := f.WriteAt(0, data); n != len(data) {
		t.Fatalf("WriteAt wrote %d bytes, want %d", n, len(data))
	}
	out := make([]byte, len(data))
	if n := f.ReadAt(0, out); n != len(data) {
		t.Fatalf("ReadAt read %d bytes, want %d", n, len(data))
	}
	for i := range data {
		if out[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %d, want %d", i, out[i], data[i])
		}
	}
}

func TestReopenPreservesContents(t *testing.T) {
	dev := newMemDevice()
	fs := newFS(dev, 4096, 1)
	root := Root(fs)
	f, _ := root.Create("hello.txt")
	f.WriteAt(0, []byte("hi"))

	cache2 := bcache.NewManager(func() {})
	reopened := easyfs.Open(dev, cache2)
	root2 := Root(reopened)

	names := root2.Ls()
	if len(names) != 1 || names[0] != "hello.txt" {
		t.Fatalf("Ls() after reopen = %v, want [hello.txt]", names)
	}
	f2, ok := root2.Find("hello.txt")
	if !ok {
		t.Fatal("Find(\"hello.txt\") failed after reopen")
	}
	out := make([]byte, 2)
	f2.ReadAt(0, out)
	if string(out) != "hi" {
		t.Fatalf("contents after reopen = %q, want %q", out, "hi")
	}
}

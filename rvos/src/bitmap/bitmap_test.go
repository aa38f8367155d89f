package bitmap

import (
	"testing"

	"bcache"
	"blkdev"
)

// memDevice is an in-memory blkdev.Device_i backed by a flat byte slice,
// standing in for a real disk the same way the rest of this module's test
// files fake blkdev when exercising code that never touches raw physical
// memory.
type memDevice struct {
	blocks [][blkdev.BlockSize]byte
}

func newMemDevice(n int) *memDevice {
	return &memDevice{blocks: make([][blkdev.BlockSize]byte, n)}
}

func (d *memDevice) ReadBlock(id uint32, buf []byte) {
	copy(buf, d.blocks[id][:])
}

func (d *memDevice) WriteBlock(id uint32, buf []byte) {
	copy(d.blocks[id][:], buf)
}

func newCache() *bcache.Manager {
	return bcache.NewManager(func() {})
}

func TestAllocReturnsSmallestFreeBit(t *testing.T) {
	dev := newMemDevice(2)
	cache := newCache()
	bm := New(0, 2)

	first, ok := bm.Alloc(cache, dev)
	if !ok || first != 0 {
		t.Fatalf("first alloc = (%d, %v), want (0, true)", first, ok)
	}
	second, ok := bm.Alloc(cache, dev)
	if !ok || second != 1 {
		t.Fatalf("second alloc = (%d, %v), want (1, true)", second, ok)
	}
}

func TestAllocDeallocRoundTrip(t *testing.T) {
	dev := newMemDevice(1)
	cache := newCache()
	bm := New(0, 1)

	bit, ok := bm.Alloc(cache, dev)
	if !ok {
		t.Fatal("alloc failed on an empty bitmap")
	}
	bm.Dealloc(cache, dev, bit)

	again, ok := bm.Alloc(cache, dev)
	if !ok || again != bit {
		t.Fatalf("re-alloc after dealloc = (%d, %v), want (%d, true)", again, ok, bit)
	}
}

func TestDeallocOfClearBitPanics(t *testing.T) {
	dev := newMemDevice(1)
	cache := newCache()
	bm := New(0, 1)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic deallocating an already-clear bit")
		}
	}()
	bm.Dealloc(cache, dev, 0)
}

func TestAllocExhaustion(t *testing.T) {
	dev := newMemDevice(1)
	cache := newCache()
	bm := New(0, 1)

	for i := 0; i < bm.MaxBits(); i++ {
		if _, ok := bm.Alloc(cache, dev); !ok {
			t.Fatalf("alloc %d unexpectedly failed before exhaustion", i)
		}
	}
	if _, ok := bm.Alloc(cache, dev); ok {
		t.Fatal("alloc succeeded after every bit was taken")
	}
}

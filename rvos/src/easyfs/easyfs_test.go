package easyfs

import (
	"testing"

	"bcache"
	"blkdev"
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

func TestCreateYieldsRootInodeZero(t *testing.T) {
	dev := newMemDevice()
	cache := bcache.NewManager(func() {})
	fs := Create(dev, cache, 4096, 1)

	id := fs.AllocInode()
	if id != 1 {
		t.Fatalf("first AllocInode after Create should skip the root (id 0) and return 1, got %d", id)
	}
	blockID, offset := fs.DiskInodeLocation(0)
	if blockID != fs.inodeAreaStart {
		t.Fatalf("root inode block = %d, want inode area start %d", blockID, fs.inodeAreaStart)
	}
	if offset != 0 {
		t.Fatalf("root inode offset = %d, want 0", offset)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dev := newMemDevice() // never Create'd, so block 0 is all zero
	cache := bcache.NewManager(func() {})
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic opening a device with no valid superblock")
		}
	}()
	Open(dev, cache)
}

func TestAllocDeallocData(t *testing.T) {
	dev := newMemDevice()
	cache := bcache.NewManager(func() {})
	fs := Create(dev, cache, 4096, 1)

	a := fs.AllocData()
	b := fs.AllocData()
	if a == b {
		t.Fatalf("two AllocData calls returned the same block id %d", a)
	}
	fs.DeallocData(a)
	c := fs.AllocData()
	if c != a {
		t.Fatalf("AllocData after Dealloc = %d, want reused id %d", c, a)
	}
}

func TestDiskInodeLocationPacksRecordsPerBlock(t *testing.T) {
	dev := newMemDevice()
	cache := bcache.NewManager(func() {})
	fs := Create(dev, cache, 4096, 1)

	b0, off0 := fs.DiskInodeLocation(0)
	b1, off1 := fs.DiskInodeLocation(uint32(inodesPerBlock))
	if b1 != b0+1 {
		t.Fatalf("inode %d should start the next inode block: got %d, want %d", inodesPerBlock, b1, b0+1)
	}
	if off0 != 0 || off1 != 0 {
		t.Fatalf("offsets at block boundaries should be 0, got %d and %d", off0, off1)
	}
}

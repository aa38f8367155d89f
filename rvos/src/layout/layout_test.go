package layout

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

func newCache() *bcache.Manager { return bcache.NewManager(func() {}) }

func TestSuperBlockRoundTrip(t *testing.T) {
	sb := SuperBlock{
		TotalBlocks:       4096,
		InodeBitmapBlocks: 1,
		InodeAreaBlocks:   13,
		DataBitmapBlocks:  1,
		DataAreaBlocks:    4081,
	}
	buf := EncodeSuperBlock(sb)
	got, ok := DecodeSuperBlock(buf[:])
	if !ok {
		t.Fatal("decode reported invalid magic on a freshly encoded block")
	}
	if got != sb {
		t.Fatalf("got %+v, want %+v", got, sb)
	}
}

func TestDecodeSuperBlockRejectsBadMagic(t *testing.T) {
	var buf [blkdev.BlockSize]byte
	if _, ok := DecodeSuperBlock(buf[:]); ok {
		t.Fatal("an all-zero block should not decode as a valid superblock")
	}
}

func TestDiskInodeRoundTrip(t *testing.T) {
	di := &DiskInode{Size: 12345, Indirect1: 7, Indirect2: 9, Type: TypeDirectory}
	di.Direct[0] = 1
	di.Direct[27] = 99
	buf := EncodeDiskInode(di)
	got := DecodeDiskInode(buf[:])
	if *got != *di {
		t.Fatalf("got %+v, want %+v", *got, *di)
	}
}

func TestInitialize(t *testing.T) {
	di := &DiskInode{Size: 10, Indirect1: 5}
	di.Initialize(TypeFile)
	if di.Size != 0 || di.Indirect1 != 0 || !di.IsFile() {
		t.Fatalf("Initialize left stale state: %+v", di)
	}
}

func TestTotalBlocksBoundaries(t *testing.T) {
	cases := []struct {
		size uint32
		want uint32
	}{
		{0, 0},
		{blkdev.BlockSize, 1},
		{directCount * blkdev.BlockSize, directCount},
		{(directCount + 1) * blkdev.BlockSize, directCount + 1 + 1}, // +1 data, +1 indirect1 block
		{indirect1Bound * blkdev.BlockSize, indirect1Bound + 1},
		{(indirect1Bound + 1) * blkdev.BlockSize, indirect1Bound + 4}, // +1 data, +indirect1 ptr, +indirect2 ptr, +1 level-1
	}
	for _, c := range cases {
		if got := TotalBlocks(c.size); got != c.want {
			t.Errorf("TotalBlocks(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestIncreaseSizeAndGetBlockIDAcrossTiers(t *testing.T) {
	dev := newMemDevice()
	cache := newCache()
	di := &DiskInode{}
	di.Initialize(TypeFile)

	// Grow well past the indirect2 boundary so direct, indirect1, and
	// indirect2 are all exercised.
	newSize := uint32(indirect1Bound+300) * blkdev.BlockSize
	needed := di.BlocksNumNeeded(newSize)
	blocks := make([]uint32, needed)
	for i := range blocks {
		blocks[i] = uint32(100 + i) // arbitrary distinct block ids
	}
	di.IncreaseSize(newSize, blocks, cache, dev)

	if di.Size != newSize {
		t.Fatalf("Size = %d, want %d", di.Size, newSize)
	}
	if di.DataBlocks() != indirect1Bound+300 {
		t.Fatalf("DataBlocks() = %d, want %d", di.DataBlocks(), indirect1Bound+300)
	}

	// Direct tier: inner ids [0, directCount) resolve to blocks[0:directCount].
	for i := uint32(0); i < directCount; i++ {
		if got := di.GetBlockID(i, cache, dev); got != blocks[i] {
			t.Fatalf("direct[%d] = %d, want %d", i, got, blocks[i])
		}
	}
	// indirect1 tier: inner id directCount resolves to the first block
	// consumed after the indirect1 pointer itself.
	if got := di.GetBlockID(directCount, cache, dev); got != blocks[directCount+1] {
		t.Fatalf("indirect1[0] = %d, want %d", got, blocks[directCount+1])
	}
	// indirect2 tier: the very last inner id should resolve to the very
	// last block handed out.
	lastInner := di.DataBlocks() - 1
	if got := di.GetBlockID(lastInner, cache, dev); got != blocks[len(blocks)-1] {
		t.Fatalf("last indirect2 slot = %d, want %d", got, blocks[len(blocks)-1])
	}
}

func TestClearSizeReturnsEveryReferencedBlock(t *testing.T) {
	dev := newMemDevice()
	cache := newCache()
	di := &DiskInode{}
	di.Initialize(TypeFile)

	newSize := uint32(indirect1Bound+50) * blkdev.BlockSize
	needed := di.BlocksNumNeeded(newSize)
	blocks := make([]uint32, needed)
	for i := range blocks {
		blocks[i] = uint32(200 + i)
	}
	di.IncreaseSize(newSize, blocks, cache, dev)

	freed := di.ClearSize(cache, dev)
	if uint32(len(freed)) != needed {
		t.Fatalf("ClearSize freed %d blocks, want %d (TotalBlocks(size))", len(freed), needed)
	}
	if di.Size != 0 || di.Indirect1 != 0 || di.Indirect2 != 0 {
		t.Fatalf("inode not reset after ClearSize: %+v", di)
	}
}

func TestReadAtWriteAtRoundTrip(t *testing.T) {
	dev := newMemDevice()
	cache := newCache()
	di := &DiskInode{}
	di.Initialize(TypeFile)

	data := make([]byte, 3*blkdev.BlockSize+17)
	for i := range data {
		data[i] = byte(i)
	}
	needed := di.BlocksNumNeeded(uint32(len(data)))
	blocks := make([]uint32, needed)
	for i := range blocks {
		blocks[i] = uint32(300 + i)
	}
	di.IncreaseSize(uint32(len(data)), blocks, cache, dev)

	if n := di.WriteAt(0, data, cache, dev); n != len(data) {
		t.Fatalf("WriteAt wrote %d bytes, want %d", n, len(data))
	}
	out := make([]byte, len(data))
	if n := di.ReadAt(0, out, cache, dev); n != len(data) {
		t.Fatalf("ReadAt read %d bytes, want %d", n, len(data))
	}
	for i := range data {
		if out[i] != data[i] {
			t.Fatalf("byte %d: got %d, want %d", i, out[i], data[i])
		}
	}
}

func TestDirEntryRoundTripAndNameString(t *testing.T) {
	de := NewDirEntry("hello.txt", 42)
	buf := EncodeDirEntry(de)
	got := DecodeDirEntry(buf[:])
	if got.InodeNumber != 42 {
		t.Fatalf("InodeNumber = %d, want 42", got.InodeNumber)
	}
	if got.NameString() != "hello.txt" {
		t.Fatalf("NameString() = %q, want %q", got.NameString(), "hello.txt")
	}
}

func TestNewDirEntryRejectsOverlongName(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for a name too long to fit the entry")
		}
	}()
	name := make([]byte, nameFieldLen)
	for i := range name {
		name[i] = 'a'
	}
	NewDirEntry(string(name), 1)
}

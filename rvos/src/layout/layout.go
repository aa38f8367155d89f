// Package layout is the exact on-disk byte format Easy-FS reads and
// writes: the superblock, the disk inode with its two-level indirect
// addressing, and the directory entry. Every method here takes the block
// cache and device explicitly rather than closing over a filesystem
// handle, the same layering the original teaching filesystem draws
// between its layout module and its EasyFileSystem engine.
package layout

import (
	"encoding/binary"

	"bcache"
	"blkdev"
	"util"
)

// Magic identifies a valid Easy-FS superblock.
const Magic uint32 = 0x3b800001

// SuperBlock is the first block of the filesystem: a magic number plus
// the block-count of each of the four regions that follow it.
type SuperBlock struct {
	TotalBlocks      uint32
	InodeBitmapBlocks uint32
	InodeAreaBlocks   uint32
	DataBitmapBlocks  uint32
	DataAreaBlocks    uint32
}

// EncodeSuperBlock serializes sb (with the magic number prefixed) into a
// full block-sized buffer.
func EncodeSuperBlock(sb SuperBlock) [blkdev.BlockSize]byte {
	var buf [blkdev.BlockSize]byte
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint32(buf[4:], sb.TotalBlocks)
	binary.LittleEndian.PutUint32(buf[8:], sb.InodeBitmapBlocks)
	binary.LittleEndian.PutUint32(buf[12:], sb.InodeAreaBlocks)
	binary.LittleEndian.PutUint32(buf[16:], sb.DataBitmapBlocks)
	binary.LittleEndian.PutUint32(buf[20:], sb.DataAreaBlocks)
	return buf
}

// DecodeSuperBlock parses a block 0 buffer. ok is false if the magic
// number does not match.
func DecodeSuperBlock(buf []byte) (SuperBlock, bool) {
	if binary.LittleEndian.Uint32(buf[0:]) != Magic {
		return SuperBlock{}, false
	}
	return SuperBlock{
		TotalBlocks:       binary.LittleEndian.Uint32(buf[4:]),
		InodeBitmapBlocks: binary.LittleEndian.Uint32(buf[8:]),
		InodeAreaBlocks:   binary.LittleEndian.Uint32(buf[12:]),
		DataBitmapBlocks:  binary.LittleEndian.Uint32(buf[16:]),
		DataAreaBlocks:    binary.LittleEndian.Uint32(buf[20:]),
	}, true
}

// InodeType distinguishes a plain file from a directory.
type InodeType uint32

const (
	TypeFile InodeType = iota
	TypeDirectory
)

const (
	directCount    = 28
	indirect1Count = blkdev.BlockSize / 4 // 128
	indirect2Count = indirect1Count * indirect1Count
	indirect1Bound = directCount + indirect1Count

	// DiskInodeSize is the fixed on-disk size of a DiskInode record.
	DiskInodeSize = 128
)

// DiskInode is the 128-byte on-disk inode record: size, 28 direct block
// pointers, one indirect1 pointer, one indirect2 pointer, and a type tag.
type DiskInode struct {
	Size      uint32
	Direct    [directCount]uint32
	Indirect1 uint32
	Indirect2 uint32
	Type      InodeType
}

// EncodeDiskInode serializes di into a DiskInodeSize-byte buffer.
func EncodeDiskInode(di *DiskInode) [DiskInodeSize]byte {
	var buf [DiskInodeSize]byte
	binary.LittleEndian.PutUint32(buf[0:], di.Size)
	for i, v := range di.Direct {
		binary.LittleEndian.PutUint32(buf[4+i*4:], v)
	}
	off := 4 + directCount*4
	binary.LittleEndian.PutUint32(buf[off:], di.Indirect1)
	binary.LittleEndian.PutUint32(buf[off+4:], di.Indirect2)
	binary.LittleEndian.PutUint32(buf[off+8:], uint32(di.Type))
	return buf
}

// DecodeDiskInode parses a DiskInodeSize-byte buffer into a DiskInode.
func DecodeDiskInode(buf []byte) *DiskInode {
	di := &DiskInode{Size: binary.LittleEndian.Uint32(buf[0:])}
	for i := range di.Direct {
		di.Direct[i] = binary.LittleEndian.Uint32(buf[4+i*4:])
	}
	off := 4 + directCount*4
	di.Indirect1 = binary.LittleEndian.Uint32(buf[off:])
	di.Indirect2 = binary.LittleEndian.Uint32(buf[off+4:])
	di.Type = InodeType(binary.LittleEndian.Uint32(buf[off+8:]))
	return di
}

// Initialize resets di to an empty inode of the given type.
func (di *DiskInode) Initialize(t InodeType) {
	*di = DiskInode{Type: t}
}

// IsDir reports whether di is a directory.
func (di *DiskInode) IsDir() bool { return di.Type == TypeDirectory }

// IsFile reports whether di is a plain file.
func (di *DiskInode) IsFile() bool { return di.Type == TypeFile }

func dataBlocksFor(size uint32) uint32 {
	return (size + blkdev.BlockSize - 1) / blkdev.BlockSize
}

// DataBlocks returns the number of data blocks needed to hold di's
// current size.
func (di *DiskInode) DataBlocks() uint32 {
	return dataBlocksFor(di.Size)
}

// TotalBlocks returns the number of blocks (data plus indirect index
// blocks) needed to hold a file of the given size. The rounding term on
// the indirect2 boundary uses indirect1Count-1, the variant consistent
// with IncreaseSize and ClearSize below.
func TotalBlocks(size uint32) uint32 {
	dataBlocks := dataBlocksFor(size)
	total := dataBlocks
	if dataBlocks > directCount {
		total++
	}
	if dataBlocks > indirect1Bound {
		total++
		total += (dataBlocks - indirect1Bound + indirect1Count - 1) / indirect1Count
	}
	return total
}

// BlocksNumNeeded returns how many additional blocks growing di to
// newSize requires.
func (di *DiskInode) BlocksNumNeeded(newSize uint32) uint32 {
	return TotalBlocks(newSize) - TotalBlocks(di.Size)
}

func readIndirect(cache *bcache.Manager, dev blkdev.Device_i, blockID uint32, fn func([]uint32)) {
	b := cache.Get(blockID, dev)
	defer cache.Put(b)
	bcache.Read(b, 0, func(buf []byte) struct{} {
		arr := make([]uint32, indirect1Count)
		for i := range arr {
			arr[i] = binary.LittleEndian.Uint32(buf[i*4:])
		}
		fn(arr)
		return struct{}{}
	})
}

func modifyIndirect(cache *bcache.Manager, dev blkdev.Device_i, blockID uint32, fn func([]uint32)) {
	b := cache.Get(blockID, dev)
	defer cache.Put(b)
	bcache.Modify(b, 0, func(buf []byte) struct{} {
		arr := make([]uint32, indirect1Count)
		for i := range arr {
			arr[i] = binary.LittleEndian.Uint32(buf[i*4:])
		}
		fn(arr)
		for i, v := range arr {
			binary.LittleEndian.PutUint32(buf[i*4:], v)
		}
		return struct{}{}
	})
}

// GetBlockID resolves the innerID'th data block of di to its absolute
// block id on disk, following direct, then indirect1, then indirect2.
func (di *DiskInode) GetBlockID(innerID uint32, cache *bcache.Manager, dev blkdev.Device_i) uint32 {
	switch {
	case innerID < directCount:
		return di.Direct[innerID]
	case innerID < indirect1Bound:
		var id uint32
		readIndirect(cache, dev, di.Indirect1, func(arr []uint32) {
			id = arr[innerID-directCount]
		})
		return id
	default:
		last := innerID - indirect1Bound
		var level1 uint32
		readIndirect(cache, dev, di.Indirect2, func(arr []uint32) {
			level1 = arr[last/indirect1Count]
		})
		var id uint32
		readIndirect(cache, dev, level1, func(arr []uint32) {
			id = arr[last%indirect1Count]
		})
		return id
	}
}

// IncreaseSize grows di to newSize, consuming blocks from newBlocks (freshly
// allocated by the caller from the data bitmap) to fill direct, then
// indirect1, then indirect2 pointers as each tier fills up.
func (di *DiskInode) IncreaseSize(newSize uint32, newBlocks []uint32, cache *bcache.Manager, dev blkdev.Device_i) {
	next := 0
	take := func() uint32 {
		v := newBlocks[next]
		next++
		return v
	}

	currentBlocks := di.DataBlocks()
	di.Size = newSize
	totalBlocks := di.DataBlocks()

	for currentBlocks < util.Min(totalBlocks, directCount) {
		di.Direct[currentBlocks] = take()
		currentBlocks++
	}

	if totalBlocks <= directCount {
		return
	}
	if currentBlocks == directCount {
		di.Indirect1 = take()
	}
	currentBlocks -= directCount
	totalBlocks -= directCount

	modifyIndirect(cache, dev, di.Indirect1, func(arr []uint32) {
		for currentBlocks < util.Min(totalBlocks, indirect1Count) {
			arr[currentBlocks] = take()
			currentBlocks++
		}
	})

	if totalBlocks <= indirect1Count {
		return
	}
	if currentBlocks == indirect1Count {
		di.Indirect2 = take()
	}
	currentBlocks -= indirect1Count
	totalBlocks -= indirect1Count

	a0 := currentBlocks / indirect1Count
	b0 := currentBlocks % indirect1Count
	a1 := totalBlocks / indirect1Count
	b1 := totalBlocks % indirect1Count

	modifyIndirect(cache, dev, di.Indirect2, func(level2 []uint32) {
		for a0 < a1 || (a0 == a1 && b0 < b1) {
			if b0 == 0 {
				level2[a0] = take()
			}
			level1ID := level2[a0]
			modifyIndirect(cache, dev, level1ID, func(level1 []uint32) {
				level1[b0] = take()
			})
			b0++
			if b0 == indirect1Count {
				b0 = 0
				a0++
			}
		}
	})
}

// ClearSize truncates di to empty, returning every data and index block
// it referenced so the caller can return them to the data bitmap.
func (di *DiskInode) ClearSize(cache *bcache.Manager, dev blkdev.Device_i) []uint32 {
	var freed []uint32
	dataBlocks := int(di.DataBlocks())
	di.Size = 0
	current := 0

	for current < util.Min(dataBlocks, directCount) {
		freed = append(freed, di.Direct[current])
		di.Direct[current] = 0
		current++
	}

	if dataBlocks <= directCount {
		return freed
	}
	freed = append(freed, di.Indirect1)
	dataBlocks -= directCount
	current = 0

	readIndirect(cache, dev, di.Indirect1, func(arr []uint32) {
		for current < util.Min(dataBlocks, indirect1Count) {
			freed = append(freed, arr[current])
			current++
		}
	})
	di.Indirect1 = 0

	if dataBlocks <= indirect1Count {
		return freed
	}
	freed = append(freed, di.Indirect2)
	dataBlocks -= indirect1Count

	a1 := dataBlocks / indirect1Count
	b1 := dataBlocks % indirect1Count

	readIndirect(cache, dev, di.Indirect2, func(level2 []uint32) {
		for i := 0; i < a1; i++ {
			freed = append(freed, level2[i])
			readIndirect(cache, dev, level2[i], func(level1 []uint32) {
				freed = append(freed, level1...)
			})
		}
		if b1 > 0 {
			freed = append(freed, level2[a1])
			readIndirect(cache, dev, level2[a1], func(level1 []uint32) {
				freed = append(freed, level1[:b1]...)
			})
		}
	})
	di.Indirect2 = 0

	return freed
}

// ReadAt copies min(len(buf), size-offset) bytes starting at offset into
// buf, walking block by block, and returns the number of bytes read.
func (di *DiskInode) ReadAt(offset int, buf []byte, cache *bcache.Manager, dev blkdev.Device_i) int {
	start := offset
	end := util.Min(offset+len(buf), int(di.Size))
	if start >= end {
		return 0
	}
	startBlock := start / blkdev.BlockSize
	read := 0
	for {
		endCurrent := util.Min((start/blkdev.BlockSize+1)*blkdev.BlockSize, end)
		size := endCurrent - start
		blockID := di.GetBlockID(uint32(startBlock), cache, dev)
		b := cache.Get(blockID, dev)
		bcache.Read(b, 0, func(data []byte) struct{} {
			copy(buf[read:read+size], data[start%blkdev.BlockSize:start%blkdev.BlockSize+size])
			return struct{}{}
		})
		cache.Put(b)
		read += size
		if endCurrent == end {
			break
		}
		startBlock++
		start = endCurrent
	}
	return read
}

// WriteAt writes buf starting at offset, requiring the caller to have
// already grown di (via IncreaseSize) so every touched block exists. It
// returns the number of bytes written.
func (di *DiskInode) WriteAt(offset int, buf []byte, cache *bcache.Manager, dev blkdev.Device_i) int {
	start := offset
	end := util.Min(offset+len(buf), int(di.Size))
	startBlock := start / blkdev.BlockSize
	written := 0
	for {
		endCurrent := util.Min((start/blkdev.BlockSize+1)*blkdev.BlockSize, end)
		size := endCurrent - start
		blockID := di.GetBlockID(uint32(startBlock), cache, dev)
		b := cache.Get(blockID, dev)
		bcache.Modify(b, 0, func(data []byte) struct{} {
			copy(data[start%blkdev.BlockSize:start%blkdev.BlockSize+size], buf[written:written+size])
			return struct{}{}
		})
		cache.Put(b)
		written += size
		if endCurrent == end {
			break
		}
		startBlock++
		start = endCurrent
	}
	return written
}

// DirEntSize is the fixed on-disk size of a directory entry.
const DirEntSize = 32

const nameFieldLen = 28 // NameLimit (27) + NUL terminator

// DirEntry is one 32-byte directory entry: a NUL-terminated name and an
// inode number.
type DirEntry struct {
	Name       [nameFieldLen]byte
	InodeNumber uint32
}

// NewDirEntry builds a directory entry for name and inodeNumber. It
// panics if name does not fit the name field.
func NewDirEntry(name string, inodeNumber uint32) DirEntry {
	if len(name) > nameFieldLen-1 {
		panic("layout: directory entry name too long")
	}
	var de DirEntry
	copy(de.Name[:], name)
	de.InodeNumber = inodeNumber
	return de
}

// EncodeDirEntry serializes de into a DirEntSize-byte buffer.
func EncodeDirEntry(de DirEntry) [DirEntSize]byte {
	var buf [DirEntSize]byte
	copy(buf[:nameFieldLen], de.Name[:])
	binary.LittleEndian.PutUint32(buf[nameFieldLen:], de.InodeNumber)
	return buf
}

// DecodeDirEntry parses a DirEntSize-byte buffer into a DirEntry.
func DecodeDirEntry(buf []byte) DirEntry {
	var de DirEntry
	copy(de.Name[:], buf[:nameFieldLen])
	de.InodeNumber = binary.LittleEndian.Uint32(buf[nameFieldLen:])
	return de
}

// NameString returns the entry's name truncated at its NUL terminator.
func (de DirEntry) NameString() string {
	n := 0
	for n < len(de.Name) && de.Name[n] != 0 {
		n++
	}
	return string(de.Name[:n])
}

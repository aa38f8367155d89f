// Package vfs is the VFS-style Inode handle Easy-FS exposes to the rest of
// the kernel: directory lookup and creation, byte-range read/write with
// on-demand growth, listing, and truncate. Every operation here takes the
// filesystem's coarse lock for its duration; that lock alone serializes
// access to the block cache's entries, which have no locks of their own.
package vfs

import (
	"bcache"
	"blkdev"
	"easyfs"
	"layout"
)

// Inode locates a DiskInode record without owning its bytes: the block
// it lives in, the byte offset within that block, and the filesystem and
// device it belongs to.
type Inode struct {
	blockID     uint32
	blockOffset int
	fs          *easyfs.FileSystem
	dev         blkdev.Device_i
}

// New wraps the DiskInode at (blockID, blockOffset) as a VFS handle.
func New(blockID uint32, blockOffset int, fs *easyfs.FileSystem, dev blkdev.Device_i) *Inode {
	return &Inode{blockID: blockID, blockOffset: blockOffset, fs: fs, dev: dev}
}

// Root returns the handle for inode 0, the filesystem's root directory.
func Root(fs *easyfs.FileSystem) *Inode {
	blockID, offset := fs.DiskInodeLocation(0)
	return New(blockID, offset, fs, fs.Device())
}

func (ino *Inode) readDiskNode(fn func(*layout.DiskInode)) {
	b := ino.fs.Cache().Get(ino.blockID, ino.dev)
	defer ino.fs.Cache().Put(b)
	bcache.Read(b, ino.blockOffset, func(buf []byte) struct{} {
		fn(layout.DecodeDiskInode(buf[:layout.DiskInodeSize]))
		return struct{}{}
	})
}

func (ino *Inode) modifyDiskNode(fn func(*layout.DiskInode)) {
	b := ino.fs.Cache().Get(ino.blockID, ino.dev)
	defer ino.fs.Cache().Put(b)
	bcache.Modify(b, ino.blockOffset, func(buf []byte) struct{} {
		di := layout.DecodeDiskInode(buf[:layout.DiskInodeSize])
		fn(di)
		enc := layout.EncodeDiskInode(di)
		copy(buf[:layout.DiskInodeSize], enc[:])
		return struct{}{}
	})
}

func (ino *Inode) findInodeID(name string, di *layout.DiskInode) (uint32, bool) {
	if !di.IsDir() {
		panic("vfs: find on a non-directory inode")
	}
	count := int(di.Size) / layout.DirEntSize
	var buf [layout.DirEntSize]byte
	for i := 0; i < count; i++ {
		n := di.ReadAt(i*layout.DirEntSize, buf[:], ino.fs.Cache(), ino.dev)
		if n != layout.DirEntSize {
			panic("vfs: short read of a directory entry")
		}
		de := layout.DecodeDirEntry(buf[:])
		if de.NameString() == name {
			return de.InodeNumber, true
		}
	}
	return 0, false
}

// Find looks up name in this directory, returning its Inode handle if
// present. It serializes on the filesystem lock.
func (ino *Inode) Find(name string) (*Inode, bool) {
	ino.fs.Lock()
	defer ino.fs.Unlock()

	var id uint32
	var found bool
	ino.readDiskNode(func(di *layout.DiskInode) {
		id, found = ino.findInodeID(name, di)
	})
	if !found {
		return nil, false
	}
	blockID, offset := ino.fs.DiskInodeLocation(id)
	return New(blockID, offset, ino.fs, ino.dev), true
}

// increaseSize grows di to newSize, allocating exactly as many fresh data
// blocks as DiskInode.BlocksNumNeeded reports. Caller must hold the
// filesystem lock.
func (ino *Inode) increaseSize(newSize uint32, di *layout.DiskInode) {
	if newSize < di.Size {
		return
	}
	needed := di.BlocksNumNeeded(newSize)
	blocks := make([]uint32, needed)
	for i := range blocks {
		blocks[i] = ino.fs.AllocData()
	}
	di.IncreaseSize(newSize, blocks, ino.fs.Cache(), ino.dev)
}

// Create makes a new, empty file named name in this directory, returning
// its handle. It returns ok=false if name already exists.
func (ino *Inode) Create(name string) (*Inode, bool) {
	ino.fs.Lock()
	defer ino.fs.Unlock()

	var exists bool
	ino.readDiskNode(func(di *layout.DiskInode) {
		_, exists = ino.findInodeID(name, di)
	})
	if exists {
		return nil, false
	}

	newID := ino.fs.AllocInode()
	blockID, offset := ino.fs.DiskInodeLocation(newID)
	b := ino.fs.Cache().Get(blockID, ino.dev)
	bcache.Modify(b, offset, func(buf []byte) struct{} {
		di := &layout.DiskInode{}
		di.Initialize(layout.TypeFile)
		enc := layout.EncodeDiskInode(di)
		copy(buf[:layout.DiskInodeSize], enc[:])
		return struct{}{}
	})
	ino.fs.Cache().Put(b)

	ino.modifyDiskNode(func(root *layout.DiskInode) {
		fileCount := int(root.Size) / layout.DirEntSize
		newSize := uint32((fileCount + 1) * layout.DirEntSize)
		ino.increaseSize(newSize, root)
		de := layout.NewDirEntry(name, newID)
		enc := layout.EncodeDirEntry(de)
		root.WriteAt(fileCount*layout.DirEntSize, enc[:], ino.fs.Cache(), ino.dev)
	})

	ino.fs.Cache().SyncAll()
	return New(blockID, offset, ino.fs, ino.dev), true
}

// Ls lists the names of every entry in this directory.
func (ino *Inode) Ls() []string {
	ino.fs.Lock()
	defer ino.fs.Unlock()

	var names []string
	ino.readDiskNode(func(di *layout.DiskInode) {
		count := int(di.Size) / layout.DirEntSize
		var buf [layout.DirEntSize]byte
		for i := 0; i < count; i++ {
			di.ReadAt(i*layout.DirEntSize, buf[:], ino.fs.Cache(), ino.dev)
			names = append(names, layout.DecodeDirEntry(buf[:]).NameString())
		}
	})
	return names
}

// ReadAt reads into buf starting at offset, returning the number of bytes
// actually read.
func (ino *Inode) ReadAt(offset int, buf []byte) int {
	ino.fs.Lock()
	defer ino.fs.Unlock()

	var n int
	ino.readDiskNode(func(di *layout.DiskInode) {
		n = di.ReadAt(offset, buf, ino.fs.Cache(), ino.dev)
	})
	return n
}

// WriteAt writes buf starting at offset, growing the file first if the
// write extends past its current size, and returns the number of bytes
// written.
func (ino *Inode) WriteAt(offset int, buf []byte) int {
	ino.fs.Lock()
	defer ino.fs.Unlock()

	var n int
	ino.modifyDiskNode(func(di *layout.DiskInode) {
		ino.increaseSize(uint32(offset+len(buf)), di)
		n = di.WriteAt(offset, buf, ino.fs.Cache(), ino.dev)
	})
	ino.fs.Cache().SyncAll()
	return n
}

// Clear truncates the file to empty, returning every data block it held
// to the data bitmap.
func (ino *Inode) Clear() {
	ino.fs.Lock()
	defer ino.fs.Unlock()

	ino.modifyDiskNode(func(di *layout.DiskInode) {
		size := di.Size
		freed := di.ClearSize(ino.fs.Cache(), ino.dev)
		if uint32(len(freed)) != layout.TotalBlocks(size) {
			panic("vfs: clear freed a different number of blocks than total_blocks(size) predicted")
		}
		for _, block := range freed {
			ino.fs.DeallocData(block)
		}
	})
	ino.fs.Cache().SyncAll()
}

// IsDir reports whether this inode is a directory.
func (ino *Inode) IsDir() bool {
	var dir bool
	ino.readDiskNode(func(di *layout.DiskInode) { dir = di.IsDir() })
	return dir
}

// Size returns the inode's current byte size.
func (ino *Inode) Size() uint32 {
	var size uint32
	ino.readDiskNode(func(di *layout.DiskInode) { size = di.Size })
	return size
}

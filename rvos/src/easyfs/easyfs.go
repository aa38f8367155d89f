// Package easyfs is the Easy-FS engine: laying out a fresh filesystem on a
// block device, reopening an existing one, and allocating/freeing inodes
// and data blocks. The VFS-facing Inode operations built on top of this
// live in package vfs; easyfs only knows the on-disk regions and their
// bitmaps.
package easyfs

import (
	"fmt"
	"sync"

	"bcache"
	"bitmap"
	"blkdev"
	"layout"
)

// FileSystem is one mounted Easy-FS instance: the device it reads and
// writes, its two bitmaps, and the absolute block where the inode and
// data areas begin. The whole filesystem is protected by a single coarse
// lock; every multi-step VFS operation (find-then-create, grow-then-
// write) holds it for the duration instead of relying on the block
// cache's own finer-grained locking.
type FileSystem struct {
	mu sync.Mutex

	dev            blkdev.Device_i
	cache          *bcache.Manager
	inodeBitmap    *bitmap.Bitmap
	dataBitmap     *bitmap.Bitmap
	inodeAreaStart uint32
	dataAreaStart  uint32
}

// Lock acquires the filesystem-wide lock, which serializes every access
// to the block cache's entries made through this filesystem.
func (fs *FileSystem) Lock() { fs.mu.Lock() }

// Unlock releases the filesystem-wide lock.
func (fs *FileSystem) Unlock() { fs.mu.Unlock() }

const inodesPerBlock = blkdev.BlockSize / layout.DiskInodeSize

// Create lays out a brand-new filesystem across totalBlocks blocks, with
// inodeBitmapBlocks blocks reserved for the inode bitmap. The region
// sizes for everything else (inode area, data bitmap, data area) are
// derived the same way the on-disk format's §4.6 sizing rules specify.
// Every block is zeroed, the superblock is written, inode 0 is allocated
// and initialized as the root directory, and every dirty block is synced
// before returning.
func Create(dev blkdev.Device_i, cache *bcache.Manager, totalBlocks, inodeBitmapBlocks uint32) *FileSystem {
	inodeBitmap := bitmap.New(1, inodeBitmapBlocks)
	inodeCount := uint32(inodeBitmap.MaxBits())
	inodeAreaBlocks := (inodeCount*layout.DiskInodeSize + blkdev.BlockSize - 1) / blkdev.BlockSize

	inodeTotalBlocks := inodeBitmapBlocks + inodeAreaBlocks
	if totalBlocks < 1+inodeTotalBlocks {
		panic("easyfs: totalBlocks too small for the requested inode bitmap")
	}
	dataTotalBlocks := totalBlocks - 1 - inodeTotalBlocks
	dataBitmapBlocks := (dataTotalBlocks + 4096) / 4097
	dataAreaBlocks := dataTotalBlocks - dataBitmapBlocks

	fs := &FileSystem{
		dev:            dev,
		cache:          cache,
		inodeBitmap:    inodeBitmap,
		dataBitmap:     bitmap.New(1+inodeBitmapBlocks+inodeAreaBlocks, dataBitmapBlocks),
		inodeAreaStart: 1 + inodeBitmapBlocks,
		dataAreaStart:  1 + inodeTotalBlocks + dataBitmapBlocks,
	}

	var zero [blkdev.BlockSize]byte
	for i := uint32(0); i < totalBlocks; i++ {
		b := cache.Get(i, dev)
		bcache.Modify(b, 0, func(buf []byte) struct{} {
			copy(buf, zero[:])
			return struct{}{}
		})
		cache.Put(b)
	}

	sb := layout.SuperBlock{
		TotalBlocks:       totalBlocks,
		InodeBitmapBlocks: inodeBitmapBlocks,
		InodeAreaBlocks:   inodeAreaBlocks,
		DataBitmapBlocks:  dataBitmapBlocks,
		DataAreaBlocks:    dataAreaBlocks,
	}
	sbBuf := layout.EncodeSuperBlock(sb)
	b := cache.Get(0, dev)
	bcache.Modify(b, 0, func(buf []byte) struct{} {
		copy(buf, sbBuf[:])
		return struct{}{}
	})
	cache.Put(b)

	if id := fs.AllocInode(); id != 0 {
		panic(fmt.Sprintf("easyfs: expected root inode id 0, got %d", id))
	}
	blockID, offset := fs.DiskInodeLocation(0)
	b = cache.Get(blockID, dev)
	bcache.Modify(b, 0, func(buf []byte) struct{} {
		di := &layout.DiskInode{}
		di.Initialize(layout.TypeDirectory)
		enc := layout.EncodeDiskInode(di)
		copy(buf[offset:offset+layout.DiskInodeSize], enc[:])
		return struct{}{}
	})
	cache.Put(b)

	cache.SyncAll()
	return fs
}

// Open reopens an existing filesystem image, validating the superblock
// magic number.
func Open(dev blkdev.Device_i, cache *bcache.Manager) *FileSystem {
	b := cache.Get(0, dev)
	defer cache.Put(b)
	return bcache.Read(b, 0, func(buf []byte) *FileSystem {
		sb, ok := layout.DecodeSuperBlock(buf)
		if !ok {
			panic("easyfs: bad superblock magic, not an Easy-FS image")
		}
		inodeTotalBlocks := sb.InodeBitmapBlocks + sb.InodeAreaBlocks
		return &FileSystem{
			dev:            dev,
			cache:          cache,
			inodeBitmap:    bitmap.New(1, sb.InodeBitmapBlocks),
			dataBitmap:     bitmap.New(1+inodeTotalBlocks, sb.DataBitmapBlocks),
			inodeAreaStart: 1 + sb.InodeBitmapBlocks,
			dataAreaStart:  1 + inodeTotalBlocks + sb.DataBitmapBlocks,
		}
	})
}

// DiskInodeLocation returns the block id and in-block byte offset of
// inode id's DiskInode record.
func (fs *FileSystem) DiskInodeLocation(id uint32) (blockID uint32, offset int) {
	blockID = fs.inodeAreaStart + id/inodesPerBlock
	offset = int(id%inodesPerBlock) * layout.DiskInodeSize
	return
}

// DataBlockID converts a data-bitmap-relative block index into its
// absolute block id on disk.
func (fs *FileSystem) DataBlockID(relative uint32) uint32 {
	return fs.dataAreaStart + relative
}

// Cache returns the block cache manager this filesystem reads and writes
// through.
func (fs *FileSystem) Cache() *bcache.Manager { return fs.cache }

// Device returns the block device backing this filesystem.
func (fs *FileSystem) Device() blkdev.Device_i { return fs.dev }

// AllocInode allocates and returns a fresh inode id from the inode
// bitmap.
func (fs *FileSystem) AllocInode() uint32 {
	id, ok := fs.inodeBitmap.Alloc(fs.cache, fs.dev)
	if !ok {
		panic("easyfs: inode bitmap exhausted")
	}
	return uint32(id)
}

// AllocData allocates a fresh data block, returning its absolute block
// id.
func (fs *FileSystem) AllocData() uint32 {
	id, ok := fs.dataBitmap.Alloc(fs.cache, fs.dev)
	if !ok {
		panic("easyfs: data bitmap exhausted")
	}
	return fs.DataBlockID(uint32(id))
}

// DeallocData zeroes blockID and returns it to the data bitmap.
func (fs *FileSystem) DeallocData(blockID uint32) {
	b := fs.cache.Get(blockID, fs.dev)
	var zero [blkdev.BlockSize]byte
	bcache.Modify(b, 0, func(buf []byte) struct{} {
		copy(buf, zero[:])
		return struct{}{}
	})
	fs.cache.Put(b)
	fs.dataBitmap.Dealloc(fs.cache, fs.dev, int(blockID-fs.dataAreaStart))
}

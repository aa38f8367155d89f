// Package bitmap is the bit allocator Easy-FS uses for both its inode and
// data bitmaps: a contiguous run of cached blocks, each viewed as 64
// uint64 words (4096 bits), scanned for the lowest clear bit.
package bitmap

import (
	"encoding/binary"
	"fmt"

	"bcache"
	"blkdev"
)

// BitsPerBlock is the allocation capacity of one bitmap block.
const BitsPerBlock = blkdev.BlockSize / 8 * 64 // 4096

const wordsPerBlock = blkdev.BlockSize / 8 // 64 uint64 words per block

// Bitmap describes a run of bitmap blocks starting at startBlock.
type Bitmap struct {
	startBlock uint32
	blocks     uint32
}

// New describes a bitmap occupying [startBlock, startBlock+blocks) on
// disk.
func New(startBlock, blocks uint32) *Bitmap {
	return &Bitmap{startBlock: startBlock, blocks: blocks}
}

func readWords(b *bcache.Block) [wordsPerBlock]uint64 {
	return bcache.Read(b, 0, func(buf []byte) [wordsPerBlock]uint64 {
		var words [wordsPerBlock]uint64
		for i := range words {
			words[i] = binary.LittleEndian.Uint64(buf[i*8:])
		}
		return words
	})
}

// trailingOnes counts the number of set bits starting from bit 0, i.e.
// the position of the first clear bit, matching Rust's u64::trailing_ones.
func trailingOnes(w uint64) int {
	n := 0
	for w&1 == 1 {
		n++
		w >>= 1
	}
	return n
}

// Alloc scans this bitmap's blocks for the first clear bit, sets it, and
// returns its global index (block*BitsPerBlock + word*64 + inner). It
// returns ok=false if every bit is set.
func (bm *Bitmap) Alloc(cache *bcache.Manager, dev blkdev.Device_i) (int, bool) {
	for blockOff := uint32(0); blockOff < bm.blocks; blockOff++ {
		b := cache.Get(bm.startBlock+blockOff, dev)
		words := readWords(b)
		for word := 0; word < wordsPerBlock; word++ {
			if words[word] != ^uint64(0) {
				inner := trailingOnes(words[word])
				bcache.Modify(b, 0, func(buf []byte) struct{} {
					v := binary.LittleEndian.Uint64(buf[word*8:])
					v |= 1 << uint(inner)
					binary.LittleEndian.PutUint64(buf[word*8:], v)
					return struct{}{}
				})
				cache.Put(b)
				return int(blockOff)*BitsPerBlock + word*64 + inner, true
			}
		}
		cache.Put(b)
	}
	return 0, false
}

// Dealloc clears bit, which decomposes into (block, word, inner). It
// panics if the bit was not set: this mirrors the filesystem-as-sole-
// caller contract where a double-free is a programmer error, not a
// recoverable condition.
func (bm *Bitmap) Dealloc(cache *bcache.Manager, dev blkdev.Device_i, bit int) {
	block := uint32(bit / BitsPerBlock)
	rem := bit % BitsPerBlock
	word := rem / 64
	inner := rem % 64

	b := cache.Get(bm.startBlock+block, dev)
	defer cache.Put(b)
	bcache.Modify(b, 0, func(buf []byte) struct{} {
		v := binary.LittleEndian.Uint64(buf[word*8:])
		mask := uint64(1) << uint(inner)
		if v&mask == 0 {
			panic(fmt.Sprintf("bitmap: dealloc of already-clear bit %d", bit))
		}
		v &^= mask
		binary.LittleEndian.PutUint64(buf[word*8:], v)
		return struct{}{}
	})
}

// MaxBits returns the total bit capacity of this bitmap.
func (bm *Bitmap) MaxBits() int {
	return int(bm.blocks) * BitsPerBlock
}

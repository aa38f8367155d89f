// Package bcache is the block cache Easy-FS reads and writes through
// instead of touching blkdev directly: a bounded, dirty-tracking shadow of
// up to 16 blocks, FIFO-ordered, evicting the oldest entry with no
// outstanding external references. Grounded on the same cached-block shape
// biscuit's Bdev_block_t gives a disk block, narrowed to this kernel's
// single coarse filesystem lock instead of a full buffer-cache ref-counted
// LRU.
package bcache

import (
	"fmt"

	"blkdev"
	"ksync"
)

// Capacity bounds the number of resident cache entries.
const Capacity = 16

// BlockSize is the fixed on-disk block size, matching blkdev.BlockSize.
const BlockSize = blkdev.BlockSize

// Block is one cached shadow of a disk block.
type Block struct {
	id     uint32
	dev    blkdev.Device_i
	data   [BlockSize]byte
	dirty  bool
	refs   int
}

func load(id uint32, dev blkdev.Device_i) *Block {
	b := &Block{id: id, dev: dev}
	dev.ReadBlock(id, b.data[:])
	return b
}

func (b *Block) sync() {
	if b.dirty {
		b.dev.WriteBlock(b.id, b.data[:])
		b.dirty = false
	}
}

// Read projects a read-only view of the block's bytes at offset through
// fn; it does not mark the block dirty.
func Read[V any](b *Block, offset int, fn func([]byte) V) V {
	return fn(b.data[offset:])
}

// Modify projects a mutable view of the block's bytes at offset through
// fn, marking the block dirty. This is the only path that dirties a
// cached block.
func Modify[V any](b *Block, offset int, fn func([]byte) V) V {
	b.dirty = true
	return fn(b.data[offset:])
}

// Manager is the bounded cache of resident blocks, FIFO-ordered for
// eviction purposes. Its spin lock is held only inside Get, Put and
// SyncAll; blocks carry no locks of their own, so callers serialize access
// with the filesystem-wide lock above. A caller may hold several
// references at once (the filesystem layer nests them), and every block
// still referenced counts against Capacity.
type Manager struct {
	lock    *ksync.MutexSpin
	order   []uint32 // FIFO order of resident block ids
	entries map[uint32]*Block
}

// NewManager returns an empty cache manager. yield is passed through to
// the spin lock for contention backoff.
func NewManager(yield func()) *Manager {
	return &Manager{
		lock:    ksync.NewMutexSpin(yield),
		entries: make(map[uint32]*Block),
	}
}

// Get returns the cached shadow of id, loading it from dev on a miss. When
// the cache is full it evicts the oldest entry whose reference count has
// dropped to zero, flushing it first if dirty; if every resident entry is
// still referenced, Get panics — the configuration promises 16 entries is
// enough for the filesystem's working set, and running out is a
// programmer error, not a recoverable condition.
func (m *Manager) Get(id uint32, dev blkdev.Device_i) *Block {
	m.lock.Lock()
	defer m.lock.Unlock()

	if b, ok := m.entries[id]; ok {
		b.refs++
		return b
	}

	if len(m.order) >= Capacity {
		evicted := false
		for i, candidate := range m.order {
			cb := m.entries[candidate]
			if cb.refs == 0 {
				cb.sync()
				delete(m.entries, candidate)
				m.order = append(m.order[:i], m.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			panic(fmt.Sprintf("bcache: all %d resident blocks still referenced", Capacity))
		}
	}

	b := load(id, dev)
	b.refs = 1
	m.entries[id] = b
	m.order = append(m.order, id)
	return b
}

// Put releases a reference obtained from Get, making the block eligible
// for eviction once its count reaches zero.
func (m *Manager) Put(b *Block) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if b.refs > 0 {
		b.refs--
	}
}

// SyncAll flushes every dirty resident block to its device.
func (m *Manager) SyncAll() {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, id := range m.order {
		m.entries[id].sync()
	}
}

// Package mem implements the physical-frame half of the memory manager: the
// Sv39 page/PPN arithmetic, the PTE bit layout, and the bump-then-freelist
// frame allocator described in the frame-allocator component. Everything
// above a physical frame (page tables, address spaces) lives in sibling
// packages that import this one, the same layering biscuit uses between its
// mem and vm packages.
package mem

import (
	"sync"
	"unsafe"

	"config"
	"util"
)

// Ppn is a physical page number: a physical address with the page offset
// bits shifted out.
type Ppn uint64

// Pa returns the physical byte address of the start of this page.
func (p Ppn) Pa() uint64 {
	return uint64(p) << config.PageSizeBits
}

// PaToPpn floors a physical address to its containing page.
func PaToPpn(pa uint64) Ppn {
	return Ppn(pa >> config.PageSizeBits)
}

// PaToPpnCeil rounds a physical address up to the next page boundary and
// returns the page number.
func PaToPpnCeil(pa uint64) Ppn {
	return PaToPpn(util.Roundup(pa, uint64(config.PageSize)))
}

// Sv39 PTE flag bits, packed into bits [7:0] of every page-table entry.
const (
	PteV uint64 = 1 << 0 // valid
	PteR uint64 = 1 << 1 // readable
	PteW uint64 = 1 << 2 // writable
	PteX uint64 = 1 << 3 // executable
	PteU uint64 = 1 << 4 // accessible in U-mode
	PteG uint64 = 1 << 5 // global
	PteA uint64 = 1 << 6 // accessed
	PteD uint64 = 1 << 7 // dirty
)

// Page is one 4096-byte physical page viewed as bytes.
type Page [config.PageSize]byte

// frameAllocator hands out physical frames in [start, end) using a bump
// cursor for frames never yet issued and a LIFO free list for recycled
// ones. This mirrors the teaching kernel's StackFrameAllocator: recycled
// frames are preferred over the bump cursor so that a tight alloc/dealloc
// loop never grows the high-water mark.
type frameAllocator struct {
	sync.Mutex
	cursor   Ppn
	end      Ppn
	recycled []Ppn
}

var allocator frameAllocator

// dmap gives this package a way to read/zero physical pages without a direct
// map: in this kernel physical memory is identity-mapped in the kernel
// address space, so a physical address is also a valid kernel virtual
// address once the kernel's page table is active. Before that (during
// early boot) frames are accessed through this same identity relationship
// because the kernel runs uncapped for the first few instructions.
func dmap(p Ppn) *Page {
	return (*Page)(unsafe.Pointer(uintptr(p.Pa())))
}

// Init sets the allocatable frame range to [ekernelCeil, MEMORY_END
// floor), the same bound the frame-allocator component specifies.
func Init(ekernelCeil Ppn) {
	allocator.Lock()
	defer allocator.Unlock()
	allocator.cursor = ekernelCeil
	allocator.end = PaToPpn(config.MemoryEnd)
	allocator.recycled = nil
}

// FrameTracker owns exactly one physical frame. Its backing bytes are
// zeroed when the frame is allocated. Dropping the only way to release a
// frame is to call Drop; losing a tracker without calling Drop leaks the
// frame permanently, which is why every owner of a FrameTracker keeps it
// as a value field rather than copying the Ppn out on its own.
type FrameTracker struct {
	ppn  Ppn
	live bool
}

// Alloc pops a frame off the free list, falling back to the bump cursor.
// The returned frame's contents are zeroed. It returns ok=false when the
// allocator is exhausted.
func Alloc() (*FrameTracker, bool) {
	ppn, ok := allocRaw()
	if !ok {
		return nil, false
	}
	pg := dmap(ppn)
	for i := range pg {
		pg[i] = 0
	}
	return &FrameTracker{ppn: ppn, live: true}, true
}

func allocRaw() (Ppn, bool) {
	allocator.Lock()
	defer allocator.Unlock()
	if n := len(allocator.recycled); n > 0 {
		ppn := allocator.recycled[n-1]
		allocator.recycled = allocator.recycled[:n-1]
		return ppn, true
	}
	if allocator.cursor >= allocator.end {
		return 0, false
	}
	ppn := allocator.cursor
	allocator.cursor++
	return ppn, true
}

func dealloc(ppn Ppn) {
	allocator.Lock()
	defer allocator.Unlock()
	if ppn >= allocator.cursor {
		panic("mem: dealloc of frame never allocated")
	}
	for _, r := range allocator.recycled {
		if r == ppn {
			panic("mem: double free of frame")
		}
	}
	allocator.recycled = append(allocator.recycled, ppn)
}

// Ppn returns the physical page number this tracker owns.
func (f *FrameTracker) Ppn() Ppn {
	return f.ppn
}

// Bytes returns the backing page as a byte slice for direct manipulation
// (ELF segment copies, zeroing, raw struct overlays).
func (f *FrameTracker) Bytes() *Page {
	return dmap(f.ppn)
}

// Bytes gives direct access to the physical page a bare PPN names, for
// callers (trap-context lookup, cross-address-space byte copies) that
// only have the PPN and not the FrameTracker that allocated it.
func (p Ppn) Bytes() *Page {
	return dmap(p)
}

// Drop releases the frame back to the allocator. Calling Drop twice
// panics: at most one live FrameTracker may exist per PPN at a time.
func (f *FrameTracker) Drop() {
	if !f.live {
		panic("mem: double drop of FrameTracker")
	}
	f.live = false
	dealloc(f.ppn)
}

// Package vmm builds address spaces on top of pgtbl: map areas, the kernel's
// identity-mapped space, ELF-derived user spaces, and the page-by-page fork
// clone. It is the direct analogue of biscuit's vm package, but for Sv39's
// simpler non-recursive tree and without copy-on-write.
package vmm

import (
	"sort"

	"config"
	"mem"
	"pgtbl"
)

// MapType distinguishes an identity map (kernel, VPN == PPN) from a framed
// map (freshly allocated physical frames own the backing storage).
type MapType int

const (
	Identical MapType = iota
	Framed
)

// Permission flags, independent of the V bit pgtbl adds automatically.
const (
	PermR = mem.PteR
	PermW = mem.PteW
	PermX = mem.PteX
	PermU = mem.PteU
)

// MapArea is one logical segment of an address space: a half-open VPN range,
// a map kind, and a permission set. Framed areas own their backing frames
// and release them when Unmap is called.
type MapArea struct {
	startVpn, endVpn pgtbl.Vpn
	kind             MapType
	perm             uint64
	frames           map[pgtbl.Vpn]*mem.FrameTracker
}

// NewMapArea describes a segment covering [startVa, endVa) rounded to page
// boundaries; it is not yet installed in any page table.
func NewMapArea(startVa, endVa uint64, kind MapType, perm uint64) *MapArea {
	a := &MapArea{
		startVpn: pgtbl.VaToVpn(startVa),
		endVpn:   pgtbl.VaToVpnCeil(endVa),
		kind:     kind,
		perm:     perm,
	}
	if kind == Framed {
		a.frames = make(map[pgtbl.Vpn]*mem.FrameTracker)
	}
	return a
}

func (a *MapArea) mapOne(pt *pgtbl.PageTable, vpn pgtbl.Vpn) {
	var ppn mem.Ppn
	switch a.kind {
	case Identical:
		ppn = mem.Ppn(vpn)
	case Framed:
		f, ok := mem.Alloc()
		if !ok {
			panic("vmm: out of memory mapping framed area")
		}
		ppn = f.Ppn()
		a.frames[vpn] = f
	}
	pt.Map(vpn, ppn, a.perm)
}

func (a *MapArea) unmapOne(pt *pgtbl.PageTable, vpn pgtbl.Vpn) {
	if a.kind == Framed {
		if f, ok := a.frames[vpn]; ok {
			f.Drop()
			delete(a.frames, vpn)
		}
	}
	pt.Unmap(vpn)
}

// Map installs every page of the area into pt.
func (a *MapArea) Map(pt *pgtbl.PageTable) {
	for vpn := a.startVpn; vpn < a.endVpn; vpn++ {
		a.mapOne(pt, vpn)
	}
}

// Unmap removes every page of the area from pt, releasing any owned frames.
func (a *MapArea) Unmap(pt *pgtbl.PageTable) {
	for vpn := a.startVpn; vpn < a.endVpn; vpn++ {
		a.unmapOne(pt, vpn)
	}
}

// CopyData copies data into the area's frames, page by page, starting at
// the area's first VPN. Only valid for Framed areas already mapped into pt.
func (a *MapArea) CopyData(pt *pgtbl.PageTable, data []byte) {
	if a.kind != Framed {
		panic("vmm: copyData on non-framed area")
	}
	vpn := a.startVpn
	start := 0
	for start < len(data) {
		end := start + config.PageSize
		if end > len(data) {
			end = len(data)
		}
		pte, ok := pt.Translate(vpn)
		if !ok {
			panic("vmm: copyData on unmapped vpn")
		}
		dst := pte.Ppn().Bytes()
		copy(dst[:], data[start:end])
		start = end
		vpn++
	}
}

func (a *MapArea) clone() *MapArea {
	return NewMapArea(a.startVpn.Va(), a.endVpn.Va(), a.kind, a.perm)
}

// Set is an address space: a page table plus an ordered list of map areas.
type Set struct {
	pt    *pgtbl.PageTable
	areas []*MapArea
}

// NewBare returns an address space with a fresh, empty page table.
func NewBare() *Set {
	return &Set{pt: pgtbl.New()}
}

// Token returns the satp value activating this address space.
func (s *Set) Token() uint64 {
	return s.pt.Token()
}

// PageTable exposes the underlying table for callers (trap context setup,
// translation helpers) that need it directly.
func (s *Set) PageTable() *pgtbl.PageTable {
	return s.pt
}

// Push maps area into the address space and, if data is non-nil, copies it
// in. The area is retained so its frames are released when the set drops.
func (s *Set) Push(area *MapArea, data []byte) {
	area.Map(s.pt)
	if data != nil {
		area.CopyData(s.pt, data)
	}
	s.areas = append(s.areas, area)
}

// InsertFramedArea is the common case of Push: a fresh framed area with no
// initial data, used for the user stack and the trap-context page.
func (s *Set) InsertFramedArea(startVa, endVa uint64, perm uint64) {
	s.Push(NewMapArea(startVa, endVa, Framed, perm), nil)
}

// RemoveAreaWithStartVpn unmaps and drops the area beginning at startVa, if
// one exists.
func (s *Set) RemoveAreaWithStartVpn(startVa uint64) {
	startVpn := pgtbl.VaToVpn(startVa)
	for i, a := range s.areas {
		if a.startVpn == startVpn {
			a.Unmap(s.pt)
			s.areas = append(s.areas[:i], s.areas[i+1:]...)
			return
		}
	}
}

// MapTrampoline installs the trampoline page: VA config.Trampoline mapped
// to trampolinePpn, R|X, no U. Every address space carries this mapping so
// control can cross satp transitions without faulting.
func (s *Set) MapTrampoline(trampolinePpn mem.Ppn) {
	s.pt.Map(pgtbl.VaToVpn(config.Trampoline), trampolinePpn, PermR|PermX)
}

// Segment describes one section of the kernel image the bootstrap code
// must identity-map. The running kernel supplies the concrete addresses
// from its linker script; vmm only knows the shape.
type Segment struct {
	Start, End uint64
	Perm       uint64
}

// NewKernel builds the kernel's own address space: the trampoline, then an
// identity map of every kernel image segment, then an identity map of
// physical memory above the kernel image, then an identity map of every
// MMIO window the board declares.
func NewKernel(trampolinePpn mem.Ppn, segments []Segment, ekernel uint64, mmio []Segment) *Set {
	s := NewBare()
	s.MapTrampoline(trampolinePpn)
	for _, seg := range segments {
		s.Push(NewMapArea(seg.Start, seg.End, Identical, seg.Perm), nil)
	}
	s.Push(NewMapArea(ekernel, config.MemoryEnd, Identical, PermR|PermW), nil)
	for _, seg := range mmio {
		s.Push(NewMapArea(seg.Start, seg.End, Identical, PermR|PermW), nil)
	}
	return s
}

// ElfSegment is one PT_LOAD program header, already filtered to loadable
// segments with its flags translated to vmm permission bits.
type ElfSegment struct {
	Vaddr, Memsz uint64
	Filesz       uint64
	Data         []byte // exactly Filesz bytes, from the ELF image
	Perm         uint64 // R/W/X, U added by FromElf
}

// FromElfResult bundles the values from_elf needs to hand the caller: the
// address space, the main thread's user stack top, the ELF entry point,
// and UstackBase, the bottom of the main thread's user stack, one guard
// page above every loaded segment — from which each thread's user stack is
// carved out, one (UserStackSize+PageSize) slot per TID.
type FromElfResult struct {
	Set       *Set
	UserSp    uint64
	Entry     uint64
	UstackBase uint64
}

// FromElf builds a user address space from parsed ELF load segments (ELF64
// parsing itself lives in the caller, which owns ELF-library choice). It
// maps the trampoline, every PT_LOAD segment, a guard page, the user
// stack, and the trap-context page, in that order.
func FromElf(trampolinePpn mem.Ppn, segs []ElfSegment, entry uint64) *FromElfResult {
	s := NewBare()
	s.MapTrampoline(trampolinePpn)

	sorted := append([]ElfSegment(nil), segs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Vaddr < sorted[j].Vaddr })

	var maxEnd uint64
	for _, seg := range sorted {
		area := NewMapArea(seg.Vaddr, seg.Vaddr+seg.Memsz, Framed, seg.Perm|PermU)
		s.Push(area, seg.Data)
		if end := seg.Vaddr + seg.Memsz; end > maxEnd {
			maxEnd = end
		}
	}

	maxEndVa := pgtbl.VaToVpnCeil(maxEnd).Va()
	userStackBottom := maxEndVa + config.PageSize // one guard page
	userStackTop := userStackBottom + config.UserStackSize
	s.InsertFramedArea(userStackBottom, userStackTop, PermR|PermW|PermU)

	s.InsertFramedArea(config.TrapContext, config.Trampoline, PermR|PermW)

	return &FromElfResult{Set: s, UserSp: userStackTop, Entry: entry, UstackBase: userStackBottom}
}

// FromExistedUser clones a user address space: the trampoline, then for
// every framed area of src a same-sized framed area in the result with a
// fresh set of physical frames, with src's bytes copied in page by page.
// The kernel stack and identity-mapped areas never appear in user address
// spaces, so there is nothing else to clone.
func FromExistedUser(trampolinePpn mem.Ppn, src *Set) *Set {
	dst := NewBare()
	dst.MapTrampoline(trampolinePpn)
	for _, area := range src.areas {
		na := area.clone()
		dst.Push(na, nil)
		for vpn := area.startVpn; vpn < area.endVpn; vpn++ {
			srcPte, ok := src.pt.Translate(vpn)
			if !ok {
				continue
			}
			dstPte, ok := dst.pt.Translate(vpn)
			if !ok {
				panic("vmm: clone target vpn unmapped")
			}
			copy(dstPte.Ppn().Bytes()[:], srcPte.Ppn().Bytes()[:])
		}
	}
	return dst
}

// Activate writes satp for this address space and issues a TLB-wide
// sfence.vma. On real hardware this is the only place satp changes for a
// user task; here it is exposed so the scheduler and boot code can call it
// without knowing about pgtbl directly.
func (s *Set) Activate(writeSatp func(uint64), sfenceVma func()) {
	writeSatp(s.Token())
	sfenceVma()
}

// Drop releases every area's frames and the page table itself.
func (s *Set) Drop() {
	for _, a := range s.areas {
		a.Unmap(s.pt)
	}
	s.areas = nil
	s.pt.Drop()
}

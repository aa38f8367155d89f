// Package pgtbl implements the Sv39 three-level page table: the walk with
// and without on-demand node creation, the map/unmap/translate operations,
// the satp token, and the cross-address-space byte-copy helpers syscall
// argument translation needs. It plays the role biscuit's vm package plays
// for x86-64, adapted to RISC-V's simpler, non-recursive three-level tree.
package pgtbl

import (
	"unsafe"

	"mem"
	"util"
)

// Vpn is a virtual page number: a 27-bit index split into three 9-bit
// levels by Indexes.
type Vpn uint64

// VaToVpn floors a virtual address to its containing page.
func VaToVpn(va uint64) Vpn {
	return Vpn(va >> 12)
}

// VaToVpnCeil rounds a virtual address up to the next page boundary.
func VaToVpnCeil(va uint64) Vpn {
	return VaToVpn(util.Roundup(va, 0x1000))
}

// Va returns the virtual address at the start of this page.
func (v Vpn) Va() uint64 {
	return uint64(v) << 12
}

// Indexes splits the VPN into [level2, level1, level0] 9-bit indexes, the
// order a walk descends: level2 first, level0 is the leaf.
func (v Vpn) Indexes() [3]int {
	var idx [3]int
	vv := uint64(v)
	for i := 2; i >= 0; i-- {
		idx[i] = int(vv & 0x1ff)
		vv >>= 9
	}
	return idx
}

// Pte is one Sv39 page-table entry: bits [53:10] are the child/leaf PPN,
// bits [7:0] are the V R W X U G A D flags.
type Pte uint64

// MkPte packs a PPN and flag bits into a page-table entry.
func MkPte(ppn mem.Ppn, flags uint64) Pte {
	return Pte(uint64(ppn)<<10 | flags)
}

// Ppn extracts the PPN field of the entry.
func (e Pte) Ppn() mem.Ppn {
	return mem.Ppn((uint64(e) >> 10) & ((1 << 44) - 1))
}

// Flags extracts the low 8 flag bits of the entry.
func (e Pte) Flags() uint64 {
	return uint64(e) & 0xff
}

// Valid reports whether the V bit is set.
func (e Pte) Valid() bool {
	return uint64(e)&mem.PteV != 0
}

// node is one page-table-sized array of 512 PTEs, addressed by physical
// page.
type node [512]Pte

func nodeAt(p mem.Ppn) *node {
	return (*node)(unsafe.Pointer(uintptr(p.Pa())))
}

// PageTable is an owned Sv39 page table: a root PPN plus the list of
// frames backing every interior node it allocated. Dropping the table
// (via Drop) releases every one of those frames.
type PageTable struct {
	root   *mem.FrameTracker
	frames []*mem.FrameTracker
	// borrowed is true for a PageTable built by FromToken: it does not
	// own any frames and Drop is a no-op. Used to translate another
	// address space's user pointers without taking ownership of it.
	borrowed bool
	rootPpn  mem.Ppn
}

// New allocates a fresh, empty page table (a single root node, no
// mappings).
func New() *PageTable {
	f, ok := mem.Alloc()
	if !ok {
		panic("pgtbl: out of memory allocating root page table")
	}
	return &PageTable{root: f, rootPpn: f.Ppn()}
}

// FromToken builds a borrow-only view of another address space's table
// from its satp token, for use translating user pointers during a
// syscall. The returned table owns no frames; Drop on it is a no-op.
func FromToken(token uint64) *PageTable {
	return &PageTable{rootPpn: mem.Ppn(token & ((1 << 44) - 1)), borrowed: true}
}

// Token returns the satp value activating this table: mode 8 (Sv39) in
// the top four bits, root PPN in the bottom 44.
func (pt *PageTable) Token() uint64 {
	return 8<<60 | uint64(pt.rootPpn)
}

// findOrCreate walks to the leaf PTE for vpn, allocating interior frames
// as needed, and returns a pointer to that PTE.
func (pt *PageTable) findOrCreate(vpn Vpn) *Pte {
	idx := vpn.Indexes()
	ppn := pt.rootPpn
	for i := 0; i < 2; i++ {
		n := nodeAt(ppn)
		pte := &n[idx[i]]
		if !pte.Valid() {
			f, ok := mem.Alloc()
			if !ok {
				panic("pgtbl: out of memory allocating interior node")
			}
			pt.frames = append(pt.frames, f)
			*pte = MkPte(f.Ppn(), mem.PteV)
		}
		ppn = pte.Ppn()
	}
	n := nodeAt(ppn)
	return &n[idx[2]]
}

// find walks to the leaf PTE for vpn without creating missing interior
// nodes, returning nil as soon as an invalid node is encountered.
func (pt *PageTable) find(vpn Vpn) *Pte {
	idx := vpn.Indexes()
	ppn := pt.rootPpn
	for i := 0; i < 2; i++ {
		n := nodeAt(ppn)
		pte := &n[idx[i]]
		if !pte.Valid() {
			return nil
		}
		ppn = pte.Ppn()
	}
	n := nodeAt(ppn)
	return &n[idx[2]]
}

// Map installs ppn at vpn with the given permission flags (V is added
// automatically). It panics if vpn is already mapped.
func (pt *PageTable) Map(vpn Vpn, ppn mem.Ppn, flags uint64) {
	pte := pt.findOrCreate(vpn)
	if pte.Valid() {
		panic("pgtbl: remap of mapped vpn")
	}
	*pte = MkPte(ppn, flags|mem.PteV)
}

// Unmap clears the leaf mapping for vpn. It panics if vpn was not
// mapped.
func (pt *PageTable) Unmap(vpn Vpn) {
	pte := pt.find(vpn)
	if pte == nil || !pte.Valid() {
		panic("pgtbl: unmap of unmapped vpn")
	}
	*pte = 0
}

// Translate returns the leaf PTE for vpn by value, or ok=false if any
// level of the walk is invalid.
func (pt *PageTable) Translate(vpn Vpn) (Pte, bool) {
	pte := pt.find(vpn)
	if pte == nil || !pte.Valid() {
		return 0, false
	}
	return *pte, true
}

// TranslateVa resolves a full virtual address to a physical address,
// preserving the page offset.
func (pt *PageTable) TranslateVa(va uint64) (uint64, bool) {
	pte, ok := pt.Translate(VaToVpn(va))
	if !ok {
		return 0, false
	}
	return pte.Ppn().Pa() | (va & 0xfff), true
}

// Drop releases every interior and root frame this table owns. It is a
// no-op for a table built with FromToken.
func (pt *PageTable) Drop() {
	if pt.borrowed {
		return
	}
	for _, f := range pt.frames {
		f.Drop()
	}
	pt.frames = nil
	pt.root.Drop()
}

// TranslatedByteBuffer walks the table named by token page by page,
// covering the user buffer [ptr, ptr+length), and returns a list of
// kernel-addressable slices whose concatenation is that buffer's bytes.
// A buffer may straddle pages, hence the list instead of one slice.
func TranslatedByteBuffer(token uint64, ptr uint64, length int) [][]byte {
	pt := FromToken(token)
	var out [][]byte
	start := ptr
	end := ptr + uint64(length)
	for start < end {
		vpn := VaToVpn(start)
		pte, ok := pt.Translate(vpn)
		if !ok {
			panic("pgtbl: translate of unmapped user page")
		}
		pageEnd := (vpn.Va()) + 0x1000
		sliceEnd := pageEnd
		if end < sliceEnd {
			sliceEnd = end
		}
		base := pte.Ppn().Pa()
		lo := start & 0xfff
		hi := sliceEnd - vpn.Va()
		full := (*mem.Page)(unsafe.Pointer(uintptr(base)))
		out = append(out, full[lo:hi])
		start = sliceEnd
	}
	return out
}

// TranslatedStr copies a NUL-terminated string from user space, stopping
// at the first 0 byte.
func TranslatedStr(token uint64, ptr uint64) string {
	pt := FromToken(token)
	var b []byte
	va := ptr
	for {
		pa, ok := pt.TranslateVa(va)
		if !ok {
			panic("pgtbl: translate of unmapped user string byte")
		}
		c := *(*byte)(unsafe.Pointer(uintptr(pa)))
		if c == 0 {
			break
		}
		b = append(b, c)
		va++
	}
	return string(b)
}

// TranslatedRef resolves a single user virtual address of type T to a
// kernel-addressable pointer.
func TranslatedRef[T any](token uint64, ptr uint64) *T {
	pt := FromToken(token)
	pa, ok := pt.TranslateVa(ptr)
	if !ok {
		panic("pgtbl: translate of unmapped user pointer")
	}
	return (*T)(unsafe.Pointer(uintptr(pa)))
}

// Package mem implements Sv39 physical-page and page-table management:
// a refcounted physical page allocator with a single locked free list (adapted
// from biscuit's mem/mem.go) and a three-level Sv39 page table walker
// (adapted from biscuit's four-level x86 walk in mem/dmap.go, collapsed
// from PML4/PDPT/PD/PT to RISC-V's VPN[2]/VPN[1]/VPN[0]).
package mem

import (
	"sync"
	"sync/atomic"

	"github.com/open-nexus-os/neuron/internal/defs"
	"github.com/open-nexus-os/neuron/internal/util"
)

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT = 12

// PGSIZE is the size of a page in bytes.
const PGSIZE = 1 << PGSHIFT

// PGOFFSET masks the in-page offset of a virtual or physical address.
const PGOFFSET = PGSIZE - 1

// Sv39 PTE bits, standard RISC-V encoding.
const (
	PTE_V Pa_t = 1 << 0 // valid
	PTE_R Pa_t = 1 << 1 // readable
	PTE_W Pa_t = 1 << 2 // writable
	PTE_X Pa_t = 1 << 3 // executable
	PTE_U Pa_t = 1 << 4 // user-accessible
	PTE_G Pa_t = 1 << 5 // global
	PTE_A Pa_t = 1 << 6 // accessed
	PTE_D Pa_t = 1 << 7 // dirty
)

// Pa_t is a physical address (or, for a PTE slot, the encoded PTE
// value: flags in the low bits, PPN above them).
type Pa_t uintptr

// Page_t is a single page-sized byte buffer.
type Page_t [PGSIZE]byte

// PageTable_t is one level of a Sv39 page table: 512 eight-byte PTEs.
type PageTable_t [512]Pa_t

// vpn extracts VPN[level] (level 2, 1, or 0) from a virtual address.
func vpn(va uintptr, level int) uintptr {
	return (va >> (PGSHIFT + 9*uint(level))) & 0x1ff
}

// Physpage_t tracks one physical page's refcount and backing bytes.
type Physpage_t struct {
	Refcnt int32
	Data   Page_t
	nexti  uint32
}

// Physmem is the global simulated physical memory: a fixed arena of
// pages plus a refcounted free list, mirroring biscuit's Physmem_t
// (mem/mem.go) without the per-CPU free-list sharding -- Neuron's
// hosted allocator is already contention-light (a single process, not
// a bare-metal box), so one free list with a mutex is the honest
// simplification; the refcount/free-list *shape* is kept faithfully.
type Physmem_t struct {
	mu      sync.Mutex
	pages   []Physpage_t
	freei   uint32
	freelen int
}

const noFree = ^uint32(0)

// NewPhysmem allocates an arena of npages simulated physical pages,
// all initially free.
func NewPhysmem(npages int) *Physmem_t {
	if npages <= 0 {
		panic("mem: npages must be positive")
	}
	p := &Physmem_t{pages: make([]Physpage_t, npages)}
	for i := range p.pages {
		p.pages[i].nexti = uint32(i + 1)
	}
	p.pages[npages-1].nexti = noFree
	p.freei = 0
	p.freelen = npages
	return p
}

// NPages reports the arena size.
func (p *Physmem_t) NPages() int { return len(p.pages) }

// Free reports the number of unallocated pages.
func (p *Physmem_t) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freelen
}

func (p *Physmem_t) idx(pa Pa_t) int {
	i := int(pa) >> PGSHIFT
	if i < 0 || i >= len(p.pages) {
		panic("mem: physical address out of arena")
	}
	return i
}

// Alloc removes a page from the free list and returns its physical
// address with refcount 1. ok is false if the arena is exhausted.
func (p *Physmem_t) Alloc() (pa Pa_t, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freei == noFree {
		return 0, false
	}
	idx := p.freei
	p.freei = p.pages[idx].nexti
	p.freelen--
	p.pages[idx].Refcnt = 1
	p.pages[idx].Data = Page_t{}
	return Pa_t(idx) << PGSHIFT, true
}

// Refup increments a page's reference count.
func (p *Physmem_t) Refup(pa Pa_t) {
	i := p.idx(pa)
	if atomic.AddInt32(&p.pages[i].Refcnt, 1) <= 1 {
		panic("mem: refup of a free page")
	}
}

// Refdown decrements a page's reference count, returning the page to
// the free list and returning true when the count reaches zero.
func (p *Physmem_t) Refdown(pa Pa_t) bool {
	i := p.idx(pa)
	c := atomic.AddInt32(&p.pages[i].Refcnt, -1)
	if c < 0 {
		panic("mem: refcount underflow")
	}
	if c != 0 {
		return false
	}
	p.mu.Lock()
	p.pages[i].nexti = p.freei
	p.freei = uint32(i)
	p.freelen++
	p.mu.Unlock()
	return true
}

// Refcnt reports a page's current reference count.
func (p *Physmem_t) Refcnt(pa Pa_t) int {
	return int(atomic.LoadInt32(&p.pages[p.idx(pa)].Refcnt))
}

// Dmap is Neuron's direct map: in the hosted model physical pages are
// simply arena slots, so "direct mapping" a physical address is
// returning a pointer to its backing bytes -- the hosted analogue of
// biscuit's Dmap, which computes a kernel virtual address into an
// actual direct-mapped region (mem/dmap.go).
func (p *Physmem_t) Dmap(pa Pa_t) *Page_t {
	return &p.pages[p.idx(pa)].Data
}

// PmapWalk walks the three-level Sv39 page table rooted at root for
// virtual address va, returning a pointer to the leaf PTE. When
// create is true, missing intermediate tables are allocated.
func PmapWalk(phys *Physmem_t, tables *TableArena, root Pa_t, va uintptr, create bool) (*Pa_t, defs.Err_t) {
	cur := tables.get(root)
	for level := 2; level >= 1; level-- {
		i := vpn(va, level)
		pte := &cur[i]
		if *pte&PTE_V == 0 {
			if !create {
				return nil, defs.ENOTMAPPED
			}
			pa, ok := phys.Alloc()
			if !ok {
				return nil, defs.ENOMEM
			}
			tables.put(pa, &PageTable_t{})
			*pte = pa | PTE_V
		}
		child := Pa_t(*pte) &^ Pa_t(PGOFFSET)
		cur = tables.get(child)
	}
	i := vpn(va, 0)
	return &cur[i], 0
}

// TableArena owns the in-memory representation of every allocated page
// table in the system, keyed by physical address. The hosted model
// cannot address a PageTable_t through a raw physical pointer the way
// biscuit does (mem/dmap.go's recursive mapping trick), so TableArena
// is the explicit index that plays the same role.
type TableArena struct {
	mu     sync.Mutex
	tables map[Pa_t]*PageTable_t
}

// NewTableArena creates an empty table arena.
func NewTableArena() *TableArena {
	return &TableArena{tables: make(map[Pa_t]*PageTable_t)}
}

func (a *TableArena) get(pa Pa_t) *PageTable_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tables[pa]
	if !ok {
		panic("mem: page table not present in arena")
	}
	return t
}

func (a *TableArena) put(pa Pa_t, t *PageTable_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tables[pa] = t
}

// NewRoot allocates a fresh, empty top-level Sv39 page table and
// registers it in the arena.
func (a *TableArena) NewRoot(phys *Physmem_t) (Pa_t, defs.Err_t) {
	pa, ok := phys.Alloc()
	if !ok {
		return 0, defs.ENOMEM
	}
	a.put(pa, &PageTable_t{})
	return pa, 0
}

// Free releases every page-table page reachable from root (but not
// the leaf data pages they map, which are owned by VMOs/regions), for
// use when an address space is torn down.
func (a *TableArena) Free(phys *Physmem_t, root Pa_t) {
	a.freeLevel(phys, root, 2)
}

func (a *TableArena) freeLevel(phys *Physmem_t, pa Pa_t, level int) {
	t := a.get(pa)
	if level > 0 {
		for _, pte := range t {
			if pte&PTE_V != 0 {
				child := Pa_t(pte) &^ Pa_t(PGOFFSET)
				a.freeLevel(phys, child, level-1)
			}
		}
	}
	a.mu.Lock()
	delete(a.tables, pa)
	a.mu.Unlock()
	phys.Refdown(pa)
}

// PageAligned reports whether v is a multiple of PGSIZE.
func PageAligned(v int) bool {
	return util.Aligned(v, PGSIZE)
}

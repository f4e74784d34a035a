// Package vm implements the Address Space Manager: Sv39 page-table
// construction and activation, segment mapping with explicit RWX
// flags, guard pages, and the SATP activation trampoline. It
// generalizes biscuit's Vm_t (vm/as.go) and its region list from
// biscuit's COW/lazy-fault anonymous-or-file model to eager,
// explicitly-protected mapping: nothing here requires demand paging,
// so Neuron maps pages directly at as_map time and keeps the W^X and
// overlap checks that do matter.
package vm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/open-nexus-os/neuron/internal/defs"
	"github.com/open-nexus-os/neuron/internal/mem"
	"github.com/open-nexus-os/neuron/internal/platform"
	"github.com/open-nexus-os/neuron/internal/uart"
	"github.com/open-nexus-os/neuron/internal/vmo"
)

// Prot_t is a mapping's protection: a subset of {Read, Write, Execute}
// with the invariant that Write and Execute never both appear.
type Prot_t uint

const (
	ProtR Prot_t = 1 << iota
	ProtW
	ProtX
)

// Valid reports whether p is a legal protection value (never W+X).
func (p Prot_t) Valid() bool {
	return p&(ProtW|ProtX) != (ProtW | ProtX)
}

func (p Prot_t) pte() mem.Pa_t {
	var f mem.Pa_t
	if p&ProtR != 0 {
		f |= mem.PTE_R
	}
	if p&ProtW != 0 {
		f |= mem.PTE_W
	}
	if p&ProtX != 0 {
		f |= mem.PTE_X
	}
	return f
}

// Source_t describes what backs a region: an anonymous zero-filled
// page range, or an offset into a VMO.
type Source_t struct {
	Anon      bool
	Vmo       vmo.Id_t
	VmoOffset int
}

// Region_t is one mapped, non-overlapping extent of an address space.
type Region_t struct {
	Base uintptr
	Len  uintptr
	Prot Prot_t
	Src  Source_t
}

func (r Region_t) end() uintptr { return r.Base + r.Len }

func (r Region_t) overlaps(base, length uintptr) bool {
	end := base + length
	return base < r.end() && end > r.Base
}

// Id_t identifies an address space.
type Id_t uint64

// AddressSpace_t is a Sv39 page table plus its list of mapped regions.
// The embedded mutex protects both: concurrent mappers of the same
// address space serialize on a per-address-space lock.
type AddressSpace_t struct {
	mu       sync.Mutex
	id       Id_t
	root     mem.Pa_t
	regions  []Region_t // kept sorted by Base
	active   bool        // true once Activate has run (SATP "loaded")
	privileged bool
}

// Manager_t creates and activates address spaces, owning the shared
// physical allocator, page-table arena, and VMO registry every
// AddressSpace_t draws from.
type Manager_t struct {
	Phys   *mem.Physmem_t
	Tables *mem.TableArena
	Vmos   *vmo.Registry_t
	Tlb    *platform.TLBShootdown

	mu   sync.Mutex
	next Id_t
	byId map[Id_t]*AddressSpace_t
}

// NewManager builds an address-space manager over the given physical
// allocator, page-table arena, and VMO registry.
func NewManager(phys *mem.Physmem_t, tables *mem.TableArena, vmos *vmo.Registry_t) *Manager_t {
	return &Manager_t{
		Phys:   phys,
		Tables: tables,
		Vmos:   vmos,
		Tlb:    &platform.TLBShootdown{},
		next:   1,
		byId:   make(map[Id_t]*AddressSpace_t),
	}
}

// Create produces an empty address space with a fresh root page table
// (as_create). Fails with OutOfMemory if the root page table cannot be
// allocated.
func (m *Manager_t) Create(privileged bool) (Id_t, defs.Err_t) {
	root, err := m.Tables.NewRoot(m.Phys)
	if err != 0 {
		return 0, err
	}
	as := &AddressSpace_t{root: root, privileged: privileged}
	m.mu.Lock()
	id := m.next
	m.next++
	as.id = id
	m.byId[id] = as
	m.mu.Unlock()
	return id, 0
}

// Lookup returns the address space for id.
func (m *Manager_t) Lookup(id Id_t) (*AddressSpace_t, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, ok := m.byId[id]
	if !ok {
		return nil, defs.ENOTFOUND
	}
	return as, 0
}

// Destroy frees an address space's page tables. Called once the last
// task and last capability referencing it are gone.
func (m *Manager_t) Destroy(id Id_t) defs.Err_t {
	m.mu.Lock()
	as, ok := m.byId[id]
	if ok {
		delete(m.byId, id)
	}
	m.mu.Unlock()
	if !ok {
		return defs.ENOTFOUND
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.regions {
		if r.Src.Anon {
			m.freeAnon(as, r)
		}
	}
	m.Tables.Free(m.Phys, as.root)
	return 0
}

func (m *Manager_t) freeAnon(as *AddressSpace_t, r Region_t) {
	for off := uintptr(0); off < r.Len; off += mem.PGSIZE {
		pte, err := mem.PmapWalk(m.Phys, m.Tables, as.root, r.Base+off, false)
		if err != 0 {
			continue
		}
		if *pte&mem.PTE_V != 0 {
			pa := mem.Pa_t(*pte) &^ mem.Pa_t(mem.PGOFFSET)
			m.Phys.Refdown(pa)
		}
	}
}

// Id reports the address space's identifier.
func (as *AddressSpace_t) Id() Id_t { return as.id }

// Privileged reports whether this address space belongs to a
// privileged (kernel-side) task; mmio_map refuses to target one.
func (as *AddressSpace_t) Privileged() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.privileged
}

// Regions returns a snapshot of the currently mapped regions, sorted
// by base address, for tests asserting the round-trip invariant
// ("as_map; as_unmap restores the prior region set").
func (as *AddressSpace_t) Regions() []Region_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]Region_t, len(as.regions))
	copy(out, as.regions)
	return out
}

// Map installs a region (as_map). vaddr and len must be page-aligned;
// the region must not overlap any existing mapping; prot must not
// request both Write and Execute. source selects VMO-backed or
// anonymous content.
func (m *Manager_t) Map(as *AddressSpace_t, vaddr, length uintptr, prot Prot_t, src Source_t) defs.Err_t {
	if length == 0 || !mem.PageAligned(int(vaddr)) || !mem.PageAligned(int(length)) {
		return defs.EINVAL
	}
	if !prot.Valid() {
		return defs.EWX
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, r := range as.regions {
		if r.overlaps(vaddr, length) {
			return defs.EOVERLAP
		}
	}

	// Guard pages (prot == 0) carry no backing and are never walked
	// into the page table; a fault on one is always rejected by the
	// caller's translation lookup, exactly as biscuit's vmi.Perms == 0
	// guard check does in vm/as.go's Sys_pgfault.
	if prot != 0 {
		if err := m.populate(as, vaddr, length, prot, src); err != 0 {
			return err
		}
	}

	region := Region_t{Base: vaddr, Len: length, Prot: prot, Src: src}
	as.regions = append(as.regions, region)
	sort.Slice(as.regions, func(i, j int) bool { return as.regions[i].Base < as.regions[j].Base })
	return 0
}

func (m *Manager_t) populate(as *AddressSpace_t, vaddr, length uintptr, prot Prot_t, src Source_t) defs.Err_t {
	perm := prot.pte() | mem.PTE_V | mem.PTE_U
	for off := uintptr(0); off < length; off += mem.PGSIZE {
		pte, err := mem.PmapWalk(m.Phys, m.Tables, as.root, vaddr+off, true)
		if err != 0 {
			return err
		}
		var pa mem.Pa_t
		if src.Anon {
			var ok bool
			pa, ok = m.Phys.Alloc()
			if !ok {
				return defs.ENOMEM
			}
		} else {
			v, verr := m.Vmos.Lookup(src.Vmo)
			if verr != 0 {
				return verr
			}
			pa, verr = v.Page(src.VmoOffset + int(off))
			if verr != 0 {
				return verr
			}
			m.Phys.Refup(pa)
		}
		*pte = pa | perm
	}
	return 0
}

// Unmap removes an existing region exactly; partial unmaps fail with
// NotMapped.
func (m *Manager_t) Unmap(as *AddressSpace_t, vaddr, length uintptr) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	idx := -1
	for i, r := range as.regions {
		if r.Base == vaddr && r.Len == length {
			idx = i
			break
		}
	}
	if idx == -1 {
		return defs.ENOTMAPPED
	}
	r := as.regions[idx]
	if r.Prot != 0 {
		for off := uintptr(0); off < r.Len; off += mem.PGSIZE {
			pte, err := mem.PmapWalk(m.Phys, m.Tables, as.root, r.Base+off, false)
			if err != 0 {
				continue
			}
			if *pte&mem.PTE_V != 0 {
				pa := mem.Pa_t(*pte) &^ mem.Pa_t(mem.PGOFFSET)
				m.Phys.Refdown(pa)
				*pte = 0
			}
		}
		m.Tlb.Record(r.Base, int(r.Len/mem.PGSIZE))
	}
	as.regions = append(as.regions[:idx], as.regions[idx+1:]...)
	return 0
}

// LookupRegion returns the region containing va, if any -- used by the
// syscall layer to validate a user pointer against the caller's
// address space before copying through it.
func (as *AddressSpace_t) LookupRegion(va uintptr) (Region_t, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.regions {
		if va >= r.Base && va < r.end() {
			return r, true
		}
	}
	return Region_t{}, false
}

// Activate writes SATP and fences so subsequent user-mode accesses
// observe the new translations. The trampoline protocol brackets the
// critical section with two UART markers; the absence of the second
// is a fatal diagnostic.
func (as *AddressSpace_t) Activate() {
	uart.Marker("AS: trampoline enter")
	as.mu.Lock()
	as.active = true
	as.mu.Unlock()
	// The trampoline's entire purpose on real hardware is surviving the
	// instruction fetch across the SATP write; Neuron's hosted model
	// has no CSR to write, so the "fence" is the mutex release above
	// becoming visible to every CPU before the second marker is
	// observable, which is the property real code depends on.
	uart.Marker("AS: post-satp OK")
}

// Active reports whether Activate has run for this address space.
func (as *AddressSpace_t) Active() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.active
}

// CopyIn reads length bytes starting at user virtual address va out of
// as, failing with Fault if any byte of the range falls outside a
// readable mapping. This is the kernel-mediated path every syscall
// argument that points at user memory goes through -- the hosted
// analogue of biscuit's Userbuf_t/Uviotoi copy-in helpers
// (vm/userbuf.go).
func (m *Manager_t) CopyIn(as *AddressSpace_t, va uintptr, length int) ([]byte, defs.Err_t) {
	out := make([]byte, 0, length)
	for len(out) < length {
		r, ok := as.LookupRegion(va)
		if !ok || r.Prot&ProtR == 0 {
			return nil, defs.EFAULT
		}
		pte, err := mem.PmapWalk(m.Phys, m.Tables, as.root, va, false)
		if err != 0 || *pte&mem.PTE_V == 0 {
			return nil, defs.EFAULT
		}
		pa := mem.Pa_t(*pte) &^ mem.Pa_t(mem.PGOFFSET)
		page := m.Phys.Dmap(pa)
		poff := int(va) & mem.PGOFFSET
		n := mem.PGSIZE - poff
		if n > length-len(out) {
			n = length - len(out)
		}
		out = append(out, page[poff:poff+n]...)
		va += uintptr(n)
	}
	return out, 0
}

// CopyOut writes src into as starting at user virtual address va,
// failing with Fault if any byte of the range falls outside a
// writable mapping.
func (m *Manager_t) CopyOut(as *AddressSpace_t, va uintptr, src []byte) defs.Err_t {
	pos := 0
	for pos < len(src) {
		r, ok := as.LookupRegion(va)
		if !ok || r.Prot&ProtW == 0 {
			return defs.EFAULT
		}
		pte, err := mem.PmapWalk(m.Phys, m.Tables, as.root, va, false)
		if err != 0 || *pte&mem.PTE_V == 0 {
			return defs.EFAULT
		}
		pa := mem.Pa_t(*pte) &^ mem.Pa_t(mem.PGOFFSET)
		page := m.Phys.Dmap(pa)
		poff := int(va) & mem.PGOFFSET
		n := mem.PGSIZE - poff
		if n > len(src)-pos {
			n = len(src) - pos
		}
		copy(page[poff:poff+n], src[pos:pos+n])
		pos += n
		va += uintptr(n)
	}
	return 0
}

// String renders a short diagnostic summary, in the spirit of
// biscuit's habit of Printf-ing state during early bring-up.
func (as *AddressSpace_t) String() string {
	as.mu.Lock()
	defer as.mu.Unlock()
	return fmt.Sprintf("as#%d[regions=%d active=%v]", as.id, len(as.regions), as.active)
}

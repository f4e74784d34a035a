// Package vmo implements the VMO (memory object): a sized,
// reference-counted byte container and the sole cross-task memory
// conduit between tasks. Content lives in pages drawn from the
// shared physical allocator, the same pool internal/mem's Sv39
// mappings draw from, so mapping a VMO never copies its bytes.
package vmo

import (
	"sync"

	"github.com/open-nexus-os/neuron/internal/defs"
	"github.com/open-nexus-os/neuron/internal/mem"
	"github.com/open-nexus-os/neuron/internal/util"
)

// Id_t identifies a VMO.
type Id_t uint64

// Vmo_t is a sized byte container. Pages are allocated in whole-page
// units when the VMO is created, enough to cover the requested
// length; len itself need not be page-aligned. The
// embedded mutex serializes concurrent vmo_write calls against reads
// through a mapping (mirroring biscuit's Vm_t pmap lock discipline).
type Vmo_t struct {
	mu     sync.Mutex
	id     Id_t
	len    int
	refcnt int32
	phys   *mem.Physmem_t
	pages  []mem.Pa_t // ceil(len/PGSIZE) physical pages
}

// Registry_t assigns ids to live VMOs and tracks their reference
// counts for vmo_create/cap_close lifetime management.
type Registry_t struct {
	mu   sync.Mutex
	next Id_t
	objs map[Id_t]*Vmo_t
}

// NewRegistry creates an empty VMO registry; Create takes the physical
// allocator to draw pages from.
func NewRegistry() *Registry_t {
	return &Registry_t{next: 1, objs: make(map[Id_t]*Vmo_t)}
}

// Create allocates a new, zero-filled VMO of length len bytes.
func (r *Registry_t) Create(phys *mem.Physmem_t, length int) (Id_t, defs.Err_t) {
	if length <= 0 {
		return 0, defs.EINVAL
	}
	npages := util.Roundup(length, mem.PGSIZE) / mem.PGSIZE
	pages := make([]mem.Pa_t, npages)
	for i := range pages {
		pa, ok := phys.Alloc()
		if !ok {
			for _, done := range pages[:i] {
				phys.Refdown(done)
			}
			return 0, defs.ENOMEM
		}
		pages[i] = pa
	}
	v := &Vmo_t{len: length, refcnt: 1, phys: phys, pages: pages}
	r.mu.Lock()
	id := r.next
	r.next++
	v.id = id
	r.objs[id] = v
	r.mu.Unlock()
	return id, 0
}

// Lookup returns the live VMO for id.
func (r *Registry_t) Lookup(id Id_t) (*Vmo_t, defs.Err_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.objs[id]
	if !ok {
		return nil, defs.ENOTFOUND
	}
	return v, 0
}

// Refup increments a VMO's reference count.
func (r *Registry_t) Refup(id Id_t) defs.Err_t {
	v, err := r.Lookup(id)
	if err != 0 {
		return err
	}
	v.mu.Lock()
	v.refcnt++
	v.mu.Unlock()
	return 0
}

// Refdown decrements a VMO's reference count, freeing its backing
// pages and removing it from the registry once the count reaches zero.
func (r *Registry_t) Refdown(id Id_t) defs.Err_t {
	v, err := r.Lookup(id)
	if err != 0 {
		return err
	}
	v.mu.Lock()
	v.refcnt--
	dead := v.refcnt == 0
	v.mu.Unlock()
	if dead {
		for _, pa := range v.pages {
			v.phys.Refdown(pa)
		}
		r.mu.Lock()
		delete(r.objs, id)
		r.mu.Unlock()
	}
	return 0
}

// Id reports the VMO's identifier.
func (v *Vmo_t) Id() Id_t { return v.id }

// Len reports the VMO's logical length in bytes.
func (v *Vmo_t) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.len
}

// Page returns the physical page backing the given page-aligned byte
// offset, for the address-space manager to map directly.
func (v *Vmo_t) Page(offset int) (mem.Pa_t, defs.Err_t) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if offset < 0 || offset >= v.len {
		return 0, defs.EINVAL
	}
	i := offset / mem.PGSIZE
	return v.pages[i], 0
}

// Write copies src into the VMO starting at offset, kernel-mediated
// (no user mapping required). Writes that would run past len fail
// with InvalidArgs and leave the VMO unmodified.
func (v *Vmo_t) Write(offset int, src []byte) defs.Err_t {
	v.mu.Lock()
	defer v.mu.Unlock()
	if offset < 0 || offset+len(src) > v.len {
		return defs.EINVAL
	}
	remaining := src
	pos := offset
	for len(remaining) > 0 {
		pi := pos / mem.PGSIZE
		poff := pos % mem.PGSIZE
		dst := v.phys.Dmap(v.pages[pi])
		n := copy(dst[poff:], remaining)
		remaining = remaining[n:]
		pos += n
	}
	return 0
}

// Read copies len(dst) bytes out of the VMO starting at offset, for
// kernel-mediated reads (tests and selftests use this to verify the
// vmo_write/read-through-mapping round trip without going through a
// user mapping).
func (v *Vmo_t) Read(offset int, dst []byte) defs.Err_t {
	v.mu.Lock()
	defer v.mu.Unlock()
	if offset < 0 || offset+len(dst) > v.len {
		return defs.EINVAL
	}
	remaining := dst
	pos := offset
	for len(remaining) > 0 {
		pi := pos / mem.PGSIZE
		poff := pos % mem.PGSIZE
		src := v.phys.Dmap(v.pages[pi])
		n := copy(remaining, src[poff:])
		remaining = remaining[n:]
		pos += n
	}
	return 0
}

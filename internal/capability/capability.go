// Package capability implements the per-task capability table: a
// small-integer-indexed array of typed, rights-bearing handles, the
// kernel's sole naming layer for objects exposed to user mode. The
// table shape follows biscuit's per-process file-descriptor table
// (fd/fd.go's Fd_t held in a slot-indexed array) generalized from "one
// kind of object, files" to the five capability kinds this kernel's
// object model requires.
package capability

import (
	"sync"

	"github.com/open-nexus-os/neuron/internal/defs"
)

// Kind_t enumerates the capability kinds. Dispatch on Kind is the
// kernel's only notion of "type" for a capability -- there is no
// inheritance, only this tagged union.
type Kind_t int

const (
	KindEndpoint Kind_t = iota
	KindAddressSpace
	KindVmo
	KindTask
	KindDeviceMmio
)

func (k Kind_t) String() string {
	switch k {
	case KindEndpoint:
		return "Endpoint"
	case KindAddressSpace:
		return "AddressSpace"
	case KindVmo:
		return "Vmo"
	case KindTask:
		return "Task"
	case KindDeviceMmio:
		return "DeviceMmio"
	default:
		return "Unknown"
	}
}

// Rights_t is a bitmask subset of {Read, Write, Execute, Map, Send,
// Recv, Transfer}.
type Rights_t uint

const (
	Read Rights_t = 1 << iota
	Write
	Execute
	Map
	Send
	Recv
	Transfer
)

// Subset reports whether r is a subset of other -- the monotonic
// non-increase invariant every transfer must respect.
func (r Rights_t) Subset(other Rights_t) bool {
	return r&^other == 0
}

// MmioExtent describes a device MMIO capability's bus window. It is
// immutable once a capability is created: rights may be reduced on
// transfer, but the window itself never widens.
type MmioExtent struct {
	Base uintptr
	Len  uintptr
}

// Object is the payload a capability slot points at: an opaque handle
// to the kernel object plus, for DeviceMmio, the bus extent it
// authorizes. The Handle is an arbitrary identifier meaningful to the
// subsystem owning that Kind (an endpoint id, an address-space id, a
// VMO id, a task id); capability itself never dereferences it.
type Object struct {
	Kind   Kind_t
	Handle uint64
	Mmio   MmioExtent // only meaningful when Kind == KindDeviceMmio
}

// Cap_t is one occupied capability slot: a reference to an Object plus
// the rights this particular slot grants, which may be a strict subset
// of rights granted elsewhere to the same underlying object.
type Cap_t struct {
	Object Object
	Rights Rights_t
}

// Table_t is a task's capability table. Slot 0 is reserved as the
// bootstrap endpoint; see BootstrapSlot.
type Table_t struct {
	mu    sync.Mutex
	slots map[int]Cap_t
}

// NewTable returns an empty capability table.
func NewTable() *Table_t {
	return &Table_t{slots: make(map[int]Cap_t)}
}

// BootstrapSlot is the fixed slot every spawned task's bootstrap
// endpoint occupies: slot 0 is the bootstrap endpoint, send-only from
// parent.
const BootstrapSlot = 0

// Install places cap at slot, failing with DstSlotBusy if occupied.
func (t *Table_t) Install(slot int, cap Cap_t) defs.Err_t {
	if slot < 0 {
		return defs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.slots[slot]; busy {
		return defs.EBUSY
	}
	t.slots[slot] = cap
	return 0
}

// Get returns the capability at slot.
func (t *Table_t) Get(slot int) (Cap_t, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.slots[slot]
	if !ok {
		return Cap_t{}, defs.ENOENT
	}
	return c, 0
}

// Close releases the reference held at slot. Returns NoSuchSlot if
// slot is empty. The caller (the owning subsystem registry) is
// responsible for destroying the underlying object once its last
// reference is gone; Close only removes this table's entry and
// reports the released Object so the caller can drop its refcount.
func (t *Table_t) Close(slot int) (Object, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.slots[slot]
	if !ok {
		return Object{}, defs.ENOENT
	}
	delete(t.slots, slot)
	return c.Object, 0
}

// TransferCap derives a new capability from the one at srcSlot (rights
// masked by mask, which may only drop bits) and installs it at dstSlot
// in dst. Rights are monotonically non-increasing along any transfer
// chain: mask can never add a right the source didn't already carry.
func TransferCap(src *Table_t, srcSlot int, dst *Table_t, dstSlot int, mask Rights_t) defs.Err_t {
	src.mu.Lock()
	c, ok := src.slots[srcSlot]
	src.mu.Unlock()
	if !ok {
		return defs.ENOENT
	}
	derived := Cap_t{
		Object: c.Object,
		Rights: c.Rights & mask,
	}
	if !derived.Rights.Subset(c.Rights) {
		// unreachable given the mask above, kept as a defensive
		// invariant check mirroring biscuit's XXXPANIC style.
		panic("capability: derived rights exceed source")
	}
	return dst.Install(dstSlot, derived)
}

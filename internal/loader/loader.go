// Package loader parses an ELF64 RISC-V executable and maps its
// PT_LOAD segments into a fresh address space, refusing any segment
// whose flags would produce a simultaneously writable and executable
// mapping. Grounded on biscuit's own use of debug/elf to validate a
// kernel image's header (kernel/chentry.go's chkELF), generalized
// from "rewrite one field of a trusted build artifact" to "load and
// fully map an untrusted-shaped binary into a new address space."
package loader

import (
	"bytes"
	"debug/elf"

	"github.com/open-nexus-os/neuron/internal/defs"
	"github.com/open-nexus-os/neuron/internal/mem"
	"github.com/open-nexus-os/neuron/internal/vm"
)

// StackSize is the fixed size of the stack region staged below the
// argv/env blob for every loaded task.
const StackSize = 64 * mem.PGSIZE

// Image_t is a successfully parsed, not-yet-mapped ELF image.
type Image_t struct {
	entry    uintptr
	segments []segment_t
}

type segment_t struct {
	vaddr uintptr
	prot  vm.Prot_t
	data  []byte
	memsz uintptr
}

// Parse validates raw as a little-endian ELF64 RISC-V executable and
// extracts its loadable segments. Validation failures are reported as
// InvalidArgs, matching chkELF's all-or-nothing header check, except a
// segment that is both writable and executable, which is reported as
// WXViolation.
func Parse(raw []byte) (*Image_t, defs.Err_t) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, defs.EINVAL
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, defs.EINVAL
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, defs.EINVAL
	}
	if f.Type != elf.ET_EXEC {
		return nil, defs.EINVAL
	}
	if f.Machine != elf.EM_RISCV {
		return nil, defs.EINVAL
	}

	img := &Image_t{entry: uintptr(f.Entry)}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		prot := progProt(p.Flags)
		if !prot.Valid() {
			return nil, defs.EWX
		}
		data := make([]byte, p.Filesz)
		if _, rerr := p.ReadAt(data, 0); rerr != nil {
			return nil, defs.EINVAL
		}
		img.segments = append(img.segments, segment_t{
			vaddr: uintptr(p.Vaddr),
			prot:  prot,
			data:  data,
			memsz: uintptr(p.Memsz),
		})
	}
	return img, 0
}

func progProt(flags elf.ProgFlag) vm.Prot_t {
	var p vm.Prot_t
	if flags&elf.PF_R != 0 {
		p |= vm.ProtR
	}
	if flags&elf.PF_W != 0 {
		p |= vm.ProtW
	}
	if flags&elf.PF_X != 0 {
		p |= vm.ProtX
	}
	return p
}

// Entry reports the image's entry point.
func (img *Image_t) Entry() uintptr { return img.entry }

// SegmentInfo is a read-only view of one parsed PT_LOAD segment, for
// callers (execd) that need the layout without mapping it themselves.
type SegmentInfo struct {
	Vaddr uintptr
	Len   uintptr
	Prot  vm.Prot_t
}

// Segments returns each parsed segment's virtual address, in-memory
// length, and protection.
func (img *Image_t) Segments() []SegmentInfo {
	out := make([]SegmentInfo, len(img.segments))
	for i, seg := range img.segments {
		out[i] = SegmentInfo{Vaddr: seg.vaddr, Len: seg.memsz, Prot: seg.prot}
	}
	return out
}

// Load maps every PT_LOAD segment of img into as through mgr, refusing
// (with WXViolation) any segment whose protection bits would allow
// simultaneous write and execute. Each segment's file bytes are first
// written into a zero-filled VMO, which is then mapped with the
// segment's own protection, so read-only and executable segments are
// filled without a writable user mapping. vm.Map applies the same W^X
// check to mappings created through the syscall layer.
func Load(mgr *vm.Manager_t, as *vm.AddressSpace_t, img *Image_t) defs.Err_t {
	for _, seg := range img.segments {
		if !seg.prot.Valid() {
			return defs.EWX
		}
		base := alignDown(seg.vaddr)
		end := alignUp(seg.vaddr + seg.memsz)
		length := end - base

		id, err := mgr.Vmos.Create(mgr.Phys, int(length))
		if err != 0 {
			return err
		}
		v, _ := mgr.Vmos.Lookup(id)
		if err := v.Write(int(seg.vaddr-base), seg.data); err != 0 {
			mgr.Vmos.Refdown(id)
			return err
		}
		// The mapping holds its own page references, so the VMO itself
		// is released once the segment is mapped.
		err = mgr.Map(as, base, length, seg.prot, vm.Source_t{Vmo: id})
		mgr.Vmos.Refdown(id)
		if err != 0 {
			return err
		}
	}
	return 0
}

// StageStack maps a fresh stack region with argv/env serialized at its
// top, returning the initial stack pointer to install in the spawned
// task's registers. argv and env are each written as an 8-byte
// little-endian count followed by their NUL-terminated strings (no
// offset table), the simplest layout a userspace _start can walk
// without a libc.
func StageStack(mgr *vm.Manager_t, as *vm.AddressSpace_t, base uintptr, argv, env []string) (uintptr, defs.Err_t) {
	if err := mgr.Map(as, base, StackSize, vm.ProtR|vm.ProtW, vm.Source_t{Anon: true}); err != 0 {
		return 0, err
	}
	blob := encodeVec(argv, env)
	top := base + StackSize - uintptr(len(blob))
	top = alignDown(top)
	if err := mgr.CopyOut(as, top, blob); err != 0 {
		return 0, err
	}
	return top, 0
}

func encodeVec(argv, env []string) []byte {
	var buf bytes.Buffer
	writeCount := func(n int) {
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(n >> (8 * i))
		}
		buf.Write(b[:])
	}
	writeCount(len(argv))
	for _, s := range argv {
		buf.WriteString(s)
		buf.WriteByte(0)
	}
	writeCount(len(env))
	for _, s := range env {
		buf.WriteString(s)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func alignDown(v uintptr) uintptr { return v &^ uintptr(mem.PGOFFSET) }
func alignUp(v uintptr) uintptr   { return alignDown(v + uintptr(mem.PGOFFSET)) }

package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/open-nexus-os/neuron/internal/defs"
	"github.com/open-nexus-os/neuron/internal/mem"
	"github.com/open-nexus-os/neuron/internal/vm"
	"github.com/open-nexus-os/neuron/internal/vmo"
)

// buildMinimalELF hand-assembles the smallest valid little-endian
// ELF64 executable with a single PT_LOAD segment, since debug/elf can
// only read ELF files, not write them.
func buildMinimalELF(t *testing.T, progFlags uint32, entry uint64, payload []byte) []byte {
	t.Helper()
	const (
		ehsize = 64
		phsize = 56
	)
	phoff := uint64(ehsize)
	dataOff := uint64(ehsize + phsize)
	vaddr := uint64(0x1000)

	var buf bytes.Buffer

	// e_ident
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8)) // pad

	le := binary.LittleEndian
	put16 := func(v uint16) { var b [2]byte; le.PutUint16(b[:], v); buf.Write(b[:]) }
	put32 := func(v uint32) { var b [4]byte; le.PutUint32(b[:], v); buf.Write(b[:]) }
	put64 := func(v uint64) { var b [8]byte; le.PutUint64(b[:], v); buf.Write(b[:]) }

	put16(uint16(elf.ET_EXEC))
	put16(uint16(elf.EM_RISCV))
	put32(1) // e_version
	put64(entry)
	put64(phoff)
	put64(0) // e_shoff
	put32(0) // e_flags
	put16(ehsize)
	put16(phsize)
	put16(1) // e_phnum
	put16(0) // e_shentsize
	put16(0) // e_shnum
	put16(0) // e_shstrndx

	// program header
	put32(uint32(elf.PT_LOAD))
	put32(progFlags)
	put64(dataOff)
	put64(vaddr)
	put64(vaddr) // p_paddr
	put64(uint64(len(payload)))
	put64(uint64(len(payload)))
	put64(0x1000) // p_align

	buf.Write(payload)
	return buf.Bytes()
}

func TestParseValidExecutable(t *testing.T) {
	raw := buildMinimalELF(t, uint32(elf.PF_R|elf.PF_X), 0x1000, []byte{0x13, 0x00, 0x00, 0x00})
	img, err := Parse(raw)
	if err != 0 {
		t.Fatalf("parse failed: %v", err)
	}
	if img.Entry() != 0x1000 {
		t.Fatalf("entry mismatch: got %#x", img.Entry())
	}
	segs := img.Segments()
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Prot&vm.ProtW != 0 {
		t.Fatal("expected read-execute segment to not be writable")
	}
}

func TestParseRejectsWriteExecuteSegment(t *testing.T) {
	raw := buildMinimalELF(t, uint32(elf.PF_R|elf.PF_W|elf.PF_X), 0x1000, []byte{0, 0, 0, 0})
	if _, err := Parse(raw); err != defs.EWX {
		t.Fatalf("expected WXViolation, got %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("not an elf file")); err != defs.EINVAL {
		t.Fatalf("expected InvalidArgs for garbage input, got %v", err)
	}
}

func TestLoadMapsSegmentIntoAddressSpace(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	raw := buildMinimalELF(t, uint32(elf.PF_R|elf.PF_X), 0x1000, payload)
	img, err := Parse(raw)
	if err != 0 {
		t.Fatalf("parse failed: %v", err)
	}

	mgr := vm.NewManager(mem.NewPhysmem(64), mem.NewTableArena(), vmo.NewRegistry())
	id, verr := mgr.Create(false)
	if verr != 0 {
		t.Fatalf("create address space failed: %v", verr)
	}
	as, _ := mgr.Lookup(id)

	if lerr := Load(mgr, as, img); lerr != 0 {
		t.Fatalf("load failed: %v", lerr)
	}
	out, cerr := mgr.CopyIn(as, img.Segments()[0].Vaddr, len(payload))
	if cerr != 0 {
		t.Fatalf("copyin failed: %v", cerr)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("mapped segment contents mismatch: got %x want %x", out, payload)
	}
}

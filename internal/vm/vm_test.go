package vm

import (
	"bytes"
	"os"
	"testing"

	"github.com/open-nexus-os/neuron/internal/defs"
	"github.com/open-nexus-os/neuron/internal/mem"
	"github.com/open-nexus-os/neuron/internal/uart"
	"github.com/open-nexus-os/neuron/internal/vmo"
)

func newManager(npages int) *Manager_t {
	phys := mem.NewPhysmem(npages)
	tables := mem.NewTableArena()
	vmos := vmo.NewRegistry()
	return NewManager(phys, tables, vmos)
}

func TestMapRejectsWriteExecute(t *testing.T) {
	mgr := newManager(32)
	id, _ := mgr.Create(false)
	as, _ := mgr.Lookup(id)
	err := mgr.Map(as, 0x1000, mem.PGSIZE, ProtW|ProtX, Source_t{Anon: true})
	if err != defs.EWX {
		t.Fatalf("expected WXViolation, got %v", err)
	}
}

func TestMapRejectsOverlap(t *testing.T) {
	mgr := newManager(32)
	id, _ := mgr.Create(false)
	as, _ := mgr.Lookup(id)
	if err := mgr.Map(as, 0x1000, 2*mem.PGSIZE, ProtR|ProtW, Source_t{Anon: true}); err != 0 {
		t.Fatalf("first map failed: %v", err)
	}
	if err := mgr.Map(as, 0x1000+mem.PGSIZE, mem.PGSIZE, ProtR, Source_t{Anon: true}); err != defs.EOVERLAP {
		t.Fatalf("expected Overlap, got %v", err)
	}
}

func TestMapUnmapRoundTrip(t *testing.T) {
	mgr := newManager(32)
	id, _ := mgr.Create(false)
	as, _ := mgr.Lookup(id)
	if err := mgr.Map(as, 0x2000, mem.PGSIZE, ProtR|ProtW, Source_t{Anon: true}); err != 0 {
		t.Fatalf("map failed: %v", err)
	}
	if len(as.Regions()) != 1 {
		t.Fatalf("expected 1 region after map, got %d", len(as.Regions()))
	}
	if err := mgr.Unmap(as, 0x2000, mem.PGSIZE); err != 0 {
		t.Fatalf("unmap failed: %v", err)
	}
	if len(as.Regions()) != 0 {
		t.Fatalf("expected 0 regions after unmap, got %d", len(as.Regions()))
	}
}

func TestUnmapPartialFails(t *testing.T) {
	mgr := newManager(32)
	id, _ := mgr.Create(false)
	as, _ := mgr.Lookup(id)
	mgr.Map(as, 0x3000, 2*mem.PGSIZE, ProtR, Source_t{Anon: true})
	if err := mgr.Unmap(as, 0x3000, mem.PGSIZE); err != defs.ENOTMAPPED {
		t.Fatalf("expected NotMapped for a partial unmap, got %v", err)
	}
}

func TestCopyOutCopyInRoundTrip(t *testing.T) {
	mgr := newManager(32)
	id, _ := mgr.Create(false)
	as, _ := mgr.Lookup(id)
	mgr.Map(as, 0x4000, mem.PGSIZE, ProtR|ProtW, Source_t{Anon: true})

	data := bytes.Repeat([]byte{0x42}, 50)
	if err := mgr.CopyOut(as, 0x4000, data); err != 0 {
		t.Fatalf("copyout failed: %v", err)
	}
	out, err := mgr.CopyIn(as, 0x4000, 50)
	if err != 0 {
		t.Fatalf("copyin failed: %v", err)
	}
	if !bytes.Equal(data, out) {
		t.Fatal("copyin/copyout round trip mismatch")
	}
}

func TestCopyInFaultsOutsideMapping(t *testing.T) {
	mgr := newManager(32)
	id, _ := mgr.Create(false)
	as, _ := mgr.Lookup(id)
	if _, err := mgr.CopyIn(as, 0x9000, 8); err != defs.EFAULT {
		t.Fatalf("expected Fault for unmapped address, got %v", err)
	}
}

func TestActivateEmitsBothMarkers(t *testing.T) {
	var buf bytes.Buffer
	uart.SetSink(&buf)
	defer uart.SetSink(os.Stdout)

	mgr := newManager(4)
	id, _ := mgr.Create(false)
	as, _ := mgr.Lookup(id)
	as.Activate()

	got := buf.String()
	if !bytes.Contains([]byte(got), []byte("AS: trampoline enter")) {
		t.Fatalf("missing trampoline-enter marker: %q", got)
	}
	if !bytes.Contains([]byte(got), []byte("AS: post-satp OK")) {
		t.Fatalf("missing post-satp marker: %q", got)
	}
	if !as.Active() {
		t.Fatal("expected Active() true after Activate")
	}
}

func TestVmoBackedMappingSharesPages(t *testing.T) {
	mgr := newManager(32)
	v, err := mgr.Vmos.Create(mgr.Phys, mem.PGSIZE)
	if err != 0 {
		t.Fatalf("vmo create failed: %v", err)
	}
	vobj, _ := mgr.Vmos.Lookup(v)
	vobj.Write(0, []byte("shared"))

	id, _ := mgr.Create(false)
	as, _ := mgr.Lookup(id)
	if err := mgr.Map(as, 0x5000, mem.PGSIZE, ProtR, Source_t{Vmo: v}); err != 0 {
		t.Fatalf("vmo-backed map failed: %v", err)
	}
	out, err := mgr.CopyIn(as, 0x5000, 6)
	if err != 0 {
		t.Fatalf("copyin failed: %v", err)
	}
	if string(out) != "shared" {
		t.Fatalf("expected mapped bytes to reflect VMO contents, got %q", out)
	}
}

// Package platform stands in for the hardware/runtime substrate that
// biscuit gets by running atop a patched Go runtime (runtime.CPUHint,
// runtime.Vtop, runtime.Pml4freeze, runtime.Condflush in
// mem/dmap.go and vm/as.go). Neuron runs hosted, so this package
// simulates the RISC-V/QEMU-virt substrate explicitly: CPU topology,
// inter-processor interrupts, and TLB shootdown bookkeeping.
package platform

import (
	"sync"

	"github.com/open-nexus-os/neuron/internal/defs"
)

// Topology describes the simulated multiprocessor: how many logical
// CPUs exist and which are currently online. CPU 0 is always the boot
// CPU and is never taken offline by Neuron itself (tests may still
// mark it offline to exercise the counterfactual IPI path).
type Topology struct {
	mu     sync.Mutex
	online []bool
}

// NewTopology creates a topology with ncpu CPUs, all online.
func NewTopology(ncpu int) *Topology {
	if ncpu <= 0 {
		panic("platform: ncpu must be positive")
	}
	t := &Topology{online: make([]bool, ncpu)}
	for i := range t.online {
		t.online[i] = true
	}
	return t
}

// NCPU returns the number of logical CPUs in the topology.
func (t *Topology) NCPU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.online)
}

// Valid reports whether cpu names a CPU that exists in this topology.
func (t *Topology) Valid(cpu defs.Cpu_t) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cpu >= 0 && int(cpu) < len(t.online)
}

// Online reports whether cpu exists and is currently online.
func (t *Topology) Online(cpu defs.Cpu_t) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cpu < 0 || int(cpu) >= len(t.online) {
		return false
	}
	return t.online[cpu]
}

// SetOnline marks cpu online or offline. Used by tests to construct
// the counterfactual "IPI to an offline CPU" scenario.
func (t *Topology) SetOnline(cpu defs.Cpu_t, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cpu < 0 || int(cpu) >= len(t.online) {
		panic("platform: cpu out of range")
	}
	t.online[cpu] = online
}

// IPIController delivers inter-processor interrupts between simulated
// CPUs and records the strict success chain required of an IPI:
// request accepted -> send_ipi ok -> soft trap observed on target -> ack.
// The reason a send was rejected (invalid target, offline target) is
// reported to the caller so the scheduler can attach a deterministic
// reason code; IPIController itself only knows about CPU validity.
type IPIController struct {
	topo   *Topology
	mu     sync.Mutex
	inbox  []chan struct{}
	sent   int64
	landed int64
}

// NewIPIController builds a controller bound to topo, with one
// buffered soft-trap inbox per CPU.
func NewIPIController(topo *Topology) *IPIController {
	n := topo.NCPU()
	c := &IPIController{topo: topo, inbox: make([]chan struct{}, n)}
	for i := range c.inbox {
		c.inbox[i] = make(chan struct{}, 64)
	}
	return c
}

// Send posts an IPI to target. It validates the target before
// enqueuing: an invalid CPU number or an offline CPU is rejected
// without mutating any delivery state -- a rejected IPI must not
// mutate scheduler state.
func (c *IPIController) Send(target defs.Cpu_t) defs.Err_t {
	if !c.topo.Valid(target) {
		return defs.EINVAL
	}
	if !c.topo.Online(target) {
		return defs.ENOTFOUND
	}
	c.mu.Lock()
	c.sent++
	ch := c.inbox[target]
	c.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
		// inbox saturated; the target will still observe a pending
		// reschedule on its next quantum boundary via the runqueue,
		// so dropping a redundant wakeup here is safe.
	}
	return 0
}

// Observe drains one pending soft trap for cpu, returning true if one
// was pending. The scheduler's per-CPU loop calls this to complete the
// "soft trap observed on target" step of the IPI chain.
func (c *IPIController) Observe(cpu defs.Cpu_t) bool {
	if !c.topo.Valid(cpu) {
		return false
	}
	select {
	case <-c.inbox[cpu]:
		c.mu.Lock()
		c.landed++
		c.mu.Unlock()
		return true
	default:
		return false
	}
}

// Stats reports cumulative sent/landed IPI counts, for selftests.
func (c *IPIController) Stats() (sent, landed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.landed
}

// TLBShootdown records a cross-CPU TLB invalidation. Neuron's hosted
// model has no real MMU to flush, so this is bookkeeping only --
// biscuit's equivalent (vm/as.go Tlbshoot) decides between a
// single-CPU fast path and a broadcast slow path; Neuron counts both
// so tests can assert a shootdown happened without modeling cache
// coherence.
type TLBShootdown struct {
	mu    sync.Mutex
	Count int64
}

// Record increments the shootdown counter for pgcount pages starting
// at va. The address and count are accepted for interface parity with
// biscuit's Tlbshoot signature even though the hosted model has
// nothing to flush.
func (s *TLBShootdown) Record(va uintptr, pgcount int) {
	if pgcount == 0 {
		return
	}
	s.mu.Lock()
	s.Count++
	s.mu.Unlock()
}

// Package sched implements the SMP scheduler: one runqueue per CPU,
// QoS-then-FIFO selection within a queue, and bounded work-stealing
// when a CPU goes idle while another is backed up. It is grounded on
// biscuit's runtime-level M:N scheduler in spirit (proc/ isn't
// retrieved here in usable form) but concretely wires
// internal/platform's IPIController for the cross-CPU wake protocol,
// since cross-CPU wakeups require the strict send/observe/ack chain
// that a bare channel send cannot express on its own.
package sched

import (
	"sync"

	"github.com/open-nexus-os/neuron/internal/defs"
	"github.com/open-nexus-os/neuron/internal/platform"
	"github.com/open-nexus-os/neuron/internal/task"
)

// StealReason_t enumerates the deterministic outcomes of a steal or
// IPI attempt, each one distinguishable by the caller for testing.
type StealReason_t int

const (
	ReasonNone StealReason_t = iota
	ReasonInvalidIPITargetCPU
	ReasonOfflineCPUResched
	ReasonStealAboveBound
	ReasonStealHigherQoS
)

func (r StealReason_t) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonInvalidIPITargetCPU:
		return "invalid_ipi_target_cpu"
	case ReasonOfflineCPUResched:
		return "offline_cpu_resched"
	case ReasonStealAboveBound:
		return "steal_above_bound"
	case ReasonStealHigherQoS:
		return "steal_higher_qos"
	default:
		return "unknown"
	}
}

// runqueue_t is one CPU's FIFO-within-QoS ready list.
type runqueue_t struct {
	mu    sync.Mutex
	ready [3][]*task.Task_t // indexed by task.QoS_t
}

func (rq *runqueue_t) push(t *task.Task_t) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	rq.ready[t.QoS()] = append(rq.ready[t.QoS()], t)
}

// popHighest removes and returns the highest-priority (lowest QoS
// value), oldest-queued task, or nil if the queue is empty.
func (rq *runqueue_t) popHighest() *task.Task_t {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	for q := 0; q < len(rq.ready); q++ {
		if len(rq.ready[q]) > 0 {
			t := rq.ready[q][0]
			rq.ready[q] = rq.ready[q][1:]
			return t
		}
	}
	return nil
}

func (rq *runqueue_t) len() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	n := 0
	for _, l := range rq.ready {
		n += len(l)
	}
	return n
}

// StealBound caps how many ready tasks a single steal operation may
// take from a victim runqueue, so one steal never empties a busy CPU
// in one shot.
const StealBound = 2

// Scheduler_t owns every CPU's runqueue and the IPI controller used
// to notify a target CPU that work has arrived for it.
type Scheduler_t struct {
	topo *platform.Topology
	ipi  *platform.IPIController
	rq   []*runqueue_t
}

// NewScheduler builds a scheduler over topo's CPU set.
func NewScheduler(topo *platform.Topology, ipi *platform.IPIController) *Scheduler_t {
	s := &Scheduler_t{topo: topo, ipi: ipi, rq: make([]*runqueue_t, topo.NCPU())}
	for i := range s.rq {
		s.rq[i] = &runqueue_t{}
	}
	return s
}

// Enqueue places t on its home CPU's runqueue and sends an IPI to the
// chosen CPU to wake it -- the admission rule being "home CPU, or
// lowest-numbered CPU in the affinity mask if the home CPU is
// offline."
func (s *Scheduler_t) Enqueue(t *task.Task_t) (StealReason_t, defs.Err_t) {
	cpu := t.Home()
	if !s.topo.Valid(cpu) {
		return ReasonInvalidIPITargetCPU, defs.EINVAL
	}
	if !s.topo.Online(cpu) {
		cpu = s.lowestAffine(t)
		if cpu < 0 {
			return ReasonOfflineCPUResched, defs.ENOTFOUND
		}
	}
	s.rq[cpu].push(t)
	t.SetState(task.StateRunnable)
	if err := s.ipi.Send(cpu); err != 0 {
		return ReasonInvalidIPITargetCPU, err
	}
	return ReasonNone, 0
}

func (s *Scheduler_t) lowestAffine(t *task.Task_t) defs.Cpu_t {
	for c := defs.Cpu_t(0); int(c) < s.topo.NCPU(); c++ {
		if s.topo.Online(c) && t.Affinity(c) {
			return c
		}
	}
	return -1
}

// PickNext selects the next task to run on cpu: highest QoS, then
// FIFO order within that class. A killed task is moved to Exited with
// the code given to Kill instead of being returned.
func (s *Scheduler_t) PickNext(cpu defs.Cpu_t) *task.Task_t {
	if !s.topo.Valid(cpu) {
		return nil
	}
	for {
		t := s.rq[cpu].popHighest()
		if t == nil || !t.Killed() {
			return t
		}
		t.Exit(t.ExitCode())
	}
}

// Steal attempts to move up to StealBound ready tasks from victim's
// queue onto thief's queue, refusing when the victim has nothing
// spare or when every available task outranks what bounded stealing
// is meant to move (a QoSRealtime task is never stolen -- it is
// expected to finish quickly on its home CPU rather than migrate).
// A task whose affinity mask excludes thief is left on the victim's
// queue untouched -- stealee.affinity must contain the stealing CPU.
func (s *Scheduler_t) Steal(thief, victim defs.Cpu_t) (int, StealReason_t, defs.Err_t) {
	if !s.topo.Valid(thief) || !s.topo.Valid(victim) {
		return 0, ReasonInvalidIPITargetCPU, defs.EINVAL
	}
	if !s.topo.Online(victim) {
		return 0, ReasonOfflineCPUResched, defs.ENOTFOUND
	}
	vq := s.rq[victim]
	vq.mu.Lock()
	moved := 0
	for q := len(vq.ready) - 1; q >= 0 && moved < StealBound; q-- {
		if task.QoS_t(q) == task.QoSRealtime {
			continue
		}
		kept := vq.ready[q][:0]
		for _, t := range vq.ready[q] {
			if moved < StealBound && t.Affinity(thief) {
				s.rq[thief].push(t)
				moved++
				continue
			}
			kept = append(kept, t)
		}
		vq.ready[q] = kept
	}
	vq.mu.Unlock()
	if moved == 0 {
		return 0, ReasonStealHigherQoS, 0
	}
	if moved >= StealBound {
		return moved, ReasonStealAboveBound, 0
	}
	return moved, ReasonNone, 0
}

// Pending reports how many tasks are runnable on cpu, for idle-loop
// and work-stealing-source selection.
func (s *Scheduler_t) Pending(cpu defs.Cpu_t) int {
	if !s.topo.Valid(cpu) {
		return 0
	}
	return s.rq[cpu].len()
}

// NotifyIPI delivers the send-side half of the strict IPI success
// chain: request accepted, send_ipi ok. The target CPU later calls
// ObserveIPI to complete the chain with a soft trap observation and
// implicit ack.
func (s *Scheduler_t) NotifyIPI(target defs.Cpu_t) defs.Err_t {
	return s.ipi.Send(target)
}

// ObserveIPI is called from the target CPU's trap path to complete
// the IPI chain: observing the pending soft trap acks it.
func (s *Scheduler_t) ObserveIPI(cpu defs.Cpu_t) bool {
	return s.ipi.Observe(cpu)
}

package sched

import (
	"testing"

	"github.com/open-nexus-os/neuron/internal/defs"
	"github.com/open-nexus-os/neuron/internal/platform"
	"github.com/open-nexus-os/neuron/internal/task"
)

func newTestScheduler(ncpu int) (*Scheduler_t, *platform.Topology) {
	topo := platform.NewTopology(ncpu)
	ipi := platform.NewIPIController(topo)
	return NewScheduler(topo, ipi), topo
}

func TestEnqueuePicksHomeCPU(t *testing.T) {
	s, _ := newTestScheduler(2)
	tsk := task.New(1, 1, nil, task.QoSNormal, ^uint64(0), 1)
	if reason, err := s.Enqueue(tsk); err != 0 {
		t.Fatalf("enqueue failed: %v reason=%v", err, reason)
	}
	if s.Pending(1) != 1 {
		t.Fatalf("expected 1 pending task on cpu 1, got %d", s.Pending(1))
	}
	got := s.PickNext(1)
	if got == nil || got.Id() != tsk.Id() {
		t.Fatal("expected to pick the enqueued task back off its home CPU")
	}
}

func TestEnqueueInvalidHomeCPU(t *testing.T) {
	s, _ := newTestScheduler(2)
	tsk := task.New(1, 1, nil, task.QoSNormal, ^uint64(0), 9)
	if _, err := s.Enqueue(tsk); err != defs.EINVAL {
		t.Fatalf("expected InvalidArgs for out-of-range home CPU, got %v", err)
	}
}

func TestEnqueueOfflineHomeFallsBackToAffinity(t *testing.T) {
	s, topo := newTestScheduler(3)
	topo.SetOnline(0, false)
	// affinity allows cpu 0 and cpu 2; cpu 0 is offline so cpu 2 should
	// be selected as the lowest-numbered online CPU in the mask.
	affinity := uint64(1<<0 | 1<<2)
	tsk := task.New(1, 1, nil, task.QoSNormal, affinity, 0)
	if reason, err := s.Enqueue(tsk); err != 0 {
		t.Fatalf("enqueue failed: %v reason=%v", err, reason)
	}
	if s.Pending(2) != 1 {
		t.Fatalf("expected fallback to cpu 2, pending=%d", s.Pending(2))
	}
}

func TestQoSOrderingWithinRunqueue(t *testing.T) {
	s, _ := newTestScheduler(1)
	bg := task.New(1, 1, nil, task.QoSBackground, ^uint64(0), 0)
	rt := task.New(2, 1, nil, task.QoSRealtime, ^uint64(0), 0)
	s.Enqueue(bg)
	s.Enqueue(rt)

	first := s.PickNext(0)
	if first.Id() != rt.Id() {
		t.Fatal("expected realtime task to be picked before background task")
	}
	second := s.PickNext(0)
	if second.Id() != bg.Id() {
		t.Fatal("expected background task picked second")
	}
}

func TestStealBoundedAndSkipsRealtime(t *testing.T) {
	s, _ := newTestScheduler(2)
	for i := 0; i < 4; i++ {
		tsk := task.New(defs.Tid_t(i+1), 1, nil, task.QoSNormal, ^uint64(0), 1)
		s.Enqueue(tsk)
	}
	rt := task.New(99, 1, nil, task.QoSRealtime, ^uint64(0), 1)
	s.Enqueue(rt)

	moved, reason, err := s.Steal(0, 1)
	if err != 0 {
		t.Fatalf("steal failed: %v", err)
	}
	if moved != StealBound {
		t.Fatalf("expected steal bounded to %d, moved %d", StealBound, moved)
	}
	if reason != ReasonStealAboveBound {
		t.Fatalf("expected ReasonStealAboveBound, got %v", reason)
	}
	if s.Pending(1) != 5-StealBound {
		t.Fatalf("unexpected remaining pending on victim: %d", s.Pending(1))
	}
}

func TestStealSkipsTaskOutsideThiefAffinity(t *testing.T) {
	s, _ := newTestScheduler(2)
	narrow := task.New(1, 1, nil, task.QoSNormal, 1<<1, 1) // only cpu 1, never stealable by cpu 0
	broad := task.New(2, 1, nil, task.QoSNormal, ^uint64(0), 1)
	s.Enqueue(narrow)
	s.Enqueue(broad)

	moved, reason, err := s.Steal(0, 1)
	if err != 0 {
		t.Fatalf("steal failed: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected exactly 1 task stolen (the broad-affinity one), moved %d", moved)
	}
	if reason != ReasonNone {
		t.Fatalf("expected ReasonNone for a non-saturating steal, got %v", reason)
	}
	if s.Pending(1) != 1 {
		t.Fatalf("expected narrow-affinity task to remain on victim queue, pending=%d", s.Pending(1))
	}
	if s.Pending(0) != 1 {
		t.Fatalf("expected broad-affinity task moved to thief queue, pending=%d", s.Pending(0))
	}
	if got := s.PickNext(1); got == nil || got.Id() != narrow.Id() {
		t.Fatal("expected the remaining task on the victim queue to be the narrow-affinity one")
	}
}

func TestStealFromOfflineVictimRejected(t *testing.T) {
	s, topo := newTestScheduler(2)
	topo.SetOnline(1, false)
	_, reason, err := s.Steal(0, 1)
	if err != defs.ENOTFOUND {
		t.Fatalf("expected NotFound for offline victim, got %v", err)
	}
	if reason != ReasonOfflineCPUResched {
		t.Fatalf("expected ReasonOfflineCPUResched, got %v", reason)
	}
}

func TestIPIRejectionDoesNotMutateState(t *testing.T) {
	s, _ := newTestScheduler(2)
	sent0, landed0 := 0, 0
	if s.ipi != nil {
		sent0, landed0 = statsAsInts(s)
	}
	if err := s.NotifyIPI(defs.Cpu_t(5)); err != defs.EINVAL {
		t.Fatalf("expected InvalidArgs for out-of-range IPI target, got %v", err)
	}
	sent1, landed1 := statsAsInts(s)
	if sent1 != sent0 || landed1 != landed0 {
		t.Fatal("rejected IPI must not mutate sent/landed counters")
	}
}

func statsAsInts(s *Scheduler_t) (int, int) {
	sent, landed := s.ipi.Stats()
	return int(sent), int(landed)
}

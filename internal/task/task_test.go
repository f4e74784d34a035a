package task

import (
	"testing"

	"github.com/open-nexus-os/neuron/internal/defs"
)

func TestSpawnAssignsIncrementingIds(t *testing.T) {
	tb := NewTable()
	t1 := tb.Spawn(1, nil, QoSNormal, ^uint64(0), 0, 0)
	t2 := tb.Spawn(2, nil, QoSNormal, ^uint64(0), 0, 0)
	if t1.Id() == t2.Id() {
		t.Fatal("expected distinct task ids")
	}
	got, err := tb.Lookup(t1.Id())
	if err != 0 || got != t1 {
		t.Fatalf("lookup mismatch: %+v %v", got, err)
	}
}

func TestStateTransitions(t *testing.T) {
	tsk := New(1, 1, nil, QoSNormal, ^uint64(0), 0)
	if tsk.State() != StateRunnable {
		t.Fatalf("expected initial state Runnable, got %v", tsk.State())
	}
	tsk.SetState(StateRunning)
	if tsk.State() != StateRunning {
		t.Fatal("expected Running after SetState")
	}
	tsk.Exit(7)
	if tsk.State() != StateExited || tsk.ExitCode() != 7 {
		t.Fatalf("expected Exited/7, got %v/%d", tsk.State(), tsk.ExitCode())
	}
}

func TestTransitionOutOfExitedPanics(t *testing.T) {
	tsk := New(1, 1, nil, QoSNormal, ^uint64(0), 0)
	tsk.Exit(0)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic transitioning out of Exited")
		}
	}()
	tsk.SetState(StateRunnable)
}

func TestAffinityMask(t *testing.T) {
	tsk := New(1, 1, nil, QoSNormal, 1<<2, 0)
	if tsk.Affinity(defs.Cpu_t(2)) != true {
		t.Fatal("expected cpu 2 to be in affinity mask")
	}
	if tsk.Affinity(defs.Cpu_t(1)) {
		t.Fatal("expected cpu 1 to not be in affinity mask")
	}
}

func TestRemoveDropsTask(t *testing.T) {
	tb := NewTable()
	tsk := tb.Spawn(1, nil, QoSNormal, ^uint64(0), 0, 0)
	tb.Remove(tsk.Id())
	if _, err := tb.Lookup(tsk.Id()); err != defs.ENOTFOUND {
		t.Fatalf("expected NotFound after remove, got %v", err)
	}
}

func TestSpawnRecordsParentAndExitClosesExitedChan(t *testing.T) {
	tb := NewTable()
	parent := tb.Spawn(1, nil, QoSNormal, ^uint64(0), 0, 0)
	child := tb.Spawn(1, nil, QoSNormal, ^uint64(0), 0, parent.Id())
	if child.Parent() != parent.Id() {
		t.Fatalf("expected child's parent to be %d, got %d", parent.Id(), child.Parent())
	}

	select {
	case <-child.ExitedChan():
		t.Fatal("expected exited channel open before Exit")
	default:
	}

	child.Exit(5)
	select {
	case <-child.ExitedChan():
	default:
		t.Fatal("expected exited channel closed after Exit")
	}
}

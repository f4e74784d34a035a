package circbuf

import (
	"testing"

	"github.com/open-nexus-os/neuron/internal/defs"
)

func TestPushPopOrder(t *testing.T) {
	r := New[int](3)
	for _, v := range []int{1, 2, 3} {
		if err := r.Push(v); err != 0 {
			t.Fatalf("push %d failed: %v", v, err)
		}
	}
	if err := r.Push(4); err != defs.EOVERLIMIT {
		t.Fatalf("expected OverLimit on full ring, got %v", err)
	}
	for _, want := range []int{1, 2, 3} {
		got, err := r.Pop()
		if err != 0 || got != want {
			t.Fatalf("pop mismatch: got %d err %v, want %d", got, err, want)
		}
	}
	if _, err := r.Pop(); err != defs.EEMPTY {
		t.Fatalf("expected Empty on drained ring, got %v", err)
	}
}

func TestWrapAround(t *testing.T) {
	r := New[int](2)
	r.Push(1)
	r.Push(2)
	r.Pop()
	r.Push(3)
	first, _ := r.Pop()
	second, _ := r.Pop()
	if first != 2 || second != 3 {
		t.Fatalf("expected FIFO order across wraparound, got %d then %d", first, second)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	r := New[string](2)
	r.Push("a")
	v, err := r.Peek()
	if err != 0 || v != "a" {
		t.Fatalf("peek mismatch: %q %v", v, err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected peek to not consume, len=%d", r.Len())
	}
}

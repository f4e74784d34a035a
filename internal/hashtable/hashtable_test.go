package hashtable

import "testing"

func TestSetGetRoundTrip(t *testing.T) {
	tb := NewStringKeyed[int](8)
	tb.Set("policyd", 1)
	tb.Set("execd", 2)

	v, ok := tb.Get("policyd")
	if !ok || v != 1 {
		t.Fatalf("expected (1,true), got (%d,%v)", v, ok)
	}
	v, ok = tb.Get("execd")
	if !ok || v != 2 {
		t.Fatalf("expected (2,true), got (%d,%v)", v, ok)
	}
	if _, ok := tb.Get("missing"); ok {
		t.Fatal("expected missing key to report false")
	}
}

func TestSetReplacesExistingValue(t *testing.T) {
	tb := NewStringKeyed[int](4)
	if replaced := tb.Set("svc", 1); replaced {
		t.Fatal("expected first Set to report no replacement")
	}
	if replaced := tb.Set("svc", 2); !replaced {
		t.Fatal("expected second Set to report a replacement")
	}
	v, _ := tb.Get("svc")
	if v != 2 {
		t.Fatalf("expected replaced value 2, got %d", v)
	}
}

func TestDelRemovesEntry(t *testing.T) {
	tb := NewStringKeyed[int](4)
	tb.Set("svc", 1)
	tb.Del("svc")
	if _, ok := tb.Get("svc"); ok {
		t.Fatal("expected key to be gone after Del")
	}
}

func TestLenCountsAcrossBuckets(t *testing.T) {
	tb := NewStringKeyed[int](2)
	names := []string{"a", "b", "c", "d", "e"}
	for i, n := range names {
		tb.Set(n, i)
	}
	if tb.Len() != len(names) {
		t.Fatalf("expected %d entries, got %d", len(names), tb.Len())
	}
}

func TestIntKeyedTable(t *testing.T) {
	tb := New[int, string](4, func(k int) uint64 { return uint64(k) })
	tb.Set(1, "one")
	tb.Set(2, "two")
	v, ok := tb.Get(2)
	if !ok || v != "two" {
		t.Fatalf("expected (two,true), got (%q,%v)", v, ok)
	}
}

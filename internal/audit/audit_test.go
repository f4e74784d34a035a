package audit

import (
	"testing"

	"github.com/open-nexus-os/neuron/internal/defs"
)

func TestAppendRecordsInOrder(t *testing.T) {
	j := NewJournal(100, 10)
	for i := 0; i < 3; i++ {
		if err := j.Append(Record_t{Subject: 1, Action: "read", Target: "svc", Decision: Allow}); err != 0 {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
	if j.Len() != 3 {
		t.Fatalf("expected 3 records, got %d", j.Len())
	}
	recs := j.Records()
	for _, r := range recs {
		if r.At.IsZero() {
			t.Fatal("expected non-zero timestamp stamped on append")
		}
	}
}

func TestAppendRateLimitsPerSubject(t *testing.T) {
	j := NewJournal(0.001, 1)
	if err := j.Append(Record_t{Subject: 9, Action: "write", Decision: Deny}); err != 0 {
		t.Fatalf("first append should consume the single burst token: %v", err)
	}
	if err := j.Append(Record_t{Subject: 9, Action: "write", Decision: Deny}); err != defs.ERATELIMIT {
		t.Fatalf("expected RateLimited on second rapid append, got %v", err)
	}
	if j.Len() != 1 {
		t.Fatalf("rate-limited record must not be appended, journal has %d", j.Len())
	}
}

func TestDistinctSubjectsHaveIndependentBudgets(t *testing.T) {
	j := NewJournal(0.001, 1)
	if err := j.Append(Record_t{Subject: 1, Action: "a", Decision: Allow}); err != 0 {
		t.Fatalf("subject 1 first append failed: %v", err)
	}
	if err := j.Append(Record_t{Subject: 2, Action: "a", Decision: Allow}); err != 0 {
		t.Fatalf("subject 2 should have its own budget, got: %v", err)
	}
}

func TestDecisionString(t *testing.T) {
	if Allow.String() != "allow" || Deny.String() != "deny" {
		t.Fatalf("unexpected Decision_t.String() output: %q / %q", Allow.String(), Deny.String())
	}
}

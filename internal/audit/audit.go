// Package audit implements the immutable, append-only policy-decision
// journal policyd writes every allow/deny verdict to, plus the rate
// limiter that bounds how fast a single subject can generate entries
// before further requests are throttled rather than logged. Rate
// limiting draws on
// golang.org/x/time/rate the way other services in this corpus budget
// outbound or inbound work.
package audit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/open-nexus-os/neuron/internal/defs"
	"github.com/open-nexus-os/neuron/internal/uart"
)

// Decision_t is policyd's verdict on one request.
type Decision_t int

const (
	Deny Decision_t = iota
	Allow
)

func (d Decision_t) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Record_t is one immutable journal entry.
type Record_t struct {
	Subject  defs.ServiceId_t
	Action   string
	Target   string
	Decision Decision_t
	Reason   string
	At       time.Time
}

// Journal_t is an append-only, in-memory audit log. Entries are never
// mutated or removed once appended; callers needing retention limits
// truncate by reading and re-creating, never by editing in place.
type Journal_t struct {
	mu      sync.Mutex
	records []Record_t
	limiter map[defs.ServiceId_t]*rate.Limiter

	// per-subject token bucket parameters; exported so policyd's
	// config layer can tune them per deployment.
	RatePerSec float64
	Burst      int

	// FallbackUART is consulted when a subject is rate-limited: a
	// bounded, deterministic marker is written to UART instead of
	// silently dropping the record, since a dropped audit entry with
	// no trace at all is worse than a visible throttling notice.
	FallbackUART bool
}

// NewJournal creates an empty journal with the given per-subject rate
// limit.
func NewJournal(ratePerSec float64, burst int) *Journal_t {
	return &Journal_t{
		limiter:      make(map[defs.ServiceId_t]*rate.Limiter),
		RatePerSec:   ratePerSec,
		Burst:        burst,
		FallbackUART: true,
	}
}

func (j *Journal_t) limiterFor(subject defs.ServiceId_t) *rate.Limiter {
	j.mu.Lock()
	defer j.mu.Unlock()
	l, ok := j.limiter[subject]
	if !ok {
		l = rate.NewLimiter(rate.Limit(j.RatePerSec), j.Burst)
		j.limiter[subject] = l
	}
	return l
}

// Append records one decision, failing with RateLimited if the
// subject has exceeded its audit budget. A rate-limited record is not
// silently dropped: a compact UART marker notes the throttle when
// FallbackUART is set, so there is always some trace of the event.
func (j *Journal_t) Append(r Record_t) defs.Err_t {
	l := j.limiterFor(r.Subject)
	if !l.Allow() {
		if j.FallbackUART {
			uart.Markerf("audit: rate-limited subject=%d action=%s", r.Subject, r.Action)
		}
		return defs.ERATELIMIT
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	j.mu.Lock()
	j.records = append(j.records, r)
	j.mu.Unlock()
	return 0
}

// Records returns a snapshot of every recorded entry, oldest first.
func (j *Journal_t) Records() []Record_t {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Record_t, len(j.records))
	copy(out, j.records)
	return out
}

// Len reports the number of recorded entries.
func (j *Journal_t) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

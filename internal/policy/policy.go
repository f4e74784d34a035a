// Package policy implements policyd's decision engine: an allow/deny
// oracle bound to a kernel-assigned sender_service_id, backed by a
// YAML policy table. Loading via gopkg.in/yaml.v3 follows the same
// declarative-manifest pattern snapd uses for its interface/policy
// configuration, applied here to per-service capability grants
// instead of snap interface connections.
package policy

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/open-nexus-os/neuron/internal/audit"
	"github.com/open-nexus-os/neuron/internal/defs"
)

// Rule_t grants one service a set of named capabilities. Capability
// names are opaque strings here (e.g. "fs.read", "net.bind") that the
// requesting service quotes back in a check call; policy never
// interprets them beyond string equality.
type Rule_t struct {
	Subject      defs.ServiceId_t `yaml:"subject"`
	Capabilities []string         `yaml:"capabilities"`
}

// Table_t is the full policy configuration: one rule set per subject.
type Table_t struct {
	Rules []Rule_t `yaml:"rules"`
}

// Load parses a policy table from a YAML file at path.
func Load(path string) (*Table_t, defs.Err_t) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, defs.ENOTFOUND
	}
	var t Table_t
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, defs.EINVAL
	}
	return &t, 0
}

// Engine_t answers check(subject, required) -> {allowed, missing}
// against a loaded table, auditing every verdict.
type Engine_t struct {
	granted map[defs.ServiceId_t]map[string]bool
	journal *audit.Journal_t
}

// NewEngine indexes table for fast lookups and records every decision
// through journal.
func NewEngine(table *Table_t, journal *audit.Journal_t) *Engine_t {
	e := &Engine_t{granted: make(map[defs.ServiceId_t]map[string]bool), journal: journal}
	for _, rule := range table.Rules {
		set, ok := e.granted[rule.Subject]
		if !ok {
			set = make(map[string]bool)
			e.granted[rule.Subject] = set
		}
		for _, c := range rule.Capabilities {
			set[c] = true
		}
	}
	return e
}

// Result_t is the outcome of a capability check.
type Result_t struct {
	Allowed bool
	Missing []string
}

// Check reports whether subject holds every capability in required,
// and audits the verdict (subject, action, target, decision, reason).
func (e *Engine_t) Check(subject defs.ServiceId_t, action, target string, required []string) Result_t {
	set := e.granted[subject]
	var missing []string
	for _, c := range required {
		if !set[c] {
			missing = append(missing, c)
		}
	}
	res := Result_t{Allowed: len(missing) == 0, Missing: missing}

	decision := audit.Deny
	reason := "missing capabilities"
	if res.Allowed {
		decision = audit.Allow
		reason = "all capabilities granted"
	}
	e.journal.Append(audit.Record_t{
		Subject:  subject,
		Action:   action,
		Target:   target,
		Decision: decision,
		Reason:   reason,
	})
	return res
}

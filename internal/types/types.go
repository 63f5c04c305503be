// Package types holds the shared vocabulary of the orchestration core:
// priorities, tiers, the error taxonomy, and the interfaces of external
// collaborators. Entity types live with the manager that owns them.
package types

import "strings"

// Priority is a work item priority band. P0 schedules before P3.
type Priority string

const (
	PriorityP0 Priority = "/p0"
	PriorityP1 Priority = "/p1"
	PriorityP2 Priority = "/p2"
	PriorityP3 Priority = "/p3"
)

// Rank returns the numeric band (0 is most urgent). Unknown priorities sort
// after P3 so malformed records never jump the queue.
func (p Priority) Rank() int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	case PriorityP3:
		return 3
	default:
		return 4
	}
}

// ParsePriority normalizes user input ("P0", "p1", "/p2") to a Priority.
func ParsePriority(s string) (Priority, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "/")
	switch v {
	case "p0":
		return PriorityP0, true
	case "p1":
		return PriorityP1, true
	case "p2":
		return PriorityP2, true
	case "p3":
		return PriorityP3, true
	}
	return "", false
}

// Tier is an agent's level in the corporate hierarchy.
type Tier string

const (
	TierExecutive Tier = "/executive"
	TierVP        Tier = "/vp"
	TierDirector  Tier = "/director"
	TierWorker    Tier = "/worker"
)

// TierOrder lists tiers top-down; the executor runs cycles in this order.
var TierOrder = []Tier{TierExecutive, TierVP, TierDirector, TierWorker}

// Rank returns the hierarchy depth (0 = executive). Unknown tiers rank below
// workers.
func (t Tier) Rank() int {
	for i, tier := range TierOrder {
		if t == tier {
			return i
		}
	}
	return len(TierOrder)
}

// ParseTier normalizes user input to a Tier.
func ParseTier(s string) (Tier, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(v, "/") {
		v = "/" + v
	}
	switch Tier(v) {
	case TierExecutive, TierVP, TierDirector, TierWorker:
		return Tier(v), true
	}
	return "", false
}

// FailureType classifies a step failure for downstream learning. The core
// records these; it never interprets them.
type FailureType string

const (
	FailurePromptAmbiguity    FailureType = "/prompt_ambiguity"
	FailureLogicError         FailureType = "/logic_error"
	FailureHallucination      FailureType = "/hallucination"
	FailureCostOverrun        FailureType = "/cost_overrun"
	FailureTimeout            FailureType = "/timeout"
	FailureExternalDependency FailureType = "/external_dependency"
	FailureContextDrift       FailureType = "/context_drift"
	FailureCapabilityMismatch FailureType = "/capability_mismatch"
)

// FailureOutcome records how a failure was ultimately disposed.
type FailureOutcome string

const (
	OutcomeResolved   FailureOutcome = "/resolved"
	OutcomeRecurring  FailureOutcome = "/recurring"
	OutcomeUnresolved FailureOutcome = "/unresolved"
)

// SchemaVersion is stamped on every persisted record. Loading a record with a
// different major version fails with ErrSchemaMismatch; minor additions are
// always compatible.
const SchemaVersion = "1.0"

// SchemaCompatible reports whether a record's schema version can be loaded.
func SchemaCompatible(v string) bool {
	if v == "" {
		return false
	}
	major, _, _ := strings.Cut(v, ".")
	selfMajor, _, _ := strings.Cut(SchemaVersion, ".")
	return major == selfMajor
}

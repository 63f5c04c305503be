// Package hooks implements per-agent priority work queues with claim,
// retry, and heartbeat semantics. A hook is owned by exactly one agent; all
// mutations to a hook are serialized on the hook's own lock, and every
// mutation writes a ledger entry before the change becomes visible.
package hooks

import (
	"time"

	"agentcorp/internal/types"
)

// ItemStatus is a work item's queue state.
type ItemStatus string

const (
	ItemQueued     ItemStatus = "/queued"
	ItemInProgress ItemStatus = "/in_progress"
	ItemCompleted  ItemStatus = "/completed"
	ItemFailed     ItemStatus = "/failed"
)

// OwnerType classifies a hook's owner.
type OwnerType string

const (
	OwnerExecutive OwnerType = "/executive"
	OwnerVP        OwnerType = "/vp"
	OwnerDirector  OwnerType = "/director"
	OwnerWorker    OwnerType = "/worker"
	OwnerPool      OwnerType = "/pool"
)

// OwnerTypeForTier maps an org tier to the hook owner type.
func OwnerTypeForTier(t types.Tier) OwnerType {
	switch t {
	case types.TierExecutive:
		return OwnerExecutive
	case types.TierVP:
		return OwnerVP
	case types.TierDirector:
		return OwnerDirector
	default:
		return OwnerWorker
	}
}

// WorkItem is a schedulable unit placed in a hook.
type WorkItem struct {
	ID                   string         `json:"id"`
	MoleculeID           string         `json:"molecule_id"`
	StepID               string         `json:"step_id"`
	Priority             types.Priority `json:"priority"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	Instruction          string         `json:"instruction"`
	MaxRetries           int            `json:"max_retries"`
	RetryCount           int            `json:"retry_count"`
	Arrival              uint64         `json:"arrival"`
	Status               ItemStatus     `json:"status"`
	ClaimedAt            time.Time      `json:"claimed_at,omitempty"`
	ClaimedBy            string         `json:"claimed_by,omitempty"`
	Deadline             *time.Time     `json:"deadline,omitempty"`
	Result               string         `json:"result,omitempty"`
	LastError            string         `json:"last_error,omitempty"`
	EstimatedCost        float64        `json:"estimated_cost,omitempty"`
}

// Before reports queue ordering: strict priority bands, FIFO by arrival
// within a band, item id as the final (should-not-occur) tie-break.
func (w *WorkItem) Before(other *WorkItem) bool {
	if w.Priority.Rank() != other.Priority.Rank() {
		return w.Priority.Rank() < other.Priority.Rank()
	}
	if w.Arrival != other.Arrival {
		return w.Arrival < other.Arrival
	}
	return w.ID < other.ID
}

// Stats summarizes a hook's queue counters.
type Stats struct {
	Queued     int `json:"queued"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Hook is one agent's queue state. The manager hands out deep copies; callers
// never see live internals.
type Hook struct {
	OwnerID       string      `json:"owner_id"`
	OwnerType     OwnerType   `json:"owner_type"`
	Queue         []*WorkItem `json:"queue"`
	InProgress    *WorkItem   `json:"in_progress,omitempty"`
	Stats         Stats       `json:"stats"`
	LastHeartbeat time.Time   `json:"last_heartbeat,omitempty"`
}

// QueueDepth returns queued items plus the claimed one, the load metric the
// scheduler balances on.
func (h *Hook) QueueDepth() int {
	depth := len(h.Queue)
	if h.InProgress != nil {
		depth++
	}
	return depth
}

func (h *Hook) clone() *Hook {
	cp := *h
	cp.Queue = make([]*WorkItem, len(h.Queue))
	for i, it := range h.Queue {
		itc := *it
		cp.Queue[i] = &itc
	}
	if h.InProgress != nil {
		ipc := *h.InProgress
		cp.InProgress = &ipc
	}
	return &cp
}

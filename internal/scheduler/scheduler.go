// Package scheduler assigns ready work items to agent hooks. Candidate
// selection is capability matching first, then load balancing by queue depth
// with starvation age as the tie-break. Items with no eligible agent park in
// a pending queue and are retried when the agent inventory changes.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"agentcorp/internal/hooks"
	"agentcorp/internal/ledger"
	"agentcorp/internal/logging"
	"agentcorp/internal/org"
	"agentcorp/internal/types"
)

// ReadyChecker verifies a work item's step has met its dependencies.
// Implemented by the workflow engine; may be nil when items carry no step.
type ReadyChecker interface {
	IsStepReady(moleculeID, stepID string) (bool, error)
}

// pendingAssignment is a parked item waiting for a capable agent.
type pendingAssignment struct {
	Item         *hooks.WorkItem
	RequiredTier types.Tier
	ParkedAt     time.Time
}

// Scheduler places work items. All agent inventory is read through the
// registry; the only state carried across calls is the pending queue and the
// per-agent last-assignment clock.
type Scheduler struct {
	mu           sync.Mutex
	registry     *org.Registry
	hooks        *hooks.Manager
	led          *ledger.Ledger
	ready        ReadyChecker
	pending      []*pendingAssignment
	lastAssigned map[string]time.Time
}

// New builds a scheduler over the registry and hook manager.
func New(registry *org.Registry, hookMgr *hooks.Manager, led *ledger.Ledger) *Scheduler {
	return &Scheduler{
		registry:     registry,
		hooks:        hookMgr,
		led:          led,
		lastAssigned: make(map[string]time.Time),
	}
}

// SetReadyChecker wires the workflow engine's readiness probe.
func (s *Scheduler) SetReadyChecker(rc ReadyChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = rc
}

// Schedule assigns one item. Returns the chosen agent id, or "" when the item
// was parked for lack of a capable agent.
func (s *Scheduler) Schedule(item *hooks.WorkItem, requiredCapabilities []string, requiredTier types.Tier) (string, error) {
	if s.ready != nil && item.MoleculeID != "" && item.StepID != "" {
		ready, err := s.ready.IsStepReady(item.MoleculeID, item.StepID)
		if err != nil {
			return "", err
		}
		if !ready {
			return "", fmt.Errorf("%w: step %s has unmet dependencies", types.ErrNotReady, item.StepID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleLocked(item, requiredCapabilities, requiredTier)
}

func (s *Scheduler) scheduleLocked(item *hooks.WorkItem, requiredCapabilities []string, requiredTier types.Tier) (string, error) {
	chosen := s.pickAgentLocked(requiredCapabilities, requiredTier)
	if chosen == nil {
		s.pending = append(s.pending, &pendingAssignment{
			Item:         item,
			RequiredTier: requiredTier,
			ParkedAt:     time.Now().UTC(),
		})
		logging.Scheduler("no capable agent for item %s (caps %v); parked (%d pending)",
			item.ID, requiredCapabilities, len(s.pending))
		return "", nil
	}

	if err := s.placeLocked(chosen, item); err != nil {
		return "", err
	}
	return chosen.ID, nil
}

// pickAgentLocked selects the capability-matching agent with the shallowest
// hook, breaking ties by oldest last assignment, then by id.
func (s *Scheduler) pickAgentLocked(requiredCapabilities []string, requiredTier types.Tier) *org.Agent {
	var candidates []*org.Agent
	for _, a := range s.registry.List() {
		if requiredTier != "" && a.Tier != requiredTier {
			continue
		}
		if !a.HasCapabilities(requiredCapabilities) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil
	}

	depth := func(id string) int {
		stats, err := s.hooks.GetStats(id)
		if err != nil {
			return 0
		}
		return stats.Queued + stats.InProgress
	}
	sort.Slice(candidates, func(i, j int) bool {
		di, dj := depth(candidates[i].ID), depth(candidates[j].ID)
		if di != dj {
			return di < dj
		}
		ti, tj := s.lastAssigned[candidates[i].ID], s.lastAssigned[candidates[j].ID]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0]
}

func (s *Scheduler) placeLocked(agent *org.Agent, item *hooks.WorkItem) error {
	if err := s.hooks.CreateHook(agent.ID, hooks.OwnerTypeForTier(agent.Tier)); err != nil {
		return err
	}
	if err := s.hooks.Enqueue(agent.ID, item); err != nil {
		return err
	}
	s.lastAssigned[agent.ID] = time.Now().UTC()
	logging.Scheduler("assigned item %s (step %s, %s) to %s", item.ID, item.StepID, item.Priority, agent.ID)
	return nil
}

// Dispatch implements the workflow engine's dispatcher: capability and tier
// requirements travel on the item itself.
func (s *Scheduler) Dispatch(item *hooks.WorkItem) error {
	_, err := s.Schedule(item, item.RequiredCapabilities, "")
	return err
}

// RegisterAgent hires an agent: registry entry, hook creation, and a retry of
// parked assignments against the grown inventory.
func (s *Scheduler) RegisterAgent(a *org.Agent) error {
	if err := s.registry.Register(a); err != nil {
		return err
	}
	if _, err := s.led.Append("system", ledger.EntityAgent, a.ID, ledger.EventRegistered,
		map[string]interface{}{"role": a.Role, "tier": string(a.Tier), "capabilities": a.Capabilities}, 0); err != nil {
		return err
	}
	if err := s.hooks.CreateHook(a.ID, hooks.OwnerTypeForTier(a.Tier)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryPendingLocked()
	return nil
}

// UpdateAgent replaces an agent's record and retries parked assignments
// (capabilities may have grown).
func (s *Scheduler) UpdateAgent(a *org.Agent) error {
	if err := s.registry.Update(a); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryPendingLocked()
	return nil
}

// Rebalance retries parked assignments and feeds starved idle agents from the
// deepest queue they are capable of draining.
func (s *Scheduler) Rebalance() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retryPendingLocked()

	agents := s.registry.List()
	for _, idle := range agents {
		stats, err := s.hooks.GetStats(idle.ID)
		if err != nil || stats.Queued > 0 || stats.InProgress > 0 {
			continue
		}
		s.feedIdleLocked(idle, agents)
	}
}

// feedIdleLocked moves one queued item from the deepest eligible queue to an
// idle agent. Items in progress never move.
func (s *Scheduler) feedIdleLocked(idle *org.Agent, agents []*org.Agent) {
	var donor *org.Agent
	var donorDepth int
	for _, a := range agents {
		if a.ID == idle.ID {
			continue
		}
		stats, err := s.hooks.GetStats(a.ID)
		if err != nil || stats.Queued < 2 {
			continue
		}
		if stats.Queued > donorDepth {
			donor = a
			donorDepth = stats.Queued
		}
	}
	if donor == nil {
		return
	}

	snap, err := s.hooks.Snapshot(donor.ID)
	if err != nil {
		return
	}
	for _, queued := range snap.Queue {
		if !idle.HasCapabilities(queued.RequiredCapabilities) {
			continue
		}
		item, err := s.hooks.TakeQueued(donor.ID, queued.ID)
		if err != nil {
			continue
		}
		if err := s.placeLocked(idle, item); err != nil {
			logging.Get(logging.CategoryScheduler).Error("rebalance replace of %s failed: %v", item.ID, err)
			return
		}
		logging.Scheduler("rebalanced item %s from %s to %s", item.ID, donor.ID, idle.ID)
		return
	}
}

// retryPendingLocked re-attempts every parked assignment; items that still
// have no candidate stay parked.
func (s *Scheduler) retryPendingLocked() {
	if len(s.pending) == 0 {
		return
	}
	remaining := s.pending[:0]
	for _, pa := range s.pending {
		agent := s.pickAgentLocked(pa.Item.RequiredCapabilities, pa.RequiredTier)
		if agent == nil {
			remaining = append(remaining, pa)
			continue
		}
		if err := s.placeLocked(agent, pa.Item); err != nil {
			logging.Get(logging.CategoryScheduler).Error("pending placement of %s failed: %v", pa.Item.ID, err)
			remaining = append(remaining, pa)
		}
	}
	s.pending = remaining
}

// PendingCount reports parked assignments awaiting a capable agent.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

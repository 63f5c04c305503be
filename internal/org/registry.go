// Package org holds the agent registry and reporting hierarchy. Agents are
// registered at hiring time and persisted to <root>/org/agents.json; the
// channel system and scheduler read tier and chain-of-command from here.
package org

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"agentcorp/internal/kernel"
	"agentcorp/internal/logging"
	"agentcorp/internal/types"
)

// Agent is one registered member of the corporation.
type Agent struct {
	ID            string     `json:"id"`
	Role          string     `json:"role"`
	Tier          types.Tier `json:"tier"`
	Department    string     `json:"department,omitempty"`
	Capabilities  []string   `json:"capabilities,omitempty"`
	Skills        []string   `json:"skills,omitempty"`
	ReportsTo     string     `json:"reports_to,omitempty"`
	DirectReports []string   `json:"direct_reports,omitempty"`
	HiredAt       time.Time  `json:"hired_at"`
}

// HasCapabilities reports whether the agent's capability set covers all of
// required.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// ToFacts converts an agent to kernel facts.
func (a *Agent) ToFacts() []kernel.Fact {
	facts := []kernel.Fact{{
		Predicate: "agent",
		Args:      []interface{}{a.ID, a.Role, string(a.Tier), a.Department},
	}}
	if a.ReportsTo != "" {
		facts = append(facts, kernel.Fact{
			Predicate: "reports_to",
			Args:      []interface{}{a.ID, a.ReportsTo},
		})
	}
	for _, c := range a.Capabilities {
		facts = append(facts, kernel.Fact{
			Predicate: "agent_capability",
			Args:      []interface{}{a.ID, c},
		})
	}
	return facts
}

// registryFile is the on-disk shape of org/agents.json.
type registryFile struct {
	SchemaVersion string   `json:"schema_version"`
	UpdatedAt     string   `json:"updated_at"`
	Agents        []*Agent `json:"agents"`
}

// Registry is the in-memory agent inventory backed by org/agents.json.
type Registry struct {
	mu     sync.RWMutex
	path   string
	agents map[string]*Agent
}

// NewRegistry loads (or initializes) the registry under the state root.
func NewRegistry(root string) (*Registry, error) {
	dir := filepath.Join(root, "org")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create org dir: %v", types.ErrStorage, err)
	}
	r := &Registry{
		path:   filepath.Join(dir, "agents.json"),
		agents: make(map[string]*Agent),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads agents.json from disk, replacing the in-memory view.
// Called at startup and by the fsnotify watcher on external edits.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: read %s: %v", types.ErrStorage, r.path, err)
	}

	var rf registryFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("%w: parse %s: %v", types.ErrStorage, r.path, err)
	}
	if !types.SchemaCompatible(rf.SchemaVersion) {
		return fmt.Errorf("%w: agents.json schema %q", types.ErrSchemaMismatch, rf.SchemaVersion)
	}

	agents := make(map[string]*Agent, len(rf.Agents))
	for _, a := range rf.Agents {
		agents[a.ID] = a
	}
	r.agents = agents
	logging.Org("registry reloaded: %d agents", len(agents))
	return nil
}

func (r *Registry) saveLocked() error {
	rf := registryFile{
		SchemaVersion: types.SchemaVersion,
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339),
		Agents:        make([]*Agent, 0, len(r.agents)),
	}
	for _, a := range r.agents {
		rf.Agents = append(rf.Agents, a)
	}
	sort.Slice(rf.Agents, func(i, j int) bool { return rf.Agents[i].ID < rf.Agents[j].ID })

	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal registry: %v", types.ErrStorage, err)
	}
	if err := os.WriteFile(r.path, data, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", types.ErrStorage, r.path, err)
	}
	return nil
}

// Register adds a new agent and links it under its manager.
func (r *Registry) Register(a *Agent) error {
	if a.ID == "" {
		return fmt.Errorf("%w: agent id required", types.ErrInvalidState)
	}
	if _, ok := types.ParseTier(string(a.Tier)); !ok {
		return fmt.Errorf("%w: unknown tier %q", types.ErrInvalidState, a.Tier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.ID]; exists {
		return fmt.Errorf("%w: agent %s already registered", types.ErrInvalidState, a.ID)
	}
	if a.ReportsTo != "" {
		mgr, ok := r.agents[a.ReportsTo]
		if !ok {
			return fmt.Errorf("%w: manager %s", types.ErrNotFound, a.ReportsTo)
		}
		if mgr.Tier.Rank() >= a.Tier.Rank() {
			return fmt.Errorf("%w: %s (%s) cannot report to %s (%s)", types.ErrInvalidState, a.ID, a.Tier, mgr.ID, mgr.Tier)
		}
		mgr.DirectReports = append(mgr.DirectReports, a.ID)
	}
	if a.HiredAt.IsZero() {
		a.HiredAt = time.Now().UTC()
	}
	r.agents[a.ID] = a
	logging.Org("registered agent %s (%s, %s)", a.ID, a.Role, a.Tier)
	return r.saveLocked()
}

// Update replaces a registered agent's record.
func (r *Registry) Update(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.ID]; !exists {
		return fmt.Errorf("%w: agent %s", types.ErrNotFound, a.ID)
	}
	r.agents[a.ID] = a
	return r.saveLocked()
}

// Get returns a copy of the agent record.
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", types.ErrNotFound, id)
	}
	cp := *a
	return &cp, nil
}

// List returns all agents, ordered by id.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InChainOfCommand reports whether ancestor is in agent's transitive
// reports_to chain.
func (r *Registry) InChainOfCommand(agentID, ancestorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	cur := r.agents[agentID]
	for cur != nil && cur.ReportsTo != "" && !seen[cur.ID] {
		seen[cur.ID] = true
		if cur.ReportsTo == ancestorID {
			return true
		}
		cur = r.agents[cur.ReportsTo]
	}
	return false
}

// Subordinates returns the transitive subordinate set of an agent, ordered
// by id. Used for broadcast fan-out.
func (r *Registry) Subordinates(agentID string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	seen := map[string]bool{agentID: true}
	frontier := []string{agentID}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		a, ok := r.agents[next]
		if !ok {
			continue
		}
		for _, sub := range a.DirectReports {
			if seen[sub] {
				continue
			}
			seen[sub] = true
			if s, ok := r.agents[sub]; ok {
				cp := *s
				out = append(out, &cp)
				frontier = append(frontier, sub)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Path returns the on-disk registry path (for the watcher).
func (r *Registry) Path() string { return r.path }

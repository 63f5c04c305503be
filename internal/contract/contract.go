// Package contract binds a molecule to measurable success criteria. Contracts
// are versioned: amendments create a new version and freeze the prior one,
// never mutating it in place. Continuous contracts re-run their check
// expressions and escalate upchain after too many consecutive failures.
package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"agentcorp/internal/kernel"
	"agentcorp/internal/ledger"
	"agentcorp/internal/logging"
	"agentcorp/internal/types"

	"github.com/google/uuid"
)

// Status is a contract's lifecycle state.
type Status string

const (
	StatusDraft     Status = "/draft"
	StatusActive    Status = "/active"
	StatusCompleted Status = "/completed"
	StatusFailed    Status = "/failed"
	StatusAmended   Status = "/amended"
)

// ValidationMode selects how success is verified.
type ValidationMode string

const (
	ValidateOneTime    ValidationMode = "/one_time"
	ValidateContinuous ValidationMode = "/continuous"
	ValidatePeriodic   ValidationMode = "/periodic"
)

// SuccessCriterion is one checkable condition of contract completion.
type SuccessCriterion struct {
	Description string    `json:"description"`
	Required    bool      `json:"required"`
	Met         bool      `json:"met"`
	Verifier    string    `json:"verifier,omitempty"`
	VerifiedAt  time.Time `json:"verified_at,omitempty"`
}

// ContinuousCriterion is a standing condition re-checked during execution.
// Check is a kernel query pattern over the molecule's context facts.
type ContinuousCriterion struct {
	Description string `json:"description"`
	Check       string `json:"check"`
}

// Contract is one version of a molecule's success agreement.
type Contract struct {
	ID                  string                `json:"id"`
	MoleculeID          string                `json:"molecule_id"`
	Version             int                   `json:"version"`
	Status              Status                `json:"status"`
	Objective           string                `json:"objective"`
	SuccessCriteria     []SuccessCriterion    `json:"success_criteria"`
	InScope             []string              `json:"in_scope,omitempty"`
	OutOfScope          []string              `json:"out_of_scope,omitempty"`
	Constraints         []string              `json:"constraints,omitempty"`
	ValidationMode      ValidationMode        `json:"validation_mode"`
	ContinuousCriteria  []ContinuousCriterion `json:"continuous_criteria,omitempty"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	EscalationThreshold int                   `json:"escalation_threshold,omitempty"`
	PreviousVersion     string                `json:"previous_version,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
}

// ToFacts converts the contract to kernel facts.
func (c *Contract) ToFacts() []kernel.Fact {
	facts := []kernel.Fact{{
		Predicate: "contract",
		Args:      []interface{}{c.ID, c.MoleculeID, int64(c.Version), string(c.Status)},
	}}
	for i, sc := range c.SuccessCriteria {
		if sc.Met {
			facts = append(facts, kernel.Fact{
				Predicate: "criterion_met",
				Args:      []interface{}{c.ID, int64(i)},
			})
		}
	}
	return facts
}

func (c *Contract) clone() *Contract {
	cp := *c
	cp.SuccessCriteria = append([]SuccessCriterion(nil), c.SuccessCriteria...)
	cp.ContinuousCriteria = append([]ContinuousCriterion(nil), c.ContinuousCriteria...)
	cp.InScope = append([]string(nil), c.InScope...)
	cp.OutOfScope = append([]string(nil), c.OutOfScope...)
	cp.Constraints = append([]string(nil), c.Constraints...)
	return &cp
}

// MoleculeView is the narrow slice of the workflow engine the contract system
// needs. Wired at assembly to avoid a package cycle.
type MoleculeView interface {
	MoleculeStatus(moleculeID string) (string, error)
	AccountableGateSatisfied(moleculeID string) bool
	ContextFacts(moleculeID string) []kernel.Fact
}

// Escalator delivers upchain escalation messages on behalf of a molecule's
// accountable agent.
type Escalator interface {
	EscalateUpchain(moleculeID, subject, body string) error
}

type contractRecord struct {
	SchemaVersion string    `json:"schema_version"`
	Contract      *Contract `json:"contract"`
}

// Manager owns all contract versions.
type Manager struct {
	mu        sync.Mutex
	dir       string
	led       *ledger.Ledger
	molecules MoleculeView
	escalator Escalator
	contracts map[string]*Contract
	latest    map[string]string // molecule id -> latest contract id
}

// NewManager prepares the contract store.
func NewManager(root string, led *ledger.Ledger) (*Manager, error) {
	dir := filepath.Join(root, "contracts")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create contracts dir: %v", types.ErrStorage, err)
	}
	m := &Manager{
		dir:       dir,
		led:       led,
		contracts: make(map[string]*Contract),
		latest:    make(map[string]string),
	}
	if err := m.loadAll(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetMoleculeView wires the workflow engine view.
func (m *Manager) SetMoleculeView(v MoleculeView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.molecules = v
}

// SetEscalator wires the upchain escalation path.
func (m *Manager) SetEscalator(e Escalator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalator = e
}

func (m *Manager) loadAll() error {
	dirents, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("%w: read contracts dir: %v", types.ErrStorage, err)
	}
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, de.Name()))
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", types.ErrStorage, de.Name(), err)
		}
		var rec contractRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("%w: parse %s: %v", types.ErrStorage, de.Name(), err)
		}
		if !types.SchemaCompatible(rec.SchemaVersion) {
			return fmt.Errorf("%w: contract schema %q", types.ErrSchemaMismatch, rec.SchemaVersion)
		}
		c := rec.Contract
		m.contracts[c.ID] = c
		if c.Status != StatusAmended {
			m.latest[c.MoleculeID] = c.ID
		}
	}
	logging.Contracts("loaded %d contract versions", len(m.contracts))
	return nil
}

func (m *Manager) persist(c *Contract) error {
	data, err := json.MarshalIndent(contractRecord{SchemaVersion: types.SchemaVersion, Contract: c}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal contract %s: %v", types.ErrStorage, c.ID, err)
	}
	path := filepath.Join(m.dir, c.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", types.ErrStorage, path, err)
	}
	return nil
}

// Create opens version 1 of a molecule's contract. A molecule holds exactly
// one contract chain.
func (m *Manager) Create(moleculeID, objective string, criteria []SuccessCriterion, inScope, outOfScope, constraints []string) (*Contract, error) {
	if moleculeID == "" || objective == "" {
		return nil, fmt.Errorf("%w: molecule id and objective required", types.ErrInvalidState)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.latest[moleculeID]; ok {
		return nil, fmt.Errorf("%w: molecule %s already has contract %s", types.ErrInvalidState, moleculeID, existing)
	}

	c := &Contract{
		ID:              fmt.Sprintf("con_%s", uuid.New().String()[:8]),
		MoleculeID:      moleculeID,
		Version:         1,
		Status:          StatusDraft,
		Objective:       objective,
		SuccessCriteria: criteria,
		InScope:         inScope,
		OutOfScope:      outOfScope,
		Constraints:     constraints,
		ValidationMode:  ValidateOneTime,
		CreatedAt:       time.Now().UTC(),
	}

	if _, err := m.led.Append("system", ledger.EntityContract, c.ID, ledger.EventCreated,
		map[string]interface{}{"molecule": moleculeID, "version": 1, "objective": objective}, 0); err != nil {
		return nil, err
	}
	m.contracts[c.ID] = c
	m.latest[moleculeID] = c.ID
	if err := m.persist(c); err != nil {
		return nil, err
	}
	logging.Contracts("created contract %s v1 for molecule %s", c.ID, moleculeID)
	return c.clone(), nil
}

// Activate moves a draft contract to active. Allowed only while the molecule
// is still draft or active itself.
func (m *Manager) Activate(contractID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contracts[contractID]
	if !ok {
		return fmt.Errorf("%w: contract %s", types.ErrNotFound, contractID)
	}
	if c.Status != StatusDraft {
		return fmt.Errorf("%w: contract %s is %s, not draft", types.ErrInvalidState, contractID, c.Status)
	}
	if m.molecules != nil {
		status, err := m.molecules.MoleculeStatus(c.MoleculeID)
		if err != nil {
			return err
		}
		if status != "/draft" && status != "/active" && status != "/pending" {
			return fmt.Errorf("%w: molecule %s is %s, contract cannot activate", types.ErrInvalidState, c.MoleculeID, status)
		}
	}

	if _, err := m.led.Append("system", ledger.EntityContract, c.ID, ledger.EventActivated, nil, 0); err != nil {
		return err
	}
	c.Status = StatusActive
	return m.persist(c)
}

// Check marks a success criterion as met. When all required criteria are met
// and the molecule's accountable gate is satisfied, the contract completes.
func (m *Manager) Check(contractID string, index int, verifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contracts[contractID]
	if !ok {
		return fmt.Errorf("%w: contract %s", types.ErrNotFound, contractID)
	}
	if c.Status != StatusActive {
		return fmt.Errorf("%w: contract %s is %s, not active", types.ErrInvalidState, contractID, c.Status)
	}
	if index < 0 || index >= len(c.SuccessCriteria) {
		return fmt.Errorf("%w: criterion %d of contract %s", types.ErrNotFound, index, contractID)
	}

	if _, err := m.led.Append(verifier, ledger.EntityContract, c.ID, ledger.EventChecked,
		map[string]interface{}{"criterion": index, "description": c.SuccessCriteria[index].Description}, 0); err != nil {
		return err
	}
	c.SuccessCriteria[index].Met = true
	c.SuccessCriteria[index].Verifier = verifier
	c.SuccessCriteria[index].VerifiedAt = time.Now().UTC()

	if m.requiredMetLocked(c) && (m.molecules == nil || m.molecules.AccountableGateSatisfied(c.MoleculeID)) {
		if _, err := m.led.Append("system", ledger.EntityContract, c.ID, ledger.EventCompleted, nil, 0); err != nil {
			return err
		}
		c.Status = StatusCompleted
		logging.Contracts("contract %s completed", c.ID)
	}
	return m.persist(c)
}

func (m *Manager) requiredMetLocked(c *Contract) bool {
	for _, sc := range c.SuccessCriteria {
		if sc.Required && !sc.Met {
			return false
		}
	}
	return true
}

// Changes is the set of amendable contract fields. Nil slices and empty
// strings mean "keep the previous version's value".
type Changes struct {
	Objective           string
	SuccessCriteria     []SuccessCriterion
	InScope             []string
	OutOfScope          []string
	Constraints         []string
	ValidationMode      ValidationMode
	ContinuousCriteria  []ContinuousCriterion
	EscalationThreshold int
}

// Amend freezes the current version as amended and creates version+1 with the
// requested changes applied. The new version starts active if the old one
// was.
func (m *Manager) Amend(contractID string, ch Changes) (*Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("%w: contract %s", types.ErrNotFound, contractID)
	}
	if old.Status == StatusAmended {
		return nil, fmt.Errorf("%w: contract %s already amended, amend the latest version", types.ErrInvalidState, contractID)
	}
	if old.Status == StatusCompleted || old.Status == StatusFailed {
		return nil, fmt.Errorf("%w: contract %s is %s, cannot amend", types.ErrInvalidState, contractID, old.Status)
	}

	next := old.clone()
	next.ID = fmt.Sprintf("con_%s", uuid.New().String()[:8])
	next.Version = old.Version + 1
	next.PreviousVersion = old.ID
	next.CreatedAt = time.Now().UTC()
	next.ConsecutiveFailures = 0
	if ch.Objective != "" {
		next.Objective = ch.Objective
	}
	if ch.SuccessCriteria != nil {
		next.SuccessCriteria = ch.SuccessCriteria
	}
	if ch.InScope != nil {
		next.InScope = ch.InScope
	}
	if ch.OutOfScope != nil {
		next.OutOfScope = ch.OutOfScope
	}
	if ch.Constraints != nil {
		next.Constraints = ch.Constraints
	}
	if ch.ValidationMode != "" {
		next.ValidationMode = ch.ValidationMode
	}
	if ch.ContinuousCriteria != nil {
		next.ContinuousCriteria = ch.ContinuousCriteria
	}
	if ch.EscalationThreshold != 0 {
		next.EscalationThreshold = ch.EscalationThreshold
	}

	if _, err := m.led.Append("system", ledger.EntityContract, next.ID, ledger.EventAmended,
		map[string]interface{}{"previous": old.ID, "version": next.Version}, 0); err != nil {
		return nil, err
	}
	old.Status = StatusAmended
	if err := m.persist(old); err != nil {
		return nil, err
	}
	m.contracts[next.ID] = next
	m.latest[next.MoleculeID] = next.ID
	if err := m.persist(next); err != nil {
		return nil, err
	}
	logging.Contracts("amended contract %s -> %s (v%d)", old.ID, next.ID, next.Version)
	return next.clone(), nil
}

// ValidationResult reports one continuous validation pass.
type ValidationResult struct {
	ContractID          string    `json:"contract_id"`
	Passed              bool      `json:"passed"`
	FailedChecks        []string  `json:"failed_checks,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Escalated           bool      `json:"escalated"`
	CheckedAt           time.Time `json:"checked_at"`
}

// ValidateContinuous runs every continuous criterion's check expression over
// the molecule's context facts. A failing pass increments the consecutive
// failure counter; reaching the escalation threshold sends an upchain
// escalation message.
func (m *Manager) ValidateContinuous(contractID string) (*ValidationResult, error) {
	m.mu.Lock()
	c, ok := m.contracts[contractID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: contract %s", types.ErrNotFound, contractID)
	}
	if c.ValidationMode != ValidateContinuous && c.ValidationMode != ValidatePeriodic {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: contract %s validation mode is %s", types.ErrInvalidState, contractID, c.ValidationMode)
	}
	criteria := append([]ContinuousCriterion(nil), c.ContinuousCriteria...)
	var facts []kernel.Fact
	if m.molecules != nil {
		facts = m.molecules.ContextFacts(c.MoleculeID)
	}
	facts = append(facts, c.ToFacts()...)
	m.mu.Unlock()

	k := kernel.New()
	var failed []string
	if err := k.LoadFacts(facts); err != nil {
		return nil, fmt.Errorf("%w: load validation facts: %v", types.ErrStorage, err)
	}
	for _, cc := range criteria {
		holds, err := k.Exists(cc.Check)
		if err != nil || !holds {
			failed = append(failed, cc.Description)
		}
	}

	m.mu.Lock()
	result := &ValidationResult{
		ContractID: c.ID,
		Passed:     len(failed) == 0,
		FailedChecks: failed,
		CheckedAt:  time.Now().UTC(),
	}
	if result.Passed {
		c.ConsecutiveFailures = 0
	} else {
		c.ConsecutiveFailures++
	}
	result.ConsecutiveFailures = c.ConsecutiveFailures

	escalate := !result.Passed && c.EscalationThreshold > 0 && c.ConsecutiveFailures >= c.EscalationThreshold
	if escalate {
		if _, err := m.led.Append("system", ledger.EntityContract, c.ID, ledger.EventEscalated,
			map[string]interface{}{"consecutive_failures": c.ConsecutiveFailures, "failed_checks": failed}, 0); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		result.Escalated = true
	}
	moleculeID := c.MoleculeID
	err := m.persist(c)
	escalator := m.escalator
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if escalate && escalator != nil {
		subject := fmt.Sprintf("Contract %s failing continuously", c.ID)
		body := fmt.Sprintf("Contract %s for molecule %s has failed %d consecutive validation passes. Failing checks: %s",
			c.ID, moleculeID, result.ConsecutiveFailures, strings.Join(failed, "; "))
		if err := escalator.EscalateUpchain(moleculeID, subject, body); err != nil {
			logging.Get(logging.CategoryContracts).Error("escalation for %s failed: %v", c.ID, err)
		}
	}
	return result, nil
}

// MarkFailed moves a contract to failed. Called by the workflow engine when a
// molecule fails and required criteria can no longer be met.
func (m *Manager) MarkFailed(contractID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contracts[contractID]
	if !ok {
		return fmt.Errorf("%w: contract %s", types.ErrNotFound, contractID)
	}
	if c.Status == StatusCompleted || c.Status == StatusFailed || c.Status == StatusAmended {
		return fmt.Errorf("%w: contract %s is %s", types.ErrInvalidState, contractID, c.Status)
	}
	if _, err := m.led.Append("system", ledger.EntityContract, c.ID, ledger.EventFailed,
		map[string]interface{}{"reason": reason}, 0); err != nil {
		return err
	}
	c.Status = StatusFailed
	return m.persist(c)
}

// Get returns a copy of a contract version.
func (m *Manager) Get(contractID string) (*Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("%w: contract %s", types.ErrNotFound, contractID)
	}
	return c.clone(), nil
}

// LatestForMolecule returns the current (non-amended) contract version for a
// molecule.
func (m *Manager) LatestForMolecule(moleculeID string) (*Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.latest[moleculeID]
	if !ok {
		return nil, fmt.Errorf("%w: contract for molecule %s", types.ErrNotFound, moleculeID)
	}
	return m.contracts[id].clone(), nil
}

// History returns the full version chain for a molecule, oldest first.
func (m *Manager) History(moleculeID string) []*Contract {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Contract
	for _, c := range m.contracts {
		if c.MoleculeID == moleculeID {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

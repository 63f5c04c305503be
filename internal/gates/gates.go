// Package gates implements quality checkpoints. A gate carries ordered
// criteria; submissions against a gate are evaluated by running each
// criterion's auto-check as a kernel query over the submission's artifact
// facts, then applying the gate's auto-approval policy.
package gates

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

// Policy is a gate's auto-approval policy.
type Policy string

const (
	PolicyManual         Policy = "/manual"
	PolicyStrict         Policy = "/strict"
	PolicyLenient        Policy = "/lenient"
	PolicyAutoChecksOnly Policy = "/auto_checks_only"
)

// SubmissionStatus is a submission's lifecycle state. Transitions only move
// forward; approved and rejected are terminal.
type SubmissionStatus string

const (
	SubmissionPending    SubmissionStatus = "/pending"
	SubmissionEvaluating SubmissionStatus = "/evaluating"
	SubmissionApproved   SubmissionStatus = "/approved"
	SubmissionRejected   SubmissionStatus = "/rejected"
)

// Criterion is one gate requirement. AutoCheck, when present, is a kernel
// query pattern evaluated against the submission's facts, e.g.
// artifact("tests_pass", "true").
type Criterion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	AutoCheck   string `json:"auto_check,omitempty"`
}

// Gate is a reusable quality checkpoint.
type Gate struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Criteria          []Criterion `json:"criteria"`
	Policy            Policy      `json:"policy"`
	MinimumConfidence float64     `json:"minimum_confidence"`
	CreatedAt         time.Time   `json:"created_at"`
}

// CriterionResult records one criterion's evaluation outcome.
type CriterionResult struct {
	CriterionID string `json:"criterion_id"`
	Checked     bool   `json:"checked"` // false when the criterion has no auto-check
	Passed      bool   `json:"passed"`
	Detail      string `json:"detail,omitempty"`
}

// Submission is one candidate for passing a gate.
type Submission struct {
	ID          string            `json:"id"`
	GateID      string            `json:"gate_id"`
	MoleculeID  string            `json:"molecule_id"`
	StepID      string            `json:"step_id"`
	Submitter   string            `json:"submitter"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Status      SubmissionStatus  `json:"status"`
	Results     []CriterionResult `json:"results,omitempty"`
	Confidence  float64           `json:"confidence"`
	SubmittedAt time.Time         `json:"submitted_at"`
	DecidedAt   time.Time         `json:"decided_at,omitempty"`
	Decider     string            `json:"decider,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// ToFacts converts a submission to kernel facts.
func (s *Submission) ToFacts() []kernel.Fact {
	facts := []kernel.Fact{{
		Predicate: "submission",
		Args:      []interface{}{s.ID, s.GateID, s.StepID, string(s.Status)},
	}}
	keys := make([]string, 0, len(s.Artifacts))
	for k := range s.Artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		facts = append(facts, kernel.Fact{
			Predicate: "artifact",
			Args:      []interface{}{k, s.Artifacts[k]},
		})
	}
	return facts
}

// FactSource supplies additional context facts for auto-check evaluation
// (molecule and step state, ledger history). Wired at assembly.
type FactSource interface {
	ContextFacts(moleculeID, stepID string) []kernel.Fact
}

// StepResolver receives gate outcomes so the owning workflow can unblock or
// fail the gated step. Set after construction to avoid a package cycle with
// the workflow engine.
type StepResolver interface {
	GateApproved(moleculeID, stepID, submissionID string) error
	GateRejected(moleculeID, stepID, submissionID, reason string) error
}

type gateRecord struct {
	SchemaVersion string `json:"schema_version"`
	Gate          *Gate  `json:"gate"`
}

type submissionRecord struct {
	SchemaVersion string      `json:"schema_version"`
	Submission    *Submission `json:"submission"`
}

// Manager owns gates and submissions.
type Manager struct {
	mu       sync.Mutex
	gatesDir string
	subsDir  string
	led      *ledger.Ledger
	facts    FactSource
	resolver StepResolver
	gates    map[string]*Gate
	subs     map[string]*Submission
}

// NewManager prepares the gate and submission stores.
func NewManager(root string, led *ledger.Ledger) (*Manager, error) {
	m := &Manager{
		gatesDir: filepath.Join(root, "gates"),
		subsDir:  filepath.Join(root, "submissions"),
		led:      led,
		gates:    make(map[string]*Gate),
		subs:     make(map[string]*Submission),
	}
	for _, dir := range []string{m.gatesDir, m.subsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", types.ErrStorage, dir, err)
		}
	}
	if err := m.loadAll(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetFactSource wires the evaluation context provider.
func (m *Manager) SetFactSource(fs FactSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts = fs
}

// SetResolver wires the gated-step outcome receiver.
func (m *Manager) SetResolver(r StepResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolver = r
}

func (m *Manager) loadAll() error {
	if err := loadDir(m.gatesDir, func(data []byte) error {
		var rec gateRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if !types.SchemaCompatible(rec.SchemaVersion) {
			return fmt.Errorf("%w: gate schema %q", types.ErrSchemaMismatch, rec.SchemaVersion)
		}
		m.gates[rec.Gate.ID] = rec.Gate
		return nil
	}); err != nil {
		return err
	}
	if err := loadDir(m.subsDir, func(data []byte) error {
		var rec submissionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if !types.SchemaCompatible(rec.SchemaVersion) {
			return fmt.Errorf("%w: submission schema %q", types.ErrSchemaMismatch, rec.SchemaVersion)
		}
		m.subs[rec.Submission.ID] = rec.Submission
		return nil
	}); err != nil {
		return err
	}
	logging.Gates("loaded %d gates, %d submissions", len(m.gates), len(m.subs))
	return nil
}

func loadDir(dir string, apply func([]byte) error) error {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", types.ErrStorage, dir, err)
	}
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, de.Name()))
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", types.ErrStorage, de.Name(), err)
		}
		if err := apply(data); err != nil {
			return fmt.Errorf("%w: %s: %v", types.ErrStorage, de.Name(), err)
		}
	}
	return nil
}

func (m *Manager) persistGate(g *Gate) error {
	return writeRecord(filepath.Join(m.gatesDir, g.ID+".json"), gateRecord{
		SchemaVersion: types.SchemaVersion,
		Gate:          g,
	})
}

func (m *Manager) persistSubmission(s *Submission) error {
	return writeRecord(filepath.Join(m.subsDir, s.ID+".json"), submissionRecord{
		SchemaVersion: types.SchemaVersion,
		Submission:    s,
	})
}

func writeRecord(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", types.ErrStorage, path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", types.ErrStorage, path, err)
	}
	return nil
}

// CreateGate registers a new gate definition.
func (m *Manager) CreateGate(g *Gate) error {
	if g.Name == "" {
		return fmt.Errorf("%w: gate name required", types.ErrInvalidState)
	}
	switch g.Policy {
	case PolicyManual, PolicyStrict, PolicyLenient, PolicyAutoChecksOnly:
	default:
		return fmt.Errorf("%w: unknown gate policy %q", types.ErrInvalidState, g.Policy)
	}
	if g.MinimumConfidence < 0 || g.MinimumConfidence > 1 {
		return fmt.Errorf("%w: minimum confidence %v out of range", types.ErrInvalidState, g.MinimumConfidence)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if g.ID == "" {
		g.ID = fmt.Sprintf("gate_%s", uuid.New().String()[:8])
	}
	if _, exists := m.gates[g.ID]; exists {
		return fmt.Errorf("%w: gate %s already exists", types.ErrInvalidState, g.ID)
	}
	g.CreatedAt = time.Now().UTC()

	if _, err := m.led.Append("system", ledger.EntityGate, g.ID, ledger.EventCreated,
		map[string]interface{}{"name": g.Name, "policy": string(g.Policy), "criteria": len(g.Criteria)}, 0); err != nil {
		return err
	}
	m.gates[g.ID] = g
	logging.Gates("created gate %s (%s, policy %s)", g.ID, g.Name, g.Policy)
	return m.persistGate(g)
}

// GetGate returns a copy of the gate.
func (m *Manager) GetGate(id string) (*Gate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[id]
	if !ok {
		return nil, fmt.Errorf("%w: gate %s", types.ErrNotFound, id)
	}
	cp := *g
	cp.Criteria = append([]Criterion(nil), g.Criteria...)
	return &cp, nil
}

// ListGates returns all gates ordered by id.
func (m *Manager) ListGates() []*Gate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Gate, 0, len(m.gates))
	for _, g := range m.gates {
		cp := *g
		cp.Criteria = append([]Criterion(nil), g.Criteria...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Submit creates a pending submission and evaluates it synchronously under
// the gate's policy. The returned submission reflects the post-evaluation
// state.
func (m *Manager) Submit(gateID, moleculeID, stepID, submitter string, artifacts map[string]string) (*Submission, error) {
	m.mu.Lock()

	_, ok := m.gates[gateID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: gate %s", types.ErrNotFound, gateID)
	}

	sub := &Submission{
		ID:          fmt.Sprintf("sub_%s", uuid.New().String()[:8]),
		GateID:      gateID,
		MoleculeID:  moleculeID,
		StepID:      stepID,
		Submitter:   submitter,
		Artifacts:   artifacts,
		Status:      SubmissionPending,
		SubmittedAt: time.Now().UTC(),
	}

	if _, err := m.led.Append(submitter, ledger.EntitySubmission, sub.ID, ledger.EventSubmitted,
		map[string]interface{}{"gate": gateID, "molecule": moleculeID, "step": stepID}, 0); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.subs[sub.ID] = sub
	if err := m.persistSubmission(sub); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	if err := m.Evaluate(sub.ID); err != nil {
		return nil, err
	}
	return m.GetSubmission(sub.ID)
}

// Evaluate runs every criterion's auto-check and applies the gate policy.
// Manual gates keep the submission pending; the other policies may approve.
// Evaluation never auto-rejects, rejection is a human decision.
func (m *Manager) Evaluate(submissionID string) error {
	m.mu.Lock()

	sub, ok := m.subs[submissionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: submission %s", types.ErrNotFound, submissionID)
	}
	if sub.Status != SubmissionPending {
		m.mu.Unlock()
		return fmt.Errorf("%w: submission %s is %s, not pending", types.ErrInvalidState, submissionID, sub.Status)
	}
	gate := m.gates[sub.GateID]
	sub.Status = SubmissionEvaluating

	facts := sub.ToFacts()
	if m.facts != nil {
		facts = append(facts, m.facts.ContextFacts(sub.MoleculeID, sub.StepID)...)
	}
	m.mu.Unlock()

	// Evaluation gets its own kernel so concurrent submissions never share
	// fact state.
	k := kernel.New()
	results := make([]CriterionResult, 0, len(gate.Criteria))
	if err := k.LoadFacts(facts); err != nil {
		logging.Get(logging.CategoryGates).Error("fact load for %s failed: %v", submissionID, err)
	}

	for _, c := range gate.Criteria {
		res := CriterionResult{CriterionID: c.ID}
		if c.AutoCheck != "" {
			res.Checked = true
			passed, err := k.Exists(c.AutoCheck)
			if err != nil {
				res.Detail = fmt.Sprintf("check error: %v", err)
			} else {
				res.Passed = passed
			}
		}
		results = append(results, res)
	}

	confidence := scoreConfidence(gate.Criteria, results)
	status := applyPolicy(gate, results, confidence)

	m.mu.Lock()
	if _, err := m.led.Append("system", ledger.EntitySubmission, sub.ID, ledger.EventEvaluated,
		map[string]interface{}{"confidence": confidence, "status": string(status)}, 0); err != nil {
		sub.Status = SubmissionPending
		m.mu.Unlock()
		return err
	}
	sub.Results = results
	sub.Confidence = confidence
	sub.Status = status
	if status == SubmissionApproved {
		sub.DecidedAt = time.Now().UTC()
		sub.Decider = "auto"
	}
	err := m.persistSubmission(sub)
	resolver := m.resolver
	m.mu.Unlock()
	if err != nil {
		return err
	}

	logging.Gates("evaluated %s: confidence %.2f, status %s", submissionID, confidence, status)
	if status == SubmissionApproved && resolver != nil {
		return resolver.GateApproved(sub.MoleculeID, sub.StepID, sub.ID)
	}
	return nil
}

// scoreConfidence is the weighted fraction of criteria whose auto-check
// passed. Required criteria weigh 1.0, optional 0.5; criteria without an
// auto-check count toward the denominator only.
func scoreConfidence(criteria []Criterion, results []CriterionResult) float64 {
	var total, passed float64
	for i, c := range criteria {
		weight := 1.0
		if !c.Required {
			weight = 0.5
		}
		total += weight
		if results[i].Checked && results[i].Passed {
			passed += weight
		}
	}
	if total == 0 {
		return 0
	}
	return passed / total
}

func applyPolicy(gate *Gate, results []CriterionResult, confidence float64) SubmissionStatus {
	switch gate.Policy {
	case PolicyManual:
		return SubmissionPending

	case PolicyStrict:
		// Every required criterion must carry an auto-check and it must
		// pass. A gate with no checkable required criteria stays pending
		// rather than rubber-stamping.
		checkedRequired := 0
		for i, c := range gate.Criteria {
			if !c.Required {
				continue
			}
			if !results[i].Checked || !results[i].Passed {
				return SubmissionPending
			}
			checkedRequired++
		}
		if checkedRequired == 0 {
			return SubmissionPending
		}
		return SubmissionApproved

	case PolicyLenient:
		if confidence >= gate.MinimumConfidence {
			return SubmissionApproved
		}
		return SubmissionPending

	case PolicyAutoChecksOnly:
		any := false
		for i, c := range gate.Criteria {
			if results[i].Checked {
				any = true
				if !results[i].Passed {
					return SubmissionPending
				}
			} else if c.Required {
				return SubmissionPending
			}
		}
		if !any {
			return SubmissionPending
		}
		return SubmissionApproved
	}
	return SubmissionPending
}

// Decide finalizes a pending submission. Approval unblocks the gated step;
// rejection fails it for this submission but leaves the gate open for
// resubmission.
func (m *Manager) Decide(submissionID, decider string, approve bool, reason string) error {
	m.mu.Lock()

	sub, ok := m.subs[submissionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: submission %s", types.ErrNotFound, submissionID)
	}
	if sub.Status != SubmissionPending {
		m.mu.Unlock()
		return fmt.Errorf("%w: submission %s is %s, cannot decide", types.ErrInvalidState, submissionID, sub.Status)
	}

	outcome := SubmissionRejected
	if approve {
		outcome = SubmissionApproved
	}
	if _, err := m.led.Append(decider, ledger.EntitySubmission, sub.ID, ledger.EventDecided,
		map[string]interface{}{"outcome": string(outcome), "reason": reason}, 0); err != nil {
		m.mu.Unlock()
		return err
	}
	sub.Status = outcome
	sub.DecidedAt = time.Now().UTC()
	sub.Decider = decider
	sub.Reason = reason
	err := m.persistSubmission(sub)
	resolver := m.resolver
	m.mu.Unlock()
	if err != nil {
		return err
	}

	logging.Gates("decided %s: %s by %s", submissionID, outcome, decider)
	if resolver == nil {
		return nil
	}
	if approve {
		return resolver.GateApproved(sub.MoleculeID, sub.StepID, sub.ID)
	}
	return resolver.GateRejected(sub.MoleculeID, sub.StepID, sub.ID, reason)
}

// GetSubmission returns a copy of the submission.
func (m *Manager) GetSubmission(id string) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: submission %s", types.ErrNotFound, id)
	}
	cp := *sub
	cp.Results = append([]CriterionResult(nil), sub.Results...)
	return &cp, nil
}

// ListSubmissions returns submissions for a gate ordered by submit time.
func (m *Manager) ListSubmissions(gateID string) []*Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Submission
	for _, sub := range m.subs {
		if sub.GateID != gateID {
			continue
		}
		cp := *sub
		cp.Results = append([]CriterionResult(nil), sub.Results...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HasApproved reports whether any submission against the gate for the given
// step is approved. The workflow engine uses this to keep gated steps from
// completing by any other path.
func (m *Manager) HasApproved(gateID, stepID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.GateID == gateID && sub.StepID == stepID && sub.Status == SubmissionApproved {
			return true
		}
	}
	return false
}

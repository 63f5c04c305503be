package molecule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"agentcorp/internal/hooks"
	"agentcorp/internal/kernel"
	"agentcorp/internal/ledger"
	"agentcorp/internal/logging"
	"agentcorp/internal/org"
	"agentcorp/internal/types"

	"github.com/google/uuid"
)

// Dispatcher places work items for ready steps. Implemented by the scheduler.
type Dispatcher interface {
	Dispatch(item *hooks.WorkItem) error
}

// GateChecker reports whether a gated step has an approved submission.
// Implemented by the gate manager.
type GateChecker interface {
	HasApproved(gateID, stepID string) bool
}

// Listener observes terminal molecule transitions. Implemented by learning
// sinks; may be nil.
type Listener interface {
	MoleculeCompleted(m *Molecule)
	MoleculeFailed(m *Molecule, reason string)
}

// Escalator sends upchain escalation messages on behalf of a molecule's
// accountable agent.
type Escalator interface {
	EscalateUpchain(moleculeID, subject, body string) error
}

type moleculeRecord struct {
	SchemaVersion string    `json:"schema_version"`
	Molecule      *Molecule `json:"molecule"`
}

// Engine owns all molecules and serializes their mutations. Collaborator
// callbacks run after the engine lock is released.
type Engine struct {
	mu           sync.Mutex
	activeDir    string
	completedDir string
	led          *ledger.Ledger
	registry     *org.Registry
	dispatcher   Dispatcher
	gates        GateChecker
	listener     Listener
	escalator    Escalator
	molecules    map[string]*Molecule
}

// NewEngine prepares the molecule stores and loads persisted molecules.
func NewEngine(root string, led *ledger.Ledger, registry *org.Registry) (*Engine, error) {
	e := &Engine{
		activeDir:    filepath.Join(root, "molecules", "active"),
		completedDir: filepath.Join(root, "molecules", "completed"),
		led:          led,
		registry:     registry,
		molecules:    make(map[string]*Molecule),
	}
	for _, dir := range []string{e.activeDir, e.completedDir, filepath.Join(root, "molecules", "templates")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", types.ErrStorage, dir, err)
		}
	}
	for _, dir := range []string{e.activeDir, e.completedDir} {
		if err := e.loadDir(dir); err != nil {
			return nil, err
		}
	}
	logging.Molecules("loaded %d molecules", len(e.molecules))
	return e, nil
}

func (e *Engine) loadDir(dir string) error {
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
		var rec moleculeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("%w: parse %s: %v", types.ErrStorage, de.Name(), err)
		}
		if !types.SchemaCompatible(rec.SchemaVersion) {
			return fmt.Errorf("%w: molecule schema %q", types.ErrSchemaMismatch, rec.SchemaVersion)
		}
		e.molecules[rec.Molecule.ID] = rec.Molecule
	}
	return nil
}

// SetDispatcher wires the scheduler.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = d
}

// SetGateChecker wires the gate manager.
func (e *Engine) SetGateChecker(g GateChecker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gates = g
}

// SetListener wires a terminal-transition observer.
func (e *Engine) SetListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

// SetEscalator wires the upchain escalation path.
func (e *Engine) SetEscalator(esc Escalator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.escalator = esc
}

func (e *Engine) persistLocked(m *Molecule) error {
	dir := e.activeDir
	if m.Status == StatusCompleted || m.Status == StatusFailed {
		if m.Type != TypeContinuous {
			dir = e.completedDir
		}
	}
	data, err := json.MarshalIndent(moleculeRecord{SchemaVersion: types.SchemaVersion, Molecule: m}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal molecule %s: %v", types.ErrStorage, m.ID, err)
	}
	path := filepath.Join(dir, m.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", types.ErrStorage, path, err)
	}
	if dir == e.completedDir {
		os.Remove(filepath.Join(e.activeDir, m.ID+".json"))
	}
	return nil
}

// Create validates and persists a draft molecule.
func (e *Engine) Create(m *Molecule) (*Molecule, error) {
	if m.Name == "" {
		return nil, fmt.Errorf("%w: molecule name required", types.ErrInvalidState)
	}
	if m.RACI.Accountable == "" {
		return nil, fmt.Errorf("%w: molecule needs exactly one accountable agent", types.ErrInvalidState)
	}
	if m.Type == "" {
		m.Type = TypeLinear
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	created, err := e.createLocked(m)
	if err != nil {
		return nil, err
	}
	return cloneMolecule(created), nil
}

func (e *Engine) createLocked(m *Molecule) (*Molecule, error) {
	if m.ID == "" {
		m.ID = fmt.Sprintf("mol_%s", uuid.New().String()[:8])
	}
	if _, exists := e.molecules[m.ID]; exists {
		return nil, fmt.Errorf("%w: molecule %s already exists", types.ErrInvalidState, m.ID)
	}
	for _, s := range m.Steps {
		if s.ID == "" {
			s.ID = newStepID()
		}
		if s.Status == "" {
			s.Status = StepPending
		}
		if s.Priority == "" {
			s.Priority = types.PriorityP2
		}
	}
	m.Status = StatusDraft
	m.CreatedAt = time.Now().UTC()

	if _, err := e.led.Append(m.Creator, ledger.EntityMolecule, m.ID, ledger.EventCreated,
		map[string]interface{}{"name": m.Name, "type": string(m.Type), "accountable": m.RACI.Accountable}, 0); err != nil {
		return nil, err
	}
	e.molecules[m.ID] = m
	if err := e.persistLocked(m); err != nil {
		return nil, err
	}
	logging.Molecules("created molecule %s (%s, %s)", m.ID, m.Name, m.Type)
	return m, nil
}

// Start validates the molecule, expands its topology, and seeds ready steps
// into the scheduler.
func (e *Engine) Start(moleculeID string) (*Molecule, error) {
	e.mu.Lock()

	m, ok := e.molecules[moleculeID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: molecule %s", types.ErrNotFound, moleculeID)
	}
	if m.Status != StatusDraft && m.Status != StatusPending {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: molecule %s is %s, cannot start", types.ErrInvalidState, moleculeID, m.Status)
	}
	if e.registry != nil {
		if _, err := e.registry.Get(m.RACI.Accountable); err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: accountable agent %s not registered", types.ErrInvalidState, m.RACI.Accountable)
		}
	}

	followups, err := e.startLocked(m)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	result := cloneMolecule(m)
	e.mu.Unlock()

	runFollowups(followups)
	return result, nil
}

func (e *Engine) startLocked(m *Molecule) ([]func(), error) {
	switch m.Type {
	case TypeSwarm:
		if err := expandSwarm(m); err != nil {
			return nil, err
		}
	case TypePersistentRetry:
		if err := normalizePersistent(m); err != nil {
			return nil, err
		}
	case TypeComposite:
		if m.Composite == nil || len(m.Composite.Phases) == 0 {
			return nil, fmt.Errorf("%w: composite molecule %s has no phases", types.ErrInvalidState, m.ID)
		}
	case TypeContinuous:
		if m.Loop == nil {
			return nil, fmt.Errorf("%w: continuous molecule %s has no loop config", types.ErrInvalidState, m.ID)
		}
	}
	if m.Type != TypeComposite {
		if err := validateDAG(m.Steps); err != nil {
			return nil, err
		}
	}

	if _, err := e.led.Append(m.RACI.Accountable, ledger.EntityMolecule, m.ID, ledger.EventStarted,
		map[string]interface{}{"steps": len(m.Steps)}, 0); err != nil {
		return nil, err
	}
	m.Status = StatusActive

	var followups []func()
	if m.Type == TypeComposite {
		fs, err := e.beginPhaseLocked(m)
		if err != nil {
			return nil, err
		}
		followups = fs
	} else {
		fs, err := e.advanceLocked(m)
		if err != nil {
			return nil, err
		}
		followups = fs
	}
	if err := e.persistLocked(m); err != nil {
		return nil, err
	}
	logging.Molecules("started molecule %s", m.ID)
	return followups, nil
}

// beginPhaseLocked materializes the current composite phase as a child
// molecule and starts it.
func (e *Engine) beginPhaseLocked(parent *Molecule) ([]func(), error) {
	phase := parent.Composite.Phases[parent.Composite.CurrentPhase]
	child := phaseMolecule(parent, phase, parent.Composite.CurrentPhase)
	if _, err := e.createLocked(child); err != nil {
		return nil, err
	}
	parent.Children = append(parent.Children, child.ID)
	followups, err := e.startLocked(child)
	if err != nil {
		return nil, err
	}
	logging.Molecules("composite %s entered phase %d (%s) as child %s",
		parent.ID, parent.Composite.CurrentPhase+1, phase.Name, child.ID)
	return followups, nil
}

// advanceLocked recomputes readiness, dispatches newly ready steps in
// declaration order, updates progress, and applies topology completion rules.
func (e *Engine) advanceLocked(m *Molecule) ([]func(), error) {
	if m.Status != StatusActive {
		return nil, nil
	}

	var followups []func()

	// Continuous molecules wait out the iteration interval.
	if m.Type == TypeContinuous {
		if next, ok := m.Metadata["next_iteration_at"].(string); ok {
			t, err := time.Parse(time.RFC3339, next)
			if err == nil && time.Now().UTC().Before(t) {
				return nil, nil
			}
			delete(m.Metadata, "next_iteration_at")
		}
	}

	for _, s := range m.Steps {
		if s.Status != StepPending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if d := m.StepByID(dep); d == nil || !d.Done() {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		fs, err := e.readyStepLocked(m, s)
		if err != nil {
			return followups, err
		}
		followups = append(followups, fs...)
	}

	m.Progress = m.ComputeProgress()

	allDone := len(m.Steps) > 0
	for _, s := range m.Steps {
		if !s.Done() {
			allDone = false
			break
		}
	}

	if allDone {
		switch m.Type {
		case TypePersistentRetry:
			fs, err := e.persistentBoundaryLocked(m, false, "")
			if err != nil {
				return followups, err
			}
			followups = append(followups, fs...)
		case TypeContinuous:
			fs, err := e.iterationBoundaryLocked(m)
			if err != nil {
				return followups, err
			}
			followups = append(followups, fs...)
		default:
			fs, err := e.finalizeLocked(m, StatusCompleted, "")
			if err != nil {
				return followups, err
			}
			followups = append(followups, fs...)
		}
	}
	return followups, nil
}

// readyStepLocked marks a step ready and dispatches its work item, enforcing
// the molecule cost cap on the projected spend.
func (e *Engine) readyStepLocked(m *Molecule, s *Step) ([]func(), error) {
	if m.CostCap > 0 && m.ActualCost+s.EstimatedCost > m.CostCap {
		logging.Molecules("molecule %s cost cap reached (%.2f + %.2f > %.2f)", m.ID, m.ActualCost, s.EstimatedCost, m.CostCap)
		return e.finalizeLocked(m, StatusFailed,
			fmt.Sprintf("cost cap exceeded: %.2f spent, cap %.2f", m.ActualCost, m.CostCap))
	}

	if _, err := e.led.Append("system", ledger.EntityStep, s.ID, ledger.EventStatus,
		map[string]interface{}{"molecule": m.ID, "status": string(StepReady)}, 0); err != nil {
		return nil, err
	}
	s.Status = StepReady

	if e.dispatcher == nil {
		return nil, nil
	}
	maxRetries := s.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	item := &hooks.WorkItem{
		ID:                   fmt.Sprintf("itm_%s", uuid.New().String()[:8]),
		MoleculeID:           m.ID,
		StepID:               s.ID,
		Priority:             s.Priority,
		RequiredCapabilities: append([]string(nil), s.RequiredCapabilities...),
		Instruction:          s.Instruction,
		MaxRetries:           maxRetries,
		RetryCount:           s.RetryCount,
		EstimatedCost:        s.EstimatedCost,
	}
	d := e.dispatcher
	return []func(){func() {
		if err := d.Dispatch(item); err != nil {
			logging.Get(logging.CategoryMolecules).Error("dispatch of step %s failed: %v", item.StepID, err)
		}
	}}, nil
}

// BeginStep marks a ready step in_progress when an agent claims its work
// item.
func (e *Engine) BeginStep(moleculeID, stepID, agent string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, s, err := e.lookupLocked(moleculeID, stepID)
	if err != nil {
		return err
	}
	if s.Status != StepReady {
		return fmt.Errorf("%w: step %s is %s, not ready", types.ErrInvalidState, stepID, s.Status)
	}
	if _, err := e.led.Append(agent, ledger.EntityStep, s.ID, ledger.EventStatus,
		map[string]interface{}{"molecule": m.ID, "status": string(StepInProgress)}, 0); err != nil {
		return err
	}
	s.Status = StepInProgress
	s.Assignee = agent
	return e.persistLocked(m)
}

// ResetStep returns an in_progress step to ready without a retry penalty.
// Used on cancellation and stale reclaim.
func (e *Engine) ResetStep(moleculeID, stepID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, s, err := e.lookupLocked(moleculeID, stepID)
	if err != nil {
		return err
	}
	if s.Status != StepInProgress {
		return nil
	}
	if _, err := e.led.Append("system", ledger.EntityStep, s.ID, ledger.EventStatus,
		map[string]interface{}{"molecule": m.ID, "status": string(StepReady)}, 0); err != nil {
		return err
	}
	s.Status = StepReady
	s.Assignee = ""
	return e.persistLocked(m)
}

// CompleteStep records a step result and advances the molecule. Gated steps
// complete only through an approved submission.
func (e *Engine) CompleteStep(moleculeID, stepID, result string, cost float64) error {
	e.mu.Lock()

	m, s, err := e.lookupLocked(moleculeID, stepID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if m.Status != StatusActive {
		e.mu.Unlock()
		return fmt.Errorf("%w: molecule %s is %s", types.ErrInvalidState, moleculeID, m.Status)
	}
	if s.Done() {
		e.mu.Unlock()
		return fmt.Errorf("%w: step %s already %s", types.ErrInvalidState, stepID, s.Status)
	}
	if s.IsGate && (e.gates == nil || !e.gates.HasApproved(s.GateID, s.ID)) {
		e.mu.Unlock()
		return fmt.Errorf("%w: gated step %s requires an approved submission", types.ErrInvalidState, stepID)
	}
	for _, dep := range s.DependsOn {
		if d := m.StepByID(dep); d == nil || !d.Done() {
			e.mu.Unlock()
			return fmt.Errorf("%w: step %s dependency %s incomplete", types.ErrNotReady, stepID, dep)
		}
	}

	if _, err := e.led.Append(s.Assignee, ledger.EntityStep, s.ID, ledger.EventCompleted,
		map[string]interface{}{"molecule": m.ID, "cost": cost}, 0); err != nil {
		e.mu.Unlock()
		return err
	}
	s.Status = StepCompleted
	s.Result = result
	s.CompletedAt = time.Now().UTC()
	m.ActualCost += cost

	followups, err := e.advanceLocked(m)
	if err == nil {
		err = e.persistLocked(m)
	}
	e.mu.Unlock()

	runFollowups(followups)
	return err
}

// FailStep records a step failure with its taxonomy bead and applies the
// topology's failure policy. failureType is one of the failure taxonomy
// atoms; it is metadata only.
func (e *Engine) FailStep(moleculeID, stepID, errMsg, failureType string) error {
	e.mu.Lock()

	m, s, err := e.lookupLocked(moleculeID, stepID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if m.Status != StatusActive {
		e.mu.Unlock()
		return fmt.Errorf("%w: molecule %s is %s", types.ErrInvalidState, moleculeID, m.Status)
	}

	// Failure as context: the bead stays in the step's checkpoint list so
	// the next attempt sees what went wrong.
	bead := Checkpoint{
		Description: fmt.Sprintf("failure (attempt %d): %s", s.RetryCount+1, errMsg),
		Data: map[string]interface{}{
			"failure_type": failureType,
			"outcome":      string(types.OutcomeUnresolved),
			"error":        errMsg,
		},
		Timestamp: time.Now().UTC(),
	}
	if _, err := e.led.Append(s.Assignee, ledger.EntityStep, s.ID, ledger.EventFailed,
		map[string]interface{}{"molecule": m.ID, "error": errMsg, "failure_type": failureType, "attempt": s.RetryCount + 1}, 0); err != nil {
		e.mu.Unlock()
		return err
	}
	s.Checkpoints = append(s.Checkpoints, bead)
	s.LastError = errMsg
	s.RetryCount++

	var followups []func()
	if m.Type == TypePersistentRetry {
		followups, err = e.persistentBoundaryLocked(m, true, errMsg)
	} else {
		s.Status = StepFailed
		followups, err = e.finalizeLocked(m, StatusFailed,
			fmt.Sprintf("step %s failed: %s", s.ID, errMsg))
	}
	if err == nil {
		err = e.persistLocked(m)
	}
	e.mu.Unlock()

	runFollowups(followups)
	return err
}

// persistentBoundaryLocked applies the retry loop rules after an attempt.
// The loop ends when an exit criterion holds, retries are exhausted, or the
// next attempt would break the cost cap; otherwise the step resets to ready
// for another attempt.
func (e *Engine) persistentBoundaryLocked(m *Molecule, failed bool, errMsg string) ([]func(), error) {
	s := m.Steps[0]

	if e.conditionsHoldLocked(m, m.Persistent.ExitCriteria) {
		s.Status = StepCompleted
		return e.finalizeLocked(m, StatusCompleted, "")
	}
	if failed && s.RetryCount > m.Persistent.MaxRetries {
		s.Status = StepFailed
		return e.finalizeLocked(m, StatusFailed,
			fmt.Sprintf("retries exhausted after %d attempts: %s", s.RetryCount, errMsg))
	}
	if m.CostCap > 0 && (m.ActualCost >= m.CostCap || m.ActualCost+s.EstimatedCost > m.CostCap) {
		s.Status = StepFailed
		return e.finalizeLocked(m, StatusFailed,
			fmt.Sprintf("cost cap exceeded: %.2f spent, cap %.2f", m.ActualCost, m.CostCap))
	}

	// Another attempt.
	s.Status = StepPending
	s.Assignee = ""
	s.Result = ""
	return e.advanceLocked(m)
}

// iterationBoundaryLocked ends or restarts a continuous molecule's loop.
func (e *Engine) iterationBoundaryLocked(m *Molecule) ([]func(), error) {
	loop := m.Loop
	if e.conditionsHoldLocked(m, loop.ExitConditions) {
		return e.finalizeLocked(m, StatusCompleted, "")
	}
	if loop.MaxIterations != nil && loop.CurrentIteration+1 >= *loop.MaxIterations {
		return e.finalizeLocked(m, StatusCompleted, "")
	}

	loop.CurrentIteration++
	if _, err := e.led.Append("system", ledger.EntityMolecule, m.ID, ledger.EventStatus,
		map[string]interface{}{"iteration": loop.CurrentIteration}, 0); err != nil {
		return nil, err
	}
	for _, s := range m.Steps {
		s.Status = StepPending
		s.Assignee = ""
		s.Result = ""
	}
	if loop.IntervalSeconds > 0 {
		if m.Metadata == nil {
			m.Metadata = make(map[string]interface{})
		}
		m.Metadata["next_iteration_at"] = time.Now().UTC().
			Add(time.Duration(loop.IntervalSeconds) * time.Second).Format(time.RFC3339)
		return nil, nil
	}
	return e.advanceLocked(m)
}

// conditionsHoldLocked evaluates exit criteria against the molecule's context
// facts. Any single holding condition satisfies.
func (e *Engine) conditionsHoldLocked(m *Molecule, conditions []string) bool {
	if len(conditions) == 0 {
		return false
	}
	k := kernel.New()
	if err := k.LoadFacts(e.contextFactsLocked(m)); err != nil {
		logging.Get(logging.CategoryMolecules).Error("exit criteria fact load for %s: %v", m.ID, err)
		return false
	}
	for _, cond := range conditions {
		holds, err := k.Exists(cond)
		if err == nil && holds {
			return true
		}
	}
	return false
}

func (e *Engine) contextFactsLocked(m *Molecule) []kernel.Fact {
	facts := m.ToFacts()
	for _, s := range m.Steps {
		for _, cp := range s.Checkpoints {
			facts = append(facts, kernel.Fact{
				Predicate: "checkpoint",
				Args:      []interface{}{s.ID, cp.Description},
			})
		}
		if s.RetryCount > 0 {
			facts = append(facts, kernel.Fact{
				Predicate: "attempts",
				Args:      []interface{}{s.ID, int64(s.RetryCount)},
			})
		}
	}
	return facts
}

// finalizeLocked moves a molecule to a terminal status and notifies parents
// and listeners.
func (e *Engine) finalizeLocked(m *Molecule, status Status, reason string) ([]func(), error) {
	event := ledger.EventCompleted
	payload := map[string]interface{}{}
	if status == StatusFailed {
		event = ledger.EventFailed
		payload["reason"] = reason
	}
	if _, err := e.led.Append(m.RACI.Accountable, ledger.EntityMolecule, m.ID, event, payload, 0); err != nil {
		return nil, err
	}
	m.Status = status
	m.CompletedAt = time.Now().UTC()
	if status == StatusCompleted {
		m.Progress = 1
	}
	if err := e.persistLocked(m); err != nil {
		return nil, err
	}
	logging.Molecules("molecule %s %s%s", m.ID, status, suffixReason(reason))

	var followups []func()
	if e.listener != nil {
		l := e.listener
		snap := cloneMolecule(m)
		if status == StatusCompleted {
			followups = append(followups, func() { l.MoleculeCompleted(snap) })
		} else {
			followups = append(followups, func() { l.MoleculeFailed(snap, reason) })
		}
	}
	if status == StatusFailed && e.escalator != nil && m.ParentID == "" {
		esc := e.escalator
		id, name := m.ID, m.Name
		followups = append(followups, func() {
			subject := fmt.Sprintf("Molecule %s failed", name)
			body := fmt.Sprintf("Molecule %s (%s) failed: %s", id, name, reason)
			if err := esc.EscalateUpchain(id, subject, body); err != nil {
				logging.Get(logging.CategoryMolecules).Error("escalation for %s failed: %v", id, err)
			}
		})
	}

	// Composite parents react to child terminal transitions.
	if m.ParentID != "" {
		parent, ok := e.molecules[m.ParentID]
		if ok && parent.Status == StatusActive && parent.Composite != nil {
			var fs []func()
			var err error
			if status == StatusCompleted {
				fs, err = e.childCompletedLocked(parent)
			} else {
				fs, err = e.phaseFailureLocked(parent, m.ID, reason)
			}
			if err != nil {
				return followups, err
			}
			followups = append(followups, fs...)
		}
	}
	return followups, nil
}

func suffixReason(reason string) string {
	if reason == "" {
		return ""
	}
	return ": " + reason
}

// childCompletedLocked advances a composite to its next phase.
func (e *Engine) childCompletedLocked(parent *Molecule) ([]func(), error) {
	parent.Composite.CurrentPhase++
	parent.Progress = parent.ComputeProgress()
	if parent.Composite.CurrentPhase >= len(parent.Composite.Phases) {
		return e.finalizeLocked(parent, StatusCompleted, "")
	}
	if _, err := e.led.Append("system", ledger.EntityMolecule, parent.ID, ledger.EventStatus,
		map[string]interface{}{"phase": parent.Composite.CurrentPhase}, 0); err != nil {
		return nil, err
	}
	fs, err := e.beginPhaseLocked(parent)
	if err != nil {
		return nil, err
	}
	if err := e.persistLocked(parent); err != nil {
		return fs, err
	}
	return fs, nil
}

// HandleCompositePhaseFailure applies the current phase's failure action.
// Exposed for callers that detect child failure out of band; the engine also
// invokes it internally when a child molecule fails.
func (e *Engine) HandleCompositePhaseFailure(parentID, childID, reason string) error {
	e.mu.Lock()
	parent, ok := e.molecules[parentID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: molecule %s", types.ErrNotFound, parentID)
	}
	if parent.Composite == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: molecule %s is not composite", types.ErrInvalidState, parentID)
	}
	followups, err := e.phaseFailureLocked(parent, childID, reason)
	if err == nil {
		err = e.persistLocked(parent)
	}
	e.mu.Unlock()
	runFollowups(followups)
	return err
}

func (e *Engine) phaseFailureLocked(parent *Molecule, childID, reason string) ([]func(), error) {
	cc := parent.Composite
	phase := cc.Phases[cc.CurrentPhase]
	phase.Failures++

	if _, err := e.led.Append("system", ledger.EntityMolecule, parent.ID, ledger.EventEscalated,
		map[string]interface{}{"phase": cc.CurrentPhase, "child": childID, "action": string(phase.OnFailure), "reason": reason}, 0); err != nil {
		return nil, err
	}

	switch phase.OnFailure {
	case FailureRetry:
		if phase.MaxFailures > 0 && phase.Failures > phase.MaxFailures {
			return e.finalizeLocked(parent, StatusFailed,
				fmt.Sprintf("phase %s exceeded %d failures", phase.Name, phase.MaxFailures))
		}
		return e.beginPhaseLocked(parent)

	case FailureEscalatePrevious:
		if cc.CurrentPhase == 0 {
			return e.finalizeLocked(parent, StatusFailed,
				fmt.Sprintf("phase %s failed with no previous phase to rewind to", phase.Name))
		}
		cc.CurrentPhase--
		parent.Progress = parent.ComputeProgress()
		return e.beginPhaseLocked(parent)

	case FailureEscalateToSwarm:
		cc.EscalationCount++
		if cc.EscalationCount >= cc.MaxEscalations && cc.MaxEscalations > 0 {
			return e.finalizeLocked(parent, StatusFailed,
				fmt.Sprintf("escalation count %d reached max %d", cc.EscalationCount, cc.MaxEscalations))
		}
		research := escalationSwarmPhase(phase, reason)
		cc.Phases = append(cc.Phases[:cc.CurrentPhase],
			append([]*PhaseSpec{research}, cc.Phases[cc.CurrentPhase:]...)...)
		return e.beginPhaseLocked(parent)

	default: // FailureFail
		return e.finalizeLocked(parent, StatusFailed,
			fmt.Sprintf("phase %s failed: %s", phase.Name, reason))
	}
}

// Checkpoint appends a progress marker to a step. Append-only; recording the
// same checkpoint twice yields two entries.
func (e *Engine) Checkpoint(moleculeID, stepID, description string, data map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, s, err := e.lookupLocked(moleculeID, stepID)
	if err != nil {
		return err
	}
	if _, err := e.led.Append(s.Assignee, ledger.EntityStep, s.ID, ledger.EventCheckpoint,
		map[string]interface{}{"molecule": m.ID, "description": description}, 0); err != nil {
		return err
	}
	s.Checkpoints = append(s.Checkpoints, Checkpoint{
		Description: description,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	})
	return e.persistLocked(m)
}

// Pause suspends an active molecule. Ready steps already dispatched stay in
// their hooks; completion of a paused molecule's steps is rejected.
func (e *Engine) Pause(moleculeID string) error {
	return e.setPaused(moleculeID, true)
}

// Resume reactivates a paused molecule and re-advances it.
func (e *Engine) Resume(moleculeID string) error {
	if err := e.setPaused(moleculeID, false); err != nil {
		return err
	}
	return e.Advance(moleculeID)
}

func (e *Engine) setPaused(moleculeID string, pause bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.molecules[moleculeID]
	if !ok {
		return fmt.Errorf("%w: molecule %s", types.ErrNotFound, moleculeID)
	}
	if pause {
		if m.Status != StatusActive {
			return fmt.Errorf("%w: molecule %s is %s, cannot pause", types.ErrInvalidState, moleculeID, m.Status)
		}
		if _, err := e.led.Append("system", ledger.EntityMolecule, m.ID, ledger.EventPaused, nil, 0); err != nil {
			return err
		}
		m.Status = StatusPaused
	} else {
		if m.Status != StatusPaused {
			return fmt.Errorf("%w: molecule %s is %s, cannot resume", types.ErrInvalidState, moleculeID, m.Status)
		}
		if _, err := e.led.Append("system", ledger.EntityMolecule, m.ID, ledger.EventResumed, nil, 0); err != nil {
			return err
		}
		m.Status = StatusActive
	}
	return e.persistLocked(m)
}

// Advance re-evaluates readiness and completion for a molecule. Called after
// external state changes and on executor cycles for continuous molecules.
func (e *Engine) Advance(moleculeID string) error {
	e.mu.Lock()
	m, ok := e.molecules[moleculeID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: molecule %s", types.ErrNotFound, moleculeID)
	}
	followups, err := e.advanceLocked(m)
	if err == nil {
		err = e.persistLocked(m)
	}
	e.mu.Unlock()
	runFollowups(followups)
	return err
}

// Get returns a deep copy of a molecule.
func (e *Engine) Get(moleculeID string) (*Molecule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.molecules[moleculeID]
	if !ok {
		return nil, fmt.Errorf("%w: molecule %s", types.ErrNotFound, moleculeID)
	}
	return cloneMolecule(m), nil
}

// List returns all molecules, optionally filtered by status, ordered by
// creation time.
func (e *Engine) List(status Status) []*Molecule {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Molecule
	for _, m := range e.molecules {
		if status != "" && m.Status != status {
			continue
		}
		out = append(out, cloneMolecule(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetContract links the molecule to its contract id.
func (e *Engine) SetContract(moleculeID, contractID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.molecules[moleculeID]
	if !ok {
		return fmt.Errorf("%w: molecule %s", types.ErrNotFound, moleculeID)
	}
	m.ContractID = contractID
	return e.persistLocked(m)
}

// MoleculeStatus returns the molecule's status atom. Part of the contract
// system's view.
func (e *Engine) MoleculeStatus(moleculeID string) (string, error) {
	m, err := e.Get(moleculeID)
	if err != nil {
		return "", err
	}
	return string(m.Status), nil
}

// AccountableGateSatisfied reports whether every gated step of the molecule
// has completed. Vacuously true without gate steps.
func (e *Engine) AccountableGateSatisfied(moleculeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.molecules[moleculeID]
	if !ok {
		return false
	}
	for _, s := range m.Steps {
		if s.IsGate && s.Status != StepCompleted {
			return false
		}
	}
	return true
}

// ContextFacts exposes the molecule's fact view for contract validation and
// gate evaluation.
func (e *Engine) ContextFacts(moleculeID string) []kernel.Fact {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.molecules[moleculeID]
	if !ok {
		return nil
	}
	return e.contextFactsLocked(m)
}

// IsStepReady reports whether a step's dependencies are met and it awaits
// assignment. The scheduler consults this before placing a work item.
func (e *Engine) IsStepReady(moleculeID, stepID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, s, err := e.lookupLocked(moleculeID, stepID)
	if err != nil {
		return false, err
	}
	return s.Status == StepReady, nil
}

// GateApproved completes a gated step after its submission is approved.
func (e *Engine) GateApproved(moleculeID, stepID, submissionID string) error {
	return e.CompleteStep(moleculeID, stepID, fmt.Sprintf("approved via %s", submissionID), 0)
}

// GateRejected counts a rejection against the gated step's retries. The step
// returns to ready so a new submission can be made; exhausting retries fails
// it permanently.
func (e *Engine) GateRejected(moleculeID, stepID, submissionID, reason string) error {
	e.mu.Lock()

	m, s, err := e.lookupLocked(moleculeID, stepID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	s.Checkpoints = append(s.Checkpoints, Checkpoint{
		Description: fmt.Sprintf("submission %s rejected: %s", submissionID, reason),
		Timestamp:   time.Now().UTC(),
	})
	s.RetryCount++
	maxRetries := s.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	var followups []func()
	if s.RetryCount > maxRetries {
		if _, err := e.led.Append("system", ledger.EntityStep, s.ID, ledger.EventFailed,
			map[string]interface{}{"molecule": m.ID, "error": "gate rejections exhausted retries"}, 0); err != nil {
			e.mu.Unlock()
			return err
		}
		s.Status = StepFailed
		followups, err = e.finalizeLocked(m, StatusFailed,
			fmt.Sprintf("gated step %s rejected %d times", s.ID, s.RetryCount))
	} else {
		if _, err := e.led.Append("system", ledger.EntityStep, s.ID, ledger.EventStatus,
			map[string]interface{}{"molecule": m.ID, "status": string(StepReady)}, 0); err != nil {
			e.mu.Unlock()
			return err
		}
		s.Status = StepReady
	}
	if err == nil {
		err = e.persistLocked(m)
	}
	e.mu.Unlock()
	runFollowups(followups)
	return err
}

func (e *Engine) lookupLocked(moleculeID, stepID string) (*Molecule, *Step, error) {
	m, ok := e.molecules[moleculeID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: molecule %s", types.ErrNotFound, moleculeID)
	}
	s := m.StepByID(stepID)
	if s == nil {
		return nil, nil, fmt.Errorf("%w: step %s in molecule %s", types.ErrNotFound, stepID, moleculeID)
	}
	return m, s, nil
}

func runFollowups(fs []func()) {
	for _, f := range fs {
		f()
	}
}

func cloneMolecule(m *Molecule) *Molecule {
	cp := *m
	cp.Steps = make([]*Step, len(m.Steps))
	for i, s := range m.Steps {
		sc := *s
		sc.DependsOn = append([]string(nil), s.DependsOn...)
		sc.Checkpoints = append([]Checkpoint(nil), s.Checkpoints...)
		cp.Steps[i] = &sc
	}
	cp.Children = append([]string(nil), m.Children...)
	if m.Swarm != nil {
		sw := *m.Swarm
		cp.Swarm = &sw
	}
	if m.Persistent != nil {
		p := *m.Persistent
		cp.Persistent = &p
	}
	if m.Composite != nil {
		cc := *m.Composite
		cc.Phases = make([]*PhaseSpec, len(m.Composite.Phases))
		for i, ph := range m.Composite.Phases {
			pc := *ph
			cc.Phases[i] = &pc
		}
		cp.Composite = &cc
	}
	if m.Loop != nil {
		lc := *m.Loop
		cp.Loop = &lc
	}
	if m.Metadata != nil {
		md := make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		cp.Metadata = md
	}
	return &cp
}

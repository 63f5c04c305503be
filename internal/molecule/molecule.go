// Package molecule implements the workflow engine. A molecule is a persistent
// workflow of steps with declared dependencies; topology-specific
// configuration (swarm, persistent-retry, composite, continuous) shapes how
// steps are expanded and how failures are handled.
package molecule

import (
	"time"

	"agentcorp/internal/kernel"
	"agentcorp/internal/types"
)

// Status is a molecule's lifecycle state. Completed and failed are absorbing
// for everything except continuous molecules.
type Status string

const (
	StatusDraft     Status = "/draft"
	StatusPending   Status = "/pending"
	StatusActive    Status = "/active"
	StatusCompleted Status = "/completed"
	StatusFailed    Status = "/failed"
	StatusPaused    Status = "/paused"
)

// WorkflowType selects the execution topology.
type WorkflowType string

const (
	TypeLinear          WorkflowType = "/linear"
	TypeContinuous      WorkflowType = "/continuous"
	TypeHybrid          WorkflowType = "/hybrid"
	TypeSwarm           WorkflowType = "/swarm"
	TypeComposite       WorkflowType = "/composite"
	TypePersistentRetry WorkflowType = "/persistent_retry"
)

// StepStatus is a step's state within its molecule.
type StepStatus string

const (
	StepPending    StepStatus = "/pending"
	StepReady      StepStatus = "/ready"
	StepInProgress StepStatus = "/in_progress"
	StepCompleted  StepStatus = "/completed"
	StepFailed     StepStatus = "/failed"
	StepSkipped    StepStatus = "/skipped"
)

// ConvergenceStrategy is how a swarm folds scatter outputs together.
type ConvergenceStrategy string

const (
	ConvergeVote       ConvergenceStrategy = "/vote"
	ConvergeSynthesize ConvergenceStrategy = "/synthesize"
	ConvergeBest       ConvergenceStrategy = "/best"
	ConvergeMerge      ConvergenceStrategy = "/merge"
)

// OnFailure is a composite phase's failure action.
type OnFailure string

const (
	FailureFail               OnFailure = "/fail"
	FailureRetry              OnFailure = "/retry"
	FailureEscalatePrevious   OnFailure = "/escalate_to_previous"
	FailureEscalateToSwarm    OnFailure = "/escalate_to_swarm"
)

// Checkpoint is one append-only progress marker within a step. Failure beads
// are checkpoints whose data carries a failure taxonomy record.
type Checkpoint struct {
	Description string                 `json:"description"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Step is a unit of work within a molecule.
type Step struct {
	ID                   string                 `json:"id"`
	Name                 string                 `json:"name"`
	Status               StepStatus             `json:"status"`
	DependsOn            []string               `json:"depends_on,omitempty"`
	Assignee             string                 `json:"assignee,omitempty"`
	Priority             types.Priority         `json:"priority"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
	RequiredTier         types.Tier             `json:"required_tier,omitempty"`
	Instruction          string                 `json:"instruction,omitempty"`
	Checkpoints          []Checkpoint           `json:"checkpoints,omitempty"`
	IsGate               bool                   `json:"is_gate,omitempty"`
	GateID               string                 `json:"gate_id,omitempty"`
	RetryCount           int                    `json:"retry_count"`
	MaxRetries           int                    `json:"max_retries"`
	EstimatedCost        float64                `json:"estimated_cost,omitempty"`
	Result               string                 `json:"result,omitempty"`
	LastError            string                 `json:"last_error,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	CompletedAt          time.Time              `json:"completed_at,omitempty"`
}

// Done reports whether the step no longer blocks its dependents.
func (s *Step) Done() bool {
	return s.Status == StepCompleted || s.Status == StepSkipped
}

// RACI assigns responsibility roles. Exactly one Accountable at all times.
type RACI struct {
	Responsible []string `json:"responsible,omitempty"`
	Accountable string   `json:"accountable"`
	Consulted   []string `json:"consulted,omitempty"`
	Informed    []string `json:"informed,omitempty"`
}

// SwarmConfig configures scatter, critique, converge expansion.
type SwarmConfig struct {
	ScatterCount        int                 `json:"scatter_count"`
	CritiqueRounds      int                 `json:"critique_rounds"`
	Convergence         ConvergenceStrategy `json:"convergence"`
	MinAgreement        float64             `json:"min_agreement,omitempty"` // vote only
	Objective           string              `json:"objective,omitempty"`
}

// PersistentConfig configures the retry loop topology. ExitCriteria are
// kernel query patterns over the molecule's context facts; the loop ends when
// any of them holds, retries are exhausted, or the cost cap is reached.
type PersistentConfig struct {
	MaxRetries   int      `json:"max_retries"`
	CostCap      float64  `json:"cost_cap,omitempty"`
	ExitCriteria []string `json:"exit_criteria,omitempty"`
}

// PhaseSpec is one phase of a composite molecule, materialized as a child
// molecule when the phase begins.
type PhaseSpec struct {
	Name        string            `json:"name"`
	Type        WorkflowType      `json:"type"`
	OnFailure   OnFailure         `json:"on_failure"`
	MaxFailures int               `json:"max_failures,omitempty"`
	Steps       []*Step           `json:"steps,omitempty"`
	Swarm       *SwarmConfig      `json:"swarm,omitempty"`
	Persistent  *PersistentConfig `json:"persistent,omitempty"`
	Failures    int               `json:"failures,omitempty"`
}

// CompositeConfig holds a composite molecule's phase list and escalation
// accounting.
type CompositeConfig struct {
	Phases          []*PhaseSpec `json:"phases"`
	CurrentPhase    int          `json:"current_phase"`
	EscalationCount int          `json:"escalation_count"`
	MaxEscalations  int          `json:"max_escalations"`
}

// LoopConfig configures continuous molecules. MaxIterations nil means
// unbounded; exit conditions are kernel query patterns evaluated at iteration
// boundaries.
type LoopConfig struct {
	IntervalSeconds  int      `json:"interval_seconds"`
	MaxIterations    *int     `json:"max_iterations,omitempty"`
	ExitConditions   []string `json:"exit_conditions,omitempty"`
	CurrentIteration int      `json:"current_iteration"`
}

// Molecule is one persistent workflow.
type Molecule struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description,omitempty"`
	Status         Status                 `json:"status"`
	Type           WorkflowType           `json:"type"`
	Creator        string                 `json:"creator,omitempty"`
	RACI           RACI                   `json:"raci"`
	Steps          []*Step                `json:"steps"`
	Progress       float64                `json:"progress"`
	Swarm          *SwarmConfig           `json:"swarm,omitempty"`
	Persistent     *PersistentConfig      `json:"persistent,omitempty"`
	Composite      *CompositeConfig       `json:"composite,omitempty"`
	Loop           *LoopConfig            `json:"loop,omitempty"`
	Children       []string               `json:"children,omitempty"`
	ParentID       string                 `json:"parent_id,omitempty"`
	ContractID     string                 `json:"contract_id,omitempty"`
	EstimatedCost  float64                `json:"estimated_cost,omitempty"`
	EstimatedValue float64                `json:"estimated_value,omitempty"`
	ActualCost     float64                `json:"actual_cost"`
	Confidence     float64                `json:"confidence,omitempty"`
	CostCap        float64                `json:"cost_cap,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	CompletedAt    time.Time              `json:"completed_at,omitempty"`
}

// Terminal reports whether the molecule is in an absorbing state. Continuous
// molecules can leave completed/failed on the next iteration, everything else
// cannot.
func (m *Molecule) Terminal() bool {
	if m.Type == TypeContinuous {
		return false
	}
	return m.Status == StatusCompleted || m.Status == StatusFailed
}

// StepByID finds a step in the molecule.
func (m *Molecule) StepByID(id string) *Step {
	for _, s := range m.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ToFacts converts the molecule and its steps to kernel facts, the substrate
// for gate auto-checks, contract checks, and exit criteria.
func (m *Molecule) ToFacts() []kernel.Fact {
	facts := []kernel.Fact{{
		Predicate: "molecule",
		Args:      []interface{}{m.ID, string(m.Type), string(m.Status), m.RACI.Accountable},
	}}
	for _, s := range m.Steps {
		facts = append(facts, kernel.Fact{
			Predicate: "step",
			Args:      []interface{}{m.ID, s.ID, string(s.Status)},
		})
		if s.Result != "" {
			facts = append(facts, kernel.Fact{
				Predicate: "step_result",
				Args:      []interface{}{s.ID, s.Result},
			})
		}
		for _, dep := range s.DependsOn {
			facts = append(facts, kernel.Fact{
				Predicate: "step_dep",
				Args:      []interface{}{s.ID, dep},
			})
		}
	}
	if m.CostCap > 0 {
		facts = append(facts, kernel.Fact{
			Predicate: "molecule_cost",
			Args:      []interface{}{m.ID, m.ActualCost, m.CostCap},
		})
	}
	return facts
}

// ComputeProgress returns the molecule's completion fraction. Linear counts
// completed steps; swarm weights its three phases (scatter 0.3, critique 0.5,
// converge 0.2); composite weights by phase position.
func (m *Molecule) ComputeProgress() float64 {
	switch m.Type {
	case TypeSwarm:
		return m.swarmProgress()
	case TypeComposite:
		return m.compositeProgress()
	default:
		if len(m.Steps) == 0 {
			if m.Status == StatusCompleted {
				return 1
			}
			return 0
		}
		done := 0
		for _, s := range m.Steps {
			if s.Done() {
				done++
			}
		}
		return float64(done) / float64(len(m.Steps))
	}
}

func (m *Molecule) swarmProgress() float64 {
	scatter := m.stepSetProgress("scatter_steps")
	critique := m.stepSetProgress("critique_steps")
	converge := m.stepSetProgress("converge_steps")
	return scatter*0.3 + critique*0.5 + converge*0.2
}

// stepSetProgress computes the completed fraction of a metadata-recorded step
// id set.
func (m *Molecule) stepSetProgress(key string) float64 {
	raw, ok := m.Metadata[key]
	if !ok {
		return 0
	}
	ids := toStringSlice(raw)
	if len(ids) == 0 {
		return 0
	}
	done := 0
	for _, id := range ids {
		if s := m.StepByID(id); s != nil && s.Done() {
			done++
		}
	}
	return float64(done) / float64(len(ids))
}

func (m *Molecule) compositeProgress() float64 {
	if m.Composite == nil || len(m.Composite.Phases) == 0 {
		return 0
	}
	total := float64(len(m.Composite.Phases))
	if m.Status == StatusCompleted {
		return 1
	}
	return float64(m.Composite.CurrentPhase) / total
}

// toStringSlice normalizes metadata values that may round-trip through JSON
// as []interface{}.
func toStringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

package molecule

import (
	"fmt"

	"agentcorp/internal/types"

	"github.com/google/uuid"
)

// validateDAG checks that step dependencies reference known steps and form no
// cycle. Fails fast; nothing is persisted on validation failure.
func validateDAG(steps []*Step) error {
	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %s", types.ErrInvalidState, s.ID)
		}
		byID[s.ID] = s
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: step %s depends on unknown step %s", types.ErrInvalidState, s.ID, dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("%w: dependency cycle through step %s", types.ErrInvalidState, id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

func newStepID() string {
	return fmt.Sprintf("step_%s", uuid.New().String()[:8])
}

// expandSwarm replaces the molecule's steps with the scatter, critique,
// converge graph: N scatter steps with no dependencies, R rounds of N
// critique steps (round r depends on round r-1, round 0 on the matching
// scatter), and one convergence step depending on the final round. The three
// step id sets are recorded in metadata.
func expandSwarm(m *Molecule) error {
	cfg := m.Swarm
	if cfg == nil {
		return fmt.Errorf("%w: swarm molecule %s has no swarm config", types.ErrInvalidState, m.ID)
	}
	if cfg.ScatterCount < 2 {
		return fmt.Errorf("%w: scatter_count %d < 2", types.ErrInvalidState, cfg.ScatterCount)
	}
	switch cfg.Convergence {
	case ConvergeVote, ConvergeSynthesize, ConvergeBest, ConvergeMerge:
	default:
		return fmt.Errorf("%w: unknown convergence strategy %q", types.ErrInvalidState, cfg.Convergence)
	}

	objective := cfg.Objective
	if objective == "" {
		objective = m.Description
	}

	var caps []string
	var prio types.Priority = types.PriorityP2
	if len(m.Steps) > 0 {
		// The seed step, if any, donates capabilities and priority to the
		// expansion.
		caps = m.Steps[0].RequiredCapabilities
		prio = m.Steps[0].Priority
	}

	var steps []*Step
	scatterIDs := make([]string, cfg.ScatterCount)
	for i := 0; i < cfg.ScatterCount; i++ {
		s := &Step{
			ID:                   newStepID(),
			Name:                 fmt.Sprintf("scatter-%d", i+1),
			Status:               StepPending,
			Priority:             prio,
			RequiredCapabilities: caps,
			Instruction:          fmt.Sprintf("Independent take %d/%d: %s", i+1, cfg.ScatterCount, objective),
			MaxRetries:           1,
		}
		scatterIDs[i] = s.ID
		steps = append(steps, s)
	}

	prev := scatterIDs
	var critiqueIDs []string
	for r := 0; r < cfg.CritiqueRounds; r++ {
		round := make([]string, cfg.ScatterCount)
		for i := 0; i < cfg.ScatterCount; i++ {
			s := &Step{
				ID:                   newStepID(),
				Name:                 fmt.Sprintf("critique-r%d-%d", r+1, i+1),
				Status:               StepPending,
				DependsOn:            []string{prev[i]},
				Priority:             prio,
				RequiredCapabilities: caps,
				Instruction:          fmt.Sprintf("Critique round %d, position %d: review the prior output for %s", r+1, i+1, objective),
				MaxRetries:           1,
			}
			round[i] = s.ID
			critiqueIDs = append(critiqueIDs, s.ID)
			steps = append(steps, s)
		}
		prev = round
	}

	converge := &Step{
		ID:                   newStepID(),
		Name:                 "converge",
		Status:               StepPending,
		DependsOn:            append([]string(nil), prev...),
		Priority:             prio,
		RequiredCapabilities: caps,
		Instruction:          fmt.Sprintf("Converge (%s) the %d results: %s", cfg.Convergence, cfg.ScatterCount, objective),
		MaxRetries:           1,
	}
	steps = append(steps, converge)

	m.Steps = steps
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{})
	}
	m.Metadata["scatter_steps"] = scatterIDs
	m.Metadata["critique_steps"] = critiqueIDs
	m.Metadata["converge_steps"] = []string{converge.ID}
	return nil
}

// normalizePersistent wraps a persistent-retry molecule's single logical step
// in the retry loop configuration.
func normalizePersistent(m *Molecule) error {
	if m.Persistent == nil {
		return fmt.Errorf("%w: persistent molecule %s has no retry config", types.ErrInvalidState, m.ID)
	}
	if len(m.Steps) != 1 {
		return fmt.Errorf("%w: persistent molecule %s needs exactly one step, has %d", types.ErrInvalidState, m.ID, len(m.Steps))
	}
	step := m.Steps[0]
	step.MaxRetries = m.Persistent.MaxRetries
	if m.Persistent.CostCap > 0 {
		m.CostCap = m.Persistent.CostCap
	}
	return nil
}

// phaseMolecule builds the child molecule for a composite phase. The child
// inherits the parent's accountable agent and creator.
func phaseMolecule(parent *Molecule, phase *PhaseSpec, phaseIndex int) *Molecule {
	child := &Molecule{
		ID:          fmt.Sprintf("mol_%s", uuid.New().String()[:8]),
		Name:        fmt.Sprintf("%s/phase-%d-%s", parent.Name, phaseIndex+1, phase.Name),
		Description: phase.Name,
		Status:      StatusDraft,
		Type:        phase.Type,
		Creator:     parent.Creator,
		RACI:        RACI{Accountable: parent.RACI.Accountable},
		ParentID:    parent.ID,
		CostCap:     parent.CostCap,
	}
	for _, s := range phase.Steps {
		cp := *s
		cp.Checkpoints = nil
		cp.Status = StepPending
		child.Steps = append(child.Steps, &cp)
	}
	if phase.Swarm != nil {
		cfg := *phase.Swarm
		child.Swarm = &cfg
	}
	if phase.Persistent != nil {
		cfg := *phase.Persistent
		child.Persistent = &cfg
	}
	return child
}

// escalationSwarmPhase builds the extra research phase inserted before a
// failed composite phase under escalate_to_swarm.
func escalationSwarmPhase(failed *PhaseSpec, reason string) *PhaseSpec {
	return &PhaseSpec{
		Name:      fmt.Sprintf("research-after-%s", failed.Name),
		Type:      TypeSwarm,
		OnFailure: FailureFail,
		Swarm: &SwarmConfig{
			ScatterCount:   3,
			CritiqueRounds: 1,
			Convergence:    ConvergeSynthesize,
			Objective:      fmt.Sprintf("Additional research needed after failure: %s", reason),
		},
	}
}

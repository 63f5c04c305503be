package molecule

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"agentcorp/internal/types"

	"gopkg.in/yaml.v3"
)

// Template is a reusable molecule shape stored under molecules/templates/ as
// YAML. Instantiation produces a draft molecule; name, accountable, and
// creator come from the caller.
type Template struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Type        string         `yaml:"type"`
	Steps       []TemplateStep `yaml:"steps,omitempty"`
	Swarm       *struct {
		ScatterCount   int     `yaml:"scatter_count"`
		CritiqueRounds int     `yaml:"critique_rounds"`
		Convergence    string  `yaml:"convergence"`
		MinAgreement   float64 `yaml:"min_agreement,omitempty"`
	} `yaml:"swarm,omitempty"`
	Persistent *struct {
		MaxRetries   int      `yaml:"max_retries"`
		CostCap      float64  `yaml:"cost_cap,omitempty"`
		ExitCriteria []string `yaml:"exit_criteria,omitempty"`
	} `yaml:"persistent,omitempty"`
	Loop *struct {
		IntervalSeconds int      `yaml:"interval_seconds"`
		MaxIterations   *int     `yaml:"max_iterations,omitempty"`
		ExitConditions  []string `yaml:"exit_conditions,omitempty"`
	} `yaml:"loop,omitempty"`
	CostCap float64 `yaml:"cost_cap,omitempty"`
}

// TemplateStep is one step declaration in a template. Dependencies refer to
// step names, resolved to ids at instantiation.
type TemplateStep struct {
	Name         string   `yaml:"name"`
	DependsOn    []string `yaml:"depends_on,omitempty"`
	Priority     string   `yaml:"priority,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Instruction  string   `yaml:"instruction,omitempty"`
	IsGate       bool     `yaml:"is_gate,omitempty"`
	GateID       string   `yaml:"gate_id,omitempty"`
	MaxRetries   int      `yaml:"max_retries,omitempty"`
}

// TemplateStore loads templates from molecules/templates/*.yaml.
type TemplateStore struct {
	dir string
}

// NewTemplateStore points at the templates directory under the state root.
func NewTemplateStore(root string) *TemplateStore {
	return &TemplateStore{dir: filepath.Join(root, "molecules", "templates")}
}

// List returns available template names, ordered.
func (ts *TemplateStore) List() ([]string, error) {
	dirents, err := os.ReadDir(ts.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read templates dir: %v", types.ErrStorage, err)
	}
	var names []string
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		names = append(names, strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml"))
	}
	sort.Strings(names)
	return names, nil
}

// Load reads and parses one template by name.
func (ts *TemplateStore) Load(name string) (*Template, error) {
	var data []byte
	var err error
	for _, ext := range []string{".yaml", ".yml"} {
		data, err = os.ReadFile(filepath.Join(ts.dir, name+ext))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: template %s", types.ErrNotFound, name)
	}
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: parse template %s: %v", types.ErrStorage, name, err)
	}
	return &t, nil
}

// Instantiate builds a draft molecule from a template. Step name references
// in depends_on become step ids.
func (ts *TemplateStore) Instantiate(name, moleculeName, accountable, creator string) (*Molecule, error) {
	t, err := ts.Load(name)
	if err != nil {
		return nil, err
	}

	wt := WorkflowType("/" + strings.TrimPrefix(t.Type, "/"))
	switch wt {
	case TypeLinear, TypeContinuous, TypeHybrid, TypeSwarm, TypeComposite, TypePersistentRetry:
	default:
		return nil, fmt.Errorf("%w: template %s has unknown type %q", types.ErrInvalidState, name, t.Type)
	}

	m := &Molecule{
		Name:        moleculeName,
		Description: t.Description,
		Type:        wt,
		Creator:     creator,
		RACI:        RACI{Accountable: accountable},
		CostCap:     t.CostCap,
	}

	idByName := make(map[string]string, len(t.Steps))
	for _, st := range t.Steps {
		id := newStepID()
		idByName[st.Name] = id
		prio := types.PriorityP2
		if st.Priority != "" {
			p, ok := types.ParsePriority(st.Priority)
			if !ok {
				return nil, fmt.Errorf("%w: template %s step %s priority %q", types.ErrInvalidState, name, st.Name, st.Priority)
			}
			prio = p
		}
		m.Steps = append(m.Steps, &Step{
			ID:                   id,
			Name:                 st.Name,
			Status:               StepPending,
			Priority:             prio,
			RequiredCapabilities: st.Capabilities,
			Instruction:          st.Instruction,
			IsGate:               st.IsGate,
			GateID:               st.GateID,
			MaxRetries:           st.MaxRetries,
		})
	}
	for i, st := range t.Steps {
		for _, dep := range st.DependsOn {
			depID, ok := idByName[dep]
			if !ok {
				return nil, fmt.Errorf("%w: template %s step %s depends on unknown step %q", types.ErrInvalidState, name, st.Name, dep)
			}
			m.Steps[i].DependsOn = append(m.Steps[i].DependsOn, depID)
		}
	}

	if t.Swarm != nil {
		m.Swarm = &SwarmConfig{
			ScatterCount:   t.Swarm.ScatterCount,
			CritiqueRounds: t.Swarm.CritiqueRounds,
			Convergence:    ConvergenceStrategy("/" + strings.TrimPrefix(t.Swarm.Convergence, "/")),
			MinAgreement:   t.Swarm.MinAgreement,
		}
	}
	if t.Persistent != nil {
		m.Persistent = &PersistentConfig{
			MaxRetries:   t.Persistent.MaxRetries,
			CostCap:      t.Persistent.CostCap,
			ExitCriteria: t.Persistent.ExitCriteria,
		}
	}
	if t.Loop != nil {
		m.Loop = &LoopConfig{
			IntervalSeconds: t.Loop.IntervalSeconds,
			MaxIterations:   t.Loop.MaxIterations,
			ExitConditions:  t.Loop.ExitConditions,
		}
	}
	return m, nil
}

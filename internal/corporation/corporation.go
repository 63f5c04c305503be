// Package corporation is the assembly point: it builds every manager over one
// state root, wires their collaborator interfaces, and exposes the facade the
// CLI and dashboard consume. All components take their collaborators as
// constructor parameters; nothing here is global.
package corporation

import (
	"context"
	"net/http"
	"time"

	"agentcorp/internal/channels"
	"agentcorp/internal/config"
	"agentcorp/internal/contract"
	"agentcorp/internal/executor"
	"agentcorp/internal/gates"
	"agentcorp/internal/hooks"
	"agentcorp/internal/kernel"
	"agentcorp/internal/ledger"
	"agentcorp/internal/llm"
	"agentcorp/internal/logging"
	"agentcorp/internal/molecule"
	"agentcorp/internal/monitor"
	"agentcorp/internal/org"
	"agentcorp/internal/scheduler"
	"agentcorp/internal/types"
)

// Corporation owns the full component graph.
type Corporation struct {
	cfg       *config.Config
	led       *ledger.Ledger
	registry  *org.Registry
	watcher   *org.Watcher
	hooks     *hooks.Manager
	channels  *channels.Manager
	gates     *gates.Manager
	contracts *contract.Manager
	engine    *molecule.Engine
	sched     *scheduler.Scheduler
	exec      *executor.Executor
	mon       *monitor.Monitor
	templates *molecule.TemplateStore
	skills    types.SkillRegistry
	backend   types.LLMBackend
}

// Option tweaks assembly.
type Option func(*Corporation)

// WithBackend substitutes the LLM backend (tests use the mock).
func WithBackend(b types.LLMBackend) Option {
	return func(c *Corporation) { c.backend = b }
}

// WithSkillRegistry wires the external skill collaborator used at hiring.
func WithSkillRegistry(sr types.SkillRegistry) Option {
	return func(c *Corporation) { c.skills = sr }
}

// New assembles a corporation over the configured state root.
func New(cfg *config.Config, opts ...Option) (*Corporation, error) {
	root := cfg.StateRoot
	if err := logging.Initialize(root); err != nil {
		return nil, err
	}

	led, err := ledger.Open(root)
	if err != nil {
		return nil, err
	}
	registry, err := org.NewRegistry(root)
	if err != nil {
		return nil, err
	}
	hookMgr, err := hooks.NewManager(root, led, cfg.StaleAfter())
	if err != nil {
		return nil, err
	}
	chanMgr, err := channels.NewManager(root, led, registry)
	if err != nil {
		return nil, err
	}
	gateMgr, err := gates.NewManager(root, led)
	if err != nil {
		return nil, err
	}
	contractMgr, err := contract.NewManager(root, led)
	if err != nil {
		return nil, err
	}
	engine, err := molecule.NewEngine(root, led, registry)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(registry, hookMgr, led)

	c := &Corporation{
		cfg:       cfg,
		led:       led,
		registry:  registry,
		hooks:     hookMgr,
		channels:  chanMgr,
		gates:     gateMgr,
		contracts: contractMgr,
		engine:    engine,
		sched:     sched,
		templates: molecule.NewTemplateStore(root),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.backend == nil && cfg.LLM.Provider == "gemini" && cfg.LLM.APIKey != "" {
		backend, err := llm.NewGeminiBackend(context.Background(), cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			return nil, err
		}
		c.backend = backend
	}

	// Cross-wiring. Interfaces keep the packages acyclic; the corporation is
	// the only place that sees the whole graph.
	engine.SetDispatcher(sched)
	engine.SetGateChecker(gateMgr)
	engine.SetEscalator(c)
	engine.SetListener(c)
	sched.SetReadyChecker(engine)
	gateMgr.SetResolver(engine)
	gateMgr.SetFactSource(gateFactSource{engine: engine})
	contractMgr.SetMoleculeView(engine)
	contractMgr.SetEscalator(c)

	c.exec = executor.New(registry, hookMgr, chanMgr, engine, gateMgr, sched, c.backend,
		time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)

	thresholds := monitor.Thresholds{
		HeartbeatWarning:  time.Duration(cfg.Monitor.HeartbeatWarningSeconds) * time.Second,
		HeartbeatCritical: time.Duration(cfg.Monitor.HeartbeatCriticalSeconds) * time.Second,
		QueueWarning:      cfg.Monitor.QueueDepthWarning,
		QueueCritical:     cfg.Monitor.QueueDepthCritical,
	}
	mon, err := monitor.New(root, registry, hookMgr, engine, led, sched, thresholds,
		time.Duration(cfg.Monitor.SnapshotCacheSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	c.mon = mon

	logging.Boot("corporation assembled at %s", root)
	return c, nil
}

// gateFactSource adapts the engine's molecule-level fact view to the gate
// system's (molecule, step) signature.
type gateFactSource struct {
	engine *molecule.Engine
}

func (g gateFactSource) ContextFacts(moleculeID, stepID string) []kernel.Fact {
	return g.engine.ContextFacts(moleculeID)
}

// Close releases the ledger. The registry watcher, if started, stops with
// its context.
func (c *Corporation) Close() error {
	return c.led.Close()
}

// StartWatcher begins watching org/agents.json for external edits; reloads
// retry parked assignments. Stops when ctx is cancelled.
func (c *Corporation) StartWatcher(ctx context.Context) error {
	w, err := org.NewWatcher(c.registry, func() { c.sched.Rebalance() })
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	c.watcher = w
	return nil
}

// Component accessors for the CLI and tests.

func (c *Corporation) Ledger() *ledger.Ledger           { return c.led }
func (c *Corporation) Registry() *org.Registry          { return c.registry }
func (c *Corporation) Hooks() *hooks.Manager            { return c.hooks }
func (c *Corporation) Channels() *channels.Manager      { return c.channels }
func (c *Corporation) Gates() *gates.Manager            { return c.gates }
func (c *Corporation) Contracts() *contract.Manager     { return c.contracts }
func (c *Corporation) Engine() *molecule.Engine         { return c.engine }
func (c *Corporation) Scheduler() *scheduler.Scheduler  { return c.sched }
func (c *Corporation) Executor() *executor.Executor     { return c.exec }
func (c *Corporation) Monitor() *monitor.Monitor        { return c.mon }
func (c *Corporation) Templates() *molecule.TemplateStore { return c.templates }

// HireAgent registers an agent, creates its hook, and retries parked
// assignments. Skills and capabilities come from the skill registry when one
// is wired and the agent record carries none.
func (c *Corporation) HireAgent(a *org.Agent) error {
	if c.skills != nil && len(a.Capabilities) == 0 {
		for capability := range c.skills.CapabilitiesFor(a.ID) {
			a.Capabilities = append(a.Capabilities, capability)
		}
		a.Skills = c.skills.SkillsFor(a.ID)
	}
	return c.sched.RegisterAgent(a)
}

// CreateMolecule persists a draft molecule and, when an objective is given,
// opens its version-1 contract.
func (c *Corporation) CreateMolecule(m *molecule.Molecule, objective string, criteria []contract.SuccessCriterion) (*molecule.Molecule, error) {
	created, err := c.engine.Create(m)
	if err != nil {
		return nil, err
	}
	if objective != "" {
		con, err := c.contracts.Create(created.ID, objective, criteria, nil, nil, nil)
		if err != nil {
			return nil, err
		}
		if err := c.engine.SetContract(created.ID, con.ID); err != nil {
			return nil, err
		}
		if err := c.contracts.Activate(con.ID); err != nil {
			return nil, err
		}
		created.ContractID = con.ID
	}
	return created, nil
}

// StartMolecule validates and activates a molecule, seeding its ready steps
// into the scheduler.
func (c *Corporation) StartMolecule(id string) (*molecule.Molecule, error) {
	return c.engine.Start(id)
}

// RunCycle executes one executive-to-worker pass.
func (c *Corporation) RunCycle(ctx context.Context) error {
	return c.exec.RunCycle(ctx)
}

// RunContinuous repeats cycles at the configured interval until cancelled.
func (c *Corporation) RunContinuous(ctx context.Context) error {
	return c.exec.RunContinuous(ctx, c.cfg.CycleInterval())
}

// MetricsHandler serves the Prometheus scrape endpoint.
func (c *Corporation) MetricsHandler() http.Handler {
	return c.mon.Handler()
}

// EscalateUpchain sends an escalation message from the molecule's accountable
// agent to its manager. Top-of-hierarchy escalations are logged only.
func (c *Corporation) EscalateUpchain(moleculeID, subject, body string) error {
	m, err := c.engine.Get(moleculeID)
	if err != nil {
		return err
	}
	accountable, err := c.registry.Get(m.RACI.Accountable)
	if err != nil {
		return err
	}
	if accountable.ReportsTo == "" {
		logging.Channels("escalation from %s has no upchain recipient: %s", accountable.ID, subject)
		return nil
	}
	_, err = c.channels.Send(accountable.ID, channels.Upchain, []string{accountable.ReportsTo},
		subject, body, types.PriorityP1, "")
	return err
}

// MoleculeCompleted implements the terminal-transition listener: completion
// may finish the molecule's contract.
func (c *Corporation) MoleculeCompleted(m *molecule.Molecule) {
	logging.Molecules("molecule %s (%s) completed, cost %.2f", m.ID, m.Name, m.ActualCost)
}

// MoleculeFailed propagates a molecule failure into its contract when the
// required criteria can no longer be met.
func (c *Corporation) MoleculeFailed(m *molecule.Molecule, reason string) {
	if m.ContractID == "" {
		return
	}
	con, err := c.contracts.Get(m.ContractID)
	if err != nil {
		return
	}
	for _, sc := range con.SuccessCriteria {
		if sc.Required && !sc.Met {
			if err := c.contracts.MarkFailed(con.ID, reason); err != nil {
				logging.Get(logging.CategoryContracts).Error("contract %s fail propagation: %v", con.ID, err)
			}
			return
		}
	}
}

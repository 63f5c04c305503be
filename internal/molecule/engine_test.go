package molecule

import (
	"errors"
	"sync"
	"testing"

	"agentcorp/internal/hooks"
	"agentcorp/internal/ledger"
	"agentcorp/internal/types"
)

type dispatchRecorder struct {
	mu    sync.Mutex
	items []*hooks.WorkItem
}

func (d *dispatchRecorder) Dispatch(item *hooks.WorkItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, item)
	return nil
}

func (d *dispatchRecorder) stepIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.items))
	for i, it := range d.items {
		out[i] = it.StepID
	}
	return out
}

type gateStub struct {
	approved map[string]bool
}

func (g *gateStub) HasApproved(gateID, stepID string) bool {
	return g.approved[gateID+"/"+stepID]
}

func newTestEngine(t *testing.T) (*Engine, *dispatchRecorder) {
	t.Helper()
	root := t.TempDir()
	led, err := ledger.Open(root)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })
	e, err := NewEngine(root, led, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	d := &dispatchRecorder{}
	e.SetDispatcher(d)
	return e, d
}

func linearMolecule() *Molecule {
	return &Molecule{
		Name: "build-feature",
		Type: TypeLinear,
		RACI: RACI{Accountable: "vp-eng"},
		Steps: []*Step{
			{ID: "step_design", Name: "design", Priority: types.PriorityP1, Instruction: "design it"},
			{ID: "step_impl", Name: "implement", DependsOn: []string{"step_design"}, Priority: types.PriorityP1, Instruction: "build it"},
			{ID: "step_test", Name: "test", DependsOn: []string{"step_impl"}, Priority: types.PriorityP1, Instruction: "test it"},
		},
	}
}

func TestCreateValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Create(&Molecule{Name: "x"}); !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("missing accountable should fail, got %v", err)
	}
	if _, err := e.Create(&Molecule{RACI: RACI{Accountable: "a"}}); !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("missing name should fail, got %v", err)
	}
}

func TestLinearFlowDispatchesInDependencyOrder(t *testing.T) {
	e, d := newTestEngine(t)
	m, err := e.Create(linearMolecule())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	started, err := e.Start(m.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != StatusActive {
		t.Fatalf("status after start = %s", started.Status)
	}
	if got := d.stepIDs(); len(got) != 1 || got[0] != "step_design" {
		t.Fatalf("only the root step should dispatch, got %v", got)
	}

	if err := e.BeginStep(m.ID, "step_design", "worker-1"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := e.CompleteStep(m.ID, "step_design", "design doc", 1.0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := d.stepIDs(); len(got) != 2 || got[1] != "step_impl" {
		t.Fatalf("completing design should unblock impl, got %v", got)
	}

	if err := e.CompleteStep(m.ID, "step_impl", "code", 2.0); err != nil {
		t.Fatalf("complete impl: %v", err)
	}
	if err := e.CompleteStep(m.ID, "step_test", "green", 0.5); err != nil {
		t.Fatalf("complete test: %v", err)
	}

	final, _ := e.Get(m.ID)
	if final.Status != StatusCompleted || final.Progress != 1 {
		t.Fatalf("molecule should complete: status=%s progress=%v", final.Status, final.Progress)
	}
	if final.ActualCost != 3.5 {
		t.Fatalf("actual cost = %v, want 3.5", final.ActualCost)
	}
}

func TestCompleteStepRejectsUnmetDependencies(t *testing.T) {
	e, _ := newTestEngine(t)
	m, _ := e.Create(linearMolecule())
	e.Start(m.ID)

	err := e.CompleteStep(m.ID, "step_test", "skipped ahead", 0)
	if !errors.Is(err, types.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestStartRejectsDependencyCycle(t *testing.T) {
	e, _ := newTestEngine(t)
	m, _ := e.Create(&Molecule{
		Name: "cyclic",
		RACI: RACI{Accountable: "vp"},
		Steps: []*Step{
			{ID: "a", Name: "a", DependsOn: []string{"b"}},
			{ID: "b", Name: "b", DependsOn: []string{"a"}},
		},
	})
	_, err := e.Start(m.ID)
	if !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("cycle should be rejected, got %v", err)
	}
}

func TestFailStepFailsMoleculeAndKeepsBead(t *testing.T) {
	e, _ := newTestEngine(t)
	m, _ := e.Create(linearMolecule())
	e.Start(m.ID)

	if err := e.FailStep(m.ID, "step_design", "contradictory requirements", string(types.FailureLogicError)); err != nil {
		t.Fatalf("fail step: %v", err)
	}
	final, _ := e.Get(m.ID)
	if final.Status != StatusFailed {
		t.Fatalf("linear molecule should fail with its step, got %s", final.Status)
	}
	s := final.StepByID("step_design")
	if len(s.Checkpoints) != 1 || s.Checkpoints[0].Data["failure_type"] != string(types.FailureLogicError) {
		t.Fatalf("failure bead missing: %+v", s.Checkpoints)
	}
}

func TestCostCapBlocksDispatch(t *testing.T) {
	e, _ := newTestEngine(t)
	m, _ := e.Create(&Molecule{
		Name:    "expensive",
		RACI:    RACI{Accountable: "vp"},
		CostCap: 1.0,
		Steps:   []*Step{{ID: "s1", Name: "s1", EstimatedCost: 2.0}},
	})
	started, err := e.Start(m.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != StatusFailed {
		t.Fatalf("projected overspend should fail the molecule, got %s", started.Status)
	}
}

func TestSwarmExpansion(t *testing.T) {
	e, d := newTestEngine(t)
	m, _ := e.Create(&Molecule{
		Name: "research",
		Type: TypeSwarm,
		RACI: RACI{Accountable: "vp"},
		Swarm: &SwarmConfig{
			ScatterCount:   3,
			CritiqueRounds: 2,
			Convergence:    ConvergeSynthesize,
			Objective:      "evaluate storage engines",
		},
	})
	started, err := e.Start(m.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// 3 scatter + 2 rounds of 3 critique + 1 converge.
	if len(started.Steps) != 10 {
		t.Fatalf("swarm expanded to %d steps, want 10", len(started.Steps))
	}
	scatter := toStringSlice(started.Metadata["scatter_steps"])
	critique := toStringSlice(started.Metadata["critique_steps"])
	converge := toStringSlice(started.Metadata["converge_steps"])
	if len(scatter) != 3 || len(critique) != 6 || len(converge) != 1 {
		t.Fatalf("step sets wrong: scatter=%d critique=%d converge=%d", len(scatter), len(critique), len(converge))
	}
	if got := d.stepIDs(); len(got) != 3 {
		t.Fatalf("only scatter steps should dispatch initially, got %d", len(got))
	}

	// Completing all scatter steps yields 30% progress and unblocks round 1.
	for _, id := range scatter {
		if err := e.CompleteStep(m.ID, id, "take", 0.1); err != nil {
			t.Fatalf("complete scatter %s: %v", id, err)
		}
	}
	mid, _ := e.Get(m.ID)
	if mid.Progress < 0.29 || mid.Progress > 0.31 {
		t.Fatalf("progress after scatter = %v, want 0.3", mid.Progress)
	}

	for _, id := range critique {
		if err := e.CompleteStep(m.ID, id, "critique", 0.1); err != nil {
			t.Fatalf("complete critique %s: %v", id, err)
		}
	}
	if err := e.CompleteStep(m.ID, converge[0], "synthesis", 0.1); err != nil {
		t.Fatalf("complete converge: %v", err)
	}
	final, _ := e.Get(m.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("swarm should complete, got %s", final.Status)
	}
}

func TestSwarmRequiresMinimumScatter(t *testing.T) {
	e, _ := newTestEngine(t)
	m, _ := e.Create(&Molecule{
		Name:  "tiny-swarm",
		Type:  TypeSwarm,
		RACI:  RACI{Accountable: "vp"},
		Swarm: &SwarmConfig{ScatterCount: 1, Convergence: ConvergeVote},
	})
	if _, err := e.Start(m.ID); !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("scatter_count 1 should be rejected, got %v", err)
	}
}

func TestPersistentRetryExitsOnCriterion(t *testing.T) {
	e, d := newTestEngine(t)
	m, _ := e.Create(&Molecule{
		Name: "fix-the-build",
		Type: TypePersistentRetry,
		RACI: RACI{Accountable: "vp"},
		Steps: []*Step{
			{ID: "step_try", Name: "attempt fix", Instruction: "make it pass"},
		},
		Persistent: &PersistentConfig{
			MaxRetries:   5,
			ExitCriteria: []string{`step_result("step_try", "tests green")`},
		},
	})
	if _, err := e.Start(m.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// First attempt fails: the loop resets the step and dispatches again.
	if err := e.FailStep(m.ID, "step_try", "still red", string(types.FailureLogicError)); err != nil {
		t.Fatalf("fail: %v", err)
	}
	mid, _ := e.Get(m.ID)
	if mid.Status != StatusActive {
		t.Fatalf("loop should continue after one failure, got %s", mid.Status)
	}
	if got := d.stepIDs(); len(got) != 2 {
		t.Fatalf("retry should re-dispatch, got %d dispatches", len(got))
	}

	// Successful attempt whose result satisfies the exit criterion.
	if err := e.CompleteStep(m.ID, "step_try", "tests green", 1.0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	final, _ := e.Get(m.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("exit criterion should complete the loop, got %s", final.Status)
	}
}

func TestPersistentRetryExhaustsRetries(t *testing.T) {
	e, _ := newTestEngine(t)
	m, _ := e.Create(&Molecule{
		Name:       "hopeless",
		Type:       TypePersistentRetry,
		RACI:       RACI{Accountable: "vp"},
		Steps:      []*Step{{ID: "step_try", Name: "attempt"}},
		Persistent: &PersistentConfig{MaxRetries: 2},
	})
	e.Start(m.ID)

	for i := 0; i < 3; i++ {
		cur, _ := e.Get(m.ID)
		if cur.Status != StatusActive {
			t.Fatalf("loop ended early at attempt %d: %s", i+1, cur.Status)
		}
		if err := e.FailStep(m.ID, "step_try", "broken", string(types.FailureLogicError)); err != nil {
			t.Fatalf("fail %d: %v", i+1, err)
		}
	}
	final, _ := e.Get(m.ID)
	if final.Status != StatusFailed {
		t.Fatalf("retries exhausted should fail the molecule, got %s", final.Status)
	}
}

func TestPersistentRetryStopsAtCostCap(t *testing.T) {
	e, _ := newTestEngine(t)
	m, _ := e.Create(&Molecule{
		Name: "budgeted-loop",
		Type: TypePersistentRetry,
		RACI: RACI{Accountable: "vp"},
		Steps: []*Step{
			{ID: "step_try", Name: "attempt", EstimatedCost: 2.5},
		},
		Persistent: &PersistentConfig{MaxRetries: 100, CostCap: 10.0},
	})
	e.Start(m.ID)

	// Without exit criteria each attempt loops; the fourth one lands exactly
	// on the cap and the loop must not start a fifth.
	for i := 0; i < 4; i++ {
		cur, _ := e.Get(m.ID)
		if cur.Status != StatusActive {
			t.Fatalf("loop ended early at attempt %d: %s", i+1, cur.Status)
		}
		if err := e.CompleteStep(m.ID, "step_try", "partial", 2.5); err != nil {
			t.Fatalf("complete %d: %v", i+1, err)
		}
	}
	final, _ := e.Get(m.ID)
	if final.Status != StatusFailed {
		t.Fatalf("cost cap should end the loop, got %s", final.Status)
	}
	if final.ActualCost != 10.0 {
		t.Fatalf("actual cost = %v, want 10.0", final.ActualCost)
	}
}

func TestGatedStepCompletesOnlyViaApproval(t *testing.T) {
	e, _ := newTestEngine(t)
	g := &gateStub{approved: map[string]bool{}}
	e.SetGateChecker(g)

	m, _ := e.Create(&Molecule{
		Name: "gated",
		RACI: RACI{Accountable: "vp"},
		Steps: []*Step{
			{ID: "step_review", Name: "review", IsGate: true, GateID: "gate_cr"},
		},
	})
	e.Start(m.ID)

	err := e.CompleteStep(m.ID, "step_review", "sneaky", 0)
	if !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("gated step without approval must not complete, got %v", err)
	}

	g.approved["gate_cr/step_review"] = true
	if err := e.GateApproved(m.ID, "step_review", "sub_1"); err != nil {
		t.Fatalf("gate approved: %v", err)
	}
	final, _ := e.Get(m.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("approval should complete the molecule, got %s", final.Status)
	}
}

func TestGateRejectionAllowsResubmissionUntilExhausted(t *testing.T) {
	e, _ := newTestEngine(t)
	m, _ := e.Create(&Molecule{
		Name: "gated",
		RACI: RACI{Accountable: "vp"},
		Steps: []*Step{
			{ID: "step_review", Name: "review", IsGate: true, GateID: "gate_cr", MaxRetries: 2},
		},
	})
	e.Start(m.ID)

	for i := 1; i <= 2; i++ {
		if err := e.GateRejected(m.ID, "step_review", "sub", "not good enough"); err != nil {
			t.Fatalf("rejection %d: %v", i, err)
		}
		cur, _ := e.Get(m.ID)
		if cur.Status != StatusActive {
			t.Fatalf("rejection %d should leave the molecule active, got %s", i, cur.Status)
		}
		if s := cur.StepByID("step_review"); s.Status != StepReady {
			t.Fatalf("rejected step should return to ready, got %s", s.Status)
		}
	}

	// Third rejection exceeds max_retries.
	if err := e.GateRejected(m.ID, "step_review", "sub", "still bad"); err != nil {
		t.Fatalf("final rejection: %v", err)
	}
	final, _ := e.Get(m.ID)
	if final.Status != StatusFailed {
		t.Fatalf("exhausted rejections should fail the molecule, got %s", final.Status)
	}
}

func compositeFixture(onFailure OnFailure, maxEscalations int) *Molecule {
	return &Molecule{
		Name: "release",
		Type: TypeComposite,
		RACI: RACI{Accountable: "vp"},
		Composite: &CompositeConfig{
			MaxEscalations: maxEscalations,
			Phases: []*PhaseSpec{
				{
					Name:      "build",
					Type:      TypeLinear,
					OnFailure: onFailure,
					Steps:     []*Step{{ID: "step_build", Name: "build"}},
				},
				{
					Name:      "verify",
					Type:      TypeLinear,
					OnFailure: FailureFail,
					Steps:     []*Step{{ID: "step_verify", Name: "verify"}},
				},
			},
		},
	}
}

func TestCompositeAdvancesThroughPhases(t *testing.T) {
	e, _ := newTestEngine(t)
	m, _ := e.Create(compositeFixture(FailureFail, 0))
	started, err := e.Start(m.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(started.Children) != 1 {
		t.Fatalf("phase 1 child not created: %v", started.Children)
	}

	child1 := started.Children[0]
	if err := e.CompleteStep(child1, "step_build", "built", 1.0); err != nil {
		t.Fatalf("complete phase 1: %v", err)
	}

	mid, _ := e.Get(m.ID)
	if mid.Composite.CurrentPhase != 1 || len(mid.Children) != 2 {
		t.Fatalf("parent should enter phase 2: phase=%d children=%v", mid.Composite.CurrentPhase, mid.Children)
	}
	if mid.Progress != 0.5 {
		t.Fatalf("composite progress = %v, want 0.5", mid.Progress)
	}

	child2 := mid.Children[1]
	if err := e.CompleteStep(child2, "step_verify", "verified", 1.0); err != nil {
		t.Fatalf("complete phase 2: %v", err)
	}
	final, _ := e.Get(m.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("composite should complete after last phase, got %s", final.Status)
	}
}

func TestCompositeEscalateToSwarmInsertsResearchPhase(t *testing.T) {
	e, _ := newTestEngine(t)
	m, _ := e.Create(compositeFixture(FailureEscalateToSwarm, 2))
	started, _ := e.Start(m.ID)

	child1 := started.Children[0]
	if err := e.FailStep(child1, "step_build", "missing context", string(types.FailureContextDrift)); err != nil {
		t.Fatalf("fail phase child: %v", err)
	}

	parent, _ := e.Get(m.ID)
	if parent.Status != StatusActive {
		t.Fatalf("first escalation should keep the composite active, got %s", parent.Status)
	}
	if parent.Composite.EscalationCount != 1 {
		t.Fatalf("escalation count = %d, want 1", parent.Composite.EscalationCount)
	}
	if len(parent.Composite.Phases) != 3 {
		t.Fatalf("research phase not inserted: %d phases", len(parent.Composite.Phases))
	}
	research := parent.Composite.Phases[parent.Composite.CurrentPhase]
	if research.Type != TypeSwarm {
		t.Fatalf("inserted phase should be a swarm, got %s", research.Type)
	}

	// The research child is the newest; failing it (on_failure fail for the
	// research phase) fails the composite.
	researchChild, _ := e.Get(parent.Children[len(parent.Children)-1])
	if researchChild.Type != TypeSwarm {
		t.Fatalf("research child type = %s", researchChild.Type)
	}
}

func TestCompositeEscalationLimit(t *testing.T) {
	e, _ := newTestEngine(t)
	m, _ := e.Create(compositeFixture(FailureEscalateToSwarm, 1))
	started, _ := e.Start(m.ID)

	// max_escalations 1: the first failure exhausts the budget.
	if err := e.FailStep(started.Children[0], "step_build", "broken", string(types.FailureLogicError)); err != nil {
		t.Fatalf("fail: %v", err)
	}
	final, _ := e.Get(m.ID)
	if final.Status != StatusFailed {
		t.Fatalf("escalation budget exhausted should fail the composite, got %s", final.Status)
	}
}

func TestCompositeEscalateToPreviousRewinds(t *testing.T) {
	e, _ := newTestEngine(t)
	fixture := compositeFixture(FailureFail, 0)
	fixture.Composite.Phases[1].OnFailure = FailureEscalatePrevious
	m, _ := e.Create(fixture)
	started, _ := e.Start(m.ID)

	if err := e.CompleteStep(started.Children[0], "step_build", "built", 0); err != nil {
		t.Fatalf("complete phase 1: %v", err)
	}
	mid, _ := e.Get(m.ID)
	if err := e.FailStep(mid.Children[1], "step_verify", "regression", string(types.FailureLogicError)); err != nil {
		t.Fatalf("fail phase 2: %v", err)
	}

	after, _ := e.Get(m.ID)
	if after.Status != StatusActive || after.Composite.CurrentPhase != 0 {
		t.Fatalf("failure should rewind to phase 1: status=%s phase=%d", after.Status, after.Composite.CurrentPhase)
	}
	if len(after.Children) != 3 {
		t.Fatalf("rewind should start a fresh phase child, children=%v", after.Children)
	}
}

func TestContinuousLoopRespectsMaxIterations(t *testing.T) {
	e, d := newTestEngine(t)
	two := 2
	m, _ := e.Create(&Molecule{
		Name:  "patrol",
		Type:  TypeContinuous,
		RACI:  RACI{Accountable: "vp"},
		Steps: []*Step{{ID: "step_scan", Name: "scan"}},
		Loop:  &LoopConfig{MaxIterations: &two},
	})
	e.Start(m.ID)

	if err := e.CompleteStep(m.ID, "step_scan", "clear", 0.1); err != nil {
		t.Fatalf("complete iteration 1: %v", err)
	}
	mid, _ := e.Get(m.ID)
	if mid.Status != StatusActive || mid.Loop.CurrentIteration != 1 {
		t.Fatalf("loop should rearm for iteration 2: status=%s iter=%d", mid.Status, mid.Loop.CurrentIteration)
	}
	if got := d.stepIDs(); len(got) != 2 {
		t.Fatalf("iteration 2 should re-dispatch the step, got %d dispatches", len(got))
	}

	if err := e.CompleteStep(m.ID, "step_scan", "clear", 0.1); err != nil {
		t.Fatalf("complete iteration 2: %v", err)
	}
	final, _ := e.Get(m.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("max iterations reached should complete the loop, got %s", final.Status)
	}
}

func TestContinuousLoopExitCondition(t *testing.T) {
	e, _ := newTestEngine(t)
	m, _ := e.Create(&Molecule{
		Name:  "watch",
		Type:  TypeContinuous,
		RACI:  RACI{Accountable: "vp"},
		Steps: []*Step{{ID: "step_scan", Name: "scan"}},
		Loop: &LoopConfig{
			ExitConditions: []string{`step_result("step_scan", "threat found")`},
		},
	})
	e.Start(m.ID)

	if err := e.CompleteStep(m.ID, "step_scan", "threat found", 0.1); err != nil {
		t.Fatalf("complete: %v", err)
	}
	final, _ := e.Get(m.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("exit condition should end the loop, got %s", final.Status)
	}
}

func TestPauseBlocksCompletionUntilResume(t *testing.T) {
	e, _ := newTestEngine(t)
	m, _ := e.Create(linearMolecule())
	e.Start(m.ID)

	if err := e.Pause(m.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	err := e.CompleteStep(m.ID, "step_design", "doc", 0)
	if !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("completion while paused should fail, got %v", err)
	}
	if err := e.Resume(m.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := e.CompleteStep(m.ID, "step_design", "doc", 0); err != nil {
		t.Fatalf("completion after resume: %v", err)
	}
}

func TestResetStepClearsAssigneeWithoutRetryPenalty(t *testing.T) {
	e, _ := newTestEngine(t)
	m, _ := e.Create(linearMolecule())
	e.Start(m.ID)
	e.BeginStep(m.ID, "step_design", "worker-1")

	if err := e.ResetStep(m.ID, "step_design"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	cur, _ := e.Get(m.ID)
	s := cur.StepByID("step_design")
	if s.Status != StepReady || s.Assignee != "" || s.RetryCount != 0 {
		t.Fatalf("reset step state wrong: %+v", s)
	}
}

func TestEngineReloadsPersistedMolecules(t *testing.T) {
	root := t.TempDir()
	led, err := ledger.Open(root)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer led.Close()

	e, err := NewEngine(root, led, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	m, _ := e.Create(linearMolecule())
	e.Start(m.ID)
	e.CompleteStep(m.ID, "step_design", "doc", 1.0)

	e2, err := NewEngine(root, led, nil)
	if err != nil {
		t.Fatalf("reload engine: %v", err)
	}
	loaded, err := e2.Get(m.ID)
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if loaded.Status != StatusActive || !loaded.StepByID("step_design").Done() {
		t.Fatalf("molecule state lost across reload: %+v", loaded)
	}
}

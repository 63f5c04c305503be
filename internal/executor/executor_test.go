package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"agentcorp/internal/channels"
	"agentcorp/internal/gates"
	"agentcorp/internal/hooks"
	"agentcorp/internal/ledger"
	"agentcorp/internal/llm"
	"agentcorp/internal/molecule"
	"agentcorp/internal/org"
	"agentcorp/internal/scheduler"
	"agentcorp/internal/types"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// The opencensus stats worker is started by that package's init and
	// cannot be stopped; it is not a goroutine this package created.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type harness struct {
	exec    *Executor
	hooks   *hooks.Manager
	engine  *molecule.Engine
	gates   *gates.Manager
	sched   *scheduler.Scheduler
	mock    *llm.MockBackend
	reg     *org.Registry
}

func newHarness(t *testing.T, staleAfter time.Duration) *harness {
	t.Helper()
	root := t.TempDir()
	led, err := ledger.Open(root)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	reg, err := org.NewRegistry(root)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	hookMgr, err := hooks.NewManager(root, led, staleAfter)
	if err != nil {
		t.Fatalf("new hooks: %v", err)
	}
	chanMgr, err := channels.NewManager(root, led, reg)
	if err != nil {
		t.Fatalf("new channels: %v", err)
	}
	engine, err := molecule.NewEngine(root, led, reg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	gateMgr, err := gates.NewManager(root, led)
	if err != nil {
		t.Fatalf("new gates: %v", err)
	}
	sched := scheduler.New(reg, hookMgr, led)
	sched.SetReadyChecker(engine)
	engine.SetDispatcher(sched)
	engine.SetGateChecker(gateMgr)
	gateMgr.SetResolver(engine)

	mock := llm.NewMockBackend()
	exec := New(reg, hookMgr, chanMgr, engine, gateMgr, sched, mock, time.Minute)
	return &harness{exec: exec, hooks: hookMgr, engine: engine, gates: gateMgr, sched: sched, mock: mock, reg: reg}
}

func (h *harness) hire(t *testing.T, id string, tier types.Tier, caps ...string) {
	t.Helper()
	if err := h.sched.RegisterAgent(&org.Agent{ID: id, Role: "engineer", Tier: tier, Capabilities: caps}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestCycleCompletesQueuedItems(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.hire(t, "worker-1", types.TierWorker)
	h.hooks.Enqueue("worker-1", &hooks.WorkItem{
		ID: "itm_1", Priority: types.PriorityP1, Instruction: "write the report", MaxRetries: 3,
	})

	if err := h.exec.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	stats, _ := h.hooks.GetStats("worker-1")
	if stats.Completed != 1 || stats.Queued != 0 {
		t.Fatalf("item not completed: %+v", stats)
	}
	if len(h.mock.Calls()) != 1 {
		t.Fatalf("llm not consulted, %d calls", len(h.mock.Calls()))
	}
}

func TestDependentStepsFinishWithinOneCycle(t *testing.T) {
	h := newHarness(t, time.Hour)
	// The planner sits one tier above the builder, so its completion is
	// visible to the builder in the same top-down pass.
	h.hire(t, "planner", types.TierDirector, "plan")
	h.hire(t, "builder", types.TierWorker, "build")

	m, err := h.engine.Create(&molecule.Molecule{
		Name: "feature",
		RACI: testRACI(),
		Steps: []*molecule.Step{
			{ID: "step_plan", Name: "plan", RequiredCapabilities: []string{"plan"}, Priority: types.PriorityP1},
			{ID: "step_build", Name: "build", DependsOn: []string{"step_plan"}, RequiredCapabilities: []string{"build"}, Priority: types.PriorityP1},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.engine.Start(m.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := h.exec.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	final, _ := h.engine.Get(m.ID)
	if final.Status != molecule.StatusCompleted {
		t.Fatalf("both tiers should finish in one cycle, got %s", final.Status)
	}
}

// testRACI returns the fixture accountable assignment; the planner agent is
// registered by every test that starts a molecule.
func testRACI() molecule.RACI {
	return molecule.RACI{Accountable: "planner"}
}

func TestNonRetryableFailureFailsStep(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.hire(t, "planner", types.TierDirector, "plan")
	h.mock.Script("impossible task", "", 0, errors.New("cannot comply"))

	m, _ := h.engine.Create(&molecule.Molecule{
		Name: "doomed",
		RACI: testRACI(),
		Steps: []*molecule.Step{
			{ID: "step_x", Name: "x", Instruction: "impossible task", RequiredCapabilities: []string{"plan"}},
		},
	})
	h.engine.Start(m.ID)

	if err := h.exec.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	final, _ := h.engine.Get(m.ID)
	if final.Status != molecule.StatusFailed {
		t.Fatalf("unrecoverable llm error should fail the molecule, got %s", final.Status)
	}
	s := final.StepByID("step_x")
	if len(s.Checkpoints) == 0 {
		t.Fatalf("failure bead missing")
	}
}

func TestRetryableFailureRequeuesWithoutFailingStep(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.hire(t, "planner", types.TierDirector, "plan")
	h.mock.Script("flaky task", "", 0, types.ErrStorage)

	m, _ := h.engine.Create(&molecule.Molecule{
		Name: "flaky",
		RACI: testRACI(),
		Steps: []*molecule.Step{
			{ID: "step_x", Name: "x", Instruction: "flaky task", RequiredCapabilities: []string{"plan"}, MaxRetries: 5},
		},
	})
	h.engine.Start(m.ID)

	if err := h.exec.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	final, _ := h.engine.Get(m.ID)
	if final.Status != molecule.StatusActive {
		t.Fatalf("retryable failure must keep the molecule active, got %s", final.Status)
	}
	stats, _ := h.hooks.GetStats("planner")
	if stats.Queued != 1 {
		t.Fatalf("item not requeued for another attempt: %+v", stats)
	}
}

func TestGatedStepRoutesThroughGate(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.hire(t, "planner", types.TierDirector, "plan")

	g := &gates.Gate{
		Name:   "auto-review",
		Policy: gates.PolicyStrict,
		Criteria: []gates.Criterion{
			{ID: "done", Description: "work reported done", Required: true, AutoCheck: `artifact("result", "done")`},
		},
	}
	if err := h.gates.CreateGate(g); err != nil {
		t.Fatalf("create gate: %v", err)
	}

	m, _ := h.engine.Create(&molecule.Molecule{
		Name: "reviewed",
		RACI: testRACI(),
		Steps: []*molecule.Step{
			{ID: "step_work", Name: "work", Instruction: "do the thing", RequiredCapabilities: []string{"plan"}, IsGate: true, GateID: g.ID},
		},
	})
	h.engine.Start(m.ID)

	// The mock default result is "done", which satisfies the gate's
	// auto-check; evaluation approves and the resolver completes the step.
	if err := h.exec.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	final, _ := h.engine.Get(m.ID)
	if final.Status != molecule.StatusCompleted {
		t.Fatalf("approved gate should complete the molecule, got %s", final.Status)
	}
	if !h.gates.HasApproved(g.ID, "step_work") {
		t.Fatalf("gate approval not recorded")
	}
}

func TestStaleWorkIsReclaimedAndReassigned(t *testing.T) {
	h := newHarness(t, time.Millisecond)
	h.hire(t, "crashed", types.TierWorker)
	h.hire(t, "healthy", types.TierWorker)

	h.hooks.Enqueue("crashed", &hooks.WorkItem{
		ID: "itm_orphan", Priority: types.PriorityP1, Instruction: "orphaned work", MaxRetries: 3,
	})
	if _, err := h.hooks.Claim("crashed"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// The cycle reclaims the stale claim and the item completes on whichever
	// worker the scheduler picks.
	if err := h.exec.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	s1, _ := h.hooks.GetStats("crashed")
	s2, _ := h.hooks.GetStats("healthy")
	if s1.Completed+s2.Completed != 1 {
		t.Fatalf("reclaimed item not completed: crashed=%+v healthy=%+v", s1, s2)
	}
	if s1.InProgress+s2.InProgress != 0 {
		t.Fatalf("claim left dangling: crashed=%+v healthy=%+v", s1, s2)
	}
}

func TestRunContinuousStopsOnCancel(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.hire(t, "worker-1", types.TierWorker)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.exec.RunContinuous(ctx, 10*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

package contract

import (
	"errors"
	"testing"

	"agentcorp/internal/kernel"
	"agentcorp/internal/ledger"
	"agentcorp/internal/types"

	"github.com/google/go-cmp/cmp"
)

type stubView struct {
	status        string
	gateSatisfied bool
	facts         []kernel.Fact
}

func (v *stubView) MoleculeStatus(string) (string, error)  { return v.status, nil }
func (v *stubView) AccountableGateSatisfied(string) bool   { return v.gateSatisfied }
func (v *stubView) ContextFacts(string) []kernel.Fact      { return v.facts }

type stubEscalator struct {
	calls []string
}

func (e *stubEscalator) EscalateUpchain(moleculeID, subject, body string) error {
	e.calls = append(e.calls, subject)
	return nil
}

func newTestContracts(t *testing.T) (*Manager, *stubView, *stubEscalator) {
	t.Helper()
	root := t.TempDir()
	led, err := ledger.Open(root)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })
	m, err := NewManager(root, led)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	view := &stubView{status: "/active", gateSatisfied: true}
	esc := &stubEscalator{}
	m.SetMoleculeView(view)
	m.SetEscalator(esc)
	return m, view, esc
}

func draftContract(t *testing.T, m *Manager) *Contract {
	t.Helper()
	c, err := m.Create("mol_1", "ship the feature", []SuccessCriterion{
		{Description: "tests pass", Required: true},
		{Description: "docs updated", Required: false},
	}, []string{"backend"}, []string{"mobile"}, []string{"no schema changes"})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	return c
}

func TestOneContractChainPerMolecule(t *testing.T) {
	m, _, _ := newTestContracts(t)
	draftContract(t, m)
	_, err := m.Create("mol_1", "another", nil, nil, nil, nil)
	if !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("second contract for same molecule should fail, got %v", err)
	}
}

func TestCheckCompletesWhenRequiredMetAndGateSatisfied(t *testing.T) {
	m, view, _ := newTestContracts(t)
	c := draftContract(t, m)
	if err := m.Activate(c.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Gate not yet satisfied: meeting the required criterion must not
	// complete the contract.
	view.gateSatisfied = false
	if err := m.Check(c.ID, 0, "reviewer"); err != nil {
		t.Fatalf("check: %v", err)
	}
	got, _ := m.Get(c.ID)
	if got.Status != StatusActive {
		t.Fatalf("contract completed without gate satisfaction: %s", got.Status)
	}

	// Optional criterion alone never completes either.
	view.gateSatisfied = true
	if err := m.Check(c.ID, 1, "reviewer"); err != nil {
		t.Fatalf("check optional: %v", err)
	}
	got, _ = m.Get(c.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("contract should complete once required met and gate satisfied, got %s", got.Status)
	}
	if !got.SuccessCriteria[0].Met || got.SuccessCriteria[0].Verifier != "reviewer" {
		t.Fatalf("criterion record not updated: %+v", got.SuccessCriteria[0])
	}
}

func TestCheckRequiresActiveContract(t *testing.T) {
	m, _, _ := newTestContracts(t)
	c := draftContract(t, m)
	err := m.Check(c.ID, 0, "reviewer")
	if !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("check on draft contract should fail, got %v", err)
	}
}

func TestAmendVersionsChain(t *testing.T) {
	m, _, _ := newTestContracts(t)
	v1 := draftContract(t, m)
	if err := m.Activate(v1.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	v2, err := m.Amend(v1.ID, Changes{
		Objective: "ship the feature with telemetry",
		InScope:   []string{"backend", "telemetry"},
	})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if v2.Version != 2 || v2.PreviousVersion != v1.ID {
		t.Fatalf("version chain broken: %+v", v2)
	}
	if v2.Objective != "ship the feature with telemetry" {
		t.Fatalf("objective not applied: %q", v2.Objective)
	}
	if diff := cmp.Diff([]string{"no schema changes"}, v2.Constraints); diff != "" {
		t.Fatalf("unamended fields must carry over (-want +got):\n%s", diff)
	}

	old, _ := m.Get(v1.ID)
	if old.Status != StatusAmended {
		t.Fatalf("prior version should freeze as amended, got %s", old.Status)
	}

	// The frozen version can no longer be amended.
	if _, err := m.Amend(v1.ID, Changes{Objective: "x"}); !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("amending a frozen version should fail, got %v", err)
	}

	latest, err := m.LatestForMolecule("mol_1")
	if err != nil || latest.ID != v2.ID {
		t.Fatalf("latest should be v2, got %v %v", latest, err)
	}

	hist := m.History("mol_1")
	if len(hist) != 2 || hist[0].Version != 1 || hist[1].Version != 2 {
		t.Fatalf("history order wrong: %+v", hist)
	}
}

func continuousContract(t *testing.T, m *Manager, threshold int) *Contract {
	t.Helper()
	c, err := m.Create("mol_1", "keep the service healthy", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Activate(c.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	c2, err := m.Amend(c.ID, Changes{
		ValidationMode: ValidateContinuous,
		ContinuousCriteria: []ContinuousCriterion{
			{Description: "error rate acceptable", Check: `metric("error_rate", "ok")`},
		},
		EscalationThreshold: threshold,
	})
	if err != nil {
		t.Fatalf("amend to continuous: %v", err)
	}
	return c2
}

func TestValidateContinuousEscalatesAfterThreshold(t *testing.T) {
	m, view, esc := newTestContracts(t)
	c := continuousContract(t, m, 3)

	// Passing facts reset the failure counter.
	view.facts = []kernel.Fact{{Predicate: "metric", Args: []interface{}{"error_rate", "ok"}}}
	res, err := m.ValidateContinuous(c.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Passed || res.ConsecutiveFailures != 0 {
		t.Fatalf("passing validation misreported: %+v", res)
	}

	// Three consecutive failures reach the threshold.
	view.facts = []kernel.Fact{{Predicate: "metric", Args: []interface{}{"error_rate", "bad"}}}
	for i := 1; i <= 3; i++ {
		res, err = m.ValidateContinuous(c.ID)
		if err != nil {
			t.Fatalf("validate %d: %v", i, err)
		}
		if res.Passed {
			t.Fatalf("validation %d should fail", i)
		}
		if res.ConsecutiveFailures != i {
			t.Fatalf("consecutive failures = %d, want %d", res.ConsecutiveFailures, i)
		}
		wantEscalated := i == 3
		if res.Escalated != wantEscalated {
			t.Fatalf("pass %d escalated = %v, want %v", i, res.Escalated, wantEscalated)
		}
	}
	if len(esc.calls) != 1 {
		t.Fatalf("expected one upchain escalation, got %d", len(esc.calls))
	}

	// A passing pass resets the counter.
	view.facts = []kernel.Fact{{Predicate: "metric", Args: []interface{}{"error_rate", "ok"}}}
	res, err = m.ValidateContinuous(c.ID)
	if err != nil || res.ConsecutiveFailures != 0 {
		t.Fatalf("counter should reset on pass: %+v %v", res, err)
	}
}

func TestValidateContinuousRejectsOneTimeContracts(t *testing.T) {
	m, _, _ := newTestContracts(t)
	c := draftContract(t, m)
	_, err := m.ValidateContinuous(c.ID)
	if !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("one-time contract should not validate continuously, got %v", err)
	}
}

func TestMarkFailedTerminal(t *testing.T) {
	m, _, _ := newTestContracts(t)
	c := draftContract(t, m)
	if err := m.Activate(c.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := m.MarkFailed(c.ID, "molecule failed"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := m.MarkFailed(c.ID, "again"); !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("double fail should be rejected, got %v", err)
	}
	if _, err := m.Amend(c.ID, Changes{Objective: "x"}); !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("failed contract cannot be amended, got %v", err)
	}
}

func TestContractsSurviveReload(t *testing.T) {
	root := t.TempDir()
	led, err := ledger.Open(root)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer led.Close()

	m, err := NewManager(root, led)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	v1, err := m.Create("mol_1", "objective", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Activate(v1.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	v2, err := m.Amend(v1.ID, Changes{Objective: "objective v2"})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}

	m2, err := NewManager(root, led)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	latest, err := m2.LatestForMolecule("mol_1")
	if err != nil {
		t.Fatalf("latest after reload: %v", err)
	}
	if latest.ID != v2.ID || latest.Objective != "objective v2" {
		t.Fatalf("latest pointer lost across reload: %+v", latest)
	}
}

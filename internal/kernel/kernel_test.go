package kernel

import (
	"testing"
)

func TestFactStringQuotesAndNameConstants(t *testing.T) {
	f := Fact{Predicate: "step", Args: []interface{}{"mol_1", "step_a", "/completed"}}
	want := `step("mol_1", "step_a", /completed).`
	if got := f.String(); got != want {
		t.Fatalf("fact string = %q, want %q", got, want)
	}

	f = Fact{Predicate: "attempts", Args: []interface{}{"step_a", int64(3)}}
	if got := f.String(); got != `attempts("step_a", 3).` {
		t.Fatalf("numeric fact string = %q", got)
	}
}

func TestQueryByPredicateName(t *testing.T) {
	k := New()
	err := k.LoadFacts([]Fact{
		{Predicate: "artifact", Args: []interface{}{"tests_pass", "true"}},
		{Predicate: "artifact", Args: []interface{}{"lint_clean", "false"}},
		{Predicate: "step", Args: []interface{}{"mol_1", "step_a", "/completed"}},
	})
	if err != nil {
		t.Fatalf("load facts: %v", err)
	}

	facts, err := k.Query("artifact")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("query returned %d facts, want 2", len(facts))
	}
}

func TestQueryPatternMatchesConstantsAndWildcards(t *testing.T) {
	k := New()
	err := k.LoadFacts([]Fact{
		{Predicate: "artifact", Args: []interface{}{"tests_pass", "true"}},
		{Predicate: "artifact", Args: []interface{}{"lint_clean", "false"}},
	})
	if err != nil {
		t.Fatalf("load facts: %v", err)
	}

	ok, err := k.Exists(`artifact("tests_pass", "true")`)
	if err != nil || !ok {
		t.Fatalf("exact pattern should match: %v %v", ok, err)
	}
	ok, err = k.Exists(`artifact("tests_pass", "false")`)
	if err != nil || ok {
		t.Fatalf("mismatched constant should not match: %v %v", ok, err)
	}
	facts, err := k.Query(`artifact(X, "false")`)
	if err != nil {
		t.Fatalf("wildcard query: %v", err)
	}
	if len(facts) != 1 || facts[0].Args[0] != "lint_clean" {
		t.Fatalf("wildcard query results wrong: %+v", facts)
	}
}

func TestRulesDeriveFacts(t *testing.T) {
	k := New()
	if err := k.SetRules(`blocked(S) :- step_dep(S, D), step_status(D, /failed).`); err != nil {
		t.Fatalf("set rules: %v", err)
	}
	err := k.LoadFacts([]Fact{
		{Predicate: "step_dep", Args: []interface{}{"step_b", "step_a"}},
		{Predicate: "step_status", Args: []interface{}{"step_a", "/failed"}},
	})
	if err != nil {
		t.Fatalf("load facts: %v", err)
	}

	ok, err := k.Exists(`blocked("step_b")`)
	if err != nil || !ok {
		t.Fatalf("rule should derive blocked(step_b): %v %v", ok, err)
	}
}

func TestQueryBeforeLoadErrors(t *testing.T) {
	k := New()
	if _, err := k.Query("anything"); err == nil {
		t.Fatalf("query on empty kernel should error")
	}
}

func TestResetClearsFactsKeepsRules(t *testing.T) {
	k := New()
	if err := k.SetRules(`ready(S) :- step_status(S, /pending).`); err != nil {
		t.Fatalf("set rules: %v", err)
	}
	if err := k.LoadFacts([]Fact{{Predicate: "step_status", Args: []interface{}{"step_a", "/pending"}}}); err != nil {
		t.Fatalf("load: %v", err)
	}
	k.Reset()

	if err := k.LoadFacts([]Fact{{Predicate: "step_status", Args: []interface{}{"step_b", "/pending"}}}); err != nil {
		t.Fatalf("load after reset: %v", err)
	}
	if ok, _ := k.Exists(`ready("step_a")`); ok {
		t.Fatalf("pre-reset fact leaked through")
	}
	if ok, _ := k.Exists(`ready("step_b")`); !ok {
		t.Fatalf("rules should survive reset")
	}
}

func TestParseFactStringRoundTrip(t *testing.T) {
	f, err := ParseFactString(`gate_submission("sub_1", /approved)`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Predicate != "gate_submission" || f.Args[0] != "sub_1" || f.Args[1] != "/approved" {
		t.Fatalf("parsed fact wrong: %+v", f)
	}
}

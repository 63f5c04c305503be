// Package kernel wraps the google/mangle engine behind a small fact-oriented
// API. Core entities convert themselves to facts; gate criterion auto-checks
// and contract continuous checks are Mangle query patterns evaluated against
// those facts.
package kernel

import (
	"fmt"
	"strings"
	"sync"

	"agentcorp/internal/logging"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// Fact represents a single logical fact (atom) in the EDB.
type Fact struct {
	Predicate string
	Args      []interface{}
}

// String returns the Datalog string representation of the fact.
func (f Fact) String() string {
	var args []string
	for _, arg := range f.Args {
		switch v := arg.(type) {
		case string:
			// Name constants start with /
			if strings.HasPrefix(v, "/") {
				args = append(args, v)
			} else {
				args = append(args, fmt.Sprintf("%q", v))
			}
		case int:
			args = append(args, fmt.Sprintf("%d", v))
		case int64:
			args = append(args, fmt.Sprintf("%d", v))
		case float64:
			args = append(args, fmt.Sprintf("%f", v))
		case bool:
			if v {
				args = append(args, "/true")
			} else {
				args = append(args, "/false")
			}
		default:
			args = append(args, fmt.Sprintf("%v", v))
		}
	}
	return fmt.Sprintf("%s(%s).", f.Predicate, strings.Join(args, ", "))
}

// ToAtom converts a Fact to a Mangle AST Atom for direct store insertion.
func (f Fact) ToAtom() (ast.Atom, error) {
	var terms []ast.BaseTerm
	for _, arg := range f.Args {
		switch v := arg.(type) {
		case string:
			if strings.HasPrefix(v, "/") {
				c, err := ast.Name(v)
				if err != nil {
					return ast.Atom{}, err
				}
				terms = append(terms, c)
			} else {
				terms = append(terms, ast.String(v))
			}
		case int:
			terms = append(terms, ast.Number(int64(v)))
		case int64:
			terms = append(terms, ast.Number(v))
		case float64:
			terms = append(terms, ast.Float64(v))
		case bool:
			if v {
				terms = append(terms, ast.TrueConstant)
			} else {
				terms = append(terms, ast.FalseConstant)
			}
		default:
			terms = append(terms, ast.String(fmt.Sprintf("%v", v)))
		}
	}
	return ast.NewAtom(f.Predicate, terms...), nil
}

// Kernel evaluates facts and rules to fixpoint and answers queries.
type Kernel struct {
	mu          sync.RWMutex
	facts       []Fact
	store       factstore.FactStore
	programInfo *analysis.ProgramInfo
	rules       string
	initialized bool
}

// New creates an empty kernel.
func New() *Kernel {
	return &Kernel{
		facts: make([]Fact, 0),
		store: factstore.NewSimpleInMemoryStore(),
	}
}

// SetRules replaces the rule program (IDB) appended after the facts on each
// rebuild. Rules use standard Mangle syntax.
func (k *Kernel) SetRules(rules string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rules = rules
	if len(k.facts) == 0 {
		return nil
	}
	return k.rebuild()
}

// LoadFacts adds facts to the EDB and rebuilds the program.
func (k *Kernel) LoadFacts(facts []Fact) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.facts = append(k.facts, facts...)
	return k.rebuild()
}

// Reset clears all facts while keeping the rules.
func (k *Kernel) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.facts = k.facts[:0]
	k.store = factstore.NewSimpleInMemoryStore()
	k.programInfo = nil
	k.initialized = false
}

// rebuild reconstructs the program and evaluates to fixpoint.
func (k *Kernel) rebuild() error {
	timer := logging.StartTimer(logging.CategoryKernel, "rebuild")
	defer timer.Stop()

	var sb strings.Builder
	for _, f := range k.facts {
		sb.WriteString(f.String())
		sb.WriteString("\n")
	}
	if k.rules != "" {
		sb.WriteString(k.rules)
	}

	parsed, err := parse.Unit(strings.NewReader(sb.String()))
	if err != nil {
		return fmt.Errorf("failed to parse program: %w", err)
	}

	programInfo, err := analysis.AnalyzeOneUnit(parsed, nil)
	if err != nil {
		return fmt.Errorf("failed to analyze program: %w", err)
	}
	k.programInfo = programInfo

	strata, predToStratum, err := analysis.Stratify(analysis.Program{
		EdbPredicates: programInfo.EdbPredicates,
		IdbPredicates: programInfo.IdbPredicates,
		Rules:         programInfo.Rules,
	})
	if err != nil {
		return fmt.Errorf("failed to stratify program: %w", err)
	}

	k.store = factstore.NewSimpleInMemoryStore()
	if _, err := engine.EvalStratifiedProgramWithStats(programInfo, strata, predToStratum, k.store); err != nil {
		return fmt.Errorf("failed to evaluate program: %w", err)
	}

	k.initialized = true
	return nil
}

// Query retrieves facts for a predicate, optionally filtering by a pattern.
// Accepts either a bare predicate name (e.g. "step_status") or a pattern with
// arguments (e.g. `step_status("step-a", /completed)`). Variables and _ in
// patterns are wildcards; constants must match.
func (k *Kernel) Query(predicate string) ([]Fact, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.initialized {
		return nil, fmt.Errorf("kernel not initialized")
	}

	var (
		patternFact   Fact
		hasPattern    bool
		predicateName = predicate
	)
	if idx := strings.Index(predicate, "("); idx > 0 {
		predicateName = strings.TrimSpace(predicate[:idx])
		if parsedFact, err := ParseFactString(predicate); err == nil {
			patternFact = parsedFact
			hasPattern = true
			predicateName = parsedFact.Predicate
		}
	}

	results := make([]Fact, 0)
	if k.programInfo == nil {
		return results, nil
	}

	for pred := range k.programInfo.Decls {
		if pred.Symbol != predicateName {
			continue
		}
		if hasPattern && pred.Arity != len(patternFact.Args) {
			continue
		}
		k.store.GetFacts(ast.NewQuery(pred), func(a ast.Atom) error {
			fact := atomToFact(a)
			if !hasPattern || factMatchesPattern(fact, patternFact) {
				results = append(results, fact)
			}
			return nil
		})
		break
	}

	logging.KernelDebug("Query %q returned %d facts", predicate, len(results))
	return results, nil
}

// Exists reports whether a query pattern has at least one answer.
func (k *Kernel) Exists(pattern string) (bool, error) {
	facts, err := k.Query(pattern)
	if err != nil {
		return false, err
	}
	return len(facts) > 0, nil
}

func factMatchesPattern(f, pattern Fact) bool {
	if f.Predicate != pattern.Predicate || len(f.Args) != len(pattern.Args) {
		return false
	}
	for i := range pattern.Args {
		if !patternArgMatches(pattern.Args[i], f.Args[i]) {
			return false
		}
	}
	return true
}

func patternArgMatches(pattern, value interface{}) bool {
	// Variables are represented as strings like "?X" by atomToFact.
	if s, ok := pattern.(string); ok && strings.HasPrefix(s, "?") {
		return true
	}
	return normalizeValue(pattern) == normalizeValue(value)
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return t
	default:
		return v
	}
}

// atomToFact converts a Mangle AST Atom back to our Fact type.
func atomToFact(a ast.Atom) Fact {
	args := make([]interface{}, len(a.Args))
	for i, term := range a.Args {
		args[i] = baseTermToValue(term)
	}
	return Fact{Predicate: a.Predicate.Symbol, Args: args}
}

// baseTermToValue extracts the Go value from a Mangle BaseTerm.
func baseTermToValue(term ast.BaseTerm) interface{} {
	switch t := term.(type) {
	case ast.Constant:
		switch t.Type {
		case ast.NameType:
			return t.Symbol
		case ast.StringType:
			return t.Symbol
		case ast.NumberType:
			return t.NumValue
		case ast.Float64Type:
			return t.Float64Value
		default:
			return t.Symbol
		}
	case ast.Variable:
		return fmt.Sprintf("?%s", t.Symbol)
	default:
		return fmt.Sprintf("%v", term)
	}
}

// ParseFactString parses a Mangle fact string into a Fact.
func ParseFactString(factStr string) (Fact, error) {
	programStr := factStr
	if !strings.HasSuffix(strings.TrimSpace(programStr), ".") {
		programStr += "."
	}
	parsed, err := parse.Unit(strings.NewReader(programStr))
	if err != nil {
		return Fact{}, fmt.Errorf("failed to parse fact string: %w", err)
	}
	if len(parsed.Clauses) == 0 {
		return Fact{}, fmt.Errorf("no clauses found in fact string")
	}
	return atomToFact(parsed.Clauses[0].Head), nil
}

package taskgen

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

// policyProgram is the Datalog ruleset the lifecycle evaluates over the
// current card set. Confidence travels as integer basis points so the
// threshold comparison stays exact. A dependency on an id with no card
// fact counts as incomplete, which is why incomplete_dep negates
// completed rather than matching statuses.
const policyProgram = `
Decl card(ID, Analyzer, Status).
Decl depends_on(ID, Dep).
Decl trusted_analyzer(Analyzer).
Decl card_confidence(ID, Basis).
Decl auto_approve_threshold(Basis).
Decl completed(ID).
Decl incomplete_dep(ID).
Decl actionable(ID).
Decl auto_approvable(ID).

completed(C) :- card(C, _, /completed).

incomplete_dep(C) :- depends_on(C, D), !completed(D).

actionable(C) :- card(C, _, /approved), !incomplete_dep(C).

auto_approvable(C) :-
    card(C, A, /generated),
    trusted_analyzer(A),
    card_confidence(C, Conf),
    auto_approve_threshold(T),
    :le(T, Conf).
`

// Policy evaluates the card ruleset. It is stateless: every Evaluate
// builds facts from the cards it is handed, so concurrent callers never
// share a fact store.
type Policy struct {
	trusted   []string
	threshold int64
}

// NewPolicy creates a policy with the given analyzer allowlist and
// minimum auto-approval confidence.
func NewPolicy(trusted []string, minConfidence float64) *Policy {
	return &Policy{trusted: trusted, threshold: basisPoints(minConfidence)}
}

// PolicyResult holds the derived predicates keyed by card id.
type PolicyResult struct {
	Actionable     map[string]bool
	AutoApprovable map[string]bool
}

// Evaluate derives actionable and auto_approvable over the given cards.
func (p *Policy) Evaluate(cards []types.TaskCard) (*PolicyResult, error) {
	program := p.program(cards)

	unit, err := parse.Unit(strings.NewReader(program))
	if err != nil {
		return nil, fmt.Errorf("task policy: parse: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("task policy: analyze: %w", err)
	}

	store := factstore.NewSimpleInMemoryStore()
	if _, err := mengine.EvalProgramWithStats(info, store); err != nil {
		return nil, fmt.Errorf("task policy: evaluate: %w", err)
	}

	actionable, err := collectIDs(store, "actionable")
	if err != nil {
		return nil, fmt.Errorf("task policy: query actionable: %w", err)
	}
	approvable, err := collectIDs(store, "auto_approvable")
	if err != nil {
		return nil, fmt.Errorf("task policy: query auto_approvable: %w", err)
	}

	logging.TaskGenDebug("Policy over %d cards: %d actionable, %d auto-approvable",
		len(cards), len(actionable), len(approvable))
	return &PolicyResult{Actionable: actionable, AutoApprovable: approvable}, nil
}

// program renders the ruleset plus one fact block for the current cards.
func (p *Policy) program(cards []types.TaskCard) string {
	var b strings.Builder
	b.WriteString(policyProgram)
	b.WriteString("\n")

	for _, c := range cards {
		fmt.Fprintf(&b, "card(%q, %q, /%s).\n", c.ID, c.Analyzer, c.Status)
		fmt.Fprintf(&b, "card_confidence(%q, %d).\n", c.ID, basisPoints(c.Confidence))
		for _, dep := range c.Dependencies {
			fmt.Fprintf(&b, "depends_on(%q, %q).\n", c.ID, dep)
		}
	}
	for _, analyzer := range p.trusted {
		fmt.Fprintf(&b, "trusted_analyzer(%q).\n", analyzer)
	}
	fmt.Fprintf(&b, "auto_approve_threshold(%d).\n", p.threshold)
	return b.String()
}

func collectIDs(store factstore.FactStore, predicate string) (map[string]bool, error) {
	out := make(map[string]bool)
	sym := ast.PredicateSym{Symbol: predicate, Arity: 1}
	err := store.GetFacts(ast.NewQuery(sym), func(a ast.Atom) error {
		if len(a.Args) != 1 {
			return nil
		}
		if c, ok := a.Args[0].(ast.Constant); ok && c.Type == ast.StringType {
			out[c.Symbol] = true
		}
		return nil
	})
	return out, err
}

// basisPoints converts a [0,1] confidence to integer basis points.
func basisPoints(v float64) int64 {
	return int64(math.Round(v * 10000))
}

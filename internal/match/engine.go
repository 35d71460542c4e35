// Package match provides the CEL-Go based predicate evaluation engine.
//
// Matching rules arrive as validated domain.Condition lists; the
// engine translates each list into a CEL program evaluated against a
// flattened transaction record. Comparison values are passed through
// the activation rather than inlined, so one compiled program per rule
// suffices.
package match

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine compiles and caches rule predicates.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]*Program
}

// Program is one rule's compiled predicate.
type Program struct {
	always bool
	prg    cel.Program
	params []any
}

// NewEngine creates a predicate engine.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("params", cel.ListType(cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		programs: make(map[string]*Program),
	}, nil
}

// ProgramFor returns the compiled predicate for a rule, compiling on
// first use. Rules are immutable once persisted, so a cached program
// keyed by rule id never goes stale.
func (e *Engine) ProgramFor(ruleID string, conds []domain.Condition) (*Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[ruleID]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	compiled, err := e.Compile(conds)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[ruleID] = compiled
	e.mu.Unlock()

	return compiled, nil
}

// Compile translates a condition list into an executable predicate.
// An empty list matches every record.
func (e *Engine) Compile(conds []domain.Condition) (*Program, error) {
	if len(conds) == 0 {
		return &Program{always: true}, nil
	}

	clauses := make([]string, 0, len(conds))
	params := make([]any, 0, len(conds))
	for i, cond := range conds {
		switch cond.Op {
		case domain.OpEqual:
			clauses = append(clauses, fmt.Sprintf("(%q in record) && record[%q] == params[%d]", cond.Path, cond.Path, i))
		default:
			return nil, fmt.Errorf("unsupported operator %s", cond.Op)
		}
		params = append(params, cond.Value)
	}

	expr := strings.Join(clauses, " && ")
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile predicate: %w", issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create predicate program: %w", err)
	}

	return &Program{prg: prg, params: params}, nil
}

// ProgramCount returns the number of cached programs.
func (e *Engine) ProgramCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

// Close drops all cached programs.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs = make(map[string]*Program)
	return nil
}

// Matches evaluates the predicate against a flattened record. An
// evaluation error counts as no match.
func (p *Program) Matches(record map[string]any) bool {
	if p.always {
		return true
	}

	out, _, err := p.prg.Eval(map[string]any{
		"record": record,
		"params": p.params,
	})
	if err != nil {
		return false
	}

	result, ok := out.(types.Bool)
	return ok && bool(result)
}

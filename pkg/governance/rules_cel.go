package governance

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ruleEngine compiles and caches CEL sign-off expressions.
type ruleEngine struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

func newRuleEngine() (*ruleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("total", cel.DoubleType),
		cel.Variable("total_cents", cel.IntType),
		cel.Variable("ceiling", cel.DoubleType),
		cel.Variable("ceiling_cents", cel.IntType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("association", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ruleEngine{env: env, prgCache: make(map[string]cel.Program)}, nil
}

func (r *ruleEngine) program(expr string) (cel.Program, error) {
	r.mu.RLock()
	prg, hit := r.prgCache[expr]
	r.mu.RUnlock()
	if hit {
		return prg, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double check
	if prg, hit = r.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := r.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile: rule must return bool, got %s", ast.OutputType())
	}
	p, err := r.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	r.prgCache[expr] = p
	return p, nil
}

func (r *ruleEngine) compile(expr string) error {
	_, err := r.program(expr)
	return err
}

func (r *ruleEngine) eval(expr string, input map[string]any) (bool, error) {
	prg, err := r.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval: rule returned %T, want bool", out.Value())
	}
	return b, nil
}

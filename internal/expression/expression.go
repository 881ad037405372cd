// Package expression evaluates expr-lang expressions against a workflow's
// parameters/context/step-output environment. Grounded on the teacher's
// pkg/workflow/expression.Evaluator: the same compile-and-cache shape,
// generalized from a boolean-only condition evaluator to one that also
// returns arbitrary values, since a FanOut step's collection expression
// produces a slice rather than a bool.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles and caches expr-lang programs keyed by source text.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New returns a ready-to-use Evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Eval compiles (or reuses a cached compile of) expression and runs it
// against env, returning whatever value the expression produces.
func (e *Evaluator) Eval(source string, env map[string]interface{}) (interface{}, error) {
	if source == "" {
		return nil, nil
	}
	program, err := e.compile(source)
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", source, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", source, err)
	}
	return result, nil
}

// EvalBool evaluates source and requires the result to be a bool. An empty
// source defaults to true, matching a trigger with no predicate.
func (e *Evaluator) EvalBool(source string, env map[string]interface{}) (bool, error) {
	if source == "" {
		return true, nil
	}
	result, err := e.Eval(source, env)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q must evaluate to a boolean, got %T", source, result)
	}
	return b, nil
}

// EvalSlice evaluates source and requires the result to be iterable as a
// slice, matching a FanOut step's collection expression.
func (e *Evaluator) EvalSlice(source string, env map[string]interface{}) ([]interface{}, error) {
	result, err := e.Eval(source, env)
	if err != nil {
		return nil, err
	}
	switch v := result.(type) {
	case []interface{}:
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("expression %q must evaluate to a collection, got %T", source, result)
	}
}

func (e *Evaluator) compile(source string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[source]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[source] = prog
	e.mu.Unlock()
	return prog, nil
}

// Package policy evaluates per-agent guardrails between response parsing and
// writeback. Conditions are expr-lang programs over {document, result}.
package policy

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Write  bool   // whether the writeback proceeds
	Reason string // ledger reason when the write is suppressed or tagged
	Value  any    // possibly tagged result value
}

// Evaluator compiles and caches policy conditions.
type Evaluator struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate applies an agent's policy to a parsed result. A nil policy always
// writes. Condition errors fall back to the configured fallback action.
func (e *Evaluator) Evaluate(spec *models.PolicySpec, document map[string]any, result any) Decision {
	if spec == nil {
		return Decision{Write: true, Value: result}
	}

	matched := true
	if spec.Condition != "" {
		ok, err := e.eval(spec.Condition, document, result)
		if err != nil {
			matched = false
		} else {
			matched = ok
		}
	}

	action := spec.Action
	if action == "" {
		action = "enrich"
	}
	if !matched {
		action = spec.FallbackAction
		if action == "" {
			action = "skip"
		}
	}

	if spec.SimulationMode {
		return Decision{Write: false, Reason: "policy_simulation_" + action, Value: result}
	}

	switch action {
	case "block", "skip":
		return Decision{Write: false, Reason: "policy_" + action, Value: result}
	case "tag":
		field := spec.TagField
		if field == "" {
			field = "policy_tag"
		}
		value := spec.TagValue
		if value == "" {
			value = "matched"
		}
		tagged, ok := result.(map[string]any)
		if !ok {
			tagged = map[string]any{"value": result}
		}
		tagged[field] = value
		return Decision{Write: true, Reason: "policy_tag", Value: tagged}
	default: // enrich
		return Decision{Write: true, Value: result}
	}
}

func (e *Evaluator) eval(condition string, document map[string]any, result any) (bool, error) {
	program, err := e.compiled(condition)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, map[string]any{
		"document": document,
		"result":   result,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("policy condition is not boolean: %q", condition)
	}
	return b, nil
}

func (e *Evaluator) compiled(condition string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.cache[condition]; ok {
		return p, nil
	}
	p, err := expr.Compile(condition, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile policy condition: %w", err)
	}
	e.cache[condition] = p
	return p, nil
}

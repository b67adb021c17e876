package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/songzhibin97/electron-store/types"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc registers a derived variable computed from the environment
// before every evaluation.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Evaluate evaluates the given expression against the provided environment.
// The expression must evaluate to a boolean; otherwise, an error is returned.
// The caller's map is not modified.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	e.mu.RLock()
	scope := make(map[string]interface{}, len(env)+len(e.optionsFunc))
	for k, v := range env {
		scope[k] = v
	}
	for k, f := range e.optionsFunc {
		scope[k] = f(env)
	}
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(scope), expr.AsBool())
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// RecordEnv flattens a record into the variables visible to expressions.
// Every key is present with a fixed type so one compiled program fits all
// records.
func RecordEnv(rec types.TaskNodeRecord) map[string]interface{} {
	artifacts := make(map[string]string, len(rec.Artifacts))
	for k, v := range rec.Artifacts {
		artifacts[string(k)] = v
	}

	var startedAt, completedAt time.Time
	var durationMs int64
	if rec.StartedAt != nil {
		startedAt = *rec.StartedAt
	}
	if rec.CompletedAt != nil {
		completedAt = *rec.CompletedAt
	}
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		durationMs = rec.CompletedAt.Sub(*rec.StartedAt).Milliseconds()
	}

	return map[string]interface{}{
		"id":                 int(rec.ID),
		"workflowInstanceId": int(rec.WorkflowInstanceID),
		"graphNodeIndex":     rec.GraphNodeIndex,
		"nodeType":           string(rec.NodeType),
		"name":               rec.Name,
		"status":             string(rec.Status),
		"terminal":           rec.Status.IsTerminal(),
		"storageType":        rec.StorageType,
		"storagePath":        rec.StoragePath,
		"executor":           rec.Executor,
		"attributeName":      rec.AttributeName,
		"key":                rec.Key,
		"attempt":            rec.Attempt,
		"isActive":           rec.IsActive,
		"artifacts":          artifacts,
		"createdAt":          rec.CreatedAt,
		"updatedAt":          rec.UpdatedAt,
		"started":            rec.StartedAt != nil,
		"startedAt":          startedAt,
		"completed":          rec.CompletedAt != nil,
		"completedAt":        completedAt,
		"durationMs":         durationMs,
	}
}

// Match reports whether rec satisfies expression.
func Match(e Evaluator, expression string, rec types.TaskNodeRecord) (bool, error) {
	return e.Evaluate(expression, RecordEnv(rec))
}

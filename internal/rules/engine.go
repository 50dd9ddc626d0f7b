// Package rules provides the CEL-Go based rule catalogue engine.
package rules

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine compiles and evaluates the weighted rule catalogue. The
// catalogue is ordered: triggered rules are reported in catalogue
// order regardless of evaluation scheduling. Rules are independent
// predicates, so the outcome is the same under any catalogue
// permutation.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	rules      []*CompiledRule
	index      map[string]int
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.ScoringRule
	Program cel.Program
}

// NewEngine creates a rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Rule expressions see the feature vector plus the raw
	// transaction fields.
	env, err := cel.NewEnv(
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("degraded", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		index:      make(map[string]int),
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without mutating the loaded catalogue.
func (e *Engine) ValidateRule(rule *domain.ScoringRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads a rule, replacing any loaded rule with
// the same ID while keeping its catalogue position.
func (e *Engine) LoadRule(rule *domain.ScoringRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}

	if idx, ok := e.index[rule.ID]; ok {
		e.rules[idx] = compiled
		return nil
	}
	e.index[rule.ID] = len(e.rules)
	e.rules = append(e.rules, compiled)
	return nil
}

// LoadRules compiles and loads multiple rules in order, skipping
// disabled ones.
func (e *Engine) LoadRules(catalogue []*domain.ScoringRule) error {
	for _, rule := range catalogue {
		if rule.Enabled {
			if err := e.LoadRule(rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules replaces the whole catalogue. This enables hot-reloading
// of rules from the database.
func (e *Engine) ReloadRules(catalogue []*domain.ScoringRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make([]*CompiledRule, 0, len(catalogue))
	newIndex := make(map[string]int, len(catalogue))

	for _, rule := range catalogue {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		newIndex[rule.ID] = len(newRules)
		newRules = append(newRules, compiled)
	}

	e.rules = newRules
	e.index = newIndex
	return nil
}

// EvaluateInput carries one transaction's data into rule evaluation.
type EvaluateInput struct {
	TenantID string
	TxID     string
	Features domain.FeatureVector
	Amount   float64
	Currency string
	Country  string
	Degraded bool
}

// Evaluate runs every loaded rule against the input. Rules evaluate in
// parallel; a rule whose expression fails is excluded from the
// triggered set and reported in Errored.
func (e *Engine) Evaluate(ctx context.Context, input *EvaluateInput) (*domain.RuleOutcome, error) {
	e.mu.RLock()
	rules := make([]*CompiledRule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	outcome := &domain.RuleOutcome{}
	if len(rules) == 0 {
		return outcome, nil
	}

	activation := map[string]any{
		"features": map[string]float64(input.Features),
		"amount":   input.Amount,
		"currency": input.Currency,
		"country":  input.Country,
		"degraded": input.Degraded,
	}

	type evalResult struct {
		hit bool
		err error
	}
	results := make([]evalResult, len(rules))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			out, _, err := r.Program.Eval(activation)
			if err != nil {
				results[idx] = evalResult{err: err}
				return
			}
			hit, ok := out.(types.Bool)
			if !ok {
				results[idx] = evalResult{err: fmt.Errorf("expression did not return bool")}
				return
			}
			results[idx] = evalResult{hit: bool(hit)}
		}(i, rule)
	}
	wg.Wait()

	for i, r := range rules {
		if results[i].err != nil {
			outcome.Errored = append(outcome.Errored, r.Rule.ID)
			continue
		}
		if results[i].hit {
			outcome.Triggered = append(outcome.Triggered, domain.RuleHit{
				RuleID:   r.Rule.ID,
				Category: r.Rule.Category,
				Weight:   r.Rule.Weight,
			})
			outcome.RawSum += r.Rule.Weight
		}
	}
	outcome.Score = math.Min(outcome.RawSum, 1.0)

	return outcome, nil
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// GetLoadedRules returns the loaded catalogue in order.
func (e *Engine) GetLoadedRules() []*domain.ScoringRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.ScoringRule, 0, len(e.rules))
	for _, compiled := range e.rules {
		rules = append(rules, compiled.Rule)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = nil
	e.index = make(map[string]int)
	return nil
}

func (e *Engine) compileRule(rule *domain.ScoringRule) (*CompiledRule, error) {
	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{Rule: rule, Program: program}, nil
}

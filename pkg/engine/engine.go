// Package engine evaluates IRs against a constitution version.
//
// Evaluation is a pure function of (ir, constitution_version, rules): no
// wall-clock reads, no external state. DENY is fail-closed in both
// directions — any matched DENY rule wins outright, and zero matches
// default to DENY. This purity is what makes capsule replay meaningful.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/arbiter-labs/arbiter/pkg/constitution"
	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

const (
	// interruptCheckFrequency bounds how long a predicate can run
	// between cancellation checks.
	interruptCheckFrequency = 100
	// costLimit is a hard ceiling on predicate computational complexity.
	costLimit = 10000
)

// Engine is the constitutional policy engine. Thread-safe; the only
// shared state is the compiled-program cache.
type Engine struct {
	env   *cel.Env
	store constitution.Store

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func New(store constitution.Store) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &Engine{
		env:   env,
		store: store,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate produces the Verdict for ir against its targeted constitution
// version. Deterministic: identical inputs always yield identical verdicts.
func (e *Engine) Evaluate(ctx context.Context, ir *contracts.IR) (*contracts.Verdict, error) {
	c, err := e.store.Get(ctx, ir.ConstitutionVersion)
	if err != nil {
		return nil, fmt.Errorf("load constitution %d: %w", ir.ConstitutionVersion, err)
	}
	return e.EvaluateAgainst(ctx, ir, c)
}

// EvaluateAgainst evaluates ir against an explicit constitution. Replay
// uses this entry point with the version stored in a capsule.
func (e *Engine) EvaluateAgainst(ctx context.Context, ir *contracts.IR, c *contracts.Constitution) (*contracts.Verdict, error) {
	input := map[string]any{
		"actor":   ir.Intent.Actor,
		"action":  ir.Intent.Action,
		"payload": ir.Intent.Payload,
	}

	verdict := &contracts.Verdict{
		IntentID:            ir.Intent.ID,
		ConstitutionVersion: c.Version,
		MatchedRuleIDs:      []string{},
	}

	var (
		denyRule *contracts.Rule
		bestRule *contracts.Rule
	)

	// Rules evaluate in declared order; every match contributes to
	// matched_rule_ids and risk_score.
	for i := range c.Rules {
		rule := &c.Rules[i]
		matched, err := e.matches(ctx, rule.Predicate, input)
		if err != nil {
			// A broken predicate must not silently allow: surface it.
			return nil, fmt.Errorf("rule %q predicate: %w", rule.ID, err)
		}
		if !matched {
			continue
		}
		verdict.MatchedRuleIDs = append(verdict.MatchedRuleIDs, rule.ID)
		verdict.RiskScore += rule.RiskWeight

		if rule.Verdict == contracts.OutcomeDeny {
			if denyRule == nil {
				denyRule = rule
			}
			continue
		}
		if bestRule == nil || rule.RiskWeight > bestRule.RiskWeight {
			bestRule = rule
		}
	}

	switch {
	case denyRule != nil:
		// First matched DENY wins outright over any ALLOW/CONDITIONAL.
		verdict.Outcome = contracts.OutcomeDeny
		verdict.Reason = denyReason(denyRule)
	case bestRule != nil:
		verdict.Outcome = bestRule.Verdict
		verdict.Reason = matchReason(bestRule)
	default:
		// Fail-closed default: nothing matched.
		verdict.Outcome = contracts.OutcomeDeny
		verdict.Reason = "no rule matched; constitution defaults to deny"
	}

	return verdict, nil
}

// VerdictID derives a deterministic identifier for one (intent,
// constitution_version) evaluation.
func VerdictID(intentID string, version uint64) string {
	name := fmt.Sprintf("%s:%d", intentID, version)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func (e *Engine) matches(ctx context.Context, predicate string, input map[string]any) (bool, error) {
	prg, err := e.program(predicate)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate result is not a bool")
	}
	return b, nil
}

func (e *Engine) program(predicate string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[predicate]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[predicate]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(predicate)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(interruptCheckFrequency),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.cache[predicate] = prg
	return prg, nil
}

func denyReason(r *contracts.Rule) string {
	if r.Reason != "" {
		return r.Reason
	}
	return fmt.Sprintf("denied by rule %q", r.ID)
}

func matchReason(r *contracts.Rule) string {
	if r.Reason != "" {
		return r.Reason
	}
	return fmt.Sprintf("matched rule %q", r.ID)
}

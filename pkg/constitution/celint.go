package constitution

import (
	"fmt"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// LintIssue is one determinism violation found in a rule predicate.
type LintIssue struct {
	RuleID  string
	Message string
}

// PredicateLinter rejects rule predicates that could make evaluation
// non-deterministic. Verdicts must be a pure function of the IR and the
// constitution version, so predicates may not read time, iterate maps in
// unspecified order, or carry float literals that round differently.
type PredicateLinter struct {
	env *cel.Env
}

func NewPredicateLinter() (*PredicateLinter, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &PredicateLinter{env: env}, nil
}

// Lint checks every rule predicate and returns all issues found.
func (l *PredicateLinter) Lint(rules []contracts.Rule) []LintIssue {
	var issues []LintIssue
	for _, r := range rules {
		for _, msg := range l.lintExpr(r.Predicate) {
			issues = append(issues, LintIssue{RuleID: r.ID, Message: msg})
		}
	}
	return issues
}

// LintExpr checks a single predicate source.
func (l *PredicateLinter) LintExpr(source string) []string {
	return l.lintExpr(source)
}

func (l *PredicateLinter) lintExpr(source string) []string {
	parsed, iss := l.env.Parse(source)
	if iss != nil && iss.Err() != nil {
		return []string{fmt.Sprintf("parse error: %v", iss.Err())}
	}

	var msgs []string
	expr := parsed.Expr() //nolint:staticcheck // deprecated but no alternative for AST traversal yet
	walkExpr(expr, &msgs)
	return msgs
}

func walkExpr(e *exprpb.Expr, msgs *[]string) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			*msgs = append(*msgs, "floating point literals are forbidden in predicates")
		}

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now":
			*msgs = append(*msgs, "now() is forbidden: predicates must not read time")
		case "keys", "values":
			*msgs = append(*msgs, "map iteration (keys/values) is forbidden due to non-determinism")
		}
		if call.Target != nil {
			walkExpr(call.Target, msgs)
		}
		for _, arg := range call.Args {
			walkExpr(arg, msgs)
		}

	case *exprpb.Expr_SelectExpr:
		walkExpr(k.SelectExpr.Operand, msgs)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walkExpr(el, msgs)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			walkExpr(entry.GetMapKey(), msgs)
			walkExpr(entry.GetValue(), msgs)
		}

	case *exprpb.Expr_ComprehensionExpr:
		c := k.ComprehensionExpr
		walkExpr(c.IterRange, msgs)
		walkExpr(c.AccuInit, msgs)
		walkExpr(c.LoopCondition, msgs)
		walkExpr(c.LoopStep, msgs)
		walkExpr(c.Result, msgs)
	}
}

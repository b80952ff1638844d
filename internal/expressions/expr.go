package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dagtrail/dagtrail/pkg/schema"
)

// ExprEngine evaluates expr-lang predicates. The retry analyzer refines its
// classification rules with them over a small environment of the error
// text, the reporting agent and the attempt number, e.g.
// `attempt >= 2 and text contains "quota"`.
// Undefined variables resolve to nil so rules stay permissive about the
// payload shape. Compiled programs are cached; safe for concurrent use.
type ExprEngine struct {
	programs sync.Map // expression → *vm.Program
}

// NewExprEngine creates an expr predicate engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs an expression against the data map and returns the raw
// result. Compile errors carry the VALIDATION code, runtime errors the
// EXPRESSION code.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// EvaluateBool runs a predicate and reports whether it evaluated to true.
// A non-boolean result is an EXPRESSION error: a rule predicate yielding a
// string is a bug in the rule, not a refinement.
func (e *ExprEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"expr predicate %q returned %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	if cached, ok := e.programs.Load(expression); ok {
		return cached.(*vm.Program), nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	actual, _ := e.programs.LoadOrStore(expression, prg)
	return actual.(*vm.Program), nil
}

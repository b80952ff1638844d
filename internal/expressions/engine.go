package expressions

import "context"

// Engine evaluates expressions over tracked execution data.
// Three implementations: CEL (event filters on the query surface),
// GoJQ (metadata extraction for node summaries), Expr (retry-rule
// predicates).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/shipyard/pkg/schema"
)

// Engine evaluates expressions found in pipeline definitions and config.
// Three implementations: CEL (step conditions), GoJQ (output filters),
// Expr (recovery classification rules).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool evaluates expression and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s expression %q must return a bool, got %s", e.Name(), expression, typeName(out))
	}
	return b, nil
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

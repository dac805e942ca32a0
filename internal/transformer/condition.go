package transformer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PaesslerAG/gval"
)

// language is the expression grammar shared by rule conditions, target
// conditions, and function calls embedded in mapping templates: full
// relational/logical/arithmetic operators plus the whitelisted
// function set from the mapping grammar.
var language = gval.Full(
	gval.Function("timestamp_utc", func() string {
		return time.Now().UTC().Format(time.RFC3339)
	}),
	gval.Function("len", func(v any) int {
		return collectionLen(v)
	}),
	gval.Function("sum", func(v any) float64 {
		total := 0.0
		for _, n := range toFloatSlice(v) {
			total += n
		}
		return total
	}),
	gval.Function("avg", func(v any) float64 {
		vals := toFloatSlice(v)
		if len(vals) == 0 {
			return 0
		}
		total := 0.0
		for _, n := range vals {
			total += n
		}
		return total / float64(len(vals))
	}),
	gval.Function("startswith", func(s, prefix string) bool {
		return strings.HasPrefix(s, prefix)
	}),
	gval.Function("contains", func(s, sub string) bool {
		return strings.Contains(s, sub)
	}),
)

// Condition is a compiled boolean expression, cached so repeated
// dispatch doesn't reparse the same rule's condition text.
type Condition struct {
	source string
	eval   gval.Evaluable
}

// CompileCondition parses expr. An empty expression is valid and
// always evaluates true (the "no condition" case).
func CompileCondition(expr string) (*Condition, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	ev, err := language.NewEvaluable(expr)
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expr, err)
	}
	return &Condition{source: expr, eval: ev}, nil
}

// Eval runs the condition against data/context. A nil *Condition
// (no condition declared) always evaluates true.
func (c *Condition) Eval(data map[string]any, ksiContext map[string]any) (bool, error) {
	if c == nil {
		return true, nil
	}
	params := evalParams(data, ksiContext)
	v, err := c.eval.EvalBool(context.Background(), params)
	if err != nil {
		return false, fmt.Errorf("eval condition %q: %w", c.source, err)
	}
	return v, nil
}

// String returns the original expression text.
func (c *Condition) String() string {
	if c == nil {
		return ""
	}
	return c.source
}

// evalParams builds the gval parameter scope: data fields are
// reachable both as "data.x" (condition grammar, §4.4) and spread at
// top level as bare "x" (mapping substitution grammar allows paths
// with no explicit "data." prefix); "_ksi_context" carries context
// fields for both grammars.
func evalParams(data map[string]any, ksiContext map[string]any) map[string]any {
	params := make(map[string]any, len(data)+2)
	for k, v := range data {
		params[k] = v
	}
	params["data"] = data
	params["_ksi_context"] = ksiContext
	return params
}

func collectionLen(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []any:
		return len(t)
	case map[string]any:
		return len(t)
	default:
		return 0
	}
}

func toFloatSlice(v any) []float64 {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(arr))
	for _, item := range arr {
		switch n := item.(type) {
		case float64:
			out = append(out, n)
		case int:
			out = append(out, float64(n))
		}
	}
	return out
}

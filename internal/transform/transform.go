package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/expr-lang/expr"
)

// ErrTransform marks every transformation failure so the engine can
// map it to a node failure.
var ErrTransform = errors.New("transform error")

// Apply rewrites a value with the selected engine.
//
//   - "none" (or an empty expression) returns the value unchanged.
//   - "jsonpath" extracts from the value with a $.-rooted path; no
//     match yields nil, a single match yields the value itself.
//   - "template" renders the expression as a text/template whose dot
//     is the context map plus a "value" binding; output that parses
//     as JSON is returned structured.
func Apply(value any, engine, expression string, ctx map[string]any) (any, error) {
	if engine == "" || engine == "none" || expression == "" {
		return value, nil
	}
	switch engine {
	case "jsonpath":
		out, ok, err := Extract(value, expression)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransform, err)
		}
		if !ok {
			return nil, nil
		}
		return out, nil
	case "template":
		return applyTemplate(value, expression, ctx)
	default:
		return nil, fmt.Errorf("%w: unknown engine %q", ErrTransform, engine)
	}
}

func applyTemplate(value any, expression string, ctx map[string]any) (any, error) {
	data := make(map[string]any, len(ctx)+1)
	for k, v := range ctx {
		data[k] = v
	}
	data["value"] = value

	tmpl, err := template.New("arg").Option("missingkey=error").Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: parse template: %v", ErrTransform, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("%w: render template: %v", ErrTransform, err)
	}

	out := strings.TrimSpace(buf.String())
	if strings.HasPrefix(out, "{") || strings.HasPrefix(out, "[") {
		var structured any
		if err := json.Unmarshal([]byte(out), &structured); err == nil {
			return structured, nil
		}
	}
	return out, nil
}

// EvalCondition evaluates a guard expression against an ephemeral
// context map. Three shapes are accepted:
//
//   - "{{ <expr> }}" — the inner expression is compiled and evaluated
//     against the context.
//   - "$..." — a JSONPath over the context; truthy if any match.
//   - anything else — a bare comparison compiled against the context.
//
// Expressions are compiled with a whitelisted grammar; there is no
// raw evaluator and no access outside the context map.
func EvalCondition(condition string, ctx map[string]any) (bool, error) {
	cond := strings.TrimSpace(condition)
	if cond == "" {
		return false, fmt.Errorf("%w: empty condition", ErrTransform)
	}

	if strings.HasPrefix(cond, "{{") && strings.HasSuffix(cond, "}}") {
		inner := strings.TrimSpace(cond[2 : len(cond)-2])
		return evalExpr(inner, ctx)
	}

	if strings.HasPrefix(cond, "$") {
		out, ok, err := Extract(ctx, cond)
		if err != nil {
			return false, err
		}
		return ok && truthy(out), nil
	}

	return evalExpr(cond, ctx)
}

func evalExpr(code string, ctx map[string]any) (bool, error) {
	program, err := expr.Compile(code, expr.Env(ctx))
	if err != nil {
		return false, fmt.Errorf("%w: compile %q: %v", ErrTransform, code, err)
	}
	out, err := expr.Run(program, ctx)
	if err != nil {
		return false, fmt.Errorf("%w: evaluate %q: %v", ErrTransform, code, err)
	}
	return truthy(out), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

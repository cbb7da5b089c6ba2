// Package transform resolves argument templates, JSONPath extraction,
// and condition expressions for skill execution.
package transform

import (
	"fmt"
	"strconv"
	"strings"
)

// Placeholder is the parsed form of one leaf in an args_template.
// Leaves are parsed once at skill-load time, not per execution.
type Placeholder interface {
	isPlaceholder()
}

// Literal passes a value through untouched.
type Literal struct{ Value any }

// InputRef resolves a dotted path against the run's inputs
// ($inputs.<path>).
type InputRef struct{ Path string }

// LoopRef resolves a variable from the active loop scope ($loop.<var>).
type LoopRef struct{ Var string }

// StepRef resolves a dotted path against a prior node's output
// (@<step>.outputs.<path>).
type StepRef struct {
	Step string
	Path string
}

func (Literal) isPlaceholder()  {}
func (InputRef) isPlaceholder() {}
func (LoopRef) isPlaceholder()  {}
func (StepRef) isPlaceholder()  {}

// ParseLeaf classifies one template leaf. Strings that do not match
// the placeholder grammar are literals; so is every non-string value.
func ParseLeaf(v any) Placeholder {
	s, ok := v.(string)
	if !ok {
		return Literal{Value: v}
	}
	switch {
	case strings.HasPrefix(s, "$inputs."):
		return InputRef{Path: strings.TrimPrefix(s, "$inputs.")}
	case strings.HasPrefix(s, "$loop."):
		return LoopRef{Var: strings.TrimPrefix(s, "$loop.")}
	case strings.HasPrefix(s, "@"):
		rest := s[1:]
		step, path, found := strings.Cut(rest, ".outputs.")
		if found && step != "" {
			return StepRef{Step: step, Path: path}
		}
		return Literal{Value: v}
	default:
		return Literal{Value: v}
	}
}

// CompileArgs walks an args_template and parses every leaf into its
// placeholder form. Maps and slices are traversed; everything else is
// a leaf.
func CompileArgs(template map[string]any) map[string]any {
	out := make(map[string]any, len(template))
	for k, v := range template {
		out[k] = compileValue(v)
	}
	return out
}

func compileValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = compileValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = compileValue(inner)
		}
		return out
	default:
		return ParseLeaf(v)
	}
}

// ResolveContext carries the state placeholders resolve against.
type ResolveContext struct {
	Inputs      map[string]any
	LoopVars    map[string]any
	NodeOutputs map[string]any
}

// ResolveArgs materialises a compiled args_template against the
// resolve context. Unresolvable references are errors.
func ResolveArgs(compiled map[string]any, ctx ResolveContext) (map[string]any, error) {
	out := make(map[string]any, len(compiled))
	for k, v := range compiled {
		resolved, err := resolveValue(v, ctx)
		if err != nil {
			return nil, fmt.Errorf("transform: arg %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v any, ctx ResolveContext) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			r, err := resolveValue(inner, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			r, err := resolveValue(inner, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case Literal:
		return t.Value, nil
	case InputRef:
		val, ok := lookupPath(ctx.Inputs, t.Path)
		if !ok {
			return nil, fmt.Errorf("input %q not found", t.Path)
		}
		return val, nil
	case LoopRef:
		val, ok := lookupPath(ctx.LoopVars, t.Var)
		if !ok {
			return nil, fmt.Errorf("loop variable %q not found", t.Var)
		}
		return val, nil
	case StepRef:
		stepOut, ok := ctx.NodeOutputs[t.Step]
		if !ok {
			return nil, fmt.Errorf("step %q has no output", t.Step)
		}
		if t.Path == "" {
			return stepOut, nil
		}
		val, ok := lookupAny(stepOut, t.Path)
		if !ok {
			return nil, fmt.Errorf("step %q output path %q not found", t.Step, t.Path)
		}
		return val, nil
	default:
		// uncompiled leaf, pass through
		return v, nil
	}
}

// lookupPath follows a dotted path through nested maps and slices.
func lookupPath(root map[string]any, path string) (any, bool) {
	return lookupAny(root, path)
}

func lookupAny(root any, path string) (any, bool) {
	cur := root
	for _, seg := range strings.Split(path, ".") {
		switch t := cur.(type) {
		case map[string]any:
			v, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, false
			}
			cur = t[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

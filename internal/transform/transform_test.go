package transform

import (
	"reflect"
	"testing"
)

// ── placeholder parsing ──

func TestParseLeaf(t *testing.T) {
	cases := []struct {
		in   any
		want Placeholder
	}{
		{"$inputs.x", InputRef{Path: "x"}},
		{"$inputs.user.name", InputRef{Path: "user.name"}},
		{"$loop.i", LoopRef{Var: "i"}},
		{"@A.outputs.sum", StepRef{Step: "A", Path: "sum"}},
		{"@step_1.outputs.data.items", StepRef{Step: "step_1", Path: "data.items"}},
		{"plain string", Literal{Value: "plain string"}},
		{"@not-a-ref", Literal{Value: "@not-a-ref"}},
		{42, Literal{Value: 42}},
		{nil, Literal{Value: nil}},
	}
	for _, c := range cases {
		got := ParseLeaf(c.in)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("ParseLeaf(%v) = %#v, want %#v", c.in, got, c.want)
		}
	}
}

func TestResolveArgs(t *testing.T) {
	compiled := CompileArgs(map[string]any{
		"x":      "$inputs.x",
		"nested": map[string]any{"n": "@A.outputs.result"},
		"list":   []any{"$loop.i", "literal"},
		"raw":    float64(7),
	})
	ctx := ResolveContext{
		Inputs:      map[string]any{"x": float64(2)},
		LoopVars:    map[string]any{"i": float64(1)},
		NodeOutputs: map[string]any{"A": map[string]any{"result": float64(5)}},
	}
	got, err := ResolveArgs(compiled, ctx)
	if err != nil {
		t.Fatalf("ResolveArgs: %v", err)
	}
	want := map[string]any{
		"x":      float64(2),
		"nested": map[string]any{"n": float64(5)},
		"list":   []any{float64(1), "literal"},
		"raw":    float64(7),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ResolveArgs = %#v, want %#v", got, want)
	}
}

func TestResolveArgsMissingInput(t *testing.T) {
	compiled := CompileArgs(map[string]any{"x": "$inputs.absent"})
	if _, err := ResolveArgs(compiled, ResolveContext{Inputs: map[string]any{}}); err == nil {
		t.Fatal("expected error for missing input")
	}
}

// ── JSONPath extraction ──

func TestExtract(t *testing.T) {
	doc := map[string]any{
		"result": float64(5),
		"items":  []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}},
	}

	v, ok, err := Extract(doc, "$.result")
	if err != nil || !ok {
		t.Fatalf("Extract($.result): ok=%v err=%v", ok, err)
	}
	if v != float64(5) {
		t.Errorf("Extract($.result) = %v, want 5", v)
	}

	v, ok, err = Extract(doc, "$.items[1].name")
	if err != nil || !ok {
		t.Fatalf("Extract($.items[1].name): ok=%v err=%v", ok, err)
	}
	if v != "b" {
		t.Errorf("Extract($.items[1].name) = %v, want b", v)
	}

	_, ok, err = Extract(doc, "$.absent")
	if err != nil {
		t.Fatalf("Extract($.absent): %v", err)
	}
	if ok {
		t.Error("Extract($.absent) reported a match")
	}

	if _, _, err := Extract(doc, "no-dollar"); err == nil {
		t.Error("expected error for non-$ path")
	}
}

// ── transform engines ──

func TestApplyNone(t *testing.T) {
	v, err := Apply(map[string]any{"a": 1}, "none", "", nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !reflect.DeepEqual(v, map[string]any{"a": 1}) {
		t.Errorf("Apply(none) changed the value: %#v", v)
	}
}

func TestApplyJSONPath(t *testing.T) {
	v, err := Apply(map[string]any{"a": map[string]any{"b": "deep"}}, "jsonpath", "$.a.b", nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if v != "deep" {
		t.Errorf("Apply(jsonpath) = %v, want deep", v)
	}
}

func TestApplyTemplate(t *testing.T) {
	v, err := Apply("world", "template", "hello {{.value}}", nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if v != "hello world" {
		t.Errorf("Apply(template) = %v, want hello world", v)
	}

	// output that parses as JSON comes back structured
	v, err = Apply(nil, "template", `{"n": {{.count}}}`, map[string]any{"count": 3})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := map[string]any{"n": float64(3)}
	if !reflect.DeepEqual(v, want) {
		t.Errorf("Apply(template json) = %#v, want %#v", v, want)
	}
}

func TestApplyUnknownEngine(t *testing.T) {
	if _, err := Apply("v", "xpath", "//a", nil); err == nil {
		t.Fatal("expected error for unknown engine")
	}
}

// ── condition evaluation ──

func TestEvalCondition(t *testing.T) {
	ctx := map[string]any{
		"inputs":  map[string]any{"mode": "fast", "count": float64(3)},
		"outputs": map[string]any{"done": true},
	}
	cases := []struct {
		cond string
		want bool
	}{
		{`inputs.mode == "fast"`, true},
		{`inputs.mode == "slow"`, false},
		{`{{ inputs.count > 2 }}`, true},
		{`{{ inputs.count > 5 }}`, false},
		{`$.outputs.done`, true},
		{`$.outputs.missing`, false},
	}
	for _, c := range cases {
		got, err := EvalCondition(c.cond, ctx)
		if err != nil {
			t.Errorf("EvalCondition(%q): %v", c.cond, err)
			continue
		}
		if got != c.want {
			t.Errorf("EvalCondition(%q) = %v, want %v", c.cond, got, c.want)
		}
	}
}

func TestEvalConditionErrors(t *testing.T) {
	if _, err := EvalCondition("", nil); err == nil {
		t.Error("expected error for empty condition")
	}
	if _, err := EvalCondition("inputs.mode ==", map[string]any{"inputs": map[string]any{}}); err == nil {
		t.Error("expected error for malformed expression")
	}
}

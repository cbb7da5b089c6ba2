package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/win10ogod/skillflow-mcp/internal/schema"
	"github.com/win10ogod/skillflow-mcp/internal/storage"
)

// recordedCall is one dispatch seen by the stub executor.
type recordedCall struct {
	Server string
	Tool   string
	Args   map[string]any
}

// stubExecutor routes tool dispatches to a per-tool function and
// records every call.
type stubExecutor struct {
	mu    sync.Mutex
	calls []recordedCall
	fn    map[string]func(args map[string]any) (map[string]any, error)
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{fn: map[string]func(map[string]any) (map[string]any, error){}}
}

func (s *stubExecutor) CallTool(_ context.Context, serverID, tool string, args map[string]any) (map[string]any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, recordedCall{Server: serverID, Tool: tool, Args: args})
	fn := s.fn[tool]
	s.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("stub: no handler for tool %q", tool)
	}
	return fn(args)
}

func (s *stubExecutor) callsFor(tool string) []recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedCall
	for _, c := range s.calls {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}

// stubLoader serves nested skills from a map.
type stubLoader map[string]*schema.Skill

func (l stubLoader) Get(id string) (*schema.Skill, error) {
	s, ok := l[id]
	if !ok {
		return nil, fmt.Errorf("stub: skill %q not found", id)
	}
	return s, nil
}

func newTestEngine(t *testing.T, tools ToolExecutor) (*Engine, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	return New(store, stubLoader{}, tools, 0), store
}

func testSkill(nodes []schema.SkillNode, edges []schema.SkillEdge, conc schema.Concurrency) *schema.Skill {
	return &schema.Skill{
		ID:      "test-skill",
		Name:    "Test",
		Version: 1,
		Graph:   schema.SkillGraph{Nodes: nodes, Edges: edges, Concurrency: conc},
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	}
	return 0
}

// ── linear execution ──

func TestLinearToolCallSkill(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["sum"] = func(args map[string]any) (map[string]any, error) {
		return map[string]any{"result": asFloat(args["x"]) + asFloat(args["y"])}, nil
	}
	stub.fn["negate"] = func(args map[string]any) (map[string]any, error) {
		return map[string]any{"result": -asFloat(args["n"])}, nil
	}
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{
			ID: "A", Kind: schema.NodeToolCall, Server: "srv1", Tool: "sum",
			ArgsTemplate:  map[string]any{"x": "$inputs.x", "y": "$inputs.y"},
			ExportOutputs: map[string]string{"sum": "$.result"},
		},
		{
			ID: "B", Kind: schema.NodeToolCall, Server: "srv1", Tool: "negate",
			ArgsTemplate:  map[string]any{"n": "@A.outputs.result"},
			ExportOutputs: map[string]string{"neg": "$.result"},
		},
	}, []schema.SkillEdge{{From: "A", To: "B"}}, schema.Concurrency{Mode: schema.Sequential})

	result, err := e.RunSkill(context.Background(), s, map[string]any{"x": 2, "y": 3})
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, result.Status)
	assert.Equal(t, 5.0, asFloat(result.Outputs["sum"]))
	assert.Equal(t, -5.0, asFloat(result.Outputs["neg"]))
	require.Len(t, result.NodeExecutions, 2)
	assert.Equal(t, "A", result.NodeExecutions[0].NodeID)
	assert.Equal(t, "B", result.NodeExecutions[1].NodeID)
}

func TestRunLogPersisted(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["echo"] = func(args map[string]any) (map[string]any, error) { return args, nil }
	e, store := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{ID: "n1", Kind: schema.NodeToolCall, Server: "srv", Tool: "echo", ArgsTemplate: map[string]any{"v": "hello"}},
	}, nil, schema.Concurrency{Mode: schema.Sequential})

	result, err := e.RunSkill(context.Background(), s, nil)
	require.NoError(t, err)

	execs, err := store.ReadRunLog(result.RunID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "n1", execs[0].NodeID)
	assert.Equal(t, "hello", execs[0].ArgsResolved["v"])
	assert.Equal(t, schema.NodeSuccess, execs[0].Status)
}

func TestExportFailureNeverPublishesSuccess(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["emit"] = func(map[string]any) (map[string]any, error) {
		return map[string]any{"v": 1}, nil
	}
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{
			ID: "a", Kind: schema.NodeToolCall, Server: "srv", Tool: "emit",
			ExportOutputs: map[string]string{"out": "$.missing"},
		},
		{
			ID: "b", Kind: schema.NodeToolCall, Server: "srv", Tool: "emit",
			DependsOn: []string{"a"},
		},
	}, nil, schema.Concurrency{Mode: schema.Sequential})

	result, err := e.RunSkill(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunFailed, result.Status)
	assert.Empty(t, result.Outputs)

	// the node whose export failed is failed, with no recorded output
	require.Len(t, result.NodeExecutions, 1)
	assert.Equal(t, "a", result.NodeExecutions[0].NodeID)
	assert.Equal(t, schema.NodeFailed, result.NodeExecutions[0].Status)
	assert.Nil(t, result.NodeExecutions[0].Output)
	assert.Contains(t, result.NodeExecutions[0].Error, "export")

	status, err := e.GetRunStatus(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeFailed, status.NodeStatuses["a"])
	assert.Equal(t, 1, len(stub.callsFor("emit")))
}

// ── phased execution ──

func TestPhasedWithContinueFailure(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["ok"] = func(map[string]any) (map[string]any, error) { return map[string]any{"ok": true}, nil }
	stub.fn["boom"] = func(map[string]any) (map[string]any, error) { return nil, errors.New("boom") }
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{ID: "a", Kind: schema.NodeToolCall, Server: "srv", Tool: "ok"},
		{ID: "b", Kind: schema.NodeToolCall, Server: "srv", Tool: "boom", ErrorStrategy: schema.Continue},
		{ID: "c", Kind: schema.NodeToolCall, Server: "srv", Tool: "ok", DependsOn: []string{"a"}},
	}, nil, schema.Concurrency{
		Mode:   schema.Phased,
		Phases: map[string][]string{"phase1": {"a", "b"}, "phase2": {"c"}},
	})

	result, err := e.RunSkill(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunPartialFailure, result.Status)

	status, err := e.GetRunStatus(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeSuccess, status.NodeStatuses["a"])
	assert.Equal(t, schema.NodeFailed, status.NodeStatuses["b"])
	assert.Equal(t, schema.NodeSuccess, status.NodeStatuses["c"])
	assert.Equal(t, 1, status.FailedNodes)
}

func TestPhasedEmptyPhaseList(t *testing.T) {
	e, _ := newTestEngine(t, newStubExecutor())
	s := testSkill(nil, nil, schema.Concurrency{Mode: schema.Phased})
	result, err := e.RunSkill(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, result.Status)
}

// ── full parallel ──

func TestFullParallelDiamond(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["echo"] = func(args map[string]any) (map[string]any, error) { return args, nil }
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{ID: "root", Kind: schema.NodeToolCall, Server: "srv", Tool: "echo"},
		{ID: "left", Kind: schema.NodeToolCall, Server: "srv", Tool: "echo", DependsOn: []string{"root"}},
		{ID: "right", Kind: schema.NodeToolCall, Server: "srv", Tool: "echo", DependsOn: []string{"root"}},
		{ID: "join", Kind: schema.NodeToolCall, Server: "srv", Tool: "echo", DependsOn: []string{"left", "right"}},
	}, nil, schema.Concurrency{Mode: schema.FullParallel, MaxParallel: 2})

	result, err := e.RunSkill(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, result.Status)
	require.Len(t, stub.callsFor("echo"), 4)

	// join runs last
	assert.Equal(t, "join", result.NodeExecutions[len(result.NodeExecutions)-1].NodeID)
}

// Readers resolve a sibling's output step reference while unrelated
// writers keep completing; the resolution snapshot must be isolated
// from those concurrent writes.
func TestFullParallelStepRefsUnderContention(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["emit"] = func(map[string]any) (map[string]any, error) {
		return map[string]any{"v": 7.0}, nil
	}
	stub.fn["consume"] = func(args map[string]any) (map[string]any, error) {
		return map[string]any{"got": args["v"]}, nil
	}
	e, _ := newTestEngine(t, stub)

	nodes := []schema.SkillNode{
		{ID: "seed", Kind: schema.NodeToolCall, Server: "srv", Tool: "emit"},
	}
	for i := 0; i < 16; i++ {
		nodes = append(nodes,
			schema.SkillNode{
				ID: fmt.Sprintf("w%02d", i), Kind: schema.NodeToolCall, Server: "srv", Tool: "emit",
			},
			schema.SkillNode{
				ID: fmt.Sprintf("r%02d", i), Kind: schema.NodeToolCall, Server: "srv", Tool: "consume",
				ArgsTemplate: map[string]any{"v": "@seed.outputs.v"},
				DependsOn:    []string{"seed"},
			})
	}

	s := testSkill(nodes, nil, schema.Concurrency{Mode: schema.FullParallel})
	result, err := e.RunSkill(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, result.Status)

	calls := stub.callsFor("consume")
	require.Len(t, calls, 16)
	for _, c := range calls {
		assert.Equal(t, 7.0, asFloat(c.Args["v"]))
	}
}

func TestFullParallelDeadlockSkipsPending(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["boom"] = func(map[string]any) (map[string]any, error) { return nil, errors.New("boom") }
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{ID: "a", Kind: schema.NodeToolCall, Server: "srv", Tool: "boom", ErrorStrategy: schema.SkipDependents},
		{ID: "b", Kind: schema.NodeToolCall, Server: "srv", Tool: "echo", DependsOn: []string{"a"}},
		{ID: "c", Kind: schema.NodeToolCall, Server: "srv", Tool: "echo", DependsOn: []string{"b"}},
	}, nil, schema.Concurrency{Mode: schema.FullParallel})

	result, err := e.RunSkill(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunFailed, result.Status)

	status, err := e.GetRunStatus(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeFailed, status.NodeStatuses["a"])
	assert.Equal(t, schema.NodeSkipped, status.NodeStatuses["b"])
	assert.Equal(t, schema.NodeSkipped, status.NodeStatuses["c"])
}

// ── error strategies ──

func TestFailFastAbortsRun(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["boom"] = func(map[string]any) (map[string]any, error) { return nil, errors.New("boom") }
	stub.fn["echo"] = func(args map[string]any) (map[string]any, error) { return args, nil }
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{ID: "a", Kind: schema.NodeToolCall, Server: "srv", Tool: "boom"},
		{ID: "b", Kind: schema.NodeToolCall, Server: "srv", Tool: "echo", DependsOn: []string{"a"}},
	}, nil, schema.Concurrency{Mode: schema.Sequential})

	result, err := e.RunSkill(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunFailed, result.Status)
	assert.Contains(t, result.Error, "boom")
	assert.Empty(t, stub.callsFor("echo"))
}

func TestFailingDependencySkipsAll(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["boom"] = func(map[string]any) (map[string]any, error) { return nil, errors.New("boom") }
	stub.fn["echo"] = func(args map[string]any) (map[string]any, error) { return args, nil }
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{ID: "a", Kind: schema.NodeToolCall, Server: "srv", Tool: "boom", ErrorStrategy: schema.SkipDependents},
		{ID: "b", Kind: schema.NodeToolCall, Server: "srv", Tool: "echo", DependsOn: []string{"a"}},
		{ID: "c", Kind: schema.NodeToolCall, Server: "srv", Tool: "echo", DependsOn: []string{"b"}},
	}, nil, schema.Concurrency{Mode: schema.Sequential})

	result, err := e.RunSkill(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunFailed, result.Status)
	status, _ := e.GetRunStatus(result.RunID)
	assert.Equal(t, schema.NodeSkipped, status.NodeStatuses["b"])
	assert.Equal(t, schema.NodeSkipped, status.NodeStatuses["c"])
	assert.Empty(t, stub.callsFor("echo"))
}

func TestRetryEventuallySucceeds(t *testing.T) {
	var attempts int
	stub := newStubExecutor()
	stub.fn["flaky"] = func(map[string]any) (map[string]any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil
	}
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{
			ID: "a", Kind: schema.NodeToolCall, Server: "srv", Tool: "flaky",
			ErrorStrategy: schema.Retry,
			RetryConfig:   &schema.RetryConfig{MaxRetries: 3, BackoffMS: 1, BackoffMultiplier: 1},
		},
	}, nil, schema.Concurrency{Mode: schema.Sequential})

	result, err := e.RunSkill(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, result.Status)
	assert.Equal(t, 3, attempts)
	require.Len(t, result.NodeExecutions, 1)
	assert.Equal(t, 2, result.NodeExecutions[0].RetryCount)
}

func TestRetryExhaustedFailsRun(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["boom"] = func(map[string]any) (map[string]any, error) { return nil, errors.New("boom") }
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{
			ID: "a", Kind: schema.NodeToolCall, Server: "srv", Tool: "boom",
			ErrorStrategy: schema.Retry,
			RetryConfig:   &schema.RetryConfig{MaxRetries: 2, BackoffMS: 1, BackoffMultiplier: 1},
		},
	}, nil, schema.Concurrency{Mode: schema.Sequential})

	result, err := e.RunSkill(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunFailed, result.Status)
	assert.Len(t, stub.callsFor("boom"), 3)
}

// ── loops ──

func TestForRangeLoop(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["echo"] = func(args map[string]any) (map[string]any, error) { return args, nil }
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{
			ID: "L", Kind: schema.NodeLoop,
			Loop: &schema.LoopConfig{
				Kind: schema.LoopForRange, IterationVar: "i",
				RangeStart: 0, RangeEnd: 3, RangeStep: 1,
				Body: []string{"step"},
			},
		},
		{
			ID: "step", Kind: schema.NodeToolCall, Server: "srv", Tool: "echo",
			ArgsTemplate: map[string]any{"v": "$loop.i"},
		},
	}, nil, schema.Concurrency{Mode: schema.Sequential})

	result, err := e.RunSkill(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, result.Status)

	calls := stub.callsFor("echo")
	require.Len(t, calls, 3)
	for i, c := range calls {
		assert.Equal(t, float64(i), asFloat(c.Args["v"]))
	}

	// loop output carries the full per-iteration trace
	var loopOutput map[string]any
	for _, exec := range result.NodeExecutions {
		if exec.NodeID == "L" && exec.Status == schema.NodeSuccess {
			loopOutput = exec.Output
		}
	}
	require.NotNil(t, loopOutput)
	assert.Equal(t, 3, loopOutput["count"])
}

func TestForLoopEmptyCollection(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["echo"] = func(args map[string]any) (map[string]any, error) { return args, nil }
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{
			ID: "L", Kind: schema.NodeLoop,
			Loop: &schema.LoopConfig{
				Kind: schema.LoopFor, Collection: "$.inputs.items", IterationVar: "item",
				Body: []string{"step"},
			},
		},
		{ID: "step", Kind: schema.NodeToolCall, Server: "srv", Tool: "echo"},
	}, nil, schema.Concurrency{Mode: schema.Sequential})

	result, err := e.RunSkill(context.Background(), s, map[string]any{"items": []any{}})
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, result.Status)
	assert.Empty(t, stub.callsFor("echo"))
}

func TestForLoopOverCollection(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["echo"] = func(args map[string]any) (map[string]any, error) { return args, nil }
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{
			ID: "L", Kind: schema.NodeLoop,
			Loop: &schema.LoopConfig{
				Kind: schema.LoopFor, Collection: "$.inputs.items", IterationVar: "item",
				Body: []string{"step"},
			},
		},
		{
			ID: "step", Kind: schema.NodeToolCall, Server: "srv", Tool: "echo",
			ArgsTemplate: map[string]any{"v": "$loop.item"},
		},
	}, nil, schema.Concurrency{Mode: schema.Sequential})

	result, err := e.RunSkill(context.Background(), s, map[string]any{"items": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, result.Status)
	calls := stub.callsFor("echo")
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].Args["v"])
	assert.Equal(t, "b", calls[1].Args["v"])
}

func TestWhileLoopMaxIterationsTerminates(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["echo"] = func(args map[string]any) (map[string]any, error) { return args, nil }
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{
			ID: "L", Kind: schema.NodeLoop,
			Loop: &schema.LoopConfig{
				Kind: schema.LoopWhile, Condition: "true",
				Body: []string{"step"}, MaxIterations: 5,
			},
		},
		{ID: "step", Kind: schema.NodeToolCall, Server: "srv", Tool: "echo"},
	}, nil, schema.Concurrency{Mode: schema.Sequential})

	result, err := e.RunSkill(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, result.Status)
	assert.Len(t, stub.callsFor("echo"), 5)
}

// ── conditionals ──

func TestConditionalDefaultBranch(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["fast"] = func(args map[string]any) (map[string]any, error) { return args, nil }
	stub.fn["slow"] = func(args map[string]any) (map[string]any, error) { return args, nil }
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{
			ID: "C", Kind: schema.NodeConditional,
			Conditional: &schema.ConditionalConfig{
				Branches:      []schema.ConditionalBranch{{Condition: "inputs.mode == 'fast'", Nodes: []string{"f"}}},
				DefaultBranch: []string{"s"},
			},
		},
		{ID: "f", Kind: schema.NodeToolCall, Server: "srv", Tool: "fast"},
		{ID: "s", Kind: schema.NodeToolCall, Server: "srv", Tool: "slow"},
	}, nil, schema.Concurrency{Mode: schema.Sequential})

	result, err := e.RunSkill(context.Background(), s, map[string]any{"mode": "slow"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, result.Status)
	assert.Empty(t, stub.callsFor("fast"))
	assert.Len(t, stub.callsFor("slow"), 1)

	status, _ := e.GetRunStatus(result.RunID)
	assert.Equal(t, schema.NodeSuccess, status.NodeStatuses["s"])
	assert.Equal(t, schema.NodeSkipped, status.NodeStatuses["f"])
}

func TestConditionalMatchingBranch(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["fast"] = func(args map[string]any) (map[string]any, error) { return args, nil }
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{
			ID: "C", Kind: schema.NodeConditional,
			Conditional: &schema.ConditionalConfig{
				Branches: []schema.ConditionalBranch{{Condition: "inputs.mode == 'fast'", Nodes: []string{"f"}}},
			},
		},
		{ID: "f", Kind: schema.NodeToolCall, Server: "srv", Tool: "fast"},
	}, nil, schema.Concurrency{Mode: schema.Sequential})

	result, err := e.RunSkill(context.Background(), s, map[string]any{"mode": "fast"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, result.Status)
	assert.Len(t, stub.callsFor("fast"), 1)

	var condOutput map[string]any
	for _, exec := range result.NodeExecutions {
		if exec.NodeID == "C" {
			condOutput = exec.Output
		}
	}
	require.NotNil(t, condOutput)
	assert.Equal(t, "inputs.mode == 'fast'", condOutput["branch_executed"])
}

// ── nested skills ──

func TestNestedSkillCall(t *testing.T) {
	stub := newStubExecutor()
	stub.fn["sum"] = func(args map[string]any) (map[string]any, error) {
		return map[string]any{"result": asFloat(args["x"]) + asFloat(args["y"])}, nil
	}
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	inner := testSkill([]schema.SkillNode{
		{
			ID: "add", Kind: schema.NodeToolCall, Server: "srv", Tool: "sum",
			ArgsTemplate:  map[string]any{"x": "$inputs.x", "y": "$inputs.y"},
			ExportOutputs: map[string]string{"total": "$.result"},
		},
	}, nil, schema.Concurrency{Mode: schema.Sequential})
	inner.ID = "inner"

	e := New(store, stubLoader{"inner": inner}, stub, 0)

	outer := testSkill([]schema.SkillNode{
		{
			ID: "call", Kind: schema.NodeSkillCall, SkillID: "inner",
			ArgsTemplate:  map[string]any{"x": 1, "y": 2},
			ExportOutputs: map[string]string{"total": "$.total"},
		},
	}, nil, schema.Concurrency{Mode: schema.Sequential})

	result, err := e.RunSkill(context.Background(), outer, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, result.Status)
	assert.Equal(t, 3.0, asFloat(result.Outputs["total"]))
}

// ── boundaries and control ──

func TestEmptyGraphSucceeds(t *testing.T) {
	e, _ := newTestEngine(t, newStubExecutor())
	s := testSkill(nil, nil, schema.Concurrency{Mode: schema.Sequential})
	result, err := e.RunSkill(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, result.Status)
	assert.Empty(t, result.Outputs)
}

func TestInputsValidatedBeforeRun(t *testing.T) {
	e, _ := newTestEngine(t, newStubExecutor())
	s := testSkill(nil, nil, schema.Concurrency{Mode: schema.Sequential})
	s.InputsSchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{"x": map[string]any{"type": "number"}},
		"required":   []any{"x"},
	}
	_, err := e.RunSkill(context.Background(), s, map[string]any{})
	require.Error(t, err)
}

func TestCancelRun(t *testing.T) {
	started := make(chan struct{})
	resume := make(chan struct{})
	stub := newStubExecutor()
	var once sync.Once
	stub.fn["slow"] = func(args map[string]any) (map[string]any, error) {
		once.Do(func() { close(started) })
		<-resume
		return args, nil
	}
	e, _ := newTestEngine(t, stub)

	s := testSkill([]schema.SkillNode{
		{ID: "a", Kind: schema.NodeToolCall, Server: "srv", Tool: "slow"},
		{ID: "b", Kind: schema.NodeToolCall, Server: "srv", Tool: "slow", DependsOn: []string{"a"}},
	}, nil, schema.Concurrency{Mode: schema.Sequential})

	results := make(chan *schema.SkillRunResult, 1)
	go func() {
		result, err := e.RunSkill(context.Background(), s, nil)
		if err == nil {
			results <- result
		}
	}()

	<-started
	runs := e.ActiveRuns()
	require.Len(t, runs, 1)
	require.NoError(t, e.CancelRun(runs[0]))
	close(resume)

	select {
	case result := <-results:
		assert.Equal(t, schema.RunCancelled, result.Status)
		// b never launched
		assert.Len(t, stub.callsFor("slow"), 1)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancellation")
	}
}

func TestCancelUnknownRun(t *testing.T) {
	e, _ := newTestEngine(t, newStubExecutor())
	require.Error(t, e.CancelRun("run_missing"))
	_, err := e.GetRunStatus("run_missing")
	require.ErrorIs(t, err, storage.ErrRunNotFound)
}

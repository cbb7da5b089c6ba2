package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/win10ogod/skillflow-mcp/internal/schema"
	"github.com/win10ogod/skillflow-mcp/internal/transform"
)

// runNode executes one node through its error strategy and appends the
// run-log record. The returned error is errFailFast when scheduling
// must stop; all other failures are absorbed by the strategy.
func (e *Engine) runNode(ctx context.Context, rc *runContext, node *schema.SkillNode) error {
	rc.setStatus(node.ID, schema.NodeRunning)
	started := time.Now().UTC()

	retry := schema.DefaultRetryConfig()
	if node.RetryConfig != nil {
		retry = node.RetryConfig
	}
	attempts := 1
	if node.ErrorStrategy == schema.Retry {
		attempts = retry.MaxRetries + 1
	}

	var (
		output   map[string]any
		resolved map[string]any
		err      error
		retries  int
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			retries = attempt
			delay := time.Duration(float64(retry.BackoffMS)*math.Pow(retry.BackoffMultiplier, float64(attempt-1))) * time.Millisecond
			log.Printf("[Engine] Run %s: retrying node %q in %s (attempt %d/%d)",
				rc.runID, node.ID, delay, attempt+1, attempts)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				err = ctx.Err()
			}
			if err != nil && ctx.Err() != nil {
				break
			}
		}
		output, resolved, err = e.executeNode(ctx, rc, node)
		if err == nil {
			break
		}
	}

	ended := time.Now().UTC()
	if err == nil {
		// exports must land before the node becomes observable as
		// succeeded; an export failure is a node failure
		err = e.exportOutputs(rc, node, output)
	}
	if err == nil {
		rc.mu.Lock()
		rc.nodeOutputs[node.ID] = output
		rc.statuses[node.ID] = schema.NodeSuccess
		rc.mu.Unlock()
		e.appendExec(rc, node, schema.NodeSuccess, started, ended, resolved, output, "", retries)
		return nil
	}

	rc.setStatus(node.ID, schema.NodeFailed)
	e.appendExec(rc, node, schema.NodeFailed, started, ended, resolved, nil, err.Error(), retries)
	log.Printf("[Engine] Run %s: node %q failed (%s): %v", rc.runID, node.ID, node.ErrorStrategy, err)

	switch node.ErrorStrategy {
	case schema.SkipDependents:
		return nil
	case schema.Continue:
		rc.mu.Lock()
		rc.nodeOutputs[node.ID] = map[string]any{}
		rc.mu.Unlock()
		return nil
	default: // fail_fast, and retry once exhausted
		rc.mu.Lock()
		if rc.runErr == "" {
			rc.runErr = fmt.Sprintf("node %q: %v", node.ID, err)
		}
		rc.mu.Unlock()
		return errFailFast
	}
}

// executeNode resolves arguments and dispatches on the node kind.
func (e *Engine) executeNode(ctx context.Context, rc *runContext, node *schema.SkillNode) (map[string]any, map[string]any, error) {
	resolved, err := e.resolveArgs(rc, node)
	if err != nil {
		return nil, nil, err
	}

	var output map[string]any
	switch node.Kind {
	case schema.NodeToolCall:
		output, err = e.callTool(ctx, node, resolved)
	case schema.NodeSkillCall:
		output, err = e.callSkill(ctx, node, resolved)
	case schema.NodeConditional:
		output, err = e.runConditional(ctx, rc, node, resolved)
	case schema.NodeLoop:
		output, err = e.runLoop(ctx, rc, node)
	default:
		err = fmt.Errorf("engine: node %q has unknown kind %q", node.ID, node.Kind)
	}
	if err != nil {
		return nil, resolved, err
	}
	return output, resolved, nil
}

// resolveArgs materialises the node's args_template against the run
// state, then applies the optional parameter transform.
func (e *Engine) resolveArgs(rc *runContext, node *schema.SkillNode) (map[string]any, error) {
	rc.mu.Lock()
	resolveCtx := transform.ResolveContext{
		Inputs:      cloneState(rc.inputs),
		LoopVars:    cloneState(rc.loopVars),
		NodeOutputs: cloneState(rc.nodeOutputs),
	}
	rc.mu.Unlock()

	resolved, err := transform.ResolveArgs(transform.CompileArgs(node.ArgsTemplate), resolveCtx)
	if err != nil {
		return nil, fmt.Errorf("engine: node %q: %w", node.ID, err)
	}
	if node.Transform == nil {
		return resolved, nil
	}

	transformed, err := transform.Apply(resolved, node.Transform.Engine, node.Transform.Expression, rc.conditionContext(nil))
	if err != nil {
		return nil, fmt.Errorf("engine: node %q: %w", node.ID, err)
	}
	asMap, ok := transformed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("engine: node %q: parameter transform produced %T, want object", node.ID, transformed)
	}
	return asMap, nil
}

// callTool dispatches one upstream call under the global semaphore.
func (e *Engine) callTool(ctx context.Context, node *schema.SkillNode, args map[string]any) (map[string]any, error) {
	if node.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(node.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("engine: node %q: %w", node.ID, err)
	}
	defer e.sem.Release(1)
	return e.tools.CallTool(ctx, node.Server, node.Tool, args)
}

// callSkill runs a nested skill; the nested run shares this engine's
// semaphore and its outputs become this node's output.
func (e *Engine) callSkill(ctx context.Context, node *schema.SkillNode, inputs map[string]any) (map[string]any, error) {
	nested, err := e.skills.Get(node.SkillID)
	if err != nil {
		return nil, fmt.Errorf("engine: node %q: load skill %q: %w", node.ID, node.SkillID, err)
	}
	result, err := e.RunSkill(ctx, nested, inputs)
	if err != nil {
		return nil, fmt.Errorf("engine: node %q: nested run: %w", node.ID, err)
	}
	if result.Status != schema.RunSuccess {
		return nil, fmt.Errorf("engine: node %q: nested run %s ended %s: %s",
			node.ID, result.RunID, result.Status, result.Error)
	}
	return result.Outputs, nil
}

// exportOutputs extracts the declared JSONPath slices of a node's
// output into the run-level outputs. A failed extraction leaves the
// run outputs untouched.
func (e *Engine) exportOutputs(rc *runContext, node *schema.SkillNode, output map[string]any) error {
	exported := make(map[string]any, len(node.ExportOutputs))
	for name, path := range node.ExportOutputs {
		val, ok, err := transform.Extract(output, path)
		if err != nil {
			return fmt.Errorf("engine: node %q: export %q: %w", node.ID, name, err)
		}
		if !ok {
			return fmt.Errorf("engine: node %q: export %q: path %q not found in output", node.ID, name, path)
		}
		exported[name] = val
	}
	rc.mu.Lock()
	for name, val := range exported {
		rc.outputs[name] = val
	}
	rc.mu.Unlock()
	return nil
}

// ── conditional ──

// runConditional evaluates branch guards in order and executes the
// first matching branch's nodes in-line, falling back to the default
// branch.
func (e *Engine) runConditional(ctx context.Context, rc *runContext, node *schema.SkillNode, args map[string]any) (map[string]any, error) {
	cfg := node.Conditional
	condCtx := rc.conditionContext(args)

	branch := "default"
	chosen := cfg.DefaultBranch
	for _, b := range cfg.Branches {
		matched, err := transform.EvalCondition(b.Condition, condCtx)
		if err != nil {
			return nil, fmt.Errorf("engine: node %q: condition %q: %w", node.ID, b.Condition, err)
		}
		if matched {
			branch = b.Condition
			chosen = b.Nodes
			break
		}
	}

	results, err := e.runInline(ctx, rc, node.ID, chosen)
	if err != nil {
		return nil, err
	}
	return map[string]any{"branch_executed": branch, "results": results}, nil
}

// ── loops ──

// runLoop executes the body node ids once per iteration, all shapes
// bounded by the max_iterations cap. loop_vars is cleared on exit.
func (e *Engine) runLoop(ctx context.Context, rc *runContext, node *schema.SkillNode) (map[string]any, error) {
	cfg := node.Loop
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	defer func() {
		rc.mu.Lock()
		rc.loopVars = map[string]any{}
		rc.mu.Unlock()
	}()

	iterations := []any{}
	iterate := func(vars map[string]any) error {
		rc.mu.Lock()
		rc.loopVars = vars
		rc.mu.Unlock()
		trace, err := e.runInline(ctx, rc, node.ID, cfg.Body)
		if err != nil {
			return err
		}
		iterations = append(iterations, map[string]any{"loop_vars": vars, "results": trace})
		return nil
	}

	switch cfg.Kind {
	case schema.LoopFor:
		rc.mu.Lock()
		doc := map[string]any{"inputs": cloneState(rc.inputs), "outputs": cloneState(rc.outputs)}
		rc.mu.Unlock()
		coll, ok, err := transform.Extract(doc, cfg.Collection)
		if err != nil {
			return nil, fmt.Errorf("engine: node %q: collection %q: %w", node.ID, cfg.Collection, err)
		}
		items, isList := coll.([]any)
		if ok && !isList {
			return nil, fmt.Errorf("engine: node %q: collection %q is not a list", node.ID, cfg.Collection)
		}
		for i, item := range items {
			if i >= maxIter || rc.cancelled.Load() {
				break
			}
			if err := iterate(map[string]any{cfg.IterationVar: item, "index": i}); err != nil {
				return nil, err
			}
		}

	case schema.LoopWhile:
		for i := 0; i < maxIter && !rc.cancelled.Load(); i++ {
			matched, err := transform.EvalCondition(cfg.Condition, rc.conditionContext(nil))
			if err != nil {
				return nil, fmt.Errorf("engine: node %q: condition %q: %w", node.ID, cfg.Condition, err)
			}
			if !matched {
				break
			}
			if err := iterate(map[string]any{"index": i}); err != nil {
				return nil, err
			}
		}

	case schema.LoopForRange:
		step := cfg.RangeStep
		if step == 0 {
			step = 1
		}
		iterVar := cfg.IterationVar
		if iterVar == "" {
			iterVar = "i"
		}
		i := 0
		for v := cfg.RangeStart; (step > 0 && v < cfg.RangeEnd) || (step < 0 && v > cfg.RangeEnd); v += step {
			if i >= maxIter || rc.cancelled.Load() {
				break
			}
			if err := iterate(map[string]any{iterVar: v, "index": i}); err != nil {
				return nil, err
			}
			i++
		}

	default:
		return nil, fmt.Errorf("engine: node %q: unknown loop kind %q", node.ID, cfg.Kind)
	}

	return map[string]any{"iterations": iterations, "count": len(iterations)}, nil
}

// runInline executes embedded node ids sequentially as children of the
// owning node and returns their outputs in order.
func (e *Engine) runInline(ctx context.Context, rc *runContext, ownerID string, ids []string) ([]any, error) {
	results := make([]any, 0, len(ids))
	for _, id := range ids {
		child := rc.skill.Graph.Node(id)
		if child == nil {
			return nil, fmt.Errorf("engine: node %q references unknown node %q", ownerID, id)
		}
		if err := e.runNode(ctx, rc, child); err != nil {
			return nil, fmt.Errorf("engine: node %q: child %q failed", ownerID, id)
		}
		results = append(results, rc.nodeOutput(id))
	}
	return results, nil
}

// appendExec records one per-node execution, both in the context and
// in the append-only run log. Log write failures are warned, not fatal.
func (e *Engine) appendExec(rc *runContext, node *schema.SkillNode, status schema.NodeStatus, started, ended time.Time, args, output map[string]any, errMsg string, retries int) {
	exec := schema.NodeExecution{
		RunID:        rc.runID,
		SkillID:      rc.skill.ID,
		Version:      rc.skill.Version,
		NodeID:       node.ID,
		Status:       status,
		StartedAt:    &started,
		EndedAt:      &ended,
		Server:       node.Server,
		Tool:         node.Tool,
		ArgsResolved: args,
		Output:       output,
		Error:        errMsg,
		RetryCount:   retries,
	}
	rc.mu.Lock()
	rc.execs = append(rc.execs, exec)
	rc.mu.Unlock()
	if err := e.store.AppendNodeExecution(rc.runID, rc.startedAt, &exec); err != nil {
		log.Printf("[Engine] Run %s: failed to append run log for node %q: %v", rc.runID, node.ID, err)
	}
}

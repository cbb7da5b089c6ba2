// Package engine executes skill graphs: topological scheduling over
// heterogeneous nodes with three concurrency disciplines, argument
// templating, per-node error policy, and append-only run logging.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/win10ogod/skillflow-mcp/internal/schema"
	"github.com/win10ogod/skillflow-mcp/internal/skill"
	"github.com/win10ogod/skillflow-mcp/internal/storage"
)

// DefaultMaxParallel caps in-flight tool work across all runs.
const DefaultMaxParallel = 32

// DefaultMaxIterations bounds loops whose config leaves the cap unset.
const DefaultMaxIterations = 100

// errFailFast aborts scheduling after a fail_fast node failure.
var errFailFast = errors.New("engine: fail_fast")

// ToolExecutor dispatches one upstream tool call. The façade supplies
// an implementation that routes through the client manager and the
// recording tap; tests supply stubs.
type ToolExecutor interface {
	CallTool(ctx context.Context, serverID, tool string, args map[string]any) (map[string]any, error)
}

// SkillLoader resolves nested skill_call references.
type SkillLoader interface {
	Get(skillID string) (*schema.Skill, error)
}

// Engine schedules and executes skill runs. One engine instance is
// shared by all runs; nested runs reuse its semaphore.
type Engine struct {
	store  *storage.Store
	skills SkillLoader
	tools  ToolExecutor
	sem    *semaphore.Weighted

	mu   sync.Mutex
	runs map[string]*runContext
}

// New builds an engine. maxParallel <= 0 selects the default cap.
func New(store *storage.Store, skills SkillLoader, tools ToolExecutor, maxParallel int) *Engine {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Engine{
		store:  store,
		skills: skills,
		tools:  tools,
		sem:    semaphore.NewWeighted(int64(maxParallel)),
		runs:   make(map[string]*runContext),
	}
}

// runContext is the mutable state of one run. Everything under mu;
// the cancelled flag is read lock-free in the scheduler loops.
type runContext struct {
	runID     string
	skill     *schema.Skill
	startedAt time.Time
	embedded  map[string]bool

	mu          sync.Mutex
	inputs      map[string]any
	outputs     map[string]any
	nodeOutputs map[string]any
	statuses    map[string]schema.NodeStatus
	execs       []schema.NodeExecution
	loopVars    map[string]any
	status      schema.RunStatus
	endedAt     *time.Time
	runErr      string

	cancelled atomic.Bool
}

func (rc *runContext) nodeStatus(id string) schema.NodeStatus {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.statuses[id]
}

func (rc *runContext) setStatus(id string, s schema.NodeStatus) {
	rc.mu.Lock()
	rc.statuses[id] = s
	rc.mu.Unlock()
}

func (rc *runContext) nodeOutput(id string) any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.nodeOutputs[id]
}

// cloneState shallow-copies one run-state map so it can be read after
// the lock is released. Nested values are written once, before any
// successor can observe them, so a shallow copy is enough.
func cloneState(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// conditionContext snapshots the evaluation context for guards. The
// maps are copied under the lock; evaluation happens outside it while
// sibling nodes keep writing.
func (rc *runContext) conditionContext(args map[string]any) map[string]any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	ctx := map[string]any{
		"inputs":    cloneState(rc.inputs),
		"outputs":   cloneState(rc.outputs),
		"loop_vars": cloneState(rc.loopVars),
	}
	if args != nil {
		ctx["args"] = args
	}
	return ctx
}

// RunSkill executes a skill to completion and returns the final
// result. Pre-flight failures (bad inputs) return an error; execution
// failures are encoded in the result status.
func (e *Engine) RunSkill(ctx context.Context, s *schema.Skill, inputs map[string]any) (*schema.SkillRunResult, error) {
	if s.InputsSchema != nil {
		if err := skill.ValidateInputs(s.InputsSchema, inputs); err != nil {
			return nil, err
		}
	}
	if inputs == nil {
		inputs = map[string]any{}
	}

	rc := &runContext{
		runID:       fmt.Sprintf("run_%x", uuid.New()),
		skill:       s,
		startedAt:   time.Now().UTC(),
		embedded:    embeddedNodeIDs(&s.Graph),
		inputs:      inputs,
		outputs:     map[string]any{},
		nodeOutputs: map[string]any{},
		statuses:    make(map[string]schema.NodeStatus, len(s.Graph.Nodes)),
		loopVars:    map[string]any{},
		status:      schema.RunRunning,
	}
	for _, n := range s.Graph.Nodes {
		rc.statuses[n.ID] = schema.NodePending
	}
	e.mu.Lock()
	e.runs[rc.runID] = rc
	e.mu.Unlock()
	log.Printf("[Engine] Run %s of skill %q v%d started (%d nodes, mode=%s)",
		rc.runID, s.ID, s.Version, len(s.Graph.Nodes), s.Graph.Concurrency.Mode)

	switch s.Graph.Concurrency.Mode {
	case schema.Phased:
		e.runPhased(ctx, rc)
	case schema.FullParallel:
		e.runFullParallel(ctx, rc)
	default:
		e.runSequential(ctx, rc)
	}

	return e.finalize(rc), nil
}

// finalize forces every node terminal, aggregates the run status, and
// seals the context.
func (e *Engine) finalize(rc *runContext) *schema.SkillRunResult {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	cancelled := rc.cancelled.Load()
	for id, st := range rc.statuses {
		if st.Terminal() {
			continue
		}
		if cancelled {
			rc.statuses[id] = schema.NodeCancelled
		} else {
			rc.statuses[id] = schema.NodeSkipped
		}
	}

	var succeeded, failed int
	for _, st := range rc.statuses {
		switch st {
		case schema.NodeSuccess:
			succeeded++
		case schema.NodeFailed:
			failed++
		}
	}
	switch {
	case cancelled:
		rc.status = schema.RunCancelled
	case failed == 0:
		rc.status = schema.RunSuccess
	case succeeded > 0:
		rc.status = schema.RunPartialFailure
	default:
		rc.status = schema.RunFailed
	}

	ended := time.Now().UTC()
	rc.endedAt = &ended
	log.Printf("[Engine] Run %s finished: %s (%d succeeded, %d failed)",
		rc.runID, rc.status, succeeded, failed)

	return &schema.SkillRunResult{
		RunID:          rc.runID,
		SkillID:        rc.skill.ID,
		Version:        rc.skill.Version,
		Status:         rc.status,
		StartedAt:      rc.startedAt,
		EndedAt:        ended,
		Outputs:        rc.outputs,
		Error:          rc.runErr,
		NodeExecutions: append([]schema.NodeExecution(nil), rc.execs...),
	}
}

// ── scheduling modes ──

func (e *Engine) runSequential(ctx context.Context, rc *runContext) {
	order, err := TopoOrder(&rc.skill.Graph)
	if err != nil {
		rc.mu.Lock()
		rc.runErr = err.Error()
		rc.mu.Unlock()
		return
	}
	for _, id := range order {
		if rc.embedded[id] {
			continue
		}
		if rc.cancelled.Load() {
			return
		}
		node := rc.skill.Graph.Node(id)
		if e.readyState(rc, node) != readyNow {
			rc.setStatus(id, schema.NodeSkipped)
			continue
		}
		if err := e.runNode(ctx, rc, node); errors.Is(err, errFailFast) {
			return
		}
	}
}

func (e *Engine) runPhased(ctx context.Context, rc *runContext) {
	phases := rc.skill.Graph.Concurrency.Phases
	phaseIDs := make([]string, 0, len(phases))
	for id := range phases {
		phaseIDs = append(phaseIDs, id)
	}
	sort.Strings(phaseIDs)

	tokens := e.runTokens(rc)
	for _, phaseID := range phaseIDs {
		if rc.cancelled.Load() {
			return
		}
		nodeIDs := append([]string(nil), phases[phaseID]...)
		sort.Strings(nodeIDs)

		var wg sync.WaitGroup
		var failFast atomic.Bool
		for _, id := range nodeIDs {
			if rc.embedded[id] || rc.nodeStatus(id) != schema.NodePending {
				continue
			}
			node := rc.skill.Graph.Node(id)
			if e.readyState(rc, node) != readyNow {
				rc.setStatus(id, schema.NodeSkipped)
				continue
			}
			rc.setStatus(id, schema.NodeRunning)
			wg.Add(1)
			go func(n *schema.SkillNode) {
				defer wg.Done()
				if tokens != nil {
					tokens <- struct{}{}
					defer func() { <-tokens }()
				}
				if err := e.runNode(ctx, rc, n); errors.Is(err, errFailFast) {
					failFast.Store(true)
				}
			}(node)
		}
		wg.Wait()
		if failFast.Load() {
			return
		}
	}
}

func (e *Engine) runFullParallel(ctx context.Context, rc *runContext) {
	graph := &rc.skill.Graph
	topLevel := make([]*schema.SkillNode, 0, len(graph.Nodes))
	for i := range graph.Nodes {
		if !rc.embedded[graph.Nodes[i].ID] {
			topLevel = append(topLevel, &graph.Nodes[i])
		}
	}
	sort.Slice(topLevel, func(i, j int) bool { return topLevel[i].ID < topLevel[j].ID })

	tokens := e.runTokens(rc)
	done := make(chan error)
	running := 0
	var failFast bool
	for {
		progressed := false
		if !failFast && !rc.cancelled.Load() {
			for _, node := range topLevel {
				if rc.nodeStatus(node.ID) != schema.NodePending {
					continue
				}
				switch e.readyState(rc, node) {
				case readyNow:
					rc.setStatus(node.ID, schema.NodeRunning)
					running++
					progressed = true
					go func(n *schema.SkillNode) {
						if tokens != nil {
							tokens <- struct{}{}
							defer func() { <-tokens }()
						}
						done <- e.runNode(ctx, rc, n)
					}(node)
				case deadEnd:
					rc.setStatus(node.ID, schema.NodeSkipped)
					progressed = true
				}
			}
		}
		if progressed {
			continue
		}
		if running == 0 {
			// nothing runnable, nothing in flight: remaining pending
			// nodes are deadlocked
			for _, node := range topLevel {
				if rc.nodeStatus(node.ID) == schema.NodePending {
					log.Printf("[Engine] Run %s: node %q unreachable, skipping", rc.runID, node.ID)
					rc.setStatus(node.ID, schema.NodeSkipped)
				}
			}
			return
		}
		if err := <-done; errors.Is(err, errFailFast) {
			failFast = true
		}
		running--
	}
}

// runTokens builds the per-run launch limiter, if configured.
func (e *Engine) runTokens(rc *runContext) chan struct{} {
	if mp := rc.skill.Graph.Concurrency.MaxParallel; mp > 0 {
		return make(chan struct{}, mp)
	}
	return nil
}

// ── readiness ──

type readiness int

const (
	readyNow readiness = iota // every prerequisite satisfied
	blocked                   // some prerequisite not yet terminal
	deadEnd                   // some prerequisite terminally unsatisfied
)

// readyState classifies a pending node. A prerequisite is satisfied
// when it succeeded, or when it failed under the continue strategy
// (its successors proceed as if its output were empty).
func (e *Engine) readyState(rc *runContext, node *schema.SkillNode) readiness {
	prereqs := append([]string(nil), node.DependsOn...)
	for _, edge := range rc.skill.Graph.Edges {
		if edge.To == node.ID {
			prereqs = append(prereqs, edge.From)
		}
	}
	state := readyNow
	for _, id := range prereqs {
		st := rc.nodeStatus(id)
		if st == schema.NodeSuccess {
			continue
		}
		if st == schema.NodeFailed {
			if prereq := rc.skill.Graph.Node(id); prereq != nil && prereq.ErrorStrategy == schema.Continue {
				continue
			}
			return deadEnd
		}
		if st.Terminal() {
			return deadEnd
		}
		state = blocked
	}
	return state
}

// ── control ──

// CancelRun flags a run for cancellation. The scheduler loops observe
// the flag between nodes and between phases; in-flight transport work
// is bounded by its own timeouts.
func (e *Engine) CancelRun(runID string) error {
	e.mu.Lock()
	rc, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", storage.ErrRunNotFound, runID)
	}
	rc.cancelled.Store(true)
	log.Printf("[Engine] Run %s flagged for cancellation", runID)
	return nil
}

// GetRunStatus reports the live view of a run, with the true start
// time recorded when the run began.
func (e *Engine) GetRunStatus(runID string) (*schema.SkillRunStatus, error) {
	e.mu.Lock()
	rc, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", storage.ErrRunNotFound, runID)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	statuses := make(map[string]schema.NodeStatus, len(rc.statuses))
	var completed, failed int
	for id, st := range rc.statuses {
		statuses[id] = st
		if st.Terminal() {
			completed++
		}
		if st == schema.NodeFailed {
			failed++
		}
	}
	return &schema.SkillRunStatus{
		RunID:          rc.runID,
		SkillID:        rc.skill.ID,
		Version:        rc.skill.Version,
		Status:         rc.status,
		StartedAt:      rc.startedAt,
		EndedAt:        rc.endedAt,
		TotalNodes:     len(rc.statuses),
		CompletedNodes: completed,
		FailedNodes:    failed,
		NodeStatuses:   statuses,
		Error:          rc.runErr,
	}, nil
}

// ActiveRuns lists the ids of runs still in flight.
func (e *Engine) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0)
	for id, rc := range e.runs {
		rc.mu.Lock()
		running := rc.endedAt == nil
		rc.mu.Unlock()
		if running {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ReadRunLog returns the persisted per-node records of a finished or
// in-flight run.
func (e *Engine) ReadRunLog(runID string) ([]schema.NodeExecution, error) {
	return e.store.ReadRunLog(runID)
}

// Package schema defines the persisted data model shared by recording,
// skills, runs, and the server registry.
package schema

import "time"

// ToolCallStatus is the outcome of one captured upstream call.
type ToolCallStatus string

const (
	CallSuccess   ToolCallStatus = "success"
	CallError     ToolCallStatus = "error"
	CallTimeout   ToolCallStatus = "timeout"
	CallCancelled ToolCallStatus = "cancelled"
)

// ToolCallLog is a single entry in a recording session. Entries are
// immutable once appended; Index values within a session run 1..N.
type ToolCallLog struct {
	Index         int            `json:"index"`
	Timestamp     time.Time      `json:"timestamp"`
	Server        string         `json:"server"`
	Tool          string         `json:"tool"`
	Args          map[string]any `json:"args"`
	ResultSummary map[string]any `json:"result_summary,omitempty"`
	Error         string         `json:"error,omitempty"`
	DurationMS    float64        `json:"duration_ms"`
	Status        ToolCallStatus `json:"status"`
}

// RecordingSession is an ordered capture of tool calls. It is mutable
// while active (single writer, serialised by a per-session lock) and
// sealed by stop.
type RecordingSession struct {
	ID          string         `json:"id"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	ClientID    string         `json:"client_id"`
	WorkspaceID string         `json:"workspace_id"`
	Logs        []ToolCallLog  `json:"logs"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SkillAuthor identifies who created a skill.
type SkillAuthor struct {
	WorkspaceID string         `json:"workspace_id"`
	ClientID    string         `json:"client_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NodeKind discriminates the variants of a skill graph vertex.
type NodeKind string

const (
	NodeToolCall    NodeKind = "tool_call"
	NodeSkillCall   NodeKind = "skill_call"
	NodeConditional NodeKind = "conditional"
	NodeLoop        NodeKind = "loop"
)

// ErrorStrategy selects how a node failure affects the rest of the run.
type ErrorStrategy string

const (
	FailFast       ErrorStrategy = "fail_fast"
	SkipDependents ErrorStrategy = "skip_dependents"
	Retry          ErrorStrategy = "retry"
	Continue       ErrorStrategy = "continue"
)

// RetryConfig bounds the retry error strategy.
type RetryConfig struct {
	MaxRetries        int     `json:"max_retries"`
	BackoffMS         int     `json:"backoff_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// DefaultRetryConfig returns the retry policy used when a node selects
// the retry strategy without providing its own config.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{MaxRetries: 3, BackoffMS: 1000, BackoffMultiplier: 2.0}
}

// ParameterTransform optionally rewrites a node's resolved arguments
// before dispatch. Engine is one of "none", "jsonpath", "template".
type ParameterTransform struct {
	Engine     string `json:"engine"`
	Expression string `json:"expression,omitempty"`
}

// ConditionalBranch is one guarded branch of a conditional node. Nodes
// lists node ids from the enclosing graph, executed in order when the
// condition matches.
type ConditionalBranch struct {
	Condition string   `json:"condition"`
	Nodes     []string `json:"nodes"`
}

// ConditionalConfig is the payload of a conditional node.
type ConditionalConfig struct {
	Branches      []ConditionalBranch `json:"branches"`
	DefaultBranch []string            `json:"default_branch,omitempty"`
}

// LoopKind selects the loop shape.
type LoopKind string

const (
	LoopFor      LoopKind = "for"
	LoopWhile    LoopKind = "while"
	LoopForRange LoopKind = "for_range"
)

// LoopConfig is the payload of a loop node. Body lists node ids from
// the enclosing graph executed in order once per iteration.
type LoopConfig struct {
	Kind          LoopKind `json:"kind"`
	Collection    string   `json:"collection,omitempty"`    // for: JSONPath over {inputs, outputs}
	IterationVar  string   `json:"iteration_var,omitempty"` // for: loop variable name
	Condition     string   `json:"condition,omitempty"`     // while: re-evaluated each iteration
	RangeStart    int      `json:"range_start,omitempty"`
	RangeEnd      int      `json:"range_end,omitempty"`
	RangeStep     int      `json:"range_step,omitempty"`
	Body          []string `json:"body"`
	MaxIterations int      `json:"max_iterations,omitempty"`
}

// SkillNode is a vertex in a skill graph. Kind-specific payloads are
// pointers so only the relevant variant is populated.
type SkillNode struct {
	ID            string             `json:"id"`
	Kind          NodeKind           `json:"kind"`
	Server        string             `json:"server,omitempty"`
	Tool          string             `json:"tool,omitempty"`
	ArgsTemplate  map[string]any     `json:"args_template,omitempty"`
	ExportOutputs map[string]string  `json:"export_outputs,omitempty"` // output name -> JSONPath
	DependsOn     []string           `json:"depends_on,omitempty"`
	ErrorStrategy ErrorStrategy      `json:"error_strategy,omitempty"`
	RetryConfig   *RetryConfig       `json:"retry_config,omitempty"`
	TimeoutMS     int                `json:"timeout_ms,omitempty"`
	Transform     *ParameterTransform `json:"parameter_transform,omitempty"`

	SkillID     string             `json:"skill_id,omitempty"` // skill_call
	Conditional *ConditionalConfig `json:"conditional,omitempty"`
	Loop        *LoopConfig        `json:"loop,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// SkillEdge is a directed edge in a skill graph with an optional guard
// condition.
type SkillEdge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// ConcurrencyMode selects the scheduling discipline for a run.
type ConcurrencyMode string

const (
	Sequential   ConcurrencyMode = "sequential"
	Phased       ConcurrencyMode = "phased"
	FullParallel ConcurrencyMode = "full_parallel"
)

// Concurrency is the graph-level scheduling policy. Phases maps
// phase id -> node ids; phases execute in sorted key order.
type Concurrency struct {
	Mode        ConcurrencyMode     `json:"mode"`
	Phases      map[string][]string `json:"phases,omitempty"`
	MaxParallel int                 `json:"max_parallel,omitempty"`
}

// SkillGraph is the executable DAG of a skill.
type SkillGraph struct {
	Nodes       []SkillNode `json:"nodes"`
	Edges       []SkillEdge `json:"edges,omitempty"`
	Concurrency Concurrency `json:"concurrency"`
}

// Node returns the node with the given id, or nil.
func (g *SkillGraph) Node(id string) *SkillNode {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Skill is a complete versioned skill. A (ID, Version) pair identifies
// a unique, immutable artifact on disk; updates produce Version+1.
type Skill struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Version      int            `json:"version"`
	Description  string         `json:"description"`
	Tags         []string       `json:"tags,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Author       SkillAuthor    `json:"author"`
	InputsSchema map[string]any `json:"inputs_schema"`
	OutputSchema map[string]any `json:"output_schema"`
	Graph        SkillGraph     `json:"graph"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Meta projects the lightweight listing form of a skill.
func (s *Skill) Meta() SkillMeta {
	return SkillMeta{
		ID:          s.ID,
		Name:        s.Name,
		Version:     s.Version,
		Description: s.Description,
		Tags:        s.Tags,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		Author:      s.Author,
	}
}

// SkillMeta is the lightweight skill form kept in the in-memory index
// and in skills/<id>/meta.json.
type SkillMeta struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Version     int         `json:"version"`
	Description string      `json:"description"`
	Tags        []string    `json:"tags,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Author      SkillAuthor `json:"author"`
}

// SkillFilter narrows a skill listing. All set fields AND together.
type SkillFilter struct {
	Query         string     `json:"query,omitempty"` // substring on name/description, case-insensitive
	Tags          []string   `json:"tags,omitempty"`  // set containment
	AuthorID      string     `json:"author_id,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
}

// NodeStatus is the execution status of one node within a run.
// Statuses progress pending -> running -> terminal and never regress.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSuccess   NodeStatus = "success"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// Terminal reports whether a node status is final.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSuccess, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// NodeExecution is the per-node run-log record. It carries the resolved
// arguments so template bugs can be reconstructed after the fact.
type NodeExecution struct {
	RunID        string         `json:"run_id"`
	SkillID      string         `json:"skill_id"`
	Version      int            `json:"version"`
	NodeID       string         `json:"node_id"`
	Status       NodeStatus     `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	Server       string         `json:"server,omitempty"`
	Tool         string         `json:"tool,omitempty"`
	ArgsResolved map[string]any `json:"args_resolved,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	RetryCount   int            `json:"retry_count,omitempty"`
}

// RunStatus is the overall status of a skill run.
type RunStatus string

const (
	RunPending        RunStatus = "pending"
	RunRunning        RunStatus = "running"
	RunSuccess        RunStatus = "success"
	RunPartialFailure RunStatus = "partial_failure"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
)

// SkillRunStatus is the live view of a run returned by status queries.
type SkillRunStatus struct {
	RunID          string                `json:"run_id"`
	SkillID        string                `json:"skill_id"`
	Version        int                   `json:"version"`
	Status         RunStatus             `json:"status"`
	StartedAt      time.Time             `json:"started_at"`
	EndedAt        *time.Time            `json:"ended_at,omitempty"`
	TotalNodes     int                   `json:"total_nodes"`
	CompletedNodes int                   `json:"completed_nodes"`
	FailedNodes    int                   `json:"failed_nodes"`
	NodeStatuses   map[string]NodeStatus `json:"node_statuses"`
	CurrentPhase   string                `json:"current_phase,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// SkillRunResult is the final outcome of a skill run.
type SkillRunResult struct {
	RunID          string          `json:"run_id"`
	SkillID        string          `json:"skill_id"`
	Version        int             `json:"version"`
	Status         RunStatus       `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        time.Time       `json:"ended_at"`
	Outputs        map[string]any  `json:"outputs"`
	Error          string          `json:"error,omitempty"`
	NodeExecutions []NodeExecution `json:"node_executions"`
}

// ToolDescriptor is the downstream-facing description of a tool:
// management, skill, or proxied upstream.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// TransportType is the wire transport of an upstream server.
type TransportType string

const (
	TransportStdio          TransportType = "stdio"
	TransportHTTPSSE        TransportType = "http_sse"
	TransportWebSocket      TransportType = "websocket"
	TransportStreamableHTTP TransportType = "streamable_http"
)

// ServerConfig describes one upstream MCP server. Config holds
// transport-specific keys (stdio: command, args, env; socket
// transports: url, api_key).
type ServerConfig struct {
	ServerID  string         `json:"server_id"`
	Name      string         `json:"name"`
	Transport TransportType  `json:"transport"`
	Config    map[string]any `json:"config"`
	Enabled   bool           `json:"enabled"`
	Metadata  map[string]any `json:"metadata"`
}

// Command returns the stdio command, or "" for non-stdio servers.
func (c *ServerConfig) Command() string {
	s, _ := c.Config["command"].(string)
	return s
}

// Args returns the stdio argument list.
func (c *ServerConfig) Args() []string {
	raw, _ := c.Config["args"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Env returns the stdio environment overrides.
func (c *ServerConfig) Env() map[string]string {
	raw, _ := c.Config["env"].(map[string]any)
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// URL returns the endpoint for socket transports.
func (c *ServerConfig) URL() string {
	s, _ := c.Config["url"].(string)
	return s
}

// ServerRegistry is the persisted set of upstream servers.
type ServerRegistry struct {
	Servers map[string]ServerConfig `json:"servers"`
}

// StepSelection picks a subset of a session's logs for draft
// projection: an explicit index list, or a half-open
// [StartIndex, EndIndex) range. Zero values select all logs.
type StepSelection struct {
	SessionID  string `json:"session_id"`
	Indices    []int  `json:"indices,omitempty"`
	StartIndex int    `json:"start_index,omitempty"`
	EndIndex   int    `json:"end_index,omitempty"`
}

// ExposeParamSpec exposes one leaf of the selected logs as a skill
// input. SourcePath has the form "logs[N].args.<field>".
type ExposeParamSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
	SourcePath  string         `json:"source_path"`
}

// SkillDraft is an unpersisted skill projected from a session, ready
// to be saved as version 1.
type SkillDraft struct {
	SkillID         string         `json:"skill_id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Tags            []string       `json:"tags,omitempty"`
	Graph           SkillGraph     `json:"graph"`
	InputsSchema    map[string]any `json:"inputs_schema"`
	OutputSchema    map[string]any `json:"output_schema"`
	SourceSessionID string         `json:"source_session_id"`
}

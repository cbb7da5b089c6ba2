// Package recording captures tool-call sessions and projects them
// into skill drafts.
package recording

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"github.com/win10ogod/skillflow-mcp/internal/schema"
	"github.com/win10ogod/skillflow-mcp/internal/storage"
)

// activeSession pairs an in-memory session with its own lock so
// concurrent taps on unrelated sessions never serialise on each other.
type activeSession struct {
	mu      sync.Mutex
	session *schema.RecordingSession
}

// Manager owns the session lifecycle: start, concurrent capture,
// stop-and-persist, and draft projection.
type Manager struct {
	store *storage.Store

	mu       sync.Mutex
	sessions map[string]*activeSession
}

// NewManager builds a recording manager over the store.
func NewManager(store *storage.Store) *Manager {
	return &Manager{store: store, sessions: make(map[string]*activeSession)}
}

func newSessionID(now time.Time) string {
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("session_%s_%s", now.UTC().Format("2006-01-02T15-04-05"), hex.EncodeToString(suffix))
}

// StartSession opens a new in-memory session and returns its id.
func (m *Manager) StartSession(clientID, workspaceID string, metadata map[string]any) string {
	now := time.Now().UTC()
	if workspaceID == "" {
		workspaceID = "default"
	}
	session := &schema.RecordingSession{
		ID:          newSessionID(now),
		StartedAt:   now,
		ClientID:    clientID,
		WorkspaceID: workspaceID,
		Logs:        []schema.ToolCallLog{},
		Metadata:    metadata,
	}
	m.mu.Lock()
	m.sessions[session.ID] = &activeSession{session: session}
	m.mu.Unlock()
	log.Printf("[Recording] Started session %s for client %q", session.ID, clientID)
	return session.ID
}

// Tap appends one tool-call entry to every active session. Recording
// is opt-in: without an active session the tap is a no-op, and a tap
// racing a stop is tolerated.
func (m *Manager) Tap(server, tool string, args map[string]any, resultSummary map[string]any, callErr string, durationMS float64, status schema.ToolCallStatus) {
	m.mu.Lock()
	active := make([]*activeSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.Unlock()

	for _, s := range active {
		s.mu.Lock()
		s.session.Logs = append(s.session.Logs, schema.ToolCallLog{
			Index:         len(s.session.Logs) + 1,
			Timestamp:     time.Now().UTC(),
			Server:        server,
			Tool:          tool,
			Args:          args,
			ResultSummary: resultSummary,
			Error:         callErr,
			DurationMS:    durationMS,
			Status:        status,
		})
		s.mu.Unlock()
	}
}

// StopSession seals a session, persists it, and drops the in-memory
// state and lock.
func (m *Manager) StopSession(sessionID string) (*schema.RecordingSession, error) {
	m.mu.Lock()
	active, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", storage.ErrSessionNotFound, sessionID)
	}

	active.mu.Lock()
	ended := time.Now().UTC()
	active.session.EndedAt = &ended
	session := active.session
	active.mu.Unlock()

	if err := m.store.SaveSession(session); err != nil {
		return nil, err
	}
	log.Printf("[Recording] Stopped session %s with %d log(s)", sessionID, len(session.Logs))
	return session, nil
}

// ActiveSessions lists the ids of sessions still recording.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// GetSession returns an active session's current state, or the
// persisted session when it has already been sealed.
func (m *Manager) GetSession(sessionID string) (*schema.RecordingSession, error) {
	m.mu.Lock()
	active, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		active.mu.Lock()
		defer active.mu.Unlock()
		copied := *active.session
		copied.Logs = append([]schema.ToolCallLog(nil), active.session.Logs...)
		return &copied, nil
	}
	return m.store.LoadSession(sessionID)
}

// ── draft projection ──

// ToSkillDraft projects selected session logs into a skill draft:
// one tool_call node per selected log, linear edges preserving the
// original order, and exposed parameters replaced by $inputs
// placeholders.
func (m *Manager) ToSkillDraft(sessionID, skillID, name, description string, tags []string, selection *schema.StepSelection, exposeParams []schema.ExposeParamSpec) (*schema.SkillDraft, error) {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	selected := selectLogs(session.Logs, selection)

	nodes := make([]schema.SkillNode, 0, len(selected))
	for i, entry := range selected {
		nodes = append(nodes, schema.SkillNode{
			ID:            fmt.Sprintf("step_%d", i+1),
			Kind:          schema.NodeToolCall,
			Server:        entry.Server,
			Tool:          entry.Tool,
			ArgsTemplate:  cloneArgs(entry.Args),
			ExportOutputs: map[string]string{},
		})
	}

	edges := make([]schema.SkillEdge, 0, max(len(nodes)-1, 0))
	for i := 0; i+1 < len(nodes); i++ {
		edges = append(edges, schema.SkillEdge{From: nodes[i].ID, To: nodes[i+1].ID})
	}

	if err := applyParamTemplates(nodes, exposeParams); err != nil {
		return nil, err
	}

	return &schema.SkillDraft{
		SkillID:     skillID,
		Name:        name,
		Description: description,
		Tags:        tags,
		Graph: schema.SkillGraph{
			Nodes:       nodes,
			Edges:       edges,
			Concurrency: schema.Concurrency{Mode: schema.Sequential},
		},
		InputsSchema: buildInputsSchema(exposeParams),
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"success": map[string]any{"type": "boolean"},
				"message": map[string]any{"type": "string"},
			},
		},
		SourceSessionID: sessionID,
	}, nil
}

// selectLogs picks logs by explicit 1-based indices, or by a half-open
// [start, end) range; zero selection means all logs.
func selectLogs(logs []schema.ToolCallLog, sel *schema.StepSelection) []schema.ToolCallLog {
	if sel == nil {
		return logs
	}
	if len(sel.Indices) > 0 {
		out := make([]schema.ToolCallLog, 0, len(sel.Indices))
		for _, i := range sel.Indices {
			if i >= 1 && i <= len(logs) {
				out = append(out, logs[i-1])
			}
		}
		return out
	}
	start := sel.StartIndex
	if start < 1 {
		start = 1
	}
	end := sel.EndIndex
	if end == 0 || end > len(logs)+1 {
		end = len(logs) + 1
	}
	if start >= end {
		return nil
	}
	return logs[start-1 : end-1]
}

func cloneArgs(args map[string]any) map[string]any {
	raw, err := json.Marshal(args)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// buildInputsSchema assembles the draft's inputs_schema from the
// exposed-parameter specs. A parameter is required unless its schema
// admits null.
func buildInputsSchema(params []schema.ExposeParamSpec) map[string]any {
	properties := map[string]any{}
	required := []any{}
	for _, p := range params {
		properties[p.Name] = p.Schema
		if !admitsNull(p.Schema) {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func admitsNull(doc map[string]any) bool {
	switch t := doc["type"].(type) {
	case string:
		return t == "null"
	case []any:
		for _, v := range t {
			if v == "null" {
				return true
			}
		}
	}
	return false
}

// applyParamTemplates replaces each exposed leaf with its $inputs
// placeholder. Source paths have the form "logs[N].args.<field>"
// where N is the 1-based position among the selected logs; nested
// fields below args are supported.
func applyParamTemplates(nodes []schema.SkillNode, params []schema.ExposeParamSpec) error {
	for _, p := range params {
		idx, fieldPath, err := parseSourcePath(p.SourcePath)
		if err != nil {
			log.Printf("[Recording] Skipping parameter %q: %v", p.Name, err)
			continue
		}
		if idx < 1 || idx > len(nodes) {
			log.Printf("[Recording] Skipping parameter %q: log index %d out of range", p.Name, idx)
			continue
		}
		node := &nodes[idx-1]
		raw, err := json.Marshal(node.ArgsTemplate)
		if err != nil {
			return fmt.Errorf("recording: marshal args of %q: %w", node.ID, err)
		}
		patched, err := sjson.SetBytes(raw, fieldPath, "$inputs."+p.Name)
		if err != nil {
			return fmt.Errorf("recording: expose %q at %q: %w", p.Name, p.SourcePath, err)
		}
		var updated map[string]any
		if err := json.Unmarshal(patched, &updated); err != nil {
			return fmt.Errorf("recording: decode patched args of %q: %w", node.ID, err)
		}
		node.ArgsTemplate = updated
	}
	return nil
}

// parseSourcePath splits "logs[N].args.<field...>" into the log index
// and the dotted field path below args.
func parseSourcePath(path string) (int, string, error) {
	rest, ok := strings.CutPrefix(path, "logs[")
	if !ok {
		return 0, "", fmt.Errorf("recording: source path %q must start with logs[", path)
	}
	idxStr, rest, ok := strings.Cut(rest, "]")
	if !ok {
		return 0, "", fmt.Errorf("recording: source path %q missing ]", path)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return 0, "", fmt.Errorf("recording: source path %q has non-numeric index", path)
	}
	field, ok := strings.CutPrefix(rest, ".args.")
	if !ok || field == "" {
		return 0, "", fmt.Errorf("recording: source path %q must address args.<field>", path)
	}
	return idx, field, nil
}

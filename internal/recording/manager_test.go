package recording

import (
	"regexp"
	"sync"
	"testing"

	"github.com/win10ogod/skillflow-mcp/internal/schema"
	"github.com/win10ogod/skillflow-mcp/internal/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(store)
}

func tapN(m *Manager, n int) {
	for i := 0; i < n; i++ {
		m.Tap("srv1", "echo", map[string]any{"i": i}, map[string]any{"ok": true}, "", 1.5, schema.CallSuccess)
	}
}

// ── session lifecycle ──

func TestSessionIDFormat(t *testing.T) {
	m := newTestManager(t)
	id := m.StartSession("client-1", "", nil)
	pattern := regexp.MustCompile(`^session_\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}_[0-9a-f]{8}$`)
	if !pattern.MatchString(id) {
		t.Errorf("session id %q does not match expected format", id)
	}
}

func TestTapWithoutSessionIsNoOp(t *testing.T) {
	m := newTestManager(t)
	m.Tap("srv1", "echo", nil, nil, "", 0, schema.CallSuccess)
	if got := m.ActiveSessions(); len(got) != 0 {
		t.Errorf("ActiveSessions = %v", got)
	}
}

func TestStopSealsAndPersists(t *testing.T) {
	m := newTestManager(t)
	id := m.StartSession("client-1", "ws", map[string]any{"k": "v"})
	tapN(m, 3)

	session, err := m.StopSession(id)
	if err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if session.EndedAt == nil {
		t.Error("EndedAt not sealed")
	}
	if len(session.Logs) != 3 {
		t.Errorf("Logs = %d, want 3", len(session.Logs))
	}
	if got := m.ActiveSessions(); len(got) != 0 {
		t.Errorf("session still active after stop: %v", got)
	}

	// persisted copy is readable through GetSession
	loaded, err := m.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession after stop: %v", err)
	}
	if len(loaded.Logs) != 3 || loaded.WorkspaceID != "ws" {
		t.Errorf("loaded = %+v", loaded)
	}

	if _, err := m.StopSession(id); err == nil {
		t.Error("second stop should fail")
	}
}

func TestConcurrentTapsKeepContiguousIndices(t *testing.T) {
	m := newTestManager(t)
	id := m.StartSession("client-1", "", nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tapN(m, 10)
		}()
	}
	wg.Wait()

	session, err := m.StopSession(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(session.Logs) != 100 {
		t.Fatalf("Logs = %d, want 100", len(session.Logs))
	}
	for i, entry := range session.Logs {
		if entry.Index != i+1 {
			t.Fatalf("Logs[%d].Index = %d, want %d", i, entry.Index, i+1)
		}
	}
}

func TestTapReachesAllActiveSessions(t *testing.T) {
	m := newTestManager(t)
	a := m.StartSession("c1", "", nil)
	b := m.StartSession("c2", "", nil)
	tapN(m, 2)

	for _, id := range []string{a, b} {
		session, err := m.GetSession(id)
		if err != nil {
			t.Fatal(err)
		}
		if len(session.Logs) != 2 {
			t.Errorf("session %s Logs = %d, want 2", id, len(session.Logs))
		}
	}
}

// ── draft projection ──

func recordedSession(t *testing.T, m *Manager) string {
	t.Helper()
	id := m.StartSession("client-1", "", nil)
	m.Tap("files", "read_file", map[string]any{"path": "/tmp/a.txt"}, nil, "", 1, schema.CallSuccess)
	m.Tap("files", "write_file", map[string]any{"path": "/tmp/b.txt", "content": "hi"}, nil, "", 1, schema.CallSuccess)
	m.Tap("shell", "run", map[string]any{"cmd": "ls", "opts": map[string]any{"cwd": "/tmp"}}, nil, "", 1, schema.CallSuccess)
	if _, err := m.StopSession(id); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestToSkillDraftLinearGraph(t *testing.T) {
	m := newTestManager(t)
	id := recordedSession(t, m)

	draft, err := m.ToSkillDraft(id, "copy-files", "Copy files", "reads then writes", []string{"fs"}, nil, nil)
	if err != nil {
		t.Fatalf("ToSkillDraft: %v", err)
	}
	if len(draft.Graph.Nodes) != 3 {
		t.Fatalf("Nodes = %d, want 3", len(draft.Graph.Nodes))
	}
	for i, node := range draft.Graph.Nodes {
		if want := "step_" + string(rune('1'+i)); node.ID != want {
			t.Errorf("Nodes[%d].ID = %q, want %q", i, node.ID, want)
		}
		if node.Kind != schema.NodeToolCall {
			t.Errorf("Nodes[%d].Kind = %q", i, node.Kind)
		}
	}
	if len(draft.Graph.Edges) != 2 {
		t.Fatalf("Edges = %d, want 2", len(draft.Graph.Edges))
	}
	if draft.Graph.Edges[0].From != "step_1" || draft.Graph.Edges[1].To != "step_3" {
		t.Errorf("Edges = %+v", draft.Graph.Edges)
	}
	if draft.SourceSessionID != id {
		t.Errorf("SourceSessionID = %q", draft.SourceSessionID)
	}
	if err := draft.Graph.Validate(); err != nil {
		t.Errorf("projected graph invalid: %v", err)
	}
}

func TestToSkillDraftIndexSelection(t *testing.T) {
	m := newTestManager(t)
	id := recordedSession(t, m)

	// out-of-range indices are dropped silently
	sel := &schema.StepSelection{SessionID: id, Indices: []int{3, 1, 99, 0}}
	draft, err := m.ToSkillDraft(id, "s", "s", "", nil, sel, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(draft.Graph.Nodes) != 2 {
		t.Fatalf("Nodes = %d, want 2", len(draft.Graph.Nodes))
	}
	// selection order is preserved and ids renumber from step_1
	if draft.Graph.Nodes[0].Tool != "run" || draft.Graph.Nodes[1].Tool != "read_file" {
		t.Errorf("selected tools = %q, %q", draft.Graph.Nodes[0].Tool, draft.Graph.Nodes[1].Tool)
	}
	if draft.Graph.Nodes[0].ID != "step_1" {
		t.Errorf("Nodes[0].ID = %q", draft.Graph.Nodes[0].ID)
	}
}

func TestToSkillDraftRangeSelection(t *testing.T) {
	m := newTestManager(t)
	id := recordedSession(t, m)

	sel := &schema.StepSelection{SessionID: id, StartIndex: 2}
	draft, err := m.ToSkillDraft(id, "s", "s", "", nil, sel, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(draft.Graph.Nodes) != 2 || draft.Graph.Nodes[0].Tool != "write_file" {
		t.Fatalf("range selection wrong: %+v", draft.Graph.Nodes)
	}

	sel = &schema.StepSelection{SessionID: id, StartIndex: 1, EndIndex: 2}
	draft, err = m.ToSkillDraft(id, "s", "s", "", nil, sel, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(draft.Graph.Nodes) != 1 || draft.Graph.Nodes[0].Tool != "read_file" {
		t.Fatalf("half-open range wrong: %+v", draft.Graph.Nodes)
	}
}

func TestToSkillDraftParameterExposure(t *testing.T) {
	m := newTestManager(t)
	id := recordedSession(t, m)

	params := []schema.ExposeParamSpec{
		{
			Name:       "source",
			Schema:     map[string]any{"type": "string"},
			SourcePath: "logs[1].args.path",
		},
		{
			Name:       "workdir",
			Schema:     map[string]any{"type": []any{"string", "null"}},
			SourcePath: "logs[3].args.opts.cwd",
		},
		{
			Name:       "broken",
			Schema:     map[string]any{"type": "string"},
			SourcePath: "logs[9].args.path", // out of range, skipped
		},
	}
	draft, err := m.ToSkillDraft(id, "s", "s", "", nil, nil, params)
	if err != nil {
		t.Fatalf("ToSkillDraft: %v", err)
	}

	if got := draft.Graph.Nodes[0].ArgsTemplate["path"]; got != "$inputs.source" {
		t.Errorf("step_1 path = %v, want placeholder", got)
	}
	opts, _ := draft.Graph.Nodes[2].ArgsTemplate["opts"].(map[string]any)
	if opts["cwd"] != "$inputs.workdir" {
		t.Errorf("step_3 opts.cwd = %v, want placeholder", opts["cwd"])
	}

	properties, _ := draft.InputsSchema["properties"].(map[string]any)
	if len(properties) != 3 {
		t.Errorf("properties = %v", properties)
	}
	// nullable parameter is optional, the rest are required
	required, _ := draft.InputsSchema["required"].([]any)
	if len(required) != 2 {
		t.Errorf("required = %v", required)
	}
	for _, name := range required {
		if name == "workdir" {
			t.Error("nullable parameter should not be required")
		}
	}
}

func TestToSkillDraftOutputStub(t *testing.T) {
	m := newTestManager(t)
	id := recordedSession(t, m)
	draft, err := m.ToSkillDraft(id, "s", "s", "", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	properties, _ := draft.OutputSchema["properties"].(map[string]any)
	if _, ok := properties["success"]; !ok {
		t.Errorf("OutputSchema = %v", draft.OutputSchema)
	}
}

func TestToSkillDraftUnknownSession(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.ToSkillDraft("session_missing", "s", "s", "", nil, nil, nil); err == nil {
		t.Fatal("unknown session should fail")
	}
}

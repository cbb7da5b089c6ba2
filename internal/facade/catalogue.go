package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/win10ogod/skillflow-mcp/internal/registry"
	"github.com/win10ogod/skillflow-mcp/internal/schema"
	"github.com/win10ogod/skillflow-mcp/internal/skill"
)

type managementHandler func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)

type managementTool struct {
	desc    schema.ToolDescriptor
	handler managementHandler
}

// buildCatalogue assembles the fixed management tools.
func (f *Facade) buildCatalogue() map[string]*managementTool {
	tools := []*managementTool{
		{
			desc: schema.ToolDescriptor{
				Name:        "start_recording",
				Description: "Start a new recording session capturing upstream tool calls.",
				InputSchema: objectSchema(map[string]any{
					"client_id":    map[string]any{"type": "string"},
					"workspace_id": map[string]any{"type": "string"},
					"metadata":     map[string]any{"type": "object"},
				}, nil),
			},
			handler: f.handleStartRecording,
		},
		{
			desc: schema.ToolDescriptor{
				Name:        "stop_recording",
				Description: "Stop a recording session, seal it, and persist it.",
				InputSchema: objectSchema(map[string]any{
					"session_id": map[string]any{"type": "string"},
				}, []any{"session_id"}),
			},
			handler: f.handleStopRecording,
		},
		{
			desc: schema.ToolDescriptor{
				Name:        "list_recording_sessions",
				Description: "List the ids of sessions currently recording.",
				InputSchema: objectSchema(nil, nil),
			},
			handler: f.handleListRecordingSessions,
		},
		{
			desc: schema.ToolDescriptor{
				Name:        "get_recording_session",
				Description: "Fetch a recording session, active or persisted, with its captured calls.",
				InputSchema: objectSchema(map[string]any{
					"session_id": map[string]any{"type": "string"},
				}, []any{"session_id"}),
			},
			handler: f.handleGetRecordingSession,
		},
		{
			desc: schema.ToolDescriptor{
				Name:        "create_skill_from_session",
				Description: "Distill selected steps of a recorded session into a new parameterised skill.",
				InputSchema: objectSchema(map[string]any{
					"session_id":  map[string]any{"type": "string"},
					"skill_id":    map[string]any{"type": "string"},
					"name":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"tags":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"selection": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"indices":     map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
							"start_index": map[string]any{"type": "integer"},
							"end_index":   map[string]any{"type": "integer"},
						},
					},
					"expose_params": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"name":        map[string]any{"type": "string"},
								"description": map[string]any{"type": "string"},
								"schema":      map[string]any{"type": "object"},
								"source_path": map[string]any{"type": "string"},
							},
							"required": []any{"name", "source_path"},
						},
					},
				}, []any{"session_id", "skill_id", "name"}),
			},
			handler: f.handleCreateSkillFromSession,
		},
		{
			desc: schema.ToolDescriptor{
				Name:        "list_skills",
				Description: "List stored skills, optionally filtered by query, tags, or author.",
				InputSchema: objectSchema(map[string]any{
					"query":     map[string]any{"type": "string"},
					"tags":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"author_id": map[string]any{"type": "string"},
				}, nil),
			},
			handler: f.handleListSkills,
		},
		{
			desc: schema.ToolDescriptor{
				Name:        "get_skill",
				Description: "Fetch one skill, latest or a specific version.",
				InputSchema: objectSchema(map[string]any{
					"skill_id": map[string]any{"type": "string"},
					"version":  map[string]any{"type": "integer"},
				}, []any{"skill_id"}),
			},
			handler: f.handleGetSkill,
		},
		{
			desc: schema.ToolDescriptor{
				Name:        "update_skill",
				Description: "Apply field overrides to a skill, producing a new version.",
				InputSchema: objectSchema(map[string]any{
					"skill_id":    map[string]any{"type": "string"},
					"name":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"tags":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				}, []any{"skill_id"}),
			},
			handler: f.handleUpdateSkill,
		},
		{
			desc: schema.ToolDescriptor{
				Name:        "delete_skill",
				Description: "Delete a skill from the index; hard also removes its files.",
				InputSchema: objectSchema(map[string]any{
					"skill_id": map[string]any{"type": "string"},
					"hard":     map[string]any{"type": "boolean"},
				}, []any{"skill_id"}),
			},
			handler: f.handleDeleteSkill,
		},
		{
			desc: schema.ToolDescriptor{
				Name:        "get_run_status",
				Description: "Report the live status of a skill run.",
				InputSchema: objectSchema(map[string]any{
					"run_id": map[string]any{"type": "string"},
				}, []any{"run_id"}),
			},
			handler: f.handleGetRunStatus,
		},
		{
			desc: schema.ToolDescriptor{
				Name:        "cancel_run",
				Description: "Flag a running skill run for cancellation.",
				InputSchema: objectSchema(map[string]any{
					"run_id": map[string]any{"type": "string"},
				}, []any{"run_id"}),
			},
			handler: f.handleCancelRun,
		},
		{
			desc: schema.ToolDescriptor{
				Name:        "list_servers",
				Description: "List registered upstream servers.",
				InputSchema: objectSchema(nil, nil),
			},
			handler: f.handleListServers,
		},
		{
			desc: schema.ToolDescriptor{
				Name:        "register_server",
				Description: "Register or replace an upstream server and persist the registry.",
				InputSchema: objectSchema(map[string]any{
					"server_id": map[string]any{"type": "string"},
					"config":    map[string]any{"type": "object"},
				}, []any{"server_id", "config"}),
			},
			handler: f.handleRegisterServer,
		},
		{
			desc: schema.ToolDescriptor{
				Name:        "unregister_server",
				Description: "Remove an upstream server, stopping its client if connected.",
				InputSchema: objectSchema(map[string]any{
					"server_id": map[string]any{"type": "string"},
				}, []any{"server_id"}),
			},
			handler: f.handleUnregisterServer,
		},
		{
			desc: schema.ToolDescriptor{
				Name:        "cache_stats",
				Description: "Debug probe: cache statistics, active runs, and active sessions.",
				InputSchema: objectSchema(nil, nil),
			},
			handler: f.handleCacheStats,
		},
	}

	catalogue := make(map[string]*managementTool, len(tools))
	for _, t := range tools {
		catalogue[t.desc.Name] = t
	}
	return catalogue
}

// catalogueDescriptors lists the management tools in a stable order.
func (f *Facade) catalogueDescriptors() []schema.ToolDescriptor {
	names := make([]string, 0, len(f.catalogue))
	for name := range f.catalogue {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]schema.ToolDescriptor, 0, len(names))
	for _, name := range names {
		out = append(out, f.catalogue[name].desc)
	}
	return out
}

// ── handlers ──

func (f *Facade) handleStartRecording(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	metadata, _ := args["metadata"].(map[string]any)
	id := f.recorder.StartSession(strArg(args, "client_id"), strArg(args, "workspace_id"), metadata)
	return jsonResult(map[string]any{"session_id": id})
}

func (f *Facade) handleStopRecording(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	session, err := f.recorder.StopSession(strArg(args, "session_id"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"session_id": session.ID,
		"ended_at":   session.EndedAt,
		"log_count":  len(session.Logs),
	})
}

func (f *Facade) handleListRecordingSessions(_ context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"active_sessions": f.recorder.ActiveSessions()})
}

func (f *Facade) handleGetRecordingSession(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	session, err := f.recorder.GetSession(strArg(args, "session_id"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(session)
}

func (f *Facade) handleCreateSkillFromSession(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	selection := parseSelection(args["selection"])
	params, err := parseExposeParams(args["expose_params"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	draft, err := f.recorder.ToSkillDraft(
		strArg(args, "session_id"),
		strArg(args, "skill_id"),
		strArg(args, "name"),
		strArg(args, "description"),
		strSliceArg(args, "tags"),
		selection,
		params,
	)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	author := schema.SkillAuthor{ClientID: strArg(args, "client_id"), WorkspaceID: strArg(args, "workspace_id")}
	created, err := f.skills.Create(draft, author)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"skill_id": created.ID,
		"version":  created.Version,
		"tool":     skill.SkillToolPrefix + created.ID,
		"nodes":    len(created.Graph.Nodes),
	})
}

func (f *Facade) handleListSkills(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	filter := &schema.SkillFilter{
		Query:    strArg(args, "query"),
		Tags:     strSliceArg(args, "tags"),
		AuthorID: strArg(args, "author_id"),
	}
	return jsonResult(map[string]any{"skills": f.skills.List(filter)})
}

func (f *Facade) handleGetSkill(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	skillID := strArg(args, "skill_id")
	var (
		s   *schema.Skill
		err error
	)
	if version := intArg(args, "version"); version > 0 {
		s, err = f.skills.GetVersion(skillID, version)
	} else {
		s, err = f.skills.Get(skillID)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(s)
}

func (f *Facade) handleUpdateSkill(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	var upd skill.Update
	if v, ok := args["name"].(string); ok {
		upd.Name = &v
	}
	if v, ok := args["description"].(string); ok {
		upd.Description = &v
	}
	if _, ok := args["tags"]; ok {
		tags := strSliceArg(args, "tags")
		upd.Tags = &tags
	}
	updated, err := f.skills.ApplyUpdate(strArg(args, "skill_id"), upd)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"skill_id": updated.ID, "version": updated.Version})
}

func (f *Facade) handleDeleteSkill(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	skillID := strArg(args, "skill_id")
	hard, _ := args["hard"].(bool)
	if err := f.skills.Delete(skillID, hard); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"deleted": skillID, "hard": hard})
}

func (f *Facade) handleGetRunStatus(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	status, err := f.engine.GetRunStatus(strArg(args, "run_id"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(status)
}

func (f *Facade) handleCancelRun(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	runID := strArg(args, "run_id")
	if err := f.engine.CancelRun(runID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"cancelled": runID})
}

func (f *Facade) handleListServers(_ context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"servers": f.upstreams.ListServers()})
}

func (f *Facade) handleRegisterServer(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	serverID := strArg(args, "server_id")
	entry, ok := args["config"].(map[string]any)
	if !ok {
		return mcp.NewToolResultError("register_server: config must be an object"), nil
	}
	cfg, err := registry.Normalize(serverID, entry)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	f.upstreams.RegisterServer(cfg)
	if err := f.store.SaveRegistry(f.upstreams.Registry()); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("registered %q but persisting the registry failed: %v", serverID, err)), nil
	}
	return jsonResult(map[string]any{"registered": serverID, "transport": cfg.Transport})
}

func (f *Facade) handleUnregisterServer(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	serverID := strArg(args, "server_id")
	if err := f.upstreams.UnregisterServer(serverID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := f.store.SaveRegistry(f.upstreams.Registry()); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("unregistered %q but persisting the registry failed: %v", serverID, err)), nil
	}
	return jsonResult(map[string]any{"unregistered": serverID})
}

func (f *Facade) handleCacheStats(_ context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"skill_cache":     f.cache.Stats(),
		"tool_cache":      f.upstreams.ToolCacheStats(),
		"active_runs":     f.engine.ActiveRuns(),
		"active_sessions": f.recorder.ActiveSessions(),
	})
}

// ── argument helpers ──

func objectSchema(properties map[string]any, required []any) map[string]any {
	if properties == nil {
		properties = map[string]any{}
	}
	doc := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("render result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func strArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func strSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func parseSelection(raw any) *schema.StepSelection {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	sel := &schema.StepSelection{
		StartIndex: intArg(m, "start_index"),
		EndIndex:   intArg(m, "end_index"),
	}
	if indices, ok := m["indices"].([]any); ok {
		for _, v := range indices {
			if n, ok := v.(float64); ok {
				sel.Indices = append(sel.Indices, int(n))
			}
		}
	}
	return sel
}

func parseExposeParams(raw any) ([]schema.ExposeParamSpec, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, nil
	}
	params := make([]schema.ExposeParamSpec, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expose_params[%d]: must be an object", i)
		}
		spec := schema.ExposeParamSpec{
			Name:        strArg(m, "name"),
			Description: strArg(m, "description"),
			SourcePath:  strArg(m, "source_path"),
		}
		if doc, ok := m["schema"].(map[string]any); ok {
			spec.Schema = doc
		} else {
			spec.Schema = map[string]any{"type": "string"}
		}
		if spec.Name == "" || spec.SourcePath == "" {
			return nil, fmt.Errorf("expose_params[%d]: name and source_path are required", i)
		}
		params = append(params, spec)
	}
	return params, nil
}

// Package facade is the downstream surface: it composes the tool list
// (management catalogue, stored skills, proxied upstream tools) and
// dispatches incoming calls to the right subsystem.
package facade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/win10ogod/skillflow-mcp/internal/engine"
	"github.com/win10ogod/skillflow-mcp/internal/recording"
	"github.com/win10ogod/skillflow-mcp/internal/schema"
	"github.com/win10ogod/skillflow-mcp/internal/skill"
	"github.com/win10ogod/skillflow-mcp/internal/storage"
	"github.com/win10ogod/skillflow-mcp/internal/upstream"
)

// DefaultDiscoveryTimeout bounds each per-server tool-list probe
// during tool-list assembly.
const DefaultDiscoveryTimeout = 30 * time.Second

// Upstreams is the client-manager surface the façade depends on.
type Upstreams interface {
	CallTool(ctx context.Context, serverID, tool string, args map[string]any) (map[string]any, error)
	ListTools(ctx context.Context, serverID string) ([]upstream.Tool, error)
	ListServers() []schema.ServerConfig
	GetServer(serverID string) (schema.ServerConfig, bool)
	RegisterServer(cfg schema.ServerConfig)
	UnregisterServer(serverID string) error
	DisconnectServer(serverID string)
	ResolveProxy(name string) (string, string, error)
	ProxyName(serverID, tool string, maxLen int) string
	Registry() schema.ServerRegistry
	ToolCacheStats() upstream.ToolCacheStats
}

// Executor routes engine tool dispatches through the client manager
// and the recording tap. It is also used for direct proxy calls so
// recorded sessions capture both paths identically.
type Executor struct {
	upstreams Upstreams
	recorder  *recording.Manager
}

// NewExecutor wires the shared upstream executor.
func NewExecutor(upstreams Upstreams, recorder *recording.Manager) *Executor {
	return &Executor{upstreams: upstreams, recorder: recorder}
}

// CallTool invokes one upstream tool and taps the active recording
// sessions with the outcome.
func (x *Executor) CallTool(ctx context.Context, serverID, tool string, args map[string]any) (map[string]any, error) {
	started := time.Now()
	result, err := x.upstreams.CallTool(ctx, serverID, tool, args)
	durationMS := float64(time.Since(started)) / float64(time.Millisecond)

	status := schema.CallSuccess
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		status = schema.CallError
		// deadline on our side or a request timeout inside the transport
		if ctx.Err() == context.DeadlineExceeded || errors.Is(err, upstream.ErrRequestTimeout) {
			status = schema.CallTimeout
		}
	}
	x.recorder.Tap(serverID, tool, args, summariseResult(result), errMsg, durationMS, status)
	return result, err
}

// Options tunes the façade.
type Options struct {
	NameBudget       int           // proxy-name length budget, 0 = default
	DiscoveryTimeout time.Duration // per-server tool-list probe timeout
}

// Facade glues the subsystems behind the downstream tool surface.
type Facade struct {
	skills    *skill.Manager
	engine    *engine.Engine
	upstreams Upstreams
	recorder  *recording.Manager
	executor  *Executor
	store     *storage.Store
	cache     *storage.SkillCache

	nameBudget       int
	discoveryTimeout time.Duration
	catalogue        map[string]*managementTool
}

// New builds the façade. The executor must be the same instance the
// engine dispatches through, so direct and engine-mediated calls share
// one recording tap.
func New(skills *skill.Manager, eng *engine.Engine, upstreams Upstreams, recorder *recording.Manager, executor *Executor, store *storage.Store, cache *storage.SkillCache, opts Options) *Facade {
	if opts.NameBudget <= 0 {
		opts.NameBudget = upstream.MaxProxyNameLength
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	f := &Facade{
		skills:           skills,
		engine:           eng,
		upstreams:        upstreams,
		recorder:         recorder,
		executor:         executor,
		store:            store,
		cache:            cache,
		nameBudget:       opts.NameBudget,
		discoveryTimeout: opts.DiscoveryTimeout,
	}
	f.catalogue = f.buildCatalogue()
	return f
}

// Dispatch routes one incoming tool call: skill prefix first, then
// proxy names, then the management catalogue. Unknown names produce a
// user-visible error result, never a transport failure.
func (f *Facade) Dispatch(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if skillID, ok := strings.CutPrefix(name, skill.SkillToolPrefix); ok {
		return f.dispatchSkill(ctx, skillID, args)
	}
	if upstream.IsProxyName(name) {
		return f.dispatchProxy(ctx, name, args)
	}
	if tool, ok := f.catalogue[name]; ok {
		return tool.handler(ctx, args)
	}
	return mcp.NewToolResultError(fmt.Sprintf("Unknown tool: %s", name)), nil
}

func (f *Facade) dispatchSkill(ctx context.Context, skillID string, args map[string]any) (*mcp.CallToolResult, error) {
	s, err := f.skills.Get(skillID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Skill %q: %v", skillID, err)), nil
	}
	result, err := f.engine.RunSkill(ctx, s, args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Skill %q: %v", skillID, err)), nil
	}
	rendered, err := json.MarshalIndent(map[string]any{
		"run_id":  result.RunID,
		"status":  result.Status,
		"outputs": result.Outputs,
		"error":   result.Error,
	}, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Skill %q: render result: %v", skillID, err)), nil
	}
	out := mcp.NewToolResultText(string(rendered))
	out.IsError = result.Status == schema.RunFailed
	return out, nil
}

func (f *Facade) dispatchProxy(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	serverID, tool, err := f.upstreams.ResolveProxy(name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Proxy tool %q: %v", name, err)), nil
	}
	result, err := f.executor.CallTool(ctx, serverID, tool, args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Upstream %s.%s: %v", serverID, tool, err)), nil
	}
	contents, isError := contentsFromResult(result)
	return &mcp.CallToolResult{Content: contents, IsError: isError}, nil
}

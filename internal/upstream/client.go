package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/win10ogod/skillflow-mcp/internal/schema"
)

// ProtocolVersion is the MCP revision this client speaks.
const ProtocolVersion = "2024-11-05"

// DefaultConnectTimeout bounds the initialisation handshake.
const DefaultConnectTimeout = 30 * time.Second

const (
	clientName    = "skillflow"
	clientVersion = "0.1.0"
)

// State is the lifecycle of a client connection.
type State string

const (
	StateInit      State = "init"
	StateStarting  State = "starting"
	StateConnected State = "connected"
	StateStopped   State = "stopped"
)

// Tool is one upstream tool discovered via tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// SamplingHandler answers a server-initiated sampling/createMessage.
type SamplingHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Options tunes a client beyond its server config. ToolCacheTTL is
// consumed by the manager's tool cache, not by individual clients.
type Options struct {
	RequestTimeout  time.Duration
	ConnectTimeout  time.Duration
	ToolCacheTTL    time.Duration
	Roots           []string // local directories served for roots/list
	SamplingHandler SamplingHandler
}

// Client is one connection to an upstream MCP server. Lifecycle:
// init -> starting -> connected -> stopped; any non-connected state
// forces a replacement client on next use.
type Client struct {
	cfg  schema.ServerConfig
	opts Options

	mu                sync.RWMutex
	state             State
	conn              conn
	core              *rpcCore
	serverInfo        map[string]any
	capabilities      map[string]any
	tools             []Tool
	prompts           []map[string]any
	resources         []map[string]any
	resourceTemplates []map[string]any
}

// NewClient builds a client for one server config; Start dials it.
func NewClient(cfg schema.ServerConfig, opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Client{cfg: cfg, opts: opts, state: StateInit}
}

func (c *Client) newConn() (conn, error) {
	switch c.cfg.Transport {
	case schema.TransportStdio:
		if c.cfg.Command() == "" {
			return nil, fmt.Errorf("upstream: server %q: stdio transport without command", c.cfg.ServerID)
		}
		return newStdioConn(c.cfg.ServerID, c.cfg.Command(), c.cfg.Args(), c.cfg.Env()), nil
	case schema.TransportHTTPSSE, schema.TransportStreamableHTTP:
		if c.cfg.URL() == "" {
			return nil, fmt.Errorf("upstream: server %q: %s transport without url", c.cfg.ServerID, c.cfg.Transport)
		}
		apiKey, _ := c.cfg.Config["api_key"].(string)
		return newSSEConn(c.cfg.ServerID, c.cfg.URL(), apiKey), nil
	case schema.TransportWebSocket:
		if c.cfg.URL() == "" {
			return nil, fmt.Errorf("upstream: server %q: websocket transport without url", c.cfg.ServerID)
		}
		apiKey, _ := c.cfg.Config["api_key"].(string)
		return newWSConn(c.cfg.ServerID, c.cfg.URL(), apiKey), nil
	default:
		return nil, fmt.Errorf("upstream: server %q: unsupported transport %q", c.cfg.ServerID, c.cfg.Transport)
	}
}

// Start dials the transport and runs the initialisation handshake.
// Failure to reach connected within the connect timeout stops the
// client and releases any subprocess.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return fmt.Errorf("upstream: server %q: client already started (state %s)", c.cfg.ServerID, c.state)
	}
	c.state = StateStarting
	c.mu.Unlock()

	cn, err := c.newConn()
	if err != nil {
		c.setState(StateStopped)
		return err
	}
	core := newRPCCore(c.cfg.ServerID, cn)
	core.setHandler("roots/list", c.handleRootsList)
	core.setHandler("sampling/createMessage", c.handleSampling)

	c.mu.Lock()
	c.conn = cn
	c.core = core
	c.mu.Unlock()

	if err := cn.start(ctx, core.handleMessage, func(cause error) {
		core.drain(cause)
		c.setState(StateStopped)
	}); err != nil {
		c.setState(StateStopped)
		return err
	}

	if err := c.handshake(ctx); err != nil {
		c.Stop()
		return err
	}

	c.setState(StateConnected)
	log.Printf("[Upstream:%s] Connected (%d tools)", c.cfg.ServerID, len(c.Tools()))
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"roots":    map[string]any{"listChanged": true},
			"sampling": map[string]any{},
		},
		"clientInfo": map[string]any{"name": clientName, "version": clientVersion},
	}
	raw, err := c.core.call(ctx, "initialize", params, c.opts.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("upstream: server %q: initialize: %w", c.cfg.ServerID, err)
	}
	var init struct {
		Capabilities map[string]any `json:"capabilities"`
		ServerInfo   map[string]any `json:"serverInfo"`
	}
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("upstream: server %q: decode initialize result: %w", c.cfg.ServerID, err)
	}
	c.mu.Lock()
	c.capabilities = init.Capabilities
	c.serverInfo = init.ServerInfo
	c.mu.Unlock()

	if err := c.core.notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("upstream: server %q: initialized notification: %w", c.cfg.ServerID, err)
	}

	c.discover(ctx, init.Capabilities)
	return nil
}

// discover issues the capability-gated listing calls. Failures here
// are logged and tolerated; they never block the handshake.
func (c *Client) discover(ctx context.Context, caps map[string]any) {
	if _, ok := caps["tools"]; ok {
		if tools, err := c.ListTools(ctx); err != nil {
			log.Printf("[Upstream:%s] tools/list failed: %v", c.cfg.ServerID, err)
		} else {
			c.mu.Lock()
			c.tools = tools
			c.mu.Unlock()
		}
	}
	if _, ok := caps["prompts"]; ok {
		if prompts, err := c.listRaw(ctx, "prompts/list", "prompts"); err != nil {
			log.Printf("[Upstream:%s] prompts/list failed: %v", c.cfg.ServerID, err)
		} else {
			c.mu.Lock()
			c.prompts = prompts
			c.mu.Unlock()
		}
	}
	if _, ok := caps["resources"]; ok {
		if resources, err := c.listRaw(ctx, "resources/list", "resources"); err != nil {
			log.Printf("[Upstream:%s] resources/list failed: %v", c.cfg.ServerID, err)
		} else {
			c.mu.Lock()
			c.resources = resources
			c.mu.Unlock()
		}
		if templates, err := c.listRaw(ctx, "resources/templates/list", "resourceTemplates"); err != nil {
			log.Printf("[Upstream:%s] resources/templates/list failed: %v", c.cfg.ServerID, err)
		} else {
			c.mu.Lock()
			c.resourceTemplates = templates
			c.mu.Unlock()
		}
	}
}

// ── server-initiated requests ──

func (c *Client) handleRootsList(ctx context.Context, params json.RawMessage) (any, error) {
	roots := make([]map[string]any, 0, len(c.opts.Roots))
	for _, dir := range c.opts.Roots {
		roots = append(roots, map[string]any{"uri": "file://" + dir, "name": dir})
	}
	return map[string]any{"roots": roots}, nil
}

func (c *Client) handleSampling(ctx context.Context, params json.RawMessage) (any, error) {
	c.mu.RLock()
	handler := c.opts.SamplingHandler
	c.mu.RUnlock()
	if handler == nil {
		return nil, fmt.Errorf("no sampling handler registered")
	}
	return handler(ctx, params)
}

// SetSamplingHandler installs the sampling/createMessage handler.
func (c *Client) SetSamplingHandler(h SamplingHandler) {
	c.mu.Lock()
	c.opts.SamplingHandler = h
	c.mu.Unlock()
}

// ── request API ──

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.RLock()
	core := c.core
	state := c.state
	c.mu.RUnlock()
	if core == nil || (state != StateConnected && state != StateStarting) {
		return nil, fmt.Errorf("%w: server %q (state %s)", ErrNotConnected, c.cfg.ServerID, state)
	}
	return core.call(ctx, method, params, c.opts.RequestTimeout)
}

// CallTool invokes tools/call and returns the decoded result object.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, fmt.Errorf("upstream: server %q: call tool %q: %w", c.cfg.ServerID, name, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("upstream: server %q: decode tool result: %w", c.cfg.ServerID, err)
	}
	return out, nil
}

// ListTools issues a fresh tools/list.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("upstream: server %q: decode tools/list: %w", c.cfg.ServerID, err)
	}
	return out.Tools, nil
}

func (c *Client) listRaw(ctx context.Context, method, key string) ([]map[string]any, error) {
	raw, err := c.call(ctx, method, map[string]any{})
	if err != nil {
		return nil, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("upstream: server %q: decode %s: %w", c.cfg.ServerID, method, err)
	}
	var items []map[string]any
	if inner, ok := out[key]; ok {
		if err := json.Unmarshal(inner, &items); err != nil {
			return nil, fmt.Errorf("upstream: server %q: decode %s items: %w", c.cfg.ServerID, method, err)
		}
	}
	return items, nil
}

// ListPrompts issues prompts/list.
func (c *Client) ListPrompts(ctx context.Context) ([]map[string]any, error) {
	return c.listRaw(ctx, "prompts/list", "prompts")
}

// GetPrompt issues prompts/get.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.call(ctx, "prompts/get", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("upstream: server %q: decode prompts/get: %w", c.cfg.ServerID, err)
	}
	return out, nil
}

// ListResources issues resources/list.
func (c *Client) ListResources(ctx context.Context) ([]map[string]any, error) {
	return c.listRaw(ctx, "resources/list", "resources")
}

// ReadResource issues resources/read.
func (c *Client) ReadResource(ctx context.Context, uri string) (map[string]any, error) {
	raw, err := c.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("upstream: server %q: decode resources/read: %w", c.cfg.ServerID, err)
	}
	return out, nil
}

// ── state ──

func (c *Client) setState(s State) {
	c.mu.Lock()
	// stopped is terminal
	if c.state != StateStopped {
		c.state = s
	}
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether the client is usable.
func (c *Client) Connected() bool { return c.State() == StateConnected }

// ServerID returns the configured server id.
func (c *Client) ServerID() string { return c.cfg.ServerID }

// ServerName returns the human-readable server name.
func (c *Client) ServerName() string { return c.cfg.Name }

// ServerInfo returns the serverInfo recorded at handshake time.
func (c *Client) ServerInfo() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Capabilities returns the capabilities recorded at handshake time.
func (c *Client) Capabilities() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

// Tools returns the tools discovered during the handshake.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// Stop tears the connection down: pending waiters fail with a
// connection-closed error and any subprocess is terminated.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	cn := c.conn
	core := c.core
	c.mu.Unlock()

	if core != nil {
		core.drain(nil)
	}
	if cn != nil {
		if err := cn.close(); err != nil {
			log.Printf("[Upstream:%s] Close: %v", c.cfg.ServerID, err)
		}
	}
}

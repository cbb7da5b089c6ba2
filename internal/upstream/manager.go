package upstream

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/win10ogod/skillflow-mcp/internal/schema"
)

// Manager owns the set of upstream clients keyed by server id.
// Servers are not dialled at startup: every call path connects on
// first use, and a client found in a non-connected state is torn down
// and replaced. An error contacting one server never blocks another.
type Manager struct {
	opts      Options
	toolCache *ToolCache

	mu      sync.Mutex
	servers map[string]schema.ServerConfig
	clients map[string]*Client
	aliases map[string]string // sha256 prefix (4/6/8 hex) -> server_id

	// serialises dialling per server so concurrent first calls do not
	// spawn duplicate subprocesses
	dialMu sync.Map // server_id -> *sync.Mutex
}

// NewManager builds a manager over an initial registry.
func NewManager(reg schema.ServerRegistry, opts Options) *Manager {
	m := &Manager{
		opts:      opts,
		toolCache: NewToolCache(opts.ToolCacheTTL),
		servers:   make(map[string]schema.ServerConfig, len(reg.Servers)),
		clients:   make(map[string]*Client),
		aliases:   make(map[string]string),
	}
	for id, cfg := range reg.Servers {
		m.servers[id] = cfg
		m.recordAliases(id)
	}
	return m
}

func (m *Manager) recordAliases(serverID string) {
	full := HashAlias(serverID) // 8 hex chars
	m.aliases[full] = serverID
	m.aliases[full[:6]] = serverID
	m.aliases[full[:4]] = serverID
}

// RegisterServer adds or replaces a server config. Any live client for
// the id is stopped and the cached tool list dropped.
func (m *Manager) RegisterServer(cfg schema.ServerConfig) {
	m.mu.Lock()
	old := m.clients[cfg.ServerID]
	delete(m.clients, cfg.ServerID)
	m.servers[cfg.ServerID] = cfg
	m.recordAliases(cfg.ServerID)
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	m.toolCache.Invalidate(cfg.ServerID)
	log.Printf("[Manager] Registered server %q (%s)", cfg.ServerID, cfg.Transport)
}

// UnregisterServer removes a server and stops its client.
func (m *Manager) UnregisterServer(serverID string) error {
	m.mu.Lock()
	_, known := m.servers[serverID]
	client := m.clients[serverID]
	delete(m.servers, serverID)
	delete(m.clients, serverID)
	m.mu.Unlock()

	if !known {
		return fmt.Errorf("upstream: unknown server %q", serverID)
	}
	if client != nil {
		client.Stop()
	}
	m.toolCache.Invalidate(serverID)
	log.Printf("[Manager] Unregistered server %q", serverID)
	return nil
}

// ListServers returns the registered configs sorted by id.
func (m *Manager) ListServers() []schema.ServerConfig {
	m.mu.Lock()
	out := make([]schema.ServerConfig, 0, len(m.servers))
	for _, cfg := range m.servers {
		out = append(out, cfg)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// GetServer returns one server config.
func (m *Manager) GetServer(serverID string) (schema.ServerConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.servers[serverID]
	return cfg, ok
}

// Registry snapshots the registered servers for persistence.
func (m *Manager) Registry() schema.ServerRegistry {
	m.mu.Lock()
	defer m.mu.Unlock()
	servers := make(map[string]schema.ServerConfig, len(m.servers))
	for id, cfg := range m.servers {
		servers[id] = cfg
	}
	return schema.ServerRegistry{Servers: servers}
}

// ensureConnected returns a connected client for the server, dialling
// it if needed. A stale (non-connected) client is replaced.
func (m *Manager) ensureConnected(ctx context.Context, serverID string) (*Client, error) {
	m.mu.Lock()
	cfg, known := m.servers[serverID]
	m.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("upstream: unknown server %q", serverID)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("upstream: server %q is disabled", serverID)
	}

	lockAny, _ := m.dialMu.LoadOrStore(serverID, &sync.Mutex{})
	dial := lockAny.(*sync.Mutex)
	dial.Lock()
	defer dial.Unlock()

	m.mu.Lock()
	client := m.clients[serverID]
	m.mu.Unlock()
	if client != nil && client.Connected() {
		return client, nil
	}
	if client != nil {
		client.Stop()
		m.toolCache.Invalidate(serverID)
	}

	client = NewClient(cfg, m.opts)
	if err := client.Start(ctx); err != nil {
		client.Stop()
		return nil, fmt.Errorf("upstream: connect server %q: %w", serverID, err)
	}

	m.mu.Lock()
	m.clients[serverID] = client
	m.mu.Unlock()
	return client, nil
}

// ConnectServer dials a server eagerly.
func (m *Manager) ConnectServer(ctx context.Context, serverID string) error {
	_, err := m.ensureConnected(ctx, serverID)
	return err
}

// DisconnectServer stops a server's client if one is live. This is
// the leak-safety path: a timed-out discovery MUST call it so no
// subprocess outlives its client.
func (m *Manager) DisconnectServer(serverID string) {
	m.mu.Lock()
	client := m.clients[serverID]
	delete(m.clients, serverID)
	m.mu.Unlock()
	if client != nil {
		client.Stop()
		log.Printf("[Manager] Disconnected server %q", serverID)
	}
	m.toolCache.Invalidate(serverID)
}

// CallTool connects lazily and invokes one upstream tool.
func (m *Manager) CallTool(ctx context.Context, serverID, tool string, args map[string]any) (map[string]any, error) {
	client, err := m.ensureConnected(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, tool, args)
}

// ListTools returns a server's tool list, served from the TTL cache
// when fresh.
func (m *Manager) ListTools(ctx context.Context, serverID string) ([]Tool, error) {
	if tools, ok := m.toolCache.Get(serverID); ok {
		return tools, nil
	}
	client, err := m.ensureConnected(ctx, serverID)
	if err != nil {
		return nil, err
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	m.toolCache.Set(serverID, tools)
	return tools, nil
}

// ListPrompts lists a server's prompts.
func (m *Manager) ListPrompts(ctx context.Context, serverID string) ([]map[string]any, error) {
	client, err := m.ensureConnected(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return client.ListPrompts(ctx)
}

// GetPrompt fetches one prompt.
func (m *Manager) GetPrompt(ctx context.Context, serverID, name string, args map[string]any) (map[string]any, error) {
	client, err := m.ensureConnected(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return client.GetPrompt(ctx, name, args)
}

// ListResources lists a server's resources.
func (m *Manager) ListResources(ctx context.Context, serverID string) ([]map[string]any, error) {
	client, err := m.ensureConnected(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return client.ListResources(ctx)
}

// ReadResource reads one resource.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) (map[string]any, error) {
	client, err := m.ensureConnected(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return client.ReadResource(ctx, uri)
}

// CloseAll stops every client; pending requests fail with a
// connection-closed error and subprocesses are terminated.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*Client)
	m.mu.Unlock()
	for _, c := range clients {
		c.Stop()
	}
	log.Printf("[Manager] Closed %d client(s)", len(clients))
}

// ── proxy naming ──

// ProxyName generates the outward name for an upstream tool and
// records the hash alias so later parses resolve back to the server.
func (m *Manager) ProxyName(serverID, tool string, maxLen int) string {
	m.mu.Lock()
	m.recordAliases(serverID)
	m.mu.Unlock()
	return GenerateProxyName(serverID, tool, maxLen)
}

// ResolveProxy maps a proxy tool name back to (server_id, tool). Hash
// aliases resolve through the reverse map populated at generation
// time.
func (m *Manager) ResolveProxy(name string) (serverID, tool string, err error) {
	serverPart, toolName, format, ok := ParseProxyName(name)
	if !ok {
		return "", "", fmt.Errorf("upstream: %q is not a proxy tool name", name)
	}
	if format == FormatHash {
		m.mu.Lock()
		resolved, known := m.aliases[serverPart]
		m.mu.Unlock()
		if known {
			return resolved, toolName, nil
		}
		// a short all-hex server id can look like a hash alias;
		// fall through to the literal interpretation
	}
	m.mu.Lock()
	_, known := m.servers[serverPart]
	m.mu.Unlock()
	if !known {
		return "", "", fmt.Errorf("upstream: proxy name %q: unknown server %q", name, serverPart)
	}
	return serverPart, toolName, nil
}

// ToolCacheStats exposes the upstream tool cache counters.
func (m *Manager) ToolCacheStats() ToolCacheStats {
	return m.toolCache.Stats()
}

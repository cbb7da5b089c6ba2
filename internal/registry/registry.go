// Package registry normalises upstream server configuration. It
// accepts both the external "mcpServers" layout and the internal
// "servers" layout, fills defaults, and skips entries that cannot
// describe a dialable server.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/win10ogod/skillflow-mcp/internal/schema"
)

var knownTransports = map[schema.TransportType]bool{
	schema.TransportStdio:          true,
	schema.TransportHTTPSSE:        true,
	schema.TransportWebSocket:      true,
	schema.TransportStreamableHTTP: true,
}

// FromMap builds a registry from a decoded configuration document.
// The top-level key may be "mcpServers" or "servers". Invalid entries
// are skipped with a warning; the result may be empty.
func FromMap(doc map[string]any) (schema.ServerRegistry, error) {
	raw, ok := doc["mcpServers"].(map[string]any)
	if !ok {
		raw, ok = doc["servers"].(map[string]any)
	}
	if !ok {
		return schema.ServerRegistry{}, fmt.Errorf("registry: configuration needs a mcpServers or servers key")
	}

	reg := schema.ServerRegistry{Servers: make(map[string]schema.ServerConfig, len(raw))}
	var skipped []string
	for id, v := range raw {
		entry, ok := v.(map[string]any)
		if !ok {
			log.Printf("[Registry] Skipping server %q: entry is not an object", id)
			skipped = append(skipped, id)
			continue
		}
		cfg, err := Normalize(id, entry)
		if err != nil {
			log.Printf("[Registry] Skipping server %q: %v", id, err)
			skipped = append(skipped, id)
			continue
		}
		reg.Servers[id] = cfg
	}
	if len(skipped) > 0 {
		log.Printf("[Registry] Skipped %d invalid server(s): %s", len(skipped), strings.Join(skipped, ", "))
	}
	return reg, nil
}

// Normalize fills the defaults for one server entry: server_id and
// name fall back to the map key, transport defaults to stdio, and
// root-level command/args/env are hoisted into the transport config.
func Normalize(id string, entry map[string]any) (schema.ServerConfig, error) {
	cfg := schema.ServerConfig{
		ServerID: id,
		Enabled:  true,
		Metadata: map[string]any{},
	}

	if sid, ok := entry["server_id"].(string); ok && sid != "" {
		if sid != id {
			return schema.ServerConfig{}, fmt.Errorf("registry: server_id %q does not match key %q", sid, id)
		}
		cfg.ServerID = sid
	}
	if name, ok := entry["name"].(string); ok && name != "" {
		cfg.Name = name
	} else {
		cfg.Name = titleFromID(id)
	}

	cfg.Transport = schema.TransportStdio
	if tr, ok := entry["transport"].(string); ok && tr != "" {
		cfg.Transport = schema.TransportType(tr)
	}
	if !knownTransports[cfg.Transport] {
		return schema.ServerConfig{}, fmt.Errorf("registry: unknown transport %q", cfg.Transport)
	}

	if inner, ok := entry["config"].(map[string]any); ok {
		cfg.Config = inner
	} else {
		// hoist root-level transport keys
		cfg.Config = map[string]any{}
		for _, key := range []string{"command", "args", "env", "url", "api_key"} {
			if v, ok := entry[key]; ok {
				cfg.Config[key] = v
			}
		}
	}

	if enabled, ok := entry["enabled"].(bool); ok {
		cfg.Enabled = enabled
	}
	if meta, ok := entry["metadata"].(map[string]any); ok {
		cfg.Metadata = meta
	}

	if cfg.Transport == schema.TransportStdio && cfg.Command() == "" {
		return schema.ServerConfig{}, fmt.Errorf("registry: stdio transport requires a command")
	}

	return cfg, nil
}

func titleFromID(id string) string {
	words := strings.FieldsFunc(id, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	if len(words) == 0 {
		return id
	}
	return strings.Join(words, " ")
}

// ParseFile loads and normalises a registry file. A missing or corrupt
// file yields an empty registry with a warning rather than an error,
// so a bad config never takes the process down.
func ParseFile(path string) schema.ServerRegistry {
	empty := schema.ServerRegistry{Servers: map[string]schema.ServerConfig{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[Registry] Failed to read %s: %v", path, err)
		}
		return empty
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Printf("[Registry] Corrupt registry file %s: %v; starting with an empty registry", path, err)
		return empty
	}
	reg, err := FromMap(doc)
	if err != nil {
		log.Printf("[Registry] Invalid registry file %s: %v; starting with an empty registry", path, err)
		return empty
	}
	return reg
}

// ToExternal converts a registry back into the external document shape
// so it can be re-imported by other MCP hosts.
func ToExternal(reg schema.ServerRegistry) map[string]any {
	servers := make(map[string]any, len(reg.Servers))
	for id, cfg := range reg.Servers {
		servers[id] = map[string]any{
			"server_id": cfg.ServerID,
			"name":      cfg.Name,
			"transport": string(cfg.Transport),
			"config":    cfg.Config,
			"enabled":   cfg.Enabled,
			"metadata":  cfg.Metadata,
		}
	}
	return map[string]any{"servers": servers}
}

// Merge combines two registries. Overlay entries win only when
// overwrite is set; otherwise the base entry is kept with a warning.
func Merge(base, overlay schema.ServerRegistry, overwrite bool) schema.ServerRegistry {
	merged := schema.ServerRegistry{Servers: make(map[string]schema.ServerConfig, len(base.Servers)+len(overlay.Servers))}
	for id, cfg := range base.Servers {
		merged.Servers[id] = cfg
	}
	for id, cfg := range overlay.Servers {
		if _, exists := merged.Servers[id]; exists && !overwrite {
			log.Printf("[Registry] Server %q exists in both registries, keeping base version", id)
			continue
		}
		merged.Servers[id] = cfg
	}
	return merged
}

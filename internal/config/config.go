// Package config loads runtime configuration: an optional
// skillflow.yaml, .env files, and SKILLFLOW_* environment overrides.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration with defaults filled in.
type Config struct {
	// DataDir is the root of the on-disk store (skills, sessions,
	// runs, registry).
	DataDir string `yaml:"data_dir"`

	// ServerName is advertised to downstream clients.
	ServerName string `yaml:"server_name"`

	// RequestTimeoutMS bounds each upstream JSON-RPC request.
	RequestTimeoutMS int `yaml:"request_timeout_ms"`

	// ConnectTimeoutMS bounds the upstream handshake.
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`

	// DiscoveryTimeoutMS bounds each per-server tool-list probe during
	// tool-list assembly.
	DiscoveryTimeoutMS int `yaml:"discovery_timeout_ms"`

	// NameBudget is the proxy tool-name length limit.
	NameBudget int `yaml:"name_budget"`

	// MaxParallel caps in-flight engine tool work.
	MaxParallel int `yaml:"max_parallel"`

	// CacheTTLSeconds is the skill cache TTL.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`

	// ToolCacheTTLSeconds is the upstream tool-list cache TTL.
	ToolCacheTTLSeconds int `yaml:"tool_cache_ttl_seconds"`

	// DisableWatcher turns off skill-directory watching; the cache
	// then relies on TTL plus mtime checks alone.
	DisableWatcher bool `yaml:"disable_watcher"`

	// Roots are the directories exposed to upstream roots/list
	// requests.
	Roots []string `yaml:"roots"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:             "./data",
		ServerName:          "skillflow",
		RequestTimeoutMS:    60_000,
		ConnectTimeoutMS:    30_000,
		DiscoveryTimeoutMS:  30_000,
		NameBudget:          60,
		MaxParallel:         32,
		CacheTTLSeconds:     300,
		ToolCacheTTLSeconds: 300,
	}
}

// Load reads the configuration: defaults, then the YAML file (explicit
// path, or the first skillflow.yaml found next to the executable or in
// the working directory), then SKILLFLOW_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %q: %w", path, err)
		}
		log.Printf("[Config] Loaded %s", path)
	}

	cfg.applyEnv()
	return cfg, nil
}

func findConfigFile() string {
	var candidates []string
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "skillflow.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, "skillflow.yaml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (c *Config) applyEnv() {
	setString(&c.DataDir, "SKILLFLOW_DATA_DIR")
	setString(&c.ServerName, "SKILLFLOW_SERVER_NAME")
	setInt(&c.RequestTimeoutMS, "SKILLFLOW_REQUEST_TIMEOUT_MS")
	setInt(&c.ConnectTimeoutMS, "SKILLFLOW_CONNECT_TIMEOUT_MS")
	setInt(&c.DiscoveryTimeoutMS, "SKILLFLOW_DISCOVERY_TIMEOUT_MS")
	setInt(&c.NameBudget, "SKILLFLOW_NAME_BUDGET")
	setInt(&c.MaxParallel, "SKILLFLOW_MAX_PARALLEL")
	setInt(&c.CacheTTLSeconds, "SKILLFLOW_CACHE_TTL_SECONDS")
	setInt(&c.ToolCacheTTLSeconds, "SKILLFLOW_TOOL_CACHE_TTL_SECONDS")
	if v := os.Getenv("SKILLFLOW_DISABLE_WATCHER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DisableWatcher = b
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[Config] Ignoring %s=%q: not an integer", key, v)
		return
	}
	*dst = n
}

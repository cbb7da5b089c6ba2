package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/win10ogod/skillflow-mcp/internal/config"
	"github.com/win10ogod/skillflow-mcp/internal/engine"
	"github.com/win10ogod/skillflow-mcp/internal/facade"
	"github.com/win10ogod/skillflow-mcp/internal/recording"
	"github.com/win10ogod/skillflow-mcp/internal/skill"
	"github.com/win10ogod/skillflow-mcp/internal/storage"
	"github.com/win10ogod/skillflow-mcp/internal/upstream"
)

const version = "0.1.0"

func main() {
	// stdout carries the downstream protocol; everything else goes to
	// stderr
	log.SetOutput(os.Stderr)

	configPath := flag.String("config", "", "path to skillflow.yaml (default: auto-discover)")
	dataDir := flag.String("data", "", "override the data directory")
	flag.Parse()

	config.LoadEnv()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	store, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("[Main] Opening store at %q: %v", cfg.DataDir, err)
	}
	log.Printf("[Main] SkillFlow v%s, data dir %s", version, cfg.DataDir)

	skillCache := storage.NewSkillCache(store, time.Duration(cfg.CacheTTLSeconds)*time.Second)

	var watcher *storage.Watcher
	if !cfg.DisableWatcher {
		watcher = storage.NewWatcher(store.SkillsDir(), func(skillID string) {
			skillCache.Invalidate(skillID)
		})
		defer watcher.Close()
	}

	upstreams := upstream.NewManager(store.LoadRegistry(), upstream.Options{
		RequestTimeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
		ToolCacheTTL:   time.Duration(cfg.ToolCacheTTLSeconds) * time.Second,
		Roots:          cfg.Roots,
	})
	defer upstreams.CloseAll()

	skills := skill.NewManager(store, skillCache)
	recorder := recording.NewManager(store)
	executor := facade.NewExecutor(upstreams, recorder)
	eng := engine.New(store, skills, executor, cfg.MaxParallel)

	fac := facade.New(skills, eng, upstreams, recorder, executor, store, skillCache, facade.Options{
		NameBudget:       cfg.NameBudget,
		DiscoveryTimeout: time.Duration(cfg.DiscoveryTimeoutMS) * time.Millisecond,
	})

	srv := facade.NewServer(fac, cfg.ServerName, version)
	srv.Refresh(context.Background())

	log.Printf("[Main] Serving MCP on stdio (%d servers registered)", len(upstreams.ListServers()))
	if err := srv.ServeStdio(); err != nil {
		log.Fatalf("[Main] Server stopped: %v", err)
	}
}

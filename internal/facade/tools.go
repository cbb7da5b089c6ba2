package facade

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/win10ogod/skillflow-mcp/internal/schema"
)

// ComposeToolList assembles the full downstream tool list: management
// catalogue, one tool per stored skill, one tool per discovered
// upstream tool. Upstream probes run in parallel with per-server
// timeouts; a timed-out server is disconnected and skipped so
// discovery never blocks the aggregate response.
func (f *Facade) ComposeToolList(ctx context.Context) []schema.ToolDescriptor {
	tools := f.catalogueDescriptors()
	tools = append(tools, f.skillDescriptors()...)
	tools = append(tools, f.upstreamDescriptors(ctx)...)
	return tools
}

func (f *Facade) skillDescriptors() []schema.ToolDescriptor {
	if cached, ok := f.cache.GetToolList(); ok {
		return cached
	}
	tools, ids := f.skills.ExportAllToolDescriptors()
	f.cache.SetToolList(tools, ids)
	return tools
}

func (f *Facade) upstreamDescriptors(ctx context.Context) []schema.ToolDescriptor {
	servers := f.upstreams.ListServers()

	var mu sync.Mutex
	var tools []schema.ToolDescriptor
	var g errgroup.Group
	for _, srv := range servers {
		if !srv.Enabled {
			continue
		}
		srv := srv
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, f.discoveryTimeout)
			defer cancel()
			listed, err := f.upstreams.ListTools(probeCtx, srv.ServerID)
			if err != nil {
				log.Printf("[Facade] Tool discovery on %q failed: %v", srv.ServerID, err)
				if probeCtx.Err() != nil {
					// hung probe: tear the client down so the
					// subprocess does not leak
					f.upstreams.DisconnectServer(srv.ServerID)
				}
				return nil
			}
			converted := make([]schema.ToolDescriptor, 0, len(listed))
			for _, t := range listed {
				converted = append(converted, schema.ToolDescriptor{
					Name:        f.upstreams.ProxyName(srv.ServerID, t.Name, f.nameBudget),
					Description: fmt.Sprintf("[%s] %s", srv.Name, t.Description),
					InputSchema: t.InputSchema,
				})
			}
			mu.Lock()
			tools = append(tools, converted...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

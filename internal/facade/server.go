package facade

import (
	"context"
	"encoding/json"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server adapts the façade to the downstream MCP wire. All registered
// tools share one handler that forwards to Facade.Dispatch, so the
// dispatch order lives in one place.
type Server struct {
	mcp        *server.MCPServer
	facade     *Facade
	registered map[string]bool
}

// NewServer builds the downstream MCP server.
func NewServer(f *Facade, name, version string) *Server {
	return &Server{
		mcp: server.NewMCPServer(
			name,
			version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		facade:     f,
		registered: map[string]bool{},
	}
}

// Refresh recomposes the tool list and reconciles the registered set:
// new tools are added, vanished ones deleted. Safe to call repeatedly,
// e.g. after skill changes or server registration.
func (s *Server) Refresh(ctx context.Context) {
	tools := s.facade.ComposeToolList(ctx)

	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		seen[t.Name] = true
		rawSchema, err := json.Marshal(t.InputSchema)
		if err != nil {
			log.Printf("[Server] Skipping tool %q: bad input schema: %v", t.Name, err)
			continue
		}
		s.mcp.AddTool(
			mcp.NewToolWithRawSchema(t.Name, t.Description, rawSchema),
			s.handle,
		)
		s.registered[t.Name] = true
	}

	var stale []string
	for name := range s.registered {
		if !seen[name] {
			stale = append(stale, name)
			delete(s.registered, name)
		}
	}
	if len(stale) > 0 {
		s.mcp.DeleteTools(stale...)
	}
	log.Printf("[Server] Tool list refreshed: %d tools (%d removed)", len(seen), len(stale))
}

func (s *Server) handle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.facade.Dispatch(ctx, request.Params.Name, request.GetArguments())
}

// ServeStdio blocks serving the downstream protocol on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

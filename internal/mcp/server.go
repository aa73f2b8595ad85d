package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/tabcast/internal/mcp/handlers"
)

// Deps holds the tab surfaces injected into MCP handlers.
type Deps struct {
	Notifications handlers.Notifications
	Status        handlers.StatusSource
}

// NewServer creates the MCP server without tools. The server is also the
// sink of MCP banners, so it exists before the tab it serves; tools are
// added with RegisterTools once the tab is built.
func NewServer(version string) *server.MCPServer {
	return server.NewMCPServer(
		"tabcast",
		version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)
}

// RegisterTools adds every tabcast tool to s.
func RegisterTools(s *server.MCPServer, deps *Deps) {
	registerTools(s, deps)
}

// Rollup simulator MCP server.
// Exposes the simulator status API as read-only tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/rollupsim/internal/mcp"
)

func main() {
	simURL := os.Getenv("SIMULATOR_URL")
	if simURL == "" {
		simURL = "http://localhost:3002"
	}

	s := server.NewMCPServer(
		"rollupsim",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(simURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

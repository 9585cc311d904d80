// Package mcp exposes the sandboxed tool host as a Model Context Protocol
// server over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/logging"
	"github.com/normanking/helix/internal/tools"
)

// ServerName is reported to MCP clients.
const ServerName = "helix-tools"

// Server registers every tool of a Host with an MCP server.
type Server struct {
	host *tools.Host
	srv  *server.MCPServer
	log  zerolog.Logger
}

// New builds the MCP server. Tool names and schemas are taken verbatim
// from the host.
func New(host *tools.Host, version string) (*Server, error) {
	s := &Server{
		host: host,
		srv:  server.NewMCPServer(ServerName, version, server.WithToolCapabilities(false)),
		log:  logging.Component("mcp"),
	}
	for _, spec := range host.Specs() {
		schema, err := json.Marshal(spec.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal schema of %s: %w", spec.Name, err)
		}
		s.srv.AddTool(mcpgo.NewToolWithRawSchema(spec.Name, spec.Description, schema), s.handler(spec.Name))
	}
	return s, nil
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.srv }

// ServeStdio blocks serving JSON-RPC on stdin and stdout.
func (s *Server) ServeStdio() error {
	s.log.Info().Int("tools", len(s.host.Specs())).Msg("mcp stdio server starting")
	return server.ServeStdio(s.srv)
}

// handler adapts Host.Invoke. Tool failures are returned as error results
// so the client sees the message instead of a protocol error.
func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		out, err := s.host.Invoke(ctx, name, req.GetArguments())
		if err != nil {
			return mcpgo.NewToolResultError(err.Error()), nil
		}
		return mcpgo.NewToolResultText(out), nil
	}
}

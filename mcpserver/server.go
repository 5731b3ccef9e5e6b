/*
Package mcpserver exposes the function catalog as Model Context Protocol
tools.

PURPOSE:
  Assistants reach the planner through MCP. Every registry function becomes
  one tool whose input schema is the registry's JSON schema, and every tool
  call goes through Registry.Call, so assistants see exactly what the HTTP
  bridge and Go callers see.

TRANSPORTS:
  stdio  For assistants that spawn the planner as a subprocess
  http   Streamable HTTP, mounted by cmd/server under /mcp

RESULTS:
  Successful calls return the JSON-encoded result as text content. Catalog
  errors become tool errors (isError) carrying the error message, so the
  assistant can correct its arguments and retry.
*/
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/warp/calm-planner/catalog"
)

const instructions = "Plan study work and manage calendar events. " +
	"Read tools never change state; every mutating tool records a history entry " +
	"that revert_to_history_entry can undo. Dates are YYYY-MM-DD, times RFC 3339."

// Transport selects the mechanism used to expose the MCP server.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// Server wraps an MCP server with one tool per catalog function.
type Server struct {
	mcp *server.MCPServer
	reg *catalog.Registry
}

// New registers every function of reg as a tool.
func New(reg *catalog.Registry, name, version string) *Server {
	if name == "" {
		name = "calm-planner"
	}
	if version == "" {
		version = "dev"
	}
	srv := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(false),
		server.WithInstructions(instructions),
		server.WithRecovery(),
	)
	s := &Server{mcp: srv, reg: reg}
	for _, f := range reg.Functions() {
		srv.AddTool(toolFor(f), s.handlerFor(f.Name))
	}
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	log.Printf("[MCP] Serving %d tools over stdio", len(s.reg.Functions()))
	return server.ServeStdio(s.mcp)
}

// HTTPHandler serves MCP over the streamable HTTP transport.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

func toolFor(f catalog.Function) mcp.Tool {
	schema, err := json.Marshal(f.Schema())
	if err != nil {
		// Schema is built from strings and slices only.
		panic(fmt.Sprintf("schema for %s: %v", f.Name, err))
	}
	return mcp.NewToolWithRawSchema(f.Name, f.Description, schema)
}

func (s *Server) handlerFor(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(request.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		result, err := s.reg.Call(ctx, name, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toJSONResult(result)
	}
}

func toJSONResult(data any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal error: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

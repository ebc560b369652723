// Package mcpserver serves a tool registry over the MCP protocol using the
// official MCP Go SDK. The same registry backs every binding: stdio, SSE and
// streamable HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/knd3dayo/ai-chat-util/internal/mcp/tools"
)

// MCPServer exposes the tools of a registry as an MCP server.
type MCPServer struct {
	server *mcp.Server
	reg    *tools.Registry
}

// New creates an MCPServer with the given name and version and registers
// every tool of reg. The registry must not change afterwards.
func New(name, version string, reg *tools.Registry) *MCPServer {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    name,
		Version: version,
	}, nil)

	for _, t := range reg.List() {
		server.AddTool(toSDKTool(t), toSDKHandler(reg, t.Name))
	}
	return &MCPServer{server: server, reg: reg}
}

// Registry returns the registry the server dispatches to.
func (s *MCPServer) Registry() *tools.Registry { return s.reg }

// ServeStdio serves one peer over the process's stdin and stdout. It blocks
// until ctx is cancelled or the peer disconnects.
func (s *MCPServer) ServeStdio(ctx context.Context) error {
	return s.run(ctx, &mcp.StdioTransport{})
}

// Serve reads requests from in and writes responses to out. It blocks until
// ctx is cancelled or the transport closes.
func (s *MCPServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	transport := &mcp.IOTransport{
		Reader: io.NopCloser(in),
		Writer: nopWriteCloser{out},
	}
	return s.run(ctx, transport)
}

// SSEHandler returns an http.Handler serving MCP sessions over server-sent
// events. Each GET opens a session; its messages are POSTed to the endpoint
// announced in the stream.
func (s *MCPServer) SSEHandler() http.Handler {
	return mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return s.server }, nil)
}

// StreamableHandler returns an http.Handler serving the MCP streamable HTTP
// transport in stateless JSON mode: every POST is answered independently.
func (s *MCPServer) StreamableHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.server }, &mcp.StreamableHTTPOptions{
		Stateless:    true,
		JSONResponse: true,
	})
}

// run starts the server with the given transport. Tests call it with an
// in-memory transport.
func (s *MCPServer) run(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

// toSDKTool converts a tools.Tool to an SDK *mcp.Tool.
func toSDKTool(t tools.Tool) *mcp.Tool {
	return &mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
	}
}

// toSDKHandler dispatches through the registry so that every binding shares
// its metrics, tracing and error classification. Tool failures are reported
// as error results rather than protocol errors.
func toSDKHandler(reg *tools.Registry, name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}
		result, err := reg.Dispatch(ctx, name, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				IsError: true,
			}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: result}},
		}, nil
	}
}

// nopWriteCloser wraps an io.Writer as an io.WriteCloser with a no-op Close.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

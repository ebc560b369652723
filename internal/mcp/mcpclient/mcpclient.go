// Package mcpclient connects to a running tool server over any of the three
// bindings and lists or calls its tools.
//
// Typical usage:
//
//	c, err := mcpclient.Connect(ctx, mcp.TransportHTTP, "http://localhost:5001/mcp")
//	if err != nil { ... }
//	defer c.Close()
//	out, err := c.CallTool(ctx, "get_completion_model", nil)
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/knd3dayo/ai-chat-util/internal/mcp"
	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
)

// ToolInfo describes a tool offered by the server.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// MCPClient is a connected tool client.
type MCPClient struct {
	session *mcpsdk.ClientSession
}

// Connect opens a session with the server at target. For
// [mcp.TransportStdio] target is a command line that starts the server; for
// the HTTP transports it is the endpoint URL.
func Connect(ctx context.Context, transport mcp.Transport, target string) (*MCPClient, error) {
	var t mcpsdk.Transport
	switch transport {
	case mcp.TransportStdio:
		executable, args := splitCommand(target)
		if executable == "" {
			return nil, apperr.New(apperr.ConfigurationError, "mcpclient", "stdio transport requires a non-empty command")
		}
		t = &mcpsdk.CommandTransport{Command: exec.CommandContext(ctx, executable, args...)}
	case mcp.TransportSSE:
		if target == "" {
			return nil, apperr.New(apperr.ConfigurationError, "mcpclient", "sse transport requires a URL")
		}
		t = &mcpsdk.SSEClientTransport{Endpoint: target}
	case mcp.TransportHTTP:
		if target == "" {
			return nil, apperr.New(apperr.ConfigurationError, "mcpclient", "http transport requires a URL")
		}
		t = &mcpsdk.StreamableClientTransport{Endpoint: target}
	default:
		return nil, apperr.New(apperr.ConfigurationError, "mcpclient", "unknown transport %q", transport)
	}
	return newFromTransport(ctx, t)
}

// newFromTransport creates an MCPClient over t. Tests pass an in-memory
// transport.
func newFromTransport(ctx context.Context, t mcpsdk.Transport) (*MCPClient, error) {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "aichat",
		Version: "0.1.0",
	}, nil)

	session, err := client.Connect(ctx, t, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderUnavailable, "mcpclient: connect", err)
	}
	return &MCPClient{session: session}, nil
}

// ListTools returns every tool the server offers.
func (c *MCPClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var out []ToolInfo
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("mcpclient: list tools: %w", err)
		}
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("mcpclient: tool %q schema: %w", tool.Name, err)
		}
		out = append(out, ToolInfo{Name: tool.Name, Description: tool.Description, InputSchema: schema})
	}
	return out, nil
}

// CallTool calls name with JSON arguments and returns the textual result.
// A tool-level failure is returned as an error whose kind is recovered from
// the server's message when it carries one.
func (c *MCPClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (string, error) {
	var args map[string]any
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return "", apperr.Wrap(apperr.InvalidContent, "mcpclient: arguments", err)
		}
	}

	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("mcpclient: call tool: %w", err)
	}

	text := extractText(result)
	if result.IsError {
		kind, msg := splitKind(text)
		return "", apperr.New(kind, "mcpclient: "+name, "%s", msg)
	}
	return text, nil
}

// Close terminates the session. For stdio servers this also stops the
// server process.
func (c *MCPClient) Close() error {
	return c.session.Close()
}

// extractText joins all TextContent items with newlines.
func extractText(result *mcpsdk.CallToolResult) string {
	var texts []string
	for _, item := range result.Content {
		if tc, ok := item.(*mcpsdk.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// splitKind parses the "Kind: message" form tool servers report failures in.
// Unrecognised text is classified as InvalidContent.
func splitKind(text string) (apperr.Kind, string) {
	prefix, rest, ok := strings.Cut(text, ": ")
	if ok {
		switch k := apperr.Kind(prefix); k {
		case apperr.UnsupportedFormat, apperr.ConversionFailed, apperr.InvalidContent,
			apperr.RateLimited, apperr.ProviderUnavailable, apperr.UnknownTool,
			apperr.ConfigurationError, apperr.Canceled:
			return k, rest
		}
	}
	return apperr.InvalidContent, text
}

func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

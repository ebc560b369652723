// Package mcp holds the types shared by the tool server bindings and the tool
// client.
package mcp

// Transport selects how the tool server is reached.
type Transport string

const (
	// TransportStdio serves one peer over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportSSE serves MCP sessions over a long-lived server-sent events
	// connection.
	TransportSSE Transport = "sse"

	// TransportHTTP serves one HTTP request per tool invocation: the REST
	// routes plus the MCP streamable HTTP endpoint in stateless JSON mode.
	TransportHTTP Transport = "http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportSSE, TransportHTTP:
		return true
	}
	return false
}

// ParseTransport converts s to a Transport. The empty string maps to
// [TransportStdio]; "streamable-http" is accepted as an alias of
// [TransportHTTP].
func ParseTransport(s string) (Transport, bool) {
	switch s {
	case "":
		return TransportStdio, true
	case "streamable-http":
		return TransportHTTP, true
	}
	t := Transport(s)
	return t, t.IsValid()
}

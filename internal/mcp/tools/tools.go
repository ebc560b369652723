// Package tools defines the [Tool] type served by every tool binding and the
// [Registry] that dispatches invocations by name.
//
// The registry is the single place where the allow-list is applied: bindings
// only ever see the narrowed registry, so a tool left out of the allow-list
// is neither listed nor callable.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/knd3dayo/ai-chat-util/internal/observe"
	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
)

// ErrDuplicateTool is returned by [Registry.Register] for a name that is
// already registered.
var ErrDuplicateTool = errors.New("tools: duplicate tool name")

// Handler executes a tool with JSON-encoded arguments and returns its textual
// result. Implementations must be safe for concurrent use and must respect
// context cancellation.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a named operation exposed to tool clients.
type Tool struct {
	// Name is the identifier clients call the tool by.
	Name string

	// Description is shown to clients when listing tools.
	Description string

	// InputSchema describes the JSON object the handler accepts. It must be
	// an object schema.
	InputSchema *jsonschema.Schema

	// Handler executes the tool.
	Handler Handler
}

// Registry maps tool names to tools. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	metrics *observe.Metrics
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMetrics sets the metrics sink for tool invocations. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Register adds tools in order. A tool without a name or handler, or a name
// that is already present, is rejected and nothing after it is added.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if t.Name == "" {
			return fmt.Errorf("tools: tool must have a non-empty name")
		}
		if t.Handler == nil {
			return fmt.Errorf("tools: tool %q must have a non-nil handler", t.Name)
		}
		if _, ok := r.tools[t.Name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateTool, t.Name)
		}
		if t.InputSchema == nil {
			t.InputSchema = &jsonschema.Schema{Type: "object"}
		}
		r.tools[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	return nil
}

// Get returns the tool called name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := slices.Clone(r.order)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Narrow returns a new Registry holding only the tools named in allow, in
// registration order. An empty allow list returns r itself. Names that are
// not registered are logged and skipped; if none of the names match the
// result would expose nothing, which is a ConfigurationError.
func (r *Registry) Narrow(allow []string) (*Registry, error) {
	if len(allow) == 0 {
		return r, nil
	}
	want := make(map[string]bool, len(allow))
	for _, name := range allow {
		if _, ok := r.Get(name); !ok {
			slog.Warn("tools: ignoring unknown tool in allow-list", "tool", name)
			continue
		}
		want[name] = true
	}
	if len(want) == 0 {
		return nil, apperr.New(apperr.ConfigurationError, "tools: narrow", "allow-list %v matches no registered tool", allow)
	}

	n := NewRegistry(WithMetrics(r.metrics))
	for _, t := range r.List() {
		if want[t.Name] {
			// Names are unique in r, so Register cannot fail here.
			_ = n.Register(t)
		}
	}
	return n, nil
}

// Dispatch invokes the tool called name with args. An unknown name is an
// UnknownTool error. Empty args are passed to the handler as "{}".
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", apperr.New(apperr.UnknownTool, "tools: dispatch", "tool %q is not available", name)
	}
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	ctx, span := observe.StartSpan(ctx, "tool.call",
		trace.WithAttributes(attribute.String("tool.name", name)),
	)
	defer span.End()

	start := time.Now()
	out, err := t.Handler(ctx, args)
	d := time.Since(start)
	r.metrics.RecordToolCall(ctx, name, d, err)

	log := observe.Logger(ctx).With("tool", name, "duration", d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
		log.Warn("tool call failed", "kind", apperr.KindOf(err), "err", err)
		return "", err
	}
	log.Debug("tool call completed")
	return out, nil
}

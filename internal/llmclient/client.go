// Package llmclient is the facade between the tool and batch layers and an
// [llm.Provider].
//
// It offers two call shapes. [Client.Chat] threads a [Conversation] through a
// multi-turn exchange; [Client.Analyze] sends one multimodal request built
// from a prompt and normalized content blocks and keeps no state. The client
// never retries: retry is the batch engine's job so that backoff is
// coordinated across workers.
package llmclient

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/knd3dayo/ai-chat-util/internal/observe"
	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
	"github.com/knd3dayo/ai-chat-util/pkg/content"
	"github.com/knd3dayo/ai-chat-util/pkg/provider/llm"
)

// Client wraps a provider. It is safe for concurrent use when the provider
// is.
type Client struct {
	provider     llm.Provider
	name         string
	systemPrompt string
	maxTokens    int
	split        SplitPolicy
	metrics      *observe.Metrics
}

// Option is a functional option for Client.
type Option func(*Client)

// WithName sets the provider label used in metrics, spans and logs.
func WithName(name string) Option {
	return func(c *Client) {
		c.name = name
	}
}

// WithSystemPrompt sets a system instruction sent with every request.
func WithSystemPrompt(s string) Option {
	return func(c *Client) {
		c.systemPrompt = s
	}
}

// WithMaxTokens caps the completion length of every request.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = n
	}
}

// WithSplit enables request splitting for [Client.Analyze].
func WithSplit(p SplitPolicy) Option {
	return func(c *Client) {
		c.split = p
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New returns a Client for p.
func New(p llm.Provider, opts ...Option) (*Client, error) {
	if p == nil {
		return nil, apperr.New(apperr.ConfigurationError, "llmclient", "provider is nil")
	}
	c := &Client{provider: p, name: "llm"}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Name returns the provider label.
func (c *Client) Name() string { return c.name }

// Capabilities returns the provider's model capabilities.
func (c *Client) Capabilities() llm.ModelCapabilities { return c.provider.Capabilities() }

// Chat appends a user turn to conv, sends the whole history and returns the
// reply together with the conversation extended by both turns. On error the
// conversation is returned unchanged.
func (c *Client) Chat(ctx context.Context, conv Conversation, text string) (string, Conversation, error) {
	if strings.TrimSpace(text) == "" {
		return "", conv, apperr.New(apperr.InvalidContent, "llmclient: chat", "empty message")
	}
	reply, next, err := c.Continue(ctx, conv.Append(llm.TextMessage(llm.RoleUser, text)))
	if err != nil {
		return "", conv, err
	}
	return reply, next, nil
}

// Continue sends conv as is and returns the reply and conv extended by the
// assistant turn. The last turn must be a user turn.
func (c *Client) Continue(ctx context.Context, conv Conversation) (string, Conversation, error) {
	last, ok := conv.Last()
	if !ok || last.Role != llm.RoleUser {
		return "", conv, apperr.New(apperr.InvalidContent, "llmclient: chat", "conversation must end with a user turn")
	}
	reply, err := c.complete(ctx, "llm.chat", conv.Messages())
	if err != nil {
		return "", conv, err
	}
	return reply, conv.Append(llm.TextMessage(llm.RoleAssistant, reply)), nil
}

// Analyze sends prompt and blocks as a single user turn and returns the
// reply. When splitting is enabled the request may be divided into several
// calls whose replies are joined or summarized.
func (c *Client) Analyze(ctx context.Context, blocks []content.Block, prompt string) (string, error) {
	if len(blocks) == 0 && strings.TrimSpace(prompt) == "" {
		return "", apperr.New(apperr.InvalidContent, "llmclient: analyze", "no prompt and no content")
	}
	if c.split.Enabled() {
		return c.analyzeSplit(ctx, blocks, prompt)
	}
	return c.complete(ctx, "llm.analyze", []llm.Message{userTurn(prompt, blocks)})
}

func userTurn(prompt string, blocks []content.Block) llm.Message {
	parts := make([]content.Block, 0, len(blocks)+1)
	if prompt != "" {
		parts = append(parts, content.Text(prompt))
	}
	return llm.Message{Role: llm.RoleUser, Parts: append(parts, blocks...)}
}

func (c *Client) complete(ctx context.Context, spanName string, msgs []llm.Message) (string, error) {
	ctx, span := observe.StartSpan(ctx, spanName,
		trace.WithAttributes(
			attribute.String("llm.provider", c.name),
			attribute.Int("llm.messages", len(msgs)),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: c.systemPrompt,
		MaxTokens:    c.maxTokens,
	})
	if err == nil && resp == nil {
		err = apperr.New(apperr.ProviderUnavailable, "llmclient", "provider returned no response")
	}
	kind := apperr.KindOf(err)
	c.metrics.RecordLLMCall(ctx, c.name, time.Since(start), string(kind), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		observe.Logger(ctx).Debug("llm call failed", "provider", c.name, "kind", kind, "err", err)
		return "", err
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	return resp.Content, nil
}

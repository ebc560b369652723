// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote model API (an OpenAI-compatible endpoint or an
// Azure OpenAI deployment) and exposes the single capability the rest of the
// system needs: send an ordered list of multimodal messages and receive the
// reply text.
//
// Implementors must be safe for concurrent use; the batch engine shares one
// provider across all of its workers. Implementors must not retry internally:
// they classify every returned error with an [apperr.Kind] and leave retry
// decisions to the caller.
package llm

import (
	"context"
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the user and drives the response.
	Messages []Message

	// SystemPrompt is an optional instruction sent before Messages.
	SystemPrompt string

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is returned by [Provider.Complete].
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Errors are classified with an [apperr.Kind]: RateLimited,
	// ProviderUnavailable or InvalidContent.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() ModelCapabilities
}

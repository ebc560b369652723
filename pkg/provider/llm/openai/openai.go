// Package openai provides an LLM provider backed by the OpenAI Chat
// Completions API. The same provider type serves OpenAI-compatible endpoints
// ([New]) and Azure OpenAI deployments ([NewAzure]).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
	"github.com/knd3dayo/ai-chat-util/pkg/content"
	"github.com/knd3dayo/ai-chat-util/pkg/provider/llm"
)

// Flavor identifies which API dialect a [Provider] talks to.
type Flavor string

const (
	FlavorOpenAI Flavor = "openai"
	FlavorAzure  Flavor = "azure"
)

// Provider implements llm.Provider using the openai-go SDK.
type Provider struct {
	client oai.Client
	model  string
	flavor Flavor
}

var _ llm.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	httpClient   *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Ignored by [NewAzure].
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used for all requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// New constructs a Provider for an OpenAI-compatible endpoint.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, apperr.New(apperr.ConfigurationError, "openai", "apiKey must not be empty")
	}
	if model == "" {
		return nil, apperr.New(apperr.ConfigurationError, "openai", "model must not be empty")
	}

	cfg := applyOptions(opts)
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	reqOpts = append(reqOpts, commonOptions(cfg)...)

	return &Provider{client: oai.NewClient(reqOpts...), model: model, flavor: FlavorOpenAI}, nil
}

// NewAzure constructs a Provider for an Azure OpenAI deployment. deployment is
// sent as the model name and routed to the deployment path by the SDK.
func NewAzure(endpoint, apiVersion, apiKey, deployment string, opts ...Option) (*Provider, error) {
	switch {
	case endpoint == "":
		return nil, apperr.New(apperr.ConfigurationError, "openai: azure", "endpoint must not be empty")
	case apiVersion == "":
		return nil, apperr.New(apperr.ConfigurationError, "openai: azure", "apiVersion must not be empty")
	case apiKey == "":
		return nil, apperr.New(apperr.ConfigurationError, "openai: azure", "apiKey must not be empty")
	case deployment == "":
		return nil, apperr.New(apperr.ConfigurationError, "openai: azure", "deployment must not be empty")
	}

	cfg := applyOptions(opts)
	reqOpts := []option.RequestOption{
		azure.WithEndpoint(endpoint, apiVersion),
		azure.WithAPIKey(apiKey),
	}
	reqOpts = append(reqOpts, commonOptions(cfg)...)

	return &Provider{client: oai.NewClient(reqOpts...), model: deployment, flavor: FlavorAzure}, nil
}

func applyOptions(opts []Option) *config {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// commonOptions disables SDK-level retries; the batch engine owns retry policy.
func commonOptions(cfg *config) []option.RequestOption {
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	return reqOpts
}

// Flavor reports which API dialect p talks to.
func (p *Provider) Flavor() Flavor { return p.flavor }

// Model returns the model (or Azure deployment) name.
func (p *Provider) Model() string { return p.model }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidContent, "openai: build params", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify("openai: chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.New(apperr.ProviderUnavailable, "openai: chat completion", "empty choices in response")
	}

	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// modelCapabilities returns ModelCapabilities for known OpenAI model names.
func modelCapabilities(model string) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{
		ContextWindow:   128_000,
		MaxOutputTokens: 4_096,
		SupportsVision:  true,
		SupportsFiles:   true,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-5"):
		caps.ContextWindow = 400_000
		caps.MaxOutputTokens = 128_000
	case strings.HasPrefix(lower, "gpt-4.1"):
		caps.ContextWindow = 1_047_576
		caps.MaxOutputTokens = 32_768
	case strings.HasPrefix(lower, "gpt-4o"):
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "gpt-4-turbo"):
		caps.SupportsFiles = false
	case strings.HasPrefix(lower, "gpt-4"):
		caps.ContextWindow = 8_192
		caps.SupportsVision = false
		caps.SupportsFiles = false
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
		caps.SupportsVision = false
		caps.SupportsFiles = false
	case strings.HasPrefix(lower, "o1-mini"), strings.HasPrefix(lower, "o3-mini"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000
		caps.SupportsVision = false
		caps.SupportsFiles = false
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000
	}
	return caps
}

// buildParams converts a CompletionRequest into OpenAI SDK params.
func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("request has no messages")
	}

	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

// convertMessage converts an llm.Message to an OpenAI SDK message param.
// User turns become content-part arrays so images and PDFs travel inline.
func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Text()), nil

	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Text()), nil

	case llm.RoleUser:
		parts := make([]oai.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
		for _, b := range m.Parts {
			part, err := convertBlock(b)
			if err != nil {
				return oai.ChatCompletionMessageParamUnion{}, err
			}
			parts = append(parts, part)
		}
		return oai.UserMessage(parts), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unknown message role %q", m.Role)
	}
}

// convertBlock maps a content block to a chat completion content part.
func convertBlock(b content.Block) (oai.ChatCompletionContentPartUnionParam, error) {
	switch b.Kind {
	case content.KindText:
		return oai.TextContentPart(b.Text), nil

	case content.KindImage:
		if !strings.HasPrefix(b.MIMEType, "image/") {
			return oai.ChatCompletionContentPartUnionParam{}, fmt.Errorf("image block has non-image mime type %q", b.MIMEType)
		}
		return oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
			URL:    b.DataURL(),
			Detail: string(b.Detail),
		}), nil

	case content.KindPDF:
		file := oai.ChatCompletionContentPartFileFileParam{
			FileData: param.NewOpt(b.DataURL()),
		}
		if b.Filename != "" {
			file.Filename = param.NewOpt(b.Filename)
		}
		return oai.FileContentPart(file), nil

	default:
		return oai.ChatCompletionContentPartUnionParam{}, fmt.Errorf("unsupported content block kind %q", b.Kind)
	}
}

// classify maps an SDK error to an apperr kind.
func classify(op string, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		e := &apperr.Error{Op: op, Err: err}
		switch status := apiErr.StatusCode; {
		case status == http.StatusTooManyRequests:
			e.Kind = apperr.RateLimited
			if apiErr.Response != nil {
				e.RetryAfter = ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
		case status == http.StatusUnauthorized,
			status == http.StatusForbidden,
			status == http.StatusNotFound,
			status == http.StatusRequestTimeout,
			status == http.StatusConflict,
			status >= http.StatusInternalServerError:
			e.Kind = apperr.ProviderUnavailable
		default:
			e.Kind = apperr.InvalidContent
		}
		return e
	}
	if errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.Canceled, op, err)
	}
	// Anything that is not an API response is a transport failure or timeout.
	return apperr.Wrap(apperr.ProviderUnavailable, op, err)
}

// ParseRetryAfter parses a Retry-After header value given either in seconds
// or as an HTTP date. Returns zero when the value is absent or unparsable.
func ParseRetryAfter(val string) time.Duration {
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Package app wires the normalizer, the LLM facade and the batch engine into
// the operations exposed by the CLI and the tool server.
//
// New builds every subsystem from the config; Shutdown releases them. For
// testing, inject doubles via functional options (WithConverter, WithFetcher,
// etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/knd3dayo/ai-chat-util/internal/batch"
	"github.com/knd3dayo/ai-chat-util/internal/config"
	"github.com/knd3dayo/ai-chat-util/internal/health"
	"github.com/knd3dayo/ai-chat-util/internal/llmclient"
	"github.com/knd3dayo/ai-chat-util/internal/normalize"
	"github.com/knd3dayo/ai-chat-util/internal/normalize/fetch"
	"github.com/knd3dayo/ai-chat-util/internal/normalize/office"
	"github.com/knd3dayo/ai-chat-util/internal/observe"
	"github.com/knd3dayo/ai-chat-util/internal/pathresolve"
	"github.com/knd3dayo/ai-chat-util/internal/resilience"
	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
	"github.com/knd3dayo/ai-chat-util/pkg/content"
	"github.com/knd3dayo/ai-chat-util/pkg/provider/llm"
)

// Providers holds the LLM backends built by main.go via the config registry.
// LLM is required; Fallbacks are tried in order after a transient failure of
// LLM.
type Providers struct {
	LLM       llm.Provider
	Fallbacks []NamedProvider
}

// NamedProvider is a fallback backend and its label.
type NamedProvider struct {
	Name     string
	Provider llm.Provider
}

// App owns the subsystems behind every tool and subcommand. All methods are
// safe for concurrent use.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New.
	provider   llm.Provider
	fallback   *resilience.LLMFallback
	client     *llmclient.Client
	converter  normalize.Converter
	binary     func() (string, error)
	normalizer *normalize.Normalizer
	fetcher    *fetch.Fetcher
	metrics    *observe.Metrics
	sessions   *SessionManager
	progress   batch.ProgressFunc
	engineOpts []batch.Option

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithConverter injects an Office converter instead of the LibreOffice one.
func WithConverter(c normalize.Converter) Option {
	return func(a *App) { a.converter = c }
}

// WithFetcher injects the URL fetcher used by AnalyzeURLs.
func WithFetcher(f *fetch.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithProgress installs a progress callback for every batch run.
func WithProgress(fn batch.ProgressFunc) Option {
	return func(a *App) { a.progress = fn }
}

// WithBatchOptions appends options to every batch engine the App builds.
// Tests use it to replace the backoff sleep.
func WithBatchOptions(opts ...batch.Option) Option {
	return func(a *App) { a.engineOpts = append(a.engineOpts, opts...) }
}

// WithSessionManager injects the chat session store.
func WithSessionManager(sm *SessionManager) Option {
	return func(a *App) { a.sessions = sm }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the providers built by main.go. Any
// failure is a ConfigurationError: nothing has started yet.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, apperr.New(apperr.ConfigurationError, "app", "config is nil")
	}
	if providers == nil || providers.LLM == nil {
		return nil, apperr.New(apperr.ConfigurationError, "app", "no LLM provider configured")
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Provider and fallbacks ────────────────────────────────────────
	a.initProvider(providers)

	// ── 2. LLM facade ────────────────────────────────────────────────────
	if err := a.initClient(); err != nil {
		return nil, apperr.Wrap(apperr.ConfigurationError, "app: init llm client", err)
	}

	// ── 3. Normalizer, converter and fetcher ─────────────────────────────
	a.initNormalizer()

	// ── 4. Batch engine options ──────────────────────────────────────────
	if err := a.initBatch(); err != nil {
		return nil, apperr.Wrap(apperr.ConfigurationError, "app: init batch", err)
	}

	// ── 5. Chat sessions ─────────────────────────────────────────────────
	if a.sessions == nil {
		a.sessions = NewSessionManager(SessionManagerConfig{})
	}
	a.closers = append(a.closers, a.sessions.Close)

	slog.InfoContext(ctx, "app initialised",
		"provider", cfg.LLM.Path(),
		"fallbacks", len(providers.Fallbacks),
		"concurrency", cfg.Batch.Concurrency,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initProvider(p *Providers) {
	a.provider = p.LLM
	if len(p.Fallbacks) == 0 {
		return
	}
	cb := a.cfg.LLM.CircuitBreaker
	a.fallback = resilience.NewLLMFallback(p.LLM, a.cfg.LLM.Path(), resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
		},
	})
	for _, fb := range p.Fallbacks {
		a.fallback.AddFallback(fb.Name, fb.Provider)
	}
	a.provider = a.fallback
}

func (a *App) initClient() error {
	split := a.cfg.Analysis.Split
	opts := []llmclient.Option{
		llmclient.WithName(a.cfg.LLM.Path()),
		llmclient.WithSystemPrompt(a.cfg.LLM.SystemPrompt),
		llmclient.WithMaxTokens(a.cfg.LLM.MaxTokens),
		llmclient.WithMetrics(a.metrics),
	}
	if split.Enabled {
		opts = append(opts, llmclient.WithSplit(llmclient.SplitPolicy{
			MaxChars:            split.MaxChars,
			MaxImagesPerRequest: split.MaxImagesPerRequest,
			Summarize:           split.Summarize,
			SummarizePrompt:     split.SummarizePrompt,
		}))
	}
	c, err := llmclient.New(a.provider, opts...)
	if err != nil {
		return err
	}
	a.client = c
	return nil
}

func (a *App) initNormalizer() {
	if a.converter == nil {
		conv := office.New(
			office.WithBinary(a.cfg.Office.LibreOfficePath),
			office.WithTimeout(a.cfg.Office.Timeout),
		)
		a.converter = conv
		a.binary = conv.Binary
	} else if b, ok := a.converter.(interface{ Binary() (string, error) }); ok {
		a.binary = b.Binary
	}
	a.converter = &timedConverter{next: a.converter, metrics: a.metrics}

	a.normalizer = normalize.New(a.converter,
		normalize.WithResolver(pathresolve.Resolver{
			WorkingDirectory: a.cfg.Files.WorkingDirectory,
			SearchDirs:       a.cfg.Files.SearchDirs,
		}),
		normalize.WithDefaultDetail(a.cfg.Analysis.ImageDetail),
		normalize.WithTempDir(a.cfg.Files.TempDir),
	)
	if a.fetcher == nil {
		a.fetcher = fetch.New()
	}
}

func (a *App) initBatch() error {
	b := a.cfg.Batch
	base := []batch.Option{
		batch.WithRetryPolicy(batch.RetryPolicy{
			MaxRetries: b.Retries(),
			BaseDelay:  b.BaseDelay,
			MaxDelay:   b.MaxDelay,
		}),
		batch.WithAttemptTimeout(b.AttemptTimeout),
		batch.WithMetrics(a.metrics),
	}
	if a.progress != nil {
		base = append(base, batch.WithProgress(a.progress))
	}
	a.engineOpts = append(base, a.engineOpts...)

	// Validate the configured limit once so a bad value fails at startup.
	_, err := a.engine(0)
	return err
}

// engine returns a batch engine with the given limit, or the configured one
// when limit is zero.
func (a *App) engine(limit int) (*batch.Engine, error) {
	if limit == 0 {
		limit = a.cfg.Batch.Concurrency
	}
	return batch.New(limit, a.engineOpts...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Config returns the configuration the App was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Client returns the LLM facade.
func (a *App) Client() *llmclient.Client { return a.client }

// Normalizer returns the content normalizer.
func (a *App) Normalizer() *normalize.Normalizer { return a.normalizer }

// Sessions returns the chat session store.
func (a *App) Sessions() *SessionManager { return a.sessions }

// CompletionModel returns the configured "provider/model" path.
func (a *App) CompletionModel() string { return a.cfg.LLM.Path() }

// Checkers returns the readiness checks for the HTTP bindings.
func (a *App) Checkers() []health.Checker {
	var cs []health.Checker
	if a.fallback != nil {
		cs = append(cs, health.Provider(a.fallback.Available))
	}
	if a.binary != nil {
		cs = append(cs, health.Converter(a.binary))
	}
	return cs
}

// ─── Chat ────────────────────────────────────────────────────────────────────

// Chat runs one stateless chat turn.
func (a *App) Chat(ctx context.Context, text string) (string, error) {
	reply, _, err := a.client.Chat(ctx, llmclient.NewConversation(), text)
	return reply, err
}

// ChatInputs sends prompt together with inputs as one request. Each input is
// a file path, loaded by detected kind, or a piece of text.
func (a *App) ChatInputs(ctx context.Context, prompt string, inputs []string) (string, error) {
	var blocks []content.Block
	for _, in := range inputs {
		b, err := a.normalizer.Normalize(ctx, in, normalize.HintAuto)
		if err != nil {
			return "", err
		}
		blocks = append(blocks, b...)
	}
	if len(blocks) == 0 {
		return a.Chat(ctx, prompt)
	}
	return a.client.Analyze(ctx, blocks, prompt)
}

// RunChat sends a full message history and returns the reply together with
// the history extended by the assistant turn. The last message must be a
// user message.
func (a *App) RunChat(ctx context.Context, history []llm.Message) (string, []llm.Message, error) {
	for i, m := range history {
		if !m.Role.IsValid() {
			return "", nil, apperr.New(apperr.InvalidContent, "app: run chat", "message %d has invalid role %q", i, m.Role)
		}
	}
	reply, conv, err := a.client.Continue(ctx, llmclient.NewConversation(history...))
	if err != nil {
		return "", nil, err
	}
	return reply, conv.Messages(), nil
}

// BatchChat runs every history as an independent chat through the batch
// engine and returns the replies in input order. A history with an invalid
// role fails only its own item.
func (a *App) BatchChat(ctx context.Context, histories [][]llm.Message, concurrency int) ([]batch.Result, error) {
	eng, err := a.engine(concurrency)
	if err != nil {
		return nil, err
	}
	items := make([]batch.Item, len(histories))
	for i := range histories {
		items[i] = batch.Item{Index: i}
	}
	return eng.Run(ctx, items, func(ctx context.Context, it batch.Item) (string, error) {
		history := histories[it.Index]
		for i, m := range history {
			if !m.Role.IsValid() {
				return "", apperr.New(apperr.InvalidContent, "app: batch chat", "message %d has invalid role %q", i, m.Role)
			}
		}
		reply, _, err := a.client.Continue(ctx, llmclient.NewConversation(history...))
		return reply, err
	})
}

// SessionChat appends text to the conversation of sessionID (creating it if
// needed) and returns the reply. Turns of one session are serialized.
func (a *App) SessionChat(ctx context.Context, sessionID, text string) (string, error) {
	return a.sessions.Turn(ctx, sessionID, func(conv llmclient.Conversation) (string, llmclient.Conversation, error) {
		return a.client.Chat(ctx, conv, text)
	})
}

// EndSession discards the conversation of sessionID.
func (a *App) EndSession(sessionID string) error {
	return a.sessions.End(sessionID)
}

// ChatSession returns the metadata of sessionID.
func (a *App) ChatSession(sessionID string) (SessionInfo, bool) {
	return a.sessions.Info(sessionID)
}

// ChatSessions lists the open chat sessions ordered by start time.
func (a *App) ChatSessions() []SessionInfo {
	return a.sessions.List()
}

// ─── Analysis ────────────────────────────────────────────────────────────────

// AnalyzeFiles normalizes every file and sends them with prompt as one
// request. hint restricts the accepted kind; [normalize.HintAuto] accepts a
// mix.
func (a *App) AnalyzeFiles(ctx context.Context, paths []string, prompt string, hint normalize.Hint, detail content.DetailHint) (string, error) {
	blocks, err := a.normalizer.NormalizeFiles(ctx, paths, hint, detail)
	if err != nil {
		return "", err
	}
	return a.client.Analyze(ctx, blocks, prompt)
}

// AnalyzeURLs downloads every URL, normalizes the documents and analyzes
// them with prompt as one request. hint restricts the accepted kind;
// [normalize.HintAuto] accepts a mix.
func (a *App) AnalyzeURLs(ctx context.Context, urls []string, prompt string, hint normalize.Hint, detail content.DetailHint) (string, error) {
	if len(urls) == 0 {
		return "", apperr.New(apperr.InvalidContent, "app: analyze urls", "no urls given")
	}
	parts := make([][]content.Block, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, u := range urls {
		g.Go(func() error {
			doc, err := a.fetcher.Fetch(gctx, u)
			if err != nil {
				return err
			}
			blocks, err := a.normalizer.NormalizeBytes(gctx, doc.Name, doc.ContentType, doc.Data, hint, detail)
			if err != nil {
				return err
			}
			parts[i] = blocks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	var blocks []content.Block
	for _, p := range parts {
		blocks = append(blocks, p...)
	}
	return a.client.Analyze(ctx, blocks, prompt)
}

// AnalyzeImageGroups analyzes every group of image files with prompt as an
// independent request through the batch engine. Results are in group order.
func (a *App) AnalyzeImageGroups(ctx context.Context, groups [][]string, prompt string, detail content.DetailHint, concurrency int) ([]batch.Result, error) {
	eng, err := a.engine(concurrency)
	if err != nil {
		return nil, err
	}
	items := make([]batch.Item, len(groups))
	for i := range groups {
		items[i] = batch.Item{Index: i, Prompt: prompt}
	}
	return eng.Run(ctx, items, func(ctx context.Context, it batch.Item) (string, error) {
		return a.AnalyzeFiles(ctx, groups[it.Index], it.Prompt, normalize.HintImage, detail)
	})
}

// ─── Batch ───────────────────────────────────────────────────────────────────

// SimpleBatchChat sends prompt+"\n"+message for every message as an
// independent chat turn and returns the results in input order. A zero
// concurrency uses the configured limit.
func (a *App) SimpleBatchChat(ctx context.Context, prompt string, messages []string, concurrency int) ([]batch.Result, error) {
	eng, err := a.engine(concurrency)
	if err != nil {
		return nil, err
	}
	items := make([]batch.Item, len(messages))
	for i, m := range messages {
		items[i] = batch.Item{Index: i, Prompt: joinPrompt(prompt, m)}
	}
	return eng.Run(ctx, items, func(ctx context.Context, it batch.Item) (string, error) {
		reply, _, err := a.client.Chat(ctx, llmclient.NewConversation(), it.Prompt)
		return reply, err
	})
}

// Shutdown releases all resources. Safe to call more than once.
func (a *App) Shutdown(_ context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		for _, c := range a.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		slog.Info("app shut down")
	})
	if len(errs) > 0 {
		return fmt.Errorf("app: shutdown: %w", errors.Join(errs...))
	}
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func joinPrompt(prompt, text string) string {
	if strings.TrimSpace(prompt) == "" {
		return text
	}
	return prompt + "\n" + text
}

// Command aichat runs chat, batch and document analysis requests against an
// OpenAI or Azure OpenAI model, and serves the same operations as tools over
// stdio, SSE or HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knd3dayo/ai-chat-util/internal/app"
	"github.com/knd3dayo/ai-chat-util/internal/config"
	"github.com/knd3dayo/ai-chat-util/internal/observe"
	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
	"github.com/knd3dayo/ai-chat-util/pkg/provider/llm"
	"github.com/knd3dayo/ai-chat-util/pkg/provider/llm/openai"
)

// version is reported to tool clients and in telemetry.
var version = "0.1.0"

const usage = `usage: aichat [--config FILE] [--loglevel LEVEL] [--logfile FILE] <command> [flags]

commands:
  chat                  send one prompt, with optional inputs, and print the reply
  batch_chat            run a prompt over every row of a spreadsheet
  analyze_image_files   analyze image files with a prompt
  analyze_pdf_files     analyze PDF files with a prompt
  analyze_office_files  analyze Office documents with a prompt
  analyze_files         analyze files of any supported kind with a prompt
  analyze_image_urls    download and analyze images with a prompt
  analyze_pdf_urls      download and analyze PDF documents with a prompt
  analyze_office_urls   download and analyze Office documents with a prompt
  analyze_urls          download and analyze documents of any kind with a prompt
  serve                 serve the tools over stdio, sse or http
  call                  list or call the tools of a running server
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// ── Global flags ───────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("aichat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "", "path to the YAML configuration file (default: "+config.DefaultPath+" if present)")
	envFile := fs.String("env", ".env", "dotenv file loaded before the configuration")
	logLevel := fs.String("loglevel", "", "log level: debug, info, warn, error")
	logFile := fs.String("logfile", "", "append logs to this file instead of stderr")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 1
	}
	name, cmdArgs := fs.Arg(0), fs.Args()[1:]

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "aichat: unknown command %q\n\n%s", name, usage)
		return 1
	}

	// The `call` client never talks to a model; it needs no configuration.
	if name == "call" {
		logger, closeLog, err := newLogger(config.LogLevel(*logLevel), *logFile, stderr)
		if err != nil {
			fmt.Fprintf(stderr, "aichat: %v\n", err)
			return 1
		}
		defer closeLog()
		slog.SetDefault(logger)
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return report(stderr, runCall(ctx, cmdArgs, stdout, stderr))
	}

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(stderr, "aichat: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "aichat: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(*logLevel)
	}
	if *logFile != "" {
		cfg.Server.LogFile = *logFile
	}
	if !cfg.Server.LogLevel.IsValid() {
		fmt.Fprintf(stderr, "aichat: invalid log level %q\n", cfg.Server.LogLevel)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, closeLog, err := newLogger(cfg.Server.LogLevel, cfg.Server.LogFile, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "aichat: %v\n", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)

	slog.Debug("aichat starting",
		"command", name,
		"provider", cfg.LLM.Path(),
		"concurrency", cfg.Batch.Concurrency,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return report(stderr, err)
	}

	application, err := app.New(ctx, cfg, providers, app.WithProgress(logProgress))
	if err != nil {
		return report(stderr, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown error", "err", err)
		}
	}()

	env := &cmdEnv{
		app:    application,
		cfg:    cfg,
		tel:    tel,
		stdout: stdout,
		stderr: stderr,
	}
	return report(stderr, cmd(ctx, env, cmdArgs))
}

// report prints err and maps it to the process exit code.
func report(stderr io.Writer, err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		return 1
	}
	if k := apperr.KindOf(err); k != "" {
		slog.Debug("command failed", "kind", k, "err", err)
	}
	fmt.Fprintf(stderr, "aichat: %v\n", err)
	return 1
}

func logProgress(done, total int) {
	slog.Info("batch progress", "done", done, "total", total)
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the OpenAI and Azure OpenAI factories into
// reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		p, err := openai.New(entry.APIKey, entry.Model, providerOptions(entry)...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	reg.RegisterLLM("azure", func(entry config.ProviderEntry) (llm.Provider, error) {
		p, err := openai.NewAzure(entry.Endpoint, entry.APIVersion, entry.APIKey, entry.Model, providerOptions(entry)...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	for _, name := range reg.LLMNames() {
		slog.Debug("registered provider", "kind", "llm", "name", name)
	}
}

func providerOptions(entry config.ProviderEntry) []openai.Option {
	var opts []openai.Option
	if entry.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(entry.BaseURL))
	}
	if entry.Organization != "" {
		opts = append(opts, openai.WithOrganization(entry.Organization))
	}
	if entry.Timeout > 0 {
		opts = append(opts, openai.WithTimeout(entry.Timeout))
	}
	return opts
}

func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	primary, err := reg.CreateLLM(cfg.LLM.ProviderEntry)
	if err != nil {
		return nil, apperr.Wrap(apperr.ConfigurationError, "create llm provider", err)
	}
	ps := &app.Providers{LLM: primary}
	slog.Debug("provider created", "kind", "llm", "path", cfg.LLM.Path())

	for _, fb := range cfg.LLM.Fallbacks {
		p, err := reg.CreateLLM(fb)
		if err != nil {
			return nil, apperr.Wrap(apperr.ConfigurationError, "create fallback provider", err)
		}
		ps.Fallbacks = append(ps.Fallbacks, app.NamedProvider{Name: fb.Path(), Provider: p})
		slog.Debug("fallback provider created", "path", fb.Path())
	}
	return ps, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger at level writing to file, or to stderr
// when file is empty. The returned func closes the file.
func newLogger(level config.LogLevel, file string, stderr io.Writer) (*slog.Logger, func(), error) {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	w, closeFn := stderr, func() {}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, closeFn = f, func() { _ = f.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), closeFn, nil
}

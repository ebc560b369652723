package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knd3dayo/ai-chat-util/internal/app"
	"github.com/knd3dayo/ai-chat-util/internal/config"
	"github.com/knd3dayo/ai-chat-util/internal/health"
	"github.com/knd3dayo/ai-chat-util/internal/mcp"
	"github.com/knd3dayo/ai-chat-util/internal/mcp/httpapi"
	"github.com/knd3dayo/ai-chat-util/internal/mcp/mcpclient"
	"github.com/knd3dayo/ai-chat-util/internal/mcp/mcpserver"
	"github.com/knd3dayo/ai-chat-util/internal/mcp/tools"
	"github.com/knd3dayo/ai-chat-util/internal/mcp/tools/aitools"
	"github.com/knd3dayo/ai-chat-util/internal/normalize"
	"github.com/knd3dayo/ai-chat-util/internal/observe"
	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
	"github.com/knd3dayo/ai-chat-util/pkg/content"
)

// errUsage marks a command-line error that the flag set already reported.
var errUsage = errors.New("usage error")

// cmdEnv carries what the subcommands share.
type cmdEnv struct {
	app    *app.App
	cfg    *config.Config
	tel    *observe.Telemetry
	stdout io.Writer
	stderr io.Writer
}

type command func(ctx context.Context, env *cmdEnv, args []string) error

var commands = map[string]command{
	"chat":                 runChat,
	"batch_chat":           runBatchChat,
	"analyze_image_files":  analyzeFiles(normalize.HintImage),
	"analyze_pdf_files":    analyzeFiles(normalize.HintPDF),
	"analyze_office_files": analyzeFiles(normalize.HintOffice),
	"analyze_files":        analyzeFiles(normalize.HintAuto),
	"analyze_image_urls":   analyzeURLs(normalize.HintImage),
	"analyze_pdf_urls":     analyzeURLs(normalize.HintPDF),
	"analyze_office_urls":  analyzeURLs(normalize.HintOffice),
	"analyze_urls":         analyzeURLs(normalize.HintAuto),
	"serve":                runServe,
	// call is dispatched before configuration is loaded; see run.
	"call": nil,
}

// stringList is a repeatable flag that also splits comma-separated values.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("aichat "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	return nil
}

func parseDetail(s string) (content.DetailHint, error) {
	d, err := content.ParseDetailHint(s)
	if err != nil {
		return "", apperr.Wrap(apperr.ConfigurationError, "image_detail", err)
	}
	return d, nil
}

// ── chat ──────────────────────────────────────────────────────────────────────

func runChat(ctx context.Context, env *cmdEnv, args []string) error {
	fs := newFlagSet("chat", env.stderr)
	prompt := fs.String("p", "", "prompt text (default: remaining arguments)")
	var inputs stringList
	fs.Var(&inputs, "i", "file path or text sent with the prompt; repeat or separate with commas")
	if err := parse(fs, args); err != nil {
		return err
	}
	text := *prompt
	if text == "" {
		text = strings.Join(fs.Args(), " ")
	}
	reply, err := env.app.ChatInputs(ctx, text, inputs)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(env.stdout, reply)
	return err
}

// ── batch_chat ────────────────────────────────────────────────────────────────

func runBatchChat(ctx context.Context, env *cmdEnv, args []string) error {
	fs := newFlagSet("batch_chat", env.stderr)
	var job app.TableJob
	fs.StringVar(&job.InputPath, "i", "", "input spreadsheet (.xlsx or .csv)")
	fs.StringVar(&job.OutputPath, "o", app.DefaultOutputPath, "output spreadsheet")
	fs.StringVar(&job.Prompt, "p", "", "prompt applied to every row")
	fs.StringVar(&job.ContentColumn, "content_column", app.DefaultContentColumn, "column holding row text")
	fs.StringVar(&job.FilePathColumn, "file_path_column", app.DefaultFilePathColumn, "column holding a file path")
	fs.StringVar(&job.OutputColumn, "output_column", app.DefaultOutputColumn, "column receiving replies")
	fs.IntVar(&job.Concurrency, "concurrency", 0, "maximum parallel requests (default: batch.concurrency)")
	detail := fs.String("image_detail", "", "image detail: auto, low or high")
	if err := parse(fs, args); err != nil {
		return err
	}
	if job.InputPath == "" {
		fmt.Fprintln(env.stderr, "aichat batch_chat: -i is required")
		return errUsage
	}
	d, err := parseDetail(*detail)
	if err != nil {
		return err
	}
	job.Detail = d

	rep, err := env.app.BatchChatFromTable(ctx, job)
	if err != nil {
		return err
	}
	for _, r := range rep.Results {
		if !r.OK() {
			slog.Warn("row failed", "row", r.Row+1, "kind", r.Kind(), "attempts", r.Attempts, "err", r.Err)
		}
	}
	return writeJSON(env.stdout, rep)
}

// ── analyze_* ─────────────────────────────────────────────────────────────────

func analyzeFiles(hint normalize.Hint) command {
	return func(ctx context.Context, env *cmdEnv, args []string) error {
		fs := newFlagSet("analyze", env.stderr)
		var files stringList
		fs.Var(&files, "i", "input file; repeat or separate with commas")
		prompt := fs.String("p", "", "analysis prompt")
		detail := fs.String("image_detail", "", "image detail: auto, low or high")
		if err := parse(fs, args); err != nil {
			return err
		}
		files = append(files, fs.Args()...)
		if len(files) == 0 {
			fmt.Fprintln(env.stderr, "aichat: at least one -i file is required")
			return errUsage
		}
		d, err := parseDetail(*detail)
		if err != nil {
			return err
		}
		reply, err := env.app.AnalyzeFiles(ctx, files, *prompt, hint, d)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(env.stdout, reply)
		return err
	}
}

func analyzeURLs(hint normalize.Hint) command {
	return func(ctx context.Context, env *cmdEnv, args []string) error {
		fs := newFlagSet("analyze_urls", env.stderr)
		var urls stringList
		fs.Var(&urls, "u", "URL to analyze; repeat or separate with commas")
		prompt := fs.String("p", "", "analysis prompt")
		detail := fs.String("image_detail", "", "image detail: auto, low or high")
		if err := parse(fs, args); err != nil {
			return err
		}
		urls = append(urls, fs.Args()...)
		d, err := parseDetail(*detail)
		if err != nil {
			return err
		}
		reply, err := env.app.AnalyzeURLs(ctx, urls, *prompt, hint, d)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(env.stdout, reply)
		return err
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func runServe(ctx context.Context, env *cmdEnv, args []string) error {
	fs := newFlagSet("serve", env.stderr)
	transportFlag := fs.String("transport", string(env.cfg.MCP.Transport), "stdio, sse or http")
	var allow stringList
	fs.Var(&allow, "tools", "comma-separated allow-list of tools (default: mcp.tools)")
	addr := fs.String("addr", env.cfg.Server.ListenAddr, "listen address for sse and http")
	if err := parse(fs, args); err != nil {
		return err
	}
	transport, ok := mcp.ParseTransport(*transportFlag)
	if !ok {
		return apperr.New(apperr.ConfigurationError, "serve", "unknown transport %q", *transportFlag)
	}
	if len(allow) == 0 {
		allow = env.cfg.MCP.Tools
	}

	reg, err := buildToolRegistry(env.app, allow)
	if err != nil {
		return err
	}
	srv := mcpserver.New("aichat", version, reg)
	slog.Info("tool server starting", "transport", transport, "tools", reg.Names())

	if transport == mcp.TransportStdio {
		err = srv.ServeStdio(ctx)
	} else {
		checks := append(env.app.Checkers(), health.Tools(reg.Len))
		h := httpapi.New(httpapi.Config{
			Transport:      transport,
			Registry:       reg,
			Server:         srv,
			CORSOrigins:    env.cfg.MCP.CORSOrigins,
			MaxBodyBytes:   env.cfg.MCP.MaxBodyBytes,
			Health:         health.New(checks...),
			MetricsHandler: env.tel.Handler(),
		})
		err = h.ListenAndServe(ctx, *addr, 15*time.Second)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("tool server stopped")
	return err
}

// buildToolRegistry registers the full catalog and narrows it to allow.
func buildToolRegistry(b aitools.Backend, allow []string) (*tools.Registry, error) {
	catalog, err := aitools.Tools(b)
	if err != nil {
		return nil, err
	}
	reg := tools.NewRegistry()
	if err := reg.Register(catalog...); err != nil {
		return nil, apperr.Wrap(apperr.ConfigurationError, "serve", err)
	}
	return reg.Narrow(allow)
}

// ── call ──────────────────────────────────────────────────────────────────────

func runCall(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("call", stderr)
	server := fs.String("server", "", "server command line (stdio) or endpoint URL (sse, http)")
	transportFlag := fs.String("transport", "http", "stdio, sse or http")
	tool := fs.String("tool", "", "tool to call; lists the tools when empty")
	rawArgs := fs.String("args", "{}", "JSON object of tool arguments, or @FILE")
	timeout := fs.Duration("timeout", 10*time.Minute, "overall call timeout")
	if err := parse(fs, args); err != nil {
		return err
	}
	transport, ok := mcp.ParseTransport(*transportFlag)
	if !ok {
		return apperr.New(apperr.ConfigurationError, "call", "unknown transport %q", *transportFlag)
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	c, err := mcpclient.Connect(ctx, transport, *server)
	if err != nil {
		return err
	}
	defer c.Close()

	if *tool == "" {
		list, err := c.ListTools(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, list)
	}

	payload := []byte(*rawArgs)
	if name, ok := strings.CutPrefix(*rawArgs, "@"); ok {
		if payload, err = os.ReadFile(name); err != nil {
			return apperr.Wrap(apperr.InvalidContent, "call: read args", err)
		}
	}
	out, err := c.CallTool(ctx, *tool, payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, out)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

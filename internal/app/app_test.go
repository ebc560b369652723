package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knd3dayo/ai-chat-util/internal/app"
	"github.com/knd3dayo/ai-chat-util/internal/batch"
	"github.com/knd3dayo/ai-chat-util/internal/config"
	"github.com/knd3dayo/ai-chat-util/internal/normalize"
	"github.com/knd3dayo/ai-chat-util/internal/tabular"
	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
	"github.com/knd3dayo/ai-chat-util/pkg/provider/llm"
	llmmock "github.com/knd3dayo/ai-chat-util/pkg/provider/llm/mock"
)

// testConfig returns a defaulted config rooted at a temporary working
// directory.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		LLM: config.LLMConfig{
			ProviderEntry: config.ProviderEntry{Name: "openai", Model: "gpt-test", APIKey: "sk-test"},
		},
		Files: config.FilesConfig{WorkingDirectory: t.TempDir()},
	}
	cfg.ApplyDefaults()
	return cfg
}

// echoProvider replies with the text of the last user message.
func echoProvider() *llmmock.Provider {
	return &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			last := req.Messages[len(req.Messages)-1]
			return &llm.CompletionResponse{Content: "echo: " + last.Text()}, nil
		},
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestApp(t *testing.T, cfg *config.Config, p llm.Provider, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithBatchOptions(batch.WithSleepFunc(noSleep))}, opts...)
	a, err := app.New(context.Background(), cfg, &app.Providers{LLM: p}, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_RequiresProvider(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(t), &app.Providers{})
	if !apperr.Is(err, apperr.ConfigurationError) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
	_, err = app.New(context.Background(), nil, &app.Providers{LLM: echoProvider()})
	if !apperr.Is(err, apperr.ConfigurationError) {
		t.Fatalf("nil config: err = %v, want ConfigurationError", err)
	}
}

func TestNew_InvalidConcurrency(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Batch.Concurrency = -1
	_, err := app.New(context.Background(), cfg, &app.Providers{LLM: echoProvider()})
	if !apperr.Is(err, apperr.ConfigurationError) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), &app.Providers{LLM: echoProvider()})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() returned error: %v", err)
	}
	// Second call is a no-op.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() returned error: %v", err)
	}
}

func TestApp_CompletionModel(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), echoProvider())
	if got := a.CompletionModel(); got != "openai/gpt-test" {
		t.Errorf("CompletionModel() = %q, want openai/gpt-test", got)
	}
}

func TestApp_Chat(t *testing.T) {
	t.Parallel()

	p := echoProvider()
	a := newTestApp(t, testConfig(t), p)

	reply, err := a.Chat(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Chat() returned error: %v", err)
	}
	if reply != "echo: hello" {
		t.Errorf("reply = %q", reply)
	}
	if n := len(p.Calls()); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestApp_RunChat(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), echoProvider())
	history := []llm.Message{
		llm.TextMessage(llm.RoleUser, "first"),
		llm.TextMessage(llm.RoleAssistant, "ok"),
		llm.TextMessage(llm.RoleUser, "second"),
	}
	reply, out, err := a.RunChat(context.Background(), history)
	if err != nil {
		t.Fatalf("RunChat() returned error: %v", err)
	}
	if reply != "echo: second" {
		t.Errorf("reply = %q", reply)
	}
	if len(out) != 4 || out[3].Role != llm.RoleAssistant {
		t.Errorf("history = %+v, want 4 turns ending with the assistant", out)
	}
}

func TestApp_RunChat_InvalidRole(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), echoProvider())
	_, _, err := a.RunChat(context.Background(), []llm.Message{llm.TextMessage("robot", "hi")})
	if !apperr.Is(err, apperr.InvalidContent) {
		t.Fatalf("err = %v, want InvalidContent", err)
	}
}

func TestApp_SessionChat(t *testing.T) {
	t.Parallel()

	p := echoProvider()
	a := newTestApp(t, testConfig(t), p)
	ctx := context.Background()

	if _, err := a.SessionChat(ctx, "s1", "one"); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if _, err := a.SessionChat(ctx, "s1", "two"); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	calls := p.Calls()
	if got := len(calls[1].Req.Messages); got != 3 {
		t.Errorf("second request carried %d messages, want 3", got)
	}
	info, ok := a.Sessions().Info("s1")
	if !ok || info.Turns != 4 {
		t.Errorf("session info = %+v, %v; want 4 turns", info, ok)
	}
}

func TestApp_SimpleBatchChat(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), echoProvider())
	results, err := a.SimpleBatchChat(context.Background(), "Translate:", []string{"a", "b", "c"}, 2)
	if err != nil {
		t.Fatalf("SimpleBatchChat() returned error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for i, want := range []string{"a", "b", "c"} {
		r := results[i]
		if r.Index != i || !r.OK() {
			t.Fatalf("result %d = %+v", i, r)
		}
		if r.Text != "echo: Translate:\n"+want {
			t.Errorf("result %d text = %q", i, r.Text)
		}
	}
}

func TestApp_SimpleBatchChat_RetriesAndIsolatesFailures(t *testing.T) {
	t.Parallel()

	var flaky atomic.Int32
	p := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			text := req.Messages[len(req.Messages)-1].Text()
			switch {
			case strings.HasSuffix(text, "flaky") && flaky.Add(1) == 1:
				return nil, apperr.New(apperr.RateLimited, "mock", "429")
			case strings.HasSuffix(text, "bad"):
				return nil, apperr.New(apperr.InvalidContent, "mock", "rejected")
			}
			return &llm.CompletionResponse{Content: "ok"}, nil
		},
	}
	a := newTestApp(t, testConfig(t), p)

	results, err := a.SimpleBatchChat(context.Background(), "", []string{"flaky", "bad", "fine"}, 0)
	if err != nil {
		t.Fatalf("SimpleBatchChat() returned error: %v", err)
	}
	if !results[0].OK() || results[0].Attempts != 2 {
		t.Errorf("flaky result = %+v, want success after 2 attempts", results[0])
	}
	if results[1].Kind() != apperr.InvalidContent || results[1].Attempts != 1 {
		t.Errorf("bad result = %+v, want one InvalidContent attempt", results[1])
	}
	if !results[2].OK() {
		t.Errorf("fine result = %+v", results[2])
	}
}

func TestApp_BatchChatTable(t *testing.T) {
	t.Parallel()

	p := echoProvider()
	a := newTestApp(t, testConfig(t), p)

	tbl := &tabular.Table{
		Header: []string{"content", "file_path"},
		Rows: [][]string{
			{"first_x000D_ line", ""},
			{"", ""},
			{"with missing file", "nowhere.png"},
			{"", "nowhere.png"},
		},
	}
	report, err := a.BatchChatTable(context.Background(), tbl, app.TableJob{Prompt: "Summarize"})
	if err != nil {
		t.Fatalf("BatchChatTable() returned error: %v", err)
	}
	if report.Rows != 4 || report.Succeeded != 2 || report.Failed != 1 || report.Skipped != 1 {
		t.Errorf("report = %+v", report)
	}

	out := tbl.Column("output")
	if out < 0 {
		t.Fatal("output column not written")
	}
	if got := tbl.Cell(0, out); got != "echo: Summarize\nfirst line" {
		t.Errorf("row 0 = %q", got)
	}
	if got := tbl.Cell(1, out); got != "" {
		t.Errorf("empty row = %q, want empty", got)
	}
	if got := tbl.Cell(2, out); got != "echo: Summarize\nwith missing file" {
		t.Errorf("row 2 = %q", got)
	}
	if got := tbl.Cell(3, out); !strings.HasPrefix(got, "ERROR[UnsupportedFormat]: ") {
		t.Errorf("row 3 = %q, want an UnsupportedFormat error cell", got)
	}
	if n := len(p.Calls()); n != 2 {
		t.Errorf("provider calls = %d, want 2", n)
	}

	// The skipped row leaves no gap: items are numbered 0..2 and map back
	// to table rows 0, 2 and 3.
	if len(report.Results) != 3 {
		t.Fatalf("results = %+v, want 3", report.Results)
	}
	for k, want := range []int{0, 2, 3} {
		r := report.Results[k]
		if r.Index != k || r.Row != want {
			t.Errorf("result %d = {Index:%d Row:%d}, want {Index:%d Row:%d}", k, r.Index, r.Row, k, want)
		}
	}
	if report.Results[2].Kind() != apperr.UnsupportedFormat {
		t.Errorf("row 3 kind = %q, want UnsupportedFormat", report.Results[2].Kind())
	}
}

func TestApp_BatchChatTable_MissingColumns(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), echoProvider())
	tbl := &tabular.Table{Header: []string{"text"}, Rows: [][]string{{"x"}}}
	_, err := a.BatchChatTable(context.Background(), tbl, app.TableJob{})
	if !apperr.Is(err, apperr.ConfigurationError) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestApp_BatchChatTable_FileOnlyRow(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.Files.WorkingDirectory, "notes.txt"), []byte("meeting notes"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := echoProvider()
	a := newTestApp(t, cfg, p)

	tbl := &tabular.Table{Header: []string{"file_path"}, Rows: [][]string{{"notes.txt"}}}
	report, err := a.BatchChatTable(context.Background(), tbl, app.TableJob{Prompt: "Summarize"})
	if err != nil {
		t.Fatalf("BatchChatTable() returned error: %v", err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("report = %+v, results = %+v", report, report.Results)
	}
	parts := p.Calls()[0].Req.Messages[0].Parts
	if len(parts) != 2 || parts[0].Text != "Summarize" || !strings.Contains(parts[1].Text, "meeting notes") {
		t.Errorf("parts = %+v, want the prompt followed by the file text", parts)
	}
}

func TestApp_BatchChatFromTable_CSV(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	dir := cfg.Files.WorkingDirectory
	in := filepath.Join(dir, "in.csv")
	if err := os.WriteFile(in, []byte("content\nalpha\nbeta\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	a := newTestApp(t, cfg, echoProvider())

	report, err := a.BatchChatFromTable(context.Background(), app.TableJob{
		InputPath:  "in.csv",
		OutputPath: "out.csv",
		Prompt:     "P",
	})
	if err != nil {
		t.Fatalf("BatchChatFromTable() returned error: %v", err)
	}
	if report.OutputPath != filepath.Join(dir, "out.csv") {
		t.Errorf("output path = %q", report.OutputPath)
	}
	got, err := tabular.Read(report.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	col := got.Column("output")
	if col < 0 || got.Cell(1, col) != "echo: P\nbeta" {
		t.Errorf("output table = %+v", got)
	}
}

func TestApp_BatchChatFromTable_MissingInput(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), echoProvider())
	_, err := a.BatchChatFromTable(context.Background(), app.TableJob{InputPath: "missing.xlsx"})
	if err == nil {
		t.Fatal("expected error for a missing input table")
	}
}

func TestApp_AnalyzeFiles(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	dir := cfg.Files.WorkingDirectory
	for name, body := range map[string]string{"a.txt": "alpha", "b.md": "beta"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	p := echoProvider()
	a := newTestApp(t, cfg, p)

	if _, err := a.AnalyzeFiles(context.Background(), []string{"a.txt", "b.md"}, "Compare", normalize.HintAuto, ""); err != nil {
		t.Fatalf("AnalyzeFiles() returned error: %v", err)
	}
	parts := p.Calls()[0].Req.Messages[0].Parts
	if len(parts) != 3 || parts[0].Text != "Compare" {
		t.Fatalf("parts = %+v", parts)
	}
	if !strings.Contains(parts[1].Text, "alpha") || !strings.Contains(parts[2].Text, "beta") {
		t.Errorf("file blocks out of order: %+v", parts[1:])
	}
}

func TestApp_AnalyzeFiles_HintMismatch(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.Files.WorkingDirectory, "a.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := echoProvider()
	a := newTestApp(t, cfg, p)

	_, err := a.AnalyzeFiles(context.Background(), []string{"a.txt"}, "Describe", normalize.HintImage, "")
	if !apperr.Is(err, apperr.UnsupportedFormat) {
		t.Fatalf("err = %v, want UnsupportedFormat", err)
	}
	if len(p.Calls()) != 0 {
		t.Error("provider must not be called when normalization fails")
	}
}

func TestApp_AnalyzeURLs(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/notes.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("release notes"))
	}))
	defer srv.Close()

	p := echoProvider()
	a := newTestApp(t, testConfig(t), p)

	if _, err := a.AnalyzeURLs(context.Background(), []string{srv.URL + "/notes.txt"}, "Summarize", normalize.HintAuto, ""); err != nil {
		t.Fatalf("AnalyzeURLs() returned error: %v", err)
	}
	parts := p.Calls()[0].Req.Messages[0].Parts
	if len(parts) != 2 || !strings.Contains(parts[1].Text, "release notes") {
		t.Errorf("parts = %+v", parts)
	}

	if _, err := a.AnalyzeURLs(context.Background(), []string{srv.URL + "/missing"}, "Summarize", normalize.HintAuto, ""); !apperr.Is(err, apperr.InvalidContent) {
		t.Errorf("404 URL: err = %v, want InvalidContent", err)
	}
	if _, err := a.AnalyzeURLs(context.Background(), nil, "x", normalize.HintAuto, ""); !apperr.Is(err, apperr.InvalidContent) {
		t.Errorf("empty urls: err = %v, want InvalidContent", err)
	}
}

func TestApp_AnalyzeURLs_KindHint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("not a picture"))
	}))
	defer srv.Close()

	p := echoProvider()
	a := newTestApp(t, testConfig(t), p)

	_, err := a.AnalyzeURLs(context.Background(), []string{srv.URL + "/photo"}, "Describe", normalize.HintImage, "")
	if !apperr.Is(err, apperr.UnsupportedFormat) {
		t.Fatalf("err = %v, want UnsupportedFormat", err)
	}
	if len(p.Calls()) != 0 {
		t.Error("provider must not be called when the document kind does not match")
	}
}

// pngHeader is enough of a PNG for content sniffing.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestApp_AnalyzeImageGroups(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		if err := os.WriteFile(filepath.Join(cfg.Files.WorkingDirectory, name), pngHeader, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	p := echoProvider()
	a := newTestApp(t, cfg, p)

	groups := [][]string{{"a.png", "b.png"}, {"c.png"}, {"missing.png"}}
	results, err := a.AnalyzeImageGroups(context.Background(), groups, "Describe", "low", 1)
	if err != nil {
		t.Fatalf("AnalyzeImageGroups() returned error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if !results[0].OK() || !results[1].OK() {
		t.Errorf("results = %+v", results)
	}
	if results[2].Kind() != apperr.UnsupportedFormat {
		t.Errorf("missing image: kind = %s, want UnsupportedFormat", results[2].Kind())
	}

	calls := p.Calls()
	if len(calls) != 2 {
		t.Fatalf("provider called %d times, want 2", len(calls))
	}
	for i, want := range []int{3, 2} {
		parts := calls[i].Req.Messages[0].Parts
		if len(parts) != want || parts[0].Text != "Describe" || parts[1].Detail != "low" {
			t.Errorf("call %d parts = %+v", i, parts)
		}
	}
}

func TestApp_BatchChat(t *testing.T) {
	t.Parallel()

	p := echoProvider()
	a := newTestApp(t, testConfig(t), p)
	histories := [][]llm.Message{
		{llm.TextMessage(llm.RoleSystem, "terse"), llm.TextMessage(llm.RoleUser, "one")},
		{llm.TextMessage("robot", "two")},
		{llm.TextMessage(llm.RoleUser, "three")},
	}
	results, err := a.BatchChat(context.Background(), histories, 2)
	if err != nil {
		t.Fatalf("BatchChat() returned error: %v", err)
	}
	if len(results) != 3 || results[0].Text != "echo: one" || results[2].Text != "echo: three" {
		t.Fatalf("results = %+v", results)
	}
	if results[1].Kind() != apperr.InvalidContent || results[1].Attempts != 1 {
		t.Errorf("invalid history = %+v, want one InvalidContent attempt", results[1])
	}
	if len(p.Calls()) != 2 {
		t.Errorf("provider called %d times, want 2", len(p.Calls()))
	}
	for _, c := range p.Calls() {
		if c.Req.Messages[0].Role == llm.RoleSystem && len(c.Req.Messages) != 2 {
			t.Errorf("first history sent as %+v", c.Req.Messages)
		}
	}
}

func TestApp_ChatInputs(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.Files.WorkingDirectory, "notes.txt"), []byte("alpha"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := echoProvider()
	a := newTestApp(t, cfg, p)

	if _, err := a.ChatInputs(context.Background(), "Summarize", []string{"notes.txt", "an inline remark"}); err != nil {
		t.Fatalf("ChatInputs() returned error: %v", err)
	}
	parts := p.Calls()[0].Req.Messages[0].Parts
	if len(parts) != 3 || parts[0].Text != "Summarize" || parts[1].Text != "alpha" || parts[2].Text != "an inline remark" {
		t.Errorf("parts = %+v", parts)
	}

	reply, err := a.ChatInputs(context.Background(), "hello", nil)
	if err != nil || reply != "echo: hello" {
		t.Errorf("ChatInputs() without inputs = %q, %v", reply, err)
	}
}

func TestApp_ChatSessions(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), echoProvider())
	ctx := context.Background()
	for _, id := range []string{"s1", "s2", "s1"} {
		if _, err := a.SessionChat(ctx, id, "hi"); err != nil {
			t.Fatal(err)
		}
	}
	list := a.ChatSessions()
	if len(list) != 2 {
		t.Fatalf("ChatSessions() = %+v", list)
	}
	if info, ok := a.ChatSession("s1"); !ok || info.Turns != 4 {
		t.Errorf("ChatSession(s1) = %+v, %v; want 4 turns", info, ok)
	}
	if err := a.EndSession("s2"); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.ChatSession("s2"); ok {
		t.Error("ended session still listed")
	}
}

type fakeConverter struct{ err error }

func (f *fakeConverter) Convert(context.Context, string, string) (string, error) {
	return "", f.err
}

// pdfConverter writes a small PDF into the scratch directory.
type pdfConverter struct{ calls atomic.Int32 }

func (c *pdfConverter) Convert(_ context.Context, src, outDir string) (string, error) {
	c.calls.Add(1)
	out := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))+".pdf")
	return out, os.WriteFile(out, []byte("%PDF-1.7"), 0o600)
}

// TestApp_BatchChatTable_OfficeRowCleansUp checks that an Office row whose
// analysis the provider rejects leaves no scratch files behind.
func TestApp_BatchChatTable_OfficeRowCleansUp(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Files.TempDir = t.TempDir()
	if err := os.WriteFile(filepath.Join(cfg.Files.WorkingDirectory, "plan.docx"), []byte("PK\x03\x04"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := &llmmock.Provider{CompleteErr: apperr.New(apperr.InvalidContent, "openai", "file part rejected")}
	conv := &pdfConverter{}
	a := newTestApp(t, cfg, p, app.WithConverter(conv))

	tbl := &tabular.Table{Header: []string{"file_path"}, Rows: [][]string{{"plan.docx"}}}
	report, err := a.BatchChatTable(context.Background(), tbl, app.TableJob{Prompt: "Review"})
	if err != nil {
		t.Fatalf("BatchChatTable() returned error: %v", err)
	}
	if report.Failed != 1 || report.Results[0].Kind() != apperr.InvalidContent {
		t.Fatalf("report = %+v, want one InvalidContent failure", report)
	}
	if conv.calls.Load() != 1 {
		t.Errorf("converter calls = %d, want 1", conv.calls.Load())
	}
	entries, err := os.ReadDir(cfg.Files.TempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir not cleaned up: %d entries left", len(entries))
	}
}

func (f *fakeConverter) Binary() (string, error) { return "", f.err }

func TestApp_Checkers(t *testing.T) {
	t.Parallel()

	conv := &fakeConverter{err: errors.New("soffice not found")}
	a := newTestApp(t, testConfig(t), echoProvider(), app.WithConverter(conv))

	checks := a.Checkers()
	if len(checks) != 1 || checks[0].Name != "office" {
		t.Fatalf("checkers = %+v, want the office check", checks)
	}
	if err := checks[0].Check(context.Background()); err == nil {
		t.Error("office check should fail without a converter binary")
	}
}

func TestApp_WithFallbacks(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: apperr.New(apperr.ProviderUnavailable, "primary", "down")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from azure"}}
	a, err := app.New(context.Background(), testConfig(t), &app.Providers{
		LLM:       primary,
		Fallbacks: []app.NamedProvider{{Name: "azure/gpt-test", Provider: secondary}},
	})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	defer a.Shutdown(context.Background())

	reply, err := a.Chat(context.Background(), "hi")
	if err != nil || reply != "from azure" {
		t.Fatalf("Chat() = %q, %v; want the fallback reply", reply, err)
	}
	names := make([]string, 0)
	for _, c := range a.Checkers() {
		names = append(names, c.Name)
	}
	if !strings.Contains(strings.Join(names, ","), "llm") {
		t.Errorf("checkers = %v, want an llm check", names)
	}
}

package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
	"github.com/knd3dayo/ai-chat-util/pkg/content"
	"github.com/knd3dayo/ai-chat-util/pkg/provider/llm"
)

const okBody = `{"id":"cmpl-1","object":"chat.completion","created":0,"model":"gpt-4o",
"choices":[{"index":0,"message":{"role":"assistant","content":"hello back"},"finish_reason":"stop"}],
"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`

// recordingServer serves fixed responses and records every request it sees.
type recordingServer struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	status   int
	header   http.Header
	body     string
}

func (s *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, r.Clone(context.Background()))
	s.bodies = append(s.bodies, string(b))
	s.mu.Unlock()

	for k, v := range s.header {
		w.Header()[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(s.status)
	_, _ = io.WriteString(w, s.body)
}

func newTestProvider(t *testing.T, rs *recordingServer) *Provider {
	t.Helper()
	srv := httptest.NewServer(rs)
	t.Cleanup(srv.Close)
	p, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func userRequest(blocks ...content.Block) llm.CompletionRequest {
	return llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Parts: blocks}}}
}

// TestComplete_Success checks reply text and usage mapping.
func TestComplete_Success(t *testing.T) {
	rs := &recordingServer{status: http.StatusOK, body: okBody}
	p := newTestProvider(t, rs)

	resp, err := p.Complete(context.Background(), userRequest(content.Text("hello")))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "hello back" {
		t.Errorf("Content = %q, want %q", resp.Content, "hello back")
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("TotalTokens = %d, want 7", resp.Usage.TotalTokens)
	}
	if len(rs.requests) != 1 {
		t.Fatalf("server saw %d requests, want 1", len(rs.requests))
	}
	if got := rs.requests[0].Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
}

// TestComplete_MultimodalPayload checks that image and PDF blocks are sent as
// image_url and file parts.
func TestComplete_MultimodalPayload(t *testing.T) {
	rs := &recordingServer{status: http.StatusOK, body: okBody}
	p := newTestProvider(t, rs)

	_, err := p.Complete(context.Background(), userRequest(
		content.Text("describe"),
		content.Image([]byte{0x89, 'P', 'N', 'G'}, "image/png", content.DetailHigh),
		content.PDF([]byte("%PDF-1.4"), "doc.pdf"),
	))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var body struct {
		Messages []struct {
			Role    string `json:"role"`
			Content []struct {
				Type     string `json:"type"`
				Text     string `json:"text"`
				ImageURL struct {
					URL    string `json:"url"`
					Detail string `json:"detail"`
				} `json:"image_url"`
				File struct {
					FileData string `json:"file_data"`
					Filename string `json:"filename"`
				} `json:"file"`
			} `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal([]byte(rs.bodies[0]), &body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	if len(body.Messages) != 1 || len(body.Messages[0].Content) != 3 {
		t.Fatalf("unexpected message shape: %s", rs.bodies[0])
	}
	parts := body.Messages[0].Content
	if parts[0].Type != "text" || parts[0].Text != "describe" {
		t.Errorf("part 0 = %+v, want text", parts[0])
	}
	if parts[1].Type != "image_url" || parts[1].ImageURL.Detail != "high" ||
		!strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("part 1 = %+v, want image_url data URL with detail high", parts[1])
	}
	if parts[2].Type != "file" || parts[2].File.Filename != "doc.pdf" ||
		!strings.HasPrefix(parts[2].File.FileData, "data:application/pdf;base64,") {
		t.Errorf("part 2 = %+v, want inline pdf file", parts[2])
	}
}

// TestComplete_ErrorClassification checks HTTP status to error kind mapping
// and that the SDK does not retry on its own.
func TestComplete_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		want   apperr.Kind
		retry  time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, http.Header{"Retry-After": {"2"}}, apperr.RateLimited, 2 * time.Second},
		{"server error", http.StatusBadGateway, nil, apperr.ProviderUnavailable, 0},
		{"unauthorized", http.StatusUnauthorized, nil, apperr.ProviderUnavailable, 0},
		{"bad request", http.StatusBadRequest, nil, apperr.InvalidContent, 0},
		{"too large", http.StatusRequestEntityTooLarge, nil, apperr.InvalidContent, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := &recordingServer{
				status: tt.status,
				header: tt.header,
				body:   `{"error":{"message":"nope","type":"test"}}`,
			}
			p := newTestProvider(t, rs)

			_, err := p.Complete(context.Background(), userRequest(content.Text("x")))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperr.KindOf(err); got != tt.want {
				t.Errorf("KindOf = %q, want %q (err: %v)", got, tt.want, err)
			}
			if got := apperr.RetryAfterOf(err); got != tt.retry {
				t.Errorf("RetryAfter = %v, want %v", got, tt.retry)
			}
			if len(rs.requests) != 1 {
				t.Errorf("server saw %d requests, want exactly 1", len(rs.requests))
			}
		})
	}
}

// TestComplete_Timeout checks that a deadline is reported as ProviderUnavailable.
func TestComplete_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	p, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Complete(ctx, userRequest(content.Text("x")))
	if got := apperr.KindOf(err); got != apperr.ProviderUnavailable {
		t.Errorf("KindOf = %q, want ProviderUnavailable (err: %v)", got, err)
	}
}

// TestNewAzure_Routing checks deployment routing, api-version and key header.
func TestNewAzure_Routing(t *testing.T) {
	rs := &recordingServer{status: http.StatusOK, body: okBody}
	srv := httptest.NewServer(rs)
	t.Cleanup(srv.Close)

	p, err := NewAzure(srv.URL, "2024-06-01", "azure-key", "my-deploy")
	if err != nil {
		t.Fatalf("NewAzure: %v", err)
	}
	if p.Flavor() != FlavorAzure {
		t.Errorf("Flavor = %q, want azure", p.Flavor())
	}
	if _, err := p.Complete(context.Background(), userRequest(content.Text("hi"))); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	r := rs.requests[0]
	if r.URL.Path != "/openai/deployments/my-deploy/chat/completions" {
		t.Errorf("path = %q", r.URL.Path)
	}
	if got := r.URL.Query().Get("api-version"); got != "2024-06-01" {
		t.Errorf("api-version = %q", got)
	}
	if got := r.Header.Get("Api-Key"); got != "azure-key" {
		t.Errorf("Api-Key = %q", got)
	}
}

// TestNew_Validation ensures constructors reject missing settings as configuration errors.
func TestNew_Validation(t *testing.T) {
	cases := []func() error{
		func() error { _, err := New("", "gpt-4o"); return err },
		func() error { _, err := New("sk", ""); return err },
		func() error { _, err := NewAzure("", "v", "k", "d"); return err },
		func() error { _, err := NewAzure("https://x", "", "k", "d"); return err },
		func() error { _, err := NewAzure("https://x", "v", "", "d"); return err },
		func() error { _, err := NewAzure("https://x", "v", "k", ""); return err },
	}
	for i, c := range cases {
		if err := c(); apperr.KindOf(err) != apperr.ConfigurationError {
			t.Errorf("case %d: err = %v, want ConfigurationError", i, err)
		}
	}
}

// TestConvertMessage_Roles checks role mapping.
func TestConvertMessage_Roles(t *testing.T) {
	sys, err := convertMessage(llm.TextMessage(llm.RoleSystem, "be brief"))
	if err != nil || sys.OfSystem == nil {
		t.Errorf("system: %v, OfSystem=%v", err, sys.OfSystem)
	}
	asst, err := convertMessage(llm.TextMessage(llm.RoleAssistant, "ok"))
	if err != nil || asst.OfAssistant == nil {
		t.Errorf("assistant: %v, OfAssistant=%v", err, asst.OfAssistant)
	}
	if _, err := convertMessage(llm.Message{Role: "tool"}); err == nil {
		t.Error("expected error for unknown role")
	}
}

// TestConvertBlock_RejectsBadImage checks that a non-image mime type fails.
func TestConvertBlock_RejectsBadImage(t *testing.T) {
	if _, err := convertBlock(content.Image([]byte("x"), "text/plain", content.DetailAuto)); err == nil {
		t.Fatal("expected error for text/plain image block")
	}
}

// TestModelCapabilities_Legacy checks that older text-only models report no vision.
func TestModelCapabilities_Legacy(t *testing.T) {
	caps := modelCapabilities("gpt-3.5-turbo")
	if caps.SupportsVision || caps.SupportsFiles {
		t.Errorf("gpt-3.5-turbo: vision=%v files=%v, want false", caps.SupportsVision, caps.SupportsFiles)
	}
	if caps := modelCapabilities("my-custom-model"); caps.ContextWindow <= 0 {
		t.Error("unknown model: expected positive ContextWindow")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("5"); got != 5*time.Second {
		t.Errorf("ParseRetryAfter(5) = %v", got)
	}
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("ParseRetryAfter(\"\") = %v", got)
	}
	if got := ParseRetryAfter("garbage"); got != 0 {
		t.Errorf("ParseRetryAfter(garbage) = %v", got)
	}
}

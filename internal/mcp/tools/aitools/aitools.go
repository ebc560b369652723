// Package aitools provides the chat, batch and analysis tools exposed by the
// tool server. Each tool's input schema is derived from its typed argument
// struct, and arguments are validated against that schema before the handler
// runs.
package aitools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/knd3dayo/ai-chat-util/internal/app"
	"github.com/knd3dayo/ai-chat-util/internal/batch"
	"github.com/knd3dayo/ai-chat-util/internal/mcp/tools"
	"github.com/knd3dayo/ai-chat-util/internal/normalize"
	"github.com/knd3dayo/ai-chat-util/internal/tabular"
	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
	"github.com/knd3dayo/ai-chat-util/pkg/content"
	"github.com/knd3dayo/ai-chat-util/pkg/provider/llm"
)

// Tool names.
const (
	RunChat               = "run_chat"
	RunSessionChat        = "run_session_chat"
	EndChatSession        = "end_chat_session"
	ListChatSessions      = "list_chat_sessions"
	RunBatchChat          = "run_batch_chat"
	RunSimpleBatchChat    = "run_simple_batch_chat"
	RunBatchChatFromExcel = "run_batch_chat_from_excel"
	AnalyzeImageFiles     = "analyze_image_files"
	AnalyzePDFFiles       = "analyze_pdf_files"
	AnalyzeOfficeFiles    = "analyze_office_files"
	AnalyzeFiles          = "analyze_files"
	AnalyzeImageGroups    = "analyze_image_groups"
	AnalyzeImageURLs      = "analyze_image_urls"
	AnalyzePDFURLs        = "analyze_pdf_urls"
	AnalyzeOfficeURLs     = "analyze_office_urls"
	AnalyzeURLs           = "analyze_urls"
	GetCompletionModel    = "get_completion_model"
)

// Backend is the service the tools delegate to. *app.App implements it.
type Backend interface {
	CompletionModel() string
	RunChat(ctx context.Context, history []llm.Message) (string, []llm.Message, error)
	SessionChat(ctx context.Context, sessionID, text string) (string, error)
	EndSession(sessionID string) error
	ChatSession(sessionID string) (app.SessionInfo, bool)
	ChatSessions() []app.SessionInfo
	BatchChat(ctx context.Context, histories [][]llm.Message, concurrency int) ([]batch.Result, error)
	SimpleBatchChat(ctx context.Context, prompt string, messages []string, concurrency int) ([]batch.Result, error)
	BatchChatFromTable(ctx context.Context, job app.TableJob) (*app.TableReport, error)
	AnalyzeFiles(ctx context.Context, paths []string, prompt string, hint normalize.Hint, detail content.DetailHint) (string, error)
	AnalyzeImageGroups(ctx context.Context, groups [][]string, prompt string, detail content.DetailHint, concurrency int) ([]batch.Result, error)
	AnalyzeURLs(ctx context.Context, urls []string, prompt string, hint normalize.Hint, detail content.DetailHint) (string, error)
}

// ChatMessage is one turn of a chat history.
type ChatMessage struct {
	Role    string `json:"role" jsonschema:"one of system, user, assistant"`
	Content string `json:"content" jsonschema:"text of the turn"`
}

// RunChatArgs are the arguments of run_chat.
type RunChatArgs struct {
	Messages []ChatMessage `json:"messages" jsonschema:"full chat history; the last message must be from the user"`
}

// RunChatResult is the JSON result of run_chat.
type RunChatResult struct {
	Output   string        `json:"output"`
	Messages []ChatMessage `json:"messages"`
}

// SessionChatArgs are the arguments of run_session_chat.
type SessionChatArgs struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"conversation to continue; a new one is started when empty"`
	Message   string `json:"message" jsonschema:"user message"`
}

// SessionChatResult is the JSON result of run_session_chat.
type SessionChatResult struct {
	SessionID string `json:"session_id"`
	Output    string `json:"output"`

	// Turns is the number of messages now in the conversation.
	Turns int `json:"turns"`
}

// EndSessionArgs are the arguments of end_chat_session.
type EndSessionArgs struct {
	SessionID string `json:"session_id" jsonschema:"conversation to discard"`
}

// BatchChatArgs are the arguments of run_batch_chat.
type BatchChatArgs struct {
	Chats       []RunChatArgs `json:"chats" jsonschema:"independent chat histories; each last message must be from the user"`
	Concurrency int           `json:"concurrency,omitempty" jsonschema:"maximum parallel requests; 0 uses the configured default"`
}

// BatchItemResult is one entry of a batch tool result. Exactly one of Output
// and Error is set.
type BatchItemResult struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SimpleBatchArgs are the arguments of run_simple_batch_chat.
type SimpleBatchArgs struct {
	Prompt      string   `json:"prompt" jsonschema:"instruction prepended to every message"`
	Messages    []string `json:"messages" jsonschema:"messages processed independently"`
	Concurrency int      `json:"concurrency,omitempty" jsonschema:"maximum parallel requests; 0 uses the configured default"`
}

// TableBatchArgs are the arguments of run_batch_chat_from_excel.
type TableBatchArgs struct {
	Prompt         string `json:"prompt" jsonschema:"instruction applied to every row"`
	InputPath      string `json:"input_excel_path" jsonschema:"spreadsheet to read (.xlsx or .csv)"`
	OutputPath     string `json:"output_excel_path,omitempty" jsonschema:"spreadsheet to write; defaults to output.xlsx"`
	ContentColumn  string `json:"content_column,omitempty" jsonschema:"column holding row text; defaults to content"`
	FilePathColumn string `json:"file_path_column,omitempty" jsonschema:"column holding a file path; defaults to file_path"`
	OutputColumn   string `json:"output_column,omitempty" jsonschema:"column receiving replies; defaults to output"`
	Concurrency    int    `json:"concurrency,omitempty" jsonschema:"maximum parallel requests; 0 uses the configured default"`
	ImageDetail    string `json:"image_detail,omitempty" jsonschema:"auto, low or high"`
}

// FilesArgs are the arguments of the analyze_*_files tools.
type FilesArgs struct {
	FilePaths   []string `json:"file_path_list" jsonschema:"files to analyze together"`
	Prompt      string   `json:"prompt" jsonschema:"analysis instruction"`
	ImageDetail string   `json:"image_detail,omitempty" jsonschema:"auto, low or high"`
}

// ImageGroupsArgs are the arguments of analyze_image_groups.
type ImageGroupsArgs struct {
	Groups      [][]string `json:"image_path_groups" jsonschema:"groups of image files; each group is analyzed as one request"`
	Prompt      string     `json:"prompt" jsonschema:"analysis instruction applied to every group"`
	ImageDetail string     `json:"image_detail,omitempty" jsonschema:"auto, low or high"`
	Concurrency int        `json:"concurrency,omitempty" jsonschema:"maximum parallel requests; 0 uses the configured default"`
}

// URLsArgs are the arguments of the analyze_*_urls tools.
type URLsArgs struct {
	URLs        []string `json:"urls" jsonschema:"http or https URLs to download and analyze together"`
	Prompt      string   `json:"prompt" jsonschema:"analysis instruction"`
	ImageDetail string   `json:"image_detail,omitempty" jsonschema:"auto, low or high"`
}

// NoArgs is the argument struct of parameterless tools.
type NoArgs struct{}

// Tools returns the full catalog bound to b. The allow-list is applied later
// by [tools.Registry.Narrow].
func Tools(b Backend) ([]tools.Tool, error) {
	var out []tools.Tool
	add := func(t tools.Tool, err error) error {
		if err != nil {
			return fmt.Errorf("aitools: %s: %w", t.Name, err)
		}
		out = append(out, t)
		return nil
	}

	files := func(name string, hint normalize.Hint, kind string) (tools.Tool, error) {
		return newTool(name, "Analyze one or more "+kind+" with a prompt in a single request.",
			func(ctx context.Context, a FilesArgs) (string, error) {
				d, err := detail(a.ImageDetail)
				if err != nil {
					return "", err
				}
				return b.AnalyzeFiles(ctx, a.FilePaths, a.Prompt, hint, d)
			})
	}
	urls := func(name string, hint normalize.Hint, kind string) (tools.Tool, error) {
		return newTool(name, "Download "+kind+" and analyze them with a prompt in a single request.",
			func(ctx context.Context, a URLsArgs) (string, error) {
				d, err := detail(a.ImageDetail)
				if err != nil {
					return "", err
				}
				return b.AnalyzeURLs(ctx, a.URLs, a.Prompt, hint, d)
			})
	}

	steps := []func() (tools.Tool, error){
		func() (tools.Tool, error) {
			return newTool(RunChat, "Send a chat history to the model and return its reply with the extended history.",
				func(ctx context.Context, a RunChatArgs) (string, error) {
					reply, next, err := b.RunChat(ctx, toHistory(a.Messages))
					if err != nil {
						return "", err
					}
					res := RunChatResult{Output: reply, Messages: make([]ChatMessage, len(next))}
					for i, m := range next {
						res.Messages[i] = ChatMessage{Role: string(m.Role), Content: m.Text()}
					}
					return encode(res)
				})
		},
		func() (tools.Tool, error) {
			return newTool(RunSessionChat, "Continue a server-side conversation identified by session_id.",
				func(ctx context.Context, a SessionChatArgs) (string, error) {
					id := a.SessionID
					if id == "" {
						id = app.NewSessionID()
					}
					reply, err := b.SessionChat(ctx, id, a.Message)
					if err != nil {
						return "", err
					}
					res := SessionChatResult{SessionID: id, Output: reply}
					if info, ok := b.ChatSession(id); ok {
						res.Turns = info.Turns
					}
					return encode(res)
				})
		},
		func() (tools.Tool, error) {
			return newTool(EndChatSession, "Discard a server-side conversation.",
				func(_ context.Context, a EndSessionArgs) (string, error) {
					if err := b.EndSession(a.SessionID); err != nil {
						return "", apperr.Wrap(apperr.InvalidContent, EndChatSession, err)
					}
					return "ok", nil
				})
		},
		func() (tools.Tool, error) {
			return newTool(ListChatSessions, "List the open server-side conversations.",
				func(context.Context, NoArgs) (string, error) {
					return encode(b.ChatSessions())
				})
		},
		func() (tools.Tool, error) {
			return newTool(RunBatchChat, "Send several independent chat histories and return the replies in order.",
				func(ctx context.Context, a BatchChatArgs) (string, error) {
					histories := make([][]llm.Message, len(a.Chats))
					for i, c := range a.Chats {
						histories[i] = toHistory(c.Messages)
					}
					results, err := b.BatchChat(ctx, histories, a.Concurrency)
					if err != nil {
						return "", err
					}
					return encode(itemResults(results))
				})
		},
		func() (tools.Tool, error) {
			return newTool(RunSimpleBatchChat, "Send prompt plus each message as independent requests and return the replies in order.",
				func(ctx context.Context, a SimpleBatchArgs) (string, error) {
					results, err := b.SimpleBatchChat(ctx, a.Prompt, a.Messages, a.Concurrency)
					if err != nil {
						return "", err
					}
					outputs := make([]string, len(results))
					for i, r := range itemResults(results) {
						outputs[i] = r.Output + r.Error
					}
					return encode(outputs)
				})
		},
		func() (tools.Tool, error) {
			return newTool(RunBatchChatFromExcel, "Run the prompt over every row of a spreadsheet and write the replies to an output column.",
				func(ctx context.Context, a TableBatchArgs) (string, error) {
					d, err := detail(a.ImageDetail)
					if err != nil {
						return "", err
					}
					report, err := b.BatchChatFromTable(ctx, app.TableJob{
						InputPath:      a.InputPath,
						OutputPath:     a.OutputPath,
						Prompt:         a.Prompt,
						ContentColumn:  a.ContentColumn,
						FilePathColumn: a.FilePathColumn,
						OutputColumn:   a.OutputColumn,
						Concurrency:    a.Concurrency,
						Detail:         d,
					})
					if err != nil {
						return "", err
					}
					return encode(report)
				})
		},
		func() (tools.Tool, error) { return files(AnalyzeImageFiles, normalize.HintImage, "image files") },
		func() (tools.Tool, error) { return files(AnalyzePDFFiles, normalize.HintPDF, "PDF files") },
		func() (tools.Tool, error) { return files(AnalyzeOfficeFiles, normalize.HintOffice, "Office documents") },
		func() (tools.Tool, error) { return files(AnalyzeFiles, normalize.HintAuto, "files of any supported kind") },
		func() (tools.Tool, error) {
			return newTool(AnalyzeImageGroups, "Analyze each group of image files with the same prompt as independent requests.",
				func(ctx context.Context, a ImageGroupsArgs) (string, error) {
					d, err := detail(a.ImageDetail)
					if err != nil {
						return "", err
					}
					results, err := b.AnalyzeImageGroups(ctx, a.Groups, a.Prompt, d, a.Concurrency)
					if err != nil {
						return "", err
					}
					return encode(itemResults(results))
				})
		},
		func() (tools.Tool, error) { return urls(AnalyzeImageURLs, normalize.HintImage, "images") },
		func() (tools.Tool, error) { return urls(AnalyzePDFURLs, normalize.HintPDF, "PDF documents") },
		func() (tools.Tool, error) { return urls(AnalyzeOfficeURLs, normalize.HintOffice, "Office documents") },
		func() (tools.Tool, error) { return urls(AnalyzeURLs, normalize.HintAuto, "documents of any supported kind") },
		func() (tools.Tool, error) {
			return newTool(GetCompletionModel, "Return the configured provider/model path.",
				func(context.Context, NoArgs) (string, error) {
					return b.CompletionModel(), nil
				})
		},
	}
	for _, s := range steps {
		if err := add(s()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// newTool derives the schema of A and wraps fn with argument validation and
// decoding.
func newTool[A any](name, description string, fn func(context.Context, A) (string, error)) (tools.Tool, error) {
	t := tools.Tool{Name: name, Description: description}
	schema, err := jsonschema.For[A](nil)
	if err != nil {
		return t, err
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return t, err
	}
	t.InputSchema = schema
	t.Handler = func(ctx context.Context, raw json.RawMessage) (string, error) {
		var instance map[string]any
		if err := json.Unmarshal(raw, &instance); err != nil {
			return "", apperr.Wrap(apperr.InvalidContent, name, err)
		}
		if err := resolved.Validate(instance); err != nil {
			return "", apperr.Wrap(apperr.InvalidContent, name, err)
		}
		var args A
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", apperr.Wrap(apperr.InvalidContent, name, err)
		}
		return fn(ctx, args)
	}
	return t, nil
}

func toHistory(msgs []ChatMessage) []llm.Message {
	history := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		history[i] = llm.TextMessage(llm.Role(m.Role), m.Content)
	}
	return history
}

// itemResults renders failed items with the same error text the table
// batch writes into its output column.
func itemResults(results []batch.Result) []BatchItemResult {
	out := make([]BatchItemResult, len(results))
	for i, r := range results {
		if r.OK() {
			out[i].Output = r.Text
		} else {
			out[i].Error = tabular.FormatError(r.Err)
		}
	}
	return out
}

func detail(s string) (content.DetailHint, error) {
	d, err := content.ParseDetailHint(s)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidContent, "image_detail", err)
	}
	return d, nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("aitools: encode result: %w", err)
	}
	return string(data), nil
}

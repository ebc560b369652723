package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knd3dayo/ai-chat-util/internal/batch"
	"github.com/knd3dayo/ai-chat-util/internal/tabular"
	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
	"github.com/knd3dayo/ai-chat-util/pkg/content"
)

// Default column names and output file of a table batch.
const (
	DefaultContentColumn  = "content"
	DefaultFilePathColumn = "file_path"
	DefaultOutputColumn   = "output"
	DefaultOutputPath     = "output.xlsx"
)

// Spreadsheet exports encode carriage returns as this literal.
const carriageReturnEscape = "_x000D_"

// TableJob describes one spreadsheet batch run. Empty fields take the
// Default* values above.
type TableJob struct {
	InputPath      string
	OutputPath     string
	Prompt         string
	ContentColumn  string
	FilePathColumn string
	OutputColumn   string
	Concurrency    int
	Detail         content.DetailHint
}

func (j *TableJob) applyDefaults() {
	if j.OutputPath == "" {
		j.OutputPath = DefaultOutputPath
	}
	if j.ContentColumn == "" {
		j.ContentColumn = DefaultContentColumn
	}
	if j.FilePathColumn == "" {
		j.FilePathColumn = DefaultFilePathColumn
	}
	if j.OutputColumn == "" {
		j.OutputColumn = DefaultOutputColumn
	}
}

// TableReport summarises a table batch run.
type TableReport struct {
	OutputPath string `json:"output_path,omitempty"`
	Rows       int    `json:"rows"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`

	Results []RowResult `json:"-"`
}

// RowResult is the batch result of one non-skipped table row. Row is the
// zero-based data row of the table.
type RowResult struct {
	Row int
	batch.Result
}

// BatchChatFromTable reads the spreadsheet at job.InputPath, runs one
// request per row and writes the replies to job.OutputColumn of a copy at
// job.OutputPath. Row failures become "ERROR[Kind]: message" cells; only
// problems with the table itself fail the call.
func (a *App) BatchChatFromTable(ctx context.Context, job TableJob) (*TableReport, error) {
	job.applyDefaults()
	in, err := a.normalizer.Resolver().Resolve(job.InputPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidContent, "app: batch table", err)
	}
	t, err := tabular.Read(in)
	if err != nil {
		return nil, apperr.Wrap(apperr.UnsupportedFormat, "app: batch table", err)
	}

	report, err := a.BatchChatTable(ctx, t, job)
	if err != nil {
		return nil, err
	}

	out := job.OutputPath
	if !filepath.IsAbs(out) && a.cfg.Files.WorkingDirectory != "" {
		out = filepath.Join(a.cfg.Files.WorkingDirectory, out)
	}
	if err := tabular.Write(out, t); err != nil {
		return nil, apperr.Wrap(apperr.UnsupportedFormat, "app: batch table", err)
	}
	report.OutputPath = out
	slog.InfoContext(ctx, "table batch written",
		"input", in,
		"output", out,
		"rows", report.Rows,
		"failed", report.Failed,
	)
	return report, nil
}

// BatchChatTable runs the rows of t through the batch engine and stores the
// replies in job.OutputColumn of t. t must have the content column, the file
// path column or both.
func (a *App) BatchChatTable(ctx context.Context, t *tabular.Table, job TableJob) (*TableReport, error) {
	job.applyDefaults()
	contentCol := t.Column(job.ContentColumn)
	pathCol := t.Column(job.FilePathColumn)
	if contentCol < 0 && pathCol < 0 {
		return nil, apperr.New(apperr.ConfigurationError, "app: batch table",
			"table has neither a %q nor a %q column", job.ContentColumn, job.FilePathColumn)
	}
	eng, err := a.engine(job.Concurrency)
	if err != nil {
		return nil, err
	}

	report := &TableReport{Rows: len(t.Rows)}
	outputs := make([]string, len(t.Rows))
	// rows[k] is the table row behind item k.
	var rows []*tableRow
	var items []batch.Item
	for i := range t.Rows {
		r := &tableRow{
			row:  i,
			text: cleanCell(t.Cell(i, contentCol)),
			path: cleanCell(t.Cell(i, pathCol)),
		}
		if r.text == "" && r.path == "" {
			report.Skipped++
			continue
		}
		items = append(items, batch.Item{Index: len(rows), Prompt: job.Prompt})
		rows = append(rows, r)
	}

	results, err := eng.Run(ctx, items, func(ctx context.Context, it batch.Item) (string, error) {
		blocks, prompt, err := rows[it.Index].load(ctx, a, job)
		if err != nil {
			return "", err
		}
		return a.client.Analyze(ctx, blocks, prompt)
	})
	if err != nil {
		return nil, err
	}
	report.Results = make([]RowResult, len(results))
	for k, res := range results {
		row := rows[k].row
		report.Results[k] = RowResult{Row: row, Result: res}
		if res.OK() {
			outputs[row] = res.Text
			report.Succeeded++
			continue
		}
		outputs[row] = tabular.FormatError(res.Err)
		report.Failed++
	}

	if err := t.SetColumn(job.OutputColumn, outputs); err != nil {
		return nil, apperr.Wrap(apperr.InvalidContent, "app: batch table", err)
	}
	return report, nil
}

// tableRow caches the normalized blocks of a row across retries.
type tableRow struct {
	row        int
	text, path string

	once   sync.Once
	blocks []content.Block
	prompt string
	err    error
}

func (r *tableRow) load(ctx context.Context, a *App, job TableJob) ([]content.Block, string, error) {
	r.once.Do(func() {
		if r.text != "" {
			r.blocks, r.err = a.normalizer.NormalizeRow(ctx, joinPrompt(job.Prompt, r.text), r.path, job.Detail)
			return
		}
		r.blocks, r.err = a.normalizer.NormalizeRow(ctx, "", r.path, job.Detail)
		r.prompt = job.Prompt
	})
	return r.blocks, r.prompt, r.err
}

func cleanCell(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, carriageReturnEscape, ""))
}

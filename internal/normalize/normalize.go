// Package normalize turns free text, local files and downloaded documents into
// provider-neutral [content.Block] sequences.
//
// Text is passed through as a single text block, images are embedded with the
// caller's detail hint, PDFs are passed through as document blocks and Office
// documents are converted to PDF first. The Normalizer holds no mutable state:
// normalizing the same input twice yields identical blocks.
package normalize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/knd3dayo/ai-chat-util/internal/pathresolve"
	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
	"github.com/knd3dayo/ai-chat-util/pkg/content"
)

// Hint tells the Normalizer how to interpret an input.
type Hint string

const (
	// HintAuto treats a resolvable path as a file of detected kind and
	// anything else as text.
	HintAuto   Hint = "auto"
	HintText   Hint = "text"
	HintImage  Hint = "image"
	HintPDF    Hint = "pdf"
	HintOffice Hint = "office"
)

// sniffLen is the number of leading bytes used for content sniffing.
const sniffLen = 512

// Converter converts an Office document to PDF. The returned path must lie
// inside outDir.
type Converter interface {
	Convert(ctx context.Context, src, outDir string) (string, error)
}

// Normalizer converts inputs to content blocks. Create one with [New].
type Normalizer struct {
	converter     Converter
	resolver      pathresolve.Resolver
	defaultDetail content.DetailHint
	tempDir       string
	parallelism   int
}

// Option is a functional option for Normalizer.
type Option func(*Normalizer)

// WithResolver sets the path resolver applied to every file input.
func WithResolver(r pathresolve.Resolver) Option {
	return func(n *Normalizer) {
		n.resolver = r
	}
}

// WithDefaultDetail sets the image detail hint used when a call does not
// specify one.
func WithDefaultDetail(d content.DetailHint) Option {
	return func(n *Normalizer) {
		if d != "" {
			n.defaultDetail = d
		}
	}
}

// WithTempDir sets the parent directory for Office conversion scratch
// directories. Defaults to [os.TempDir].
func WithTempDir(dir string) Option {
	return func(n *Normalizer) {
		n.tempDir = dir
	}
}

// WithParallelism bounds the number of files [Normalizer.NormalizeFiles]
// loads at once.
func WithParallelism(p int) Option {
	return func(n *Normalizer) {
		if p > 0 {
			n.parallelism = p
		}
	}
}

// New returns a Normalizer. conv may be nil, in which case Office documents
// fail with ConversionFailed.
func New(conv Converter, opts ...Option) *Normalizer {
	n := &Normalizer{
		converter:     conv,
		defaultDetail: content.DetailAuto,
		parallelism:   4,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Resolver returns the path resolver in use.
func (n *Normalizer) Resolver() pathresolve.Resolver { return n.resolver }

// Normalize converts a path or a piece of text to content blocks. With
// [HintAuto] an input that resolves to an existing file is loaded as a file;
// anything else is treated as text. File hints require the input to resolve.
func (n *Normalizer) Normalize(ctx context.Context, input string, hint Hint) ([]content.Block, error) {
	if hint == "" {
		hint = HintAuto
	}
	switch hint {
	case HintText:
		if input == "" {
			return nil, apperr.New(apperr.InvalidContent, "normalize", "empty text input")
		}
		return []content.Block{content.Text(input)}, nil
	case HintAuto:
		if input == "" {
			return nil, apperr.New(apperr.InvalidContent, "normalize", "empty input")
		}
		if looksLikePath(input) {
			if path, err := n.resolver.Resolve(input); err == nil {
				return n.loadFile(ctx, path, HintAuto, n.defaultDetail)
			}
		}
		return []content.Block{content.Text(input)}, nil
	}
	return n.NormalizeFile(ctx, input, hint, "")
}

// NormalizeFile loads a single file. hint restricts the accepted kind; a file
// of a different kind fails with UnsupportedFormat. An empty detail uses the
// Normalizer's default.
func (n *Normalizer) NormalizeFile(ctx context.Context, path string, hint Hint, detail content.DetailHint) ([]content.Block, error) {
	resolved, err := n.resolver.Resolve(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.UnsupportedFormat, "normalize", err)
	}
	if detail == "" {
		detail = n.defaultDetail
	}
	return n.loadFile(ctx, resolved, hint, detail)
}

// NormalizeRow converts one batch row. Either text or path may be empty. A
// path that does not exist is ignored when the row carries text, and is an
// UnsupportedFormat error when it is the row's only content. A row with
// neither yields no blocks and no error.
func (n *Normalizer) NormalizeRow(ctx context.Context, text, path string, detail content.DetailHint) ([]content.Block, error) {
	text = strings.TrimSpace(text)
	path = strings.TrimSpace(path)

	var blocks []content.Block
	if text != "" {
		blocks = append(blocks, content.Text(text))
	}
	if path == "" {
		return blocks, nil
	}

	resolved, err := n.resolver.Resolve(path)
	if err != nil {
		if text != "" && errors.Is(err, pathresolve.ErrNotFound) {
			slog.Debug("normalize: ignoring missing file for text row", "path", path)
			return blocks, nil
		}
		return nil, apperr.Wrap(apperr.UnsupportedFormat, "normalize", err)
	}
	if detail == "" {
		detail = n.defaultDetail
	}
	fileBlocks, err := n.loadFile(ctx, resolved, HintAuto, detail)
	if err != nil {
		return nil, err
	}
	return append(blocks, fileBlocks...), nil
}

// NormalizeFiles loads several files concurrently and returns their blocks
// in input order. The first failure aborts the call.
func (n *Normalizer) NormalizeFiles(ctx context.Context, paths []string, hint Hint, detail content.DetailHint) ([]content.Block, error) {
	if len(paths) == 0 {
		return nil, apperr.New(apperr.InvalidContent, "normalize", "no files given")
	}
	parts := make([][]content.Block, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.parallelism)
	for i, p := range paths {
		g.Go(func() error {
			blocks, err := n.NormalizeFile(gctx, p, hint, detail)
			if err != nil {
				return err
			}
			parts[i] = blocks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []content.Block
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// NormalizeBytes converts an in-memory document, such as a downloaded URL.
// name supplies the extension used for detection and declared is an optional
// media type.
func (n *Normalizer) NormalizeBytes(ctx context.Context, name, declared string, data []byte, hint Hint, detail content.DetailHint) ([]content.Block, error) {
	if detail == "" {
		detail = n.defaultDetail
	}
	d := detect(name, declared, head(data))
	if err := checkHint(name, d, hint); err != nil {
		return nil, err
	}
	switch d.hint {
	case HintOffice:
		return n.convertBytes(ctx, name, d.ext, data)
	default:
		return blocksFor(name, d, data, detail)
	}
}

func (n *Normalizer) loadFile(ctx context.Context, path string, hint Hint, detail content.DetailHint) ([]content.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if office.IsOfficeFile(path) {
		if hint != HintAuto && hint != HintOffice {
			return nil, apperr.New(apperr.UnsupportedFormat, "normalize", "%s: expected %s, got office document", filepath.Base(path), hint)
		}
		return n.convertFile(ctx, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.UnsupportedFormat, "normalize", err)
	}
	d := detect(path, "", head(data))
	if err := checkHint(path, d, hint); err != nil {
		return nil, err
	}
	return blocksFor(path, d, data, detail)
}

// convertFile converts src to PDF in a scratch directory that is removed on
// every return path.
func (n *Normalizer) convertFile(ctx context.Context, src string) ([]content.Block, error) {
	if n.converter == nil {
		return nil, apperr.New(apperr.ConversionFailed, "normalize", "%s: no office converter configured", filepath.Base(src))
	}
	dir, err := os.MkdirTemp(n.tempDir, "aichat-office-*")
	if err != nil {
		return nil, apperr.Wrap(apperr.ConversionFailed, "normalize", err)
	}
	defer os.RemoveAll(dir)

	return n.convertIn(ctx, dir, src)
}

// convertBytes writes data into a scratch directory, converts it and removes
// the directory on every return path.
func (n *Normalizer) convertBytes(ctx context.Context, name, ext string, data []byte) ([]content.Block, error) {
	if n.converter == nil {
		return nil, apperr.New(apperr.ConversionFailed, "normalize", "%s: no office converter configured", name)
	}
	dir, err := os.MkdirTemp(n.tempDir, "aichat-office-*")
	if err != nil {
		return nil, apperr.Wrap(apperr.ConversionFailed, "normalize", err)
	}
	defer os.RemoveAll(dir)

	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if base == "" || base == "." || base == "/" {
		base = "document"
	}
	in := filepath.Join(dir, "in")
	if err := os.Mkdir(in, 0o700); err != nil {
		return nil, apperr.Wrap(apperr.ConversionFailed, "normalize", err)
	}
	src := filepath.Join(in, base+ext)
	if err := os.WriteFile(src, data, 0o600); err != nil {
		return nil, apperr.Wrap(apperr.ConversionFailed, "normalize", err)
	}
	return n.convertIn(ctx, dir, src)
}

func (n *Normalizer) convertIn(ctx context.Context, dir, src string) ([]content.Block, error) {
	pdfPath, err := n.converter.Convert(ctx, src, dir)
	if err != nil {
		if apperr.KindOf(err) != apperr.ConversionFailed {
			err = apperr.Wrap(apperr.ConversionFailed, "normalize", err)
		}
		return nil, err
	}
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.ConversionFailed, "normalize", fmt.Errorf("read converted pdf: %w", err))
	}
	name := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)) + ".pdf"
	slog.Debug("normalize: converted office document", "path", src, "bytes", len(data))
	return []content.Block{content.PDF(data, name)}, nil
}

func checkHint(name string, d detection, hint Hint) error {
	if d.hint == "" {
		return apperr.New(apperr.UnsupportedFormat, "normalize", "%s: unsupported document type", filepath.Base(name))
	}
	if hint != "" && hint != HintAuto && hint != d.hint {
		return apperr.New(apperr.UnsupportedFormat, "normalize", "%s: expected %s, got %s", filepath.Base(name), hint, d.hint)
	}
	return nil
}

func blocksFor(name string, d detection, data []byte, detail content.DetailHint) ([]content.Block, error) {
	switch d.hint {
	case HintText:
		data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
		if !utf8.Valid(data) {
			return nil, apperr.New(apperr.UnsupportedFormat, "normalize", "%s: not valid UTF-8 text", filepath.Base(name))
		}
		return []content.Block{content.Text(string(data))}, nil
	case HintImage:
		if len(data) == 0 {
			return nil, apperr.New(apperr.UnsupportedFormat, "normalize", "%s: empty image", filepath.Base(name))
		}
		return []content.Block{content.Image(data, d.mime, detail)}, nil
	case HintPDF:
		if !bytes.HasPrefix(data, []byte("%PDF")) {
			return nil, apperr.New(apperr.UnsupportedFormat, "normalize", "%s: not a PDF document", filepath.Base(name))
		}
		return []content.Block{content.PDF(data, filepath.Base(name))}, nil
	}
	return nil, apperr.New(apperr.UnsupportedFormat, "normalize", "%s: unsupported document type", filepath.Base(name))
}

func head(data []byte) []byte {
	if len(data) > sniffLen {
		return data[:sniffLen]
	}
	return data
}

// looksLikePath rejects inputs that cannot be a file path so that prose is
// never stat'ed.
func looksLikePath(s string) bool {
	return !strings.ContainsAny(s, "\n\r") && len(s) < 4096
}

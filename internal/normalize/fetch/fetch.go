// Package fetch downloads remote documents for the URL analysis tools.
package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
)

// DefaultMaxSize is the largest document Fetch accepts.
const DefaultMaxSize = 50 << 20

// Document is a downloaded document held in memory.
type Document struct {
	// URL is the requested URL.
	URL string

	// Name is the last path element of the URL, or "download".
	Name string

	// ContentType is the media type reported by the server, without
	// parameters. May be empty.
	ContentType string

	Data []byte
}

// Fetcher downloads documents over http and https.
type Fetcher struct {
	client  *http.Client
	maxSize int64
}

// Option is a functional option for Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithMaxSize sets the maximum accepted body size in bytes.
func WithMaxSize(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxSize = n
		}
	}
}

// New returns a Fetcher with a 60s client timeout.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:  &http.Client{Timeout: 60 * time.Second},
		maxSize: DefaultMaxSize,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch downloads rawURL. A malformed URL or a 4xx response is
// InvalidContent, 429 is RateLimited, and 5xx or transport failures are
// ProviderUnavailable. A body over the size limit is UnsupportedFormat.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	const op = "fetch"

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidContent, op, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, apperr.New(apperr.InvalidContent, op, "%s: unsupported scheme %q", rawURL, u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidContent, op, fmt.Errorf("create request: %w", err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.Canceled, op, ctx.Err())
		}
		return nil, apperr.Wrap(apperr.ProviderUnavailable, op, fmt.Errorf("download %s: %w", rawURL, err))
	}
	defer resp.Body.Close()

	if kind, failed := statusKind(resp.StatusCode); failed {
		return nil, apperr.New(kind, op, "download %s: status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderUnavailable, op, fmt.Errorf("read %s: %w", rawURL, err))
	}
	if int64(len(data)) > f.maxSize {
		return nil, apperr.New(apperr.UnsupportedFormat, op, "%s: document exceeds %d bytes", rawURL, f.maxSize)
	}

	doc := &Document{URL: rawURL, Name: path.Base(u.Path), Data: data}
	if doc.Name == "" || doc.Name == "." || doc.Name == "/" {
		doc.Name = "download"
	}
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil {
		doc.ContentType = mt
	}
	return doc, nil
}

// statusKind maps a non-2xx status to an error kind.
func statusKind(code int) (apperr.Kind, bool) {
	switch {
	case code >= 200 && code <= 299:
		return "", false
	case code == http.StatusTooManyRequests:
		return apperr.RateLimited, true
	case code >= 400 && code <= 499:
		return apperr.InvalidContent, true
	default:
		return apperr.ProviderUnavailable, true
	}
}

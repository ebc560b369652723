// Package office converts Office documents (Word, Excel, PowerPoint and their
// OpenDocument counterparts) to PDF with a headless LibreOffice process.
package office

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
)

// EnvBinary names the environment variable consulted for the LibreOffice
// executable when no explicit path is configured.
const EnvBinary = "LIBREOFFICE_PATH"

// DefaultTimeout bounds a single conversion.
const DefaultTimeout = 120 * time.Second

// ErrBinaryNotFound is returned when no LibreOffice executable can be located.
var ErrBinaryNotFound = errors.New("office: libreoffice executable not found")

var extensions = map[string]struct{}{
	".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {},
	".odt": {}, ".ods": {}, ".odp": {}, ".rtf": {},
}

// IsOfficeFile reports whether path has an Office document extension.
func IsOfficeFile(path string) bool {
	_, ok := extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// runner executes a command and returns its combined output.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Converter runs LibreOffice synchronously. It is safe for concurrent use;
// every call writes to the output directory supplied by the caller.
type Converter struct {
	binary   string
	timeout  time.Duration
	run      runner
	lookEnv  func(string) string
	lookPath func(string) (string, error)
}

// Option is a functional option for Converter.
type Option func(*Converter)

// WithBinary sets an explicit LibreOffice executable path. It takes
// precedence over the environment and PATH lookup.
func WithBinary(path string) Option {
	return func(c *Converter) {
		c.binary = path
	}
}

// WithTimeout bounds each conversion. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Converter) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New returns a Converter.
func New(opts ...Option) *Converter {
	c := &Converter{
		timeout:  DefaultTimeout,
		run:      execRunner,
		lookEnv:  os.Getenv,
		lookPath: exec.LookPath,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Binary locates the LibreOffice executable: explicit path, then
// $LIBREOFFICE_PATH, then soffice or libreoffice on PATH.
func (c *Converter) Binary() (string, error) {
	if c.binary != "" {
		return c.binary, nil
	}
	if p := c.lookEnv(EnvBinary); p != "" {
		return p, nil
	}
	for _, name := range []string{"soffice", "libreoffice"} {
		if p, err := c.lookPath(name); err == nil {
			return p, nil
		}
	}
	return "", ErrBinaryNotFound
}

// Convert converts src to PDF inside outDir and returns the path of the
// produced file. All failures are classified as ConversionFailed.
func (c *Converter) Convert(ctx context.Context, src, outDir string) (string, error) {
	const op = "office: convert"

	bin, err := c.Binary()
	if err != nil {
		return "", apperr.Wrap(apperr.ConversionFailed, op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.run(ctx, bin,
		"--headless", "--nologo", "--nolockcheck",
		"--convert-to", "pdf",
		"--outdir", outDir,
		src,
	)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("timed out after %s: %w", c.timeout, ctx.Err())
		}
		return "", apperr.Wrap(apperr.ConversionFailed, op, fmt.Errorf("%s: %w: %s", filepath.Base(src), err, strings.TrimSpace(string(out))))
	}

	pdf := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))+".pdf")
	if _, err := os.Stat(pdf); err != nil {
		return "", apperr.Wrap(apperr.ConversionFailed, op, fmt.Errorf("%s: no pdf produced: %s", filepath.Base(src), strings.TrimSpace(string(out))))
	}
	return pdf, nil
}

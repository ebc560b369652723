// Package pathresolve turns user-supplied file paths into paths that exist on
// this host.
//
// Tool servers frequently receive paths that were valid on the caller's
// machine: quoted strings, file:// URIs, Windows drive paths, paths relative
// to another directory. The [Resolver] tries a fixed sequence of candidates
// and returns the first regular file it finds.
package pathresolve

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no candidate path exists.
var ErrNotFound = errors.New("pathresolve: file not found")

// Resolver resolves paths against a working directory and a list of extra
// search directories. The zero value resolves against the process working
// directory only.
type Resolver struct {
	// WorkingDirectory is searched after the path itself and the cwd.
	WorkingDirectory string

	// SearchDirs are searched last, in order.
	SearchDirs []string
}

// NotFoundError describes a failed resolution.
type NotFoundError struct {
	Input      string
	Candidates []string
}

func (e *NotFoundError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pathresolve: file not found: %q", e.Input)
	if len(e.Candidates) > 0 {
		b.WriteString("; tried:")
		for _, c := range e.Candidates {
			b.WriteString(" ")
			b.WriteString(c)
		}
	}
	return b.String()
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Resolve returns the absolute path of the first existing regular file among
// the candidates derived from input.
func (r Resolver) Resolve(input string) (string, error) {
	candidates := r.Candidates(input)
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if abs, err := filepath.Abs(c); err == nil {
			return abs, nil
		}
		return c, nil
	}
	return "", &NotFoundError{Input: input, Candidates: candidates}
}

// Candidates returns the ordered, de-duplicated list of paths Resolve tries.
func (r Resolver) Candidates(input string) []string {
	p := os.ExpandEnv(expandHome(stripQuotes(parseFileURI(input))))
	if p == "" {
		return nil
	}
	base := windowsBase(p)

	var out []string
	out = append(out, p)
	if !filepath.IsAbs(p) && !looksLikeWindowsAbs(p) {
		if cwd, err := os.Getwd(); err == nil {
			out = append(out, filepath.Join(cwd, p))
		}
	}
	if r.WorkingDirectory != "" {
		out = append(out, filepath.Join(r.WorkingDirectory, p), filepath.Join(r.WorkingDirectory, base))
	}
	for _, d := range r.SearchDirs {
		if d == "" {
			continue
		}
		out = append(out, filepath.Join(d, p), filepath.Join(d, base))
	}
	return unique(out)
}

func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func parseFileURI(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 7 && strings.EqualFold(s[:7], "file://") {
		s = s[7:]
		// file:///C:/x arrives as /C:/x.
		if len(s) >= 3 && s[0] == '/' && s[2] == ':' {
			s = s[1:]
		}
	}
	return s
}

func expandHome(s string) string {
	if s != "~" && !strings.HasPrefix(s, "~/") {
		return s
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return s
	}
	return filepath.Join(home, strings.TrimPrefix(s, "~"))
}

// looksLikeWindowsAbs reports whether p starts with a drive letter path such as C:\ or C:/.
func looksLikeWindowsAbs(p string) bool {
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}

// windowsBase returns the last element of p treating both separators as
// path separators, so C:\a\b.pdf yields b.pdf on any OS.
func windowsBase(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

func unique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

package pathresolve

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

// TestResolve_Direct checks that an existing absolute path resolves to itself.
func TestResolve_Direct(t *testing.T) {
	dir := t.TempDir()
	want := writeFile(t, dir, "a.pdf")

	got, err := Resolver{}.Resolve(want)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != want {
		t.Errorf("Resolve = %q, want %q", got, want)
	}
}

// TestResolve_QuotedURI checks quote stripping and file:// parsing.
func TestResolve_QuotedURI(t *testing.T) {
	dir := t.TempDir()
	want := writeFile(t, dir, "b.png")

	got, err := Resolver{}.Resolve(`"file://` + want + `"`)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != want {
		t.Errorf("Resolve = %q, want %q", got, want)
	}
}

// TestResolve_WorkingDirectoryBasename checks that a foreign Windows path
// falls back to its basename inside the working directory.
func TestResolve_WorkingDirectoryBasename(t *testing.T) {
	dir := t.TempDir()
	want := writeFile(t, dir, "report.docx")

	got, err := Resolver{WorkingDirectory: dir}.Resolve(`C:\Users\me\report.docx`)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != want {
		t.Errorf("Resolve = %q, want %q", got, want)
	}
}

// TestResolve_SearchDirs checks the extra search directories.
func TestResolve_SearchDirs(t *testing.T) {
	dir := t.TempDir()
	want := writeFile(t, dir, "c.txt")

	got, err := Resolver{SearchDirs: []string{t.TempDir(), dir}}.Resolve("c.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != want {
		t.Errorf("Resolve = %q, want %q", got, want)
	}
}

// TestResolve_NotFound checks that the error lists the tried candidates.
func TestResolve_NotFound(t *testing.T) {
	_, err := Resolver{WorkingDirectory: t.TempDir()}.Resolve("missing.pdf")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || len(nf.Candidates) == 0 {
		t.Errorf("expected NotFoundError with candidates, got %v", err)
	}
}

// TestResolve_Directory checks that directories are not accepted.
func TestResolve_Directory(t *testing.T) {
	if _, err := (Resolver{}).Resolve(t.TempDir()); err == nil {
		t.Fatal("expected error for directory input")
	}
}

func TestCandidates_Empty(t *testing.T) {
	if got := (Resolver{}).Candidates("  "); len(got) != 0 {
		t.Errorf("Candidates(blank) = %v, want none", got)
	}
}

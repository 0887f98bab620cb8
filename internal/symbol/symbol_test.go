package symbol

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolve_FindsEnclosingGoFunc(t *testing.T) {
	src := "package demo\n\nfunc Greet(name string) string {\n\treturn \"hi \" + name\n}\n"
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.go")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	m, err := Resolve(path, `return "hi " + name`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m == nil {
		t.Fatal("expected a match")
	}
	if !m.HasEnclosing || m.EnclosingName != "Greet" {
		t.Fatalf("expected enclosing func Greet, got %+v", m)
	}
	if m.StartLine != 4 {
		t.Fatalf("expected anchor on line 4, got %d", m.StartLine)
	}
}

func TestResolve_MultilineAnchorSpansLines(t *testing.T) {
	src := "class Widget:\n    def render(self):\n        a = 1\n        b = 2\n        return a + b\n"
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.py")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	m, err := Resolve(path, "a = 1\n        b = 2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.StartLine != 3 || m.EndLine != 4 {
		t.Fatalf("expected lines 3-4, got %d-%d", m.StartLine, m.EndLine)
	}
	if m.EnclosingName != "render" {
		t.Fatalf("expected enclosing func render, got %q", m.EnclosingName)
	}
}

func TestResolve_NoMatchReturnsNilWithoutError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.go")
	if err := os.WriteFile(path, []byte("package demo\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	m, err := Resolve(path, "not present anywhere")
	if err != nil {
		t.Fatalf("expected fail-soft nil error, got %v", err)
	}
	if m != nil {
		t.Fatalf("expected nil match, got %+v", m)
	}
}

func TestResolve_UnreadableFileFailsSoft(t *testing.T) {
	m, err := Resolve("/nonexistent/path/file.go", "anchor")
	if err != nil {
		t.Fatalf("expected fail-soft nil error, got %v", err)
	}
	if m != nil {
		t.Fatalf("expected nil match, got %+v", m)
	}
}

func TestResolve_NoEnclosingDeclarationFound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.txt")
	src := "just some\nplain text\nwith an anchor here\nand more text\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	m, err := Resolve(path, "anchor here")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m == nil {
		t.Fatal("expected a match with a resolved line range")
	}
	if m.HasEnclosing {
		t.Fatalf("expected no enclosing symbol, got %+v", m)
	}
}

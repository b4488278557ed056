package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadFile_RoundTrip(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "note.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewReadFileTool(ws, true)
	res := tool.Execute(context.Background(), map[string]interface{}{"path": "note.txt"})
	if res.IsError {
		t.Fatalf("expected success, got %q", res.ForLLM)
	}
	if res.ForLLM != "hello" {
		t.Errorf("expected hello, got %q", res.ForLLM)
	}
}

func TestReadFile_EscapeDenied(t *testing.T) {
	tool := NewReadFileTool(t.TempDir(), true)

	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../escape"} {
		res := tool.Execute(context.Background(), map[string]interface{}{"path": path})
		if !res.IsError || !strings.Contains(res.ForLLM, "access denied") {
			t.Errorf("path %q: expected denial, got error=%v llm=%q", path, res.IsError, res.ForLLM)
		}
	}
}

func TestReadFile_SymlinkEscapeDenied(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(ws, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	tool := NewReadFileTool(ws, true)
	res := tool.Execute(context.Background(), map[string]interface{}{"path": "link.txt"})
	if !res.IsError || !strings.Contains(res.ForLLM, "access denied") {
		t.Errorf("expected symlink escape denial, got error=%v llm=%q", res.IsError, res.ForLLM)
	}
}

func TestReadFile_DenyPaths(t *testing.T) {
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "data", "secrets.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewReadFileTool(ws, true)
	tool.DenyPaths("data")

	res := tool.Execute(context.Background(), map[string]interface{}{"path": "data/secrets.json"})
	if !res.IsError || !strings.Contains(res.ForLLM, "restricted") {
		t.Errorf("expected denied prefix rejection, got error=%v llm=%q", res.IsError, res.ForLLM)
	}
}

func TestWriteFile_CreatesDirs(t *testing.T) {
	ws := t.TempDir()
	tool := NewWriteFileTool(ws, true)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"path":    "scripts/job/run.py",
		"content": "print('ok')",
	})
	if res.IsError {
		t.Fatalf("expected success, got %q", res.ForLLM)
	}

	data, err := os.ReadFile(filepath.Join(ws, "scripts", "job", "run.py"))
	if err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}
	if string(data) != "print('ok')" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestWriteFile_Append(t *testing.T) {
	ws := t.TempDir()
	tool := NewWriteFileTool(ws, true)

	for _, line := range []string{"one\n", "two\n"} {
		res := tool.Execute(context.Background(), map[string]interface{}{
			"path":    "log.txt",
			"content": line,
			"append":  true,
		})
		if res.IsError {
			t.Fatalf("append failed: %q", res.ForLLM)
		}
	}

	data, _ := os.ReadFile(filepath.Join(ws, "log.txt"))
	if string(data) != "one\ntwo\n" {
		t.Errorf("expected appended lines, got %q", data)
	}
}

func TestWriteFile_EscapeDenied(t *testing.T) {
	tool := NewWriteFileTool(t.TempDir(), true)
	res := tool.Execute(context.Background(), map[string]interface{}{
		"path":    "../evil.sh",
		"content": "x",
	})
	if !res.IsError || !strings.Contains(res.ForLLM, "access denied") {
		t.Errorf("expected escape denial, got error=%v llm=%q", res.IsError, res.ForLLM)
	}
}

func TestListDir(t *testing.T) {
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "a.txt"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewListDirTool(ws, true)
	res := tool.Execute(context.Background(), map[string]interface{}{})
	if res.IsError {
		t.Fatalf("expected success, got %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "a.txt  (5 bytes)") {
		t.Errorf("expected file with size, got %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "sub/") {
		t.Errorf("expected directory with trailing slash, got %q", res.ForLLM)
	}
}

func TestListDir_Empty(t *testing.T) {
	tool := NewListDirTool(t.TempDir(), true)
	res := tool.Execute(context.Background(), map[string]interface{}{})
	if res.ForLLM != "(empty directory)" {
		t.Errorf("expected empty marker, got %q", res.ForLLM)
	}
}

func TestResolvePath_MissingNested(t *testing.T) {
	ws := t.TempDir()
	resolved, err := resolvePath("deep/new/file.txt", ws, true)
	if err != nil {
		t.Fatalf("expected new nested path to resolve, got %v", err)
	}
	wsReal, _ := filepath.EvalSymlinks(ws)
	if !isPathInside(resolved, wsReal) {
		t.Errorf("resolved path %q not under workspace %q", resolved, wsReal)
	}
}

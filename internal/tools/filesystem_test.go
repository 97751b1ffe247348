package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileToolsRoundTrip(t *testing.T) {
	root := t.TempDir()
	write := NewWriteFileTool(root)
	read := NewReadFileTool(root)
	list := NewListDirTool(root)
	ctx := context.Background()

	res := write.Execute(ctx, map[string]interface{}{
		"path": "notes/hello.txt", "content": "hello world",
	})
	if res.IsError {
		t.Fatalf("write: %s", res.ForLLM)
	}
	if res.ForLLM != "Wrote 11 bytes to notes/hello.txt" {
		t.Fatalf("write result: %q", res.ForLLM)
	}

	res = read.Execute(ctx, map[string]interface{}{"path": "notes/hello.txt"})
	if res.IsError || res.ForLLM != "hello world" {
		t.Fatalf("read result: %+v", res)
	}

	res = list.Execute(ctx, map[string]interface{}{"path": "notes"})
	if res.IsError || res.ForLLM != "hello.txt\n" {
		t.Fatalf("list result: %+v", res)
	}

	// Directories get a trailing slash.
	res = list.Execute(ctx, nil)
	if res.IsError || !strings.Contains(res.ForLLM, "notes/") {
		t.Fatalf("root list: %+v", res)
	}
}

func TestListDirEmpty(t *testing.T) {
	root := t.TempDir()
	res := NewListDirTool(root).Execute(context.Background(), nil)
	if res.IsError || res.ForLLM != "(empty directory)" {
		t.Fatalf("result: %+v", res)
	}
}

func TestReadFileMissing(t *testing.T) {
	root := t.TempDir()
	res := NewReadFileTool(root).Execute(context.Background(), map[string]interface{}{"path": "nope.txt"})
	if !res.IsError || !strings.Contains(res.ForLLM, "failed to read file") {
		t.Fatalf("result: %+v", res)
	}
}

func TestPathEscapeRefused(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		path string
	}{
		{"relative traversal", "../" + filepath.Base(outside) + "/secret.txt"},
		{"deep traversal", "a/b/../../../" + filepath.Base(outside) + "/secret.txt"},
		{"absolute outside", filepath.Join(outside, "secret.txt")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := NewReadFileTool(root).Execute(context.Background(), map[string]interface{}{"path": tc.path})
			if !res.IsError || !strings.Contains(res.ForLLM, "access denied") {
				t.Fatalf("escape allowed: %+v", res)
			}
		})
	}
}

func TestSymlinkEscapeRefused(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	res := NewReadFileTool(root).Execute(context.Background(), map[string]interface{}{"path": "sneaky/secret.txt"})
	if !res.IsError || !strings.Contains(res.ForLLM, "access denied") {
		t.Fatalf("symlink escape allowed: %+v", res)
	}
}

func TestWriteRequiresPath(t *testing.T) {
	res := NewWriteFileTool(t.TempDir()).Execute(context.Background(), map[string]interface{}{"content": "x"})
	if !res.IsError || res.ForLLM != "path is required" {
		t.Fatalf("result: %+v", res)
	}
}

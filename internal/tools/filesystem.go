package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ReadFileTool reads file contents under the configured root.
type ReadFileTool struct {
	root string
}

func NewReadFileTool(root string) *ReadFileTool {
	return &ReadFileTool{root: root}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.root)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	return NewResult(string(data))
}

// WriteFileTool writes file contents under the configured root, creating
// parent directories as needed.
type WriteFileTool struct {
	root string
}

func NewWriteFileTool(root string) *WriteFileTool {
	return &WriteFileTool{root: root}
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating it if needed" }
func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	content, _ := args["content"].(string)

	resolved, err := resolvePath(path, t.root)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create directory: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	return NewResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path))
}

// ListDirTool lists directory entries under the configured root.
type ListDirTool struct {
	root string
}

func NewListDirTool(root string) *ListDirTool {
	return &ListDirTool{root: root}
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the entries of a directory" }
func (t *ListDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the directory to list, defaults to the workspace root",
			},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(path, t.root)
	if err != nil {
		return ErrorResult(err.Error())
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list directory: %v", err))
	}

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			b.WriteString(e.Name() + "/\n")
		} else {
			b.WriteString(e.Name() + "\n")
		}
	}
	if b.Len() == 0 {
		return NewResult("(empty directory)")
	}
	return NewResult(b.String())
}

// resolvePath resolves a path relative to root and rejects anything that
// escapes it, following symlinks to their canonical form so a link inside the
// root cannot point outside it.
func resolvePath(path, root string) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(root, path))
	}

	absRoot, _ := filepath.Abs(root)
	rootReal, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		rootReal = absRoot
	}

	absResolved, _ := filepath.Abs(resolved)
	real, err := filepath.EvalSymlinks(absResolved)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("path resolve failed", "path", path, "error", err)
			return "", fmt.Errorf("access denied: cannot resolve path")
		}
		// Non-existent target: canonicalize the nearest existing ancestor and
		// re-append the remainder, so symlinked parents still get checked.
		parentReal, parentErr := filepath.EvalSymlinks(filepath.Dir(absResolved))
		if parentErr != nil {
			return "", fmt.Errorf("access denied: cannot resolve path")
		}
		real = filepath.Join(parentReal, filepath.Base(absResolved))
	}

	if !isPathInside(real, rootReal) {
		slog.Warn("path escape refused", "path", path, "resolved", real, "root", rootReal)
		return "", fmt.Errorf("access denied: path outside workspace")
	}
	return real, nil
}

func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// Package coretools registers the baseline filesystem tools an agent
// can call. All paths are confined to a configured workspace root.
package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/agentloop/pkg/tool"
)

const defaultReadLimit = 200000

// Options configures core tool registration.
type Options struct {
	WorkspaceRoot string
}

// Register adds the core tools to a registry.
func Register(registry *tool.Registry, opts Options) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}
	if opts.WorkspaceRoot == "" {
		return errors.New("workspace root is required")
	}

	defs := []tool.Definition{
		readFileTool(opts),
		writeFileTool(opts),
		listDirTool(opts),
		currentTimeTool(),
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func readFileTool(opts Options) tool.Definition {
	return tool.Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":      map[string]interface{}{"type": "string", "description": "Relative file path"},
				"max_bytes": map[string]interface{}{"type": "number", "description": "Maximum bytes to read"},
			},
			"required": []interface{}{"path"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}, execCtx map[string]interface{}) (interface{}, error) {
			pathValue, _ := args["path"].(string)
			target, err := resolvePath(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}

			maxBytes := int64(defaultReadLimit)
			if raw, ok := args["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			data, truncated, err := readWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func writeFileTool(opts Options) tool.Definition {
	return tool.Definition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":    map[string]interface{}{"type": "string", "description": "Relative file path"},
				"content": map[string]interface{}{"type": "string", "description": "File content"},
				"append":  map[string]interface{}{"type": "boolean", "description": "Append instead of truncating"},
			},
			"required": []interface{}{"path", "content"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}, execCtx map[string]interface{}) (interface{}, error) {
			pathValue, _ := args["path"].(string)
			target, err := resolvePath(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			content, _ := args["content"].(string)
			appendMode, _ := args["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}

			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			file, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return nil, err
			}
			defer file.Close()
			if _, err := file.WriteString(content); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":  pathValue,
				"bytes": len(content),
			}, nil
		},
	}
}

func listDirTool(opts Options) tool.Definition {
	return tool.Definition{
		Name:        "list_dir",
		Description: "List entries in a workspace directory.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "Relative directory path, defaults to the workspace root"},
			},
		},
		Handler: func(ctx context.Context, args map[string]interface{}, execCtx map[string]interface{}) (interface{}, error) {
			pathValue, _ := args["path"].(string)
			if pathValue == "" {
				pathValue = "."
			}
			target, err := resolvePath(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return map[string]interface{}{
				"path":    pathValue,
				"entries": names,
			}, nil
		},
	}
}

func currentTimeTool() tool.Definition {
	return tool.Definition{
		Name:        "current_time",
		Description: "Return the current time in RFC3339 format.",
		Handler: func(ctx context.Context, args map[string]interface{}, execCtx map[string]interface{}) (interface{}, error) {
			now := time.Now().UTC()
			return map[string]interface{}{
				"time": now.Format(time.RFC3339),
				"unix": now.Unix(),
			}, nil
		},
	}
}

// resolvePath joins a relative path onto the workspace root and rejects
// anything that escapes it.
func resolvePath(root string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace root", pathValue)
	}
	return candidate, nil
}

func readWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	if limit <= 0 {
		limit = defaultReadLimit
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}

	truncated := false
	extra := make([]byte, 1)
	if _, err := file.Read(extra); err == nil {
		truncated = true
	}
	return buf.Bytes(), truncated, nil
}

package team

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSurferTools is the built-in capability set for the file_surfer
// special role: read-only browsing of a workspace directory. Paths are
// confined to root.
func FileSurferTools(root string) []Tool {
	return []Tool{
		{
			Name:        "list_directory",
			Description: "List the entries of a directory inside the workspace.",
			Params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "Directory path relative to the workspace root."},
				},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path, err := surferPath(root, args)
				if err != nil {
					return nil, err
				}
				entries, err := os.ReadDir(path)
				if err != nil {
					return nil, fmt.Errorf("list directory: %w", err)
				}
				names := make([]string, 0, len(entries))
				for _, e := range entries {
					name := e.Name()
					if e.IsDir() {
						name += "/"
					}
					names = append(names, name)
				}
				return strings.Join(names, "\n"), nil
			},
		},
		{
			Name:        "read_file",
			Description: "Read the contents of a file inside the workspace.",
			Params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "File path relative to the workspace root."},
				},
				"required": []any{"path"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path, err := surferPath(root, args)
				if err != nil {
					return nil, err
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return nil, fmt.Errorf("read file: %w", err)
				}
				return string(data), nil
			},
		},
	}
}

func surferPath(root string, args map[string]any) (string, error) {
	rel, _ := args["path"].(string)
	full := filepath.Join(root, filepath.Clean("/"+rel))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return full, nil
}

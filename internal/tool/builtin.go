package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cascadehq/cascade/pkg/models"
)

// resolver scopes every builtin tool's path argument to a workspace root,
// the same convention the teacher's files.Resolver uses for its own
// sandboxed file tools.
type resolver struct{ root string }

func (r resolver) resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace root")
	}
	return targetAbs, nil
}

func stringArg(args map[string]any, name string) (string, bool) {
	v, ok := args[name].(string)
	return v, ok
}

func fail(callID string, start time.Time, err error) *models.ToolResult {
	return &models.ToolResult{CallID: callID, Ok: false, Error: err.Error(), DurationMS: time.Since(start).Milliseconds()}
}

func ok(callID string, start time.Time, data any) *models.ToolResult {
	return &models.ToolResult{CallID: callID, Ok: true, Data: data, DurationMS: time.Since(start).Milliseconds()}
}

// RegisterBuiltins registers the small set of filesystem tools every
// workspace-rooted orchestration needs: read_file, write_file, and
// list_directory. root scopes every path argument; callers wanting
// something beyond plain filesystem access register their own tools
// directly against r.
func RegisterBuiltins(r *Registry, root string) error {
	res := resolver{root: root}

	readFile := Tool{
		Schema: models.ToolSchema{
			Name:        "read_file",
			Description: "Read the contents of a file within the workspace.",
			Category:    "filesystem",
			Parameters: []models.ToolParameter{
				{Name: "path", Type: "string", Description: "workspace-relative file path", Required: true},
			},
			SideEffectFree: true,
		},
		Execute: func(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
			start := time.Now()
			path, _ := stringArg(args, "path")
			abs, err := res.resolve(path)
			if err != nil {
				return fail("", start, err), nil
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return fail("", start, err), nil
			}
			return ok("", start, string(data)), nil
		},
	}

	writeFile := Tool{
		Schema: models.ToolSchema{
			Name:        "write_file",
			Description: "Write content to a file within the workspace, creating it if needed.",
			Category:    "filesystem",
			Dangerous:   true,
			Parameters: []models.ToolParameter{
				{Name: "path", Type: "string", Description: "workspace-relative file path", Required: true},
				{Name: "content", Type: "string", Description: "full file content to write", Required: true},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
			start := time.Now()
			path, _ := stringArg(args, "path")
			content, _ := stringArg(args, "content")
			abs, err := res.resolve(path)
			if err != nil {
				return fail("", start, err), nil
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
				return fail("", start, err), nil
			}
			if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
				return fail("", start, err), nil
			}
			return ok("", start, fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
		},
	}

	listDir := Tool{
		Schema: models.ToolSchema{
			Name:        "list_directory",
			Description: "List file names within a workspace directory.",
			Category:    "filesystem",
			Parameters: []models.ToolParameter{
				{Name: "path", Type: "string", Description: "workspace-relative directory path", Default: "."},
			},
			SideEffectFree: true,
		},
		Execute: func(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
			start := time.Now()
			path, ok2 := stringArg(args, "path")
			if !ok2 || strings.TrimSpace(path) == "" {
				path = "."
			}
			abs, err := res.resolve(path)
			if err != nil {
				return fail("", start, err), nil
			}
			entries, err := os.ReadDir(abs)
			if err != nil {
				return fail("", start, err), nil
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			return ok("", start, names), nil
		},
	}

	for _, t := range []Tool{readFile, writeFile, listDir} {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register builtin tool %q: %w", t.Schema.Name, err)
		}
	}
	return nil
}

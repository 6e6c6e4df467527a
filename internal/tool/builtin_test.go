package tool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cascadehq/cascade/pkg/models"
)

func TestRegisterBuiltins_ReadWriteListRoundTrip(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry()
	if err := RegisterBuiltins(r, root); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	writeResult, err := r.Invoke(context.Background(), models.ToolCall{
		ID: "c1", Name: "write_file",
		Arguments: map[string]any{"path": "notes/a.txt", "content": "hello"},
	})
	if err != nil || !writeResult.Ok {
		t.Fatalf("write_file failed: %+v err=%v", writeResult, err)
	}

	readResult, err := r.Invoke(context.Background(), models.ToolCall{
		ID: "c2", Name: "read_file",
		Arguments: map[string]any{"path": "notes/a.txt"},
	})
	if err != nil || !readResult.Ok || readResult.Data != "hello" {
		t.Fatalf("read_file = %+v err=%v", readResult, err)
	}

	listResult, err := r.Invoke(context.Background(), models.ToolCall{
		ID: "c3", Name: "list_directory",
		Arguments: map[string]any{"path": "notes"},
	})
	if err != nil || !listResult.Ok {
		t.Fatalf("list_directory failed: %+v err=%v", listResult, err)
	}
	names, ok := listResult.Data.([]string)
	if !ok || len(names) != 1 || names[0] != "a.txt" {
		t.Fatalf("list_directory data = %+v", listResult.Data)
	}

	if _, err := os.Stat(filepath.Join(root, "notes", "a.txt")); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}
}

func TestRegisterBuiltins_PathEscapeRejected(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry()
	if err := RegisterBuiltins(r, root); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	result, err := r.Invoke(context.Background(), models.ToolCall{
		ID: "c1", Name: "read_file",
		Arguments: map[string]any{"path": "../outside.txt"},
	})
	if err != nil {
		t.Fatalf("Invoke returned an error instead of a failed result: %v", err)
	}
	if result.Ok {
		t.Fatalf("expected a path-escape to fail, got ok result: %+v", result)
	}
}

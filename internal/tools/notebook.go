package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
)

const notebookPreviewChars = 200

func loadNotebook(ws *Workspace, path string) (map[string]any, []any, error) {
	full, err := ws.Resolve(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var nb map[string]any
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, nil, fmt.Errorf("invalid notebook JSON: %w", err)
	}
	cells, ok := nb["cells"].([]any)
	if !ok {
		return nil, nil, fmt.Errorf("notebook has no cells array")
	}
	return nb, cells, nil
}

// cellSource joins a cell's source whether stored as a list or a string.
func cellSource(cell map[string]any) string {
	switch src := cell["source"].(type) {
	case string:
		return src
	case []any:
		var sb strings.Builder
		for _, s := range src {
			if str, ok := s.(string); ok {
				sb.WriteString(str)
			}
		}
		return sb.String()
	}
	return ""
}

// sourceLines splits text into the notebook list form. Every entry but the
// last keeps its "\n".
func sourceLines(text string) []any {
	out := []any{}
	if text == "" {
		return out
	}
	lines := strings.SplitAfter(text, "\n")
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// notebookReadTool summarizes Jupyter notebook cells.
type notebookReadTool struct{ ws *Workspace }

func (t *notebookReadTool) Name() string { return core.ToolNotebookRead.Internal() }

func (t *notebookReadTool) Description() string {
	return "Read a Jupyter notebook (.ipynb) and list its cells with type and a source preview."
}

func (t *notebookReadTool) InputSchema() map[string]any {
	return objectSchema([]string{"path"}, map[string]any{
		"path": prop("string", "Workspace-relative notebook path."),
	})
}

func (t *notebookReadTool) Permission() PermissionLevel { return PermissionRead }

func (t *notebookReadTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	path, err := requireString(input, "path")
	if err != nil {
		return nil, err
	}
	_, cells, err := loadNotebook(t.ws, path)
	if err != nil {
		return nil, err
	}
	summaries := make([]map[string]any, 0, len(cells))
	for i, c := range cells {
		cell, _ := c.(map[string]any)
		cellType, _ := cell["cell_type"].(string)
		if cellType == "" {
			cellType = "unknown"
		}
		src := cellSource(cell)
		preview := []rune(src)
		if len(preview) > notebookPreviewChars {
			preview = preview[:notebookPreviewChars]
		}
		summaries = append(summaries, map[string]any{
			"index":          i,
			"cell_type":      cellType,
			"source_preview": string(preview),
			"source_length":  len(src),
		})
	}
	return map[string]any{"path": path, "cells_count": len(cells), "cells": summaries}, nil
}

// notebookEditTool replaces, inserts or deletes one cell.
type notebookEditTool struct{ ws *Workspace }

func (t *notebookEditTool) Name() string { return core.ToolNotebookEdit.Internal() }

func (t *notebookEditTool) Description() string {
	return "Edit a Jupyter notebook cell. operation is replace (default), insert or delete."
}

func (t *notebookEditTool) InputSchema() map[string]any {
	return objectSchema([]string{"path", "cell_index"}, map[string]any{
		"path":       prop("string", "Workspace-relative notebook path."),
		"cell_index": prop("integer", "Zero-based cell index."),
		"operation":  map[string]any{"type": "string", "enum": []string{"replace", "insert", "delete"}},
		"new_source": prop("string", "New cell source for replace/insert."),
		"cell_type":  prop("string", "code or markdown."),
	})
}

func (t *notebookEditTool) Permission() PermissionLevel { return PermissionWrite }

func (t *notebookEditTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	path, err := requireString(input, "path")
	if err != nil {
		return nil, err
	}
	idx := intArg(input, "cell_index", -1)
	if idx < 0 {
		return nil, fmt.Errorf("cell_index missing")
	}
	nb, cells, err := loadNotebook(t.ws, path)
	if err != nil {
		return nil, err
	}

	op := stringArg(input, "operation")
	if op == "" {
		op = "replace"
	}
	newSource, hasSource := input["new_source"].(string)
	switch op {
	case "replace":
		if idx >= len(cells) {
			return nil, fmt.Errorf("cell_index %d out of range (%d cells)", idx, len(cells))
		}
		if !hasSource {
			return nil, fmt.Errorf("new_source missing for replace")
		}
		cell, ok := cells[idx].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cell %d is not an object", idx)
		}
		cell["source"] = sourceLines(newSource)
		if ct := stringArg(input, "cell_type"); ct != "" {
			cell["cell_type"] = ct
		}
	case "insert":
		if idx > len(cells) {
			return nil, fmt.Errorf("cell_index %d out of range for insert (%d cells)", idx, len(cells))
		}
		ct := stringArg(input, "cell_type")
		if ct == "" {
			ct = "code"
		}
		cell := map[string]any{"cell_type": ct, "metadata": map[string]any{}, "source": sourceLines(newSource)}
		if ct == "code" {
			cell["outputs"] = []any{}
			cell["execution_count"] = nil
		}
		cells = append(cells[:idx], append([]any{cell}, cells[idx:]...)...)
	case "delete":
		if idx >= len(cells) {
			return nil, fmt.Errorf("cell_index %d out of range (%d cells)", idx, len(cells))
		}
		cells = append(cells[:idx], cells[idx+1:]...)
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	nb["cells"] = cells

	data, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		return nil, err
	}
	if _, err := t.ws.WriteFile(path, append(data, '\n')); err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "operation": op, "cell_index": idx, "cells_count": len(cells)}, nil
}

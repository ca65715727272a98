package agentloop

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/tools"
)

// maxContextRangeLines bounds a single NEED_CONTEXT range.
const maxContextRangeLines = 400

// FileContext is file content shown to the editor. BaseHash is the sha256
// of the whole file when it was read, empty for files that do not exist yet.
type FileContext struct {
	Path     string
	Content  string
	Partial  bool
	BaseHash string
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ensureRelative rejects absolute paths and parent escapes.
func ensureRelative(path string) error {
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return fmt.Errorf("absolute paths are forbidden: %s", path)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path escapes repository root: %s", path)
		}
	}
	return nil
}

func readFileContext(ws *tools.Workspace, rel string, req FileRequest, maxBytes int) (FileContext, error) {
	if err := ensureRelative(rel); err != nil {
		return FileContext{}, err
	}
	full, err := ws.ResolveForWrite(rel)
	if err != nil {
		return FileContext{}, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return FileContext{Path: rel}, nil
	}
	if err != nil {
		return FileContext{}, fmt.Errorf("read %s: %w", rel, err)
	}
	content := string(data)
	fc := FileContext{Path: rel, BaseHash: hashText(content)}

	if req.HasRange() {
		lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
		start := min(max(req.Start, 1)-1, len(lines))
		end := min(max(req.End, req.Start), len(lines))
		var sb strings.Builder
		for i := start; i < end; i++ {
			fmt.Fprintf(&sb, "%4d | %s\n", i+1, lines[i])
		}
		fc.Content = sb.String()
		fc.Partial = true
		return fc, nil
	}

	if maxBytes > 0 && len(content) > maxBytes {
		cut := maxBytes
		for cut > 0 && !isRuneStart(content[cut]) {
			cut--
		}
		fc.Content = content[:cut] + "\n... [TRUNCATED] ..."
		fc.Partial = true
		return fc, nil
	}
	fc.Content = content
	return fc, nil
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// loadPlanFiles reads the declared files, at most maxFiles of them.
func loadPlanFiles(ws *tools.Workspace, plan *ArchitectPlan, maxFiles, maxBytes int) ([]FileContext, error) {
	files := plan.Files[:min(len(plan.Files), max(maxFiles, 1))]
	out := make([]FileContext, 0, len(files))
	for _, f := range files {
		fc, err := readFileContext(ws, f.Path, FileRequest{}, maxBytes)
		if err != nil {
			return nil, err
		}
		out = append(out, fc)
	}
	return out, nil
}

// mergeRequested adds or refreshes context for each request. Requests for
// files the architect did not declare are an error.
func mergeRequested(ws *tools.Workspace, plan *ArchitectPlan, current []FileContext, reqs []FileRequest, maxBytes int) ([]FileContext, error) {
	allowed := plan.AllowedFiles()
	index := make(map[string]int, len(current))
	for i, f := range current {
		index[f.Path] = i
	}
	for _, req := range reqs {
		if !allowed[req.Path] {
			return current, fmt.Errorf("requested context for undeclared file: %s", req.Path)
		}
		if err := ensureRelative(req.Path); err != nil {
			return current, err
		}
		if req.HasRange() {
			if n := req.End - req.Start + 1; n > maxContextRangeLines {
				return current, fmt.Errorf("requested context range %d-%d exceeds max lines %d for %s",
					req.Start, req.End, maxContextRangeLines, req.Path)
			}
		}
		if i, ok := index[req.Path]; ok {
			if !current[i].Partial {
				continue
			}
			fc, err := readFileContext(ws, req.Path, req, maxBytes)
			if err != nil {
				return current, err
			}
			current[i] = fc
			continue
		}
		fc, err := readFileContext(ws, req.Path, req, maxBytes)
		if err != nil {
			return current, err
		}
		index[req.Path] = len(current)
		current = append(current, fc)
	}
	return current, nil
}

func expectedHashes(files []FileContext) map[string]string {
	out := make(map[string]string)
	for _, f := range files {
		if f.BaseHash != "" {
			out[f.Path] = f.BaseHash
		}
	}
	return out
}

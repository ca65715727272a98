// Package references expands @path tokens in prompts into inline file
// contents and directory listings.
package references

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

const (
	maxLines      = 200
	maxDirEntries = 50
)

// Reference is one parsed @token.
type Reference struct {
	Raw   string
	Path  string
	Start int // 1-based, 0 when absent
	End   int
	Dir   bool // @dir: prefix
}

// Extract returns the @references of prompt in order of appearance.
func Extract(prompt string) []Reference {
	var out []Reference
	for _, tok := range strings.Fields(prompt) {
		if ref, ok := Parse(tok); ok {
			out = append(out, ref)
		}
	}
	return out
}

// Parse reads @path, @path:N, @path:N-M, @file:path and @dir:path.
// Trailing punctuation is not part of the path.
func Parse(token string) (Reference, bool) {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, "@") {
		return Reference{}, false
	}
	body := strings.TrimRight(strings.TrimLeft(token, "@"), ",.;)]>")
	if body == "" {
		return Reference{}, false
	}

	ref := Reference{Raw: token, Path: body}
	if rest, ok := strings.CutPrefix(body, "dir:"); ok {
		ref.Path, ref.Dir = rest, true
	} else if rest, ok := strings.CutPrefix(body, "file:"); ok {
		ref.Path = rest
	}
	if i := strings.LastIndex(ref.Path, ":"); i >= 0 {
		if start, end, ok := parseRange(ref.Path[i+1:]); ok {
			ref.Path, ref.Start, ref.End = ref.Path[:i], start, end
		}
	}
	if ref.Path == "" {
		return Reference{}, false
	}
	return ref, true
}

func parseRange(s string) (int, int, bool) {
	if s == "" {
		return 0, 0, false
	}
	if a, b, ok := strings.Cut(s, "-"); ok {
		start, err1 := strconv.Atoi(a)
		end, err2 := strconv.Atoi(b)
		if err1 != nil || err2 != nil || start < 1 || end < start {
			return 0, 0, false
		}
		return start, end, true
	}
	line, err := strconv.Atoi(s)
	if err != nil || line < 1 {
		return 0, 0, false
	}
	return line, line, true
}

// Expand appends a "[Resolved references]" block to prompt. Prompts
// without references are returned unchanged.
func Expand(workspace, prompt string) (string, error) {
	refs := Extract(prompt)
	if len(refs) == 0 {
		return prompt, nil
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n[Resolved references]\n")
	for _, ref := range refs {
		if err := expandOne(&b, workspace, ref); err != nil {
			return "", err
		}
	}
	logging.Debug("expanded prompt references", logging.Count(len(refs)))
	return b.String(), nil
}

func expandOne(b *strings.Builder, workspace string, ref Reference) error {
	rel := filepath.Clean(filepath.FromSlash(ref.Path))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || ignored(rel) {
		fmt.Fprintf(b, "- %s -> skipped (%s)\n", ref.Raw, ref.Path)
		return nil
	}
	full := filepath.Join(workspace, rel)
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(b, "- %s -> missing (%s)\n", ref.Raw, ref.Path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", ref.Path, err)
	}

	if ref.Dir || info.IsDir() {
		fmt.Fprintf(b, "- %s -> directory %s\n", ref.Raw, ref.Path)
		entries := listDir(workspace, full)
		for _, e := range entries {
			fmt.Fprintf(b, "  - %s\n", e)
		}
		if len(entries) >= maxDirEntries {
			b.WriteString("  - ... (truncated)\n")
		}
		return nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("read %s: %w", ref.Path, err)
	}
	if bytes.IndexByte(data, 0) >= 0 {
		fmt.Fprintf(b, "- %s -> file %s (binary, %d bytes)\n", ref.Raw, ref.Path, len(data))
		return nil
	}
	fmt.Fprintf(b, "```text\n# %s\n%s\n```\n", ref.Path, RenderLines(string(data), ref.Start, ref.End))
	return nil
}

// RenderLines prefixes lines start..end with right-aligned numbers, capped
// at 200 lines. Zero bounds mean from line 1 and 200 lines on.
func RenderLines(content string, start, end int) string {
	start = max(start, 1)
	if end == 0 {
		end = start + maxLines
	}
	end = max(end, start)

	var out []string
	for i, line := range strings.Split(strings.TrimSuffix(content, "\n"), "\n") {
		n := i + 1
		if n < start || n > end {
			continue
		}
		out = append(out, fmt.Sprintf("%5d: %s", n, line))
		if len(out) >= maxLines {
			out = append(out, "... (truncated)")
			break
		}
	}
	return strings.Join(out, "\n")
}

func listDir(workspace, root string) []string {
	var out []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(workspace, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && ignored(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignored(rel) {
			return nil
		}
		out = append(out, filepath.ToSlash(rel))
		if len(out) >= maxDirEntries {
			return filepath.SkipAll
		}
		return nil
	})
	return out
}

func ignored(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		switch part {
		case ".git", ".deepseek", "target":
			return true
		}
	}
	return false
}

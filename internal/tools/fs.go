package tools

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
)

const (
	defaultReadMaxBytes = 1_000_000
	defaultSearchLimit  = 200
	binarySniffBytes    = 8192
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsBinary reports a NUL byte or more than 64 non-text bytes in the first
// 8 KiB.
func IsBinary(data []byte) bool {
	head := data[:min(len(data), binarySniffBytes)]
	nonText := 0
	for _, b := range head {
		if b == 0 {
			return true
		}
		if b < 0x09 || (b > 0x0d && b < 0x20) {
			nonText++
		}
	}
	return nonText > 64
}

type numberedLine struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// fsReadTool reads file contents with optional line ranges.
type fsReadTool struct{ ws *Workspace }

func (t *fsReadTool) Name() string { return core.ToolFsRead.Internal() }

func (t *fsReadTool) Description() string {
	return "Read a file from the workspace. Supports start_line/end_line ranges. Binary files are reported, not dumped."
}

func (t *fsReadTool) InputSchema() map[string]any {
	return objectSchema([]string{"path"}, map[string]any{
		"path":       prop("string", "Workspace-relative file path."),
		"start_line": prop("integer", "First line to return (1-indexed)."),
		"end_line":   prop("integer", "Last line to return (inclusive)."),
		"max_bytes":  prop("integer", "Maximum bytes to read (default 1000000)."),
	})
}

func (t *fsReadTool) Permission() PermissionLevel { return PermissionRead }

func (t *fsReadTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	path, err := requireString(input, "path")
	if err != nil {
		return nil, err
	}
	full, err := t.ws.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot access file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory, not a file: %s", path)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	maxBytes := intArg(input, "max_bytes", defaultReadMaxBytes)
	out := map[string]any{
		"path":       path,
		"mime":       detectMime(full, data),
		"size_bytes": len(data),
		"sha256":     sha256Hex(data),
	}
	if IsBinary(data) {
		out["binary"] = true
		out["truncated"] = false
		return out, nil
	}
	truncated := false
	if maxBytes > 0 && len(data) > maxBytes {
		data = data[:maxBytes]
		for len(data) > 0 && !utf8.Valid(data) {
			data = data[:len(data)-1]
		}
		truncated = true
	}
	out["binary"] = false
	out["truncated"] = truncated

	start := intArg(input, "start_line", 0)
	end := intArg(input, "end_line", 0)
	if start <= 0 && end <= 0 {
		out["content"] = string(data)
		return out, nil
	}
	lines := strings.Split(string(data), "\n")
	if start <= 0 {
		start = 1
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return nil, fmt.Errorf("invalid line range %d-%d", start, end)
	}
	numbered := make([]numberedLine, 0, end-start+1)
	for i := start; i <= end; i++ {
		numbered = append(numbered, numberedLine{Line: i, Text: lines[i-1]})
	}
	out["content"] = strings.Join(lines[start-1:end], "\n")
	out["lines"] = numbered
	return out, nil
}

func detectMime(path string, data []byte) string {
	if m := mime.TypeByExtension(filepath.Ext(path)); m != "" {
		return m
	}
	if IsBinary(data) {
		return "application/octet-stream"
	}
	return "text/plain"
}

// fsWriteTool writes whole files.
type fsWriteTool struct{ ws *Workspace }

func (t *fsWriteTool) Name() string { return core.ToolFsWrite.Internal() }

func (t *fsWriteTool) Description() string {
	return "Write content to a file, creating it and parent directories if needed. Overwrites existing content."
}

func (t *fsWriteTool) InputSchema() map[string]any {
	return objectSchema([]string{"path", "content"}, map[string]any{
		"path":    prop("string", "Workspace-relative file path."),
		"content": prop("string", "Full file content."),
	})
}

func (t *fsWriteTool) Permission() PermissionLevel { return PermissionWrite }

func (t *fsWriteTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	path, err := requireString(input, "path")
	if err != nil {
		return nil, err
	}
	content, ok := input["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content missing")
	}
	var before string
	if full, err := t.ws.Resolve(path); err == nil {
		if old, err := os.ReadFile(full); err == nil {
			before = string(old)
		}
	}
	if _, err := t.ws.WriteFile(path, []byte(content)); err != nil {
		return nil, err
	}
	return map[string]any{
		"written": true,
		"path":    path,
		"bytes":   len(content),
		"diff":    GenerateUnifiedDiff(path, before, content, 3),
	}, nil
}

// editSpec is one edit: search/replace or a line-range replacement.
type editSpec struct {
	Search      string
	Replace     string
	All         bool
	StartLine   int
	EndLine     int
	Replacement string
	lineRange   bool
}

func parseEdit(m map[string]any) (editSpec, error) {
	if search, ok := m["search"].(string); ok && search != "" {
		replace, _ := m["replace"].(string)
		return editSpec{Search: search, Replace: replace, All: boolArg(m, "all", true)}, nil
	}
	start := intArg(m, "start_line", 0)
	end := intArg(m, "end_line", 0)
	if start > 0 {
		if end <= 0 {
			end = start
		}
		replacement, _ := m["replacement"].(string)
		return editSpec{StartLine: start, EndLine: end, Replacement: replacement, lineRange: true}, nil
	}
	return editSpec{}, fmt.Errorf("edit requires search/replace or start_line/end_line/replacement")
}

// applyEdit applies e to content and returns the new content and the number
// of replacements.
func applyEdit(content string, e editSpec) (string, int, error) {
	if e.lineRange {
		lines := strings.Split(content, "\n")
		if e.StartLine > len(lines) || e.EndLine < e.StartLine {
			return "", 0, fmt.Errorf("line range %d-%d out of bounds (file has %d lines)", e.StartLine, e.EndLine, len(lines))
		}
		end := min(e.EndLine, len(lines))
		var repl []string
		if e.Replacement != "" {
			repl = strings.Split(strings.TrimSuffix(e.Replacement, "\n"), "\n")
		}
		out := append(append(append([]string{}, lines[:e.StartLine-1]...), repl...), lines[end:]...)
		return strings.Join(out, "\n"), 1, nil
	}
	count := strings.Count(content, e.Search)
	if count == 0 {
		return "", 0, fmt.Errorf("search pattern not found")
	}
	if !e.All {
		return strings.Replace(content, e.Search, e.Replace, 1), 1, nil
	}
	return strings.ReplaceAll(content, e.Search, e.Replace), count, nil
}

func collectEdits(input map[string]any) ([]editSpec, error) {
	if raw, ok := input["edits"].([]any); ok {
		specs := make([]editSpec, 0, len(raw))
		for i, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("edit %d is not an object", i)
			}
			e, err := parseEdit(m)
			if err != nil {
				return nil, fmt.Errorf("edit %d: %w", i, err)
			}
			specs = append(specs, e)
		}
		return specs, nil
	}
	e, err := parseEdit(input)
	if err != nil {
		return nil, err
	}
	return []editSpec{e}, nil
}

type editResult struct {
	Path         string `json:"path"`
	Edited       bool   `json:"edited"`
	Replacements int    `json:"replacements"`
	Diff         string `json:"diff"`
	BeforeSHA256 string `json:"before_sha256"`
	AfterSHA256  string `json:"after_sha256"`
	Error        string `json:"error,omitempty"`
}

// editFile applies every edit in order. Nothing is written unless all of
// them succeed.
func editFile(ws *Workspace, path string, edits []editSpec) (editResult, error) {
	full, err := ws.Resolve(path)
	if err != nil {
		return editResult{}, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return editResult{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	before := string(data)
	content := before
	total := 0
	for _, e := range edits {
		var n int
		content, n, err = applyEdit(content, e)
		if err != nil {
			return editResult{}, fmt.Errorf("%s: %w", path, err)
		}
		total += n
	}
	if _, err := ws.WriteFile(path, []byte(content)); err != nil {
		return editResult{}, err
	}
	return editResult{
		Path:         path,
		Edited:       content != before,
		Replacements: total,
		Diff:         GenerateUnifiedDiff(path, before, content, 3),
		BeforeSHA256: sha256Hex(data),
		AfterSHA256:  sha256Hex([]byte(content)),
	}, nil
}

var editItemSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"search":      prop("string", "Exact text to find."),
		"replace":     prop("string", "Replacement text."),
		"all":         prop("boolean", "Replace every occurrence (default true)."),
		"start_line":  prop("integer", "First line of a range replacement."),
		"end_line":    prop("integer", "Last line of a range replacement."),
		"replacement": prop("string", "Text that replaces the line range."),
	},
}

// fsEditTool edits one file in place.
type fsEditTool struct{ ws *Workspace }

func (t *fsEditTool) Name() string { return core.ToolFsEdit.Internal() }

func (t *fsEditTool) Description() string {
	return "Edit a file with exact search/replace or a line-range replacement. Pass several edits in 'edits' to apply them in order."
}

func (t *fsEditTool) InputSchema() map[string]any {
	props := map[string]any{
		"path":  prop("string", "Workspace-relative file path."),
		"edits": map[string]any{"type": "array", "items": editItemSchema, "description": "Edits applied in order."},
	}
	for k, v := range editItemSchema["properties"].(map[string]any) {
		props[k] = v
	}
	return objectSchema([]string{"path"}, props)
}

func (t *fsEditTool) Permission() PermissionLevel { return PermissionWrite }

func (t *fsEditTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	path, err := requireString(input, "path")
	if err != nil {
		return nil, err
	}
	edits, err := collectEdits(input)
	if err != nil {
		return nil, err
	}
	return editFile(t.ws, path, edits)
}

// multiEditTool edits several files in one call.
type multiEditTool struct{ ws *Workspace }

func (t *multiEditTool) Name() string { return core.ToolMultiEdit.Internal() }

func (t *multiEditTool) Description() string {
	return "Apply edits to several files. Each file entry has a path and an edits array. Files are processed independently."
}

func (t *multiEditTool) InputSchema() map[string]any {
	return objectSchema([]string{"files"}, map[string]any{
		"files": map[string]any{
			"type": "array",
			"items": objectSchema([]string{"path", "edits"}, map[string]any{
				"path":  prop("string", "Workspace-relative file path."),
				"edits": map[string]any{"type": "array", "items": editItemSchema},
			}),
		},
	})
}

func (t *multiEditTool) Permission() PermissionLevel { return PermissionWrite }

func (t *multiEditTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	files, ok := input["files"].([]any)
	if !ok || len(files) == 0 {
		return nil, fmt.Errorf("files missing")
	}
	results := make([]editResult, 0, len(files))
	totalReplacements := 0
	allOK := true
	for i, f := range files {
		m, ok := f.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("file entry %d is not an object", i)
		}
		path := stringArg(m, "path")
		edits, err := collectEdits(m)
		if err == nil && path == "" {
			err = fmt.Errorf("path missing")
		}
		var res editResult
		if err == nil {
			res, err = editFile(t.ws, path, edits)
		}
		if err != nil {
			allOK = false
			results = append(results, editResult{Path: path, Error: err.Error()})
			continue
		}
		totalReplacements += res.Replacements
		results = append(results, res)
	}
	return map[string]any{
		"results":            results,
		"total_files":        len(results),
		"total_replacements": totalReplacements,
		"all_succeeded":      allOK,
	}, nil
}

// fsListTool lists one directory.
type fsListTool struct{ ws *Workspace }

func (t *fsListTool) Name() string { return core.ToolFsList.Internal() }

func (t *fsListTool) Description() string {
	return "List the entries of a workspace directory."
}

func (t *fsListTool) InputSchema() map[string]any {
	return objectSchema(nil, map[string]any{
		"dir": prop("string", "Workspace-relative directory (default: root)."),
	})
}

func (t *fsListTool) Permission() PermissionLevel { return PermissionRead }

type listEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

func (t *fsListTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	dir := stringArg(input, "dir", "path")
	full, err := t.ws.Resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	out := make([]listEntry, 0, len(entries))
	for _, e := range entries {
		le := listEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			le.Size = info.Size()
		}
		out = append(out, le)
	}
	return map[string]any{"entries": out}, nil
}

// globToRegexp translates a glob with ** support into an anchored regexp.
// "**/" matches zero or more directories, "*" stays within one segment.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	p := filepath.ToSlash(pattern)
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch c {
		case '*':
			if i+1 < len(p) && p[i+1] == '*' {
				if i+2 < len(p) && p[i+2] == '/' {
					b.WriteString("(?:.*/)?")
					i += 2
				} else {
					b.WriteString(".*")
					i++
				}
				continue
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		case '{':
			end := strings.IndexByte(p[i:], '}')
			if end < 0 {
				b.WriteString(`\{`)
				continue
			}
			alts := strings.Split(p[i+1:i+end], ",")
			for j := range alts {
				alts[j] = regexp.QuoteMeta(alts[j])
			}
			b.WriteString("(?:" + strings.Join(alts, "|") + ")")
			i += end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

var errStopWalk = errors.New("stop walk")

// walkWorkspace visits files below base in lexical order, skipping runtime
// and VCS directories. fn returns false to stop.
func walkWorkspace(ws *Workspace, base string, fn func(rel string, d fs.DirEntry) bool) error {
	root, err := ws.Resolve(base)
	if err != nil {
		return err
	}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel := ws.Rel(path)
		if path != root && skipRelPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		if !fn(rel, d) {
			return errStopWalk
		}
		return nil
	})
	if errors.Is(err, errStopWalk) {
		return nil
	}
	return err
}

// fsGlobTool finds files by glob pattern.
type fsGlobTool struct{ ws *Workspace }

func (t *fsGlobTool) Name() string { return core.ToolFsGlob.Internal() }

func (t *fsGlobTool) Description() string {
	return "Find workspace paths matching a glob pattern such as **/*.go. Results are sorted."
}

func (t *fsGlobTool) InputSchema() map[string]any {
	return objectSchema([]string{"pattern"}, map[string]any{
		"pattern": prop("string", "Glob pattern relative to base; ** matches any depth."),
		"base":    prop("string", "Directory to search from (default: root)."),
		"limit":   prop("integer", "Maximum matches (default 200)."),
	})
}

func (t *fsGlobTool) Permission() PermissionLevel { return PermissionRead }

type globMatch struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

func (t *fsGlobTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	pattern, err := requireString(input, "pattern")
	if err != nil {
		return nil, err
	}
	base := stringArg(input, "base")
	limit := intArg(input, "limit", defaultSearchLimit)
	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid glob: %w", err)
	}
	prefix := ""
	if base != "" && base != "." {
		prefix = strings.TrimSuffix(filepath.ToSlash(base), "/") + "/"
	}

	var matches []globMatch
	err = walkWorkspace(t.ws, base, func(rel string, d fs.DirEntry) bool {
		if ctx.Err() != nil {
			return false
		}
		if re.MatchString(strings.TrimPrefix(rel, prefix)) {
			matches = append(matches, globMatch{Path: rel, IsDir: d.IsDir()})
		}
		return len(matches) < limit
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Path < matches[j].Path })
	return map[string]any{"pattern": pattern, "matches": matches}, nil
}

// fsGrepTool searches file contents with a regular expression.
type fsGrepTool struct{ ws *Workspace }

func (t *fsGrepTool) Name() string { return core.ToolFsGrep.Internal() }

func (t *fsGrepTool) Description() string {
	return "Search file contents with a regular expression. Restrict files with a glob. Returns path, line number and text."
}

func (t *fsGrepTool) InputSchema() map[string]any {
	return objectSchema([]string{"pattern"}, map[string]any{
		"pattern":        prop("string", "Regular expression (RE2 syntax)."),
		"glob":           prop("string", "File glob (default **/*)."),
		"limit":          prop("integer", "Maximum matches (default 200)."),
		"case_sensitive": prop("boolean", "Case sensitive search (default true)."),
	})
}

func (t *fsGrepTool) Permission() PermissionLevel { return PermissionRead }

type grepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (t *fsGrepTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	pattern, err := requireString(input, "pattern")
	if err != nil {
		return nil, err
	}
	glob := stringArg(input, "glob")
	if glob == "" {
		glob = "**/*"
	}
	limit := intArg(input, "limit", defaultSearchLimit)
	expr := pattern
	if !boolArg(input, "case_sensitive", true) {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	fileRe, err := globToRegexp(glob)
	if err != nil {
		return nil, fmt.Errorf("invalid glob: %w", err)
	}

	var matches []grepMatch
	err = walkWorkspace(t.ws, "", func(rel string, d fs.DirEntry) bool {
		if ctx.Err() != nil {
			return false
		}
		if d.IsDir() || !fileRe.MatchString(rel) {
			return true
		}
		matches = append(matches, grepFile(filepath.Join(t.ws.Root(), rel), rel, re, limit-len(matches))...)
		return len(matches) < limit
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"pattern": pattern, "glob": glob, "matches": matches}, nil
}

func grepFile(full, rel string, re *regexp.Regexp, limit int) []grepMatch {
	f, err := os.Open(full)
	if err != nil {
		return nil
	}
	defer f.Close()

	head := make([]byte, binarySniffBytes)
	n, _ := f.Read(head)
	if IsBinary(head[:n]) {
		return nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil
	}

	var out []grepMatch
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() && len(out) < limit {
		line++
		if re.MatchString(sc.Text()) {
			out = append(out, grepMatch{Path: rel, Line: line, Text: sc.Text()})
		}
	}
	return out
}

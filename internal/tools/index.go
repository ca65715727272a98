package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

const (
	defaultTopK  = 10
	indexTimeout = 60 * time.Second
)

// IndexHit is one search result.
type IndexHit struct {
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
	Snippet   string  `json:"snippet"`
}

// IndexBackend answers code search queries.
type IndexBackend interface {
	Query(ctx context.Context, q string, topK int) ([]IndexHit, error)
}

// NewIndex returns the vecgrep semantic index when the binary is installed
// and the project has been initialized, otherwise a lexical scorer over the
// workspace.
func NewIndex(ws *Workspace, runner ShellRunner) IndexBackend {
	lexical := &LexicalIndex{ws: ws}
	if _, err := exec.LookPath("vecgrep"); err != nil {
		return lexical
	}
	if !fileExists(filepath.Join(ws.Root(), ".vecgrep")) {
		return lexical
	}
	return &VecgrepIndex{ws: ws, runner: runner, fallback: lexical}
}

// VecgrepIndex shells out to the vecgrep CLI.
type VecgrepIndex struct {
	ws       *Workspace
	runner   ShellRunner
	fallback IndexBackend
}

func (v *VecgrepIndex) Query(ctx context.Context, q string, topK int) ([]IndexHit, error) {
	cmd := fmt.Sprintf("vecgrep search %s --limit %d --format json", strconv.Quote(q), topK)
	res, err := v.runner.Run(ctx, cmd, v.ws.Root(), indexTimeout)
	if err != nil || !res.Success() {
		logging.Debug("vecgrep unavailable, using lexical index", logging.F("stderr", res.Stderr), logging.Error(err))
		return v.fallback.Query(ctx, q, topK)
	}
	var results []struct {
		File       string  `json:"file"`
		StartLine  int     `json:"start_line"`
		EndLine    int     `json:"end_line"`
		Content    string  `json:"content"`
		Similarity float64 `json:"similarity"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &results); err != nil {
		return nil, fmt.Errorf("parse vecgrep output: %w", err)
	}
	hits := make([]IndexHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, IndexHit{Path: r.File, StartLine: r.StartLine, EndLine: r.EndLine, Score: r.Similarity, Snippet: r.Content})
	}
	return hits, nil
}

// LexicalIndex scores files by query term frequency. It is the fallback
// when no semantic index exists.
type LexicalIndex struct {
	ws *Workspace
}

const (
	lexicalMaxFileBytes = 512 * 1024
	snippetContext      = 2
)

func (l *LexicalIndex) Query(ctx context.Context, q string, topK int) ([]IndexHit, error) {
	terms := queryTerms(q)
	if len(terms) == 0 {
		return nil, nil
	}
	var hits []IndexHit
	err := walkWorkspace(l.ws, "", func(rel string, d fs.DirEntry) bool {
		if ctx.Err() != nil {
			return false
		}
		if d.IsDir() {
			return true
		}
		if info, err := d.Info(); err != nil || info.Size() > lexicalMaxFileBytes {
			return true
		}
		if hit, ok := scoreFile(filepath.Join(l.ws.Root(), rel), rel, terms); ok {
			hits = append(hits, hit)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Path < hits[j].Path
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func queryTerms(q string) []string {
	var terms []string
	for _, w := range strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(w) > 2 {
			terms = append(terms, w)
		}
	}
	return terms
}

func scoreFile(full, rel string, terms []string) (IndexHit, bool) {
	data, err := os.ReadFile(full)
	if err != nil || IsBinary(data) {
		return IndexHit{}, false
	}
	lines := strings.Split(string(data), "\n")
	best, bestLine, total := 0, -1, 0
	for i, line := range lines {
		lower := strings.ToLower(line)
		n := 0
		for _, t := range terms {
			n += strings.Count(lower, t)
		}
		total += n
		if n > best {
			best, bestLine = n, i
		}
	}
	pathLower := strings.ToLower(rel)
	for _, t := range terms {
		if strings.Contains(pathLower, t) {
			total += 3
		}
	}
	if total == 0 {
		return IndexHit{}, false
	}
	if bestLine < 0 {
		bestLine = 0
	}
	start := max(bestLine-snippetContext, 0)
	end := min(bestLine+snippetContext, len(lines)-1)
	return IndexHit{
		Path:      rel,
		StartLine: start + 1,
		EndLine:   end + 1,
		Score:     float64(total) / float64(len(terms)),
		Snippet:   strings.Join(lines[start:end+1], "\n"),
	}, true
}

// indexQueryTool exposes the index to the model.
type indexQueryTool struct{ index IndexBackend }

func (t *indexQueryTool) Name() string { return core.ToolIndexQuery.Internal() }

func (t *indexQueryTool) Description() string {
	return "Search the codebase index for code related to a natural-language query. Returns ranked file snippets."
}

func (t *indexQueryTool) InputSchema() map[string]any {
	return objectSchema([]string{"q"}, map[string]any{
		"q":     prop("string", "Search query."),
		"top_k": prop("integer", "Number of results (default 10)."),
	})
}

func (t *indexQueryTool) Permission() PermissionLevel { return PermissionRead }

func (t *indexQueryTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	q, err := requireString(input, "q", "query")
	if err != nil {
		return nil, err
	}
	hits, err := t.index.Query(ctx, q, intArg(input, "top_k", defaultTopK))
	if err != nil {
		return nil, err
	}
	if hits == nil {
		hits = []IndexHit{}
	}
	return map[string]any{"query": q, "results": hits}, nil
}

package agentloop

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/tools"
)

// repoEntry is one candidate file for the architect's repository map.
type repoEntry struct {
	Path  string
	Size  int64
	Score int
}

// skipDirs are never walked when git is unavailable.
var skipDirs = map[string]bool{
	".git": true, ".deepseek": true, "node_modules": true, "target": true, "vendor": true, "dist": true,
}

// BuildRepoMap ranks workspace files for prompt and renders the top
// maxFiles as "- path (size bytes) score=N" lines. Changed files score
// 100, each prompt word of three or more characters found in the path 10,
// and the README or specs file 5.
func BuildRepoMap(ctx context.Context, root, prompt string, maxFiles int) string {
	if maxFiles <= 0 {
		return ""
	}
	files := listFiles(ctx, root)
	changed := changedSet(ctx, root)
	terms := promptTerms(prompt)

	entries := make([]repoEntry, 0, len(files))
	for _, rel := range files {
		info, err := os.Stat(filepath.Join(root, rel))
		if err != nil || info.IsDir() {
			continue
		}
		entries = append(entries, repoEntry{Path: rel, Size: info.Size(), Score: scorePath(rel, changed, terms)})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Path < entries[j].Path
	})

	var b strings.Builder
	count := 0
	for _, e := range entries {
		if count >= maxFiles || (e.Score <= 0 && count >= maxFiles/2) {
			break
		}
		fmt.Fprintf(&b, "- %s (%d bytes) score=%d\n", e.Path, e.Size, e.Score)
		count++
	}
	return strings.TrimRight(b.String(), "\n")
}

func scorePath(rel string, changed map[string]bool, terms []string) int {
	score := 0
	if changed[rel] {
		score += 100
	}
	lower := strings.ToLower(rel)
	for _, t := range terms {
		if strings.Contains(lower, t) {
			score += 10
		}
	}
	switch strings.ToLower(filepath.Base(rel)) {
	case "readme.md", "specs.md":
		score += 5
	}
	return score
}

func promptTerms(prompt string) []string {
	var terms []string
	seen := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !(r == '_' || r == '-' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(w) >= 3 && !seen[w] {
			seen[w] = true
			terms = append(terms, w)
		}
	}
	return terms
}

// listFiles prefers git ls-files and falls back to walking the tree.
func listFiles(ctx context.Context, root string) []string {
	if res, err := tools.RunGit(ctx, root, "ls-files"); err == nil && res.Success() {
		var out []string
		for _, line := range strings.Split(res.Stdout, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, filepath.ToSlash(line))
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	var out []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if rel, err := filepath.Rel(root, path); err == nil {
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	return out
}

func changedSet(ctx context.Context, root string) map[string]bool {
	changed := map[string]bool{}
	res, err := tools.RunGit(ctx, root, "status", "--porcelain")
	if err != nil || !res.Success() {
		return changed
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		changed[filepath.ToSlash(path)] = true
	}
	return changed
}

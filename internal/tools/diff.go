package tools

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// GenerateUnifiedDiff produces a unified diff between old and new content.
// contextLines controls how many surrounding lines are shown (default 3).
// The output carries no timestamps so identical edits render identically.
func GenerateUnifiedDiff(filename, oldContent, newContent string, contextLines int) string {
	if contextLines <= 0 {
		contextLines = 3
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldContent),
		B:        difflib.SplitLines(newContent),
		FromFile: "a/" + filename,
		ToFile:   "b/" + filename,
		Context:  contextLines,
	}

	result, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return fmt.Sprintf("(diff generation failed: %v)", err)
	}
	return result
}

// DiffStat summarizes a unified diff.
type DiffStat struct {
	Files     []string `json:"files"`
	Additions int      `json:"additions"`
	Deletions int      `json:"deletions"`
}

// LOCDelta is the total number of changed lines.
func (s DiffStat) LOCDelta() int { return s.Additions + s.Deletions }

// ParseDiffStat counts changed lines and collects the touched paths, sorted
// and without the a/ b/ prefixes.
func ParseDiffStat(diff string) DiffStat {
	var st DiffStat
	seen := map[string]bool{}
	addFile := func(p string) {
		p = strings.TrimSpace(p)
		if i := strings.IndexByte(p, '\t'); i >= 0 {
			p = p[:i]
		}
		if p == "" || p == "/dev/null" {
			return
		}
		p = strings.TrimPrefix(strings.TrimPrefix(p, "a/"), "b/")
		if !seen[p] {
			seen[p] = true
			st.Files = append(st.Files, p)
		}
	}
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ "):
			addFile(line[4:])
		case strings.HasPrefix(line, "--- "):
			addFile(line[4:])
		case strings.HasPrefix(line, "+"):
			st.Additions++
		case strings.HasPrefix(line, "-"):
			st.Deletions++
		}
	}
	sort.Strings(st.Files)
	return st
}

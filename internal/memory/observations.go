package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
)

const (
	objectiveChars = 180
	summaryChars   = 220
	patternChars   = 160
	maxPatterns    = 8
	// maxMemoryLines bounds MEMORY.md; the two header lines always survive.
	maxMemoryLines = 260
)

// Observation is one auto-memory entry recorded after a run.
type Observation struct {
	Objective string
	Summary   string
	Success   bool
	Patterns  []string
	At        time.Time
}

func (o Observation) status() string {
	if o.Success {
		return "success"
	}
	return "failure"
}

// AppendObservation adds an observation block to the agent's MEMORY.md.
// Patterns are inferred from the objective and summary when none are given.
func (m *Manager) AppendObservation(agent string, o Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.AgentPath(agent)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return buderr.StorageIO("agent_memory_dir", err)
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return buderr.StorageIO("agent_memory_read", err)
	}
	var sb strings.Builder
	if len(existing) == 0 {
		fmt.Fprintf(&sb, "# Auto Memory\n\nWorkspace: %s\n\n", m.workspace)
	} else {
		sb.Write(existing)
		if !strings.HasSuffix(string(existing), "\n\n") {
			sb.WriteString("\n")
		}
	}

	at := o.At
	if at.IsZero() {
		at = m.now()
	}
	objective := truncateLine(o.Objective, objectiveChars)
	summary := truncateLine(o.Summary, summaryChars)

	patterns := make([]string, 0, len(o.Patterns))
	for _, p := range o.Patterns {
		if p = truncateLine(p, patternChars); p != "" {
			patterns = append(patterns, p)
		}
		if len(patterns) == maxPatterns {
			break
		}
	}
	if len(patterns) == 0 {
		patterns = inferPatterns(objective, summary, o.Success)
	}

	fmt.Fprintf(&sb, "## %s (%s)\n", at.UTC().Format(time.RFC3339), o.status())
	fmt.Fprintf(&sb, "- objective: %s\n", objective)
	fmt.Fprintf(&sb, "- summary: %s\n", summary)
	for _, p := range patterns {
		fmt.Fprintf(&sb, "- pattern: %s\n", p)
	}
	sb.WriteString("\n")

	if err := os.WriteFile(path, []byte(pruneLines(sb.String(), maxMemoryLines)), 0o644); err != nil {
		return buderr.StorageIO("agent_memory_write", err)
	}
	return nil
}

func inferPatterns(objective, summary string, success bool) []string {
	obj := strings.ToLower(objective)
	sum := strings.ToLower(summary)

	var out []string
	if strings.Contains(obj, "test") || strings.Contains(sum, "test") {
		out = append(out, "Run targeted tests immediately after each change chunk.")
	}
	if strings.Contains(obj, "refactor") {
		out = append(out, "Refactors are safer when split into behavior-preserving checkpoints.")
	}
	if strings.Contains(sum, "verification") || strings.Contains(sum, "lint") {
		out = append(out, "Capture verification output explicitly to avoid repeated failure loops.")
	}
	if !success {
		out = append(out, "On failure, revise plan scope before re-running the full pipeline.")
	}
	if len(out) == 0 {
		out = append(out, "Prefer minimal, reviewable patches with explicit verification evidence.")
	}
	return out
}

// truncateLine flattens s to one line of at most n runes plus "...".
func truncateLine(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// pruneLines keeps the first two lines and the newest tail within max lines.
func pruneLines(content string, max int) string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) <= max {
		return strings.Join(lines, "\n") + "\n"
	}
	kept := append([]string{}, lines[:2]...)
	kept = append(kept, lines[len(lines)-(max-2):]...)
	return strings.Join(kept, "\n") + "\n"
}

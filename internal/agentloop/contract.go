// Package agentloop drives one request through the architect, editor,
// apply, lint and verify stages until verification passes or the iteration
// budget runs out.
package agentloop

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	planHeader = "ARCHITECT_PLAN_V1"
	planFooter = "ARCHITECT_PLAN_END"

	defaultNoEditReason = "No file edits required"
	needContextPrefix   = "NEED_CONTEXT|"
)

// FileIntent is a file the architect allows the editor to touch.
type FileIntent struct {
	Path   string
	Intent string
}

// SubagentRequest asks for a delegated investigation before editing.
type SubagentRequest struct {
	Name string
	Goal string
}

// RetrieveRequest is a semantic search against the workspace index.
type RetrieveRequest struct {
	Query string
	Scope string
}

// ToolRequest is a read-only tool the architect wants run before editing.
// Args is the raw JSON object from the plan line.
type ToolRequest struct {
	Name string
	Args string
}

// ArchitectPlan is a parsed ARCHITECT_PLAN_V1 response.
type ArchitectPlan struct {
	Steps        []string
	Files        []FileIntent
	Verify       []string
	Acceptance   []string
	NoEditReason string
	Subagents    []SubagentRequest
	Retrieve     []RetrieveRequest
	Tools        []ToolRequest
	Raw          string
}

// NoEdit reports whether the architect declared that nothing needs editing.
func (p *ArchitectPlan) NoEdit() bool { return p.NoEditReason != "" }

// NeedsEvidence reports whether the plan asks for findings before editing.
func (p *ArchitectPlan) NeedsEvidence() bool {
	return len(p.Subagents) > 0 || len(p.Retrieve) > 0 || len(p.Tools) > 0
}

// AllowedFiles returns the declared paths as a set.
func (p *ArchitectPlan) AllowedFiles() map[string]bool {
	out := make(map[string]bool, len(p.Files))
	for _, f := range p.Files {
		out[f.Path] = true
	}
	return out
}

// ParseArchitectPlan reads the line contract. Blank lines are ignored; any
// other unknown line is an error.
func ParseArchitectPlan(text string) (*ArchitectPlan, error) {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 || lines[0] != planHeader {
		return nil, fmt.Errorf("architect output missing %s", planHeader)
	}

	plan := &ArchitectPlan{}
	sawEnd := false
	seen := make(map[string]bool)
	for _, line := range lines[1:] {
		if line == planFooter {
			sawEnd = true
			break
		}
		tag, rest, _ := strings.Cut(line, "|")
		switch tag {
		case "PLAN":
			if v := strings.TrimSpace(rest); v != "" {
				plan.Steps = append(plan.Steps, v)
			}
		case "FILE":
			path, intent := splitPair(rest)
			if path == "" || intent == "" {
				return nil, fmt.Errorf("invalid FILE line: %s", line)
			}
			if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
				return nil, fmt.Errorf("architect declared absolute path: %s", path)
			}
			if !seen[path] {
				seen[path] = true
				plan.Files = append(plan.Files, FileIntent{Path: path, Intent: intent})
			}
		case "VERIFY":
			if v := strings.TrimSpace(rest); v != "" {
				plan.Verify = append(plan.Verify, v)
			}
		case "ACCEPT":
			if v := strings.TrimSpace(rest); v != "" {
				plan.Acceptance = append(plan.Acceptance, v)
			}
		case "NO_EDIT":
			flag, reason := splitPair(rest)
			if strings.EqualFold(flag, "true") {
				if reason == "" {
					reason = defaultNoEditReason
				}
				plan.NoEditReason = reason
			}
		case "SUBAGENT":
			name, goal := splitPair(rest)
			if name == "" || goal == "" {
				return nil, fmt.Errorf("invalid SUBAGENT line: %s", line)
			}
			plan.Subagents = append(plan.Subagents, SubagentRequest{Name: name, Goal: goal})
		case "RETRIEVE":
			query, scope := splitPair(rest)
			if query == "" {
				return nil, fmt.Errorf("invalid RETRIEVE line: %s", line)
			}
			plan.Retrieve = append(plan.Retrieve, RetrieveRequest{Query: query, Scope: scope})
		case "TOOL":
			name, args := splitPair(rest)
			if name == "" {
				return nil, fmt.Errorf("invalid TOOL line: %s", line)
			}
			plan.Tools = append(plan.Tools, ToolRequest{Name: name, Args: args})
		default:
			return nil, fmt.Errorf("unknown architect line: %s", line)
		}
	}
	if !sawEnd {
		return nil, fmt.Errorf("architect output missing %s", planFooter)
	}
	plan.Raw = text
	return plan, nil
}

func splitPair(s string) (string, string) {
	a, b, _ := strings.Cut(s, "|")
	return strings.TrimSpace(a), strings.TrimSpace(b)
}

// FileRequest is one NEED_CONTEXT line. Start and End are 1-based and
// inclusive; both are zero for a whole-file request.
type FileRequest struct {
	Path  string
	Start int
	End   int
}

// HasRange reports whether the request names a line range.
func (r FileRequest) HasRange() bool { return r.Start > 0 || r.End > 0 }

// EditorResponse is either a diff or a list of context requests.
type EditorResponse struct {
	Diff        string
	NeedContext []FileRequest
}

// ParseEditorResponse accepts a unified diff, optionally fenced, or a
// response made only of NEED_CONTEXT lines.
func ParseEditorResponse(text string, maxDiffBytes int) (EditorResponse, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return EditorResponse{}, fmt.Errorf("empty editor response")
	}

	allNeed := true
	for _, l := range strings.Split(trimmed, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(l), needContextPrefix) {
			allNeed = false
			break
		}
	}
	if allNeed {
		var reqs []FileRequest
		for _, l := range strings.Split(trimmed, "\n") {
			body := strings.TrimPrefix(strings.TrimSpace(l), needContextPrefix)
			req, err := parseFileRequest(body)
			if err != nil {
				return EditorResponse{}, err
			}
			reqs = append(reqs, req)
		}
		return EditorResponse{NeedContext: reqs}, nil
	}

	diff := stripFences(text)
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}
	if maxDiffBytes > 0 && len(diff) > maxDiffBytes {
		return EditorResponse{}, fmt.Errorf("editor diff exceeds max size (%d > %d)", len(diff), maxDiffBytes)
	}
	if !validDiffMarkers(diff) {
		return EditorResponse{}, fmt.Errorf("editor output is not a valid unified diff")
	}
	return EditorResponse{Diff: diff}, nil
}

func validDiffMarkers(diff string) bool {
	return strings.Contains(diff, "--- ") && strings.Contains(diff, "+++ ") && strings.Contains(diff, "@@")
}

func parseFileRequest(body string) (FileRequest, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return FileRequest{}, fmt.Errorf("empty NEED_CONTEXT path")
	}
	if i := strings.LastIndex(body, ":"); i >= 0 {
		if from, to, ok := strings.Cut(body[i+1:], "-"); ok {
			start, err1 := strconv.Atoi(strings.TrimSpace(from))
			end, err2 := strconv.Atoi(strings.TrimSpace(to))
			if err1 == nil && err2 == nil && start >= 0 && end >= 0 {
				return FileRequest{Path: strings.TrimSpace(body[:i]), Start: start, End: end}, nil
			}
		}
	}
	return FileRequest{Path: body}, nil
}

func stripFences(text string) string {
	t := strings.TrimLeft(text, " \t\r\n")
	if !strings.HasPrefix(t, "```") {
		return text
	}
	lines := strings.Split(t, "\n")[1:]
	var body []string
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "```") {
			break
		}
		body = append(body, l)
	}
	if len(body) == 0 {
		return text
	}
	return strings.Join(body, "\n") + "\n"
}

// PlanSimilarity is the Jaccard similarity of the whitespace-separated word
// sets of two plan texts.
func PlanSimilarity(a, b string) float64 {
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		out[w] = true
	}
	return out
}

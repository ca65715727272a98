// Package planner turns model output into plans and grades them before a
// run commits to one.
package planner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
)

// MaxSteps caps how many steps a parsed plan keeps.
const MaxSteps = 16

// DefaultVerification is used when the model declares none.
var DefaultVerification = []string{"cargo fmt --all -- --check", "cargo test --workspace"}

// llmPlan is the JSON shape the planner prompt asks for.
type llmPlan struct {
	Goal         string    `json:"goal"`
	Assumptions  []string  `json:"assumptions"`
	Steps        []llmStep `json:"steps"`
	Verification []string  `json:"verification"`
	RiskNotes    []string  `json:"risk_notes"`
}

type llmStep struct {
	Title  string   `json:"title"`
	Intent string   `json:"intent"`
	Tools  []string `json:"tools"`
	Files  []string `json:"files"`
}

var thinkTags = regexp.MustCompile(`(?s)<think>.*?</think>`)

// ExtractJSON returns the JSON object in text: the body of a ```json fence
// when present, otherwise the span from the first '{' to the last '}'.
func ExtractJSON(text string) (string, bool) {
	text = thinkTags.ReplaceAllString(text, "")
	if start := strings.Index(text, "```json"); start >= 0 {
		rest := text[start+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end]), true
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return strings.TrimSpace(text[start : end+1]), true
}

// Parse reads a plan from model output. Steps without a title, or without
// tools after intent defaults, are dropped. It returns false when no usable
// step remains.
func Parse(text, fallbackGoal string) (*core.Plan, bool) {
	snippet, ok := ExtractJSON(text)
	if !ok {
		return nil, false
	}
	var raw llmPlan
	if err := json.Unmarshal([]byte(snippet), &raw); err != nil {
		return nil, false
	}

	var steps []core.PlanStep
	for _, s := range raw.Steps[:min(len(raw.Steps), MaxSteps)] {
		title := strings.TrimSpace(s.Title)
		if title == "" {
			continue
		}
		intent := InferIntent(s.Intent, s.Tools, title)
		tools := trimNonEmpty(s.Tools)
		if len(tools) == 0 {
			tools = DefaultToolsForIntent(intent)
		}
		files := trimNonEmpty(s.Files)
		sort.Strings(files)
		files = dedupSorted(files)
		steps = append(steps, core.PlanStep{
			StepID: uuid.Must(uuid.NewV7()).String(),
			Title:  title,
			Intent: intent,
			Tools:  tools,
			Files:  files,
		})
	}
	if len(steps) == 0 {
		return nil, false
	}

	goal := strings.TrimSpace(raw.Goal)
	if goal == "" {
		goal = fallbackGoal
	}
	verification := raw.Verification
	if len(verification) == 0 {
		verification = append([]string(nil), DefaultVerification...)
	}
	return &core.Plan{
		PlanID:       uuid.Must(uuid.NewV7()).String(),
		Version:      1,
		Goal:         goal,
		Assumptions:  orEmpty(raw.Assumptions),
		Steps:        steps,
		Verification: verification,
		RiskNotes:    orEmpty(raw.RiskNotes),
	}, true
}

// Fallback is the plan used when the planner never produces a valid one.
func Fallback(prompt string) *core.Plan {
	return &core.Plan{
		PlanID:      uuid.Must(uuid.NewV7()).String(),
		Version:     1,
		Goal:        prompt,
		Assumptions: []string{"Workspace is writable"},
		Steps: []core.PlanStep{{
			StepID: uuid.Must(uuid.NewV7()).String(),
			Title:  "Analyze scope",
			Intent: "search",
			Tools:  []string{"index.query", "fs.grep"},
			Files:  []string{},
		}},
		Verification: []string{"cargo test --workspace"},
		RiskNotes:    []string{},
	}
}

// InferIntent returns the declared intent lowercased, or guesses one from
// the title and then from the first tool.
func InferIntent(raw string, tools []string, title string) string {
	if intent := strings.ToLower(strings.TrimSpace(raw)); intent != "" {
		return intent
	}
	t := strings.ToLower(title)
	switch {
	case containsAny(t, "verify", "test"):
		return "verify"
	case containsAny(t, "doc", "readme"):
		return "docs"
	case containsAny(t, "git", "branch", "commit"):
		return "git"
	case containsAny(t, "search", "find", "analy"):
		return "search"
	case containsAny(t, "edit", "implement", "fix", "refactor"):
		return "edit"
	}
	if len(tools) > 0 {
		base, _, _ := strings.Cut(tools[0], ":")
		switch {
		case strings.HasPrefix(base, "git."):
			return "git"
		case base == "bash.run":
			return "verify"
		}
	}
	return "task"
}

// DefaultToolsForIntent returns the tools a step with intent gets when it
// declares none.
func DefaultToolsForIntent(intent string) []string {
	switch intent {
	case "search":
		return []string{"index.query", "fs.grep", "fs.read"}
	case "git":
		return []string{"git.status", "git.diff"}
	case "edit":
		return []string{"fs.edit", "patch.stage"}
	case "docs":
		return []string{"fs.edit"}
	case "verify":
		return []string{"bash.run"}
	case "recover":
		return []string{"fs.grep", "fs.read"}
	default:
		return []string{"fs.list"}
	}
}

// ParseDeclaredTool splits "name:arg" or "name(arg)" and normalizes name.
func ParseDeclaredTool(raw string) (name, arg string) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ""
	}
	switch {
	case strings.Contains(s, ":"):
		name, arg, _ = strings.Cut(s, ":")
	case strings.HasSuffix(s, ")") && strings.Contains(s, "("):
		open := strings.Index(s, "(")
		name, arg = s[:open], s[open+1:len(s)-1]
	default:
		name = s
	}
	return NormalizeToolName(name), strings.TrimSpace(arg)
}

// NormalizeToolName maps the loose names models use onto internal tool
// names. Unknown names pass through lowercased.
func NormalizeToolName(name string) string {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "bash", "shell", "shell.run", "run":
		return "bash.run"
	case "grep", "search":
		return "fs.grep"
	case "read", "read_file", "fs.read_file":
		return "fs.read"
	case "write", "write_file", "fs.write_file":
		return "fs.write"
	case "edit", "modify":
		return "fs.edit"
	case "list":
		return "fs.list"
	case "git_status":
		return "git.status"
	case "git_diff":
		return "git.diff"
	case "git_show":
		return "git.show"
	default:
		return n
	}
}

// GoalPattern reduces a goal to up to four sorted distinct terms of four or
// more characters joined by '|', usable as a grep pattern and memory key.
func GoalPattern(goal string) string {
	var terms []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() >= 4 {
			terms = append(terms, cur.String())
		}
		cur.Reset()
	}
	for _, r := range goal {
		if r < 128 && (isAlnum(byte(r)) || r == '_' || r == '-') {
			cur.WriteRune(toLower(r))
			continue
		}
		flush()
	}
	flush()
	sort.Strings(terms)
	terms = dedupSorted(terms)
	if len(terms) == 0 {
		return "TODO|FIXME|panic|error"
	}
	return strings.Join(terms[:min(len(terms), 4)], "|")
}

// Format renders a plan as markdown for terminal output.
func Format(p *core.Plan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Plan: %s (v%d)\n\n", p.Goal, p.Version)
	for i, s := range p.Steps {
		mark := " "
		if s.Done {
			mark = "x"
		}
		fmt.Fprintf(&sb, "%d. [%s] **%s** (%s)\n", i+1, mark, s.Title, s.Intent)
		if len(s.Tools) > 0 {
			fmt.Fprintf(&sb, "   Tools: %s\n", strings.Join(s.Tools, ", "))
		}
		if len(s.Files) > 0 {
			fmt.Fprintf(&sb, "   Files: %s\n", strings.Join(s.Files, ", "))
		}
	}
	if len(p.Verification) > 0 {
		sb.WriteString("\n### Verification\n")
		for _, v := range p.Verification {
			fmt.Fprintf(&sb, "- `%s`\n", v)
		}
	}
	if len(p.RiskNotes) > 0 {
		sb.WriteString("\n### Risks\n")
		for _, r := range p.RiskNotes {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
	}
	return sb.String()
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func trimNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func dedupSorted(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if len(out) == 0 || s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

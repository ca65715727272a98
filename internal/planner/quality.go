package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
)

// Report grades a plan. Score is in [0,1].
type Report struct {
	Acceptable bool
	Score      float64
	Issues     []string
}

func clamp01(v float64) float64 { return max(0, min(1, v)) }

func passing() Report { return Report{Acceptable: true, Score: 1} }

// AssessQuality checks step count, verification, tool coverage and
// duplicated titles against the prompt.
func AssessQuality(plan *core.Plan, prompt string) Report {
	var issues []string
	penalty := 0.0
	lower := strings.ToLower(prompt)

	minSteps := 2
	if len(strings.Fields(prompt)) >= 18 || len(prompt) >= 120 {
		minSteps = 3
	}
	if len(plan.Steps) < minSteps {
		issues = append(issues, fmt.Sprintf("plan has %d steps; expected at least %d", len(plan.Steps), minSteps))
		penalty += 0.25
	}
	if len(plan.Verification) == 0 {
		issues = append(issues, "verification is empty")
		penalty += 0.35
	}

	withoutTools := 0
	for _, s := range plan.Steps {
		if len(s.Tools) == 0 {
			withoutTools++
		}
	}
	if withoutTools > 0 {
		issues = append(issues, fmt.Sprintf("%d step(s) missing tools", withoutTools))
		penalty += 0.20
	}

	tools := uniqueTools(plan)
	if len(tools) < 2 {
		issues = append(issues, "tool diversity is low (fewer than 2 unique tools)")
		penalty += 0.10
	}

	seen := make(map[string]bool)
	dupes := 0
	for _, s := range plan.Steps {
		t := strings.ToLower(strings.TrimSpace(s.Title))
		if t == "" {
			continue
		}
		if seen[t] {
			dupes++
		}
		seen[t] = true
	}
	if dupes > 0 {
		issues = append(issues, fmt.Sprintf("%d duplicate step title(s)", dupes))
		penalty += 0.10
	}

	if containsAny(lower, "implement", "fix", "refactor", "change") &&
		!tools["fs.edit"] && !tools["fs.write"] && !tools["patch.stage"] && !tools["patch.apply"] {
		issues = append(issues, "implementation intent detected but no edit/patch tool in plan")
		penalty += 0.20
	}

	hasVerify := tools["bash.run"]
	for _, cmd := range plan.Verification {
		if c := strings.TrimSpace(cmd); c != "" && !strings.HasPrefix(c, "#") {
			hasVerify = true
		}
	}
	if !hasVerify {
		issues = append(issues, "verification commands or verification tool are missing")
		penalty += 0.20
	}

	score := clamp01(1 - penalty)
	return Report{
		Acceptable: score >= 0.65 && len(plan.Steps) >= 2 && len(plan.Verification) > 0 && withoutTools == 0,
		Score:      score,
		Issues:     issues,
	}
}

func uniqueTools(plan *core.Plan) map[string]bool {
	out := make(map[string]bool)
	for _, s := range plan.Steps {
		for _, t := range s.Tools {
			base, _, _ := strings.Cut(t, ":")
			out[NormalizeToolName(base)] = true
		}
	}
	return out
}

// Combine merges two reports: acceptable only if both are, score averaged.
func Combine(a, b Report) Report {
	return Report{
		Acceptable: a.Acceptable && b.Acceptable,
		Score:      clamp01((a.Score + b.Score) / 2),
		Issues:     append(append([]string(nil), a.Issues...), b.Issues...),
	}
}

// AssessLongHorizon applies stricter decomposition rules to long or
// historically risky objectives. Other prompts pass unconditionally.
func AssessLongHorizon(plan *core.Plan, prompt string, outcomes []Outcome) Report {
	lower := strings.ToLower(prompt)
	longPrompt := len(prompt) >= 170 ||
		containsAny(lower, "end-to-end", "cross", "multi", "migration", "large", "long")
	risky := false
	for _, o := range outcomes[:min(len(outcomes), 4)] {
		if o.AvgFailureCount >= 1 || o.Confidence < 0.45 {
			risky = true
		}
	}
	if !longPrompt && !risky {
		return passing()
	}

	var issues []string
	penalty := 0.0
	minSteps := 3
	if risky {
		minSteps = 4
	}
	if len(plan.Steps) < minSteps {
		issues = append(issues, fmt.Sprintf("long-horizon objective requires at least %d decomposed steps", minSteps))
		penalty += 0.25
	}
	if !anyTitle(plan, "phase", "milestone", "step 1", "checkpoint", "rollout") {
		issues = append(issues, "plan lacks explicit milestone/checkpoint decomposition")
		penalty += 0.20
	}
	guarded := anyTitle(plan, "checkpoint", "rollback", "recovery", "rewind")
	for _, n := range plan.RiskNotes {
		if strings.Contains(strings.ToLower(n), "rollback") {
			guarded = true
		}
	}
	if !guarded {
		issues = append(issues, "plan missing checkpoint/rollback guard for replanning safety")
		penalty += 0.25
	}
	if risky && !anyTitle(plan, "recover", "fallback", "triage") {
		issues = append(issues, "historically risky objective lacks explicit recovery/replan path")
		penalty += 0.20
	}

	score := clamp01(1 - penalty)
	return Report{Acceptable: score >= 0.70, Score: score, Issues: issues}
}

func anyTitle(plan *core.Plan, subs ...string) bool {
	for _, s := range plan.Steps {
		if containsAny(strings.ToLower(s.Title), subs...) {
			return true
		}
	}
	return false
}

// feedbackWindow is how many recent failures alignment looks at.
const feedbackWindow = 6

// AssessFeedback checks that the plan mentions something from each recently
// failing verification command.
func AssessFeedback(plan *core.Plan, failures []journal.VerificationRecord) Report {
	if len(failures) == 0 {
		return passing()
	}
	var parts []string
	parts = append(parts, plan.Verification...)
	for _, s := range plan.Steps {
		parts = append(parts, s.Title)
		parts = append(parts, s.Tools...)
	}
	text := strings.ToLower(strings.Join(parts, " "))

	window := failures[:min(len(failures), feedbackWindow)]
	var issues []string
	for _, run := range window {
		markers := FeedbackMarkers(run.Command)
		if len(markers) == 0 || containsAny(text, markers...) {
			continue
		}
		issues = append(issues, "plan does not address previously failing command context: "+run.Command)
	}
	if len(issues) == 0 {
		return passing()
	}
	score := clamp01(1 - float64(len(issues))/float64(len(window))*0.8)
	return Report{Acceptable: false, Score: score, Issues: issues}
}

// FeedbackMarkers extracts up to six lowercase tokens of three or more
// characters from a command.
func FeedbackMarkers(command string) []string {
	fields := strings.FieldsFunc(command, func(r rune) bool {
		return !(r < unicode.MaxASCII && (isAlnum(byte(r)) || r == '-' || r == '_' || r == ':'))
	})
	var out []string
	for _, f := range fields {
		f = strings.ToLower(f)
		if len(f) < 3 || f == "and" || f == "the" {
			continue
		}
		out = append(out, f)
		if len(out) == 6 {
			break
		}
	}
	return out
}

// FormatFeedback renders up to eight failures, one line each, with output
// cut at 120 characters.
func FormatFeedback(failures []journal.VerificationRecord) string {
	lines := make([]string, 0, min(len(failures), 8))
	for _, run := range failures[:min(len(failures), 8)] {
		out := strings.TrimSpace(run.Output)
		if r := []rune(out); len(r) > 120 {
			out = string(r[:120]) + "..."
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s => %s", run.RecordedAt.UTC().Format("2006-01-02T15:04:05Z"), run.Command, out))
	}
	return strings.Join(lines, "\n")
}

func issueList(r Report) string {
	if len(r.Issues) == 0 {
		return "- no issues captured"
	}
	lines := make([]string, len(r.Issues))
	for i, is := range r.Issues {
		lines[i] = "- " + is
	}
	return strings.Join(lines, "\n")
}

func planJSON(p *core.Plan) string {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return `{"error":"failed to serialize plan"}`
	}
	return string(data)
}

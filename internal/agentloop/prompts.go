package agentloop

import (
	"fmt"
	"strings"
)

const architectSystemPrompt = `You are Architect (reasoning-only).

Return ONLY this line-oriented contract and nothing else:

ARCHITECT_PLAN_V1
PLAN|<step text>
FILE|<path>|<intent>
VERIFY|<command>
ACCEPT|<criterion>
NO_EDIT|true|<reason>        # optional
SUBAGENT|<name>|<goal>       # optional, delegate an investigation
RETRIEVE|<query>|<scope>     # optional, semantic search; scope may be empty
TOOL|<tool_name>|<json args> # optional, read-only tools only
ARCHITECT_PLAN_END

Rules:
- Never emit unified diff, JSON objects outside TOOL lines, XML, markdown fences, or tool calls.
- FILE paths must be workspace-relative.
- Use SUBAGENT, RETRIEVE or TOOL lines only when you lack evidence; their findings come back next iteration.
- Be concrete and deterministic.
`

const architectRepairPrompt = "Your previous response violated the strict format. Return ONLY ARCHITECT_PLAN_V1 lines."

const editorSystemPrompt = `You are Editor (code writer).

Return ONLY one of:
1) A unified diff payload, optionally fenced in a diff code block.
2) NEED_CONTEXT|path[:start-end] lines when required context is missing.

Rules:
- Never output commentary, JSON, or tool calls.
- Use standard unified diff headers (--- / +++ / @@).
- Modify only files explicitly listed by Architect.
`

const editorRepairPrompt = "Output invalid. Return ONLY unified diff OR NEED_CONTEXT lines."

// Feedback carries what the previous iteration learned into the next
// architect and editor prompts.
type Feedback struct {
	Apply            string
	Verify           string
	LastDiffSummary  string
	SubagentFindings string
	RetrieveFindings string
	ToolFindings     string
}

func (f *Feedback) clearFailures() {
	f.Apply = ""
	f.Verify = ""
}

func (f *Feedback) clearFindings() {
	f.SubagentFindings = ""
	f.RetrieveFindings = ""
	f.ToolFindings = ""
}

func architectUserPrompt(prompt string, iteration int, repoMap string, fb *Feedback) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Iteration: %d\n\nUser request:\n%s\n\n", iteration, prompt)
	section := func(title, body string) {
		if body == "" {
			return
		}
		sb.WriteString(title)
		sb.WriteString(":\n")
		sb.WriteString(body)
		sb.WriteString("\n\n")
	}
	section("Repository map", repoMap)
	section("Last apply failure", fb.Apply)
	section("Last verification failure", fb.Verify)
	section("Last diff summary", fb.LastDiffSummary)
	section("Subagent findings", fb.SubagentFindings)
	section("Retrieval findings", fb.RetrieveFindings)
	section("Tool findings", fb.ToolFindings)
	sb.WriteString("Return ARCHITECT_PLAN_V1 now.")
	return sb.String()
}

func editorUserPrompt(prompt string, iteration int, plan *ArchitectPlan, files []FileContext, fb *Feedback) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Iteration: %d\n\nUser request:\n%s\n\n", iteration, prompt)
	sb.WriteString("Architect steps:\n")
	for _, s := range plan.Steps {
		fmt.Fprintf(&sb, "- %s\n", s)
	}
	sb.WriteString("\nArchitect file intents:\n")
	for _, f := range plan.Files {
		fmt.Fprintf(&sb, "- %s :: %s\n", f.Path, f.Intent)
	}
	if fb.Apply != "" {
		fmt.Fprintf(&sb, "\nLast apply failure:\n%s\n", fb.Apply)
	}
	if fb.Verify != "" {
		fmt.Fprintf(&sb, "\nLast verify failure:\n%s\n", fb.Verify)
	}

	sb.WriteString("\nFile contents (truth source):\n")
	for _, f := range files {
		fmt.Fprintf(&sb, "\n### %s\n", f.Path)
		if f.Partial {
			sb.WriteString("[partial context]\n")
		}
		sb.WriteString("```\n")
		sb.WriteString(f.Content)
		if !strings.HasSuffix(f.Content, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("```\n")
	}
	sb.WriteString("\nNow return unified diff OR NEED_CONTEXT lines.")
	return sb.String()
}

// FormatNoEdit renders the response for a plan that needs no edits.
func FormatNoEdit(plan *ArchitectPlan) string {
	var sb strings.Builder
	sb.WriteString(plan.NoEditReason)
	if len(plan.Steps) > 0 {
		sb.WriteString("\n\nRecommended steps:\n")
		for _, s := range plan.Steps {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatPlanOnly renders a plan that was not executed.
func FormatPlanOnly(plan *ArchitectPlan) string {
	var sb strings.Builder
	sb.WriteString("Plan mode (no file changes executed)\n\n")
	for i, s := range plan.Steps {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, s)
	}
	if len(plan.Files) > 0 {
		sb.WriteString("\nAffected files:\n")
		for _, f := range plan.Files {
			fmt.Fprintf(&sb, "- `%s`: %s\n", f.Path, f.Intent)
		}
	}
	if len(plan.Verify) > 0 {
		sb.WriteString("\nVerification:\n")
		for _, c := range plan.Verify {
			fmt.Fprintf(&sb, "- `%s`\n", c)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatSuccess renders the response after verification passed.
func FormatSuccess(plan *ArchitectPlan, commands []string) string {
	var sb strings.Builder
	sb.WriteString("Implemented and verified.\n\nSteps completed:\n")
	for i, s := range plan.Steps {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, s)
	}
	if len(commands) > 0 {
		sb.WriteString("\nVerification:\n")
		for _, c := range commands {
			fmt.Fprintf(&sb, "- `%s`\n", c)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

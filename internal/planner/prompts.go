package planner

import (
	"fmt"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
)

const contract = "Return ONLY JSON with keys: goal, assumptions, steps, verification, risk_notes.\n" +
	"Each step must include: title, intent, tools, files."

// SystemPrompt is sent with every planner request.
const SystemPrompt = `You are a planning agent for a coding assistant. You break a task into a short
sequence of concrete steps, each naming the tools it will use and the files it touches.
Prefer 3-8 steps. Never include filler steps such as "understand the codebase".
Always respond with a single JSON object.`

// Prompt builds the initial planner request.
func Prompt(task string) string {
	return fmt.Sprintf("%s\nUser task: %s", contract, task)
}

// QualityRepairPrompt asks the model to fix the issues in report.
func QualityRepairPrompt(prompt string, plan *core.Plan, report Report) string {
	return fmt.Sprintf("Improve the following plan quality and %s\n"+
		"Keep the original goal and preserve useful progress, but resolve all quality issues.\n\n"+
		"User goal:\n%s\n\nQuality score: %.2f\nQuality issues:\n%s\n\nCurrent draft plan:\n%s",
		lowerFirst(contract), prompt, report.Score, issueList(report), planJSON(plan))
}

// FeedbackRepairPrompt asks the model to cover previously failing checks.
func FeedbackRepairPrompt(prompt string, plan *core.Plan, report Report, failures []journal.VerificationRecord) string {
	return fmt.Sprintf("Revise the plan and %s\n"+
		"Incorporate verification feedback from previous failures.\n\n"+
		"User goal:\n%s\n\nFeedback alignment score: %.2f\nIssues:\n%s\n\n"+
		"Previous verification failures:\n%s\n\nCurrent draft plan:\n%s",
		lowerFirst(contract), prompt, report.Score, issueList(report), FormatFeedback(failures), planJSON(plan))
}

// RevisionPrompt asks for a new plan after a step failed.
func RevisionPrompt(prompt string, plan *core.Plan, failureStreak int, detail string) string {
	return fmt.Sprintf("The current execution plan failed and needs revision.\n%s\n"+
		"Keep successful structure where possible and focus on fixing the failure.\n\n"+
		"User goal:\n%s\n\nFailure streak: %d\nLatest failure:\n%s\n\nCurrent plan:\n%s",
		contract, prompt, failureStreak, detail, planJSON(plan))
}

// InvalidPlanPrompt re-asks after output that did not parse.
func InvalidPlanPrompt(task string) string {
	return "Your previous answer did not contain a valid plan with a non-empty steps array.\n" + Prompt(task)
}

func lowerFirst(s string) string {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return s
	}
	return string(s[0]+('a'-'A')) + s[1:]
}

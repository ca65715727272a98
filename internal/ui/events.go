package ui

import (
	"fmt"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
)

// Event renders the journal events a user watching a run cares about.
// Everything else is left to the session log.
func (o *Output) Event(env journal.Envelope) {
	switch k := env.Kind.(type) {
	case journal.PlanCreated:
		o.Plan("Plan", &k.Plan)
	case journal.PlanRevised:
		o.Plan("Plan revised", &k.Plan)
	case journal.ToolProposed:
		o.ToolCall(k.Proposal)
	case journal.ToolResultRecorded:
		o.ToolResult(k.Result)
	case journal.ToolDenied:
		o.Warning(fmt.Sprintf("%s denied: %s", k.ToolName, k.Reason))
	case journal.PatchApplied:
		if k.Applied {
			o.Success("patch " + shortID(k.PatchID) + " applied")
		} else {
			o.Warning(fmt.Sprintf("patch %s conflicts: %s", shortID(k.PatchID), strings.Join(k.Conflicts, ", ")))
		}
	case journal.VerificationRun:
		if k.Success {
			o.Success("verify: " + k.Command)
		} else {
			o.Text(o.paint(errorStyle, iconError+" verify: ") + k.Command + "\n" + indent(truncate(k.Output, maxResultChars)))
		}
	case journal.SubagentSpawned:
		o.Text(o.paint(toolNameStyle, iconSubagent+" "+k.Name) + o.paint(dimStyle, " "+truncate(k.Goal, 120)))
	case journal.SubagentCompleted:
		o.Text(o.paint(successStyle, iconSubagent+" done ") + o.paint(dimStyle, shortID(k.RunID)))
	case journal.SubagentFailed:
		o.Warning("subagent " + shortID(k.RunID) + " failed: " + k.Error)
	case journal.RouterEscalation:
		o.Info("escalating to the reasoning model (" + strings.Join(k.ReasonCodes, ", ") + ")")
	case journal.CheckpointCreated:
		o.Text(o.paint(dimStyle, fmt.Sprintf("checkpoint %s (%d files)", k.CheckpointID, k.FilesCount)))
	case journal.AutopilotRunHeartbeat:
		line := fmt.Sprintf("autopilot: %d done, %d failed", k.CompletedIterations, k.FailedIterations)
		if k.LastError != nil {
			line += ", last error: " + truncate(*k.LastError, 120)
		}
		o.Text(o.paint(dimStyle, line))
	case journal.SkillLoaded:
		o.Text(o.paint(dimStyle, "loaded skill "+k.SkillID))
	case journal.HookExecuted:
		if !k.Success {
			o.Warning(fmt.Sprintf("%s hook %s failed", k.Phase, k.HookPath))
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + iconIndent + " " + l
	}
	return strings.Join(lines, "\n")
}

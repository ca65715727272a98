package agent

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/agentloop"
	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/planner"
)

// maxStepCalls bounds the distinct tools one step may run.
const maxStepCalls = 3

// notesPath is where the step executor records intent for steps that
// would edit files. Real edits go through the architect/editor loop.
var notesPath = path.Join(core.RuntimeDirName, "notes.txt")

// callsForStep maps a plan step onto tool calls: one per declared tool,
// deduplicated by name, or a single call chosen by intent.
func (e *Engine) callsForStep(step core.PlanStep, goal string) []core.ToolCall {
	var calls []core.ToolCall
	seen := map[string]bool{}
	for _, declared := range step.Tools {
		c, ok := e.declaredCall(step, goal, declared)
		if !ok || seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		calls = append(calls, c)
		if len(calls) >= maxStepCalls {
			break
		}
	}
	if len(calls) == 0 {
		calls = append(calls, e.intentCall(step, goal))
	}
	return calls
}

func (e *Engine) declaredCall(step core.PlanStep, goal, declared string) (core.ToolCall, bool) {
	name, arg := planner.ParseDeclaredTool(declared)
	primary := ""
	if len(step.Files) > 0 {
		primary = step.Files[0]
	}

	switch name {
	case core.ToolIndexQuery.Internal():
		return call(core.ToolIndexQuery, map[string]any{"q": goal, "top_k": 10}), true
	case core.ToolFsGrep.Internal(), "fs.search_rg":
		return grepCall(or(arg, planner.GoalPattern(goal)), 50), true
	case core.ToolFsRead.Internal():
		p := or(arg, primary)
		if p == "" {
			return core.ToolCall{}, false
		}
		return call(core.ToolFsRead, map[string]any{"path": p}), true
	case core.ToolFsGlob.Internal():
		return call(core.ToolFsGlob, map[string]any{"pattern": or(arg, "**/*"), "limit": 50}), true
	case core.ToolFsList.Internal():
		return call(core.ToolFsList, map[string]any{"dir": or(arg, ".")}), true
	case core.ToolGitStatus.Internal():
		return call(core.ToolGitStatus, map[string]any{}), true
	case core.ToolGitDiff.Internal():
		return call(core.ToolGitDiff, map[string]any{}), true
	case core.ToolGitShow.Internal():
		return call(core.ToolGitShow, map[string]any{"spec": or(arg, "HEAD")}), true
	case core.ToolBashRun.Internal():
		return e.bashCall(arg), true
	case core.ToolPatchStage.Internal(), core.ToolFsEdit.Internal():
		if name == core.ToolFsEdit.Internal() && primary == "" && step.Intent != "docs" {
			return core.ToolCall{}, false
		}
		return notesPatch(goal), true
	case core.ToolFsWrite.Internal():
		return call(core.ToolFsWrite, map[string]any{
			"path":    or(arg, notesPath),
			"content": fmt.Sprintf("Plan goal: %s\nStep: %s\nIntent: %s\n", goal, step.Title, step.Intent),
		}), true
	}
	return core.ToolCall{}, false
}

func (e *Engine) intentCall(step core.PlanStep, goal string) core.ToolCall {
	switch step.Intent {
	case "search":
		return grepCall(planner.GoalPattern(goal), 10)
	case "git":
		return call(core.ToolGitStatus, map[string]any{})
	case "edit", "docs":
		return notesPatch(goal)
	case "recover":
		return grepCall("error|failed|panic", 25)
	case "verify":
		return e.bashCall("")
	default:
		return call(core.ToolFsList, map[string]any{"dir": "."})
	}
}

func (e *Engine) bashCall(cmd string) core.ToolCall {
	if cmd == "" {
		cmd = agentloop.DeriveVerifyCommands(e.workspace)[0]
	}
	c := call(core.ToolBashRun, map[string]any{"cmd": cmd})
	c.RequiresApproval = true
	return c
}

func call(t core.ToolName, args map[string]any) core.ToolCall {
	return core.ToolCall{Name: t.Internal(), Args: args}
}

func grepCall(pattern string, limit int) core.ToolCall {
	return call(core.ToolFsGrep, map[string]any{"pattern": pattern, "glob": "**/*", "limit": limit})
}

// notesPatch stages a new-file diff recording goal in the notes file.
func notesPatch(goal string) core.ToolCall {
	diff := fmt.Sprintf("diff --git a/%[1]s b/%[1]s\nnew file mode 100644\n--- /dev/null\n+++ b/%[1]s\n@@ -0,0 +1 @@\n+%[2]s\n",
		notesPath, strings.ReplaceAll(goal, "\n", " "))
	return call(core.ToolPatchStage, map[string]any{"unified_diff": diff, "base": ""})
}

func or(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}

// parallelSafe reports whether proposals can run concurrently: more than
// one, and none of them mutating.
func parallelSafe(proposals []core.ToolProposal) bool {
	if len(proposals) < 2 {
		return false
	}
	for _, p := range proposals {
		if !core.IsReadOnlyName(p.Call.Name) {
			return false
		}
	}
	return true
}

func unmarshalOutput(r core.ToolResult, v any) error {
	if len(r.Output) == 0 {
		return fmt.Errorf("empty tool output")
	}
	return json.Unmarshal(r.Output, v)
}

package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/policy"
	"github.com/abdul-hamid-achik/codingbuddy/internal/tools"
)

// verifyOutputLimit caps each failing command's output in the summary.
const verifyOutputLimit = 2500

// DeriveVerifyCommands picks a test command from the project manifest at
// root. Without one it falls back to git status.
func DeriveVerifyCommands(root string) []string {
	manifests := []struct {
		files []string
		cmd   string
	}{
		{[]string{"Cargo.toml"}, "cargo test -q"},
		{[]string{"package.json"}, "npm test --silent"},
		{[]string{"pyproject.toml", "setup.py"}, "pytest -q"},
		{[]string{"go.mod"}, "go test ./..."},
	}
	for _, m := range manifests {
		for _, f := range m.files {
			if _, err := os.Stat(filepath.Join(root, f)); err == nil {
				return []string{m.cmd}
			}
		}
	}
	return []string{"git status --short"}
}

// lintLanguages maps extensions to the keys of the lint commands config.
var lintLanguages = map[string]string{
	".go": "go", ".rs": "rust", ".py": "python",
	".ts": "typescript", ".tsx": "typescript", ".js": "javascript", ".jsx": "javascript",
}

// LintCommandsFor returns the configured command for each language among
// changed, or the built-in defaults when none is configured.
func LintCommandsFor(cfg config.LintConfig, changed []string) []string {
	var cmds []string
	seen := map[string]bool{}
	for _, f := range changed {
		lang, ok := lintLanguages[strings.ToLower(filepath.Ext(f))]
		if !ok || seen[lang] {
			continue
		}
		seen[lang] = true
		if cmd := cfg.Commands[lang]; cmd != "" {
			cmds = append(cmds, cmd)
		}
	}
	if len(cmds) > 0 {
		slices.Sort(cmds)
		return cmds
	}
	return tools.LintCommands(changed)
}

// commandRun is the outcome of one verification or lint command.
type commandRun struct {
	Command string
	Passed  bool
	Output  string
}

// commandReport summarizes a batch of command runs.
type commandReport struct {
	Runs []commandRun
}

func (r commandReport) Passed() bool {
	for _, run := range r.Runs {
		if !run.Passed {
			return false
		}
	}
	return true
}

func (r commandReport) Commands() []string {
	out := make([]string, len(r.Runs))
	for i, run := range r.Runs {
		out[i] = run.Command
	}
	return out
}

// Summary is "verification passed" or every failure joined by a blank line.
func (r commandReport) Summary() string {
	var failures []string
	for _, run := range r.Runs {
		if !run.Passed {
			failures = append(failures, run.Output)
		}
	}
	if len(failures) == 0 {
		return "verification passed"
	}
	return strings.Join(failures, "\n\n")
}

// runCommands sends each command through the tool host as bash.run so the
// policy engine sees it. A command that is neither approved by policy nor
// by the approver is a failure.
func (r *Runner) runCommands(ctx context.Context, commands []string) commandReport {
	var report commandReport
	timeout := r.cfg.VerifyTimeoutSeconds
	for _, cmd := range commands {
		run := r.runCommand(ctx, cmd, timeout)
		logging.LogEvent(logging.EventVerifyRun,
			logging.F("command", cmd), logging.Success(run.Passed))
		r.emit(journal.VerificationRun{Command: cmd, Success: run.Passed, Output: run.Output})
		report.Runs = append(report.Runs, run)
	}
	return report
}

func (r *Runner) runCommand(ctx context.Context, cmd string, timeout int) commandRun {
	call := core.ToolCall{
		Name: core.ToolBashRun.Internal(),
		Args: map[string]any{"cmd": cmd, "timeout": timeout},
	}
	result, ok := r.execute(ctx, call)
	if !ok {
		return commandRun{Command: cmd, Output: fmt.Sprintf("verification command denied by policy: `%s`", cmd)}
	}

	output := result.OutputString()
	passed := result.Success
	var shell tools.ShellResult
	if passed && json.Unmarshal(result.Output, &shell) == nil {
		passed = shell.Success()
		output = strings.TrimSpace(shell.Stdout + "\n" + shell.Stderr)
		if shell.TimedOut {
			output = strings.TrimSpace(output + "\ncommand timed out")
		}
	}
	if passed {
		return commandRun{Command: cmd, Passed: true, Output: output}
	}
	return commandRun{Command: cmd, Output: fmt.Sprintf("`%s` failed:\n%s", cmd, truncate(output, verifyOutputLimit))}
}

// execute proposes call, gates it and runs it through the host, journaling
// the proposal, then the approval or denial, then the result. ok is false
// when the call was refused.
func (r *Runner) execute(ctx context.Context, call core.ToolCall) (core.ToolResult, bool) {
	p := r.host.Propose(call)
	r.emit(journal.ToolProposed{Proposal: p})
	if !p.Approved && !r.approve(ctx, p) {
		r.emit(journal.ToolDenied{InvocationID: p.InvocationID, ToolName: p.Call.Name, Reason: "denied by policy"})
		return core.ToolResult{}, false
	}
	r.emit(journal.ToolApproved{InvocationID: p.InvocationID})
	result := r.host.Execute(ctx, tools.Approve(p))
	r.emit(journal.ToolResultRecorded{Result: result})
	return result, true
}

// approve asks the caller about a proposal policy did not pre-approve.
// Denied verdicts are never forwarded.
func (r *Runner) approve(ctx context.Context, p core.ToolProposal) bool {
	if r.host.Decide(p.Call).Verdict == policy.Denied || r.cb.Approve == nil {
		return false
	}
	ok, err := r.cb.Approve(ctx, p)
	if err != nil {
		logging.Warn("approval failed", logging.ToolName(p.Call.Name), logging.Error(err))
		return false
	}
	return ok
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [truncated]"
}

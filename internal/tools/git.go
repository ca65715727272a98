package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
)

const gitTimeout = 60 * time.Second

// RunGit runs git with explicit args (no shell) in dir.
func RunGit(ctx context.Context, dir string, args ...string) (ShellResult, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	return runProcess(ctx, "git", args, dir, nil)
}

func gitOutput(res ShellResult, err error, what string) (map[string]any, error) {
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	if !res.Success() {
		return nil, fmt.Errorf("%s failed: %s", what, strings.TrimSpace(res.Stderr))
	}
	return map[string]any{"output": truncateOutput(res.Stdout, maxBashOutput)}, nil
}

// gitStatusTool reports short-format working tree status.
type gitStatusTool struct{ ws *Workspace }

func (t *gitStatusTool) Name() string { return core.ToolGitStatus.Internal() }

func (t *gitStatusTool) Description() string {
	return "Show the working tree status (git status --short)."
}

func (t *gitStatusTool) InputSchema() map[string]any { return objectSchema(nil, map[string]any{}) }

func (t *gitStatusTool) Permission() PermissionLevel { return PermissionRead }

func (t *gitStatusTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	res, err := RunGit(ctx, t.ws.Root(), "status", "--short")
	return gitOutput(res, err, "git status")
}

// gitDiffTool shows unstaged or staged changes.
type gitDiffTool struct{ ws *Workspace }

func (t *gitDiffTool) Name() string { return core.ToolGitDiff.Internal() }

func (t *gitDiffTool) Description() string {
	return "Show changes in the working tree (git diff). Set staged to see the index, path to narrow the diff."
}

func (t *gitDiffTool) InputSchema() map[string]any {
	return objectSchema(nil, map[string]any{
		"staged": prop("boolean", "Diff the index instead of the working tree."),
		"path":   prop("string", "Optional path to limit the diff."),
	})
}

func (t *gitDiffTool) Permission() PermissionLevel { return PermissionRead }

func (t *gitDiffTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	args := []string{"diff"}
	if boolArg(input, "staged", false) {
		args = append(args, "--cached")
	}
	if p := stringArg(input, "path"); p != "" {
		if _, err := t.ws.Resolve(p); err != nil {
			return nil, err
		}
		args = append(args, "--", p)
	}
	res, err := RunGit(ctx, t.ws.Root(), args...)
	return gitOutput(res, err, "git diff")
}

// gitShowTool shows a commit or object.
type gitShowTool struct{ ws *Workspace }

func (t *gitShowTool) Name() string { return core.ToolGitShow.Internal() }

func (t *gitShowTool) Description() string {
	return "Show a commit, tag or file at a revision (git show <spec>)."
}

func (t *gitShowTool) InputSchema() map[string]any {
	return objectSchema([]string{"spec"}, map[string]any{
		"spec": prop("string", "Revision spec such as HEAD~1 or main:path/to/file."),
	})
}

func (t *gitShowTool) Permission() PermissionLevel { return PermissionRead }

const forbiddenSpecChars = ";|&$`(){}<>'\"\\\n"

func (t *gitShowTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	spec, err := requireString(input, "spec", "rev")
	if err != nil {
		return nil, err
	}
	if strings.ContainsAny(spec, forbiddenSpecChars) || strings.HasPrefix(spec, "-") {
		return nil, fmt.Errorf("invalid git show spec: %q", spec)
	}
	res, err := RunGit(ctx, t.ws.Root(), "show", "--no-color", spec)
	return gitOutput(res, err, "git show")
}

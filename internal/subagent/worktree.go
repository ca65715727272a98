package subagent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// Worktree is a detached git worktree that isolates a subagent's edits
// from the main checkout.
type Worktree struct {
	workspace string
	path      string
	created   bool
}

// WorktreePath returns the location used for a worktree called name.
func WorktreePath(workspace, name string) string {
	return filepath.Join(workspace, ".deepseek", "worktrees", name)
}

// CreateWorktree adds a detached worktree at HEAD. A stale directory with
// the same name is removed first.
func CreateWorktree(ctx context.Context, workspace, name string) (*Worktree, error) {
	path := WorktreePath(workspace, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create worktrees dir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		_ = os.RemoveAll(path)
	}

	head, err := runGit(ctx, workspace, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD for worktree: %w", err)
	}
	if _, err := runGit(ctx, workspace, "worktree", "add", "--detach", path, strings.TrimSpace(head)); err != nil {
		return nil, fmt.Errorf("git worktree add: %w", err)
	}
	logging.Debug("worktree created", logging.Path(path))
	return &Worktree{workspace: workspace, path: path, created: true}, nil
}

// Path is the worktree root.
func (w *Worktree) Path() string { return w.path }

// Diff returns the binary-safe diff of changes made inside the worktree.
func (w *Worktree) Diff(ctx context.Context) (string, error) {
	out, err := runGit(ctx, w.path, "diff", "--binary", "HEAD")
	if err != nil {
		return "", fmt.Errorf("collect worktree diff: %w", err)
	}
	return out, nil
}

// Cleanup removes the worktree. It is safe to call more than once.
func (w *Worktree) Cleanup(ctx context.Context) error {
	if !w.created {
		return nil
	}
	if _, err := runGit(ctx, w.workspace, "worktree", "remove", "--force", w.path); err != nil {
		return fmt.Errorf("git worktree remove: %w", err)
	}
	w.created = false
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

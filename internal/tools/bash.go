package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/policy"
)

const (
	defaultBashTimeout = 120 * time.Second
	// maxBashTimeout caps model-supplied timeouts.
	maxBashTimeout = 600 * time.Second
	maxBashOutput  = 50000
)

// bashTool executes shell commands in the workspace.
type bashTool struct {
	ws      *Workspace
	runner  ShellRunner
	sandbox Sandbox
	mode    policy.SandboxMode
}

func (t *bashTool) Name() string { return core.ToolBashRun.Internal() }

func (t *bashTool) Description() string {
	return "Run a shell command in the workspace. Use for builds, tests and other commands. Returns exit status, stdout and stderr."
}

func (t *bashTool) InputSchema() map[string]any {
	return objectSchema([]string{"cmd"}, map[string]any{
		"cmd":     prop("string", "The command line to execute."),
		"timeout": prop("integer", "Timeout in seconds (default: 120)."),
	})
}

func (t *bashTool) Permission() PermissionLevel { return PermissionExecute }

func (t *bashTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	cmd, err := requireString(input, "cmd", "command")
	if err != nil {
		return nil, err
	}
	if err := t.enforceSandboxMode(cmd); err != nil {
		return nil, err
	}

	timeout := defaultBashTimeout
	if secs := intArg(input, "timeout", 0); secs > 0 {
		timeout = min(time.Duration(secs)*time.Second, maxBashTimeout)
	}

	runner := t.runner
	if IsolatingSandbox(t.sandbox) && (t.mode == policy.SandboxIsolated || t.mode == policy.SandboxWorkspaceWrite) {
		runner = &PlatformShellRunner{Sandbox: t.sandbox, Writable: true}
	}
	res, err := runner.Run(ctx, cmd, t.ws.Root(), timeout)
	if err != nil {
		return nil, fmt.Errorf("run command: %w", err)
	}
	res.Stdout = truncateOutput(res.Stdout, maxBashOutput)
	res.Stderr = truncateOutput(res.Stderr, maxBashOutput)
	return res, nil
}

func (t *bashTool) enforceSandboxMode(cmd string) error {
	switch t.mode {
	case policy.SandboxReadOnly:
		if isMutatingCommand(cmd) {
			return fmt.Errorf("sandbox mode read-only blocks mutating command: %s", cmd)
		}
		if isNetworkCommand(cmd) {
			return fmt.Errorf("sandbox mode read-only blocks network command: %s", cmd)
		}
	case policy.SandboxWorkspaceWrite:
		if t.referencesOutsideWorkspace(cmd) {
			return fmt.Errorf("sandbox mode workspace-write blocks paths outside the workspace: %s", cmd)
		}
		if isNetworkCommand(cmd) {
			return fmt.Errorf("sandbox mode workspace-write blocks network command: %s", cmd)
		}
	case policy.SandboxIsolated:
		if !IsolatingSandbox(t.sandbox) {
			return fmt.Errorf("sandbox mode isolated requires an OS sandbox, none is available")
		}
	}
	return nil
}

var mutatingCommands = map[string]bool{
	"rm": true, "mv": true, "cp": true, "touch": true, "mkdir": true, "rmdir": true,
	"chmod": true, "chown": true, "ln": true, "tee": true, "truncate": true,
	"sed": true, "dd": true, "install": true, "patch": true,
}

var mutatingSubcommands = map[string]map[string]bool{
	"git":   {"add": true, "commit": true, "push": true, "reset": true, "checkout": true, "merge": true, "rebase": true, "apply": true, "rm": true, "mv": true, "stash": true, "clean": true, "tag": true},
	"cargo": {"build": true, "install": true, "fix": true, "add": true, "remove": true, "update": true},
	"npm":   {"install": true, "ci": true, "uninstall": true, "update": true, "publish": true},
	"go":    {"get": true, "install": true, "generate": true, "mod": true},
}

var networkCommands = map[string]bool{
	"curl": true, "wget": true, "ssh": true, "scp": true, "rsync": true,
	"nc": true, "ncat": true, "telnet": true, "ftp": true, "sftp": true,
}

func commandWords(cmd string) []string {
	return strings.Fields(strings.ToLower(cmd))
}

func isMutatingCommand(cmd string) bool {
	if strings.Contains(cmd, ">") {
		return true
	}
	words := commandWords(cmd)
	if len(words) == 0 {
		return false
	}
	if mutatingCommands[words[0]] {
		return true
	}
	if subs, ok := mutatingSubcommands[words[0]]; ok && len(words) > 1 {
		return subs[words[1]]
	}
	return false
}

func isNetworkCommand(cmd string) bool {
	words := commandWords(cmd)
	if len(words) == 0 {
		return false
	}
	if networkCommands[words[0]] {
		return true
	}
	return words[0] == "git" && len(words) > 1 && (words[1] == "clone" || words[1] == "fetch" || words[1] == "pull" || words[1] == "push")
}

func (t *bashTool) referencesOutsideWorkspace(cmd string) bool {
	for _, word := range strings.Fields(cmd) {
		word = strings.Trim(word, `"'`)
		if strings.HasPrefix(word, "~") || strings.Contains(word, "..") {
			return true
		}
		if filepath.IsAbs(word) && !isWithinRoot(filepath.Clean(word), t.ws.Root()) && !systemPath(word) {
			return true
		}
	}
	return false
}

// systemPath allows read-only references to tool binaries and /dev/null.
func systemPath(p string) bool {
	for _, prefix := range []string{"/usr/", "/bin/", "/dev/null", "/tmp/"} {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func truncateOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... (output truncated)"
}

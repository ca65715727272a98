package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// processWaitDelay bounds how long a killed process may keep its output
// pipes open through children.
const processWaitDelay = 2 * time.Second

// ShellResult is the captured outcome of one shell command. Status is nil
// when the process never produced an exit code (timeout, signal).
type ShellResult struct {
	Status   *int   `json:"status"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

// Success reports a zero exit status.
func (r ShellResult) Success() bool {
	return r.Status != nil && *r.Status == 0 && !r.TimedOut
}

// ShellRunner executes a command line in dir.
type ShellRunner interface {
	Run(ctx context.Context, cmd, dir string, timeout time.Duration) (ShellResult, error)
}

// PlatformShellRunner runs commands through `sh -c` with a sanitized
// environment. A non-nil Sandbox confines every command to its directory.
type PlatformShellRunner struct {
	Sandbox  Sandbox
	Writable bool
	Network  bool
}

// Run executes cmd. A non-zero exit is reported in the result, not as an
// error; errors mean the process could not be started.
func (r *PlatformShellRunner) Run(ctx context.Context, cmd, dir string, timeout time.Duration) (ShellResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	exe, args := "sh", []string{"-c", cmd}
	if r.Sandbox != nil && r.Sandbox.Available() {
		var err error
		c := WorkspaceConfinement(dir, r.Writable)
		c.Network = r.Network
		exe, args, err = r.Sandbox.Wrap(cmd, c)
		if err != nil {
			return ShellResult{}, err
		}
	}
	return runProcess(ctx, exe, args, dir, nil)
}

func runProcess(ctx context.Context, exe string, args []string, dir string, stdin []byte) (ShellResult, error) {
	c := exec.CommandContext(ctx, exe, args...)
	c.Dir = dir
	c.Env = SanitizedEnv()
	c.WaitDelay = processWaitDelay
	if stdin != nil {
		c.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := ShellResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		return res, nil
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		code := 0
		res.Status = &code
	case errors.As(err, &exitErr):
		if code := exitErr.ExitCode(); code >= 0 {
			res.Status = &code
		}
	default:
		return res, err
	}
	return res, nil
}

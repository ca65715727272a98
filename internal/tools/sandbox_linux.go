//go:build linux

package tools

import (
	"errors"
	"os/exec"
)

// BwrapSandbox confines commands with bubblewrap: new pid namespace, no
// network unless allowed, and a filesystem of read-only system dirs plus
// the confinement's paths.
type BwrapSandbox struct{}

var systemReadDirs = []string{"/usr", "/bin", "/lib", "/etc"}

func (*BwrapSandbox) Wrap(command string, c Confinement) (string, []string, error) {
	if c.Root == "" {
		return "", nil, errors.New("bwrap: confinement has no root")
	}
	args := []string{"--unshare-pid", "--die-with-parent"}
	if !c.Network {
		args = append(args, "--unshare-net")
	}
	for _, dir := range systemReadDirs {
		args = append(args, "--ro-bind", dir, dir)
	}
	args = append(args,
		"--symlink", "usr/lib64", "/lib64",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	)
	for _, p := range c.ReadPaths {
		args = append(args, "--ro-bind-try", p, p)
	}
	for _, p := range c.WritePaths {
		args = append(args, "--bind-try", p, p)
	}
	bind := "--ro-bind"
	if c.Writable {
		bind = "--bind"
	}
	args = append(args, bind, c.Root, c.Root, "--chdir", c.Root, "sh", "-c", command)
	return "bwrap", args, nil
}

func (*BwrapSandbox) Available() bool {
	_, err := exec.LookPath("bwrap")
	return err == nil
}

func (*BwrapSandbox) Name() string { return "linux-bwrap" }

func init() {
	registerPlatformSandbox(&BwrapSandbox{})
}

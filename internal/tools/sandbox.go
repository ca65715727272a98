package tools

import (
	"os"
	"path/filepath"
)

// Confinement describes what a sandboxed command may touch.
type Confinement struct {
	// Root is the workspace. It is the working directory and is always
	// readable.
	Root     string
	Writable bool
	// ReadPaths and WritePaths are extra host paths, typically toolchain
	// caches. Missing paths are skipped.
	ReadPaths  []string
	WritePaths []string
	Network    bool
}

// WorkspaceConfinement confines a command to root plus the Go and Cargo
// caches, so builds and tests still work under isolation.
func WorkspaceConfinement(root string, writable bool) Confinement {
	c := Confinement{Root: root, Writable: writable}
	home, _ := os.UserHomeDir()
	envOr := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		if home == "" || fallback == "" {
			return ""
		}
		return filepath.Join(home, fallback)
	}
	for _, p := range []string{envOr("GOMODCACHE", "go/pkg/mod"), envOr("CARGO_HOME", ".cargo"), os.Getenv("GOROOT")} {
		if existingDir(p) {
			c.ReadPaths = append(c.ReadPaths, p)
		}
	}
	if p := envOr("GOCACHE", ".cache/go-build"); existingDir(p) {
		c.WritePaths = append(c.WritePaths, p)
	}
	return c
}

func existingDir(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// Sandbox wraps shell commands with OS-level isolation.
type Sandbox interface {
	// Wrap returns the executable and args that run command under c.
	Wrap(command string, c Confinement) (string, []string, error)
	// Available reports whether the sandbox binary exists on this system.
	Available() bool
	Name() string
}

// platformSandboxes is filled by the per-OS files.
var platformSandboxes []Sandbox

func registerPlatformSandbox(s Sandbox) {
	platformSandboxes = append(platformSandboxes, s)
}

// DetectSandbox returns the first available platform sandbox, or a
// NoopSandbox.
func DetectSandbox() Sandbox {
	for _, s := range platformSandboxes {
		if s.Available() {
			return s
		}
	}
	return &NoopSandbox{}
}

// IsolatingSandbox reports whether s actually confines the command.
func IsolatingSandbox(s Sandbox) bool {
	if s == nil || !s.Available() {
		return false
	}
	_, noop := s.(*NoopSandbox)
	return !noop
}

// NoopSandbox runs commands unconfined.
type NoopSandbox struct{}

func (*NoopSandbox) Wrap(command string, _ Confinement) (string, []string, error) {
	return "sh", []string{"-c", command}, nil
}

func (*NoopSandbox) Available() bool { return true }
func (*NoopSandbox) Name() string    { return "noop" }

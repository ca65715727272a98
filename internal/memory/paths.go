package memory

import (
	"fmt"
	"os"
	"path/filepath"
)

// homeDirName is the per-user state directory under $HOME.
const homeDirName = ".codingbuddy"

// ProjectHash identifies a workspace in per-user state. It folds the
// canonical path bytes as h = h*31 + b with uint64 wraparound.
func ProjectHash(workspace string) string {
	var h uint64
	for _, b := range []byte(canonical(workspace)) {
		h = h*31 + uint64(b)
	}
	return fmt.Sprintf("%016x", h)
}

// ProjectDir is ~/.codingbuddy/projects/<hash>.
func ProjectDir(home, workspace string) string {
	return filepath.Join(home, homeDirName, "projects", ProjectHash(workspace))
}

// AgentMemoryPath is the persistent MEMORY.md for a named agent.
func AgentMemoryPath(home, workspace, agent string) string {
	return filepath.Join(ProjectDir(home, workspace), "agents", agent, "MEMORY.md")
}

// GlobalMemoryPath is the user-wide DEEPSEEK.md.
func GlobalMemoryPath(home string) string {
	return filepath.Join(home, homeDirName, projectMemoryFile)
}

// UserHome resolves $HOME, falling back to the OS lookup.
func UserHome() (string, error) {
	if h := os.Getenv("HOME"); h != "" {
		return h, nil
	}
	return os.UserHomeDir()
}

func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// Package memory keeps per-project instructions, per-agent MEMORY.md files
// and workspace checkpoints.
package memory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

const (
	projectMemoryFile = "DEEPSEEK.md"
	localMemoryFile   = "DEEPSEEK.local.md"

	// DefaultAgent owns the auto-observations of top-level runs.
	DefaultAgent = "codingbuddy"

	// agentMemoryLines is how much of a MEMORY.md reaches a system prompt.
	agentMemoryLines = 200
)

const projectTemplate = `# DEEPSEEK.md

Project memory for codingbuddy.

## Conventions
- Keep patches minimal and reviewable.
- Run tests/lint before finalizing.
`

// Manager reads and writes memory files for one workspace.
type Manager struct {
	workspace string
	home      string
	emit      func(journal.Kind)
	now       func() time.Time
	mu        sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithHome overrides the user home directory.
func WithHome(home string) Option {
	return func(m *Manager) { m.home = home }
}

// WithEvents routes MemorySynced, CheckpointCreated and CheckpointRewound events.
func WithEvents(emit func(journal.Kind)) Option {
	return func(m *Manager) { m.emit = emit }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager rooted at workspace.
func NewManager(workspace string, opts ...Option) (*Manager, error) {
	m := &Manager{workspace: workspace, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.home == "" {
		home, err := UserHome()
		if err != nil {
			return nil, buderr.StorageIO("memory_home", err)
		}
		m.home = home
	}
	return m, nil
}

// Workspace returns the workspace root.
func (m *Manager) Workspace() string { return m.workspace }

// MemoryPath is the project DEEPSEEK.md.
func (m *Manager) MemoryPath() string {
	return filepath.Join(m.workspace, projectMemoryFile)
}

// AgentPath is the MEMORY.md of the named agent.
func (m *Manager) AgentPath(agent string) string {
	return AgentMemoryPath(m.home, m.workspace, agent)
}

// EnsureInitialized writes the project template when DEEPSEEK.md is missing.
func (m *Manager) EnsureInitialized() (string, error) {
	path := m.MemoryPath()
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, []byte(projectTemplate), 0o644); err != nil {
		return "", buderr.StorageIO("memory_init", err)
	}
	m.SyncVersion("init")
	return path, nil
}

// Read returns the project memory, creating it first when needed.
func (m *Manager) Read() (string, error) {
	path, err := m.EnsureInitialized()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", buderr.StorageIO("memory_read", err)
	}
	return string(data), nil
}

// Write replaces the project memory and records a version.
func (m *Manager) Write(content string) error {
	path, err := m.EnsureInitialized()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return buderr.StorageIO("memory_write", err)
	}
	m.SyncVersion("write")
	return nil
}

// SyncVersion records a memory version and returns its id.
func (m *Manager) SyncVersion(note string) string {
	id := uuid.Must(uuid.NewV7()).String()
	path := m.MemoryPath()
	logging.LogEvent(logging.EventMemorySync, logging.Path(path), logging.Reason(note))
	m.publish(journal.MemorySynced{VersionID: id, Path: path, Note: note})
	return id
}

// AgentMemory returns the first lines of an agent's MEMORY.md, or "" when
// the agent has none yet.
func (m *Manager) AgentMemory(agent string) (string, error) {
	data, err := os.ReadFile(m.AgentPath(agent))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", buderr.StorageIO("agent_memory_read", err)
	}
	return headLines(string(data), agentMemoryLines), nil
}

// Combined assembles every memory source for the system prompt: the global
// file, project DEEPSEEK.md, the untracked local file and the default
// agent's observations. Each chunk is tagged with its origin.
func (m *Manager) Combined() (string, error) {
	var chunks []string
	add := func(tag, path, text string) {
		if text = strings.TrimSpace(text); text != "" {
			chunks = append(chunks, fmt.Sprintf("[%s:%s]\n%s", tag, path, text))
		}
	}

	global := GlobalMemoryPath(m.home)
	if data, err := os.ReadFile(global); err == nil {
		add("global", global, string(data))
	}

	project, err := m.Read()
	if err != nil {
		return "", err
	}
	add("project", m.MemoryPath(), project)

	local := filepath.Join(m.workspace, localMemoryFile)
	if data, err := os.ReadFile(local); err == nil {
		add("local", local, string(data))
	}

	auto, err := m.AgentMemory(DefaultAgent)
	if err != nil {
		logging.Warn("agent memory unreadable", logging.Error(err))
	} else {
		add("auto", m.AgentPath(DefaultAgent), auto)
	}
	return strings.Join(chunks, "\n\n"), nil
}

func (m *Manager) publish(k journal.Kind) {
	if m.emit != nil {
		m.emit(k)
	}
}

func headLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "\n")
}

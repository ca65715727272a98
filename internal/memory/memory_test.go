package memory

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
)

type recorder struct{ events []journal.Kind }

func (r *recorder) emit(k journal.Kind) { r.events = append(r.events, k) }

func newTestManager(t *testing.T, workspace string) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	m, err := NewManager(workspace,
		WithHome(t.TempDir()),
		WithEvents(rec.emit),
		WithClock(func() time.Time { return time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC) }))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, rec
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestProjectHash(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/", "000000000000002f"},
		{"/a", "0000000000000612"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := ProjectHash(tt.path); got != tt.want {
				t.Errorf("ProjectHash(%q) = %s, want %s", tt.path, got, tt.want)
			}
		})
	}

	long := ProjectHash("/" + strings.Repeat("x", 64))
	if len(long) != 16 {
		t.Errorf("hash %q must stay 16 hex chars after wraparound", long)
	}
}

func TestAgentMemoryPath(t *testing.T) {
	got := AgentMemoryPath("/home/u", "/", "reviewer")
	want := filepath.Join("/home/u", ".codingbuddy", "projects", "000000000000002f", "agents", "reviewer", "MEMORY.md")
	if got != want {
		t.Errorf("AgentMemoryPath() = %s, want %s", got, want)
	}
}

func TestManager_EnsureInitialized(t *testing.T) {
	ws := t.TempDir()
	m, rec := newTestManager(t, ws)

	for range 2 {
		if _, err := m.EnsureInitialized(); err != nil {
			t.Fatal(err)
		}
	}
	if !strings.HasPrefix(readFile(t, m.MemoryPath()), "# DEEPSEEK.md") {
		t.Error("template not written")
	}
	if len(rec.events) != 1 {
		t.Fatalf("events = %d, want one init sync", len(rec.events))
	}
	synced, ok := rec.events[0].(journal.MemorySynced)
	if !ok || synced.Note != "init" || synced.Path != m.MemoryPath() || synced.VersionID == "" {
		t.Errorf("event = %+v", rec.events[0])
	}

	if err := m.Write("# custom\n"); err != nil {
		t.Fatal(err)
	}
	if got := rec.events[len(rec.events)-1].(journal.MemorySynced).Note; got != "write" {
		t.Errorf("write note = %q", got)
	}
}

func TestManager_Combined(t *testing.T) {
	ws := t.TempDir()
	m, _ := newTestManager(t, ws)
	if err := os.WriteFile(filepath.Join(ws, "DEEPSEEK.local.md"), []byte("local rules\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendObservation(DefaultAgent, Observation{Objective: "o", Summary: "s", Success: true}); err != nil {
		t.Fatal(err)
	}

	got, err := m.Combined()
	if err != nil {
		t.Fatal(err)
	}
	for _, tag := range []string{"[project:", "[local:", "[auto:"} {
		if !strings.Contains(got, tag) {
			t.Errorf("combined memory missing %s chunk:\n%s", tag, got)
		}
	}
	if strings.Contains(got, "[global:") {
		t.Error("global chunk present without a global file")
	}
}

func TestManager_AppendObservation(t *testing.T) {
	m, _ := newTestManager(t, "/ws")

	err := m.AppendObservation("reviewer", Observation{
		Objective: "fix the\nparser",
		Summary:   "verification passed",
		Success:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = m.AppendObservation("reviewer", Observation{
		Objective: "refactor io",
		Summary:   "tests failed",
		Patterns:  []string{" keep diffs small ", ""},
	})
	if err != nil {
		t.Fatal(err)
	}

	want := `# Auto Memory

Workspace: /ws

## 2026-03-10T09:30:00Z (success)
- objective: fix the parser
- summary: verification passed
- pattern: Capture verification output explicitly to avoid repeated failure loops.

## 2026-03-10T09:30:00Z (failure)
- objective: refactor io
- summary: tests failed
- pattern: keep diffs small
`
	if diff := cmp.Diff(want, readFile(t, m.AgentPath("reviewer"))); diff != "" {
		t.Errorf("MEMORY.md mismatch (-want +got):\n%s", diff)
	}
}

func TestManager_AgentMemoryFirstLines(t *testing.T) {
	m, _ := newTestManager(t, "/ws")
	if got, err := m.AgentMemory("none"); got != "" || err != nil {
		t.Fatalf("AgentMemory(missing) = %q, %v", got, err)
	}

	path := m.AgentPath("big")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	lines := make([]string, 250)
	for i := range lines {
		lines[i] = "line"
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := m.AgentMemory("big")
	if err != nil {
		t.Fatal(err)
	}
	if n := len(strings.Split(got, "\n")); n != 200 {
		t.Errorf("loaded %d lines, want 200", n)
	}
}

func TestInferPatterns(t *testing.T) {
	tests := []struct {
		name               string
		objective, summary string
		success            bool
		want               int
	}{
		{"default", "add flag", "done", true, 1},
		{"tests and refactor", "refactor tests", "ok", true, 2},
		{"lint failure", "x", "lint errors", false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inferPatterns(tt.objective, tt.summary, tt.success); len(got) != tt.want {
				t.Errorf("inferPatterns() = %v, want %d patterns", got, tt.want)
			}
		})
	}
}

func TestPruneLines(t *testing.T) {
	got := pruneLines("h1\nh2\na\nb\nc\nd\n", 4)
	if got != "h1\nh2\nc\nd\n" {
		t.Errorf("pruneLines() = %q", got)
	}
	if got := pruneLines("a\nb", 4); got != "a\nb\n" {
		t.Errorf("short content = %q", got)
	}
}

func TestTruncateLine(t *testing.T) {
	if got := truncateLine("  héllo world ", 5); got != "héllo..." {
		t.Errorf("truncateLine() = %q", got)
	}
}

func TestCheckpoint_SnapshotFallback(t *testing.T) {
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(ws, "src", "main.txt")
	if err := os.WriteFile(file, []byte("before\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, rec := newTestManager(t, ws)
	ctx := context.Background()

	cp, err := m.CreateCheckpoint(ctx, "agent_pre_apply")
	if err != nil {
		t.Fatalf("CreateCheckpoint() error = %v", err)
	}
	if cp.GitBacked {
		t.Skip("temp dir is inside a git repository")
	}
	if cp.FilesCount != 1 {
		t.Errorf("FilesCount = %d, want 1", cp.FilesCount)
	}
	if _, err := os.Stat(filepath.Join(ws, ".deepseek", "checkpoints", cp.ID, "metadata.json")); err != nil {
		t.Errorf("metadata.json missing: %v", err)
	}

	if err := os.WriteFile(file, []byte("after\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Rewind(ctx, cp.ID); err != nil {
		t.Fatalf("Rewind() error = %v", err)
	}
	if got := readFile(t, file); got != "before\n" {
		t.Errorf("restored content = %q", got)
	}

	want := []journal.Kind{
		journal.CheckpointCreated{
			CheckpointID: cp.ID,
			Reason:       "agent_pre_apply",
			FilesCount:   1,
			SnapshotPath: filepath.Join(ws, ".deepseek", "checkpoints", cp.ID, "fs"),
		},
		journal.CheckpointRewound{CheckpointID: cp.ID, Reason: "agent_pre_apply"},
	}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckpoint_ShadowCommit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ws := t.TempDir()
	git(t, ws, "init", "-q")
	git(t, ws, "config", "user.email", "dev@example.com")
	git(t, ws, "config", "user.name", "dev")
	file := filepath.Join(ws, "a.txt")
	if err := os.WriteFile(file, []byte("one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	git(t, ws, "add", "a.txt")
	git(t, ws, "commit", "-q", "-m", "init")

	if err := os.WriteFile(file, []byte("two\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, rec := newTestManager(t, ws)
	ctx := context.Background()

	cp, err := m.CreateCheckpoint(ctx, "agent_post_apply")
	if err != nil {
		t.Fatal(err)
	}
	if !cp.GitBacked || cp.Location != ShadowRefPrefix+cp.ID || cp.FilesCount != 1 {
		t.Fatalf("checkpoint = %+v", cp)
	}
	git(t, ws, "rev-parse", "--verify", cp.Location)
	if status := git(t, ws, "status", "--short"); status != "M a.txt" {
		t.Errorf("shadow commit touched the working tree: %q", status)
	}

	if err := os.WriteFile(file, []byte("three\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := m.Rewind(ctx, cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reason != "agent_post_apply" {
		t.Errorf("Reason = %q", got.Reason)
	}
	if content := readFile(t, file); content != "two\n" {
		t.Errorf("restored content = %q, want checkpointed edit", content)
	}
	last := rec.events[len(rec.events)-1]
	if diff := cmp.Diff(journal.Kind(journal.CheckpointRewound{CheckpointID: cp.ID, Reason: "agent_post_apply"}), last); diff != "" {
		t.Errorf("rewind event mismatch (-want +got):\n%s", diff)
	}
}

func TestRewind_Unknown(t *testing.T) {
	m, rec := newTestManager(t, t.TempDir())
	if _, err := m.Rewind(context.Background(), "missing"); err == nil {
		t.Fatal("Rewind(unknown) succeeded")
	}
	if len(rec.events) != 0 {
		t.Errorf("failed rewind emitted %v", rec.events)
	}
}

package subagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestScheduler(t *testing.T, concurrency, retries int) *Scheduler {
	t.Helper()
	return NewScheduler(config.SubagentConfig{MaxConcurrency: concurrency, MaxRetriesPerTask: retries})
}

func TestRunTasks_BoundedConcurrency(t *testing.T) {
	s := newTestScheduler(t, 2, 0)
	var inFlight, peak atomic.Int32
	worker := func(ctx context.Context, task Task) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return task.Name, nil
	}

	var tasks []Task
	for i := range 7 {
		tasks = append(tasks, NewTask(fmt.Sprintf("t%d", i), "goal", RoleTask, "core"))
	}
	results := s.RunTasks(context.Background(), tasks, worker)
	if len(results) != 7 {
		t.Fatalf("len(results) = %d, want 7", len(results))
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", got)
	}
	for _, r := range results {
		if !r.Success || r.Attempts != 1 {
			t.Errorf("result %s success=%v attempts=%d", r.Name, r.Success, r.Attempts)
		}
	}
}

func TestRunTasks_OrderIndependentOfInput(t *testing.T) {
	s := newTestScheduler(t, 3, 0)
	base := []Task{
		{RunID: "3", Name: "zeta", Role: RoleTask, Team: "a"},
		{RunID: "1", Name: "scan", Role: RoleExplore, Team: "b"},
		{RunID: "2", Name: "design", Role: RolePlan, Team: "a"},
		{RunID: "4", Name: "alpha", Role: RoleTask, Team: "a"},
		{RunID: "5", Name: "custom", Role: Role("Reviewer"), Team: "a"},
	}
	worker := func(ctx context.Context, task Task) (string, error) { return "ok", nil }

	names := func(in []Task) []string {
		var out []string
		for _, r := range s.RunTasks(context.Background(), in, worker) {
			out = append(out, r.Name)
		}
		return out
	}
	want := []string{"scan", "design", "alpha", "zeta", "custom"}
	reversed := []Task{base[4], base[3], base[2], base[1], base[0]}
	for _, in := range [][]Task{base, reversed} {
		if diff := cmp.Diff(want, names(in)); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestRunTasks_PermissionDeniedFallsBackToReadOnly(t *testing.T) {
	s := newTestScheduler(t, 1, 1)
	var mu sync.Mutex
	var seen []bool
	worker := func(ctx context.Context, task Task) (string, error) {
		mu.Lock()
		seen = append(seen, task.ReadOnlyFallback)
		attempt := len(seen)
		mu.Unlock()
		if attempt == 1 {
			return "", errors.New("permission denied: fs.write blocked by policy")
		}
		return "done read-only", nil
	}

	results := s.RunTasks(context.Background(), []Task{NewTask("edit", "fix", RoleTask, "core")}, worker)
	r := results[0]
	if !r.Success || r.Attempts != 2 || !r.UsedReadOnlyFallback {
		t.Errorf("result = %+v, want success after 2 attempts with fallback", r)
	}
	if diff := cmp.Diff([]bool{false, true}, seen); diff != "" {
		t.Errorf("read-only flag per attempt (-want +got):\n%s", diff)
	}
}

func TestRunTasks_TypedDenialAlsoFallsBack(t *testing.T) {
	s := newTestScheduler(t, 1, 1)
	calls := 0
	worker := func(ctx context.Context, task Task) (string, error) {
		calls++
		if !task.ReadOnlyFallback {
			return "", buderr.PolicyDenied("write outside workspace")
		}
		return "ok", nil
	}
	r := s.RunTasks(context.Background(), []Task{NewTask("w", "g", RoleTask, "")}, worker)[0]
	if !r.UsedReadOnlyFallback || calls != 2 {
		t.Errorf("fallback=%v calls=%d, want true/2", r.UsedReadOnlyFallback, calls)
	}
}

func TestRunTasks_NoRetries(t *testing.T) {
	s := newTestScheduler(t, 4, 0)
	worker := func(ctx context.Context, task Task) (string, error) {
		return "", errors.New("boom")
	}
	r := s.RunTasks(context.Background(), []Task{NewTask("x", "g", RoleExplore, "t")}, worker)[0]
	if r.Success || r.Attempts != 1 || r.Error != "boom" {
		t.Errorf("result = %+v, want one failed attempt", r)
	}
	if r.UsedReadOnlyFallback {
		t.Error("generic failure should not set read-only fallback")
	}
}

func TestNewScheduler_ClampsConcurrency(t *testing.T) {
	if got := newTestScheduler(t, 0, -1).MaxConcurrency(); got != 1 {
		t.Errorf("MaxConcurrency() = %d, want 1", got)
	}
}

func TestMergeResults(t *testing.T) {
	results := []Result{
		{Name: "scan", Role: RoleExplore, Team: "core", Attempts: 1, Success: true, Output: "found 3 files"},
		{Name: "fix", Role: RoleTask, Team: "core", Attempts: 2, Success: false, Error: "tests failed"},
		{Name: "ghost", Role: RoleTask, Team: "core", Attempts: 1},
	}
	want := "[core::Explore] scan (attempts=1): found 3 files\n" +
		"[core::Task] fix failed (attempts=2): tests failed\n" +
		"[core::Task] ghost failed (attempts=1): unknown error"
	if got := MergeResults(results); got != want {
		t.Errorf("MergeResults() =\n%s\nwant\n%s", got, want)
	}
}

func TestTeam(t *testing.T) {
	team := NewTeam(newTestScheduler(t, 2, 0))
	tasks := []Task{
		NewTask("b", "g", RoleTask, "t"),
		NewTask("a", "g", RoleTask, "t"),
		NewTask("c", "g", RoleTask, "t"),
	}
	team.Distribute(context.Background(), tasks, func(ctx context.Context, task Task) (string, error) {
		if task.Name == "c" {
			return "", errors.New("nope")
		}
		team.Send(task.Name, "*", "hello from "+task.Name)
		return "ok", nil
	})
	if diff := cmp.Diff([]string{"a", "b"}, team.Completed()); diff != "" {
		t.Errorf("Completed() mismatch (-want +got):\n%s", diff)
	}

	team.Send("lead", "a", "direct")
	if got := len(team.MessagesFor("a")); got != 3 {
		t.Errorf("MessagesFor(a) = %d, want 3", got)
	}
	if got := len(team.MessagesFor("b")); got != 2 {
		t.Errorf("MessagesFor(b) = %d, want 2", got)
	}
}

func TestRegistry_CompletesAndFails(t *testing.T) {
	reg := NewRegistry(context.Background())
	finished := make(chan Entry, 2)
	reg.OnFinish(func(e Entry) { finished <- e })

	okID := reg.Submit("summarize", func(ctx context.Context) (string, error) { return "summary", nil })
	badID := reg.Submit("break", func(ctx context.Context) (string, error) { return "", errors.New("exploded") })
	reg.Wait()

	ok, found := reg.Get(okID)
	if !found || ok.Status != StatusCompleted || ok.Result != "summary" || ok.FinishedAt == nil {
		t.Errorf("ok entry = %+v", ok)
	}
	bad, _ := reg.Get(badID)
	if bad.Status != StatusFailed || bad.Error != "exploded" {
		t.Errorf("bad entry = %+v", bad)
	}
	if reg.RunningCount() != 0 {
		t.Errorf("RunningCount() = %d, want 0", reg.RunningCount())
	}
	if got := len(reg.List()); got != 2 {
		t.Errorf("len(List()) = %d, want 2", got)
	}
	if len(finished) != 2 {
		t.Errorf("OnFinish called %d times, want 2", len(finished))
	}
	if _, found := reg.Get("missing"); found {
		t.Error("Get(missing) should report not found")
	}
}

func TestRegistry_Stop(t *testing.T) {
	reg := NewRegistry(context.Background())
	started := make(chan struct{})
	id := reg.Submit("long", func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	<-started
	if reg.RunningCount() != 1 {
		t.Errorf("RunningCount() = %d, want 1", reg.RunningCount())
	}
	if !reg.Stop(id) {
		t.Fatal("Stop() = false for running task")
	}
	reg.Wait()
	e, _ := reg.Get(id)
	if e.Status != StatusFailed || e.Error != ErrTaskStopped.Error() {
		t.Errorf("entry = %+v, want stopped failure", e)
	}
	if reg.Stop(id) {
		t.Error("Stop() on finished task should return false")
	}
}

func TestTranscript(t *testing.T) {
	ws := t.TempDir()
	id := "0190-agent"
	if err := AppendTranscript(ws, id, `{"turn":1}`); err != nil {
		t.Fatal(err)
	}
	if err := AppendTranscriptJSON(ws, id, map[string]int{"turn": 2}); err != nil {
		t.Fatal(err)
	}
	if err := AppendTranscript(ws, id, "a\nb"); err == nil {
		t.Error("expected error for multi-line entry")
	}
	lines, err := LoadTranscript(ws, id)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{`{"turn":1}`, `{"turn":2}`}, lines); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
	if !strings.HasSuffix(TranscriptPath(ws, id), filepath.Join(".deepseek", "subagents", id+".jsonl")) {
		t.Errorf("unexpected transcript path %s", TranscriptPath(ws, id))
	}
	if _, err := LoadTranscript(ws, "nobody"); err == nil {
		t.Error("expected error for missing transcript")
	}
}

func TestWorktree(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	ws := t.TempDir()
	ctx := context.Background()
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		if _, err := runGit(ctx, ws, args...); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
	if err := os.WriteFile(filepath.Join(ws, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runGit(ctx, ws, "add", "."); err != nil {
		t.Fatal(err)
	}
	if _, err := runGit(ctx, ws, "commit", "-q", "-m", "init"); err != nil {
		t.Fatal(err)
	}

	wt, err := CreateWorktree(ctx, ws, "explorer")
	if err != nil {
		t.Fatalf("CreateWorktree() error = %v", err)
	}
	if wt.Path() != WorktreePath(ws, "explorer") {
		t.Errorf("Path() = %s", wt.Path())
	}
	if err := os.WriteFile(filepath.Join(wt.Path(), "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	diff, err := wt.Diff(ctx)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if !strings.Contains(diff, "+func main() {}") {
		t.Errorf("diff missing change:\n%s", diff)
	}
	if err := wt.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if err := wt.Cleanup(ctx); err != nil {
		t.Errorf("second Cleanup() error = %v", err)
	}
	if _, err := os.Stat(wt.Path()); !os.IsNotExist(err) {
		t.Errorf("worktree dir still present: %v", err)
	}
}

package agentloop

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
	"github.com/abdul-hamid-achik/codingbuddy/internal/policy"
	"github.com/abdul-hamid-achik/codingbuddy/internal/tools"
)

const greetingPlan = `ARCHITECT_PLAN_V1
PLAN|Change the greeting
FILE|hello.txt|replace hello with hi
VERIFY|%s
ARCHITECT_PLAN_END`

const helloToHi = "--- a/hello.txt\n+++ b/hello.txt\n@@ -1 +1 @@\n-hello\n+hi\n"

type testEnv struct {
	root string
	ws   *tools.Workspace
	host *tools.Host
	cfg  config.AgentLoopConfig

	mu     sync.Mutex
	events []journal.Kind
	saved  []journal.RunRecord
}

func (e *testEnv) UpsertRun(_ context.Context, r journal.RunRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saved = append(e.saved, r)
	return nil
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

// newTestEnv creates a committed git repository holding hello.txt.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	git(t, dir, "init", "-q")
	git(t, dir, "config", "user.email", "dev@example.com")
	git(t, dir, "config", "user.name", "Dev")
	git(t, dir, "config", "commit.gpgsign", "false")
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	git(t, dir, "add", "hello.txt")
	git(t, dir, "commit", "-q", "-m", "init")

	ws, err := tools.NewWorkspace(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	engine := policy.New(cfg.Policy, ws.Root())
	host := tools.NewHost(ws, tools.NewLocalRegistry(ws, tools.Options{}), engine, tools.NewHooks(ws.Root(), cfg.Hooks, nil))
	loopCfg := cfg.AgentLoop
	loopCfg.Lint.Enabled = false
	return &testEnv{root: ws.Root(), ws: ws, host: host, cfg: loopCfg}
}

func (e *testEnv) newRunner(client llm.Client, cb Callbacks) *Runner {
	cb.Emit = func(k journal.Kind) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.events = append(e.events, k)
	}
	return New(e.cfg, Deps{LLM: client, Host: e.host, Workspace: e.ws, Runs: e}, cb)
}

func (e *testEnv) transitions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, k := range e.events {
		if sc, ok := k.(journal.RunStateChanged); ok {
			out = append(out, string(sc.From)+">"+string(sc.To))
		}
	}
	return out
}

func (e *testEnv) resultsWithoutApproval() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	approved := map[string]bool{}
	var missing []string
	for _, k := range e.events {
		switch k := k.(type) {
		case journal.ToolApproved:
			approved[k.InvocationID] = true
		case journal.ToolResultRecorded:
			if !approved[k.Result.InvocationID] {
				missing = append(missing, k.Result.InvocationID)
			}
		}
	}
	return missing
}

func eventsOf[T journal.Kind](e *testEnv) []T {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []T
	for _, k := range e.events {
		if v, ok := k.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func text(s string) *llm.Response {
	return &llm.Response{Content: s, FinishReason: llm.FinishStop}
}

func planWithVerify(cmd string) string {
	return strings.Replace(greetingPlan, "%s", cmd, 1)
}

func TestRun_EditApplyVerifyCommit(t *testing.T) {
	env := newTestEnv(t)
	client := llm.NewScriptedClient(text(planWithVerify("git status --short")), text("```diff\n"+helloToHi+"```"))
	var question string
	r := env.newRunner(client, Callbacks{
		AskUser: func(_ context.Context, q string, _ []string) (string, error) {
			question = q
			return "yes", nil
		},
	})

	out, err := r.Run(t.Context(), "Say hi instead of hello", Options{BaseModel: "chat", ArchitectModel: "reasoner"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !out.Verified || out.Iterations != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if d := cmp.Diff([]string{"hello.txt"}, out.ChangedFiles); d != "" {
		t.Errorf("changed files mismatch (-want +got):\n%s", d)
	}
	data, _ := os.ReadFile(filepath.Join(env.root, "hello.txt"))
	if string(data) != "hi\n" {
		t.Errorf("hello.txt = %q", data)
	}

	wantStates := []string{
		"Context>Architect", "Architect>Editor", "Editor>Apply", "Apply>Verify", "Verify>Final",
	}
	if d := cmp.Diff(wantStates, env.transitions()); d != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", d)
	}

	if missing := env.resultsWithoutApproval(); len(missing) != 0 {
		t.Errorf("tool results without an earlier approval: %v", missing)
	}
	if len(eventsOf[journal.ToolResultRecorded](env)) == 0 {
		t.Error("verification commands should be journaled as tool results")
	}

	applied := eventsOf[journal.PatchApplied](env)
	if len(applied) != 1 || !applied[0].Applied {
		t.Errorf("PatchApplied events = %+v", applied)
	}
	proposals := eventsOf[journal.CommitProposal](env)
	if len(proposals) != 1 {
		t.Fatalf("CommitProposal events = %+v", proposals)
	}
	want := journal.CommitProposal{
		Files: []string{"hello.txt"}, TouchedFiles: 1, LOCDelta: 2,
		VerifyCommands: []string{"git status --short"}, VerifyStatus: "passed",
		SuggestedMessage: "Say hi instead of hello",
	}
	if d := cmp.Diff(want, proposals[0]); d != "" {
		t.Errorf("commit proposal mismatch (-want +got):\n%s", d)
	}
	if !strings.HasPrefix(question, "Commit 1 changed file(s)?") {
		t.Errorf("question = %q", question)
	}
	if got := git(t, env.root, "log", "-1", "--format=%s"); got != "Say hi instead of hello" {
		t.Errorf("last commit subject = %q", got)
	}

	reqs := client.Requests()
	if reqs[0].Model != "reasoner" || reqs[0].ThinkingBudget != defaultThinkingBudget {
		t.Errorf("architect request model=%s budget=%d", reqs[0].Model, reqs[0].ThinkingBudget)
	}
	if reqs[1].Model != "chat" || !strings.Contains(reqs[1].Messages[0].Content, "### hello.txt") {
		t.Errorf("editor request model=%s", reqs[1].Model)
	}

	if len(env.saved) == 0 || env.saved[len(env.saved)-1].Status != core.RunFinal {
		t.Errorf("run records = %+v", env.saved)
	}
}

func TestRun_PlanOnly(t *testing.T) {
	env := newTestEnv(t)
	client := llm.NewScriptedClient(text(planWithVerify("go test ./...")))
	out, err := env.newRunner(client, Callbacks{}).Run(t.Context(), "greet", Options{BaseModel: "chat", PlanOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	want := "Plan mode (no file changes executed)\n\n1. Change the greeting\n\nAffected files:\n- `hello.txt`: replace hello with hi\n\nVerification:\n- `go test ./...`"
	if out.Response != want {
		t.Errorf("Response =\n%s", out.Response)
	}
	if client.CallCount() != 1 {
		t.Errorf("calls = %d, want 1", client.CallCount())
	}
}

func TestRun_ToolFindingsLoop(t *testing.T) {
	env := newTestEnv(t)
	client := llm.NewScriptedClient(
		text("ARCHITECT_PLAN_V1\nTOOL|fs_read|{\"path\":\"hello.txt\"}\nTOOL|bash_run|{\"cmd\":\"ls\"}\nARCHITECT_PLAN_END"),
		text("ARCHITECT_PLAN_V1\nPLAN|Nothing to change\nNO_EDIT|true|greeting already correct\nARCHITECT_PLAN_END"),
	)
	out, err := env.newRunner(client, Callbacks{}).Run(t.Context(), "check greeting", Options{BaseModel: "chat"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.Response, "greeting already correct") || out.Iterations != 2 {
		t.Errorf("outcome = %+v", out)
	}

	second := client.Requests()[1].Messages[0].Content
	bashBlock := "### Tool: bash_run\nError: Tool not allowed in Architect plan parallel execution (must be a read-only tool)."
	readIdx := strings.Index(second, "### Tool: fs_read\nArgs: {\"path\":\"hello.txt\"}\nResult:\n")
	bashIdx := strings.Index(second, bashBlock)
	if readIdx < 0 || bashIdx < 0 || bashIdx > readIdx {
		t.Errorf("tool findings missing or unsorted:\n%s", second)
	}
	if !strings.Contains(second, bashBlock+"\n\n---\n\n### Tool: fs_read") {
		t.Errorf("findings separator missing:\n%s", second)
	}
}

func TestRun_MaxIterations(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.MaxIterations = 1
	hiToHey := "--- a/hello.txt\n+++ b/hello.txt\n@@ -1 +1 @@\n-hi\n+hey\n"
	client := llm.NewScriptedClient(text(planWithVerify("false")), text(helloToHi), text(hiToHey))
	approvals := 0
	r := env.newRunner(client, Callbacks{
		Approve: func(context.Context, core.ToolProposal) (bool, error) {
			approvals++
			return true, nil
		},
	})

	_, err := r.Run(t.Context(), "greet", Options{BaseModel: "chat"})
	if !errors.Is(err, buderr.ErrMaxIterations) {
		t.Fatalf("Run() error = %v, want max iterations", err)
	}
	if !strings.Contains(err.Error(), "last_verify=classification=") {
		t.Errorf("error lacks verify feedback: %v", err)
	}
	if approvals != 2 {
		t.Errorf("approvals = %d, want one per verify run", approvals)
	}

	wantStates := []string{
		"Context>Architect", "Architect>Editor", "Editor>Apply", "Apply>Verify",
		"Verify>Editor", "Editor>Apply", "Apply>Verify", "Verify>Final",
	}
	if d := cmp.Diff(wantStates, env.transitions()); d != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", d)
	}
	runs := eventsOf[journal.VerificationRun](env)
	if len(runs) != 2 || runs[0].Success {
		t.Errorf("verification runs = %+v", runs)
	}
	completed := eventsOf[journal.RunCompleted](env)
	if len(completed) != 1 || completed[0].Success {
		t.Errorf("RunCompleted = %+v", completed)
	}
}

func TestRun_UndeclaredFileIsMicroRetried(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.MaxEditorApplyRetries = 1
	env.cfg.MaxIterations = 1
	rogue := "--- a/other.txt\n+++ b/other.txt\n@@ -0,0 +1 @@\n+x\n"
	client := llm.NewScriptedClient(text(planWithVerify("git status --short")), text(rogue))

	_, err := env.newRunner(client, Callbacks{}).Run(t.Context(), "greet", Options{BaseModel: "chat"})
	if !errors.Is(err, buderr.ErrMaxIterations) {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(err.Error(), "diff targets undeclared file: other.txt") {
		t.Errorf("error = %v", err)
	}
	// one plan, the first edit, one micro-retry
	if client.CallCount() != 3 {
		t.Errorf("calls = %d, want 3", client.CallCount())
	}
	if _, err := os.Stat(filepath.Join(env.root, "other.txt")); !os.IsNotExist(err) {
		t.Error("undeclared file must not be written")
	}
}

func TestRun_SafetyGateDenied(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.SafetyGate = config.SafetyGateConfig{MaxFiles: 8, MaxLOC: 1}
	env.cfg.MaxIterations = 1
	client := llm.NewScriptedClient(text(planWithVerify("git status --short")), text(helloToHi))
	var asked []string
	r := env.newRunner(client, Callbacks{
		Approve: func(_ context.Context, p core.ToolProposal) (bool, error) {
			asked = append(asked, p.Call.Name)
			return false, nil
		},
	})

	_, err := r.Run(t.Context(), "greet", Options{BaseModel: "chat"})
	if err == nil || !strings.Contains(err.Error(), "patch exceeds safety gate and approval was denied") {
		t.Fatalf("Run() error = %v", err)
	}
	if d := cmp.Diff([]string{"patch.apply"}, asked); d != "" {
		t.Errorf("approvals mismatch (-want +got):\n%s", d)
	}
	data, _ := os.ReadFile(filepath.Join(env.root, "hello.txt"))
	if string(data) != "hello\n" {
		t.Errorf("gated patch was applied: %q", data)
	}
}

func TestRun_ArchitectContractViolation(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.ArchitectParseRetries = 1
	client := llm.NewScriptedClient(text("Sure! Here is my plan."))
	_, err := env.newRunner(client, Callbacks{}).Run(t.Context(), "greet", Options{BaseModel: "chat"})
	if err == nil || !strings.Contains(err.Error(), "architect response violated its output contract") {
		t.Fatalf("Run() error = %v", err)
	}
	if client.CallCount() != 2 {
		t.Errorf("calls = %d, want initial + 1 repair", client.CallCount())
	}
	last := client.Requests()[1].Messages
	if last[len(last)-1].Role != llm.RoleUser || !strings.HasPrefix(last[len(last)-1].Content, architectRepairPrompt) {
		t.Errorf("repair prompt not appended: %+v", last)
	}
}

package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
	"github.com/abdul-hamid-achik/codingbuddy/internal/memory"
	"github.com/abdul-hamid-achik/codingbuddy/internal/planner"
	"github.com/abdul-hamid-achik/codingbuddy/internal/policy"
	"github.com/abdul-hamid-achik/codingbuddy/internal/session"
	"github.com/abdul-hamid-achik/codingbuddy/internal/subagent"
	"github.com/abdul-hamid-achik/codingbuddy/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	handlerPrompt = "inspect the request handler"
	handlerPlan   = `{"goal":"inspect the handler","steps":[` +
		`{"title":"Search handler","intent":"search","tools":["fs.grep:handler"]},` +
		`{"title":"List files","intent":"task","tools":["fs.list"]}],` +
		`"verification":["git status"]}`
)

// fakeRunner records commands instead of running them.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
}

func (f *fakeRunner) Run(ctx context.Context, cmd, dir string, timeout time.Duration) (tools.ShellResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	status := 0
	return tools.ShellResult{Status: &status, Stdout: "ok\n"}, nil
}

func (f *fakeRunner) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// plannerClient answers planner requests with plan and everything else,
// subagents included, with a short finding.
func plannerClient(plan string) *llm.MockLLMClient {
	m := llm.NewMockLLMClient()
	m.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.Response, error) {
		if req.System == planner.SystemPrompt {
			return &llm.Response{Content: plan, FinishReason: llm.FinishStop, Model: req.Model}, nil
		}
		return &llm.Response{Content: "- handler lives in api/handler.go", FinishReason: llm.FinishStop, Model: req.Model}, nil
	}
	return m
}

type testEnv struct {
	engine *Engine
	runner *fakeRunner
	client *llm.MockLLMClient
	mem    *memory.Manager
}

func newTestEngine(t *testing.T, client *llm.MockLLMClient, h Handlers) *testEnv {
	t.Helper()
	ws := t.TempDir()
	store, err := journal.Open(ws)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mem, err := memory.NewManager(ws, memory.WithHome(t.TempDir()))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Subagents.MaxConcurrency = 2
	cfg.Telemetry.Enabled = false

	runner := &fakeRunner{}
	e, err := New(ws, cfg, Deps{Store: store, LLM: client, Runner: runner, Memory: mem}, h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return &testEnv{engine: e, runner: runner, client: client, mem: mem}
}

func TestNew_RequiresStoreAndClient(t *testing.T) {
	if _, err := New(t.TempDir(), config.DefaultConfig(), Deps{}, Handlers{}); err == nil {
		t.Fatal("expected error without store and client")
	}
}

func TestEngine_EnsureSession(t *testing.T) {
	env := newTestEngine(t, plannerClient(handlerPlan), Handlers{})
	ctx := context.Background()

	first, err := env.engine.EnsureSession(ctx)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	second, err := env.engine.EnsureSession(ctx)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("session changed between calls: %s != %s", first.ID, second.ID)
	}
}

func TestEngine_Resume(t *testing.T) {
	env := newTestEngine(t, plannerClient(handlerPlan), Handlers{})
	ctx := context.Background()

	if _, _, err := env.engine.Resume(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Resume on empty journal = %v, want ErrNoSession", err)
	}
	sess, err := env.engine.EnsureSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	resumed, proj, err := env.engine.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.ID != sess.ID {
		t.Errorf("resumed %s, want %s", resumed.ID, sess.ID)
	}
	if proj.EventCount == 0 {
		t.Error("expected replayed events")
	}
}

func TestEngine_PlanOnly(t *testing.T) {
	env := newTestEngine(t, plannerClient(handlerPlan), Handlers{})
	ctx := context.Background()

	plan, err := env.engine.PlanOnly(ctx, handlerPrompt, PlanOptions{})
	if err != nil {
		t.Fatalf("PlanOnly: %v", err)
	}
	var titles []string
	for _, s := range plan.Steps {
		titles = append(titles, s.Title)
	}
	if diff := cmp.Diff([]string{"Search handler", "List files"}, titles); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}

	st, err := env.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Projection.LatestPlan == nil || st.Projection.LatestPlan.PlanID != plan.PlanID {
		t.Errorf("latest plan not journaled: %+v", st.Projection.LatestPlan)
	}
	if len(st.Projection.RouterModels) == 0 {
		t.Error("expected a router decision")
	}
	if st.Session.Status != session.StatusPlanning {
		t.Errorf("status = %s, want %s", st.Session.Status, session.StatusPlanning)
	}
}

func TestEngine_PlanOnly_FallsBackOnGarbage(t *testing.T) {
	env := newTestEngine(t, plannerClient("I would rather not"), Handlers{})

	plan, err := env.engine.PlanOnly(context.Background(), handlerPrompt, PlanOptions{})
	if err != nil {
		t.Fatalf("PlanOnly: %v", err)
	}
	if len(plan.Steps) == 0 {
		t.Fatal("fallback plan has no steps")
	}
	if plan.Goal == "" {
		t.Error("fallback plan has no goal")
	}
}

func TestEngine_RunOnce(t *testing.T) {
	tests := []struct {
		name          string
		plan          string
		opts          RunOptions
		approve       func(context.Context, core.ToolProposal) (bool, error)
		wantSuccess   bool
		wantStatus    session.Status
		wantCommand   string
		wantNoCommand bool
	}{
		{
			name:        "allowed tools complete",
			plan:        handlerPlan,
			opts:        RunOptions{AllowTools: true},
			wantSuccess: true,
			wantStatus:  session.StatusCompleted,
			wantCommand: "git status",
		},
		{
			name: "approver accepts verification",
			plan: handlerPlan,
			approve: func(context.Context, core.ToolProposal) (bool, error) {
				return true, nil
			},
			wantSuccess: true,
			wantStatus:  session.StatusCompleted,
			wantCommand: "git status",
		},
		{
			name:          "no approver refuses verification",
			plan:          handlerPlan,
			wantSuccess:   false,
			wantStatus:    session.StatusFailed,
			wantNoCommand: true,
		},
		{
			name:          "policy denial beats allowed tools",
			plan:          strings.Replace(handlerPlan, `"git status"`, `"rm -rf build"`, 1),
			opts:          RunOptions{AllowTools: true},
			wantSuccess:   false,
			wantStatus:    session.StatusFailed,
			wantNoCommand: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEngine(t, plannerClient(tt.plan), Handlers{Approve: tt.approve})
			ctx := context.Background()

			s, err := env.engine.RunOnce(ctx, handlerPrompt, tt.opts)
			if err != nil {
				t.Fatalf("RunOnce: %v", err)
			}
			if s.Success != tt.wantSuccess {
				t.Errorf("Success = %v, want %v (%s)", s.Success, tt.wantSuccess, s)
			}
			if s.Steps != 2 {
				t.Errorf("Steps = %d, want 2", s.Steps)
			}
			if s.Subagents != 2 {
				t.Errorf("Subagents = %d, want 2", s.Subagents)
			}
			if !tt.wantSuccess && s.VerificationFailures == 0 {
				t.Error("expected a verification failure")
			}

			cmds := env.runner.Commands()
			if tt.wantNoCommand && len(cmds) != 0 {
				t.Errorf("commands ran: %v", cmds)
			}
			if tt.wantCommand != "" && !containsCommand(cmds, tt.wantCommand) {
				t.Errorf("commands %v missing %q", cmds, tt.wantCommand)
			}

			st, err := env.engine.Status(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if st.Session.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", st.Session.Status, tt.wantStatus)
			}
			if st.Projection.VerificationRuns != 1 {
				t.Errorf("VerificationRuns = %d, want 1", st.Projection.VerificationRuns)
			}
			if len(st.Projection.SubagentRuns) != 2 {
				t.Errorf("SubagentRuns = %v", st.Projection.SubagentRuns)
			}
			events, err := env.engine.Store().LoadEvents(ctx, st.Session.ID)
			if err != nil {
				t.Fatal(err)
			}
			if missing := resultsWithoutApproval(events); len(missing) != 0 {
				t.Errorf("tool results without an earlier approval: %v", missing)
			}

			mem, err := env.mem.AgentMemory(memory.DefaultAgent)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(mem, handlerPrompt) {
				t.Errorf("observation not recorded:\n%s", mem)
			}
		})
	}
}

// resultsWithoutApproval lists the invocation ids of ToolResultV1 events
// that have no earlier ToolApprovedV1 for the same id.
func resultsWithoutApproval(events []journal.Envelope) []string {
	approved := map[string]bool{}
	var missing []string
	for _, ev := range events {
		switch k := ev.Kind.(type) {
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

func TestEngine_RunOnce_EveryResultIsApproved(t *testing.T) {
	env := newTestEngine(t, plannerClient(handlerPlan), Handlers{})
	ctx := context.Background()

	if _, err := env.engine.RunOnce(ctx, handlerPrompt, RunOptions{AllowTools: true}); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	sess, err := env.engine.Store().LoadLatestSession(ctx)
	if err != nil || sess == nil {
		t.Fatalf("LoadLatestSession = %v, %v", sess, err)
	}
	events, err := env.engine.Store().LoadEvents(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	results := 0
	for _, ev := range events {
		if _, ok := ev.Kind.(journal.ToolResultRecorded); ok {
			results++
		}
	}
	if results == 0 {
		t.Fatal("expected tool results in the journal")
	}
	if missing := resultsWithoutApproval(events); len(missing) != 0 {
		t.Errorf("%d of %d results have no earlier ToolApprovedV1: %v", len(missing), results, missing)
	}
}

func containsCommand(cmds []string, want string) bool {
	for _, c := range cmds {
		if strings.Contains(c, want) {
			return true
		}
	}
	return false
}

func TestRunOnceRunner_FailedRunIsError(t *testing.T) {
	env := newTestEngine(t, plannerClient(handlerPlan), Handlers{})

	out, err := runOnceRunner{e: env.engine}.RunOnce(context.Background(), handlerPrompt)
	if err == nil {
		t.Fatal("expected unapproved verification to fail the iteration")
	}
	if !strings.Contains(out, "session=") {
		t.Errorf("summary missing from output: %q", out)
	}
}

func TestEngine_Submit(t *testing.T) {
	env := newTestEngine(t, plannerClient(handlerPlan), Handlers{})
	ctx := context.Background()

	id, err := env.engine.Submit(ctx, handlerPrompt, RunOptions{AllowTools: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	env.engine.Background().Wait()

	entry, ok := env.engine.Background().Get(id)
	if !ok {
		t.Fatalf("task %s not found", id)
	}
	if entry.Status != subagent.StatusCompleted {
		t.Errorf("status = %s (%s), want Completed", entry.Status, entry.Error)
	}
	if !strings.Contains(entry.Result, "steps=2") {
		t.Errorf("result = %q", entry.Result)
	}
}

func TestEngine_CallsForStep(t *testing.T) {
	env := newTestEngine(t, plannerClient(handlerPlan), Handlers{})

	tests := []struct {
		name      string
		step      core.PlanStep
		wantNames []string
		check     func(t *testing.T, calls []core.ToolCall)
	}{
		{
			name:      "declared tools deduplicated",
			step:      core.PlanStep{Intent: "search", Tools: []string{"fs.grep:handler", "grep:other", "fs.list"}},
			wantNames: []string{"fs.grep", "fs.list"},
			check: func(t *testing.T, calls []core.ToolCall) {
				if got := calls[0].Args["pattern"]; got != "handler" {
					t.Errorf("pattern = %v, want handler", got)
				}
			},
		},
		{
			name:      "capped at three",
			step:      core.PlanStep{Tools: []string{"fs.list", "git.status", "git.diff", "fs.glob"}},
			wantNames: []string{"fs.list", "git.status", "git.diff"},
		},
		{
			name:      "read without a file falls back to intent",
			step:      core.PlanStep{Intent: "task", Tools: []string{"fs.read"}},
			wantNames: []string{"fs.list"},
		},
		{
			name:      "read uses the first file",
			step:      core.PlanStep{Tools: []string{"fs.read"}, Files: []string{"main.go", "util.go"}},
			wantNames: []string{"fs.read"},
			check: func(t *testing.T, calls []core.ToolCall) {
				if got := calls[0].Args["path"]; got != "main.go" {
					t.Errorf("path = %v", got)
				}
			},
		},
		{
			name:      "git intent",
			step:      core.PlanStep{Intent: "git"},
			wantNames: []string{"git.status"},
		},
		{
			name:      "edit intent stages notes",
			step:      core.PlanStep{Intent: "edit"},
			wantNames: []string{"patch.stage"},
			check: func(t *testing.T, calls []core.ToolCall) {
				diff, _ := calls[0].Args["unified_diff"].(string)
				if !strings.Contains(diff, notesPath) || !strings.Contains(diff, "+fix it") {
					t.Errorf("unexpected diff:\n%s", diff)
				}
			},
		},
		{
			name:      "declared bash needs approval",
			step:      core.PlanStep{Tools: []string{"bash.run:go vet ./..."}},
			wantNames: []string{"bash.run"},
			check: func(t *testing.T, calls []core.ToolCall) {
				if !calls[0].RequiresApproval {
					t.Error("bash call should require approval")
				}
				if got := calls[0].Args["cmd"]; got != "go vet ./..." {
					t.Errorf("cmd = %v", got)
				}
			},
		},
		{
			name:      "verify intent derives a command",
			step:      core.PlanStep{Intent: "verify"},
			wantNames: []string{"bash.run"},
			check: func(t *testing.T, calls []core.ToolCall) {
				if got := calls[0].Args["cmd"]; got != "git status --short" {
					t.Errorf("cmd = %v", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := env.engine.callsForStep(tt.step, "fix it")
			var names []string
			for _, c := range calls {
				names = append(names, c.Name)
			}
			if diff := cmp.Diff(tt.wantNames, names); diff != "" {
				t.Fatalf("calls mismatch (-want +got):\n%s", diff)
			}
			if tt.check != nil {
				tt.check(t, calls)
			}
		})
	}
}

func TestParallelSafe(t *testing.T) {
	read := core.ToolProposal{Call: core.ToolCall{Name: "fs.read"}}
	grep := core.ToolProposal{Call: core.ToolCall{Name: "fs.grep"}}
	write := core.ToolProposal{Call: core.ToolCall{Name: "fs.write"}}

	tests := []struct {
		name      string
		proposals []core.ToolProposal
		want      bool
	}{
		{"single", []core.ToolProposal{read}, false},
		{"all reads", []core.ToolProposal{read, grep}, true},
		{"mixed", []core.ToolProposal{read, write}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parallelSafe(tt.proposals); got != tt.want {
				t.Errorf("parallelSafe = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngine_SetPermissionMode(t *testing.T) {
	env := newTestEngine(t, plannerClient(handlerPlan), Handlers{})
	ctx := context.Background()

	if err := env.engine.SetPermissionMode(ctx, policy.ModeLocked); err != nil {
		t.Fatalf("SetPermissionMode: %v", err)
	}
	if got := env.engine.Policy().Mode(); got != policy.ModeLocked {
		t.Errorf("Mode = %v, want locked", got)
	}
	st, err := env.engine.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Projection.PermissionMode != policy.ModeLocked.String() {
		t.Errorf("journaled mode = %q", st.Projection.PermissionMode)
	}

	d := env.engine.Host().Decide(core.ToolCall{Name: "fs.write", Args: map[string]any{"path": "a.go", "content": "x"}})
	if d.Err() == nil {
		t.Error("locked mode should deny writes")
	}
}

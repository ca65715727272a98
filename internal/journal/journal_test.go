package journal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
	"github.com/abdul-hamid-achik/codingbuddy/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestSession(t *testing.T, s *Store) *session.Session {
	t.Helper()
	sess, err := session.New("/ws")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	return sess
}

func samplePlan() core.Plan {
	return core.Plan{
		PlanID:  "plan-1",
		Version: 1,
		Goal:    "fix flaky sort test",
		Steps: []core.PlanStep{
			{StepID: "s1", Title: "Locate", Intent: "search", Tools: []string{"fs.grep"}},
			{StepID: "s2", Title: "Edit", Intent: "edit", Tools: []string{"fs.edit"}, Files: []string{"src/sort.rs"}},
		},
		Verification: []string{"cargo test --workspace"},
	}
}

func sampleKinds() []Kind {
	errText := "boom"
	code := 2
	return []Kind{
		TurnAdded{Role: "user", Content: "hi"},
		SessionStateChanged{From: session.StatusIdle, To: session.StatusPlanning},
		SessionStarted{SessionID: "s", Workspace: "/ws"},
		SessionResumed{SessionID: "s", EventsReplayed: 3},
		PlanCreated{Plan: samplePlan()},
		PlanRevised{Plan: samplePlan()},
		RunStarted{RunID: "r1", Prompt: "p"},
		RunStateChanged{RunID: "r1", From: core.RunContext, To: core.RunArchitect},
		RunCompleted{RunID: "r1", Success: true},
		StepMarked{StepID: "s1", Done: true, Note: "ok"},
		RouterDecisionMade{Decision: core.RouterDecision{DecisionID: "d1", SelectedModel: "deepseek-chat", ReasonCodes: []string{"base"}}},
		RouterEscalation{ReasonCodes: []string{"invalid_plan"}},
		ToolProposed{Proposal: core.ToolProposal{InvocationID: "i1", Call: core.ToolCall{Name: "fs.read", Args: map[string]any{"path": "a"}}}},
		ToolApproved{InvocationID: "i1"},
		ToolResultRecorded{Result: core.ToolResult{InvocationID: "i1", Success: true, Output: json.RawMessage(`{"ok":true}`)}},
		ToolDenied{InvocationID: "i2", ToolName: "bash.run", Reason: "locked"},
		PatchStaged{PatchID: "p1", BaseSHA256: "abc"},
		PatchApplied{PatchID: "p1", Applied: true, Conflicts: []string{}},
		VerificationRun{Command: "cargo test", Success: false, Output: "fail"},
		CommitProposal{Files: []string{"a"}, TouchedFiles: 1, LOCDelta: 3, VerifyStatus: "passed", SuggestedMessage: "m"},
		UsageUpdated{Unit: core.UnitPlanner, Model: "m", InputTokens: 10, OutputTokens: 5},
		CostUpdated{InputTokens: 1, OutputTokens: 2, EstimatedCostUSD: 0.5},
		ContextCompacted{SummaryID: "c1", FromTurn: 1, ToTurn: 9, TokenDeltaEstimate: -100},
		AutopilotRunStarted{RunID: "a1", Prompt: "p"},
		AutopilotRunHeartbeat{RunID: "a1", CompletedIterations: 1, LastError: &errText},
		AutopilotRunStopped{RunID: "a1", StopReason: "stop_file_detected", CompletedIterations: 1},
		SubagentSpawned{RunID: "sa1", Name: "explore", Goal: "g"},
		SubagentCompleted{RunID: "sa1", Output: "o"},
		SubagentFailed{RunID: "sa2", Error: "e"},
		BackgroundJobStarted{JobID: "j1", JobKind: "autopilot", Reference: "a1"},
		BackgroundJobResumed{JobID: "j1", Reference: "a1"},
		BackgroundJobStopped{JobID: "j1", Reason: "done"},
		CheckpointCreated{CheckpointID: "cp1", Reason: "agent_post_apply", FilesCount: 2, SnapshotPath: "/x"},
		CheckpointRewound{CheckpointID: "cp1", Reason: "user"},
		PromptCacheHit{CacheKey: "k", Model: "m"},
		OffPeakScheduled{Reason: "peak", ResumeAfter: "2026-01-01T00:00:00Z"},
		VisualArtifactCaptured{ArtifactID: "v1", Path: "/p.png", Mime: "image/png"},
		TelemetryEvent{Name: "run", Properties: map[string]any{"ok": true}},
		HookExecuted{Phase: "pre_tool_use", HookPath: "/h", Success: false, ExitCode: &code},
		ProfileCaptured{ProfileID: "pr1", Summary: "s", ElapsedMS: 12},
		PermissionModeChanged{From: "ask", To: "locked"},
		MemorySynced{VersionID: "m1", Path: "/m", Note: "n"},
		SkillLoaded{SkillID: "sk", SourcePath: "/sk"},
	}
}

func TestEveryKindIsRegistered(t *testing.T) {
	kinds := sampleKinds()
	if len(kinds) != len(registry) {
		t.Errorf("sample covers %d kinds, registry has %d", len(kinds), len(registry))
	}
	for _, k := range kinds {
		if _, ok := registry[k.Type()]; !ok {
			t.Errorf("kind %s not registered", k.Type())
		}
	}
}

func TestEnvelopeRoundTripByteStable(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC)
	for i, kind := range sampleKinds() {
		t.Run(kind.Type(), func(t *testing.T) {
			ev := Envelope{SeqNo: uint64(i + 1), At: at, SessionID: "sess", Kind: kind}
			first, err := json.Marshal(ev)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var decoded Envelope
			if err := json.Unmarshal(first, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			second, err := json.Marshal(decoded)
			if err != nil {
				t.Fatalf("re-marshal: %v", err)
			}
			if string(first) != string(second) {
				t.Errorf("round trip changed bytes:\n%s\n%s", first, second)
			}
		})
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	ev := Envelope{SeqNo: 1, At: time.Unix(0, 0).UTC(), SessionID: "s", Kind: ToolApproved{InvocationID: "i1"}}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"seq_no":1,"at":"1970-01-01T00:00:00Z","session_id":"s","kind":{"type":"ToolApprovedV1","payload":{"invocation_id":"i1"}}}`
	if string(data) != want {
		t.Errorf("got  %s\nwant %s", data, want)
	}
}

func TestUnknownKindTolerated(t *testing.T) {
	raw := `{"seq_no":1,"at":"2026-01-01T00:00:00Z","session_id":"s","kind":{"type":"FutureThingV9","payload":{"x": 1}}}`
	var ev Envelope
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unknown kind should decode: %v", err)
	}
	u, ok := ev.Kind.(Unknown)
	if !ok || u.Tag != "FutureThingV9" {
		t.Fatalf("expected Unknown kind, got %#v", ev.Kind)
	}
	out, _ := json.Marshal(ev)
	if string(out) != `{"seq_no":1,"at":"2026-01-01T00:00:00Z","session_id":"s","kind":{"type":"FutureThingV9","payload":{"x":1}}}` {
		t.Errorf("unexpected re-encoding %s", out)
	}
	p := Rebuild([]Envelope{ev})
	if p.SkippedUnknown != 1 || p.EventCount != 1 {
		t.Errorf("unexpected projection %+v", p)
	}
}

func TestAppendSeqNoMonotonic(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		ev, err := s.Append(ctx, sess.ID, TurnAdded{Role: "user", Content: "m"})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if ev.SeqNo != uint64(i) {
			t.Errorf("seq_no = %d, want %d", ev.SeqNo, i)
		}
	}

	next, err := s.NextSeqNo(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next != 6 {
		t.Errorf("NextSeqNo = %d, want 6", next)
	}

	other, err := s.NextSeqNo(ctx, "other-session")
	if err != nil {
		t.Fatal(err)
	}
	if other != 1 {
		t.Errorf("fresh session should start at 1, got %d", other)
	}
}

func TestAppendEventRejectsWrongSeqNo(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	ctx := context.Background()

	bad := Envelope{SeqNo: 3, At: time.Now().UTC(), SessionID: sess.ID, Kind: TurnAdded{Role: "user"}}
	err := s.AppendEvent(ctx, bad)
	if err == nil {
		t.Fatal("expected out-of-order append to fail")
	}
	if !errors.Is(err, buderr.ErrStorageIO) {
		t.Errorf("expected storage error, got %v", err)
	}

	next, _ := s.NextSeqNo(ctx, sess.ID)
	if next != 1 {
		t.Errorf("failed append advanced seq_no to %d", next)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), EventsFile)); err == nil {
		data, _ := os.ReadFile(filepath.Join(s.Root(), EventsFile))
		if len(data) != 0 {
			t.Errorf("failed append wrote jsonl: %q", data)
		}
	}
}

func TestJSONLMirrorsEvents(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	ctx := context.Background()

	if _, err := s.Append(ctx, sess.ID, SessionStarted{SessionID: sess.ID, Workspace: "/ws"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, sess.ID, PlanCreated{Plan: samplePlan()}); err != nil {
		t.Fatal(err)
	}

	fromFile, err := ReadJSONL(filepath.Join(s.Root(), EventsFile))
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	fromDB, err := s.LoadEvents(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(fromDB, fromFile); diff != "" {
		t.Errorf("jsonl differs from db (-db +file):\n%s", diff)
	}
}

func TestRebuildDeterministic(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	ctx := context.Background()

	for _, k := range []Kind{
		SessionStateChanged{From: session.StatusIdle, To: session.StatusPlanning},
		PlanCreated{Plan: samplePlan()},
		StepMarked{StepID: "s1", Done: true, Note: "done"},
		ToolProposed{Proposal: core.ToolProposal{InvocationID: "i1", Call: core.ToolCall{Name: "fs.read"}}},
		ToolApproved{InvocationID: "i1"},
		UsageUpdated{Unit: core.UnitPlanner, Model: "m", InputTokens: 7, OutputTokens: 3},
		RouterDecisionMade{Decision: core.RouterDecision{DecisionID: "d1", SelectedModel: "deepseek-chat"}},
		TurnAdded{Role: "assistant", Content: "ok"},
	} {
		if _, err := s.Append(ctx, sess.ID, k); err != nil {
			t.Fatalf("Append %s: %v", k.Type(), err)
		}
	}

	first, err := s.RebuildFromEvents(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.RebuildFromEvents(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("rebuild not deterministic:\n%s", diff)
	}

	if first.State != session.StatusPlanning {
		t.Errorf("state = %s", first.State)
	}
	if first.LatestPlan == nil || !first.LatestPlan.Steps[0].Done || first.LatestPlan.Steps[1].Done {
		t.Errorf("plan step flags not projected: %+v", first.LatestPlan)
	}
	if first.UsageInputTokens != 7 || first.UsageOutputTokens != 3 {
		t.Errorf("usage = %d/%d", first.UsageInputTokens, first.UsageOutputTokens)
	}
	if diff := cmp.Diff([]string{"i1"}, first.ApprovedInvocations); diff != "" {
		t.Errorf("approved invocations:\n%s", diff)
	}
	if diff := cmp.Diff([]string{"assistant: ok"}, first.Transcript); diff != "" {
		t.Errorf("transcript:\n%s", diff)
	}
	if first.LastSeqNo != 8 {
		t.Errorf("LastSeqNo = %d", first.LastSeqNo)
	}
}

func TestDerivedTables(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	ctx := context.Background()

	for _, k := range []Kind{
		SessionStateChanged{From: session.StatusIdle, To: session.StatusPlanning},
		RunStarted{RunID: "r1", Prompt: "fix"},
		RunStateChanged{RunID: "r1", From: core.RunContext, To: core.RunVerify},
		VerificationRun{Command: "go test ./...", Success: false, Output: "FAIL"},
		VerificationRun{Command: "go test ./...", Success: true, Output: "ok"},
		UsageUpdated{Unit: core.UnitExecutor, Model: "m", InputTokens: 4, OutputTokens: 6},
		AutopilotRunStarted{RunID: "a1", Prompt: "loop"},
		AutopilotRunStopped{RunID: "a1", StopReason: "duration_elapsed", CompletedIterations: 2},
		CheckpointCreated{CheckpointID: "cp1", Reason: "agent_post_apply", FilesCount: 1, SnapshotPath: "/snap"},
	} {
		if _, err := s.Append(ctx, sess.ID, k); err != nil {
			t.Fatalf("Append %s: %v", k.Type(), err)
		}
	}

	loaded, err := s.LoadSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != session.StatusPlanning {
		t.Errorf("sessions.status = %s", loaded.Status)
	}

	run, err := s.LoadRun(ctx, "r1")
	if err != nil || run == nil {
		t.Fatalf("LoadRun: %v %v", run, err)
	}
	if run.Status != core.RunVerify || run.Prompt != "fix" {
		t.Errorf("unexpected run %+v", run)
	}

	failing, err := s.RecentVerificationRuns(ctx, sess.ID, 5, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(failing) != 1 || failing[0].Output != "FAIL" {
		t.Errorf("unexpected failing runs %+v", failing)
	}

	in, out, err := s.UsageTotals(ctx, sess.ID)
	if err != nil || in != 4 || out != 6 {
		t.Errorf("UsageTotals = %d, %d, %v", in, out, err)
	}

	ap, err := s.LatestAutopilotRun(ctx)
	if err != nil || ap == nil {
		t.Fatalf("LatestAutopilotRun: %v %v", ap, err)
	}
	if ap.Status != "stopped" || ap.StopReason != "duration_elapsed" || ap.CompletedIterations != 2 {
		t.Errorf("unexpected autopilot run %+v", ap)
	}

	n, err := s.CountRows(ctx, "checkpoints")
	if err != nil || n != 1 {
		t.Errorf("checkpoints rows = %d, %v", n, err)
	}
	if _, err := s.CountRows(ctx, "events; DROP TABLE events"); err == nil {
		t.Error("expected unknown table to be rejected")
	}
}

func TestLoadLatestSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.LoadLatestSession(ctx)
	if err != nil || latest != nil {
		t.Fatalf("empty store: %v %v", latest, err)
	}

	first := newTestSession(t, s)
	second, _ := session.New("/ws")
	second.UpdatedAt = first.UpdatedAt.Add(time.Second)
	if err := s.SaveSession(ctx, second); err != nil {
		t.Fatal(err)
	}

	latest, err = s.LoadLatestSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest = %s, want %s", latest.ID, second.ID)
	}

	if _, err := s.LoadSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	infos, err := s.ListSessions(ctx, 10)
	if err != nil || len(infos) != 2 {
		t.Errorf("ListSessions = %v, %v", infos, err)
	}
}

func TestProviderMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertProviderMetric(ctx, ProviderMetric{Provider: "deepseek", Model: "m", CacheKey: "k", LatencyMS: 40}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertProviderMetric(ctx, ProviderMetric{Provider: "deepseek", Model: "m", CacheKey: "k", CacheHit: true}); err != nil {
		t.Fatal(err)
	}
	rows, err := s.ListProviderMetrics(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].CacheHit || !rows[1].CacheHit || rows[1].LatencyMS != 0 {
		t.Errorf("unexpected metrics %+v", rows)
	}
}

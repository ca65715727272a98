package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/policy"
)

// stubTool returns a fixed output and records its inputs.
type stubTool struct {
	name   string
	out    any
	err    error
	inputs []map[string]any
}

func (s *stubTool) Name() string { return s.name }
func (s *stubTool) Description() string { return "stub " + s.name }
func (s *stubTool) InputSchema() map[string]any { return objectSchema(nil, map[string]any{}) }
func (s *stubTool) Permission() PermissionLevel { return PermissionRead }
func (s *stubTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	s.inputs = append(s.inputs, input)
	return s.out, s.err
}

func newTestHost(t *testing.T, mutate func(*config.Config), tools ...Tool) *Host {
	t.Helper()
	ws := newTestWorkspace(t, nil)
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	reg := NewRegistry()
	for _, tool := range tools {
		reg.Register(tool)
	}
	engine := policy.New(cfg.Policy, ws.Root())
	hooks := NewHooks(ws.Root(), cfg.Hooks, nil)
	return NewHost(ws, reg, engine, hooks)
}

func TestHost_Propose(t *testing.T) {
	h := newTestHost(t, nil)

	read := h.Propose(core.ToolCall{Name: "fs_read", Args: map[string]any{"path": "a.go"}})
	if !read.Approved || read.Call.Name != "fs.read" || read.InvocationID == "" {
		t.Errorf("read proposal = %+v", read)
	}
	write := h.Propose(core.ToolCall{Name: "fs.write", Args: map[string]any{"path": "a.go"}})
	if write.Approved || !write.Call.RequiresApproval {
		t.Errorf("write proposal in ask mode = %+v, want approval required", write)
	}
	if read.InvocationID == write.InvocationID {
		t.Error("invocation ids must be unique")
	}
	denied := h.Decide(core.ToolCall{Name: "fs.read", Args: map[string]any{"path": ".env"}})
	if denied.Err() == nil {
		t.Error("reading .env should be denied")
	}
}

func TestHost_ExecuteRedacts(t *testing.T) {
	tool := &stubTool{name: "fs.read", out: map[string]any{"content": "api_key=abcdefgh12345", "size": 12345678901}}
	h := newTestHost(t, nil, tool)

	p := h.Propose(core.ToolCall{Name: "fs.read", Args: map[string]any{"path": "a.go"}})
	res := h.Execute(context.Background(), Approve(p))
	if !res.Success || res.InvocationID != p.InvocationID {
		t.Fatalf("result = %+v", res)
	}
	out := string(res.Output)
	if strings.Contains(out, "abcdefgh12345") || !strings.Contains(out, "[REDACTED]") {
		t.Errorf("output not redacted: %s", out)
	}
	if !strings.Contains(out, "12345678901") {
		t.Errorf("numbers should survive redaction: %s", out)
	}
}

func TestHost_ExecuteWithoutLogger(t *testing.T) {
	if err := logging.Close(); err != nil {
		t.Fatal(err)
	}
	tool := &stubTool{name: "fs.list", err: errors.New("boom")}
	h := newTestHost(t, nil, tool)

	res := h.Execute(context.Background(), Approve(h.Propose(core.ToolCall{Name: "fs.list"})))
	if res.Success || len(tool.inputs) != 1 {
		t.Errorf("result = %+v, inputs = %v", res, tool.inputs)
	}
}

func TestHost_ExecuteFailures(t *testing.T) {
	failing := &stubTool{name: "fs.list", err: errors.New("boom")}
	write := &stubTool{name: "fs.write", out: "ok"}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		call   core.ToolCall
		want   string
	}{
		{"agent level", nil, core.ToolCall{Name: "user_question"}, "agent loop"},
		{"unknown tool", nil, core.ToolCall{Name: "mcp__x__y"}, "mcp__x__y"},
		{"tool error", nil, core.ToolCall{Name: "fs.list"}, "boom"},
		{"review strict", func(c *config.Config) { c.Policy.ReviewMode = "strict" },
			core.ToolCall{Name: "fs.write", Args: map[string]any{"path": "a"}}, "review mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHost(t, tt.mutate, failing, write)
			res := h.Execute(context.Background(), core.ApprovedToolCall{InvocationID: "id-1", Call: tt.call})
			if res.Success {
				t.Fatalf("expected failure, got %s", res.Output)
			}
			if !strings.Contains(res.OutputString(), tt.want) {
				t.Errorf("output %s does not mention %q", res.Output, tt.want)
			}
		})
	}
}

func TestHost_PreToolHookBlocks(t *testing.T) {
	tool := &stubTool{name: "fs.read", out: "data"}
	var events []journal.Kind
	h := newTestHost(t, nil, tool)
	h.hooks = NewHooks(h.workspace.Root(), config.HooksConfig{
		PreToolUse: []string{`echo '{"reason":"not today"}'; exit 2`},
	}, func(k journal.Kind) { events = append(events, k) })

	res := h.Execute(context.Background(), core.ApprovedToolCall{InvocationID: "x", Call: core.ToolCall{Name: "fs.read"}})
	if res.Success || !strings.Contains(res.OutputString(), "not today") {
		t.Errorf("result = %s, want hook block", res.Output)
	}
	if len(tool.inputs) != 0 {
		t.Error("blocked tool must not run")
	}
	if len(events) != 1 {
		t.Fatalf("got %d journal events, want 1", len(events))
	}
	he := events[0].(journal.HookExecuted)
	if he.Phase != "pre_tool_use" || he.ExitCode == nil || *he.ExitCode != 2 {
		t.Errorf("hook event = %+v", he)
	}
}

func TestHost_PreToolHookRewritesInput(t *testing.T) {
	tool := &stubTool{name: "fs.read", out: "data"}
	h := newTestHost(t, nil, tool)
	h.hooks = NewHooks(h.workspace.Root(), config.HooksConfig{
		PreToolUse: []string{`echo '{"updatedInput":{"path":"b.go"}}'`},
	}, nil)

	res := h.Execute(context.Background(), core.ApprovedToolCall{Call: core.ToolCall{Name: "fs.read", Args: map[string]any{"path": "a.go"}}})
	if !res.Success {
		t.Fatalf("result = %s", res.Output)
	}
	if len(tool.inputs) != 1 || tool.inputs[0]["path"] != "b.go" {
		t.Errorf("tool inputs = %v, want rewritten path", tool.inputs)
	}
}

func TestHost_Definitions(t *testing.T) {
	h := newTestHost(t, func(c *config.Config) { c.Policy.ReviewMode = "strict" },
		&stubTool{name: "fs.read"}, &stubTool{name: "fs.write"}, &stubTool{name: "bash.run"})
	defs := h.Definitions(false)
	if len(defs) != 1 || defs[0].Name != "fs_read" {
		t.Errorf("review strict definitions = %+v, want fs_read only", defs)
	}

	h = newTestHost(t, nil, &stubTool{name: "fs.read"}, &stubTool{name: "fs.write"})
	if got := len(h.Definitions(false)); got != 2 {
		t.Errorf("got %d definitions, want 2", got)
	}
	if got := len(h.Definitions(true)); got != 1 {
		t.Errorf("got %d read-only definitions, want 1", got)
	}
}

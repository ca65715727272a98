package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
)

func TestHooks_NilSafe(t *testing.T) {
	var h *Hooks
	if res := h.Fire(context.Background(), PhaseStop, HookInput{}); res.Blocked || len(res.Runs) != 0 {
		t.Errorf("nil hooks Fire() = %+v", res)
	}
}

func TestHooks_ReceivesPayload(t *testing.T) {
	dir := t.TempDir()
	h := NewHooks(dir, config.HooksConfig{PostToolUse: []string{"cat > payload.json"}}, nil)

	res := h.Fire(context.Background(), PhasePostToolUse, HookInput{ToolName: "fs.read", ToolInput: map[string]any{"path": "a"}})
	if len(res.Runs) != 1 || !res.Runs[0].Success {
		t.Fatalf("runs = %+v", res.Runs)
	}
	data, err := os.ReadFile(filepath.Join(dir, "payload.json"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"event":"post_tool_use"`, `"tool_name":"fs.read"`, `"workspace":`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("payload %s missing %s", data, want)
		}
	}
}

func TestHooks_BlockingRules(t *testing.T) {
	tests := []struct {
		name      string
		phase     HookPhase
		cfg       config.HooksConfig
		blocked   bool
		runs      int
		reason    string
		additions int
	}{
		{
			name:    "exit 2 blocks pre tool use",
			phase:   PhasePreToolUse,
			cfg:     config.HooksConfig{PreToolUse: []string{"exit 2", "echo never"}},
			blocked: true,
			runs:    1,
		},
		{
			name:    "decision block",
			phase:   PhasePreToolUse,
			cfg:     config.HooksConfig{PreToolUse: []string{`echo '{"decision":"block","reason":"nope"}'`}},
			blocked: true,
			runs:    1,
			reason:  "nope",
		},
		{
			name:  "other failures do not block",
			phase: PhasePreToolUse,
			cfg:   config.HooksConfig{PreToolUse: []string{"exit 1", "true"}},
			runs:  2,
		},
		{
			name:  "stop hooks never block",
			phase: PhaseStop,
			cfg:   config.HooksConfig{Stop: []string{"exit 2"}},
			runs:  1,
		},
		{
			name:      "additional context collected",
			phase:     PhaseSessionStart,
			cfg:       config.HooksConfig{SessionStart: []string{`echo '{"additionalContext":"use tabs"}'`, `echo '{"additionalContext":"be brief"}'`}},
			runs:      2,
			additions: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHooks(t.TempDir(), tt.cfg, nil)
			res := h.Fire(context.Background(), tt.phase, HookInput{})
			if res.Blocked != tt.blocked || len(res.Runs) != tt.runs {
				t.Errorf("Fire() blocked=%v runs=%d, want %v/%d", res.Blocked, len(res.Runs), tt.blocked, tt.runs)
			}
			if res.BlockReason != tt.reason {
				t.Errorf("BlockReason = %q, want %q", res.BlockReason, tt.reason)
			}
			if len(res.AdditionalContext) != tt.additions {
				t.Errorf("AdditionalContext = %v", res.AdditionalContext)
			}
		})
	}
}

func TestHooks_Timeout(t *testing.T) {
	var got []journal.Kind
	h := NewHooks(t.TempDir(), config.HooksConfig{Stop: []string{"sleep 5"}}, func(k journal.Kind) { got = append(got, k) })
	h.timeout = 100 * time.Millisecond

	res := h.Fire(context.Background(), PhaseStop, HookInput{})
	if len(res.Runs) != 1 || !res.Runs[0].TimedOut || res.Runs[0].Success {
		t.Errorf("runs = %+v, want timed out", res.Runs)
	}
	if len(got) != 1 || !got[0].(journal.HookExecuted).TimedOut {
		t.Errorf("journal events = %+v", got)
	}
}

func TestHooks_RewrittenInputIsRechecked(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		args    map[string]any
		rewrite string
	}{
		{"path escapes workspace", "fs.read", map[string]any{"path": "a.txt"}, `{"updatedInput":{"path":"../outside.txt"}}`},
		{"secret path", "fs.read", map[string]any{"path": "a.txt"}, `{"updatedInput":{"path":".env"}}`},
		{"denied command", "bash.run", map[string]any{"cmd": "ls"}, `{"updatedInput":{"cmd":"rm -rf build"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &stubTool{name: tt.tool, out: "ran"}
			h := newTestHost(t, nil, tool)
			h.hooks = NewHooks(h.workspace.Root(), config.HooksConfig{
				PreToolUse: []string{"echo '" + tt.rewrite + "'"},
			}, nil)

			res := h.Execute(context.Background(), core.ApprovedToolCall{
				InvocationID: "inv-1",
				Call:         core.ToolCall{Name: tt.tool, Args: tt.args},
			})
			if res.Success {
				t.Fatalf("rewritten call ran: %s", res.Output)
			}
			if !strings.Contains(res.OutputString(), "denied call") {
				t.Errorf("output = %s, want policy denial", res.Output)
			}
			if len(tool.inputs) != 0 {
				t.Errorf("tool ran with %v", tool.inputs)
			}
		})
	}
}

package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// HookPhase names when a hook runs.
type HookPhase string

const (
	PhasePreToolUse   HookPhase = "pre_tool_use"
	PhasePostToolUse  HookPhase = "post_tool_use"
	PhaseSessionStart HookPhase = "session_start"
	PhaseStop         HookPhase = "stop"
)

const defaultHookTimeout = 30 * time.Second

// HookInput is the JSON document written to a hook's stdin.
type HookInput struct {
	Event      string         `json:"event"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolResult any            `json:"tool_result,omitempty"`
	Workspace  string         `json:"workspace"`
}

// HookOutput is the optional JSON a hook prints on stdout.
type HookOutput struct {
	Decision          string         `json:"decision,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	UpdatedInput      map[string]any `json:"updatedInput,omitempty"`
	AdditionalContext string         `json:"additionalContext,omitempty"`
}

// HookRun is the outcome of one hook command.
type HookRun struct {
	Command  string     `json:"command"`
	Success  bool       `json:"success"`
	TimedOut bool       `json:"timed_out"`
	ExitCode *int       `json:"exit_code"`
	Output   HookOutput `json:"output"`
	Blocked  bool       `json:"blocked"`
}

// HookResult aggregates every hook run for one phase.
type HookResult struct {
	Runs              []HookRun
	Blocked           bool
	BlockReason       string
	UpdatedInput      map[string]any
	AdditionalContext []string
}

// EventSink receives journal events produced outside the engine.
type EventSink func(journal.Kind)

// Hooks runs configured shell commands around tool calls and sessions.
type Hooks struct {
	workspace string
	cfg       config.HooksConfig
	timeout   time.Duration
	emit      EventSink
}

// NewHooks creates a hook runner. emit may be nil.
func NewHooks(workspace string, cfg config.HooksConfig, emit EventSink) *Hooks {
	timeout := defaultHookTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Hooks{workspace: workspace, cfg: cfg, timeout: timeout, emit: emit}
}

func (h *Hooks) commands(phase HookPhase) []string {
	switch phase {
	case PhasePreToolUse:
		return h.cfg.PreToolUse
	case PhasePostToolUse:
		return h.cfg.PostToolUse
	case PhaseSessionStart:
		return h.cfg.SessionStart
	case PhaseStop:
		return h.cfg.Stop
	}
	return nil
}

// Fire runs every hook for phase in order. Only pre_tool_use hooks can
// block; the first blocking hook stops the rest.
func (h *Hooks) Fire(ctx context.Context, phase HookPhase, input HookInput) HookResult {
	var result HookResult
	if h == nil {
		return result
	}
	input.Event = string(phase)
	input.Workspace = h.workspace
	payload, err := json.Marshal(input)
	if err != nil {
		logging.Warn("hook input not encodable", logging.Error(err))
		return result
	}

	for _, command := range h.commands(phase) {
		run := h.run(ctx, command, payload)
		if phase != PhasePreToolUse {
			run.Blocked = false
		}
		result.Runs = append(result.Runs, run)
		if h.emit != nil {
			h.emit(journal.HookExecuted{
				Phase: string(phase), HookPath: command,
				Success: run.Success, TimedOut: run.TimedOut, ExitCode: run.ExitCode,
			})
		}
		logging.LogEvent(logging.EventHookRun,
			logging.F("phase", string(phase)), logging.F("hook", command),
			logging.Success(run.Success), logging.F("blocked", run.Blocked))

		if run.Output.UpdatedInput != nil {
			result.UpdatedInput = run.Output.UpdatedInput
		}
		if run.Output.AdditionalContext != "" {
			result.AdditionalContext = append(result.AdditionalContext, run.Output.AdditionalContext)
		}
		if run.Blocked {
			result.Blocked = true
			result.BlockReason = run.Output.Reason
			break
		}
	}
	return result
}

func (h *Hooks) run(ctx context.Context, command string, payload []byte) HookRun {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	res, err := runProcess(ctx, "sh", []string{"-c", command}, h.workspace, payload)
	run := HookRun{Command: command, TimedOut: res.TimedOut, ExitCode: res.Status}
	if err != nil {
		logging.Warn("hook failed to start", logging.F("hook", command), logging.Error(err))
		return run
	}
	run.Success = res.Success()
	if out := strings.TrimSpace(res.Stdout); strings.HasPrefix(out, "{") {
		_ = json.Unmarshal([]byte(out), &run.Output)
	}
	blockedByExit := res.Status != nil && *res.Status == 2
	run.Blocked = blockedByExit || run.Output.Decision == "block"
	return run
}

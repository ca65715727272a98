package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/policy"
)

// ExecObserver is told about every tool the host runs.
type ExecObserver func(name string, d time.Duration, success bool)

// Host executes approved tool calls. Callers only reach Execute with an
// ApprovedToolCall, so policy is re-checked only when a pre_tool_use hook
// rewrites the input. It enforces review mode and runs hooks around every
// call.
type Host struct {
	workspace *Workspace
	registry  *Registry
	policy    *policy.Engine
	hooks     *Hooks
	observer  ExecObserver
}

// NewHost wires a registry to the policy engine and hooks. hooks may be nil.
func NewHost(ws *Workspace, registry *Registry, engine *policy.Engine, hooks *Hooks) *Host {
	return &Host{workspace: ws, registry: registry, policy: engine, hooks: hooks}
}

// SetObserver installs fn to be called after each execution.
func (h *Host) SetObserver(fn ExecObserver) { h.observer = fn }

// Policy returns the engine the host proposes through.
func (h *Host) Policy() *policy.Engine { return h.policy }

// Registry returns the tool registry.
func (h *Host) Registry() *Registry { return h.registry }

// Propose pre-classifies call. Approved is true for AutoApproved and
// Allowed verdicts; the caller must ask the user otherwise.
func (h *Host) Propose(call core.ToolCall) core.ToolProposal {
	call.Name = core.ToInternalName(call.Name)
	decision := h.policy.DryRun(call)
	call.RequiresApproval = decision.Verdict == policy.NeedsApproval
	logging.LogEvent(logging.EventToolProposed,
		logging.ToolName(call.Name), logging.F("verdict", decision.Verdict.String()))
	return core.ToolProposal{
		InvocationID: uuid.Must(uuid.NewV7()).String(),
		Call:         call,
		Approved:     decision.Approved(),
	}
}

// Decide returns the full policy decision for call, including the denial
// reason.
func (h *Host) Decide(call core.ToolCall) policy.Decision {
	call.Name = core.ToInternalName(call.Name)
	return h.policy.DryRun(call)
}

// Approve turns a proposal into an executable call. It is the only way to
// build an ApprovedToolCall from a proposal.
func Approve(p core.ToolProposal) core.ApprovedToolCall {
	return core.ApprovedToolCall{InvocationID: p.InvocationID, Call: p.Call}
}

func errorResult(id string, err error) core.ToolResult {
	return core.ToolResult{InvocationID: id, Success: false, Output: core.RawJSON(map[string]string{"error": err.Error()})}
}

// Execute runs approved. Failures become unsuccessful results, never Go
// errors, so the loop can feed them back to the model.
func (h *Host) Execute(ctx context.Context, approved core.ApprovedToolCall) core.ToolResult {
	call := approved.Call
	name := core.ToInternalName(call.Name)
	id := approved.InvocationID

	if core.IsAgentLevelName(name) {
		return errorResult(id, fmt.Errorf("tool '%s' is handled by the agent loop, not the tool host", name))
	}
	if t, ok := core.ToolFromInternal(name); ok && h.policy.Review() == policy.ReviewStrict && t.IsReviewBlocked() {
		return errorResult(id, buderr.PolicyDenied(fmt.Sprintf("tool '%s' is blocked during review mode (read-only pipeline)", name)))
	}

	args := call.Args
	pre := h.hooks.Fire(ctx, PhasePreToolUse, HookInput{ToolName: name, ToolInput: args})
	if pre.Blocked {
		logging.LogEvent(logging.EventToolBlocked, logging.ToolName(name), logging.Reason(pre.BlockReason))
		msg := "blocked by hook"
		if pre.BlockReason != "" {
			msg += ": " + pre.BlockReason
		}
		return errorResult(id, buderr.PolicyDenied(msg))
	}
	if pre.UpdatedInput != nil {
		rewritten := core.ToolCall{Name: name, Args: pre.UpdatedInput}
		if d := h.policy.DryRun(rewritten); d.Verdict == policy.Denied {
			logging.LogEvent(logging.EventToolBlocked, logging.ToolName(name), logging.Reason(d.Reason))
			return errorResult(id, buderr.PolicyDenied("hook rewrote input into a denied call: "+d.Reason))
		}
		args = pre.UpdatedInput
	}

	tool, ok := h.registry.Get(name)
	if !ok {
		return errorResult(id, buderr.ToolNotFound(name))
	}

	start := time.Now()
	out, err := tool.Execute(ctx, args)
	elapsed := time.Since(start)
	logging.GlobalMetrics().RecordToolCall(name, elapsed, err)
	if h.observer != nil {
		h.observer(name, elapsed, err == nil)
	}

	var result core.ToolResult
	if err != nil {
		logging.Debug("tool failed", logging.ToolName(name), logging.InvocationID(id), logging.Error(err))
		result = errorResult(id, fmt.Errorf("%s", h.policy.Redact(err.Error())))
	} else {
		result = core.ToolResult{InvocationID: id, Success: true, Output: h.redactJSON(core.RawJSON(out))}
	}
	logging.LogEvent(logging.EventToolComplete,
		logging.ToolName(name), logging.InvocationID(id), logging.Success(result.Success), logging.Duration(elapsed))

	h.hooks.Fire(ctx, PhasePostToolUse, HookInput{ToolName: name, ToolInput: args, ToolResult: result.Output})
	return result
}

// redactJSON applies redaction to every string inside the encoded output so
// a pattern that swallows a quote cannot corrupt the document.
func (h *Host) redactJSON(raw json.RawMessage) json.RawMessage {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return core.RawJSON(h.policy.Redact(string(raw)))
	}
	return core.RawJSON(h.redactValue(v))
}

func (h *Host) redactValue(v any) any {
	switch x := v.(type) {
	case string:
		return h.policy.Redact(x)
	case []any:
		for i := range x {
			x[i] = h.redactValue(x[i])
		}
	case map[string]any:
		for k, item := range x {
			x[k] = h.redactValue(item)
		}
	}
	return v
}

// SessionHooks runs the session_start hooks.
func (h *Host) SessionHooks(ctx context.Context) HookResult {
	return h.hooks.Fire(ctx, PhaseSessionStart, HookInput{})
}

// StopHooks runs the stop hooks.
func (h *Host) StopHooks(ctx context.Context) HookResult {
	return h.hooks.Fire(ctx, PhaseStop, HookInput{})
}

// Definitions returns the tool definitions offered to the model. readOnly
// restricts them to read-only tools; review-strict mode always does.
func (h *Host) Definitions(readOnly bool) []Definition {
	names := h.policy.FilterTools(h.registry.Names())
	if readOnly {
		filtered := names[:0:0]
		for _, n := range names {
			if core.IsReadOnlyName(n) {
				filtered = append(filtered, n)
			}
		}
		names = filtered
	}
	return h.registry.Definitions(names)
}

package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/agentloop"
	"github.com/abdul-hamid-achik/codingbuddy/internal/autopilot"
	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/promptcache"
	"github.com/abdul-hamid-achik/codingbuddy/internal/references"
	"github.com/abdul-hamid-achik/codingbuddy/internal/subagent"
	"github.com/abdul-hamid-achik/codingbuddy/internal/telemetry"
	"github.com/abdul-hamid-achik/codingbuddy/internal/toolloop"
)

const (
	modeChat      = "chat"
	modeEdit      = "edit"
	modeAutopilot = "autopilot"
)

// reviewSystemPrompt keeps read-only sessions short.
const reviewSystemPrompt = `You are codingbuddy in review mode. You can read the workspace but not change it.

TOOLS: index_query (ranked search), fs_grep, fs_read, fs_list, git_diff, git_show
STRATEGY: index_query or fs_grep first, then fs_read for context

Be concise. Cite file:line in answers.`

const chatSystemPrompt = `You are codingbuddy, a coding agent working inside the user's repository.

## Working rules
- Explore before editing: index_query or fs_grep to find code, fs_read to confirm it.
- Prefer fs_edit for targeted changes and patch_stage/patch_apply for multi-file diffs.
- Run the project's tests with bash_run after changing code and report the result.
- Hand genuinely hard reasoning to think_deeply instead of guessing.
- Ask with user_question when the request is ambiguous.

## Output
Keep answers short. Reference files as path:line. Do not repeat file contents the user can read.`

// ChatOptions alter one Chat call.
type ChatOptions struct {
	// ReadOnly offers only read-only tools.
	ReadOnly  bool
	MaxThink  bool
	NonUrgent bool
}

// Chat answers prompt through the tool-use loop.
func (e *Engine) Chat(ctx context.Context, prompt string, opts ChatOptions) (*toolloop.Result, error) {
	start := e.now()
	sess, err := e.EnsureSession(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartRunSpan(ctx, sess.ID, modeChat)
	defer span.End()
	e.metrics.RunStarted(ctx, modeChat)
	if opts.NonUrgent {
		ctx = promptcache.NonUrgent(ctx)
	}

	e.host.SessionHooks(ctx)
	if err := e.emit(ctx, sess.ID, journal.TurnAdded{Role: "user", Content: prompt}); err != nil {
		return nil, err
	}

	lo := toolloop.OptionsFromConfig(e.cfg)
	lo.ReadOnly = opts.ReadOnly
	lo.System = e.systemPrompt(opts.ReadOnly)
	lo.Skills = e.skills
	if opts.MaxThink {
		lo.Model = e.cfg.LLM.MaxThinkModel
	}
	loop := toolloop.New(e.client, e.host, lo, toolloop.Callbacks{
		OnChunk: e.h.OnChunk,
		Approve: func(ctx context.Context, p core.ToolProposal) (bool, error) {
			return e.approve(ctx, p)
		},
		AskUser:    e.h.AskUser,
		Checkpoint: e.checkpointFn,
		Emit:       e.sink(ctx, sess.ID),
	})
	res, err := loop.Run(ctx, e.expand(prompt))
	e.host.StopHooks(ctx)
	if err != nil {
		e.metrics.RunFinished(ctx, modeChat, false, e.now().Sub(start))
		return nil, err
	}
	if err := e.emit(ctx, sess.ID, journal.TurnAdded{Role: "assistant", Content: res.Response}); err != nil {
		return nil, err
	}
	e.metrics.RunFinished(ctx, modeChat, true, e.now().Sub(start))
	logging.Info("chat finished", logging.SessionID(sess.ID), logging.Count(res.Turns),
		logging.F("tool_calls", res.ToolCalls), logging.F("finish_reason", res.FinishReason))
	return res, nil
}

// systemPrompt appends every memory source to the base prompt.
func (e *Engine) systemPrompt(readOnly bool) string {
	base := chatSystemPrompt
	if readOnly {
		base = reviewSystemPrompt
	}
	mem, err := e.memory.Combined()
	if err != nil {
		logging.Debug("memory unavailable for system prompt", logging.Error(err))
		return base
	}
	if strings.TrimSpace(mem) == "" {
		return base
	}
	return base + "\n\n## Memory\n" + mem
}

// expand resolves @-references and redacts secrets.
func (e *Engine) expand(prompt string) string {
	expanded, err := references.Expand(e.workspace, prompt)
	if err != nil {
		logging.Debug("reference expansion failed", logging.Error(err))
		expanded = prompt
	}
	return e.policy.Redact(expanded)
}

// EditOptions alter one Edit call.
type EditOptions struct {
	PlanOnly bool
	MaxThink bool
}

// Edit runs prompt through the architect/editor loop, which plans, writes
// a diff, applies it and verifies the result.
func (e *Engine) Edit(ctx context.Context, prompt string, opts EditOptions) (*agentloop.Outcome, error) {
	start := e.now()
	sess, err := e.EnsureSession(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartRunSpan(ctx, sess.ID, modeEdit)
	defer span.End()
	e.metrics.RunStarted(ctx, modeEdit)

	e.host.SessionHooks(ctx)
	if err := e.emit(ctx, sess.ID, journal.TurnAdded{Role: "user", Content: prompt}); err != nil {
		return nil, err
	}
	d := &delegation{
		sessionID: sess.ID,
		plan:      &core.Plan{Goal: prompt},
		lanes:     map[string]lane{},
		team:      subagent.NewTeam(e.scheduler),
	}
	runner := agentloop.New(e.cfg.AgentLoop, agentloop.Deps{
		LLM:       e.client,
		Host:      e.host,
		Workspace: e.ws,
		Index:     e.index,
		Scheduler: e.scheduler,
		Subagent:  e.subagentWorker(d),
		Runs:      e.store,
	}, agentloop.Callbacks{
		Approve: func(ctx context.Context, p core.ToolProposal) (bool, error) {
			return e.approve(ctx, p)
		},
		AskUser:    e.h.AskUser,
		Checkpoint: e.checkpointFn,
		Emit:       e.sink(ctx, sess.ID),
		OnState: func(s core.RunState) {
			logging.Debug("edit run state", logging.SessionID(sess.ID), logging.F("state", string(s)))
		},
	})

	ro := agentloop.OptionsFromConfig(e.cfg)
	ro.SessionID = sess.ID
	ro.PlanOnly = opts.PlanOnly
	ro.MaxThink = opts.MaxThink
	out, err := runner.Run(ctx, e.expand(prompt), ro)
	e.host.StopHooks(ctx)
	e.metrics.RunFinished(ctx, modeEdit, err == nil && out.Verified, e.now().Sub(start))
	if err != nil {
		return nil, err
	}
	if err := e.emit(ctx, sess.ID, journal.TurnAdded{Role: "assistant", Content: out.Response}); err != nil {
		return nil, err
	}
	return out, nil
}

// runOnceRunner drives RunOnce from the autopilot loop. An unsuccessful
// run is an iteration failure.
type runOnceRunner struct {
	e    *Engine
	opts RunOptions
}

func (r runOnceRunner) RunOnce(ctx context.Context, prompt string) (string, error) {
	s, err := r.e.RunOnce(ctx, prompt, r.opts)
	if err != nil {
		return "", err
	}
	if !s.Success {
		return s.String(), fmt.Errorf("run failed: execution_failures=%d verification_failures=%d",
			s.ExecutionFailures, s.VerificationFailures)
	}
	return s.String(), nil
}

// Autopilot repeats RunOnce until a stop condition. Output, when set,
// sees each iteration.
func (e *Engine) Autopilot(ctx context.Context, opts autopilot.Options, run RunOptions, output func(uint64, string, error)) (autopilot.Summary, error) {
	sess, err := e.EnsureSession(ctx)
	if err != nil {
		return autopilot.Summary{}, err
	}
	ctx, span := telemetry.StartAutopilotSpan(ctx, sess.ID)
	defer span.End()
	opts.SessionID = sess.ID

	loop := autopilot.New(runOnceRunner{e: e, opts: run}, opts,
		autopilot.WithStore(e.store),
		autopilot.WithEvents(e.sink(ctx, sess.ID)),
		autopilot.WithClock(e.now))
	loop.Output = output
	start := e.now()
	summary, err := loop.Run(ctx)
	e.metrics.RunFinished(ctx, modeAutopilot, err == nil && summary.Err() == nil, e.now().Sub(start))
	return summary, err
}

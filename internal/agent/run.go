package agent

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/memory"
	"github.com/abdul-hamid-achik/codingbuddy/internal/planner"
	"github.com/abdul-hamid-achik/codingbuddy/internal/router"
	"github.com/abdul-hamid-achik/codingbuddy/internal/session"
	"github.com/abdul-hamid-achik/codingbuddy/internal/telemetry"
	"github.com/abdul-hamid-achik/codingbuddy/internal/tools"
)

const modeRunOnce = "run_once"

// RunOptions alter one RunOnce call.
type RunOptions struct {
	// AllowTools pre-approves every proposal the step executor makes.
	AllowTools    bool
	ForceMaxThink bool
	NonUrgent     bool
}

// Summary is the projection-derived result of RunOnce.
type Summary struct {
	SessionID            string
	Steps                int
	ExecutionFailures    int
	VerificationFailures int
	Subagents            int
	RouterModels         []string
	BaseModel            string
	MaxModel             string
	Success              bool
}

// Failures is the total failure count.
func (s Summary) Failures() int { return s.ExecutionFailures + s.VerificationFailures }

func (s Summary) String() string {
	return fmt.Sprintf("session=%s steps=%d failures=%d subagents=%d router_models=[%s] base_model=%s max_model=%s",
		s.SessionID, s.Steps, s.Failures(), s.Subagents, strings.Join(s.RouterModels, " "), s.BaseModel, s.MaxModel)
}

// execution is what the step loop reports back.
type execution struct {
	failureStreak int
	failed        bool
}

// RunOnce plans prompt, fans plan steps out to subagents, executes each
// step through the tool host, runs the plan's verification commands and
// records the outcome in memory.
func (e *Engine) RunOnce(ctx context.Context, prompt string, opts RunOptions) (*Summary, error) {
	start := e.now()
	sess, err := e.EnsureSession(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartRunSpan(ctx, sess.ID, modeRunOnce)
	defer span.End()
	e.metrics.RunStarted(ctx, modeRunOnce)

	e.host.SessionHooks(ctx)
	if err := e.emit(ctx, sess.ID, journal.TurnAdded{Role: "user", Content: prompt}); err != nil {
		return nil, err
	}
	plan, err := e.PlanOnly(ctx, prompt, PlanOptions{ForceMaxThink: opts.ForceMaxThink, NonUrgent: opts.NonUrgent})
	if err != nil {
		return nil, err
	}
	if sess, err = e.EnsureSession(ctx); err != nil {
		return nil, err
	}
	if err := e.transition(ctx, sess, session.StatusExecutingStep); err != nil {
		return nil, err
	}

	notes, subagents := e.runSubagents(ctx, sess.ID, plan)
	goal := augmentGoal(plan.Goal, notes)
	if len(notes) > 0 {
		if err := e.emit(ctx, sess.ID, journal.TurnAdded{Role: "assistant", Content: "[subagents]\n" + summarizeNotes(notes)}); err != nil {
			return nil, err
		}
	}

	exec, err := e.executeSteps(ctx, sess, prompt, plan, goal, opts)
	if err != nil {
		return nil, err
	}
	verifyFailures, err := e.verify(ctx, sess, plan, opts.AllowTools, exec.failed)
	if err != nil {
		return nil, err
	}
	if verifyFailures > 0 {
		if err := e.verificationDecision(ctx, sess.ID, prompt, exec.failureStreak, verifyFailures); err != nil {
			return nil, err
		}
	}
	if e.cfg.Telemetry.Enabled {
		e.sink(ctx, sess.ID)(journal.TelemetryEvent{Name: modeRunOnce, Properties: map[string]any{
			"failure_streak":        exec.failureStreak,
			"verification_failures": verifyFailures,
			"plan_steps":            len(plan.Steps),
		}})
	}

	success := !exec.failed && verifyFailures == 0
	final := session.StatusCompleted
	if !success {
		final = session.StatusFailed
	}
	if err := e.transition(ctx, sess, final); err != nil {
		return nil, err
	}
	if err := e.outcomes.Record(prompt, len(plan.Steps), exec.failureStreak, verifyFailures, success); err != nil {
		logging.Warn("failed to record objective outcome", logging.Error(err))
	}
	e.host.StopHooks(ctx)

	proj, err := e.store.RebuildFromEvents(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	summary := &Summary{
		SessionID:            sess.ID,
		Steps:                len(proj.StepStatus),
		ExecutionFailures:    exec.failureStreak,
		VerificationFailures: verifyFailures,
		Subagents:            subagents,
		RouterModels:         proj.RouterModels,
		BaseModel:            e.cfg.LLM.BaseModel,
		MaxModel:             e.cfg.LLM.MaxThinkModel,
		Success:              success,
	}
	e.observe(prompt, plan, summary, exec.failed)
	e.metrics.RunFinished(ctx, modeRunOnce, success, e.now().Sub(start))
	logging.LogEvent(logging.EventSessionEnd, logging.SessionID(sess.ID), logging.Success(success),
		logging.DurationSince(start))
	return summary, nil
}

// executeSteps runs steps in order. A failed step triggers a plan
// revision while the revision budget lasts, and execution restarts from
// the first step of the revised plan.
func (e *Engine) executeSteps(ctx context.Context, sess *session.Session, prompt string, plan *core.Plan, goal string, opts RunOptions) (execution, error) {
	var exec execution
	revisions := max(e.router.MaxEscalations(), 1)
	maxTurns := e.cfg.Context.MaxTurns
	turns := 0

	for cursor := 0; cursor < len(plan.Steps); {
		turns++
		if maxTurns > 0 && turns > maxTurns {
			logging.Warn("run turn limit reached", logging.SessionID(sess.ID), logging.Count(maxTurns))
			exec.failed = true
			break
		}

		step := plan.Steps[cursor]
		ok, note, err := e.executeStep(ctx, sess, step, goal, opts.AllowTools)
		if err != nil {
			return exec, err
		}
		plan.Steps[cursor].Done = ok
		logging.LogEvent(logging.EventStepMark, logging.SessionID(sess.ID),
			logging.F("step_id", step.StepID), logging.Success(ok))
		if err := e.emit(ctx, sess.ID, journal.StepMarked{StepID: step.StepID, Done: ok, Note: note}); err != nil {
			return exec, err
		}
		if ok {
			cursor++
			continue
		}

		exec.failureStreak++
		if revisions == 0 {
			exec.failed = true
			break
		}
		revisions--
		revised := e.revisePlan(ctx, sess.ID, prompt, plan, exec.failureStreak, note, opts.NonUrgent)
		if err := e.persistPlan(ctx, sess, revised, true); err != nil {
			return exec, err
		}
		*plan = *revised
		cursor = 0
	}
	return exec, nil
}

// executeStep proposes the step's calls, gates the ones policy did not
// approve, and executes them, in parallel when all are read-only.
func (e *Engine) executeStep(ctx context.Context, sess *session.Session, step core.PlanStep, goal string, allowTools bool) (bool, string, error) {
	calls := e.callsForStep(step, goal)
	if len(calls) == 0 {
		return false, "no executable tools for step", nil
	}

	emit := e.sink(ctx, sess.ID)
	proposals := make([]core.ToolProposal, 0, len(calls))
	for _, call := range calls {
		p := e.host.Propose(call)
		emit(journal.ToolProposed{Proposal: p})
		proposals = append(proposals, p)
	}

	for i, p := range proposals {
		if p.Approved {
			continue
		}
		if d := e.host.Decide(p.Call); d.Err() != nil {
			emit(journal.ToolDenied{InvocationID: p.InvocationID, ToolName: p.Call.Name, Reason: d.Reason})
			return false, fmt.Sprintf("policy denied %s: %s", p.Call.Name, d.Reason), nil
		}
		if allowTools {
			continue
		}
		ok, err := e.askApproval(ctx, sess, p)
		if err != nil {
			return false, "", err
		}
		if !ok {
			emit(journal.ToolDenied{InvocationID: p.InvocationID, ToolName: p.Call.Name, Reason: "approval required"})
			return false, "approval required for " + p.Call.Name, nil
		}
		proposals[i].Approved = true
	}

	for _, p := range proposals {
		emit(journal.ToolApproved{InvocationID: p.InvocationID})
	}
	results := e.executeProposals(ctx, proposals)
	var notes []string
	for i, r := range results {
		emit(journal.ToolResultRecorded{Result: r})
		e.patchEvents(emit, proposals[i].Call.Name, r)
		notes = append(notes, proposals[i].Call.Name+" => "+r.OutputString())
		if !r.Success {
			return false, strings.Join(notes, "\n"), nil
		}
	}
	return true, strings.Join(notes, "\n"), nil
}

// askApproval parks the session in AwaitingApproval around the prompt.
func (e *Engine) askApproval(ctx context.Context, sess *session.Session, p core.ToolProposal) (bool, error) {
	prev := sess.Status
	gated := session.CanTransition(prev, session.StatusAwaitingApproval)
	if gated {
		if err := e.transition(ctx, sess, session.StatusAwaitingApproval); err != nil {
			return false, err
		}
	}
	ok, askErr := e.approve(ctx, p)
	if gated {
		if err := e.transition(ctx, sess, prev); err != nil {
			return false, err
		}
	}
	return ok, askErr
}

// executeProposals runs proposals and returns results in proposal order.
func (e *Engine) executeProposals(ctx context.Context, proposals []core.ToolProposal) []core.ToolResult {
	results := make([]core.ToolResult, len(proposals))
	if parallelSafe(proposals) {
		var g errgroup.Group
		for i, p := range proposals {
			g.Go(func() error {
				results[i] = e.host.Execute(ctx, tools.Approve(p))
				return nil
			})
		}
		_ = g.Wait()
		return results
	}
	for i, p := range proposals {
		results[i] = e.host.Execute(ctx, tools.Approve(p))
		if !results[i].Success {
			return results[:i+1]
		}
	}
	return results
}

// patchEvents journals staging and application for patch tools.
func (e *Engine) patchEvents(emit func(journal.Kind), name string, r core.ToolResult) {
	if !r.Success {
		return
	}
	var out struct {
		PatchID    string   `json:"patch_id"`
		BaseSHA256 string   `json:"base_sha256"`
		Applied    bool     `json:"applied"`
		Conflicts  []string `json:"conflicts"`
	}
	if err := unmarshalOutput(r, &out); err != nil || out.PatchID == "" {
		return
	}
	switch name {
	case core.ToolPatchStage.Internal():
		emit(journal.PatchStaged{PatchID: out.PatchID, BaseSHA256: out.BaseSHA256})
	case core.ToolPatchApply.Internal():
		emit(journal.PatchApplied{PatchID: out.PatchID, Applied: out.Applied, Conflicts: out.Conflicts})
	}
}

// revisePlan asks the planner for a new plan after a step failure. When
// that fails the current plan is trimmed to its unfinished steps.
func (e *Engine) revisePlan(ctx context.Context, sessionID, prompt string, plan *core.Plan, streak int, detail string, nonUrgent bool) *core.Plan {
	sess, err := e.store.LoadSession(ctx, sessionID)
	if err == nil {
		p := &planning{
			sess:      sess,
			prompt:    prompt,
			maxTokens: int(sess.Budgets.MaxThinkTokens),
			nonUrgent: nonUrgent,
		}
		model := e.router.BaseModel()
		if streak > 1 || e.cfg.Router.AutoMaxThink {
			model = e.router.MaxThinkModel()
		}
		var text string
		if text, err = e.complete(ctx, p, planner.RevisionPrompt(prompt, plan, streak, detail), model); err == nil {
			if revised, ok := planner.Parse(text, prompt); ok {
				revised.PlanID = plan.PlanID
				revised.Version = plan.Version + 1
				return revised
			}
		}
	}
	logging.Debug("plan revision fell back to trimming", logging.Error(err))

	fallback := plan.Clone()
	fallback.Version++
	kept := fallback.Steps[:0]
	for _, s := range fallback.Steps {
		if !s.Done {
			kept = append(kept, s)
		}
	}
	fallback.Steps = kept
	fallback.RiskNotes = append(fallback.RiskNotes, "revision due to failure: "+detail)
	return &fallback
}

// verify runs the plan's verification commands through bash.run, each
// under the same approval gating as step calls.
func (e *Engine) verify(ctx context.Context, sess *session.Session, plan *core.Plan, allowTools, executionFailed bool) (int, error) {
	if executionFailed {
		return 0, nil
	}
	if err := e.transition(ctx, sess, session.StatusVerifying); err != nil {
		return 0, err
	}
	emit := e.sink(ctx, sess.ID)
	failures := 0
	for _, cmd := range plan.Verification {
		p := e.host.Propose(core.ToolCall{
			Name:             core.ToolBashRun.Internal(),
			Args:             map[string]any{"cmd": cmd},
			RequiresApproval: true,
		})
		emit(journal.ToolProposed{Proposal: p})
		ok, output := false, "approval required"
		approved := p.Approved || allowTools
		if d := e.host.Decide(p.Call); d.Err() != nil {
			approved, output = false, d.Err().Error()
		} else if !approved {
			var err error
			if approved, err = e.approve(ctx, p); err != nil {
				return failures, err
			}
		}
		if approved {
			emit(journal.ToolApproved{InvocationID: p.InvocationID})
			r := e.host.Execute(ctx, tools.Approve(p))
			emit(journal.ToolResultRecorded{Result: r})
			ok, output = r.Success, r.OutputString()
		} else {
			emit(journal.ToolDenied{InvocationID: p.InvocationID, ToolName: p.Call.Name, Reason: output})
		}
		logging.LogEvent(logging.EventVerifyRun, logging.SessionID(sess.ID), logging.F("command", cmd), logging.Success(ok))
		if err := e.emit(ctx, sess.ID, journal.VerificationRun{Command: cmd, Success: ok, Output: output}); err != nil {
			return failures, err
		}
		if !ok {
			failures++
		}
	}
	return failures, nil
}

// verificationDecision re-routes the planner after failed verification so
// the next run starts from an escalated decision.
func (e *Engine) verificationDecision(ctx context.Context, sessionID, prompt string, streak, failures int) error {
	signals := router.Signals(router.SignalInput{
		Prompt:               prompt,
		RepoBreadth:          0.6,
		FailureStreak:        streak,
		VerificationFailures: failures,
		LowConfidence:        0.5,
	})
	d := e.router.Select(core.UnitPlanner, signals, router.Options{})
	if err := e.emit(ctx, sessionID, journal.RouterDecisionMade{Decision: d}); err != nil {
		return err
	}
	if d.Escalated {
		return e.escalate(ctx, sessionID, "verification_failures")
	}
	return nil
}

// observe appends the run to the default agent's auto memory.
func (e *Engine) observe(prompt string, plan *core.Plan, s *Summary, executionFailed bool) {
	patterns := []string{fmt.Sprintf("steps=%d verification_failures=%d execution_failed=%t",
		len(plan.Steps), s.VerificationFailures, executionFailed)}
	if s.VerificationFailures > 0 {
		patterns = append(patterns, "verification failures require focused plan revision")
	}
	err := e.memory.AppendObservation(memory.DefaultAgent, memory.Observation{
		Objective: prompt,
		Summary:   s.String(),
		Success:   s.Success,
		Patterns:  patterns,
		At:        e.now().UTC(),
	})
	if err != nil {
		logging.Warn("failed to persist memory observation", logging.Error(err))
	}
}

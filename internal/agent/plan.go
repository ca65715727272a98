package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/planner"
	"github.com/abdul-hamid-achik/codingbuddy/internal/promptcache"
	"github.com/abdul-hamid-achik/codingbuddy/internal/router"
	"github.com/abdul-hamid-achik/codingbuddy/internal/session"
)

const (
	// Reason codes the engine adds on top of the router's own.
	reasonPlannerDefault = "planner_default_reasoner"
	reasonInvalidPlan    = "invalid_or_empty_plan"
	reasonQualityRetry   = "plan_quality_retry"
	reasonFeedbackRetry  = "verification_feedback_retry"

	matchingOutcomes     = 6
	feedbackWindow       = 12
	transcriptContext    = 6
	transcriptEntryLimit = 400
)

// PlanOptions alter model selection and scheduling for one request.
type PlanOptions struct {
	ForceMaxThink bool
	NonUrgent     bool
}

// planning carries one PlanOnly call.
type planning struct {
	sess        *session.Session
	prompt      string
	decision    core.RouterDecision
	escalations int
	maxTokens   int
	nonUrgent   bool
}

// PlanOnly produces a plan for prompt without executing it. The plan is
// repaired for quality and for recent verification failures, persisted,
// and journaled as PlanCreatedV1.
func (e *Engine) PlanOnly(ctx context.Context, prompt string, opts PlanOptions) (*core.Plan, error) {
	sess, err := e.EnsureSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.transition(ctx, sess, session.StatusPlanning); err != nil {
		return nil, err
	}

	request, err := e.plannerRequest(ctx, sess.ID, prompt)
	if err != nil {
		return nil, err
	}
	p := &planning{
		sess:      sess,
		prompt:    prompt,
		decision:  e.plannerDecision(prompt, opts.ForceMaxThink),
		maxTokens: int(sess.Budgets.MaxThinkTokens),
		nonUrgent: opts.NonUrgent,
	}
	if err := e.emit(ctx, sess.ID, journal.RouterDecisionMade{Decision: p.decision}); err != nil {
		return nil, err
	}
	logging.LogEvent(logging.EventRouterDecision, logging.SessionID(sess.ID),
		logging.Model(p.decision.SelectedModel), logging.F("score", p.decision.Score))
	if e.router.IsMaxThink(p.decision.SelectedModel) {
		p.escalations = 1
	}

	plan, err := e.initialPlan(ctx, p, request)
	if err != nil {
		return nil, err
	}

	outcomes, err := e.outcomes.Matching(prompt, matchingOutcomes)
	if err != nil {
		logging.Debug("objective outcomes unavailable", logging.Error(err))
	}
	budget := e.router.MaxEscalations()
	plan, qualityAttempts, qualityIssues, err := e.repairLoop(ctx, p, plan, budget, reasonQualityRetry,
		func(c *core.Plan) planner.Report {
			return planner.Combine(planner.AssessQuality(c, prompt), planner.AssessLongHorizon(c, prompt, outcomes))
		},
		func(c *core.Plan, r planner.Report) string { return planner.QualityRepairPrompt(prompt, c, r) })
	if err != nil {
		return nil, err
	}

	failures, err := e.store.RecentVerificationRuns(ctx, sess.ID, feedbackWindow, true)
	if err != nil {
		return nil, err
	}
	plan, feedbackAttempts, feedbackIssues, err := e.repairLoop(ctx, p, plan, budget, reasonFeedbackRetry,
		func(c *core.Plan) planner.Report { return planner.AssessFeedback(c, failures) },
		func(c *core.Plan, r planner.Report) string { return planner.FeedbackRepairPrompt(prompt, c, r, failures) })
	if err != nil {
		return nil, err
	}

	if plan == nil {
		plan = planner.Fallback(prompt)
	}
	if len(qualityIssues) > 0 {
		plan.RiskNotes = append(plan.RiskNotes, fmt.Sprintf("plan_quality_repairs=%d issues=%s",
			qualityAttempts, strings.Join(qualityIssues, " | ")))
	}
	if len(feedbackIssues) > 0 {
		plan.RiskNotes = append(plan.RiskNotes, fmt.Sprintf("verification_feedback_repairs=%d issues=%s",
			feedbackAttempts, strings.Join(feedbackIssues, " | ")))
	}

	if err := e.persistPlan(ctx, sess, plan, false); err != nil {
		return nil, err
	}
	return plan, nil
}

// plannerRequest augments the prompt with recent transcript, expands
// @-references and redacts secrets before wrapping it in the planner
// contract.
func (e *Engine) plannerRequest(ctx context.Context, sessionID, prompt string) (string, error) {
	augmented := prompt
	if proj, err := e.store.RebuildFromEvents(ctx, sessionID); err == nil && len(proj.Transcript) > 0 {
		recent := proj.Transcript[max(0, len(proj.Transcript)-transcriptContext):]
		var b strings.Builder
		b.WriteString(prompt)
		b.WriteString("\n\n[Recent conversation]\n")
		for _, line := range recent {
			b.WriteString("- ")
			b.WriteString(session.Truncate(line, transcriptEntryLimit))
			b.WriteByte('\n')
		}
		augmented = b.String()
	}
	return planner.Prompt(e.expand(augmented)), nil
}

// plannerDecision routes the planner call. force_max_think and
// auto_max_think both pin the reasoner.
func (e *Engine) plannerDecision(prompt string, forceMaxThink bool) core.RouterDecision {
	signals := router.Signals(router.SignalInput{Prompt: prompt, RepoBreadth: 0.5, LowConfidence: 0.2})
	d := e.router.Select(core.UnitPlanner, signals, router.Options{ForceMaxThink: forceMaxThink})
	if !forceMaxThink && e.cfg.Router.AutoMaxThink && !e.router.IsMaxThink(d.SelectedModel) {
		e.router.Escalate(&d, reasonPlannerDefault)
	}
	if d.Escalated {
		d.Confidence = max(d.Confidence, 0.9)
		d.Score = max(d.Score, e.cfg.Router.ThresholdHigh)
	}
	return d
}

// initialPlan asks for the first plan and, on an unparseable answer,
// retries once on the reasoner when escalation budget remains.
func (e *Engine) initialPlan(ctx context.Context, p *planning, request string) (*core.Plan, error) {
	text, err := e.complete(ctx, p, request, p.decision.SelectedModel)
	if err != nil {
		return nil, err
	}
	plan, ok := planner.Parse(text, p.prompt)
	if ok {
		return plan, nil
	}
	if !e.cfg.Router.AutoMaxThink || !e.router.ShouldEscalateRetry(core.UnitPlanner, true, p.escalations) {
		return nil, nil
	}
	if err := e.escalate(ctx, p.sess.ID, reasonInvalidPlan); err != nil {
		return nil, err
	}
	p.escalations++
	text, err = e.complete(ctx, p, planner.InvalidPlanPrompt(p.prompt), e.router.MaxThinkModel())
	if err != nil {
		return nil, err
	}
	plan, ok = planner.Parse(text, p.prompt)
	if !ok {
		return nil, nil
	}
	return plan, nil
}

// repairLoop re-prompts while assess rejects the plan and attempts
// remain. Exhausting the budget drops the plan so the caller falls back.
func (e *Engine) repairLoop(
	ctx context.Context,
	p *planning,
	plan *core.Plan,
	budget int,
	reason string,
	assess func(*core.Plan) planner.Report,
	repairPrompt func(*core.Plan, planner.Report) string,
) (*core.Plan, int, []string, error) {
	var attempts int
	var issues []string
	for plan != nil {
		report := assess(plan)
		if report.Acceptable {
			break
		}
		issues = report.Issues
		if attempts >= budget {
			plan = nil
			break
		}
		attempts++

		model := p.decision.SelectedModel
		if e.cfg.Router.AutoMaxThink && e.router.ShouldEscalateRetry(core.UnitPlanner, true, p.escalations) {
			if err := e.escalate(ctx, p.sess.ID, reason, fmt.Sprintf("quality_score_%.2f", report.Score)); err != nil {
				return nil, 0, nil, err
			}
			p.escalations++
			model = e.router.MaxThinkModel()
		}
		logging.LogEvent(logging.EventPlanRepair, logging.SessionID(p.sess.ID), logging.Reason(reason),
			logging.Iteration(attempts), logging.F("score", report.Score))

		text, err := e.complete(ctx, p, repairPrompt(plan, report), model)
		if err != nil {
			return nil, 0, nil, err
		}
		plan, _ = planner.Parse(text, p.prompt)
	}
	return plan, attempts, issues, nil
}

func (e *Engine) escalate(ctx context.Context, sessionID string, codes ...string) error {
	logging.LogEvent(logging.EventRouterEscalation, logging.SessionID(sessionID), logging.Reason(strings.Join(codes, ",")))
	return e.emit(ctx, sessionID, journal.RouterEscalation{ReasonCodes: codes})
}

// complete makes one planner call through the cached client and journals
// its usage.
func (e *Engine) complete(ctx context.Context, p *planning, prompt, model string) (string, error) {
	if p.nonUrgent {
		ctx = promptcache.NonUrgent(ctx)
	}
	req := llm.ChatRequest{
		Model:     model,
		System:    planner.SystemPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens: p.maxTokens,
	}
	resp, err := e.client.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	usage := journal.UsageUpdated{
		Unit:         core.UnitPlanner,
		Model:        model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage.InputTokens = uint64(llm.EstimateTokens(prompt))
		usage.OutputTokens = uint64(llm.EstimateTokens(resp.Content))
	}
	usage.CacheHitTokens = resp.Usage.CacheReadTokens
	usage.CacheMissTokens = usage.InputTokens - min(usage.InputTokens, usage.CacheHitTokens)
	if err := e.emit(ctx, p.sess.ID, usage); err != nil {
		return "", err
	}
	return resp.Content, nil
}

// persistPlan records plan as the session's active plan.
func (e *Engine) persistPlan(ctx context.Context, sess *session.Session, plan *core.Plan, revised bool) error {
	sess.ActivePlanID = plan.PlanID
	sess.UpdatedAt = e.now().UTC()
	if err := e.store.SaveSession(ctx, sess); err != nil {
		return err
	}
	logging.LogEvent(logging.EventPlanCreate, logging.SessionID(sess.ID),
		logging.F("plan_id", plan.PlanID), logging.F("version", plan.Version),
		logging.Count(len(plan.Steps)), logging.F("revised", revised))
	if revised {
		return e.emit(ctx, sess.ID, journal.PlanRevised{Plan: plan.Clone()})
	}
	return e.emit(ctx, sess.ID, journal.PlanCreated{Plan: plan.Clone()})
}

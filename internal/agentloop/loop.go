package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
	"github.com/abdul-hamid-achik/codingbuddy/internal/failure"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/policy"
	"github.com/abdul-hamid-achik/codingbuddy/internal/subagent"
	"github.com/abdul-hamid-achik/codingbuddy/internal/tools"
)

const (
	defaultThinkingBudget   = 16384
	architectAnswerTokens   = 4096
	editorMaxTokens         = 8192
	planSimilarityThreshold = 0.90
)

// RunSaver persists run records. *journal.Store implements it.
type RunSaver interface {
	UpsertRun(ctx context.Context, r journal.RunRecord) error
}

// Deps are the collaborators a Runner drives. Index, Scheduler, Subagent
// and Runs are optional.
type Deps struct {
	LLM       llm.Client
	Host      *tools.Host
	Workspace *tools.Workspace
	Patches   *tools.PatchStore
	Index     tools.IndexBackend
	Scheduler *subagent.Scheduler
	Subagent  subagent.Worker
	Runs      RunSaver
}

// Callbacks connect the runner to its caller. Every field is optional.
type Callbacks struct {
	// Approve is asked about proposals policy did not pre-approve, including
	// patches over the safety gate. Without it such requests are refused.
	Approve func(ctx context.Context, p core.ToolProposal) (bool, error)
	// AskUser answers the commit question.
	AskUser func(ctx context.Context, question string, options []string) (string, error)
	// Checkpoint runs before and after every applied patch.
	Checkpoint func(ctx context.Context, reason string) error
	Emit       func(journal.Kind)
	OnState    func(core.RunState)
}

// Options pick models for the two roles.
type Options struct {
	SessionID      string
	BaseModel      string
	ArchitectModel string
	ThinkingBudget int
	// PlanOnly stops after the first plan without editing.
	PlanOnly bool
	// MaxThink routes the editor to the architect model as well.
	MaxThink bool
}

// OptionsFromConfig fills the model names from the llm section.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseModel:      cfg.LLM.BaseModel,
		ArchitectModel: cfg.LLM.MaxThinkModel,
		ThinkingBudget: defaultThinkingBudget,
	}
}

// Outcome is the result of a run that did not fail.
type Outcome struct {
	RunID        string
	Response     string
	Plan         *ArchitectPlan
	ChangedFiles []string
	Verified     bool
	Iterations   int
}

// Runner executes runs. A Runner is safe for sequential reuse; each Run
// keeps its own state.
type Runner struct {
	cfg        config.AgentLoopConfig
	client     llm.Client
	host       *tools.Host
	ws         *tools.Workspace
	patches    *tools.PatchStore
	index      tools.IndexBackend
	scheduler  *subagent.Scheduler
	subagent   subagent.Worker
	runs       RunSaver
	classifier *failure.Classifier
	cb         Callbacks
	now        func() time.Time
}

// New creates a runner.
func New(cfg config.AgentLoopConfig, deps Deps, cb Callbacks) *Runner {
	patches := deps.Patches
	if patches == nil && deps.Workspace != nil {
		patches = tools.NewPatchStore(deps.Workspace)
	}
	return &Runner{
		cfg:        cfg,
		client:     deps.LLM,
		host:       deps.Host,
		ws:         deps.Workspace,
		patches:    patches,
		index:      deps.Index,
		scheduler:  deps.Scheduler,
		subagent:   deps.Subagent,
		runs:       deps.Runs,
		classifier: failure.NewClassifier(cfg.FailureClassifier),
		cb:         cb,
		now:        time.Now,
	}
}

// runState is everything one run carries between states.
type runState struct {
	runID     string
	prompt    string
	opts      Options
	state     core.RunState
	createdAt time.Time

	iteration          int
	editorMicroRetries int
	editorRetryUsed    bool
	contextRequests    int
	lintIterations     int

	plan         *ArchitectPlan
	lastEditPlan string
	files        []FileContext
	reloadFiles  bool
	diff         string
	feedback     Feedback
	tracker      failure.Tracker

	changedFiles []string
	locDelta     int
	verify       commandReport
}

func (st *runState) newIteration() {
	st.editorMicroRetries = 0
	st.editorRetryUsed = false
	st.contextRequests = 0
	st.lintIterations = 0
}

func (r *Runner) emit(k journal.Kind) {
	if r.cb.Emit != nil {
		r.cb.Emit(k)
	}
}

// Run drives prompt to Final. It returns an error when the iteration
// budget is exhausted, a model keeps breaking its contract, policy denies
// the patch outright, or the architect stops making progress.
func (r *Runner) Run(ctx context.Context, prompt string, opts Options) (*Outcome, error) {
	st := &runState{
		runID:     uuid.Must(uuid.NewV7()).String(),
		prompt:    prompt,
		opts:      opts,
		state:     core.RunContext,
		createdAt: r.now().UTC(),
		iteration: 1,
	}
	if st.opts.ThinkingBudget == 0 {
		st.opts.ThinkingBudget = defaultThinkingBudget
	}
	if st.opts.ArchitectModel == "" {
		st.opts.ArchitectModel = st.opts.BaseModel
	}

	start := r.now()
	logging.LogEvent(logging.EventRunStart, logging.RunID(st.runID), logging.F("plan_only", opts.PlanOnly))
	r.emit(journal.RunStarted{RunID: st.runID, Prompt: prompt})
	r.saveRun(ctx, st)

	outcome, err := r.loop(ctx, st)
	success := err == nil
	r.transition(ctx, st, core.RunFinal)
	r.emit(journal.RunCompleted{RunID: st.runID, Success: success})
	logging.LogEvent(logging.EventRunComplete,
		logging.RunID(st.runID), logging.Success(success),
		logging.Iteration(st.iteration), logging.DurationSince(start))
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (r *Runner) loop(ctx context.Context, st *runState) (*Outcome, error) {
	repoMap := BuildRepoMap(ctx, r.ws.Root(), st.prompt, r.cfg.MaxFilesPerIteration)
	r.transition(ctx, st, core.RunArchitect)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch st.state {
		case core.RunArchitect:
			out, err := r.architectStep(ctx, st, repoMap)
			if err != nil || out != nil {
				return out, err
			}
		case core.RunEditor:
			if err := r.editorStep(ctx, st); err != nil {
				return nil, err
			}
		case core.RunApply:
			if err := r.applyStep(ctx, st); err != nil {
				return nil, err
			}
		case core.RunVerify:
			out, err := r.verifyStep(ctx, st)
			if err != nil || out != nil {
				return out, err
			}
		default:
			return nil, fmt.Errorf("unexpected run state %s", st.state)
		}
	}
}

func (r *Runner) transition(ctx context.Context, st *runState, to core.RunState) {
	if st.state == to && to != core.RunArchitect {
		return
	}
	from := st.state
	st.state = to
	logging.LogEvent(logging.EventRunState,
		logging.RunID(st.runID), logging.F("from", from), logging.F("to", to), logging.Iteration(st.iteration))
	r.emit(journal.RunStateChanged{RunID: st.runID, From: from, To: to})
	r.saveRun(ctx, st)
	if r.cb.OnState != nil {
		r.cb.OnState(to)
	}
}

func (r *Runner) saveRun(ctx context.Context, st *runState) {
	if r.runs == nil {
		return
	}
	rec := journal.RunRecord{
		RunID:     st.runID,
		SessionID: st.opts.SessionID,
		Status:    st.state,
		Prompt:    st.prompt,
		CreatedAt: st.createdAt,
		UpdatedAt: r.now().UTC(),
	}
	if err := r.runs.UpsertRun(ctx, rec); err != nil {
		logging.Warn("run record not saved", logging.RunID(st.runID), logging.Error(err))
	}
}

// nextIteration escalates back to the architect, failing once the
// iteration budget is spent.
func (r *Runner) nextIteration(ctx context.Context, st *runState) error {
	st.iteration++
	if st.iteration > r.cfg.MaxIterations {
		return buderr.MaxIterations(r.cfg.MaxIterations, st.feedback.Apply, st.feedback.Verify)
	}
	r.transition(ctx, st, core.RunArchitect)
	return nil
}

func (r *Runner) architectStep(ctx context.Context, st *runState, repoMap string) (*Outcome, error) {
	st.newIteration()

	plan, err := r.callArchitect(ctx, st, repoMap)
	if err != nil {
		return nil, err
	}
	st.plan = plan
	logging.LogEvent(logging.EventPlanCreate,
		logging.RunID(st.runID), logging.Iteration(st.iteration),
		logging.F("steps", len(plan.Steps)), logging.F("files", len(plan.Files)))

	if plan.NeedsEvidence() {
		r.transition(ctx, st, core.RunGatherEvidence)
		st.feedback.clearFindings()
		switch {
		case len(plan.Subagents) > 0:
			r.transition(ctx, st, core.RunSubagents)
			st.feedback.SubagentFindings = r.runSubagents(ctx, plan.Subagents)
		case len(plan.Retrieve) > 0:
			st.feedback.RetrieveFindings = r.runRetrieval(ctx, plan.Retrieve)
		default:
			st.feedback.ToolFindings = r.runTools(ctx, plan.Tools)
		}
		return nil, r.nextIteration(ctx, st)
	}

	if plan.NoEdit() || len(plan.Files) == 0 {
		return &Outcome{RunID: st.runID, Response: FormatNoEdit(plan), Plan: plan, Iterations: st.iteration}, nil
	}
	if st.opts.PlanOnly {
		return &Outcome{RunID: st.runID, Response: FormatPlanOnly(plan), Plan: plan, Iterations: st.iteration}, nil
	}

	if st.lastEditPlan != "" {
		if sim := PlanSimilarity(st.lastEditPlan, plan.Raw); sim > planSimilarityThreshold {
			return nil, buderr.PlanStalled(sim)
		}
	}
	st.lastEditPlan = plan.Raw

	files, err := loadPlanFiles(r.ws, plan, r.cfg.MaxFilesPerIteration, r.cfg.MaxFileBytes)
	if err != nil {
		return nil, err
	}
	st.files = files
	st.reloadFiles = false
	r.transition(ctx, st, core.RunEditor)
	return nil, nil
}

func (r *Runner) callArchitect(ctx context.Context, st *runState, repoMap string) (*ArchitectPlan, error) {
	req := llm.ChatRequest{
		Model:          st.opts.ArchitectModel,
		System:         architectSystemPrompt,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: architectUserPrompt(st.prompt, st.iteration, repoMap, &st.feedback)}},
		MaxTokens:      st.opts.ThinkingBudget + architectAnswerTokens,
		ThinkingBudget: st.opts.ThinkingBudget,
	}
	var lastErr error
	for attempt := 0; attempt <= r.cfg.ArchitectParseRetries; attempt++ {
		resp, err := r.chat(ctx, req, core.UnitPlanner)
		if err != nil {
			return nil, err
		}
		plan, err := ParseArchitectPlan(resp.Content)
		if err == nil {
			return plan, nil
		}
		lastErr = err
		logging.LogEvent(logging.EventPlanRepair,
			logging.RunID(st.runID), logging.Iteration(attempt+1), logging.Error(err))
		req.Messages = append(req.Messages,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
			llm.Message{Role: llm.RoleUser, Content: architectRepairPrompt + "\nParse error: " + err.Error()})
	}
	return nil, buderr.ContractViolation("architect", lastErr)
}

func (r *Runner) editorStep(ctx context.Context, st *runState) error {
	if st.reloadFiles {
		files, err := loadPlanFiles(r.ws, st.plan, r.cfg.MaxFilesPerIteration, r.cfg.MaxFileBytes)
		if err != nil {
			return err
		}
		st.files = files
		st.reloadFiles = false
	}

	model := st.opts.BaseModel
	if st.opts.MaxThink {
		model = st.opts.ArchitectModel
	}
	req := llm.ChatRequest{
		Model:     model,
		System:    editorSystemPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: editorUserPrompt(st.prompt, st.iteration, st.plan, st.files, &st.feedback)}},
		MaxTokens: editorMaxTokens,
	}

	var parsed EditorResponse
	var lastErr error
	for attempt := 0; attempt <= r.cfg.EditorParseRetries; attempt++ {
		resp, err := r.chat(ctx, req, core.UnitExecutor)
		if err != nil {
			return err
		}
		parsed, lastErr = ParseEditorResponse(resp.Content, r.cfg.MaxDiffBytes)
		if lastErr == nil {
			break
		}
		req.Messages = append(req.Messages,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
			llm.Message{Role: llm.RoleUser, Content: editorRepairPrompt + "\nParse error: " + lastErr.Error()})
	}
	if lastErr != nil {
		return buderr.ContractViolation("editor", lastErr)
	}

	if parsed.Diff != "" {
		st.diff = parsed.Diff
		r.transition(ctx, st, core.RunApply)
		return nil
	}

	st.contextRequests++
	if st.contextRequests > r.cfg.MaxContextRequestsPerIteration {
		st.feedback.Apply = fmt.Sprintf("classification=%s\neditor exceeded max context requests for iteration (%d)",
			failure.PatchMismatch, r.cfg.MaxContextRequestsPerIteration)
		return r.nextIteration(ctx, st)
	}
	files, err := mergeRequested(r.ws, st.plan, st.files, parsed.NeedContext, r.cfg.MaxFileBytes)
	if err != nil {
		st.feedback.Apply = fmt.Sprintf("classification=%s\n%s", failure.PatchMismatch, err)
		return r.nextIteration(ctx, st)
	}
	st.files = files
	return nil
}

func (r *Runner) applyStep(ctx context.Context, st *runState) error {
	stat := tools.ParseDiffStat(st.diff)
	ok, err := r.passSafetyGate(ctx, stat)
	if err != nil {
		return err
	}
	if !ok {
		st.feedback.Apply = fmt.Sprintf("classification=%s\npatch exceeds safety gate and approval was denied", failure.PatchMismatch)
		return r.nextIteration(ctx, st)
	}

	r.checkpoint(ctx, "agent_pre_apply")
	res, fail := applyDiff(ctx, r.patches, r.ws.Root(), st.diff,
		st.plan.AllowedFiles(), expectedHashes(st.files), r.emit)
	logging.LogEvent(logging.EventPatchApply,
		logging.RunID(st.runID), logging.Success(fail == nil), logging.F("files", len(stat.Files)))

	if fail != nil {
		st.feedback.Apply = fail.Feedback()
		st.reloadFiles = true
		if st.editorMicroRetries >= r.cfg.MaxEditorApplyRetries {
			return r.nextIteration(ctx, st)
		}
		st.editorMicroRetries++
		r.transition(ctx, st, core.RunEditor)
		return nil
	}

	r.checkpoint(ctx, "agent_post_apply")
	st.feedback.Apply = ""
	st.feedback.LastDiffSummary = res.summary()
	st.changedFiles = mergeFiles(st.changedFiles, res.ChangedFiles)
	st.locDelta += stat.LOCDelta()
	st.reloadFiles = true

	if r.cfg.Lint.Enabled && st.lintIterations < r.cfg.Lint.MaxIterations {
		if cmds := LintCommandsFor(r.cfg.Lint, res.ChangedFiles); len(cmds) > 0 {
			report := r.runCommands(ctx, cmds)
			logging.LogEvent(logging.EventLintRun,
				logging.RunID(st.runID), logging.Success(report.Passed()), logging.Count(len(cmds)))
			if !report.Passed() {
				st.lintIterations++
				st.feedback.Verify = fmt.Sprintf("LINT_ERRORS (iteration %d):\n%s", st.lintIterations, report.Summary())
				r.transition(ctx, st, core.RunEditor)
				return nil
			}
		}
	}
	r.transition(ctx, st, core.RunVerify)
	return nil
}

// passSafetyGate lets small patches through. Larger ones are dry-run as a
// patch.apply call so policy and, when needed, the user decide.
func (r *Runner) passSafetyGate(ctx context.Context, stat tools.DiffStat) (bool, error) {
	gate := r.cfg.SafetyGate
	if len(stat.Files) <= gate.MaxFiles && stat.LOCDelta() <= gate.MaxLOC {
		return true, nil
	}
	call := core.ToolCall{
		Name: core.ToolPatchApply.Internal(),
		Args: map[string]any{
			"touched_files":              len(stat.Files),
			"loc_delta":                  stat.LOCDelta(),
			"max_files_without_approval": gate.MaxFiles,
			"max_loc_without_approval":   gate.MaxLOC,
		},
	}
	decision := r.host.Decide(call)
	switch decision.Verdict {
	case policy.Denied:
		return false, buderr.PolicyDenied("Policy explicitly denied patch apply: " + decision.Reason)
	case policy.Allowed, policy.AutoApproved:
		return true, nil
	}
	return r.approve(ctx, r.host.Propose(call)), nil
}

func (r *Runner) checkpoint(ctx context.Context, reason string) {
	if r.cb.Checkpoint == nil {
		return
	}
	if err := r.cb.Checkpoint(ctx, reason); err != nil {
		logging.Warn("checkpoint failed", logging.Reason(reason), logging.Error(err))
	}
}

func (r *Runner) verifyStep(ctx context.Context, st *runState) (*Outcome, error) {
	commands := st.plan.Verify
	if len(commands) == 0 {
		commands = DeriveVerifyCommands(r.ws.Root())
	}
	report := r.runCommands(ctx, commands)
	st.verify = report

	if report.Passed() {
		st.feedback.clearFailures()
		r.proposeCommit(ctx, st, report)
		return &Outcome{
			RunID:        st.runID,
			Response:     FormatSuccess(st.plan, commands),
			Plan:         st.plan,
			ChangedFiles: st.changedFiles,
			Verified:     true,
			Iterations:   st.iteration,
		}, nil
	}

	summary := report.Summary()
	class := r.classifier.Classify(summary, &st.tracker, st.editorRetryUsed)
	st.feedback.Verify = class.Summary(summary)
	logging.LogEvent(logging.EventVerifyFail,
		logging.RunID(st.runID), logging.F("class", class.Class), logging.F("similarity", class.Similarity))

	if class.Class == failure.MechanicalVerifyFailure && !st.editorRetryUsed {
		st.editorRetryUsed = true
		r.transition(ctx, st, core.RunEditor)
		return nil, nil
	}
	return nil, r.nextIteration(ctx, st)
}

func (r *Runner) chat(ctx context.Context, req llm.ChatRequest, unit core.LLMUnit) (*llm.Response, error) {
	start := r.now()
	logging.LogEvent(logging.EventLLMRequest, logging.Model(req.Model), logging.F("unit", unit))
	resp, err := r.client.Chat(ctx, req)
	if err != nil {
		logging.LogEvent(logging.EventLLMError, logging.Model(req.Model), logging.Error(err))
		return nil, err
	}
	logging.LogEvent(logging.EventLLMResponse, logging.Model(req.Model), logging.DurationSince(start))
	if resp.FinishReason == llm.FinishContentFilter {
		return nil, buderr.ContentFilter()
	}
	r.emit(journal.UsageUpdated{
		Unit:            unit,
		Model:           req.Model,
		InputTokens:     resp.Usage.InputTokens,
		CacheHitTokens:  resp.Usage.CacheReadTokens,
		CacheMissTokens: resp.Usage.InputTokens - min(resp.Usage.CacheReadTokens, resp.Usage.InputTokens),
		OutputTokens:    resp.Usage.OutputTokens,
	})
	return resp, nil
}

func mergeFiles(have, add []string) []string {
	seen := make(map[string]bool, len(have))
	for _, f := range have {
		seen[f] = true
	}
	for _, f := range add {
		if !seen[f] {
			seen[f] = true
			have = append(have, f)
		}
	}
	return have
}

// IsMaxIterations reports whether err is the exhausted-budget error.
func IsMaxIterations(err error) bool {
	return errors.Is(err, buderr.ErrMaxIterations)
}

// Summary renders a one-line description of an outcome.
func (o *Outcome) Summary() string {
	if o == nil {
		return ""
	}
	parts := []string{fmt.Sprintf("run=%s", o.RunID), fmt.Sprintf("iterations=%d", o.Iterations)}
	if len(o.ChangedFiles) > 0 {
		parts = append(parts, "files="+strings.Join(o.ChangedFiles, ","))
	}
	if o.Verified {
		parts = append(parts, "verified")
	}
	return strings.Join(parts, " ")
}

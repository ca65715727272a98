// Package agent is the session-level engine. It owns the event journal,
// tool host, policy engine, router and subagent scheduler, and drives a
// user request through the planner and step executor, the tool-use loop,
// or the architect/editor loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/agentdefs"
	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/memory"
	"github.com/abdul-hamid-achik/codingbuddy/internal/planner"
	"github.com/abdul-hamid-achik/codingbuddy/internal/policy"
	"github.com/abdul-hamid-achik/codingbuddy/internal/promptcache"
	"github.com/abdul-hamid-achik/codingbuddy/internal/router"
	"github.com/abdul-hamid-achik/codingbuddy/internal/session"
	"github.com/abdul-hamid-achik/codingbuddy/internal/skills"
	"github.com/abdul-hamid-achik/codingbuddy/internal/subagent"
	"github.com/abdul-hamid-achik/codingbuddy/internal/telemetry"
	"github.com/abdul-hamid-achik/codingbuddy/internal/tools"
)

// ErrNoSession is returned by Resume when the workspace has no sessions.
var ErrNoSession = errors.New("no session to resume")

// Handlers are the interactive callbacks shared by every run. All fields
// are optional; without Approve, calls policy did not pre-approve are
// refused.
type Handlers struct {
	Approve func(ctx context.Context, p core.ToolProposal) (bool, error)
	AskUser func(ctx context.Context, question string, options []string) (string, error)
	OnChunk func(llm.StreamChunk)
	// OnEvent sees every envelope after it is journaled.
	OnEvent func(journal.Envelope)
}

// Deps are the collaborators New cannot build from configuration.
type Deps struct {
	Store *journal.Store
	LLM   llm.Client
	// Optional.
	Runner  tools.ShellRunner
	Index   tools.IndexBackend
	Memory  *memory.Manager
	Metrics *telemetry.Metrics
	Agents  []agentdefs.Definition
	Skills  *skills.Catalog
	Cache   *promptcache.Store
}

// Engine runs user requests against one workspace.
type Engine struct {
	workspace  string
	cfg        *config.Config
	store      *journal.Store
	raw        llm.Client
	client     llm.Client
	cache      *promptcache.Store
	ws         *tools.Workspace
	host       *tools.Host
	index      tools.IndexBackend
	runner     tools.ShellRunner
	policy     *policy.Engine
	router     *router.Router
	scheduler  *subagent.Scheduler
	background *subagent.Registry
	memory     *memory.Manager
	outcomes   *planner.OutcomeStore
	metrics    *telemetry.Metrics
	agents     []agentdefs.Definition
	skills     *skills.Catalog
	h          Handlers
	now        func() time.Time

	closers []func() error

	mu      sync.Mutex
	current string
}

// New wires an engine for workspace. The caller keeps ownership of
// deps.Store and deps.Cache.
func New(workspace string, cfg *config.Config, deps Deps, h Handlers) (*Engine, error) {
	if deps.Store == nil || deps.LLM == nil {
		return nil, fmt.Errorf("agent: store and llm client are required")
	}
	ws, err := tools.NewWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		workspace:  ws.Root(),
		cfg:        cfg,
		store:      deps.Store,
		raw:        deps.LLM,
		client:     deps.LLM,
		cache:      deps.Cache,
		ws:         ws,
		policy:     policy.New(cfg.Policy, ws.Root()),
		router:     router.New(cfg.Router, cfg.LLM),
		scheduler:  subagent.NewScheduler(cfg.Subagents),
		background: subagent.NewRegistry(context.Background()),
		memory:     deps.Memory,
		outcomes:   planner.NewOutcomeStore(ws.Root()),
		metrics:    deps.Metrics,
		agents:     deps.Agents,
		skills:     deps.Skills,
		h:          h,
		now:        time.Now,
	}

	if e.memory == nil {
		m, err := memory.NewManager(e.workspace, memory.WithEvents(e.emitCurrent))
		if err != nil {
			return nil, err
		}
		e.memory = m
	}
	if e.cache != nil && cfg.LLM.PromptCacheEnabled {
		e.client = promptcache.NewClient(deps.LLM, e.cache, cfg.LLM.Provider,
			promptcache.WithMetrics(e.store),
			promptcache.WithEvents(e.emitCurrent),
			promptcache.WithOffPeak(promptcache.NewOffPeak(cfg.Scheduling)))
	}

	e.runner = deps.Runner
	if e.runner == nil {
		e.runner = &tools.PlatformShellRunner{}
	}
	e.index = deps.Index
	if e.index == nil {
		e.index = tools.NewIndex(ws, e.runner)
	}
	e.host = e.newHost(ws, e.index)
	e.background.OnFinish(e.backgroundFinished)
	return e, nil
}

// newHost builds a tool host rooted at ws. Worktree-isolated subagents
// get their own.
func (e *Engine) newHost(ws *tools.Workspace, index tools.IndexBackend) *tools.Host {
	registry := tools.NewLocalRegistry(ws, tools.Options{
		Sandbox:     tools.DetectSandbox(),
		SandboxMode: e.policy.Sandbox(),
		Runner:      e.runner,
		Index:       index,
	})
	hooks := tools.NewHooks(ws.Root(), e.cfg.Hooks, e.emitCurrent)
	return tools.NewHost(ws, registry, e.policy, hooks)
}

// Workspace returns the canonical workspace root.
func (e *Engine) Workspace() string { return e.workspace }

// Store returns the event journal.
func (e *Engine) Store() *journal.Store { return e.store }

// Host returns the tool host.
func (e *Engine) Host() *tools.Host { return e.host }

// Policy returns the policy engine.
func (e *Engine) Policy() *policy.Engine { return e.policy }

// Memory returns the memory manager.
func (e *Engine) Memory() *memory.Manager { return e.memory }

// Background returns the registry of detached tasks.
func (e *Engine) Background() *subagent.Registry { return e.background }

// Close stops background tasks, waits for them, and releases what Open
// created.
func (e *Engine) Close() error {
	for _, entry := range e.background.List() {
		e.background.Stop(entry.ID)
	}
	e.background.Wait()
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c())
	}
	e.closers = nil
	return errors.Join(errs...)
}

func (e *Engine) setCurrent(id string) {
	e.mu.Lock()
	e.current = id
	e.mu.Unlock()
}

func (e *Engine) currentSession() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// emit journals k for sessionID and fans it out to metrics and OnEvent.
func (e *Engine) emit(ctx context.Context, sessionID string, k journal.Kind) error {
	env, err := e.store.Append(ctx, sessionID, k)
	if err != nil {
		return err
	}
	e.metrics.Observe(ctx, k)
	if e.h.OnEvent != nil {
		e.h.OnEvent(env)
	}
	return nil
}

// sink adapts emit for collaborators whose callbacks cannot fail.
func (e *Engine) sink(ctx context.Context, sessionID string) func(journal.Kind) {
	return func(k journal.Kind) {
		if err := e.emit(ctx, sessionID, k); err != nil {
			logging.Warn("failed to journal event", logging.SessionID(sessionID),
				logging.F("type", k.Type()), logging.Error(err))
		}
	}
}

// emitCurrent is handed to components built before any session exists.
func (e *Engine) emitCurrent(k journal.Kind) {
	id := e.currentSession()
	if id == "" {
		logging.Debug("dropping event without a session", logging.F("type", k.Type()))
		return
	}
	e.sink(context.Background(), id)(k)
}

// transition moves sess to status, persists it and journals the change.
func (e *Engine) transition(ctx context.Context, sess *session.Session, to session.Status) error {
	from := sess.Status
	if from == to {
		return nil
	}
	if err := sess.Transition(to); err != nil {
		return err
	}
	sess.UpdatedAt = e.now().UTC()
	if err := e.store.SaveSession(ctx, sess); err != nil {
		return err
	}
	logging.LogEvent(logging.EventSessionState, logging.SessionID(sess.ID),
		logging.From(string(from)), logging.To(string(to)))
	return e.emit(ctx, sess.ID, journal.SessionStateChanged{From: from, To: to})
}

// EnsureSession returns the latest session, creating an idle one with
// default budgets when the workspace has none.
func (e *Engine) EnsureSession(ctx context.Context) (*session.Session, error) {
	sess, err := e.store.LoadLatestSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		e.setCurrent(sess.ID)
		return sess, nil
	}

	sess, err = session.New(e.workspace)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	e.setCurrent(sess.ID)
	logging.LogEvent(logging.EventSessionStart, logging.SessionID(sess.ID), logging.Path(e.workspace))
	if err := e.emit(ctx, sess.ID, journal.SessionStarted{SessionID: sess.ID, Workspace: e.workspace}); err != nil {
		return nil, err
	}
	return sess, nil
}

// Resume reattaches to the latest session and journals how many events
// were replayed to rebuild it.
func (e *Engine) Resume(ctx context.Context) (*session.Session, journal.Projection, error) {
	sess, err := e.store.LoadLatestSession(ctx)
	if err != nil {
		return nil, journal.Projection{}, err
	}
	if sess == nil {
		return nil, journal.Projection{}, ErrNoSession
	}
	proj, err := e.store.RebuildFromEvents(ctx, sess.ID)
	if err != nil {
		return nil, journal.Projection{}, err
	}
	e.setCurrent(sess.ID)
	logging.LogEvent(logging.EventSessionResume, logging.SessionID(sess.ID), logging.Count(int(proj.EventCount)))
	err = e.emit(ctx, sess.ID, journal.SessionResumed{SessionID: sess.ID, EventsReplayed: proj.EventCount})
	return sess, proj, err
}

// Checkpoint snapshots the workspace under the current session.
func (e *Engine) Checkpoint(ctx context.Context, reason string) (memory.Checkpoint, error) {
	if _, err := e.EnsureSession(ctx); err != nil {
		return memory.Checkpoint{}, err
	}
	return e.memory.CreateCheckpoint(ctx, reason)
}

// Rewind restores checkpointID. The memory manager journals
// CheckpointRewoundV1 through the current session.
func (e *Engine) Rewind(ctx context.Context, checkpointID string) (memory.Checkpoint, error) {
	if _, err := e.EnsureSession(ctx); err != nil {
		return memory.Checkpoint{}, err
	}
	cp, err := e.memory.Rewind(ctx, checkpointID)
	if err != nil {
		return memory.Checkpoint{}, err
	}
	return cp, nil
}

// SetPermissionMode switches the policy mode for the current session and
// journals the change. Managed settings may refuse it.
func (e *Engine) SetPermissionMode(ctx context.Context, mode policy.PermissionMode) error {
	sess, err := e.EnsureSession(ctx)
	if err != nil {
		return err
	}
	prev, err := e.policy.SetMode(mode)
	if err != nil {
		return err
	}
	if prev == mode {
		return nil
	}
	logging.Info("permission mode changed", logging.SessionID(sess.ID), logging.From(prev.String()), logging.To(mode.String()))
	return e.emit(ctx, sess.ID, journal.PermissionModeChanged{From: prev.String(), To: mode.String()})
}

// checkpointFn is the callback the loops run before writes.
func (e *Engine) checkpointFn(ctx context.Context, reason string) error {
	_, err := e.memory.CreateCheckpoint(ctx, reason)
	return err
}

// approve asks the approval handler. Without a handler the call is
// refused. ToolApprovedV1 is journaled by whoever executes the call, right
// before it runs, so auto-approved calls get one too.
func (e *Engine) approve(ctx context.Context, p core.ToolProposal) (bool, error) {
	if e.h.Approve == nil {
		return false, nil
	}
	return e.h.Approve(ctx, p)
}

// Status is the projection-derived view the CLI prints.
type Status struct {
	Session    *session.Session
	Projection journal.Projection
	Usage      [2]uint64
}

// Status rebuilds the latest session's projection.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	sess, err := e.store.LoadLatestSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNoSession
	}
	proj, err := e.store.RebuildFromEvents(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	in, out, err := e.store.UsageTotals(ctx, sess.ID)
	if err != nil {
		return nil, buderr.StorageIO("usage_totals", err)
	}
	return &Status{Session: sess, Projection: proj, Usage: [2]uint64{in, out}}, nil
}

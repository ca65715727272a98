// Package toolloop drives a model through repeated tool calls until it
// answers in plain text, keeping the conversation inside the context window.
package toolloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/policy"
	"github.com/abdul-hamid-achik/codingbuddy/internal/skills"
	"github.com/abdul-hamid-achik/codingbuddy/internal/tools"
)

// Finish reasons the loop adds to the model's own.
const (
	FinishMaxTurns        = "max_turns"
	FinishContextOverflow = "context_overflow"
)

// Callbacks connect the loop to its caller. Every field is optional.
type Callbacks struct {
	// OnChunk receives streamed output. When set the loop streams.
	OnChunk func(llm.StreamChunk)
	// Approve is asked about proposals policy did not auto-approve.
	// Without it such calls are denied.
	Approve func(ctx context.Context, p core.ToolProposal) (bool, error)
	// AskUser answers user_question calls.
	AskUser func(ctx context.Context, question string, options []string) (string, error)
	// Checkpoint runs before any write tool executes.
	Checkpoint func(ctx context.Context, reason string) error
	// Emit receives ToolProposedV1, ToolApprovedV1, ToolResultV1, ToolDeniedV1,
	// UsageUpdatedV1, ContextCompactedV1 and SkillLoadedV1.
	Emit func(journal.Kind)
}

// Options are the per-loop settings.
type Options struct {
	Model         string
	ReasonerModel string
	System        string
	// ReadOnly offers only read-only tools and refuses the rest.
	ReadOnly bool
	// AllowTool narrows the offered tools further when set.
	AllowTool        func(name string) bool
	MaxTurns         int
	ContextWindow    int
	CompactThreshold float64
	KeepRecent       int
	MaxTokens        int
	Temperature      float64
	// Skills backs the skill tool. The tool is offered only when it
	// holds at least one skill.
	Skills *skills.Catalog
}

// OptionsFromConfig fills Options from the llm and context sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Model:            cfg.LLM.BaseModel,
		ReasonerModel:    cfg.LLM.MaxThinkModel,
		MaxTurns:         cfg.Context.MaxTurns,
		ContextWindow:    cfg.LLM.ContextWindowTokens,
		CompactThreshold: cfg.Context.AutoCompactThreshold,
		KeepRecent:       cfg.Context.KeepRecent,
		MaxTokens:        cfg.LLM.MaxOutputTokens,
		Temperature:      cfg.LLM.Temperature,
	}
}

// Result is what Run returns when the loop stops without error.
type Result struct {
	Response     string
	FinishReason string
	Usage        llm.Usage
	Turns        int
	ToolCalls    int
}

// Loop holds one conversation. It is not safe for concurrent use.
type Loop struct {
	client     llm.Client
	host       *tools.Host
	opts       Options
	cb         Callbacks
	calibrator *TokenCalibrator

	messages []llm.Message
	turns    int
	usage    llm.Usage
}

// New starts a conversation whose first message carries opts.System.
func New(client llm.Client, host *tools.Host, opts Options, cb Callbacks) *Loop {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 50
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = 128000
	}
	if opts.CompactThreshold <= 0 {
		opts.CompactThreshold = DefaultCompactThreshold
	}
	if opts.KeepRecent <= 0 {
		opts.KeepRecent = DefaultKeepRecent
	}
	if opts.ReasonerModel == "" {
		opts.ReasonerModel = opts.Model
	}
	return &Loop{
		client:     client,
		host:       host,
		opts:       opts,
		cb:         cb,
		calibrator: NewTokenCalibrator(0),
		messages:   []llm.Message{{Role: llm.RoleSystem, Content: opts.System}},
	}
}

// Messages returns a copy of the conversation.
func (l *Loop) Messages() []llm.Message {
	return append([]llm.Message(nil), l.messages...)
}

// Usage returns the usage accumulated across all turns.
func (l *Loop) Usage() llm.Usage { return l.usage }

// Turns returns the number of model calls made.
func (l *Loop) Turns() int { return l.turns }

func (l *Loop) emit(k journal.Kind) {
	if l.cb.Emit != nil {
		l.cb.Emit(k)
	}
}

func (l *Loop) result(text, reason string, calls int) *Result {
	return &Result{Response: text, FinishReason: reason, Usage: l.usage, Turns: l.turns, ToolCalls: calls}
}

// Run appends userMsg and calls the model until it stops asking for tools,
// the turn limit is hit, or the context cannot be shrunk any further.
func (l *Loop) Run(ctx context.Context, userMsg string) (*Result, error) {
	l.messages = append(l.messages, llm.Message{Role: llm.RoleUser, Content: userMsg})
	calls := 0

	for {
		if l.turns >= l.opts.MaxTurns {
			logging.Info("tool loop hit turn limit", logging.Count(l.turns))
			return l.result("", FinishMaxTurns, calls), nil
		}
		if !l.ensureRoom() {
			return l.result("", FinishContextOverflow, calls), nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		l.turns++
		StripPriorReasoning(l.messages)
		req := l.request()
		estimate := EstimateTokens(req.Messages)

		resp, err := l.call(ctx, req)
		if err != nil {
			return nil, err
		}
		l.record(resp, estimate)

		if resp.FinishReason == llm.FinishContentFilter {
			return nil, buderr.ContentFilter()
		}

		l.messages = append(l.messages, llm.Message{
			Role:               llm.RoleAssistant,
			Content:            resp.Content,
			ReasoningContent:   resp.Reasoning,
			ReasoningSignature: resp.ReasoningSignature,
			ToolCalls:          resp.ToolCalls,
		})
		if len(resp.ToolCalls) == 0 {
			return l.result(resp.Content, resp.FinishReason, calls), nil
		}

		for _, tc := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			content, isErr := l.dispatch(ctx, tc)
			l.messages = append(l.messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: tc.ID,
				Content:    content,
				IsError:    isErr,
			})
			calls++
		}
	}
}

func (l *Loop) request() llm.ChatRequest {
	defs := l.host.Definitions(l.opts.ReadOnly)
	toolDefs := make([]llm.ToolDefinition, 0, len(defs)+len(agentTools))
	for _, d := range defs {
		if l.opts.AllowTool != nil && !l.opts.AllowTool(d.Name) {
			continue
		}
		toolDefs = append(toolDefs, llm.ToolDefinition{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	toolDefs = append(toolDefs, agentTools...)
	if l.opts.Skills.Len() > 0 {
		toolDefs = append(toolDefs, skillTool(l.opts.Skills))
	}
	return llm.ChatRequest{
		Model:       l.opts.Model,
		Messages:    append([]llm.Message(nil), l.messages...),
		Tools:       toolDefs,
		MaxTokens:   l.opts.MaxTokens,
		Temperature: l.opts.Temperature,
	}
}

func (l *Loop) call(ctx context.Context, req llm.ChatRequest) (*llm.Response, error) {
	if l.cb.OnChunk == nil {
		return l.client.Chat(ctx, req)
	}
	var (
		resp *llm.Response
		err  error
	)
	for chunk := range l.client.ChatStream(ctx, req) {
		switch chunk.Type {
		case llm.ChunkDone:
			resp = chunk.Response
		case llm.ChunkError:
			if err == nil {
				err = chunk.Error
			}
			continue
		}
		l.cb.OnChunk(chunk)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, buderr.LLMTransport(errors.New("stream ended without a response"))
	}
	return resp, nil
}

func (l *Loop) record(resp *llm.Response, estimate int) {
	l.usage.Add(resp.Usage)
	l.calibrator.Record(estimate, int(resp.Usage.InputTokens))
	l.emit(journal.UsageUpdated{
		Unit:            core.UnitExecutor,
		Model:           resp.Model,
		InputTokens:     resp.Usage.InputTokens,
		CacheHitTokens:  resp.Usage.CacheReadTokens,
		CacheMissTokens: resp.Usage.InputTokens - min(resp.Usage.CacheReadTokens, resp.Usage.InputTokens),
		OutputTokens:    resp.Usage.OutputTokens,
	})
}

// limit is the token count above which the conversation must shrink.
func (l *Loop) limit() int {
	return int(l.opts.CompactThreshold * float64(l.opts.ContextWindow))
}

func (l *Loop) estimate() int {
	return l.calibrator.Adjust(EstimateTokens(l.messages))
}

// ensureRoom compacts, then masks old tool output, until the conversation
// fits under the threshold. It reports false when neither helps enough.
func (l *Loop) ensureRoom() bool {
	before := l.estimate()
	if before <= l.limit() {
		return true
	}

	if compacted, ok := Compact(l.messages, l.opts.KeepRecent); ok {
		removed := len(l.messages) - len(compacted)
		l.messages = compacted
		after := l.estimate()
		logging.GlobalMetrics().RecordCompaction()
		logging.LogEvent(logging.EventContextCompact,
			logging.F("before_tokens", before), logging.F("after_tokens", after), logging.Count(removed+1))
		l.emit(journal.ContextCompacted{
			SummaryID:          uuid.Must(uuid.NewV7()).String(),
			FromTurn:           1,
			ToTurn:             uint64(removed + 1),
			TokenDeltaEstimate: int64(before - after),
		})
		if after <= l.limit() {
			return true
		}
	}

	l.messages = MaskOldToolResults(l.messages, DefaultMaskRecent)
	if l.estimate() <= l.limit() {
		return true
	}
	logging.Warn("context still over threshold after compaction",
		logging.F("tokens", l.estimate()), logging.F("limit", l.limit()))
	return false
}

// dispatch runs one tool call and returns the content fed back to the model.
func (l *Loop) dispatch(ctx context.Context, tc llm.ToolCall) (string, bool) {
	name := core.ToInternalName(tc.Name)
	if core.IsAgentLevelName(name) {
		return l.agentTool(ctx, name, tc.Input)
	}

	call := core.ToolCall{Name: name, Args: tc.Input}
	proposal := l.host.Propose(call)
	l.emit(journal.ToolProposed{Proposal: proposal})

	if reason, denied := l.restricted(name); denied || !proposal.Approved {
		if !denied {
			reason, denied = l.deny(ctx, proposal)
		}
		if denied {
			logging.GlobalMetrics().RecordToolDenied(name)
			logging.LogEvent(logging.EventToolDenied,
				logging.ToolName(name), logging.InvocationID(proposal.InvocationID), logging.Reason(reason))
			l.emit(journal.ToolDenied{InvocationID: proposal.InvocationID, ToolName: name, Reason: reason})
			return fmt.Sprintf("Tool call %s was denied: %s. Choose a different approach.", name, reason), true
		}
	}

	if core.IsWriteName(name) && l.cb.Checkpoint != nil {
		if err := l.cb.Checkpoint(ctx, "before "+name); err != nil {
			logging.Warn("checkpoint failed", logging.ToolName(name), logging.Error(err))
		}
	}

	l.emit(journal.ToolApproved{InvocationID: proposal.InvocationID})
	start := time.Now()
	result := l.host.Execute(ctx, tools.Approve(proposal))
	logging.Debug("tool executed", logging.ToolName(name), logging.DurationSince(start), logging.Success(result.Success))
	l.emit(journal.ToolResultRecorded{Result: result})
	return result.OutputString(), !result.Success
}

// restricted refuses tools outside the loop's own tool set.
func (l *Loop) restricted(name string) (string, bool) {
	if l.opts.ReadOnly && !core.IsReadOnlyName(name) {
		return "read-only session", true
	}
	if l.opts.AllowTool != nil && !l.opts.AllowTool(name) {
		return "tool not available to this agent", true
	}
	return "", false
}

// deny decides whether an unapproved proposal is refused and why.
func (l *Loop) deny(ctx context.Context, p core.ToolProposal) (string, bool) {
	decision := l.host.Decide(p.Call)
	if decision.Verdict == policy.Denied {
		return decision.Reason, true
	}
	if l.cb.Approve == nil {
		return "approval required but no approver is available", true
	}
	ok, err := l.cb.Approve(ctx, p)
	if err != nil {
		return "approval failed: " + err.Error(), true
	}
	if !ok {
		return "denied by user", true
	}
	return "", false
}

package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/session"
)

// Kind is one variant of the event union. Type returns the wire tag.
type Kind interface {
	Type() string
}

// Envelope is a single journal record.
type Envelope struct {
	SeqNo     uint64    `json:"seq_no"`
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
}

type wireKind struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wireEnvelope struct {
	SeqNo     uint64    `json:"seq_no"`
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id"`
	Kind      wireKind  `json:"kind"`
}

// MarshalJSON renders the envelope with the kind as {"type","payload"}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Kind == nil {
		return nil, fmt.Errorf("event %d has no kind", e.SeqNo)
	}
	var payload []byte
	if u, ok := e.Kind.(Unknown); ok {
		payload = u.Payload
	} else {
		var err error
		payload, err = json.Marshal(e.Kind)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", e.Kind.Type(), err)
		}
	}
	return json.Marshal(wireEnvelope{
		SeqNo:     e.SeqNo,
		At:        e.At,
		SessionID: e.SessionID,
		Kind:      wireKind{Type: e.Kind.Type(), Payload: payload},
	})
}

// UnmarshalJSON decodes an envelope. Unrecognized tags decode to Unknown.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := DecodeKind(w.Kind.Type, w.Kind.Payload)
	if err != nil {
		return err
	}
	e.SeqNo = w.SeqNo
	e.At = w.At
	e.SessionID = w.SessionID
	e.Kind = kind
	return nil
}

// DecodeKind builds the typed kind for tag from its payload.
func DecodeKind(tag string, payload json.RawMessage) (Kind, error) {
	decode, ok := registry[tag]
	if !ok {
		var compact bytes.Buffer
		if len(payload) > 0 {
			if err := json.Compact(&compact, payload); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", tag, err)
			}
		}
		return Unknown{Tag: tag, Payload: compact.Bytes()}, nil
	}
	kind, err := decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", tag, err)
	}
	return kind, nil
}

// Unknown preserves a variant this build does not recognize.
type Unknown struct {
	Tag     string
	Payload json.RawMessage
}

func (u Unknown) Type() string { return u.Tag }

type TurnAdded struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type SessionStateChanged struct {
	From session.Status `json:"from"`
	To   session.Status `json:"to"`
}

type SessionStarted struct {
	SessionID string `json:"session_id"`
	Workspace string `json:"workspace"`
}

type SessionResumed struct {
	SessionID      string `json:"session_id"`
	EventsReplayed uint64 `json:"events_replayed"`
}

type PlanCreated struct {
	Plan core.Plan `json:"plan"`
}

type PlanRevised struct {
	Plan core.Plan `json:"plan"`
}

type RunStarted struct {
	RunID  string `json:"run_id"`
	Prompt string `json:"prompt"`
}

type RunStateChanged struct {
	RunID string        `json:"run_id"`
	From  core.RunState `json:"from"`
	To    core.RunState `json:"to"`
}

type RunCompleted struct {
	RunID   string `json:"run_id"`
	Success bool   `json:"success"`
}

type StepMarked struct {
	StepID string `json:"step_id"`
	Done   bool   `json:"done"`
	Note   string `json:"note"`
}

type RouterDecisionMade struct {
	Decision core.RouterDecision `json:"decision"`
}

type RouterEscalation struct {
	ReasonCodes []string `json:"reason_codes"`
}

type ToolProposed struct {
	Proposal core.ToolProposal `json:"proposal"`
}

type ToolApproved struct {
	InvocationID string `json:"invocation_id"`
}

type ToolResultRecorded struct {
	Result core.ToolResult `json:"result"`
}

type ToolDenied struct {
	InvocationID string `json:"invocation_id"`
	ToolName     string `json:"tool_name"`
	Reason       string `json:"reason"`
}

type PatchStaged struct {
	PatchID    string `json:"patch_id"`
	BaseSHA256 string `json:"base_sha256"`
}

type PatchApplied struct {
	PatchID   string   `json:"patch_id"`
	Applied   bool     `json:"applied"`
	Conflicts []string `json:"conflicts"`
}

type VerificationRun struct {
	Command string `json:"command"`
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

type CommitProposal struct {
	Files            []string `json:"files"`
	TouchedFiles     uint64   `json:"touched_files"`
	LOCDelta         uint64   `json:"loc_delta"`
	VerifyCommands   []string `json:"verify_commands"`
	VerifyStatus     string   `json:"verify_status"`
	SuggestedMessage string   `json:"suggested_message"`
}

type UsageUpdated struct {
	Unit            core.LLMUnit `json:"unit"`
	Model           string       `json:"model"`
	InputTokens     uint64       `json:"input_tokens"`
	CacheHitTokens  uint64       `json:"cache_hit_tokens"`
	CacheMissTokens uint64       `json:"cache_miss_tokens"`
	OutputTokens    uint64       `json:"output_tokens"`
}

type CostUpdated struct {
	InputTokens      uint64  `json:"input_tokens"`
	OutputTokens     uint64  `json:"output_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

type ContextCompacted struct {
	SummaryID          string `json:"summary_id"`
	FromTurn           uint64 `json:"from_turn"`
	ToTurn             uint64 `json:"to_turn"`
	TokenDeltaEstimate int64  `json:"token_delta_estimate"`
	ReplayPointer      string `json:"replay_pointer"`
}

type AutopilotRunStarted struct {
	RunID  string `json:"run_id"`
	Prompt string `json:"prompt"`
}

type AutopilotRunHeartbeat struct {
	RunID               string  `json:"run_id"`
	CompletedIterations uint64  `json:"completed_iterations"`
	FailedIterations    uint64  `json:"failed_iterations"`
	ConsecutiveFailures uint64  `json:"consecutive_failures"`
	LastError           *string `json:"last_error"`
}

type AutopilotRunStopped struct {
	RunID               string `json:"run_id"`
	StopReason          string `json:"stop_reason"`
	CompletedIterations uint64 `json:"completed_iterations"`
	FailedIterations    uint64 `json:"failed_iterations"`
}

type SubagentSpawned struct {
	RunID string `json:"run_id"`
	Name  string `json:"name"`
	Goal  string `json:"goal"`
}

type SubagentCompleted struct {
	RunID  string `json:"run_id"`
	Output string `json:"output"`
}

type SubagentFailed struct {
	RunID string `json:"run_id"`
	Error string `json:"error"`
}

type BackgroundJobStarted struct {
	JobID     string `json:"job_id"`
	JobKind   string `json:"kind"`
	Reference string `json:"reference"`
}

type BackgroundJobResumed struct {
	JobID     string `json:"job_id"`
	Reference string `json:"reference"`
}

type BackgroundJobStopped struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

type CheckpointCreated struct {
	CheckpointID string `json:"checkpoint_id"`
	Reason       string `json:"reason"`
	FilesCount   uint64 `json:"files_count"`
	SnapshotPath string `json:"snapshot_path"`
}

type CheckpointRewound struct {
	CheckpointID string `json:"checkpoint_id"`
	Reason       string `json:"reason"`
}

type PromptCacheHit struct {
	CacheKey string `json:"cache_key"`
	Model    string `json:"model"`
}

type OffPeakScheduled struct {
	Reason      string `json:"reason"`
	ResumeAfter string `json:"resume_after"`
}

type VisualArtifactCaptured struct {
	ArtifactID string `json:"artifact_id"`
	Path       string `json:"path"`
	Mime       string `json:"mime"`
}

type TelemetryEvent struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
}

type HookExecuted struct {
	Phase    string `json:"phase"`
	HookPath string `json:"hook_path"`
	Success  bool   `json:"success"`
	TimedOut bool   `json:"timed_out"`
	ExitCode *int   `json:"exit_code"`
}

type ProfileCaptured struct {
	ProfileID string `json:"profile_id"`
	Summary   string `json:"summary"`
	ElapsedMS uint64 `json:"elapsed_ms"`
}

type PermissionModeChanged struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type MemorySynced struct {
	VersionID string `json:"version_id"`
	Path      string `json:"path"`
	Note      string `json:"note"`
}

type SkillLoaded struct {
	SkillID    string `json:"skill_id"`
	SourcePath string `json:"source_path"`
}

func (TurnAdded) Type() string              { return "TurnAddedV1" }
func (SessionStateChanged) Type() string    { return "SessionStateChangedV1" }
func (SessionStarted) Type() string         { return "SessionStartedV1" }
func (SessionResumed) Type() string         { return "SessionResumedV1" }
func (PlanCreated) Type() string            { return "PlanCreatedV1" }
func (PlanRevised) Type() string            { return "PlanRevisedV1" }
func (RunStarted) Type() string             { return "RunStartedV1" }
func (RunStateChanged) Type() string        { return "RunStateChangedV1" }
func (RunCompleted) Type() string           { return "RunCompletedV1" }
func (StepMarked) Type() string             { return "StepMarkedV1" }
func (RouterDecisionMade) Type() string     { return "RouterDecisionV1" }
func (RouterEscalation) Type() string       { return "RouterEscalationV1" }
func (ToolProposed) Type() string           { return "ToolProposedV1" }
func (ToolApproved) Type() string           { return "ToolApprovedV1" }
func (ToolResultRecorded) Type() string     { return "ToolResultV1" }
func (ToolDenied) Type() string             { return "ToolDeniedV1" }
func (PatchStaged) Type() string            { return "PatchStagedV1" }
func (PatchApplied) Type() string           { return "PatchAppliedV1" }
func (VerificationRun) Type() string        { return "VerificationRunV1" }
func (CommitProposal) Type() string         { return "CommitProposalV1" }
func (UsageUpdated) Type() string           { return "UsageUpdatedV1" }
func (CostUpdated) Type() string            { return "CostUpdatedV1" }
func (ContextCompacted) Type() string       { return "ContextCompactedV1" }
func (AutopilotRunStarted) Type() string    { return "AutopilotRunStartedV1" }
func (AutopilotRunHeartbeat) Type() string  { return "AutopilotRunHeartbeatV1" }
func (AutopilotRunStopped) Type() string    { return "AutopilotRunStoppedV1" }
func (SubagentSpawned) Type() string        { return "SubagentSpawnedV1" }
func (SubagentCompleted) Type() string      { return "SubagentCompletedV1" }
func (SubagentFailed) Type() string         { return "SubagentFailedV1" }
func (BackgroundJobStarted) Type() string   { return "BackgroundJobStartedV1" }
func (BackgroundJobResumed) Type() string   { return "BackgroundJobResumedV1" }
func (BackgroundJobStopped) Type() string   { return "BackgroundJobStoppedV1" }
func (CheckpointCreated) Type() string      { return "CheckpointCreatedV1" }
func (CheckpointRewound) Type() string      { return "CheckpointRewoundV1" }
func (PromptCacheHit) Type() string         { return "PromptCacheHitV1" }
func (OffPeakScheduled) Type() string       { return "OffPeakScheduledV1" }
func (VisualArtifactCaptured) Type() string { return "VisualArtifactCapturedV1" }
func (TelemetryEvent) Type() string         { return "TelemetryEventV1" }
func (HookExecuted) Type() string           { return "HookExecutedV1" }
func (ProfileCaptured) Type() string        { return "ProfileCapturedV1" }
func (PermissionModeChanged) Type() string  { return "PermissionModeChangedV1" }
func (MemorySynced) Type() string           { return "MemorySyncedV1" }
func (SkillLoaded) Type() string            { return "SkillLoadedV1" }

var registry = map[string]func(json.RawMessage) (Kind, error){}

func register[T Kind](zero T) {
	registry[zero.Type()] = func(payload json.RawMessage) (Kind, error) {
		var v T
		if len(payload) > 0 && string(payload) != "null" {
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, err
			}
		}
		return v, nil
	}
}

func init() {
	register(TurnAdded{})
	register(SessionStateChanged{})
	register(SessionStarted{})
	register(SessionResumed{})
	register(PlanCreated{})
	register(PlanRevised{})
	register(RunStarted{})
	register(RunStateChanged{})
	register(RunCompleted{})
	register(StepMarked{})
	register(RouterDecisionMade{})
	register(RouterEscalation{})
	register(ToolProposed{})
	register(ToolApproved{})
	register(ToolResultRecorded{})
	register(ToolDenied{})
	register(PatchStaged{})
	register(PatchApplied{})
	register(VerificationRun{})
	register(CommitProposal{})
	register(UsageUpdated{})
	register(CostUpdated{})
	register(ContextCompacted{})
	register(AutopilotRunStarted{})
	register(AutopilotRunHeartbeat{})
	register(AutopilotRunStopped{})
	register(SubagentSpawned{})
	register(SubagentCompleted{})
	register(SubagentFailed{})
	register(BackgroundJobStarted{})
	register(BackgroundJobResumed{})
	register(BackgroundJobStopped{})
	register(CheckpointCreated{})
	register(CheckpointRewound{})
	register(PromptCacheHit{})
	register(OffPeakScheduled{})
	register(VisualArtifactCaptured{})
	register(TelemetryEvent{})
	register(HookExecuted{})
	register(ProfileCaptured{})
	register(PermissionModeChanged{})
	register(MemorySynced{})
	register(SkillLoaded{})
}

// KnownTypes lists every registered wire tag.
func KnownTypes() []string {
	out := make([]string, 0, len(registry))
	for tag := range registry {
		out = append(out, tag)
	}
	return out
}

package journal

import (
	"fmt"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/session"
)

// StepStatus records one StepMarked event.
type StepStatus struct {
	StepID string `json:"step_id"`
	Done   bool   `json:"done"`
	Note   string `json:"note"`
}

// Projection is the fold of a session's events. It is rebuilt from scratch
// and never reads anything but the events.
type Projection struct {
	State               session.Status `json:"state,omitempty"`
	Transcript          []string       `json:"transcript"`
	LatestPlan          *core.Plan     `json:"latest_plan,omitempty"`
	StepStatus          []StepStatus   `json:"step_status"`
	RouterModels        []string       `json:"router_models"`
	StagedPatches       []string       `json:"staged_patches"`
	AppliedPatches      []string       `json:"applied_patches"`
	ToolInvocations     []string       `json:"tool_invocations"`
	ApprovedInvocations []string       `json:"approved_invocations"`
	DeniedInvocations   []string       `json:"denied_invocations"`
	VerificationRuns    int            `json:"verification_runs"`
	VerificationFailed  int            `json:"verification_failed"`
	UsageInputTokens    uint64         `json:"usage_input_tokens"`
	UsageOutputTokens   uint64         `json:"usage_output_tokens"`
	CompactionEvents    int            `json:"compaction_events"`
	AutopilotRuns       []string       `json:"autopilot_runs"`
	SubagentRuns        []string       `json:"subagent_runs"`
	SubagentFailures    int            `json:"subagent_failures"`
	Checkpoints         []string       `json:"checkpoints"`
	PermissionMode      string         `json:"permission_mode,omitempty"`
	RunIDs              []string       `json:"run_ids"`
	EventCount          uint64         `json:"event_count"`
	LastSeqNo           uint64         `json:"last_seq_no"`
	SkippedUnknown      int            `json:"skipped_unknown"`
}

// Rebuild folds events in order into a fresh projection.
func Rebuild(events []Envelope) Projection {
	var p Projection
	for i := range events {
		p.Apply(events[i])
	}
	return p
}

// Apply folds one event into the projection.
func (p *Projection) Apply(ev Envelope) {
	p.EventCount++
	if ev.SeqNo > p.LastSeqNo {
		p.LastSeqNo = ev.SeqNo
	}

	switch k := ev.Kind.(type) {
	case TurnAdded:
		p.Transcript = append(p.Transcript, fmt.Sprintf("%s: %s", k.Role, k.Content))
	case SessionStateChanged:
		p.State = k.To
	case PlanCreated:
		plan := k.Plan.Clone()
		p.LatestPlan = &plan
	case PlanRevised:
		plan := k.Plan.Clone()
		p.LatestPlan = &plan
	case StepMarked:
		p.StepStatus = append(p.StepStatus, StepStatus{StepID: k.StepID, Done: k.Done, Note: k.Note})
		p.markPlanStep(k.StepID, k.Done)
	case RouterDecisionMade:
		p.RouterModels = append(p.RouterModels, k.Decision.SelectedModel)
	case PatchStaged:
		p.StagedPatches = append(p.StagedPatches, k.PatchID)
	case PatchApplied:
		if k.Applied {
			p.AppliedPatches = append(p.AppliedPatches, k.PatchID)
		}
	case ToolProposed:
		p.ToolInvocations = append(p.ToolInvocations, k.Proposal.InvocationID)
	case ToolApproved:
		p.ApprovedInvocations = append(p.ApprovedInvocations, k.InvocationID)
	case ToolDenied:
		p.DeniedInvocations = append(p.DeniedInvocations, k.InvocationID)
	case VerificationRun:
		p.VerificationRuns++
		if !k.Success {
			p.VerificationFailed++
		}
	case UsageUpdated:
		p.UsageInputTokens = saturatingAdd(p.UsageInputTokens, k.InputTokens)
		p.UsageOutputTokens = saturatingAdd(p.UsageOutputTokens, k.OutputTokens)
	case ContextCompacted:
		p.CompactionEvents++
	case AutopilotRunStarted:
		p.AutopilotRuns = append(p.AutopilotRuns, k.RunID)
	case SubagentSpawned:
		p.SubagentRuns = append(p.SubagentRuns, k.RunID)
	case SubagentFailed:
		p.SubagentFailures++
	case CheckpointCreated:
		p.Checkpoints = append(p.Checkpoints, k.CheckpointID)
	case PermissionModeChanged:
		p.PermissionMode = k.To
	case RunStarted:
		p.RunIDs = append(p.RunIDs, k.RunID)
	case Unknown:
		p.SkippedUnknown++
	}
}

// markPlanStep keeps LatestPlan's done flags in step with StepMarked events.
func (p *Projection) markPlanStep(stepID string, done bool) {
	if p.LatestPlan == nil {
		return
	}
	for i := range p.LatestPlan.Steps {
		if p.LatestPlan.Steps[i].StepID == stepID {
			p.LatestPlan.Steps[i].Done = done
		}
	}
}

// StepsDone counts StepMarked events with done=true.
func (p Projection) StepsDone() int {
	n := 0
	for _, s := range p.StepStatus {
		if s.Done {
			n++
		}
	}
	return n
}

// StepsFailed counts StepMarked events with done=false.
func (p Projection) StepsFailed() int {
	return len(p.StepStatus) - p.StepsDone()
}

func saturatingAdd(a, b uint64) uint64 {
	if a+b < a {
		return ^uint64(0)
	}
	return a + b
}

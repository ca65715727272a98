// Package core holds the value types shared by the planner, journal, tool
// host and run loops. Everything here is plain data keyed by string ids.
package core

import (
	"encoding/json"
	"path/filepath"
)

// RuntimeDirName is the per-workspace state directory.
const RuntimeDirName = ".deepseek"

// RuntimeDir returns <workspace>/.deepseek.
func RuntimeDir(workspace string) string {
	return filepath.Join(workspace, RuntimeDirName)
}

// LLMUnit identifies the role a model call is made for.
type LLMUnit string

const (
	UnitPlanner  LLMUnit = "Planner"
	UnitExecutor LLMUnit = "Executor"
)

// PlanStep is one unit of work in a plan.
type PlanStep struct {
	StepID string   `json:"step_id"`
	Title  string   `json:"title"`
	Intent string   `json:"intent"`
	Tools  []string `json:"tools"`
	Files  []string `json:"files"`
	Done   bool     `json:"done"`
}

// Plan is a versioned sequence of steps plus verification commands.
type Plan struct {
	PlanID       string     `json:"plan_id"`
	Version      uint32     `json:"version"`
	Goal         string     `json:"goal"`
	Assumptions  []string   `json:"assumptions"`
	Steps        []PlanStep `json:"steps"`
	Verification []string   `json:"verification"`
	RiskNotes    []string   `json:"risk_notes"`
}

// Usable reports whether the plan has at least one step.
func (p *Plan) Usable() bool {
	return p != nil && len(p.Steps) > 0
}

// Clone returns a deep copy of the plan.
func (p Plan) Clone() Plan {
	c := p
	c.Assumptions = append([]string(nil), p.Assumptions...)
	c.Verification = append([]string(nil), p.Verification...)
	c.RiskNotes = append([]string(nil), p.RiskNotes...)
	c.Steps = make([]PlanStep, len(p.Steps))
	for i, s := range p.Steps {
		s.Tools = append([]string(nil), s.Tools...)
		s.Files = append([]string(nil), s.Files...)
		c.Steps[i] = s
	}
	return c
}

// Failure describes why a step or verification failed.
type Failure struct {
	Summary string `json:"summary"`
	Detail  string `json:"detail"`
}

// StepOutcome is the result of executing one plan step.
type StepOutcome struct {
	StepID  string `json:"step_id"`
	Success bool   `json:"success"`
	Notes   string `json:"notes"`
}

// RouterSignals are the router inputs, each expected in [0,1].
type RouterSignals struct {
	PromptComplexity     float64 `json:"prompt_complexity"`
	RepoBreadth          float64 `json:"repo_breadth"`
	FailureStreak        float64 `json:"failure_streak"`
	VerificationFailures float64 `json:"verification_failures"`
	LowConfidence        float64 `json:"low_confidence"`
	AmbiguityFlags       float64 `json:"ambiguity_flags"`
}

// RouterDecision is emitted once per model-selection point.
type RouterDecision struct {
	DecisionID      string   `json:"decision_id"`
	ReasonCodes     []string `json:"reason_codes"`
	SelectedModel   string   `json:"selected_model"`
	Confidence      float64  `json:"confidence"`
	Score           float64  `json:"score"`
	Escalated       bool     `json:"escalated"`
	ThinkingEnabled bool     `json:"thinking_enabled"`
}

// ToolCall is a request to run a tool. Name uses the dotted internal form.
type ToolCall struct {
	Name             string         `json:"name"`
	Args             map[string]any `json:"args"`
	RequiresApproval bool           `json:"requires_approval"`
}

// StringArg returns args[key] when it is a string.
func (c ToolCall) StringArg(key string) string {
	if c.Args == nil {
		return ""
	}
	s, _ := c.Args[key].(string)
	return s
}

// ToolProposal is a pre-classified call awaiting execution.
type ToolProposal struct {
	InvocationID string   `json:"invocation_id"`
	Call         ToolCall `json:"call"`
	Approved     bool     `json:"approved"`
}

// ApprovedToolCall is the only input the tool host executes.
type ApprovedToolCall struct {
	InvocationID string   `json:"invocation_id"`
	Call         ToolCall `json:"call"`
}

// ToolResult is the outcome of an executed call.
type ToolResult struct {
	InvocationID string          `json:"invocation_id"`
	Success      bool            `json:"success"`
	Output       json.RawMessage `json:"output"`
}

// OutputString renders Output for feeding back to a model.
func (r ToolResult) OutputString() string {
	if len(r.Output) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Output, &s); err == nil {
		return s
	}
	return string(r.Output)
}

// RawJSON marshals v, falling back to a JSON string of the error.
func RawJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(err.Error())
	}
	return data
}

// RunState is the position of a run in the architect/editor loop.
type RunState string

const (
	RunContext        RunState = "Context"
	RunArchitect      RunState = "Architect"
	RunGatherEvidence RunState = "GatherEvidence"
	RunSubagents      RunState = "Subagents"
	RunEditor         RunState = "Editor"
	RunApply          RunState = "Apply"
	RunVerify         RunState = "Verify"
	RunRecover        RunState = "Recover"
	RunFinal          RunState = "Final"
)

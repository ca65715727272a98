// Package router picks between the base and the high-reasoning model.
package router

import (
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// Reason codes attached to decisions.
const (
	ReasonThresholdHigh      = "threshold_high"
	ReasonPlannerBreadthBias = "planner_repo_breadth_bias"
	ReasonFailureStreak      = "failure_streak"
	ReasonAutoMaxThink       = "auto_max_think"
	ReasonForceMaxThink      = "autopilot_force_max_think"
	ReasonInvalidRetry       = "invalid_output_escalation"
	ReasonRevisionFailure    = "revision_failure_escalation"
	ReasonVerifyFailures     = "verification_failures"
	ReasonThinkDeeply        = "think_deeply"
)

// Weights scale each router signal.
type Weights struct {
	W1, W2, W3, W4, W5, W6 float64
}

// Router is a weighted scorer over RouterSignals.
type Router struct {
	baseModel      string
	maxThinkModel  string
	threshold      float64
	maxEscalations int
	autoMaxThink   bool
	weights        Weights
}

// Options alter a single selection.
type Options struct {
	// ForceMaxThink selects the high-reasoning model unconditionally.
	ForceMaxThink bool
}

// New creates a router from configuration.
func New(rc config.RouterConfig, lc config.LLMConfig) *Router {
	return &Router{
		baseModel:      lc.BaseModel,
		maxThinkModel:  lc.MaxThinkModel,
		threshold:      rc.ThresholdHigh,
		maxEscalations: rc.MaxEscalationsPerUnit,
		autoMaxThink:   rc.AutoMaxThink,
		weights:        Weights{rc.W1, rc.W2, rc.W3, rc.W4, rc.W5, rc.W6},
	}
}

// BaseModel returns the default model.
func (r *Router) BaseModel() string { return r.baseModel }

// MaxThinkModel returns the high-reasoning model.
func (r *Router) MaxThinkModel() string { return r.maxThinkModel }

// MaxEscalations returns the per-unit escalation budget.
func (r *Router) MaxEscalations() int { return r.maxEscalations }

// Score computes the weighted sum of clamped signals.
func (r *Router) Score(s core.RouterSignals) float64 {
	w := r.weights
	return w.W1*clamp01(s.PromptComplexity) +
		w.W2*clamp01(s.RepoBreadth) +
		w.W3*clamp01(s.FailureStreak) +
		w.W4*clamp01(s.VerificationFailures) +
		w.W5*clamp01(s.LowConfidence) +
		w.W6*clamp01(s.AmbiguityFlags)
}

// Select chooses a model for unit.
func (r *Router) Select(unit core.LLMUnit, s core.RouterSignals, opts Options) core.RouterDecision {
	score := clamp01(r.Score(s))
	scoreHigh := score >= r.threshold
	plannerBias := unit == core.UnitPlanner &&
		clamp01(s.RepoBreadth) >= 0.85 &&
		(clamp01(s.LowConfidence) >= 0.55 ||
			clamp01(s.FailureStreak) >= 0.45 ||
			clamp01(s.VerificationFailures) >= 0.35 ||
			clamp01(s.AmbiguityFlags) >= 0.65)
	autoThink := unit == core.UnitPlanner && r.autoMaxThink

	var reasons []string
	if scoreHigh {
		reasons = append(reasons, ReasonThresholdHigh)
	}
	if plannerBias {
		reasons = append(reasons, ReasonPlannerBreadthBias)
	}
	if clamp01(s.FailureStreak) > 0.6 {
		reasons = append(reasons, ReasonFailureStreak)
	}
	if autoThink {
		reasons = append(reasons, ReasonAutoMaxThink)
	}
	if opts.ForceMaxThink {
		reasons = append(reasons, ReasonForceMaxThink)
	}

	high := scoreHigh || plannerBias || autoThink || opts.ForceMaxThink
	model := r.baseModel
	if high {
		model = r.maxThinkModel
	}

	d := core.RouterDecision{
		DecisionID:      uuid.Must(uuid.NewV7()).String(),
		ReasonCodes:     reasons,
		SelectedModel:   model,
		Confidence:      math.Min(1, score+0.1),
		Score:           score,
		Escalated:       high,
		ThinkingEnabled: r.IsMaxThink(model),
	}
	logging.Debug("router decision",
		logging.Model(d.SelectedModel),
		logging.F("unit", string(unit)),
		logging.F("score", d.Score),
		logging.F("reasons", strings.Join(reasons, ",")))
	return d
}

// ShouldEscalateRetry reports whether a retry after an invalid artifact
// may move to the high-reasoning model.
func (r *Router) ShouldEscalateRetry(unit core.LLMUnit, invalid bool, priorEscalations int) bool {
	if !invalid {
		return false
	}
	switch unit {
	case core.UnitPlanner, core.UnitExecutor:
		return priorEscalations < r.maxEscalations
	}
	return false
}

// Escalate raises d to the high-reasoning model and records reason once.
func (r *Router) Escalate(d *core.RouterDecision, reason string) {
	d.SelectedModel = r.maxThinkModel
	d.Escalated = true
	d.ThinkingEnabled = true
	for _, code := range d.ReasonCodes {
		if code == reason {
			return
		}
	}
	d.ReasonCodes = append(d.ReasonCodes, reason)
}

// IsMaxThink reports whether model is the high-reasoning model.
func (r *Router) IsMaxThink(model string) bool {
	return strings.EqualFold(model, r.maxThinkModel)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

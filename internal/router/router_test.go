package router

import (
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
)

func newTestRouter(t *testing.T, mutate func(*config.RouterConfig)) *Router {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(&cfg.Router)
	}
	return New(cfg.Router, cfg.LLM)
}

func uniform(v float64) core.RouterSignals {
	return core.RouterSignals{
		PromptComplexity:     v,
		RepoBreadth:          v,
		FailureStreak:        v,
		VerificationFailures: v,
		LowConfidence:        v,
		AmbiguityFlags:       v,
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSelect_HighScoreSelectsMaxThink(t *testing.T) {
	r := newTestRouter(t, nil)
	d := r.Select(core.UnitPlanner, uniform(1), Options{})
	if d.SelectedModel != "deepseek-reasoner" {
		t.Errorf("model = %q, want deepseek-reasoner", d.SelectedModel)
	}
	if !d.Escalated || !d.ThinkingEnabled {
		t.Errorf("escalated=%v thinking=%v, want both true", d.Escalated, d.ThinkingEnabled)
	}
	if !approx(d.Confidence, 1) {
		t.Errorf("confidence = %v, want 1", d.Confidence)
	}
	if d.DecisionID == "" {
		t.Error("decision id should be set")
	}
}

func TestSelect_LowScoreSelectsBase(t *testing.T) {
	r := newTestRouter(t, nil)
	d := r.Select(core.UnitExecutor, uniform(0), Options{})
	if d.SelectedModel != "deepseek-chat" {
		t.Errorf("model = %q, want deepseek-chat", d.SelectedModel)
	}
	if d.Escalated || d.ThinkingEnabled {
		t.Error("low score should not escalate")
	}
	if len(d.ReasonCodes) != 0 {
		t.Errorf("reason codes = %v, want none", d.ReasonCodes)
	}
	if !approx(d.Confidence, 0.1) {
		t.Errorf("confidence = %v, want 0.1", d.Confidence)
	}
}

func TestSelect_ThresholdBoundary(t *testing.T) {
	single := func(c *config.RouterConfig) {
		c.W1, c.W2, c.W3, c.W4, c.W5, c.W6 = 1, 0, 0, 0, 0, 0
	}
	tests := []struct {
		complexity float64
		escalated  bool
	}{
		{0.72, true},
		{0.71, false},
		{0.9, true},
	}
	for _, tt := range tests {
		r := newTestRouter(t, single)
		d := r.Select(core.UnitExecutor, core.RouterSignals{PromptComplexity: tt.complexity}, Options{})
		if d.Escalated != tt.escalated {
			t.Errorf("complexity %.2f: escalated = %v, want %v", tt.complexity, d.Escalated, tt.escalated)
		}
		if !approx(d.Confidence, math.Min(1, tt.complexity+0.1)) {
			t.Errorf("complexity %.2f: confidence = %v", tt.complexity, d.Confidence)
		}
	}
}

func TestSelect_ClampsSignals(t *testing.T) {
	r := newTestRouter(t, nil)
	hot := r.Score(uniform(5))
	if !approx(hot, r.Score(uniform(1))) {
		t.Errorf("Score(5) = %v, want the same as Score(1)", hot)
	}
	if got := r.Score(uniform(-2)); got != 0 {
		t.Errorf("Score(-2) = %v, want 0", got)
	}
}

func TestSelect_PlannerBreadthBias(t *testing.T) {
	r := newTestRouter(t, nil)
	s := core.RouterSignals{RepoBreadth: 0.9, LowConfidence: 0.6}

	planner := r.Select(core.UnitPlanner, s, Options{})
	if !planner.Escalated {
		t.Fatal("planner with broad repo and low confidence should escalate")
	}
	if diff := cmp.Diff([]string{ReasonPlannerBreadthBias}, planner.ReasonCodes); diff != "" {
		t.Errorf("reason codes mismatch (-want +got):\n%s", diff)
	}

	executor := r.Select(core.UnitExecutor, s, Options{})
	if executor.Escalated {
		t.Error("executor should not get the planner bias")
	}
}

func TestSelect_AutoMaxThinkAppliesToPlannerOnly(t *testing.T) {
	r := newTestRouter(t, func(c *config.RouterConfig) { c.AutoMaxThink = true })

	d := r.Select(core.UnitPlanner, uniform(0), Options{})
	if d.SelectedModel != r.MaxThinkModel() {
		t.Errorf("planner model = %q, want %q", d.SelectedModel, r.MaxThinkModel())
	}
	if diff := cmp.Diff([]string{ReasonAutoMaxThink}, d.ReasonCodes); diff != "" {
		t.Errorf("reason codes mismatch (-want +got):\n%s", diff)
	}

	if d := r.Select(core.UnitExecutor, uniform(0), Options{}); d.SelectedModel != r.BaseModel() {
		t.Errorf("executor model = %q, want base", d.SelectedModel)
	}
}

func TestSelect_ForceMaxThink(t *testing.T) {
	r := newTestRouter(t, nil)
	d := r.Select(core.UnitExecutor, uniform(0), Options{ForceMaxThink: true})
	if d.SelectedModel != r.MaxThinkModel() || !d.Escalated {
		t.Errorf("forced decision = %+v, want max think", d)
	}
	if diff := cmp.Diff([]string{ReasonForceMaxThink}, d.ReasonCodes); diff != "" {
		t.Errorf("reason codes mismatch (-want +got):\n%s", diff)
	}
}

func TestShouldEscalateRetry(t *testing.T) {
	r := newTestRouter(t, nil)
	tests := []struct {
		name    string
		unit    core.LLMUnit
		invalid bool
		prior   int
		want    bool
	}{
		{"planner invalid first", core.UnitPlanner, true, 0, true},
		{"planner budget used", core.UnitPlanner, true, 1, false},
		{"executor invalid", core.UnitExecutor, true, 0, true},
		{"valid output", core.UnitPlanner, false, 0, false},
		{"unknown unit", core.LLMUnit("Other"), true, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.ShouldEscalateRetry(tt.unit, tt.invalid, tt.prior); got != tt.want {
				t.Errorf("ShouldEscalateRetry = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEscalateRecordsReasonOnce(t *testing.T) {
	r := newTestRouter(t, nil)
	d := r.Select(core.UnitPlanner, uniform(0), Options{})
	r.Escalate(&d, ReasonInvalidRetry)
	r.Escalate(&d, ReasonInvalidRetry)
	if d.SelectedModel != r.MaxThinkModel() || !d.ThinkingEnabled {
		t.Errorf("escalated decision = %+v", d)
	}
	if diff := cmp.Diff([]string{ReasonInvalidRetry}, d.ReasonCodes); diff != "" {
		t.Errorf("reason codes mismatch (-want +got):\n%s", diff)
	}
}

func TestSignals(t *testing.T) {
	t.Run("long prompt saturates", func(t *testing.T) {
		s := Signals(SignalInput{Prompt: strings.Repeat("a", 1000), FailureStreak: 6, VerificationFailures: 1})
		if s.PromptComplexity != 1 || s.FailureStreak != 1 {
			t.Errorf("signals = %+v", s)
		}
		if !approx(s.VerificationFailures, 1.0/3) {
			t.Errorf("verification failures = %v, want 1/3", s.VerificationFailures)
		}
	})

	t.Run("complex and vague prompt", func(t *testing.T) {
		prompt := "maybe refactor something"
		s := Signals(SignalInput{Prompt: prompt})
		if !approx(s.PromptComplexity, float64(len(prompt))/500+0.3) {
			t.Errorf("complexity = %v", s.PromptComplexity)
		}
		if !approx(s.AmbiguityFlags, 0.5) {
			t.Errorf("ambiguity = %v, want 0.5", s.AmbiguityFlags)
		}
	})

	t.Run("negative counters clamp to zero", func(t *testing.T) {
		s := Signals(SignalInput{Prompt: "fix typo", FailureStreak: -1, RepoBreadth: 3})
		if s.FailureStreak != 0 || s.RepoBreadth != 1 {
			t.Errorf("signals = %+v", s)
		}
	})
}

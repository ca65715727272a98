// Package telemetry exports OpenTelemetry instruments for runs, tools,
// the prompt cache and autopilot.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
)

const meterName = "codingbuddy"

// Metrics holds the instruments. A nil *Metrics records nothing.
type Metrics struct {
	RunsStarted         metric.Int64Counter
	RunsCompleted       metric.Int64Counter
	RunsFailed          metric.Int64Counter
	RunDuration         metric.Float64Histogram
	ToolCalls           metric.Int64Counter
	ToolDenials         metric.Int64Counter
	CacheHits           metric.Int64Counter
	Tokens              metric.Int64Counter
	Verifications       metric.Int64Counter
	AutopilotIterations metric.Int64Counter
	Checkpoints         metric.Int64Counter
}

// New returns instruments on the global meter, or nil when disabled.
func New(enabled bool) (*Metrics, error) {
	if !enabled {
		return nil, nil
	}
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates instruments on meter.
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RunsStarted, err = meter.Int64Counter("codingbuddy.runs.started",
		metric.WithDescription("Number of agent runs started")); err != nil {
		return nil, err
	}
	if m.RunsCompleted, err = meter.Int64Counter("codingbuddy.runs.completed",
		metric.WithDescription("Number of agent runs completed")); err != nil {
		return nil, err
	}
	if m.RunsFailed, err = meter.Int64Counter("codingbuddy.runs.failed",
		metric.WithDescription("Number of agent runs failed")); err != nil {
		return nil, err
	}
	if m.RunDuration, err = meter.Float64Histogram("codingbuddy.run.duration_seconds",
		metric.WithDescription("Agent run duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.ToolCalls, err = meter.Int64Counter("codingbuddy.toolcalls",
		metric.WithDescription("Number of proposed tool calls")); err != nil {
		return nil, err
	}
	if m.ToolDenials, err = meter.Int64Counter("codingbuddy.toolcalls.denied",
		metric.WithDescription("Number of denied tool calls")); err != nil {
		return nil, err
	}
	if m.CacheHits, err = meter.Int64Counter("codingbuddy.promptcache.hits",
		metric.WithDescription("Prompt cache hits")); err != nil {
		return nil, err
	}
	if m.Tokens, err = meter.Int64Counter("codingbuddy.llm.tokens",
		metric.WithDescription("LLM tokens by unit and direction")); err != nil {
		return nil, err
	}
	if m.Verifications, err = meter.Int64Counter("codingbuddy.verifications",
		metric.WithDescription("Verification commands run")); err != nil {
		return nil, err
	}
	if m.AutopilotIterations, err = meter.Int64Counter("codingbuddy.autopilot.heartbeats",
		metric.WithDescription("Autopilot heartbeats")); err != nil {
		return nil, err
	}
	if m.Checkpoints, err = meter.Int64Counter("codingbuddy.checkpoints",
		metric.WithDescription("Checkpoints created")); err != nil {
		return nil, err
	}
	return m, nil
}

// RunStarted counts a run in mode ("agent_loop" or "tool_loop").
func (m *Metrics) RunStarted(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.RunsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RunFinished records outcome and duration.
func (m *Metrics) RunFinished(ctx context.Context, mode string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	if success {
		m.RunsCompleted.Add(ctx, 1, attrs)
	} else {
		m.RunsFailed.Add(ctx, 1, attrs)
	}
	m.RunDuration.Record(ctx, d.Seconds(), attrs)
}

// Observe updates instruments from a journal event.
func (m *Metrics) Observe(ctx context.Context, k journal.Kind) {
	if m == nil {
		return
	}
	switch e := k.(type) {
	case journal.ToolProposed:
		m.ToolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", e.Proposal.Call.Name)))
	case journal.ToolDenied:
		m.ToolDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", e.ToolName)))
	case journal.PromptCacheHit:
		m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("model", e.Model)))
	case journal.UsageUpdated:
		unit := attribute.String("unit", string(e.Unit))
		m.Tokens.Add(ctx, int64(e.InputTokens), metric.WithAttributes(unit, attribute.String("direction", "input")))
		m.Tokens.Add(ctx, int64(e.OutputTokens), metric.WithAttributes(unit, attribute.String("direction", "output")))
	case journal.VerificationRun:
		m.Verifications.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", e.Success)))
	case journal.AutopilotRunHeartbeat:
		m.AutopilotIterations.Add(ctx, 1)
	case journal.CheckpointCreated:
		m.Checkpoints.Add(ctx, 1)
	}
}

package logging

import (
	"sync"
	"time"
)

// ToolMetrics tracks counters for a single tool.
type ToolMetrics struct {
	Calls     int           `json:"calls"`
	Errors    int           `json:"errors"`
	Denied    int           `json:"denied"`
	TotalTime time.Duration `json:"total_time_ms"`
}

// Metrics is an in-process snapshot of what happened during a session.
// It feeds the session-end trace event and the exit summary. A nil
// *Metrics discards everything, so callers need no logger.
type Metrics struct {
	mu sync.Mutex

	start time.Time

	tools map[string]*ToolMetrics

	llmRequests     int
	llmErrors       int
	inputTokens     uint64
	outputTokens    uint64
	cacheHits       int
	cacheMisses     int
	compactions     int
	runs            int
	failedRuns      int
	subagentsRun    int
	subagentsFailed int
}

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{start: time.Now(), tools: make(map[string]*ToolMetrics)}
}

func (m *Metrics) tool(name string) *ToolMetrics {
	if m.tools[name] == nil {
		m.tools[name] = &ToolMetrics{}
	}
	return m.tools[name]
}

// RecordToolCall records one executed tool call.
func (m *Metrics) RecordToolCall(name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tool(name)
	t.Calls++
	t.TotalTime += d
	if err != nil {
		t.Errors++
	}
}

// RecordToolDenied records a denied tool call.
func (m *Metrics) RecordToolDenied(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tool(name).Denied++
}

// RecordLLMRequest records one model call.
func (m *Metrics) RecordLLMRequest(input, output uint64, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.llmRequests++
	m.inputTokens += input
	m.outputTokens += output
	if err != nil {
		m.llmErrors++
	}
}

// RecordCache records a prompt cache lookup.
func (m *Metrics) RecordCache(hit bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.cacheHits++
	} else {
		m.cacheMisses++
	}
}

// RecordCompaction records a context compaction.
func (m *Metrics) RecordCompaction() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compactions++
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(success bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs++
	if !success {
		m.failedRuns++
	}
}

// RecordSubagent records a finished subagent task.
func (m *Metrics) RecordSubagent(success bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subagentsRun++
	if !success {
		m.subagentsFailed++
	}
}

// ToolStats returns a copy of the per-tool counters.
func (m *Metrics) ToolStats() map[string]ToolMetrics {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ToolMetrics, len(m.tools))
	for k, v := range m.tools {
		out[k] = *v
	}
	return out
}

// GetSnapshot returns the counters as a flat map for serialization.
func (m *Metrics) GetSnapshot() map[string]any {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	calls, errs, denied := 0, 0, 0
	for _, t := range m.tools {
		calls += t.Calls
		errs += t.Errors
		denied += t.Denied
	}
	return map[string]any{
		"session_duration_ms": time.Since(m.start).Milliseconds(),
		"tool_calls_total":    calls,
		"tool_errors_total":   errs,
		"tool_denied_total":   denied,
		"llm_requests_total":  m.llmRequests,
		"llm_errors_total":    m.llmErrors,
		"llm_input_tokens":    m.inputTokens,
		"llm_output_tokens":   m.outputTokens,
		"cache_hits":          m.cacheHits,
		"cache_misses":        m.cacheMisses,
		"context_compactions": m.compactions,
		"runs_total":          m.runs,
		"runs_failed":         m.failedRuns,
		"subagents_total":     m.subagentsRun,
		"subagents_failed":    m.subagentsFailed,
	}
}

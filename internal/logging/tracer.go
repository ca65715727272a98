package logging

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one JSONL trace record.
type Event struct {
	Timestamp string         `json:"ts"`
	Event     string         `json:"event"`
	Session   string         `json:"session"`
	RequestID string         `json:"request_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Tracer writes structured events to JSONL files. It is a no-op unless
// debug mode is enabled.
type Tracer struct {
	mu          sync.Mutex
	sessionID   string
	requestID   string
	events      *os.File
	payloads    *os.File
	enabled     bool
	sessionPath string
}

// NewTracer creates a tracer. With debugMode false the tracer is inert.
func NewTracer(debugDir string, debugMode, llmEnabled bool) (*Tracer, error) {
	t := &Tracer{enabled: debugMode, sessionID: generateID("trace_")}
	if !debugMode {
		return t, nil
	}
	if err := os.MkdirAll(debugDir, 0o755); err != nil {
		return nil, fmt.Errorf("create debug directory: %w", err)
	}
	stamp := time.Now().Format("2006-01-02_15-04-05")

	var err error
	t.sessionPath = filepath.Join(debugDir, fmt.Sprintf("session_%s.jsonl", stamp))
	if t.events, err = os.OpenFile(t.sessionPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	if llmEnabled {
		path := filepath.Join(debugDir, fmt.Sprintf("llm_%s.jsonl", stamp))
		if t.payloads, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
			_ = t.events.Close()
			return nil, fmt.Errorf("create LLM trace file: %w", err)
		}
	}

	latest := filepath.Join(debugDir, "latest.jsonl")
	_ = os.Remove(latest)
	_ = os.Symlink(t.sessionPath, latest)
	return t, nil
}

// IsEnabled returns whether tracing is active.
func (t *Tracer) IsEnabled() bool {
	return t != nil && t.enabled
}

// GetSessionID returns the trace session id.
func (t *Tracer) GetSessionID() string {
	if t == nil {
		return ""
	}
	return t.sessionID
}

// SetRequestID sets the correlation id attached to subsequent events.
func (t *Tracer) SetRequestID(id string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.requestID = id
	t.mu.Unlock()
}

// Event writes one event built from fields.
func (t *Tracer) Event(eventType string, fields ...Field) {
	if !t.IsEnabled() {
		return
	}
	t.write(t.events, eventType, fieldsToMap(fields))
}

// EventWithData writes one event whose data merges data and fields.
func (t *Tracer) EventWithData(eventType string, data map[string]any, fields ...Field) {
	if !t.IsEnabled() {
		return
	}
	merged := make(map[string]any, len(data)+len(fields))
	for k, v := range data {
		merged[k] = v
	}
	for _, f := range fields {
		merged[f.Key] = f.Value
	}
	t.write(t.events, eventType, merged)
}

// LLMPayload traces a full request or response body.
func (t *Tracer) LLMPayload(kind string, payload map[string]any) {
	if !t.IsEnabled() || t.payloads == nil {
		return
	}
	t.write(t.payloads, "llm."+kind, payload)
}

func (t *Tracer) write(f *os.File, eventType string, data map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f == nil {
		return
	}
	line, err := json.Marshal(Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Event:     eventType,
		Session:   t.sessionID,
		RequestID: t.requestID,
		Data:      data,
	})
	if err != nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}

// GetPath returns the trace file path.
func (t *Tracer) GetPath() string {
	if t == nil {
		return ""
	}
	return t.sessionPath
}

// Close flushes and closes trace files.
func (t *Tracer) Close() error {
	if !t.IsEnabled() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var first error
	for _, f := range []*os.File{t.events, t.payloads} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	t.events, t.payloads = nil, nil
	return first
}

func generateID(prefix string) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return prefix + hex.EncodeToString(b)
}

// GenerateRequestID creates a correlation id for one LLM call.
func GenerateRequestID() string {
	return generateID("req_")
}

package logging

import "time"

// Field is one key/value pair on a log line or trace event.
type Field struct {
	Key   string
	Value any
}

// F builds an arbitrary field. The helpers below fix the key names used
// across the journal, trace and console output so they can be grepped.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

const maxPromptField = 200

// Identifiers.
func SessionID(id string) Field { return F("session_id", id) }
func RunID(id string) Field { return F("run_id", id) }
func InvocationID(id string) Field { return F("invocation_id", id) }
func ToolName(name string) Field { return F("tool", name) }
func Model(name string) Field { return F("model", name) }
func Path(p string) Field { return F("path", p) }

// Counters and outcomes.
func Tokens(n int) Field { return F("tokens", n) }
func Count(n int) Field { return F("count", n) }
func Iteration(n int) Field { return F("iteration", n) }
func Success(ok bool) Field { return F("success", ok) }
func Reason(r string) Field { return F("reason", r) }
func From(state string) Field { return F("from", state) }
func To(state string) Field { return F("to", state) }

// Duration is recorded in whole milliseconds.
func Duration(d time.Duration) Field { return F("duration_ms", d.Milliseconds()) }

func DurationSince(start time.Time) Field { return Duration(time.Since(start)) }

// Error records err's message, or nil.
func Error(err error) Field {
	var msg any
	if err != nil {
		msg = err.Error()
	}
	return F("error", msg)
}

// Prompt keeps log lines short; full payloads go to the tracer only when
// CODINGBUDDY_DEBUG_LLM is set.
func Prompt(p string) Field {
	if len(p) > maxPromptField {
		p = p[:maxPromptField-3] + "..."
	}
	return F("prompt", p)
}

func fieldsToMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return m
}

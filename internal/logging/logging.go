// Package logging provides a unified logging system for codingbuddy.
//
// The logging system has three output channels:
//   - Console (stderr): human-readable lines, filtered by level
//   - File (.deepseek/logs/): session logs, every level
//   - Tracer (JSONL): structured events, only in debug mode
//
// Usage:
//
//	log, err := logging.Init(logging.ConfigFromEnv())
//	if err != nil {
//	    // handle error
//	}
//	defer log.Close()
//
//	log.Info("session ready", logging.SessionID(id))
//	log.Event(logging.EventToolComplete, logging.ToolName("fs.read"))
package logging

import (
	"io"
	"sync"
)

// Logger is the main logging handle. A nil *Logger is valid and discards
// everything.
type Logger struct {
	config  Config
	console *ConsoleWriter
	file    *FileWriter
	tracer  *Tracer
	metrics *Metrics
	prefix  string
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// Init initializes the global logger. Call early in main().
func Init(cfg Config) (*Logger, error) {
	logger, err := New(cfg)
	if err != nil {
		return nil, err
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
	return logger, nil
}

// New creates a Logger without installing it globally.
func New(cfg Config) (*Logger, error) {
	level := cfg.Level
	if cfg.Verbose || cfg.DebugMode {
		level = LevelDebug
	}
	tracer, err := NewTracer(cfg.DebugDir, cfg.DebugMode, cfg.DebugLLM)
	if err != nil {
		return nil, err
	}
	return &Logger{
		config:  cfg,
		console: NewConsoleWriter(level),
		file:    NewFileWriter(cfg.LogDir),
		tracer:  tracer,
		metrics: NewMetrics(),
	}, nil
}

// Global returns the global logger, or nil before Init.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// WithPrefix returns a logger sharing this one's writers, tagged [prefix].
func (l *Logger) WithPrefix(prefix string) *Logger {
	if l == nil {
		return nil
	}
	cp := *l
	cp.prefix = prefix
	return &cp
}

// SetOutput redirects console output.
func (l *Logger) SetOutput(w io.Writer) {
	if l == nil {
		return
	}
	l.console.SetOutput(w)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields...) }

// Info logs an informational message.
func (l *Logger) Info(msg string, fields ...Field) { l.log(LevelInfo, msg, fields...) }

// Warn logs a warning.
func (l *Logger) Warn(msg string, fields ...Field) { l.log(LevelWarn, msg, fields...) }

// Error logs an error.
func (l *Logger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.console.Write(level, l.prefix, msg, fields...)
	_ = l.file.Write(level, l.prefix, msg, fields...)
}

// Event writes a structured trace event. No-op unless tracing is enabled.
func (l *Logger) Event(eventType string, fields ...Field) {
	if l == nil {
		return
	}
	l.tracer.Event(eventType, fields...)
}

// EventWithData writes a structured trace event with a data map.
func (l *Logger) EventWithData(eventType string, data map[string]any, fields ...Field) {
	if l == nil {
		return
	}
	l.tracer.EventWithData(eventType, data, fields...)
}

// LLMPayload traces a full LLM payload when CODINGBUDDY_DEBUG_LLM is set.
func (l *Logger) LLMPayload(kind string, payload map[string]any) {
	if l == nil {
		return
	}
	l.tracer.LLMPayload(kind, payload)
}

// SetRequestID sets the trace correlation id.
func (l *Logger) SetRequestID(id string) {
	if l == nil {
		return
	}
	l.tracer.SetRequestID(id)
}

// Metrics returns the in-process metrics collector.
func (l *Logger) Metrics() *Metrics {
	if l == nil {
		return nil
	}
	return l.metrics
}

// IsDebugEnabled reports whether debug lines reach the console.
func (l *Logger) IsDebugEnabled() bool {
	return l != nil && l.console.Enabled(LevelDebug)
}

// SetLevel sets the console level.
func (l *Logger) SetLevel(level Level) {
	if l == nil {
		return
	}
	l.console.SetLevel(level)
}

// Close writes the session summary and closes all writers.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	if l.tracer.IsEnabled() {
		l.tracer.EventWithData(EventSessionEnd, l.metrics.GetSnapshot())
	}
	err := l.file.Close()
	if terr := l.tracer.Close(); err == nil {
		err = terr
	}
	return err
}

// Package-level helpers writing to the global logger.

// Debug logs a debug message to the global logger.
func Debug(msg string, fields ...Field) { Global().Debug(msg, fields...) }

// Info logs an informational message to the global logger.
func Info(msg string, fields ...Field) { Global().Info(msg, fields...) }

// Warn logs a warning to the global logger.
func Warn(msg string, fields ...Field) { Global().Warn(msg, fields...) }

// LogError logs an error to the global logger.
func LogError(msg string, fields ...Field) { Global().Error(msg, fields...) }

// LogEvent writes a trace event to the global logger.
func LogEvent(eventType string, fields ...Field) { Global().Event(eventType, fields...) }

// GlobalMetrics returns the global logger's metrics. Without a logger it
// returns nil, which records nothing.
func GlobalMetrics() *Metrics { return Global().Metrics() }

// Close closes the global logger.
func Close() error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		return nil
	}
	err := globalLogger.Close()
	globalLogger = nil
	return err
}

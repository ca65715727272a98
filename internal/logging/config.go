// Package logging provides the unified logging system for codingbuddy.
// It supports console output, per-session log files, and structured event tracing.
package logging

import (
	"os"
	"strings"
)

// Level represents log severity levels.
type Level int

const (
	// LevelDebug logs everything, including verbose debugging information.
	LevelDebug Level = iota
	// LevelInfo logs informational messages and above.
	LevelInfo
	// LevelWarn logs warnings and errors only.
	LevelWarn
	// LevelError logs only error messages.
	LevelError
)

// String returns the string representation of a log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level. Unknown strings map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config holds logging configuration.
type Config struct {
	// Level is the minimum level for console output.
	Level Level

	// DebugMode enables JSONL event tracing.
	DebugMode bool

	// DebugLLM additionally traces full LLM request/response payloads.
	DebugLLM bool

	// DebugDir is where trace files are written.
	DebugDir string

	// LogDir is where session log files are written. Relative paths are
	// resolved against the working directory. Empty disables file logging.
	LogDir string

	// Verbose enables debug-level console output without tracing.
	Verbose bool
}

// DefaultDebugDir is the default directory for debug traces.
const DefaultDebugDir = "/tmp/codingbuddy-debug"

// DefaultLogDir is the default session log directory, relative to the workspace.
const DefaultLogDir = ".deepseek/logs"

// ConfigFromEnv creates a Config from environment variables.
//
//   - CODINGBUDDY_DEBUG=1 enables tracing
//   - CODINGBUDDY_DEBUG_LLM=1 traces full LLM payloads
//   - CODINGBUDDY_DEBUG_DIR overrides the trace directory
//   - CODINGBUDDY_LOG_LEVEL sets the console level
func ConfigFromEnv() Config {
	cfg := Config{
		Level:    LevelWarn,
		DebugDir: DefaultDebugDir,
		LogDir:   DefaultLogDir,
	}
	if os.Getenv("CODINGBUDDY_DEBUG") == "1" {
		cfg.DebugMode = true
		cfg.Level = LevelDebug
	}
	if os.Getenv("CODINGBUDDY_DEBUG_LLM") == "1" {
		cfg.DebugLLM = true
	}
	if dir := os.Getenv("CODINGBUDDY_DEBUG_DIR"); dir != "" {
		cfg.DebugDir = dir
	}
	if level := os.Getenv("CODINGBUDDY_LOG_LEVEL"); level != "" {
		cfg.Level = ParseLevel(level)
	}
	return cfg
}

// WithVerbose returns a copy of the config with verbose console output.
func (c Config) WithVerbose(enabled bool) Config {
	c.Verbose = enabled
	if enabled {
		c.Level = LevelDebug
	}
	return c
}

// WithLogDir returns a copy of the config writing session logs to dir.
func (c Config) WithLogDir(dir string) Config {
	c.LogDir = dir
	return c
}

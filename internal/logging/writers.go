package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// formatLine renders "15:04:05 LEVEL [prefix] message key=value ...".
func formatLine(now time.Time, level Level, prefix, msg string, fields []Field) string {
	var sb strings.Builder
	sb.WriteString(now.Format("15:04:05"))
	sb.WriteString(" ")
	fmt.Fprintf(&sb, "%-5s ", level.String())
	if prefix != "" {
		sb.WriteString("[" + prefix + "] ")
	}
	sb.WriteString(msg)
	for _, f := range fields {
		sb.WriteString(" ")
		sb.WriteString(f.Key)
		sb.WriteString("=")
		sb.WriteString(formatValue(f.Value))
	}
	sb.WriteString("\n")
	return sb.String()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if strings.ContainsAny(val, " \t\n") {
			return fmt.Sprintf("%q", val)
		}
		return val
	case error:
		if val == nil {
			return "<nil>"
		}
		return fmt.Sprintf("%q", val.Error())
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// ConsoleWriter writes level-filtered, human-readable lines to stderr.
type ConsoleWriter struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// NewConsoleWriter creates a console writer with the given minimum level.
func NewConsoleWriter(minLevel Level) *ConsoleWriter {
	return &ConsoleWriter{output: os.Stderr, minLevel: minLevel}
}

// SetOutput redirects console output.
func (c *ConsoleWriter) SetOutput(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = w
}

// SetLevel sets the minimum log level.
func (c *ConsoleWriter) SetLevel(level Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minLevel = level
}

// Enabled returns true if the given level would be written.
func (c *ConsoleWriter) Enabled(level Level) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return level >= c.minLevel
}

// Write writes one line when level passes the filter.
func (c *ConsoleWriter) Write(level Level, prefix, msg string, fields ...Field) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if level < c.minLevel {
		return
	}
	_, _ = io.WriteString(c.output, formatLine(time.Now(), level, prefix, msg, fields))
}

// FileWriter appends every level to a session log file. The file is created
// lazily on first write.
type FileWriter struct {
	mu       sync.Mutex
	file     *os.File
	logDir   string
	logPath  string
	initOnce sync.Once
	initErr  error
}

// NewFileWriter creates a file writer rooted at logDir. An empty logDir
// disables file output.
func NewFileWriter(logDir string) *FileWriter {
	return &FileWriter{logDir: logDir}
}

func (f *FileWriter) open() error {
	f.initOnce.Do(func() {
		if f.logDir == "" {
			return
		}
		dir := f.logDir
		if !filepath.IsAbs(dir) {
			cwd, err := os.Getwd()
			if err != nil {
				f.initErr = fmt.Errorf("get working directory: %w", err)
				return
			}
			dir = filepath.Join(cwd, dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			f.initErr = fmt.Errorf("create log directory: %w", err)
			return
		}
		path := filepath.Join(dir, fmt.Sprintf("session_%s.log", time.Now().Format("2006-01-02_15-04-05")))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			f.initErr = fmt.Errorf("create log file: %w", err)
			return
		}
		f.file = file
		f.logPath = path

		latest := filepath.Join(dir, "latest.log")
		_ = os.Remove(latest)
		_ = os.Symlink(filepath.Base(path), latest)
	})
	return f.initErr
}

// Write appends one line to the session log.
func (f *FileWriter) Write(level Level, prefix, msg string, fields ...Field) error {
	if err := f.open(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	_, err := f.file.WriteString(formatLine(time.Now(), level, prefix, msg, fields))
	return err
}

// GetPath returns the log file path, or "" before the first write.
func (f *FileWriter) GetPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logPath
}

// Close closes the underlying file.
func (f *FileWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

package ui

import (
	"context"
	"fmt"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
)

var spinnerFrames = []rune{'⠋', '⠙', '⠹', '⠸', '⠼', '⠴', '⠦', '⠧', '⠇', '⠏'}

// minAnimated is the shortest wait worth animating.
const minAnimated = 500 * time.Millisecond

// SpinnerConfig describes one wait.
type SpinnerConfig struct {
	Message     string
	Reason      string
	Duration    time.Duration
	Attempt     int // 1-based
	MaxAttempts int
}

// Spinner shows a countdown on stderr while the client backs off.
type Spinner struct {
	output *Output
}

func NewSpinner(output *Output) *Spinner {
	return &Spinner{output: output}
}

// Backoff waits out b with a countdown. It has the llm.BackoffFunc
// signature.
func (s *Spinner) Backoff(ctx context.Context, b llm.Backoff) error {
	return s.Start(ctx, SpinnerConfig{
		Message:     "Model request failed",
		Reason:      truncate(b.Reason, 60),
		Duration:    b.Delay,
		Attempt:     b.Attempt,
		MaxAttempts: b.MaxAttempts,
	})
}

// Start blocks until cfg.Duration elapses or ctx is done.
func (s *Spinner) Start(ctx context.Context, cfg SpinnerConfig) error {
	if cfg.Duration < minAnimated {
		return wait(ctx, cfg.Duration)
	}
	if !s.output.UseColors() {
		return s.staticWait(ctx, cfg)
	}
	return s.animatedWait(ctx, cfg)
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// staticWait prints one line, for piped output.
func (s *Spinner) staticWait(ctx context.Context, cfg SpinnerConfig) error {
	msg := fmt.Sprintf("%s %s: waiting %s", iconInfo, cfg.Message, formatDuration(cfg.Duration))
	if cfg.MaxAttempts > 0 {
		msg += fmt.Sprintf(" (retry %d/%d", cfg.Attempt, cfg.MaxAttempts)
		if cfg.Reason != "" {
			msg += ", " + cfg.Reason
		}
		msg += ")"
	} else if cfg.Reason != "" {
		msg += fmt.Sprintf(" (%s)", cfg.Reason)
	}
	s.output.mu.Lock()
	s.output.println(s.output.errW, msg)
	s.output.mu.Unlock()
	return wait(ctx, cfg.Duration)
}

func (s *Spinner) animatedWait(ctx context.Context, cfg SpinnerConfig) error {
	start := time.Now()
	frame := 0
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	defer fmt.Fprint(s.output.errW, ClearLine+CursorStart)

	for {
		remaining := max(cfg.Duration-time.Since(start), 0)
		line := s.buildStatusLine(string(spinnerFrames[frame]), cfg.Message, cfg.Reason, remaining, cfg.Attempt, cfg.MaxAttempts)
		fmt.Fprint(s.output.errW, ClearLine+CursorStart+line)
		if remaining == 0 {
			return nil
		}
		select {
		case <-ticker.C:
			frame = (frame + 1) % len(spinnerFrames)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// buildStatusLine renders "⠹ message | Retry 2/5 | reason | 45s remaining".
func (s *Spinner) buildStatusLine(frame, message, reason string, remaining time.Duration, attempt, maxAttempts int) string {
	sep := s.output.paint(dimStyle, " |")
	line := s.output.paint(toolNameStyle, frame) + " " + s.output.paint(warningStyle, message)
	if maxAttempts > 0 {
		line += fmt.Sprintf("%s Retry %d/%d", sep, attempt, maxAttempts)
	}
	if reason != "" {
		line += sep + " " + reason
	}
	return line + sep + " " + s.output.paint(headerStyle, formatDuration(remaining)+" remaining")
}

// formatDuration renders 45s, 1m30s or 5m00s.
func formatDuration(d time.Duration) string {
	d = max(d.Round(time.Second), 0)
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	if minutes == 0 {
		return fmt.Sprintf("%ds", seconds)
	}
	return fmt.Sprintf("%dm%02ds", minutes, seconds)
}

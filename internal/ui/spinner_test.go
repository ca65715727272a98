package ui

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"zero", 0, "0s"},
		{"seconds only", 45 * time.Second, "45s"},
		{"one minute", 60 * time.Second, "1m00s"},
		{"one minute thirty", 90 * time.Second, "1m30s"},
		{"five minutes thirty", 5*time.Minute + 30*time.Second, "5m30s"},
		{"negative rounds to zero", -5 * time.Second, "0s"},
		{"rounds down", 45*time.Second + 400*time.Millisecond, "45s"},
		{"rounds up", 45*time.Second + 600*time.Millisecond, "46s"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := formatDuration(tc.duration); got != tc.expected {
				t.Errorf("formatDuration(%v) = %q, expected %q", tc.duration, got, tc.expected)
			}
		})
	}
}

func TestSpinnerContextCancellation(t *testing.T) {
	spinner := NewSpinner(NewPlainOutput(&bytes.Buffer{}))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- spinner.Start(ctx, SpinnerConfig{Message: "Test", Duration: 10 * time.Second})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Error("spinner did not respond to context cancellation")
	}
}

func TestSpinnerShortWaitSkipsOutput(t *testing.T) {
	var buf bytes.Buffer
	spinner := NewSpinner(NewPlainOutput(&buf))

	start := time.Now()
	if err := spinner.Start(context.Background(), SpinnerConfig{Message: "Test", Duration: 100 * time.Millisecond}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("returned too quickly: %v", elapsed)
	}
	if buf.Len() != 0 {
		t.Errorf("short wait printed %q", buf.String())
	}
}

func TestSpinnerBackoffStaticLine(t *testing.T) {
	var buf bytes.Buffer
	spinner := NewSpinner(NewPlainOutput(&buf))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := spinner.Backoff(ctx, llm.Backoff{Delay: time.Minute, Attempt: 2, MaxAttempts: 3, Reason: "503 overloaded"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Backoff = %v, want context.Canceled", err)
	}
	want := "waiting 1m00s (retry 2/3, 503 overloaded)"
	if !strings.Contains(buf.String(), want) {
		t.Errorf("output %q missing %q", buf.String(), want)
	}
}

func TestSpinnerBuildStatusLine(t *testing.T) {
	spinner := NewSpinner(NewPlainOutput(&bytes.Buffer{}))

	tests := []struct {
		name        string
		frame       string
		message     string
		reason      string
		remaining   time.Duration
		attempt     int
		maxAttempts int
		expected    string
	}{
		{
			name:      "basic message",
			frame:     "⠋",
			message:   "Rate limited",
			remaining: 45 * time.Second,
			expected:  "⠋ Rate limited | 45s remaining",
		},
		{
			name:        "with retry",
			frame:       "⠹",
			message:     "Rate limited",
			attempt:     2,
			maxAttempts: 5,
			remaining:   30 * time.Second,
			expected:    "⠹ Rate limited | Retry 2/5 | 30s remaining",
		},
		{
			name:        "full info",
			frame:       "⠼",
			message:     "Rate limited",
			reason:      "API returned 429",
			attempt:     3,
			maxAttempts: 5,
			remaining:   2*time.Minute + 15*time.Second,
			expected:    "⠼ Rate limited | Retry 3/5 | API returned 429 | 2m15s remaining",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := spinner.buildStatusLine(tc.frame, tc.message, tc.reason, tc.remaining, tc.attempt, tc.maxAttempts)
			if got != tc.expected {
				t.Errorf("buildStatusLine() = %q, expected %q", got, tc.expected)
			}
		})
	}
}

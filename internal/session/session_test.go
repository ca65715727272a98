package session

import (
	"errors"
	"testing"
	"time"

	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
)

// matrix mirrors the transition table row by row; '1' means allowed.
var matrix = map[Status]string{
	StatusIdle:             "11000011",
	StatusPlanning:         "01101011",
	StatusExecutingStep:    "01111111",
	StatusAwaitingApproval: "01110011",
	StatusVerifying:        "01101111",
	StatusCompleted:        "11000100",
	StatusPaused:           "01100011",
	StatusFailed:           "11000001",
}

func TestCanTransitionMatrix(t *testing.T) {
	for from, row := range matrix {
		for i, to := range AllStatuses {
			want := row[i] == '1'
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTransitionInvalidLeavesStatus(t *testing.T) {
	s, err := New("/ws")
	if err != nil {
		t.Fatal(err)
	}
	before := s.UpdatedAt

	err = s.Transition(StatusVerifying)
	if err == nil {
		t.Fatal("expected Idle -> Verifying to fail")
	}
	if !errors.Is(err, buderr.ErrInvalidTransition) {
		t.Errorf("expected invalid transition error, got %v", err)
	}
	if err.Error() == "" || s.Status != StatusIdle || !s.UpdatedAt.Equal(before) {
		t.Errorf("session changed after failed transition: %+v", s)
	}
}

func TestTransitionHappyPath(t *testing.T) {
	s, err := New("/ws")
	if err != nil {
		t.Fatal(err)
	}
	for _, to := range []Status{StatusPlanning, StatusExecutingStep, StatusVerifying, StatusCompleted, StatusIdle} {
		if err := s.Transition(to); err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
	}
}

func TestNewSession(t *testing.T) {
	a, _ := New("/ws")
	b, _ := New("/ws")
	if a.ID == b.ID {
		t.Error("expected distinct ids")
	}
	if a.Status != StatusIdle {
		t.Errorf("expected Idle, got %s", a.Status)
	}
	if a.Budgets != DefaultBudgets() {
		t.Errorf("unexpected budgets %+v", a.Budgets)
	}
}

func TestParseStatus(t *testing.T) {
	if st, err := ParseStatus("AwaitingApproval"); err != nil || st != StatusAwaitingApproval {
		t.Errorf("ParseStatus = %v, %v", st, err)
	}
	if _, err := ParseStatus("Sleeping"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"line one\nline two", 50, "line one line two"},
		{"abcdefghijkl", 8, "abcde..."},
		{"héllo wörld ñandú", 8, "héllo..."},
		{"日本語のテキスト", 5, "日本..."},
		{"abcdef", 2, "ab"},
		{"abcdef", 0, ""},
		{"abcdef", -1, ""},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestFormatRelative(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{time.Minute, "1m ago"},
		{5 * time.Minute, "5m ago"},
		{2 * time.Hour, "2h ago"},
		{24 * time.Hour, "1d ago"},
		{30 * 24 * time.Hour, "May 16"},
	}
	for _, tt := range tests {
		if got := formatRelative(now, now.Add(-tt.ago)); got != tt.want {
			t.Errorf("formatRelative(-%v) = %q, want %q", tt.ago, got, tt.want)
		}
	}
}

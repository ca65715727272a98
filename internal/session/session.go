package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle             Status = "Idle"
	StatusPlanning         Status = "Planning"
	StatusExecutingStep    Status = "ExecutingStep"
	StatusAwaitingApproval Status = "AwaitingApproval"
	StatusVerifying        Status = "Verifying"
	StatusCompleted        Status = "Completed"
	StatusPaused           Status = "Paused"
	StatusFailed           Status = "Failed"
)

// AllStatuses lists every status in matrix order.
var AllStatuses = []Status{
	StatusIdle,
	StatusPlanning,
	StatusExecutingStep,
	StatusAwaitingApproval,
	StatusVerifying,
	StatusCompleted,
	StatusPaused,
	StatusFailed,
}

// allowed holds the non-self transitions. Self transitions are always allowed.
var allowed = map[Status][]Status{
	StatusIdle:             {StatusPlanning, StatusPaused, StatusFailed},
	StatusPlanning:         {StatusExecutingStep, StatusVerifying, StatusPaused, StatusFailed},
	StatusExecutingStep:    {StatusPlanning, StatusAwaitingApproval, StatusVerifying, StatusCompleted, StatusPaused, StatusFailed},
	StatusAwaitingApproval: {StatusPlanning, StatusExecutingStep, StatusPaused, StatusFailed},
	StatusVerifying:        {StatusPlanning, StatusExecutingStep, StatusCompleted, StatusPaused, StatusFailed},
	StatusCompleted:        {StatusIdle, StatusPlanning},
	StatusPaused:           {StatusPlanning, StatusExecutingStep, StatusFailed},
	StatusFailed:           {StatusIdle, StatusPlanning},
}

// ParseStatus converts a stored status string.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown session status %q", s)
}

// CanTransition reports whether from -> to is in the transition matrix.
func CanTransition(from, to Status) bool {
	if from == to {
		_, known := allowed[from]
		return known
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Budgets bounds a single turn.
type Budgets struct {
	PerTurnSeconds uint64 `json:"per_turn_seconds"`
	MaxThinkTokens uint32 `json:"max_think_tokens"`
}

// DefaultBudgets returns the budgets new sessions start with.
func DefaultBudgets() Budgets {
	return Budgets{PerTurnSeconds: 180, MaxThinkTokens: 8192}
}

// Session is a workspace-scoped lifecycle.
type Session struct {
	ID             string    `json:"session_id"`
	WorkspaceRoot  string    `json:"workspace_root"`
	BaselineCommit string    `json:"baseline_commit,omitempty"`
	Status         Status    `json:"status"`
	Budgets        Budgets   `json:"budgets"`
	ActivePlanID   string    `json:"active_plan_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// New creates an idle session for workspace with a time-ordered id.
func New(workspace string) (*Session, error) {
	id, err := NewID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	now := time.Now().UTC()
	return &Session{
		ID:            id,
		WorkspaceRoot: workspace,
		Status:        StatusIdle,
		Budgets:       DefaultBudgets(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// NewID returns a time-ordered UUID string.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Transition moves s to the target status. On an invalid transition the
// session is left unchanged.
func (s *Session) Transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return buderr.InvalidTransition(string(s.Status), string(to))
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone returns a copy that shares nothing with s.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// Info is the listing view of a session.
type Info struct {
	ID        string
	Status    Status
	UpdatedAt time.Time
	Preview   string
	Events    int
}

// Truncate shortens s to at most maxLen runes for previews, collapsing
// newlines. The cut never splits a rune; an ellipsis is added when there is
// room for it.
func Truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)

	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// FormatRelativeTime formats a time as a human-readable relative string
func FormatRelativeTime(t time.Time) string {
	return formatRelative(time.Now(), t)
}

func formatRelative(now, t time.Time) string {
	diff := now.Sub(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		if t.Year() == now.Year() {
			return t.Format("Jan 2")
		}
		return t.Format("Jan 2, 2006")
	}
}

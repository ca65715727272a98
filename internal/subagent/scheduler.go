// Package subagent fans delegated tasks out to workers with bounded
// concurrency and merges their results in a deterministic order.
package subagent

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abdul-hamid-achik/codingbuddy/internal/agentdefs"
	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// Role orders results: Explore < Plan < Task < any custom role.
type Role string

const (
	RoleExplore Role = "Explore"
	RolePlan    Role = "Plan"
	RoleTask    Role = "Task"
)

func (r Role) rank() int {
	switch r {
	case RoleExplore:
		return 0
	case RolePlan:
		return 1
	case RoleTask:
		return 2
	default:
		return 3
	}
}

// Task is one delegated unit of work.
type Task struct {
	RunID            string                `json:"run_id"`
	Name             string                `json:"name"`
	Goal             string                `json:"goal"`
	Role             Role                  `json:"role"`
	Team             string                `json:"team"`
	ReadOnlyFallback bool                  `json:"read_only_fallback"`
	Agent            *agentdefs.Definition `json:"custom_agent,omitempty"`
}

// NewTask creates a task with a time-ordered run id.
func NewTask(name, goal string, role Role, team string) Task {
	return Task{
		RunID: uuid.Must(uuid.NewV7()).String(),
		Name:  name,
		Goal:  goal,
		Role:  role,
		Team:  team,
	}
}

// Result is the outcome of a task after retries.
type Result struct {
	RunID                string `json:"run_id"`
	Name                 string `json:"name"`
	Role                 Role   `json:"role"`
	Team                 string `json:"team"`
	Attempts             uint8  `json:"attempts"`
	Success              bool   `json:"success"`
	Output               string `json:"output"`
	Error                string `json:"error,omitempty"`
	UsedReadOnlyFallback bool   `json:"used_read_only_fallback"`
}

// Worker executes one attempt of a task.
type Worker func(ctx context.Context, task Task) (string, error)

// Scheduler runs tasks in ordered chunks of at most MaxConcurrency.
type Scheduler struct {
	maxConcurrency int
	maxRetries     int
}

// NewScheduler creates a scheduler. Concurrency is at least 1.
func NewScheduler(cfg config.SubagentConfig) *Scheduler {
	return &Scheduler{
		maxConcurrency: max(cfg.MaxConcurrency, 1),
		maxRetries:     max(cfg.MaxRetriesPerTask, 0),
	}
}

// MaxConcurrency returns the chunk size.
func (s *Scheduler) MaxConcurrency() int { return s.maxConcurrency }

// RunTasks executes tasks and returns results sorted by role rank, team,
// name and run id. Tasks are drawn in run id order.
func (s *Scheduler) RunTasks(ctx context.Context, tasks []Task, worker Worker) []Result {
	pending := append([]Task(nil), tasks...)
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].RunID < pending[j].RunID })

	out := make([]Result, 0, len(pending))
	for start := 0; start < len(pending); start += s.maxConcurrency {
		end := min(start+s.maxConcurrency, len(pending))
		chunk := pending[start:end]
		results := make([]Result, len(chunk))

		var g errgroup.Group
		for i, task := range chunk {
			g.Go(func() error {
				results[i] = s.runOne(ctx, task, worker)
				return nil
			})
		}
		_ = g.Wait()
		out = append(out, results...)
	}

	SortResults(out)
	return out
}

func (s *Scheduler) runOne(ctx context.Context, task Task, worker Worker) Result {
	current := task
	attempts := 0
	start := time.Now()
	for {
		attempts++
		output, err := worker(ctx, current)
		if err == nil {
			logging.Debug("subagent completed",
				logging.RunID(task.RunID), logging.F("name", task.Name),
				logging.Count(attempts), logging.DurationSince(start))
			return s.result(task, current, attempts, true, output, "")
		}
		if attempts > s.maxRetries || ctx.Err() != nil {
			logging.Warn("subagent failed",
				logging.RunID(task.RunID), logging.F("name", task.Name),
				logging.Count(attempts), logging.Error(err))
			return s.result(task, current, attempts, false, "", err.Error())
		}
		if buderr.IsPolicyDenied(err) {
			current.ReadOnlyFallback = true
		}
		logging.LogEvent(logging.EventSubagentRetry,
			logging.RunID(task.RunID), logging.Iteration(attempts),
			logging.F("read_only_fallback", current.ReadOnlyFallback), logging.Error(err))
	}
}

func (s *Scheduler) result(task, current Task, attempts int, ok bool, output, errMsg string) Result {
	return Result{
		RunID:                task.RunID,
		Name:                 task.Name,
		Role:                 task.Role,
		Team:                 task.Team,
		Attempts:             uint8(min(attempts, math.MaxUint8)),
		Success:              ok,
		Output:               output,
		Error:                errMsg,
		UsedReadOnlyFallback: current.ReadOnlyFallback,
	}
}

// SortResults orders results by (role rank, team, name, run id).
func SortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Role.rank() != b.Role.rank() {
			return a.Role.rank() < b.Role.rank()
		}
		if a.Team != b.Team {
			return a.Team < b.Team
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.RunID < b.RunID
	})
}

// MergeResults renders results one per line.
func MergeResults(results []Result) string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		if r.Success {
			lines = append(lines, fmt.Sprintf("[%s::%s] %s (attempts=%d): %s", r.Team, r.Role, r.Name, r.Attempts, r.Output))
			continue
		}
		errMsg := r.Error
		if errMsg == "" {
			errMsg = "unknown error"
		}
		lines = append(lines, fmt.Sprintf("[%s::%s] %s failed (attempts=%d): %s", r.Team, r.Role, r.Name, r.Attempts, errMsg))
	}
	return strings.Join(lines, "\n")
}

// TeamMessage is a note passed between teammates.
type TeamMessage struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Team shares messages and completion marks between concurrently running
// subagents. One mutex guards all of it.
type Team struct {
	scheduler *Scheduler

	mu        sync.Mutex
	messages  []TeamMessage
	completed []string
}

// NewTeam creates a team over scheduler.
func NewTeam(scheduler *Scheduler) *Team {
	return &Team{scheduler: scheduler}
}

// Distribute runs tasks and marks each successful one completed.
func (t *Team) Distribute(ctx context.Context, tasks []Task, worker Worker) []Result {
	return t.scheduler.RunTasks(ctx, tasks, func(ctx context.Context, task Task) (string, error) {
		out, err := worker(ctx, task)
		if err != nil {
			return "", err
		}
		t.mu.Lock()
		t.completed = append(t.completed, task.Name)
		t.mu.Unlock()
		return out, nil
	})
}

// Send records a message. To "*" broadcasts.
func (t *Team) Send(from, to, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, TeamMessage{From: from, To: to, Content: content, Timestamp: time.Now().UTC()})
}

// MessagesFor returns messages addressed to recipient or broadcast.
func (t *Team) MessagesFor(recipient string) []TeamMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TeamMessage
	for _, m := range t.messages {
		if m.To == recipient || m.To == "*" {
			out = append(out, m)
		}
	}
	return out
}

// Completed returns the names of completed tasks, sorted.
func (t *Team) Completed() []string {
	t.mu.Lock()
	out := append([]string(nil), t.completed...)
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

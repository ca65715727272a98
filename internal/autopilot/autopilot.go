// Package autopilot repeats agent runs until a stop condition is met.
package autopilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// Stop reasons.
const (
	StopFileDetected        = "stop_file_detected"
	StopDurationElapsed     = "duration_elapsed"
	StopMaxIterations       = "max_iterations_reached"
	StopOnError             = "stopped_on_error"
	StopMaxConsecutiveFails = "max_consecutive_failures_reached"
	StopCancelled           = "cancelled"
)

// Heartbeat statuses.
const (
	StatusStarted = "started"
	StatusRunning = "running"
	StatusPaused  = "paused"
	StatusStopped = "stopped"
)

const (
	defaultDuration     = 2 * time.Hour
	defaultPollInterval = time.Second
	defaultRetryDelay   = 2 * time.Second
)

// Runner executes one agent iteration.
type Runner interface {
	RunOnce(ctx context.Context, prompt string) (string, error)
}

// RunStore persists autopilot run records.
type RunStore interface {
	UpsertAutopilotRun(ctx context.Context, r journal.AutopilotRunRecord) error
}

// Options bound one autopilot run.
type Options struct {
	Prompt    string
	SessionID string

	// Duration of zero means two hours unless Forever is set.
	Duration      time.Duration
	Forever       bool
	MaxIterations uint64

	ContinueOnError        bool
	MaxConsecutiveFailures uint64

	StopFile      string
	PauseFile     string
	HeartbeatFile string

	SleepBetween      time.Duration
	RetryDelay        time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// DefaultOptions fills sentinel paths under the workspace runtime dir.
func DefaultOptions(workspace, prompt string, cfg config.AutopilotConfig) Options {
	stop := filepath.Join(workspace, config.RuntimeDir, "autopilot.stop")
	return Options{
		Prompt:                 prompt,
		Duration:               defaultDuration,
		ContinueOnError:        true,
		MaxConsecutiveFailures: uint64(max(cfg.DefaultMaxConsecutiveFailures, 1)),
		StopFile:               stop,
		PauseFile:              PausePath(stop),
		HeartbeatFile:          filepath.Join(workspace, config.RuntimeDir, "autopilot.heartbeat.json"),
		RetryDelay:             defaultRetryDelay,
		PollInterval:           defaultPollInterval,
		HeartbeatInterval:      time.Duration(max(cfg.HeartbeatIntervalSeconds, 1)) * time.Second,
	}
}

// PausePath derives the pause sentinel from the stop sentinel:
// foo.stop becomes foo.pause, anything else gets a .pause suffix.
func PausePath(stop string) string {
	if filepath.Ext(stop) == ".stop" {
		return strings.TrimSuffix(stop, ".stop") + ".pause"
	}
	return stop + ".pause"
}

func (o Options) validate() error {
	switch {
	case strings.TrimSpace(o.Prompt) == "":
		return errors.New("autopilot prompt is empty")
	case o.MaxConsecutiveFailures == 0:
		return errors.New("max consecutive failures must be greater than 0")
	case o.StopFile == "" || o.HeartbeatFile == "":
		return errors.New("stop and heartbeat files are required")
	}
	return nil
}

// Summary is the final state of a run.
type Summary struct {
	RunID               string        `json:"run_id"`
	StopReason          string        `json:"stop_reason"`
	CompletedIterations uint64        `json:"completed_iterations"`
	FailedIterations    uint64        `json:"failed_iterations"`
	ConsecutiveFailures uint64        `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	Elapsed             time.Duration `json:"elapsed"`
}

// Err is non-nil when the run ended because iterations kept failing.
func (s Summary) Err() error {
	if s.StopReason == StopOnError || s.StopReason == StopMaxConsecutiveFails {
		return fmt.Errorf("autopilot %s: %s", s.StopReason, s.LastError)
	}
	return nil
}

// Loop drives a Runner under Options.
type Loop struct {
	runner Runner
	opts   Options
	store  RunStore
	emit   func(journal.Kind)
	now    func() time.Time
	// Output receives each iteration result; nil discards.
	Output func(iteration uint64, text string, err error)
}

// Option configures a Loop.
type Option func(*Loop)

// WithStore persists run records.
func WithStore(s RunStore) Option { return func(l *Loop) { l.store = s } }

// WithEvents routes autopilot events into the journal.
func WithEvents(emit func(journal.Kind)) Option { return func(l *Loop) { l.emit = emit } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

// New creates a loop.
func New(runner Runner, opts Options, options ...Option) *Loop {
	if opts.PauseFile == "" && opts.StopFile != "" {
		opts.PauseFile = PausePath(opts.StopFile)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = opts.PollInterval
	}
	l := &Loop{runner: runner, opts: opts, now: time.Now}
	for _, o := range options {
		o(l)
	}
	return l
}

type runState struct {
	id        string
	started   time.Time
	createdAt time.Time
	deadline  time.Time
	completed uint64
	failed    uint64
	consec    uint64
	lastErr   string
	paused    bool
	wake      <-chan struct{}
}

// Run loops until a stop condition and returns the summary. An error is
// returned only for invalid options or unwritable heartbeat files.
func (l *Loop) Run(ctx context.Context) (Summary, error) {
	if err := l.opts.validate(); err != nil {
		return Summary{}, err
	}
	st := &runState{id: uuid.Must(uuid.NewV7()).String(), started: l.now(), createdAt: l.now()}
	if !l.opts.Forever {
		d := l.opts.Duration
		if d <= 0 {
			d = defaultDuration
		}
		st.deadline = st.started.Add(d)
	}

	sentinel, err := NewSentinel(l.opts.StopFile, l.opts.PauseFile)
	if err != nil {
		logging.Warn("autopilot sentinel unavailable, polling only", logging.Error(err))
	} else {
		sentinel.Start(ctx)
		defer sentinel.Close()
		st.wake = sentinel.Wake()
	}

	l.publish(journal.AutopilotRunStarted{RunID: st.id, Prompt: l.opts.Prompt})
	l.publish(journal.BackgroundJobStarted{JobID: st.id, JobKind: "autopilot", Reference: st.id})
	l.persist(ctx, st, StatusRunning, "")
	if err := l.heartbeat(st, StatusStarted, ""); err != nil {
		return Summary{}, err
	}
	l.publishHeartbeat(st)

	reason, err := l.loop(ctx, st)
	if err != nil {
		return Summary{}, err
	}

	if err := l.heartbeat(st, StatusStopped, reason); err != nil {
		return Summary{}, err
	}
	l.persist(context.WithoutCancel(ctx), st, StatusStopped, reason)
	l.publish(journal.AutopilotRunStopped{
		RunID: st.id, StopReason: reason, CompletedIterations: st.completed, FailedIterations: st.failed,
	})
	l.publish(journal.BackgroundJobStopped{JobID: st.id, Reason: reason})
	logging.LogEvent(logging.EventAutopilotStop, logging.RunID(st.id), logging.Reason(reason),
		logging.F("completed", st.completed), logging.F("failed", st.failed))

	return Summary{
		RunID:               st.id,
		StopReason:          reason,
		CompletedIterations: st.completed,
		FailedIterations:    st.failed,
		ConsecutiveFailures: st.consec,
		LastError:           st.lastErr,
		Elapsed:             l.now().Sub(st.started),
	}, nil
}

func (l *Loop) loop(ctx context.Context, st *runState) (string, error) {
	for {
		if reason := l.stopReason(ctx, st); reason != "" {
			return reason, nil
		}
		if exists(l.opts.PauseFile) {
			if err := l.pause(ctx, st); err != nil {
				return "", err
			}
			continue
		}
		if st.paused {
			st.paused = false
			l.publish(journal.BackgroundJobResumed{JobID: st.id, Reference: st.id})
			l.persist(ctx, st, StatusRunning, "")
			logging.Info("autopilot resumed", logging.RunID(st.id))
		}

		iteration := st.completed + st.failed + 1
		prompt := IterationPrompt(l.opts.Prompt, iteration, st.consec, st.lastErr)
		start := l.now()
		out, err := l.runner.RunOnce(ctx, prompt)
		if l.Output != nil {
			l.Output(iteration, out, err)
		}
		logging.LogEvent(logging.EventAutopilotIteration, logging.RunID(st.id),
			logging.Iteration(int(iteration)), logging.Success(err == nil), logging.DurationSince(start))

		if err == nil {
			st.completed++
			st.consec = 0
			l.wait(ctx, st, l.opts.SleepBetween)
		} else {
			if ctx.Err() != nil {
				return StopCancelled, nil
			}
			st.failed++
			st.consec++
			st.lastErr = err.Error()
			switch {
			case !l.opts.ContinueOnError:
				return StopOnError, nil
			case st.consec >= l.opts.MaxConsecutiveFailures:
				return StopMaxConsecutiveFails, nil
			}
			l.wait(ctx, st, l.opts.RetryDelay)
		}

		if err := l.heartbeat(st, StatusRunning, ""); err != nil {
			return "", err
		}
		l.persist(ctx, st, StatusRunning, "")
		l.publishHeartbeat(st)
	}
}

func (l *Loop) stopReason(ctx context.Context, st *runState) string {
	switch {
	case ctx.Err() != nil:
		return StopCancelled
	case l.opts.MaxIterations > 0 && st.completed+st.failed >= l.opts.MaxIterations:
		return StopMaxIterations
	case !st.deadline.IsZero() && !l.now().Before(st.deadline):
		return StopDurationElapsed
	case exists(l.opts.StopFile):
		return StopFileDetected
	}
	return ""
}

// pause records the paused state, publishes a heartbeat and idles for one
// heartbeat interval.
func (l *Loop) pause(ctx context.Context, st *runState) error {
	if !st.paused {
		st.paused = true
		l.persist(ctx, st, StatusPaused, "")
		logging.Info("autopilot paused", logging.RunID(st.id), logging.Path(l.opts.PauseFile))
	}
	if err := l.heartbeat(st, StatusPaused, ""); err != nil {
		return err
	}
	l.publishHeartbeat(st)
	l.wait(ctx, st, l.opts.HeartbeatInterval)
	return nil
}

// wait sleeps for d, returning early on cancellation or sentinel activity.
func (l *Loop) wait(ctx context.Context, st *runState, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-st.wake:
	case <-t.C:
	}
}

// IterationPrompt appends a recovery block after failed iterations.
func IterationPrompt(prompt string, iteration, consecutiveFailures uint64, lastErr string) string {
	if consecutiveFailures == 0 {
		return prompt
	}
	lastErr = strings.TrimSpace(lastErr)
	if lastErr == "" {
		lastErr = "unknown error"
	}
	return fmt.Sprintf("%s\n\n[autopilot_recovery]\niteration=%d\nconsecutive_failures=%d\nlast_error=%s\npriority=recover_and_continue",
		prompt, iteration, consecutiveFailures, lastErr)
}

// Heartbeat is the JSON snapshot written to the heartbeat file.
type Heartbeat struct {
	RunID               string `json:"run_id"`
	Status              string `json:"status"`
	At                  string `json:"at"`
	CompletedIterations uint64 `json:"completed_iterations"`
	FailedIterations    uint64 `json:"failed_iterations"`
	ConsecutiveFailures uint64 `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
	StopReason          string `json:"stop_reason,omitempty"`
	StopFile            string `json:"stop_file"`
	PauseFile           string `json:"pause_file"`
}

// ReadHeartbeat loads a heartbeat file.
func ReadHeartbeat(path string) (Heartbeat, error) {
	var hb Heartbeat
	data, err := os.ReadFile(path)
	if err != nil {
		return hb, err
	}
	err = json.Unmarshal(data, &hb)
	return hb, err
}

func (l *Loop) heartbeat(st *runState, status, reason string) error {
	hb := Heartbeat{
		RunID:               st.id,
		Status:              status,
		At:                  l.now().UTC().Format(time.RFC3339),
		CompletedIterations: st.completed,
		FailedIterations:    st.failed,
		ConsecutiveFailures: st.consec,
		LastError:           st.lastErr,
		StopReason:          reason,
		StopFile:            l.opts.StopFile,
		PauseFile:           l.opts.PauseFile,
	}
	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return err
	}
	path := l.opts.HeartbeatFile
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("heartbeat dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return os.Rename(tmp, path)
}

func (l *Loop) publishHeartbeat(st *runState) {
	var lastErr *string
	if st.lastErr != "" {
		e := st.lastErr
		lastErr = &e
	}
	l.publish(journal.AutopilotRunHeartbeat{
		RunID:               st.id,
		CompletedIterations: st.completed,
		FailedIterations:    st.failed,
		ConsecutiveFailures: st.consec,
		LastError:           lastErr,
	})
}

func (l *Loop) persist(ctx context.Context, st *runState, status, reason string) {
	if l.store == nil {
		return
	}
	err := l.store.UpsertAutopilotRun(ctx, journal.AutopilotRunRecord{
		RunID:               st.id,
		SessionID:           l.opts.SessionID,
		Prompt:              l.opts.Prompt,
		Status:              status,
		StopReason:          reason,
		CompletedIterations: st.completed,
		FailedIterations:    st.failed,
		ConsecutiveFailures: st.consec,
		LastError:           st.lastErr,
		CreatedAt:           st.createdAt,
		UpdatedAt:           l.now(),
	})
	if err != nil {
		logging.Warn("persist autopilot run", logging.RunID(st.id), logging.Error(err))
	}
}

func (l *Loop) publish(k journal.Kind) {
	if l.emit != nil {
		l.emit(k)
	}
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

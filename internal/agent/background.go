package agent

import (
	"context"

	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/subagent"
)

const jobKindRunOnce = "run_once"

// Submit starts RunOnce for prompt as a detached background task and
// returns the task id. Nobody waits on it; poll Background().Get.
func (e *Engine) Submit(ctx context.Context, prompt string, opts RunOptions) (string, error) {
	sess, err := e.EnsureSession(ctx)
	if err != nil {
		return "", err
	}
	id := e.background.Submit(prompt, func(ctx context.Context) (string, error) {
		s, err := e.RunOnce(ctx, prompt, opts)
		if err != nil {
			return "", err
		}
		return s.String(), nil
	})
	logging.Info("background task submitted", logging.SessionID(sess.ID), logging.F("task_id", id))
	if err := e.emit(ctx, sess.ID, journal.BackgroundJobStarted{JobID: id, JobKind: jobKindRunOnce, Reference: prompt}); err != nil {
		return id, err
	}
	return id, nil
}

// StopTask cancels a running background task.
func (e *Engine) StopTask(id string) bool {
	return e.background.Stop(id)
}

func (e *Engine) backgroundFinished(entry subagent.Entry) {
	reason := string(entry.Status)
	if entry.Error != "" {
		reason += ": " + entry.Error
	}
	logging.Debug("background task finished", logging.F("task_id", entry.ID), logging.Reason(reason))
	e.emitCurrent(journal.BackgroundJobStopped{JobID: entry.ID, Reason: reason})
}

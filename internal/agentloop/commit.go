package agentloop

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/tools"
)

const (
	commitSubjectLimit = 72
	defaultCommitGoal  = "apply verified changes"
)

// CommitMessage renders the commit template with the prompt's first 72
// characters as {goal}.
func CommitMessage(cfg config.CommitConfig, prompt string) string {
	goal := strings.Join(strings.Fields(strings.ReplaceAll(prompt, "\n", " ")), " ")
	if utf8.RuneCountInString(goal) > commitSubjectLimit {
		goal = string([]rune(goal)[:commitSubjectLimit])
	}
	if goal == "" {
		goal = defaultCommitGoal
	}
	template := cfg.Template
	if template == "" {
		template = "{goal}"
	}
	return strings.ReplaceAll(template, "{goal}", goal)
}

// commitAnswer interprets the user's reply: skip, accept the suggestion, or
// use the reply as the message.
func commitAnswer(answer, suggested string) (string, bool) {
	a := strings.TrimSpace(answer)
	switch strings.ToLower(a) {
	case "", "no", "n", "skip":
		return "", false
	case "yes", "y":
		return suggested, true
	}
	return a, true
}

// proposeCommit records a CommitProposal and, when the caller can ask the
// user, commits the changed files with the accepted message.
func (r *Runner) proposeCommit(ctx context.Context, st *runState, report commandReport) {
	files := st.changedFiles
	if len(files) == 0 {
		return
	}
	suggested := CommitMessage(r.cfg.Commit, st.prompt)
	r.emit(journal.CommitProposal{
		Files:            files,
		TouchedFiles:     uint64(len(files)),
		LOCDelta:         uint64(st.locDelta),
		VerifyCommands:   report.Commands(),
		VerifyStatus:     statusWord(report.Passed()),
		SuggestedMessage: suggested,
	})
	logging.LogEvent(logging.EventCommitPropose,
		logging.F("files", len(files)), logging.F("loc_delta", st.locDelta))

	if r.cb.AskUser == nil {
		return
	}
	question := fmt.Sprintf("Commit %d changed file(s)?\nSuggested message: %q\n\n"+
		"Reply 'yes' to accept, type a custom message, or 'no' to skip.", len(files), suggested)
	answer, err := r.cb.AskUser(ctx, question, []string{"yes", "no"})
	if err != nil {
		logging.Warn("commit prompt failed", logging.Error(err))
		return
	}
	msg, ok := commitAnswer(answer, suggested)
	if !ok {
		return
	}
	if err := commitFiles(ctx, r.ws.Root(), files, msg, r.cfg.Commit.RequireSigning); err != nil {
		logging.Warn("commit failed", logging.Error(err))
	}
}

func commitFiles(ctx context.Context, root string, files []string, msg string, sign bool) error {
	add := append([]string{"add", "--"}, files...)
	if res, err := tools.RunGit(ctx, root, add...); err != nil || !res.Success() {
		return gitFailure("git add", res, err)
	}
	args := []string{"commit", "-m", msg}
	if sign {
		args = append(args, "-S")
	}
	if res, err := tools.RunGit(ctx, root, args...); err != nil || !res.Success() {
		return gitFailure("git commit", res, err)
	}
	return nil
}

func gitFailure(what string, res tools.ShellResult, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%s: %s", what, strings.TrimSpace(res.Stderr))
}

func statusWord(passed bool) string {
	if passed {
		return "passed"
	}
	return "failed"
}

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/codingbuddy/internal/agent"
	"github.com/abdul-hamid-achik/codingbuddy/internal/autopilot"
	"github.com/abdul-hamid-achik/codingbuddy/internal/ui"
)

func newRunCmd() *cobra.Command {
	var opts agent.RunOptions
	var background bool
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Plan, execute and verify one request",
		Long: `Plans the request, fans the plan's steps out to read-only subagents,
executes each step through the tool host and runs the plan's verification
commands. Calls policy does not pre-approve are asked for unless --tools
is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			prompt := strings.Join(args, " ")

			if background {
				id, err := a.engine.Submit(cmd.Context(), prompt, opts)
				if err != nil {
					return err
				}
				a.out.Info("background task " + id + " started; waiting for it to finish")
				a.engine.Background().Wait()
				entry, _ := a.engine.Background().Get(id)
				a.out.Summary("Background task", []ui.Row{
					{Key: "task", Value: entry.ID},
					{Key: "status", Value: string(entry.Status)},
					{Key: "result", Value: or(entry.Result, entry.Error)},
				})
				return nil
			}

			s, err := a.engine.RunOnce(cmd.Context(), prompt, opts)
			if err != nil {
				return err
			}
			a.out.Summary("Run", summaryRows(s))
			if !s.Success {
				return fmt.Errorf("run failed with %d failures", s.Failures())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.AllowTools, "tools", false, "Pre-approve every tool call policy does not deny")
	cmd.Flags().BoolVar(&opts.ForceMaxThink, "max-think", false, "Plan with the reasoning model")
	cmd.Flags().BoolVar(&opts.NonUrgent, "non-urgent", false, "Allow deferring model calls to the off-peak window")
	cmd.Flags().BoolVar(&background, "background", false, "Run as a background task")
	return cmd
}

func summaryRows(s *agent.Summary) []ui.Row {
	return []ui.Row{
		{Key: "session", Value: s.SessionID},
		{Key: "success", Value: strconv.FormatBool(s.Success)},
		{Key: "steps", Value: strconv.Itoa(s.Steps)},
		{Key: "execution failures", Value: strconv.Itoa(s.ExecutionFailures)},
		{Key: "verification failures", Value: strconv.Itoa(s.VerificationFailures)},
		{Key: "subagents", Value: strconv.Itoa(s.Subagents)},
		{Key: "router models", Value: or(strings.Join(s.RouterModels, ", "), "-")},
		{Key: "models", Value: s.BaseModel + " / " + s.MaxModel},
	}
}

func newChatCmd() *cobra.Command {
	var opts agent.ChatOptions
	cmd := &cobra.Command{
		Use:   "chat <prompt>",
		Short: "Answer a request through the tool-use loop",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.Chat(cmd.Context(), strings.Join(args, " "), opts)
			if err != nil {
				return err
			}
			if !a.cfg.LLM.Stream {
				a.out.Markdown(res.Response)
			}
			a.out.Info(fmt.Sprintf("%d turns, %d tool calls, %d/%d tokens",
				res.Turns, res.ToolCalls, res.Usage.InputTokens, res.Usage.OutputTokens))
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.ReadOnly, "read-only", false, "Offer only read-only tools")
	cmd.Flags().BoolVar(&opts.MaxThink, "max-think", false, "Use the reasoning model")
	cmd.Flags().BoolVar(&opts.NonUrgent, "non-urgent", false, "Allow deferring model calls to the off-peak window")
	return cmd
}

func newEditCmd() *cobra.Command {
	var opts agent.EditOptions
	cmd := &cobra.Command{
		Use:   "edit <prompt>",
		Short: "Make a change through the architect/editor loop",
		Long: `The architect plans the change, the editor writes a unified diff, and the
diff is applied, linted and verified, retrying with feedback until it
passes or the iteration budget runs out.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.engine.Edit(cmd.Context(), strings.Join(args, " "), opts)
			if err != nil {
				return err
			}
			if out.Response != "" {
				a.out.Markdown(out.Response)
			}
			a.out.Summary("Edit", []ui.Row{
				{Key: "run", Value: out.RunID},
				{Key: "verified", Value: strconv.FormatBool(out.Verified)},
				{Key: "iterations", Value: strconv.Itoa(out.Iterations)},
				{Key: "changed files", Value: or(strings.Join(out.ChangedFiles, ", "), "-")},
			})
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.PlanOnly, "plan-only", false, "Stop after the architect plan")
	cmd.Flags().BoolVar(&opts.MaxThink, "max-think", false, "Plan with the reasoning model")
	return cmd
}

func newPlanCmd() *cobra.Command {
	var opts agent.PlanOptions
	cmd := &cobra.Command{
		Use:   "plan <prompt>",
		Short: "Produce and journal a plan without executing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			plan, err := a.engine.PlanOnly(cmd.Context(), strings.Join(args, " "), opts)
			if err != nil {
				return err
			}
			a.out.Info(fmt.Sprintf("plan %s saved with %d steps", plan.PlanID, len(plan.Steps)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.ForceMaxThink, "max-think", false, "Plan with the reasoning model")
	cmd.Flags().BoolVar(&opts.NonUrgent, "non-urgent", false, "Allow deferring the call to the off-peak window")
	return cmd
}

func newAutopilotCmd() *cobra.Command {
	var (
		hours float64
		run   agent.RunOptions
		flags autopilot.Options
	)
	cmd := &cobra.Command{
		Use:   "autopilot <prompt>",
		Short: "Repeat a request until a stop condition",
		Long: `Runs the request again and again until the duration or iteration limit is
reached, failures pile up, or .deepseek/autopilot.stop appears. Touch
.deepseek/autopilot.stop.pause to pause.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := autopilot.DefaultOptions(a.engine.Workspace(), strings.Join(args, " "), a.cfg.Autopilot)
			if hours > 0 {
				opts.Duration = time.Duration(hours * float64(time.Hour))
			}
			opts.Forever = flags.Forever
			opts.MaxIterations = flags.MaxIterations
			if cmd.Flags().Changed("continue-on-error") {
				opts.ContinueOnError = flags.ContinueOnError
			}
			if flags.MaxConsecutiveFailures > 0 {
				opts.MaxConsecutiveFailures = flags.MaxConsecutiveFailures
			}

			summary, err := a.engine.Autopilot(cmd.Context(), opts, run, func(i uint64, out string, runErr error) {
				if runErr != nil {
					a.out.Warning(fmt.Sprintf("iteration %d: %v", i, runErr))
					return
				}
				a.out.Success(fmt.Sprintf("iteration %d: %s", i, out))
			})
			if err != nil {
				return err
			}
			a.out.Summary("Autopilot", []ui.Row{
				{Key: "run", Value: summary.RunID},
				{Key: "stop reason", Value: summary.StopReason},
				{Key: "completed", Value: strconv.FormatUint(summary.CompletedIterations, 10)},
				{Key: "failed", Value: strconv.FormatUint(summary.FailedIterations, 10)},
				{Key: "elapsed", Value: summary.Elapsed.Round(time.Second).String()},
			})
			return summary.Err()
		},
	}
	cmd.Flags().Float64Var(&hours, "hours", 0, "How long to run (default 2)")
	cmd.Flags().BoolVar(&flags.Forever, "forever", false, "Ignore the duration limit")
	cmd.Flags().Uint64Var(&flags.MaxIterations, "max-iterations", 0, "Stop after this many iterations (0: no limit)")
	cmd.Flags().BoolVar(&flags.ContinueOnError, "continue-on-error", true, "Keep going after a failed iteration")
	cmd.Flags().Uint64Var(&flags.MaxConsecutiveFailures, "max-consecutive-failures", 0, "Stop after this many failures in a row")
	cmd.Flags().BoolVar(&run.AllowTools, "tools", false, "Pre-approve every tool call policy does not deny")
	cmd.Flags().BoolVar(&run.NonUrgent, "non-urgent", false, "Allow deferring model calls to the off-peak window")
	return cmd
}

func or(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

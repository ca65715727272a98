package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/codingbuddy/internal/agent"
	"github.com/abdul-hamid-achik/codingbuddy/internal/tui"
	"github.com/abdul-hamid-achik/codingbuddy/internal/ui"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the latest session's state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.engine.Status(cmd.Context())
			if errors.Is(err, agent.ErrNoSession) {
				a.out.Info("no sessions in this workspace yet")
				return nil
			}
			if err != nil {
				return err
			}
			p := st.Projection
			a.out.Summary("Session "+st.Session.ID, []ui.Row{
				{Key: "state", Value: string(p.State)},
				{Key: "events", Value: strconv.FormatUint(p.EventCount, 10)},
				{Key: "permission mode", Value: or(p.PermissionMode, a.engine.Policy().Mode().String())},
				{Key: "tool calls", Value: fmt.Sprintf("%d (%d approved, %d denied)",
					len(p.ToolInvocations), len(p.ApprovedInvocations), len(p.DeniedInvocations))},
				{Key: "patches", Value: fmt.Sprintf("%d staged, %d applied", len(p.StagedPatches), len(p.AppliedPatches))},
				{Key: "verification", Value: fmt.Sprintf("%d runs, %d failed", p.VerificationRuns, p.VerificationFailed)},
				{Key: "subagents", Value: fmt.Sprintf("%d (%d failed)", len(p.SubagentRuns), p.SubagentFailures)},
				{Key: "checkpoints", Value: strconv.Itoa(len(p.Checkpoints))},
				{Key: "router models", Value: or(strings.Join(p.RouterModels, ", "), "-")},
				{Key: "tokens", Value: fmt.Sprintf("%d in / %d out", st.Usage[0], st.Usage[1])},
			})
			if p.LatestPlan != nil {
				a.out.Plan("Plan", p.LatestPlan)
			}
			return nil
		},
	}
}

func newSessionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			infos, err := a.engine.Store().ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				a.out.Info("no sessions in this workspace yet")
				return nil
			}
			rows := make([]ui.Row, 0, len(infos))
			for _, info := range infos {
				rows = append(rows, ui.Row{
					Key: info.ID,
					Value: fmt.Sprintf("%-18s %4d events  %s  %s", info.Status, info.Events,
						info.UpdatedAt.Local().Format(time.DateTime), info.Preview),
				})
			}
			a.out.Summary("Sessions", rows)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to list")
	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Reopen the latest session and show where it stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, proj, err := a.engine.Resume(cmd.Context())
			if err != nil {
				return err
			}
			a.out.Success(fmt.Sprintf("resumed session %s (%s, %d events)", sess.ID, sess.Status, proj.EventCount))
			if proj.LatestPlan != nil {
				a.out.Plan("Plan", proj.LatestPlan)
			}
			return nil
		},
	}
}

func newCheckpointCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "checkpoint [reason]",
		Short: "Snapshot the workspace, or list snapshots with --list",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if list {
				cps, err := a.engine.Store().ListCheckpoints(cmd.Context(), 0)
				if err != nil {
					return err
				}
				rows := make([]ui.Row, 0, len(cps))
				for _, c := range cps {
					rows = append(rows, ui.Row{
						Key: c.CheckpointID,
						Value: fmt.Sprintf("%s  %d files  %s", c.CreatedAt.Local().Format(time.DateTime),
							c.FilesCount, c.Reason),
					})
				}
				a.out.Summary("Checkpoints", rows)
				return nil
			}

			reason := or(strings.Join(args, " "), "manual")
			cp, err := a.engine.Checkpoint(cmd.Context(), reason)
			if err != nil {
				return err
			}
			a.out.Success(fmt.Sprintf("checkpoint %s created (%d files)", cp.ID, cp.FilesCount))
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List checkpoints instead of creating one")
	return cmd
}

func newRewindCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "rewind <checkpoint-id>",
		Short: "Restore the workspace to a checkpoint",
		Long: `Restores the files captured by a checkpoint. Files created after the
checkpoint are left in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if !yes {
				ok, err := a.input.Confirm("Rewind the workspace to "+args[0]+"?", false)
				if err != nil {
					return err
				}
				if !ok {
					a.out.Info("rewind cancelled")
					return nil
				}
			}
			cp, err := a.engine.Rewind(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.out.Success(fmt.Sprintf("restored %d files from %s", cp.FilesCount, cp.ID))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [session-id]",
		Short: "Follow a session's journal full-screen",
		Long: `Shows the events of a session as they are journaled, including runs
started from another terminal. Defaults to the latest session.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			id := ""
			if len(args) == 1 {
				id = args[0]
			} else {
				sess, err := a.engine.Store().LoadLatestSession(cmd.Context())
				if err != nil {
					return err
				}
				if sess == nil {
					return agent.ErrNoSession
				}
				id = sess.ID
			}
			return tui.Run(cmd.Context(), a.engine.Store(), id)
		},
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

var Version = "dev"

var (
	// Global flags
	workspace      string
	verbose        bool
	permissionMode string
)

var rootCmd = &cobra.Command{
	Use:   "codingbuddy",
	Short: "An autonomous coding agent for your repository",
	Long: `codingbuddy plans, edits and verifies changes in a repository.

Every action is journaled under .deepseek/ so sessions can be inspected,
resumed and rewound.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		workspace = ws
		cfg := logging.ConfigFromEnv().
			WithVerbose(verbose).
			WithLogDir(filepath.Join(ws, logging.DefaultLogDir))
		if _, err := logging.Init(cfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		logging.Debug("codingbuddy started", logging.F("command", cmd.CommandPath()), logging.Path(ws))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&permissionMode, "permission-mode", "",
		"ask, auto, plan, acceptEdits, dontAsk, locked or bypassPermissions")

	rootCmd.AddCommand(
		newRunCmd(),
		newChatCmd(),
		newEditCmd(),
		newPlanCmd(),
		newAutopilotCmd(),
		newStatusCmd(),
		newSessionsCmd(),
		newResumeCmd(),
		newWatchCmd(),
		newCheckpointCmd(),
		newRewindCmd(),
		newAgentsCmd(),
		newSkillsCmd(),
		newModelsCmd(),
		newInitCmd(),
		newVersionCmd(),
	)
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		return filepath.Abs(workspace)
	}
	return os.Getwd()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/codingbuddy/internal/agent"
	"github.com/abdul-hamid-achik/codingbuddy/internal/agentdefs"
	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
	"github.com/abdul-hamid-achik/codingbuddy/internal/skills"
	"github.com/abdul-hamid-achik/codingbuddy/internal/ui"
)

const modelTestPrompt = "What is 2+2? Answer with just the number."

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List custom agent definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := ui.NewOutput()
			defs, err := agentdefs.Load(agentdefs.Dirs(workspace)...)
			if err != nil {
				return err
			}
			if len(defs) == 0 {
				out.Info("no agents defined; add markdown files under .codingbuddy/agents/")
				return nil
			}
			rows := make([]ui.Row, 0, len(defs))
			for _, d := range defs {
				rows = append(rows, ui.Row{Key: d.Name, Value: describeAgent(d)})
			}
			out.Summary("Agents", rows)
			return nil
		},
	}
}

func describeAgent(d agentdefs.Definition) string {
	parts := []string{or(d.Description, "-")}
	if d.Model != "" {
		parts = append(parts, "model="+d.Model)
	}
	if len(d.Tools) > 0 {
		parts = append(parts, "tools="+strings.Join(d.Tools, ","))
	}
	if d.MaxTurns > 0 {
		parts = append(parts, "max_turns="+strconv.Itoa(d.MaxTurns))
	}
	if d.Isolation != "" {
		parts = append(parts, "isolation="+d.Isolation)
	}
	return strings.Join(parts, "  ")
}

func newSkillsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skills",
		Short: "List skills the model can load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := ui.NewOutput()
			c, err := skills.Load(skills.Dirs(workspace)...)
			if err != nil {
				return err
			}
			if c.Len() == 0 {
				out.Info("no skills defined; add markdown files under .codingbuddy/skills/")
				return nil
			}
			rows := make([]ui.Row, 0, c.Len())
			for _, s := range c.List() {
				rows = append(rows, ui.Row{Key: s.Name, Value: or(s.Description, "-")})
			}
			out.Summary("Skills", rows)
			return nil
		},
	}
}

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and test the configured models",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Show the configured models and routing thresholds",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(workspace)
				if err != nil {
					return err
				}
				ui.NewOutput().Summary("Models", modelRows(cfg))
				return nil
			},
		},
		&cobra.Command{
			Use:   "test",
			Short: "Send a tiny prompt to each model and time it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(workspace)
				if err != nil {
					return err
				}
				out := ui.NewOutput()
				client, err := agent.NewClient(cfg, ui.NewSpinner(out).Backoff)
				if err != nil {
					return err
				}
				out.Info("Testing models (prompt: '" + modelTestPrompt + "')")
				for _, model := range uniqueModels(cfg) {
					elapsed, answer, err := pingModel(cmd.Context(), client, model)
					if err != nil {
						out.Warning(fmt.Sprintf("%s: %v", model, err))
						continue
					}
					out.Success(fmt.Sprintf("%s: %.2fs - %q", model, elapsed.Seconds(), answer))
				}
				return nil
			},
		},
	)
	return cmd
}

func modelRows(cfg *config.Config) []ui.Row {
	return []ui.Row{
		{Key: "base", Value: cfg.LLM.BaseModel},
		{Key: "max think", Value: cfg.LLM.MaxThinkModel},
		{Key: "provider", Value: cfg.LLM.Provider},
		{Key: "endpoint", Value: cfg.LLM.Endpoint},
		{Key: "streaming", Value: strconv.FormatBool(cfg.LLM.Stream)},
		{Key: "auto max think", Value: strconv.FormatBool(cfg.Router.AutoMaxThink)},
		{Key: "threshold high", Value: strconv.FormatFloat(cfg.Router.ThresholdHigh, 'f', 2, 64)},
		{Key: "max escalations", Value: strconv.Itoa(cfg.Router.MaxEscalationsPerUnit)},
	}
}

func uniqueModels(cfg *config.Config) []string {
	models := []string{cfg.LLM.BaseModel}
	if cfg.LLM.MaxThinkModel != "" && cfg.LLM.MaxThinkModel != cfg.LLM.BaseModel {
		models = append(models, cfg.LLM.MaxThinkModel)
	}
	return models
}

func pingModel(ctx context.Context, client llm.Client, model string) (time.Duration, string, error) {
	start := time.Now()
	resp, err := client.Chat(ctx, llm.ChatRequest{
		Model:     model,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: modelTestPrompt}},
		MaxTokens: 16,
	})
	if err != nil {
		return 0, "", err
	}
	answer := strings.TrimSpace(resp.Content)
	if len(answer) > 50 {
		answer = answer[:47] + "..."
	}
	return time.Since(start), answer, nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write default project settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteProjectDefaults(workspace)
			if err != nil {
				return err
			}
			ui.NewOutput().Success("settings at " + path)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "codingbuddy "+Version)
		},
	}
}

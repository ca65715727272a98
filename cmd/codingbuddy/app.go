package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/codingbuddy/internal/agent"
	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
	"github.com/abdul-hamid-achik/codingbuddy/internal/permissions"
	"github.com/abdul-hamid-achik/codingbuddy/internal/policy"
	"github.com/abdul-hamid-achik/codingbuddy/internal/ui"
)

// app is what every command that touches a session needs.
type app struct {
	cfg    *config.Config
	engine *agent.Engine
	out    *ui.Output
	input  *ui.Input
}

// openApp loads configuration and opens the engine. Commands that only
// read the journal pass needsModel=false and work without an API key.
func openApp(cmd *cobra.Command, needsModel bool) (*app, error) {
	ctx := cmd.Context()
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	out := ui.NewOutput()
	input := ui.NewInput()
	prompter := permissions.NewPrompter(input, out)

	var client llm.Client = offlineClient{}
	if needsModel {
		if client, err = agent.NewClient(cfg, ui.NewSpinner(out).Backoff); err != nil {
			return nil, err
		}
	}

	h := agent.Handlers{
		Approve: prompter.Approve,
		AskUser: prompter.AskUser,
		OnEvent: out.Event,
	}
	if cfg.LLM.Stream {
		h.OnChunk = out.Chunk
	}
	engine, err := agent.Open(ctx, workspace, cfg, client, h)
	if err != nil {
		return nil, err
	}

	if permissionMode != "" {
		if err := engine.SetPermissionMode(ctx, policy.ParsePermissionMode(permissionMode)); err != nil {
			_ = engine.Close()
			return nil, err
		}
	}
	return &app{cfg: cfg, engine: engine, out: out, input: input}, nil
}

func (a *app) Close() error { return a.engine.Close() }

var errOffline = errors.New("this command does not use the model")

// offlineClient stands in for the model in journal-only commands.
type offlineClient struct{}

func (offlineClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.Response, error) {
	return nil, errOffline
}

func (offlineClient) ChatStream(ctx context.Context, req llm.ChatRequest) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, 1)
	ch <- llm.StreamChunk{Type: llm.ChunkError, Error: errOffline}
	close(ch)
	return ch
}

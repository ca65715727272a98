package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/subagent"
	"github.com/abdul-hamid-achik/codingbuddy/internal/tools"
)

const (
	retrieveTopK      = 8
	retrieveExcerpt   = 160
	toolFindingsLimit = 4000
)

// architectTools are the tools a plan may run directly. MCP tools are
// admitted by prefix.
var architectTools = map[string]bool{
	core.ToolFsRead.API():     true,
	core.ToolFsList.API():     true,
	core.ToolFsGrep.API():     true,
	core.ToolFsGlob.API():     true,
	core.ToolIndexQuery.API(): true,
}

func architectToolAllowed(name string) bool {
	api := core.ToAPIName(core.ToInternalName(name))
	return architectTools[api] || strings.HasPrefix(api, "mcp_")
}

// runSubagents delegates each request to the scheduler as an explore task
// and merges the results.
func (r *Runner) runSubagents(ctx context.Context, reqs []SubagentRequest) string {
	if r.scheduler == nil || r.subagent == nil {
		return "Subagents unavailable in this session."
	}
	tasks := make([]subagent.Task, 0, len(reqs))
	for _, req := range reqs {
		task := subagent.NewTask(req.Name, req.Goal, subagent.RoleExplore, "architect")
		r.emit(journal.SubagentSpawned{RunID: task.RunID, Name: task.Name, Goal: task.Goal})
		logging.LogEvent(logging.EventSubagentStart, logging.RunID(task.RunID), logging.F("name", task.Name))
		tasks = append(tasks, task)
	}
	results := r.scheduler.RunTasks(ctx, tasks, r.subagent)
	for _, res := range results {
		if res.Success {
			r.emit(journal.SubagentCompleted{RunID: res.RunID, Output: res.Output})
		} else {
			r.emit(journal.SubagentFailed{RunID: res.RunID, Error: res.Error})
		}
	}
	return subagent.MergeResults(results)
}

// runRetrieval queries the index once per request.
func (r *Runner) runRetrieval(ctx context.Context, reqs []RetrieveRequest) string {
	blocks := make([]string, 0, len(reqs))
	for _, req := range reqs {
		scope := req.Scope
		if scope == "" {
			scope = "workspace"
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "### Semantic Search: '%s' (scope: %s)\n", req.Query, scope)
		hits, err := r.queryIndex(ctx, req.Query)
		switch {
		case err != nil:
			fmt.Fprintf(&sb, "Error: %v", err)
		case len(hits) == 0:
			sb.WriteString("No matches found.")
		default:
			for _, h := range hits {
				fmt.Fprintf(&sb, "  - %s:%d: %s\n", h.Path, h.StartLine, excerpt(h.Snippet))
			}
		}
		blocks = append(blocks, strings.TrimRight(sb.String(), "\n"))
	}
	return strings.Join(blocks, "\n\n")
}

func (r *Runner) queryIndex(ctx context.Context, q string) ([]tools.IndexHit, error) {
	if r.index == nil {
		return nil, fmt.Errorf("index unavailable")
	}
	return r.index.Query(ctx, q, retrieveTopK)
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > retrieveExcerpt {
		return truncate(s, retrieveExcerpt)
	}
	return s
}

// runTools executes the plan's read-only tool calls in parallel. Output is
// sorted by tool name so findings are stable across runs.
func (r *Runner) runTools(ctx context.Context, reqs []ToolRequest) string {
	type block struct{ name, text string }
	blocks := make([]block, len(reqs))

	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			blocks[i] = block{req.Name, r.runTool(ctx, req)}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].name != blocks[j].name {
			return blocks[i].name < blocks[j].name
		}
		return blocks[i].text < blocks[j].text
	})
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.text
	}
	return strings.Join(out, "\n\n---\n\n")
}

func (r *Runner) runTool(ctx context.Context, req ToolRequest) string {
	header := "### Tool: " + req.Name
	if !architectToolAllowed(req.Name) {
		return header + "\nError: Tool not allowed in Architect plan parallel execution (must be a read-only tool)."
	}
	if req.Args != "" {
		header += "\nArgs: " + req.Args
	}

	args := map[string]any{}
	if req.Args != "" {
		if err := json.Unmarshal([]byte(req.Args), &args); err != nil {
			return header + "\nError:\ninvalid args: " + err.Error()
		}
	}
	result, ok := r.execute(ctx, core.ToolCall{Name: req.Name, Args: args})
	if !ok {
		return header + "\nError:\ndenied by policy"
	}
	text := truncate(result.OutputString(), toolFindingsLimit)
	if !result.Success {
		return header + "\nError:\n" + text
	}
	return header + "\nResult:\n" + text
}

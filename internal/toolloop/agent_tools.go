package toolloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/skills"
)

// thinkDeeplyBudget caps reasoner output for one think_deeply call.
const thinkDeeplyBudget = 4096

// agentTools are offered alongside the host's tools and handled in-process.
var agentTools = []llm.ToolDefinition{
	{
		Name:        core.ToolThinkDeeply.API(),
		Description: "Hand a hard sub-problem to the reasoning model and get its analysis back.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{"type": "string", "description": "The problem to reason about"},
				"context":  map[string]any{"type": "string", "description": "Relevant code or findings"},
			},
			"required": []string{"question"},
		},
	},
	{
		Name:        core.ToolUserQuestion.API(),
		Description: "Ask the user a clarifying question and wait for the answer.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{"type": "string", "description": "The question to ask"},
				"options": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Optional answer choices",
				},
			},
			"required": []string{"question"},
		},
	},
}

func (l *Loop) agentTool(ctx context.Context, name string, input map[string]any) (string, bool) {
	call := core.ToolCall{Name: name, Args: input}
	switch name {
	case core.ToolThinkDeeply.Internal():
		return l.thinkDeeply(ctx, call.StringArg("question"), call.StringArg("context"))
	case core.ToolUserQuestion.Internal():
		if l.cb.AskUser == nil {
			return "user_question is not available in this session; proceed with your best judgement", true
		}
		answer, err := l.cb.AskUser(ctx, call.StringArg("question"), stringList(input["options"]))
		if err != nil {
			return "could not get an answer: " + err.Error(), true
		}
		return answer, false
	case core.ToolSkill.Internal():
		return l.loadSkill(call.StringArg("name"))
	default:
		return fmt.Sprintf("%s is not yet available in this loop", name), true
	}
}

func skillTool(c *skills.Catalog) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        core.ToolSkill.API(),
		Description: "Load a skill's instructions by name. Available skills:\n" + c.Summary(),
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string", "description": "Skill name"},
			},
			"required": []string{"name"},
		},
	}
}

func (l *Loop) loadSkill(name string) (string, bool) {
	s, ok := l.opts.Skills.Get(name)
	if !ok {
		return fmt.Sprintf("unknown skill %q; available: %s", name, strings.Join(skillNames(l.opts.Skills), ", ")), true
	}
	logging.Debug("skill loaded", logging.F("skill", s.Name), logging.Path(s.Path))
	l.emit(journal.SkillLoaded{SkillID: s.Name, SourcePath: s.Path})
	return s.Content, false
}

func skillNames(c *skills.Catalog) []string {
	var names []string
	for _, s := range c.List() {
		names = append(names, s.Name)
	}
	return names
}

func (l *Loop) thinkDeeply(ctx context.Context, question, extra string) (string, bool) {
	if strings.TrimSpace(question) == "" {
		return "think_deeply needs a question", true
	}
	prompt := question
	if extra != "" {
		prompt += "\n\nContext:\n" + extra
	}
	logging.Debug("think_deeply rerouted", logging.Model(l.opts.ReasonerModel))
	resp, err := l.client.Chat(ctx, llm.ChatRequest{
		Model:     l.opts.ReasonerModel,
		System:    "You are a careful senior engineer. Reason about the problem and give a concise recommendation.",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens: thinkDeeplyBudget,
	})
	if err != nil {
		return "reasoner unavailable: " + err.Error(), true
	}
	l.usage.Add(resp.Usage)
	return resp.Content, false
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/go-cmp/cmp"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
)

func TestConvertMessages(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "read main.go"},
		{
			Role:               RoleAssistant,
			Content:            "reading",
			ReasoningContent:   "need the file",
			ReasoningSignature: "sig",
			ToolCalls: []ToolCall{
				{ID: "t1", Name: "fs_read", Input: map[string]any{"path": "main.go"}},
				{ID: "t2", Name: "fs_list"},
			},
		},
		{Role: RoleTool, ToolCallID: "t1", Content: "package main"},
		{Role: RoleTool, ToolCallID: "t2", Content: "denied", IsError: true},
		{Role: RoleUser, Content: "thanks"},
	}

	got := convertMessages(msgs)
	var roles []string
	var sizes []int
	for _, m := range got {
		roles = append(roles, string(m.Role))
		sizes = append(sizes, len(m.Content))
	}
	if diff := cmp.Diff([]string{"user", "assistant", "user"}, roles); diff != "" {
		t.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 4, 3}, sizes); diff != "" {
		t.Errorf("block counts mismatch (-want +got):\n%s", diff)
	}

	assistant := got[1].Content
	if assistant[0].OfThinking == nil || assistant[0].OfThinking.Signature != "sig" {
		t.Error("first assistant block should be the signed thinking block")
	}
	if assistant[2].OfToolUse == nil || assistant[2].OfToolUse.ID != "t1" {
		t.Error("tool use block t1 missing")
	}
	results := got[2].Content
	if results[0].OfToolResult == nil || results[0].OfToolResult.ToolUseID != "t1" {
		t.Error("tool result t1 should lead the merged user message")
	}
	if results[2].OfText == nil || results[2].OfText.Text != "thanks" {
		t.Error("trailing user text should merge into the tool result message")
	}
}

func TestConvertMessages_UnsignedReasoningDropped(t *testing.T) {
	got := convertMessages([]Message{
		{Role: RoleUser, Content: "q"},
		{Role: RoleAssistant, Content: "a", ReasoningContent: "thoughts"},
	})
	if len(got[1].Content) != 1 || got[1].Content[0].OfText == nil {
		t.Errorf("assistant blocks = %d, want only text", len(got[1].Content))
	}
}

func TestBuildParams(t *testing.T) {
	c := NewAnthropicClient(config.DefaultConfig().LLM, "key")
	params := c.buildParams(ChatRequest{
		Model:       "deepseek-chat",
		System:      "base",
		Messages:    []Message{{Role: RoleSystem, Content: "extra"}, {Role: RoleUser, Content: "hi"}},
		Tools:       []ToolDefinition{{Name: "fs_read", Description: "read", InputSchema: map[string]any{"type": "object", "properties": map[string]any{}}}},
		Temperature: 0.2,
	})
	if params.MaxTokens != 8192 {
		t.Errorf("MaxTokens = %d, want config default", params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "base\n\nextra" {
		t.Errorf("System = %+v", params.System)
	}
	if len(params.Tools) != 1 || params.Tools[0].OfTool.Name != "fs_read" {
		t.Errorf("Tools = %+v", params.Tools)
	}
	if len(params.Messages) != 1 {
		t.Errorf("Messages = %d, system turns must not be sent as messages", len(params.Messages))
	}
}

func TestParseMessage(t *testing.T) {
	raw := `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "deepseek-chat",
		"stop_reason": "tool_use",
		"content": [
			{"type": "thinking", "thinking": "look first", "signature": "s1"},
			{"type": "text", "text": "Let me look."},
			{"type": "tool_use", "id": "t1", "name": "fs_read", "input": {"path": "go.mod"}}
		],
		"usage": {"input_tokens": 120, "output_tokens": 30, "cache_read_input_tokens": 100}
	}`
	var msg anthropic.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := &Response{
		Content:            "Let me look.",
		Reasoning:          "look first",
		ReasoningSignature: "s1",
		ToolCalls:          []ToolCall{{ID: "t1", Name: "fs_read", Input: map[string]any{"path": "go.mod"}}},
		FinishReason:       FinishToolCalls,
		Usage:              Usage{InputTokens: 120, OutputTokens: 30, CacheReadTokens: 100},
		Model:              "deepseek-chat",
	}
	if diff := cmp.Diff(want, parseMessage(&msg)); diff != "" {
		t.Errorf("parseMessage mismatch (-want +got):\n%s", diff)
	}
}

func TestFinishReason(t *testing.T) {
	tests := map[string]string{
		"end_turn":      FinishStop,
		"tool_use":      FinishToolCalls,
		"max_tokens":    FinishLength,
		"refusal":       FinishContentFilter,
		"stop_sequence": FinishStop,
		"":              FinishStop,
	}
	for in, want := range tests {
		if got := finishReason(in); got != want {
			t.Errorf("finishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMapError(t *testing.T) {
	if mapError(nil) != nil {
		t.Error("nil should stay nil")
	}
	if err := mapError(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation should pass through, got %v", err)
	}
	if err := mapError(errors.New("dial tcp: refused")); !buderr.IsRetryable(err) {
		t.Errorf("network errors should be retryable, got %v", err)
	}
}

func TestCollect(t *testing.T) {
	ch := make(chan StreamChunk, 3)
	ch <- StreamChunk{Type: ChunkText, Text: "a"}
	ch <- StreamChunk{Type: ChunkDone, Response: &Response{Content: "a"}}
	close(ch)
	resp, err := Collect(ch)
	if err != nil || resp.Content != "a" {
		t.Errorf("Collect() = %+v, %v", resp, err)
	}

	empty := make(chan StreamChunk)
	close(empty)
	if _, err := Collect(empty); err == nil {
		t.Error("stream without done should fail")
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 1, OutputTokens: 2}
	u.Add(Usage{InputTokens: 10, OutputTokens: 20, CacheReadTokens: 5})
	if diff := cmp.Diff(Usage{InputTokens: 11, OutputTokens: 22, CacheReadTokens: 5}, u); diff != "" {
		t.Errorf("Add mismatch (-want +got):\n%s", diff)
	}
}

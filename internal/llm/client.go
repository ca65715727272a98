package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons reported in Response.FinishReason.
const (
	FinishStop          = "stop"
	FinishToolCalls     = "tool_calls"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
)

// Message is one conversation turn. Tool messages carry ToolCallID.
type Message struct {
	Role               string     `json:"role"`
	Content            string     `json:"content"`
	ReasoningContent   string     `json:"reasoning_content,omitempty"`
	ReasoningSignature string     `json:"reasoning_signature,omitempty"`
	ToolCalls          []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID         string     `json:"tool_call_id,omitempty"`
	IsError            bool       `json:"is_error,omitempty"`
}

// ToolCall represents a tool call from the LLM
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolDefinition defines a tool for the LLM
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage counts tokens for one request.
type Usage struct {
	InputTokens     uint64 `json:"input_tokens"`
	OutputTokens    uint64 `json:"output_tokens"`
	CacheReadTokens uint64 `json:"cache_read_tokens"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
}

// ChatRequest is a provider-neutral model request.
type ChatRequest struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	// ThinkingBudget enables extended thinking when positive.
	ThinkingBudget int `json:"thinking_budget,omitempty"`
}

// Response represents an LLM response
type Response struct {
	Content            string     `json:"content"`
	Reasoning          string     `json:"reasoning,omitempty"`
	ReasoningSignature string     `json:"reasoning_signature,omitempty"`
	ToolCalls          []ToolCall `json:"tool_calls,omitempty"`
	FinishReason       string     `json:"finish_reason"`
	Usage              Usage      `json:"usage"`
	Model              string     `json:"model"`
}

// Chunk types.
const (
	ChunkText     = "text"
	ChunkThinking = "thinking"
	ChunkToolCall = "tool_call"
	ChunkDone     = "done"
	ChunkError    = "error"
)

// StreamChunk represents a chunk of streamed response. The final "done"
// chunk carries the assembled Response.
type StreamChunk struct {
	Type     string
	Text     string
	ToolCall *ToolCall
	Response *Response
	Error    error
}

// Client is the model collaborator used by the planner and the loops.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*Response, error)
	ChatStream(ctx context.Context, req ChatRequest) <-chan StreamChunk
}

// Collect drains a stream into its final response.
func Collect(ch <-chan StreamChunk) (*Response, error) {
	var resp *Response
	for chunk := range ch {
		switch chunk.Type {
		case ChunkError:
			return nil, chunk.Error
		case ChunkDone:
			resp = chunk.Response
		}
	}
	if resp == nil {
		return nil, buderr.LLMTransport(errors.New("stream ended without a response"))
	}
	return resp, nil
}

const defaultChunkTimeout = 90 * time.Second

// AnthropicClient talks to any Anthropic-compatible Messages endpoint.
type AnthropicClient struct {
	client       anthropic.Client
	maxTokens    int
	chunkTimeout time.Duration
}

// NewAnthropicClient creates a client from the llm config section. Retries
// are left to ResilientClient.
func NewAnthropicClient(cfg config.LLMConfig, apiKey string) *AnthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	if cfg.TimeoutSeconds > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second))
	}
	return &AnthropicClient{
		client:       anthropic.NewClient(opts...),
		maxTokens:    cfg.MaxOutputTokens,
		chunkTimeout: defaultChunkTimeout,
	}
}

// Chat sends a message and returns the response
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	start := time.Now()
	logging.Debug("chat request",
		logging.Model(req.Model), logging.Count(len(req.Messages)), logging.F("tools", len(req.Tools)))

	msg, err := c.client.Messages.New(ctx, c.buildParams(req))
	if err != nil {
		logging.LogError("chat request failed", logging.Model(req.Model), logging.Error(err))
		return nil, mapError(err)
	}
	resp := parseMessage(msg)
	logging.LogEvent(logging.EventLLMResponse,
		logging.Model(resp.Model), logging.F("finish_reason", resp.FinishReason),
		logging.Tokens(int(resp.Usage.OutputTokens)), logging.DurationSince(start))
	return resp, nil
}

// ChatStream sends a message and streams the response
func (c *AnthropicClient) ChatStream(ctx context.Context, req ChatRequest) <-chan StreamChunk {
	ch := make(chan StreamChunk, 100)

	go func() {
		defer close(ch)

		stream := c.client.Messages.NewStreaming(ctx, c.buildParams(req))
		defer stream.Close()
		reader := newIdleReader(ctx, stream, c.chunkTimeout)

		var acc anthropic.Message
		for {
			event, more, err := reader.next()
			if err != nil {
				logging.LogError("stream failed", logging.Model(req.Model), logging.Error(err))
				ch <- StreamChunk{Type: ChunkError, Error: mapError(err)}
				return
			}
			if !more {
				break
			}
			if err := acc.Accumulate(event); err != nil {
				ch <- StreamChunk{Type: ChunkError, Error: buderr.LLMTransport(err)}
				return
			}

			switch e := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := e.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					ch <- StreamChunk{Type: ChunkText, Text: delta.Text}
				case anthropic.ThinkingDelta:
					ch <- StreamChunk{Type: ChunkThinking, Text: delta.Thinking}
				}
			case anthropic.ContentBlockStopEvent:
				if int(e.Index) < len(acc.Content) {
					if tu, ok := acc.Content[e.Index].AsAny().(anthropic.ToolUseBlock); ok {
						call := toolCallOf(tu)
						ch <- StreamChunk{Type: ChunkToolCall, ToolCall: &call}
					}
				}
			}
		}

		ch <- StreamChunk{Type: ChunkDone, Response: parseMessage(&acc)}
	}()

	return ch
}

func (c *AnthropicClient) buildParams(req ChatRequest) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessages(req.Messages),
	}

	system := req.System
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if req.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	} else if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			param := anthropic.ToolUnionParamOfTool(buildInputSchema(tool.InputSchema), tool.Name)
			param.OfTool.Description = anthropic.String(tool.Description)
			tools = append(tools, param)
		}
		params.Tools = tools
	}
	return params
}

// convertMessages maps conversation turns onto alternating user/assistant
// messages. Tool results become tool_result blocks on a user message and
// consecutive turns with the same API role are merged.
func convertMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	appendBlocks := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		if role == anthropic.MessageParamRoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			continue
		case RoleUser:
			appendBlocks(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(m.Content))
		case RoleTool:
			appendBlocks(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.ReasoningContent != "" && m.ReasoningSignature != "" {
				blocks = append(blocks, anthropic.NewThinkingBlock(m.ReasoningSignature, m.ReasoningContent))
			}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := tc.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			appendBlocks(anthropic.MessageParamRoleAssistant, blocks...)
		}
	}
	return out
}

func parseMessage(msg *anthropic.Message) *Response {
	resp := &Response{
		FinishReason: finishReason(string(msg.StopReason)),
		Model:        string(msg.Model),
		Usage: Usage{
			InputTokens:     uint64(max(msg.Usage.InputTokens, 0)),
			OutputTokens:    uint64(max(msg.Usage.OutputTokens, 0)),
			CacheReadTokens: uint64(max(msg.Usage.CacheReadInputTokens, 0)),
		},
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += b.Text
		case anthropic.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, toolCallOf(b))
		case anthropic.ThinkingBlock:
			resp.Reasoning += b.Thinking
			resp.ReasoningSignature = b.Signature
		}
	}
	if len(resp.ToolCalls) > 0 && resp.FinishReason == FinishStop {
		resp.FinishReason = FinishToolCalls
	}
	return resp
}

func toolCallOf(b anthropic.ToolUseBlock) ToolCall {
	input := map[string]any{}
	if len(b.Input) > 0 {
		if err := json.Unmarshal(b.Input, &input); err != nil {
			logging.Warn("invalid tool input", logging.ToolName(b.Name), logging.Error(err))
			input = map[string]any{}
		}
	}
	return ToolCall{ID: b.ID, Name: b.Name, Input: input}
}

func finishReason(stop string) string {
	switch stop {
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	case "refusal":
		return FinishContentFilter
	default:
		return FinishStop
	}
}

// mapError classifies SDK errors. Client-side API rejections other than 429
// are not retryable; everything else is a transport error.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return buderr.LLMTransport(err)
		}
		return &buderr.BuddyError{
			Category: buderr.CategoryLLM,
			Code:     "llm_request_rejected",
			Message:  "LLM request rejected",
			Cause:    err,
		}
	}
	return buderr.LLMTransport(err)
}

// buildInputSchema converts a tool's schema map to the SDK's ToolInputSchemaParam
func buildInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	result := anthropic.ToolInputSchemaParam{}
	if props, ok := schema["properties"].(map[string]any); ok {
		result.Properties = props
	}
	if req, ok := schema["required"]; ok {
		result.ExtraFields = map[string]any{"required": req}
	}
	return result
}

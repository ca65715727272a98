package llm

import (
	"context"
	"sync"
)

// MockLLMClient implements Client for testing.
type MockLLMClient struct {
	// Injectable behavior
	ChatFunc       func(ctx context.Context, req ChatRequest) (*Response, error)
	ChatStreamFunc func(ctx context.Context, req ChatRequest) <-chan StreamChunk

	mu       sync.Mutex
	requests []ChatRequest
}

// NewMockLLMClient creates a mock client with sensible defaults.
func NewMockLLMClient() *MockLLMClient {
	return &MockLLMClient{}
}

// NewScriptedClient returns a mock that replies with responses in order and
// repeats the last one once the script runs out.
func NewScriptedClient(responses ...*Response) *MockLLMClient {
	m := NewMockLLMClient()
	var idx int
	var mu sync.Mutex
	m.ChatFunc = func(ctx context.Context, req ChatRequest) (*Response, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(responses) == 0 {
			return &Response{Content: "mock response", FinishReason: FinishStop}, nil
		}
		r := responses[min(idx, len(responses)-1)]
		idx++
		cp := *r
		return &cp, nil
	}
	return m
}

// Chat calls the injected ChatFunc or returns a default response.
func (m *MockLLMClient) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	m.record(req)
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	return &Response{Content: "mock response", FinishReason: FinishStop, Model: req.Model}, nil
}

// ChatStream calls ChatStreamFunc, or replays Chat as a text chunk followed
// by done.
func (m *MockLLMClient) ChatStream(ctx context.Context, req ChatRequest) <-chan StreamChunk {
	if m.ChatStreamFunc != nil {
		m.record(req)
		return m.ChatStreamFunc(ctx, req)
	}

	ch := make(chan StreamChunk, 4)
	go func() {
		defer close(ch)
		resp, err := m.Chat(ctx, req)
		if err != nil {
			ch <- StreamChunk{Type: ChunkError, Error: err}
			return
		}
		if resp.Content != "" {
			ch <- StreamChunk{Type: ChunkText, Text: resp.Content}
		}
		ch <- StreamChunk{Type: ChunkDone, Response: resp}
	}()
	return ch
}

func (m *MockLLMClient) record(req ChatRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
}

// Requests returns a copy of every request received so far.
func (m *MockLLMClient) Requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.requests...)
}

// CallCount returns the number of requests received.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

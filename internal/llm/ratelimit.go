package llm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// EstimateTokens approximates the token count of text: chars/4 plus a 20%
// margin.
func EstimateTokens(text string) int {
	return int(float64(len(text)/4) * 1.2)
}

// EstimateMessages approximates tokens for a conversation, including a small
// per-message overhead.
func EstimateMessages(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += 4
		total += EstimateTokens(m.Content)
		total += EstimateTokens(m.ReasoningContent)
		for _, tc := range m.ToolCalls {
			total += EstimateTokens(tc.Name) + 16*len(tc.Input)
		}
	}
	return total
}

// EstimateRequest approximates the prompt size of req. Each tool definition
// counts as roughly 100 tokens.
func EstimateRequest(req ChatRequest) int {
	return EstimateMessages(req.Messages) + EstimateTokens(req.System) + 100*len(req.Tools)
}

// WaitInfo describes a rate limit wait.
type WaitInfo struct {
	Duration time.Duration
	Reason   string
}

// WaitCallback is called instead of sleeping when the limiter makes a
// request wait. It should block for the duration or until ctx is done.
type WaitCallback func(ctx context.Context, info WaitInfo) error

// TokenBucket limits prompt tokens per minute.
type TokenBucket struct {
	limiter *rate.Limiter
	mu      sync.Mutex
	onWait  WaitCallback
}

// NewTokenBucket allows tokensPerMinute with a burst of ten seconds' worth,
// never below 1000.
func NewTokenBucket(tokensPerMinute int) *TokenBucket {
	burst := max(tokensPerMinute/6, 1000)
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60.0), burst),
	}
}

// SetWaitCallback sets a callback to be invoked when waiting for tokens
func (tb *TokenBucket) SetWaitCallback(cb WaitCallback) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.onWait = cb
}

// Wait blocks until tokens are available. Requests larger than the burst
// are clamped to the burst so they are delayed rather than rejected.
func (tb *TokenBucket) Wait(ctx context.Context, tokens int) error {
	tb.mu.Lock()
	onWait := tb.onWait
	tb.mu.Unlock()

	tokens = min(max(tokens, 1), tb.limiter.Burst())
	reservation := tb.limiter.ReserveN(time.Now(), tokens)
	delay := reservation.Delay()
	if delay <= 0 {
		return nil
	}
	logging.Debug("rate limit wait", logging.Tokens(tokens), logging.Duration(delay))

	if onWait != nil {
		if err := onWait(ctx, WaitInfo{Duration: delay, Reason: "token bucket cooldown"}); err != nil {
			reservation.Cancel()
			return err
		}
		return nil
	}
	if err := sleepCtx(ctx, delay); err != nil {
		reservation.Cancel()
		return err
	}
	return nil
}

// RateLimitedClient delays requests so the estimated prompt tokens stay
// under the configured rate.
type RateLimitedClient struct {
	inner  Client
	bucket *TokenBucket
}

// NewRateLimitedClient wraps inner. When rate limiting is disabled inner is
// returned unchanged.
func NewRateLimitedClient(inner Client, cfg config.RateLimitConfig) Client {
	if !cfg.Enable || cfg.TokensPerMinute <= 0 {
		return inner
	}
	return &RateLimitedClient{inner: inner, bucket: NewTokenBucket(cfg.TokensPerMinute)}
}

// Bucket exposes the limiter so a UI can install a wait callback.
func (c *RateLimitedClient) Bucket() *TokenBucket { return c.bucket }

// Chat waits for capacity, then forwards the request.
func (c *RateLimitedClient) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	if err := c.bucket.Wait(ctx, EstimateRequest(req)); err != nil {
		return nil, err
	}
	return c.inner.Chat(ctx, req)
}

// ChatStream waits for capacity, then forwards the stream.
func (c *RateLimitedClient) ChatStream(ctx context.Context, req ChatRequest) <-chan StreamChunk {
	out := make(chan StreamChunk, 100)
	go func() {
		defer close(out)
		if err := c.bucket.Wait(ctx, EstimateRequest(req)); err != nil {
			out <- StreamChunk{Type: ChunkError, Error: err}
			return
		}
		for chunk := range c.inner.ChatStream(ctx, req) {
			out <- chunk
		}
	}()
	return out
}

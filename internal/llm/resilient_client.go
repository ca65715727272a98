package llm

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// errCircuitOpen is the cause attached when the breaker rejects a call.
var errCircuitOpen = errors.New("circuit breaker open")

const maxRetryDelay = 30 * time.Second

// ResilientClient wraps a Client with retry logic and circuit breaking.
type ResilientClient struct {
	inner      Client
	cb         *CircuitBreaker
	maxRetries int
	baseDelay  time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	waiter     BackoffFunc
}

// Backoff describes one wait between retries.
type Backoff struct {
	Delay       time.Duration
	Attempt     int
	MaxAttempts int
	Reason      string
}

// BackoffFunc waits out b. It replaces the plain sleep so a terminal can
// show progress; it must return early with ctx.Err() on cancellation.
type BackoffFunc func(ctx context.Context, b Backoff) error

// NewResilientClient retries retryable errors up to llm.max_retries times
// with exponential backoff from llm.retry_base_ms.
func NewResilientClient(inner Client, cfg config.LLMConfig) *ResilientClient {
	baseDelay := time.Duration(cfg.RetryBaseMS) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = 400 * time.Millisecond
	}
	return &ResilientClient{
		inner:      inner,
		cb:         NewCircuitBreaker(5, 30*time.Second),
		maxRetries: max(cfg.MaxRetries, 0),
		baseDelay:  baseDelay,
		sleep:      sleepCtx,
	}
}

// SetBackoff routes retry waits through fn.
func (rc *ResilientClient) SetBackoff(fn BackoffFunc) { rc.waiter = fn }

func (rc *ResilientClient) pause(ctx context.Context, delay time.Duration, attempt int, cause error) error {
	if rc.waiter == nil {
		return rc.sleep(ctx, delay)
	}
	return rc.waiter(ctx, Backoff{Delay: delay, Attempt: attempt + 1, MaxAttempts: rc.maxRetries, Reason: cause.Error()})
}

// Breaker exposes the circuit breaker for status reporting.
func (rc *ResilientClient) Breaker() *CircuitBreaker { return rc.cb }

// Chat sends a request with retry and circuit breaker protection.
func (rc *ResilientClient) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		if !rc.cb.Allow() {
			return nil, buderr.LLMUnavailable(errCircuitOpen)
		}

		resp, err := rc.inner.Chat(ctx, req)
		logging.GlobalMetrics().RecordLLMRequest(usageIn(resp), usageOut(resp), err)
		if err == nil {
			rc.cb.RecordSuccess()
			return resp, nil
		}
		lastErr = err
		rc.cb.RecordFailure()

		if !buderr.IsRetryable(err) || attempt == rc.maxRetries || ctx.Err() != nil {
			break
		}
		delay := rc.backoff(attempt)
		logging.LogEvent(logging.EventLLMRetry,
			logging.Model(req.Model), logging.Iteration(attempt+1), logging.Duration(delay), logging.Error(err))
		if err := rc.pause(ctx, delay, attempt, err); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// ChatStream retries a stream only while it has produced nothing; once a
// chunk has been forwarded an error ends the stream.
func (rc *ResilientClient) ChatStream(ctx context.Context, req ChatRequest) <-chan StreamChunk {
	out := make(chan StreamChunk, 100)

	go func() {
		defer close(out)
		for attempt := 0; attempt <= rc.maxRetries; attempt++ {
			if !rc.cb.Allow() {
				out <- StreamChunk{Type: ChunkError, Error: buderr.LLMUnavailable(errCircuitOpen)}
				return
			}

			forwarded := false
			var streamErr error
			for chunk := range rc.inner.ChatStream(ctx, req) {
				if chunk.Type == ChunkError {
					streamErr = chunk.Error
					continue
				}
				if chunk.Type == ChunkDone && chunk.Response != nil {
					logging.GlobalMetrics().RecordLLMRequest(chunk.Response.Usage.InputTokens, chunk.Response.Usage.OutputTokens, nil)
				}
				forwarded = true
				out <- chunk
			}
			if streamErr == nil {
				rc.cb.RecordSuccess()
				return
			}

			rc.cb.RecordFailure()
			logging.GlobalMetrics().RecordLLMRequest(0, 0, streamErr)
			if forwarded || !buderr.IsRetryable(streamErr) || attempt == rc.maxRetries || ctx.Err() != nil {
				out <- StreamChunk{Type: ChunkError, Error: streamErr}
				return
			}
			delay := rc.backoff(attempt)
			logging.LogEvent(logging.EventLLMRetry,
				logging.Model(req.Model), logging.Iteration(attempt+1), logging.Duration(delay), logging.Error(streamErr))
			if err := rc.pause(ctx, delay, attempt, streamErr); err != nil {
				out <- StreamChunk{Type: ChunkError, Error: err}
				return
			}
		}
	}()
	return out
}

// backoff returns base*2^attempt capped at maxRetryDelay, with 50-100%
// jitter.
func (rc *ResilientClient) backoff(attempt int) time.Duration {
	delay := min(rc.baseDelay*time.Duration(1<<min(attempt, 16)), maxRetryDelay)
	half := delay / 2
	if half <= 0 {
		return delay
	}
	return half + rand.N(half)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func usageIn(r *Response) uint64 {
	if r == nil {
		return 0
	}
	return r.Usage.InputTokens
}

func usageOut(r *Response) uint64 {
	if r == nil {
		return 0
	}
	return r.Usage.OutputTokens
}

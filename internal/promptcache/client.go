package promptcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// MetricRecorder persists provider_metrics rows. *journal.Store implements it.
type MetricRecorder interface {
	InsertProviderMetric(ctx context.Context, m journal.ProviderMetric) error
}

// Client serves repeated requests from the Store. Only complete text
// responses (finish reason "stop", no tool calls) are written.
type Client struct {
	inner    llm.Client
	store    *Store
	provider string
	metrics  MetricRecorder
	emit     func(journal.Kind)
	offPeak  *OffPeak
	now      func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics records one provider metric per call.
func WithMetrics(m MetricRecorder) Option { return func(c *Client) { c.metrics = m } }

// WithEvents receives PromptCacheHitV1 and OffPeakScheduledV1.
func WithEvents(emit func(journal.Kind)) Option { return func(c *Client) { c.emit = emit } }

// WithOffPeak enables the off-peak hook for non-urgent requests.
func WithOffPeak(o *OffPeak) Option { return func(c *Client) { c.offPeak = o } }

// NewClient wraps inner.
func NewClient(inner llm.Client, store *Store, provider string, opts ...Option) *Client {
	c := &Client{inner: inner, store: store, provider: provider, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

type nonUrgentKey struct{}

// NonUrgent marks ctx so the off-peak hook applies to calls made with it.
func NonUrgent(ctx context.Context) context.Context {
	return context.WithValue(ctx, nonUrgentKey{}, true)
}

func isNonUrgent(ctx context.Context) bool {
	v, _ := ctx.Value(nonUrgentKey{}).(bool)
	return v
}

// PromptOf renders the part of req that identifies a prompt: everything
// except the model.
func PromptOf(req llm.ChatRequest) string {
	req.Model = ""
	data, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	return string(data)
}

// KeyFor returns the cache key of req.
func (c *Client) KeyFor(req llm.ChatRequest) string {
	return Key(c.provider, req.Model, PromptOf(req))
}

// Chat returns a cached response when one exists, otherwise calls the
// wrapped client and caches the result.
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (*llm.Response, error) {
	c.checkOffPeak(ctx)
	key := c.KeyFor(req)
	if resp, ok := c.lookup(ctx, key, req.Model); ok {
		return resp, nil
	}

	start := c.now()
	resp, err := c.inner.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	c.recordMiss(ctx, key, req.Model, start)
	c.save(key, resp)
	return resp, nil
}

// ChatStream replays a cached response as text plus done, or forwards the
// live stream and caches its final response.
func (c *Client) ChatStream(ctx context.Context, req llm.ChatRequest) <-chan llm.StreamChunk {
	c.checkOffPeak(ctx)
	key := c.KeyFor(req)
	out := make(chan llm.StreamChunk, 100)

	if resp, ok := c.lookup(ctx, key, req.Model); ok {
		go func() {
			defer close(out)
			if resp.Content != "" {
				out <- llm.StreamChunk{Type: llm.ChunkText, Text: resp.Content}
			}
			out <- llm.StreamChunk{Type: llm.ChunkDone, Response: resp}
		}()
		return out
	}

	start := c.now()
	go func() {
		defer close(out)
		for chunk := range c.inner.ChatStream(ctx, req) {
			if chunk.Type == llm.ChunkDone && chunk.Response != nil {
				c.recordMiss(ctx, key, req.Model, start)
				c.save(key, chunk.Response)
			}
			out <- chunk
		}
	}()
	return out
}

func (c *Client) lookup(ctx context.Context, key, model string) (*llm.Response, bool) {
	resp, ok, err := c.store.Get(key)
	if err != nil {
		logging.Warn("prompt cache read failed", logging.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	logging.GlobalMetrics().RecordCache(true)
	logging.LogEvent(logging.EventCacheHit, logging.Model(model), logging.F("cache_key", key))
	c.recordMetric(ctx, journal.ProviderMetric{
		Provider: c.provider, Model: model, CacheKey: key, CacheHit: true,
	})
	if c.emit != nil {
		c.emit(journal.PromptCacheHit{CacheKey: key, Model: model})
	}
	return resp, true
}

func (c *Client) recordMiss(ctx context.Context, key, model string, start time.Time) {
	logging.GlobalMetrics().RecordCache(false)
	latency := c.now().Sub(start)
	logging.LogEvent(logging.EventCacheMiss, logging.Model(model), logging.Duration(latency))
	c.recordMetric(ctx, journal.ProviderMetric{
		Provider:  c.provider,
		Model:     model,
		CacheKey:  key,
		LatencyMS: uint64(max(latency.Milliseconds(), 0)),
	})
}

func (c *Client) recordMetric(ctx context.Context, m journal.ProviderMetric) {
	if c.metrics == nil {
		return
	}
	if err := c.metrics.InsertProviderMetric(ctx, m); err != nil {
		logging.Warn("provider metric not recorded", logging.Error(err))
	}
}

func (c *Client) save(key string, resp *llm.Response) {
	if resp.FinishReason != llm.FinishStop || len(resp.ToolCalls) > 0 {
		return
	}
	if err := c.store.Put(key, resp); err != nil {
		logging.Warn("prompt cache write failed", logging.Error(err))
	}
}

func (c *Client) checkOffPeak(ctx context.Context) {
	if c.offPeak == nil || !isNonUrgent(ctx) {
		return
	}
	if kind, deferred := c.offPeak.Check(c.now()); deferred && c.emit != nil {
		c.emit(kind)
	}
}

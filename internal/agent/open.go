package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/abdul-hamid-achik/codingbuddy/internal/agentdefs"
	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/promptcache"
	"github.com/abdul-hamid-achik/codingbuddy/internal/skills"
	"github.com/abdul-hamid-achik/codingbuddy/internal/telemetry"
)

// ErrNoAPIKey is returned by Open when no credential is configured.
var ErrNoAPIKey = errors.New("no API key configured")

// NewClient builds the production model client: the Anthropic-compatible
// transport wrapped in retries and, when enabled, a token-bucket limiter.
// backoff, when set, sees every retry wait.
func NewClient(cfg *config.Config, backoff llm.BackoffFunc) (llm.Client, error) {
	key := cfg.APIKeyValue()
	if key == "" {
		env := cfg.LLM.APIKeyEnv
		if env == "" {
			env = "DEEPSEEK_API_KEY"
		}
		return nil, fmt.Errorf("%w: set llm.api_key or $%s", ErrNoAPIKey, env)
	}
	resilient := llm.NewResilientClient(llm.NewAnthropicClient(cfg.LLM, key), cfg.LLM)
	if backoff != nil {
		resilient.SetBackoff(backoff)
	}
	return llm.NewRateLimitedClient(resilient, cfg.RateLimit), nil
}

// Open builds an engine for workspace with its own journal, prompt cache,
// metrics, agent definitions and skills. client may be nil to use NewClient.
// Close releases everything Open created.
func Open(ctx context.Context, workspace string, cfg *config.Config, client llm.Client, h Handlers) (*Engine, error) {
	if client == nil {
		var err error
		if client, err = NewClient(cfg, nil); err != nil {
			return nil, err
		}
	}
	store, err := journal.Open(workspace)
	if err != nil {
		return nil, err
	}
	cache, err := promptcache.NewStore(promptcache.Dir(workspace))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	metrics, err := telemetry.New(cfg.Telemetry.Enabled)
	if err != nil {
		logging.Warn("telemetry disabled", logging.Error(err))
		metrics = nil
	}
	agents, err := agentdefs.Load(agentdefs.Dirs(workspace)...)
	if err != nil {
		logging.Warn("agent definitions unavailable", logging.Error(err))
	}
	catalog, err := skills.Load(skills.Dirs(workspace)...)
	if err != nil {
		logging.Warn("skills unavailable", logging.Error(err))
	}

	e, err := New(workspace, cfg, Deps{
		Store:   store,
		LLM:     client,
		Metrics: metrics,
		Agents:  agents,
		Skills:  catalog,
		Cache:   cache,
	}, h)
	if err != nil {
		cache.Close()
		_ = store.Close()
		return nil, err
	}
	e.closers = append(e.closers, func() error { cache.Close(); return nil }, store.Close)
	logging.Debug("engine opened", logging.Path(e.workspace), logging.Count(len(agents)), logging.F("skills", catalog.Len()))
	return e, nil
}

// Agents returns the loaded custom agent definitions.
func (e *Engine) Agents() []agentdefs.Definition { return e.agents }

// Skills returns the loaded skill catalog, which may be nil.
func (e *Engine) Skills() *skills.Catalog { return e.skills }

// Package handler provides terminal handlers for pipelines: a scripted
// static handler, an OpenAI chat completion handler, and the cache and
// retry wrappers that sit around a model call.
package handler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/pkg/config"
)

// Handler types accepted in configuration.
const (
	TypeStatic = "static"
	TypeOpenAI = "openai"
)

// DefaultStaticContent is returned by a static handler configured without
// content.
const DefaultStaticContent = "This is a simulated model response."

// FromConfig builds the configured handler, wrapped with retries and a
// response cache when enabled. The cache is returned so callers can report
// its statistics; it is nil when caching is off.
func FromConfig(cfg config.HandlerConfig, logger *slog.Logger) (ports.Handler, *Cache, error) {
	var h ports.Handler
	switch cfg.Type {
	case "", TypeStatic:
		content := cfg.Content
		if content == "" {
			content = DefaultStaticContent
		}
		h = Static(content).Handle
	case TypeOpenAI:
		if cfg.APIKey == "" {
			return nil, nil, fmt.Errorf("openai handler requires an api_key")
		}
		opts := []OpenAIOption{WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, WithBaseURL(cfg.BaseURL))
		}
		h = OpenAI(cfg.APIKey, opts...)
	default:
		return nil, nil, fmt.Errorf("unknown handler type: %s", cfg.Type)
	}

	if cfg.Retries > 0 {
		h = WithRetry(h, RetryConfig{
			MaxRetries:      cfg.Retries,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Logger:          logger,
		})
	}

	var cache *Cache
	if cfg.CacheSize > 0 {
		var err error
		cache, err = NewCache(cfg.CacheSize, logger)
		if err != nil {
			return nil, nil, err
		}
		h = cache.Wrap(h)
	}
	return h, cache, nil
}

package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
)

// MetaCache marks responses served from the cache.
const MetaCache = "cache"

// Cache memoizes handler responses keyed by model and conversation.
type Cache struct {
	entries *lru.Cache[string, *domain.Response]
	logger  *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats is a snapshot of cache effectiveness.
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// NewCache creates a cache holding up to size responses.
func NewCache(size int, logger *slog.Logger) (*Cache, error) {
	entries, err := lru.New[string, *domain.Response](size)
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{entries: entries, logger: logger}, nil
}

// Wrap returns a handler that consults the cache before calling next.
// Tool executions and failed calls are never cached.
func (c *Cache) Wrap(next ports.Handler) ports.Handler {
	return func(ctx context.Context, req *domain.Request) (*domain.Response, error) {
		if req.ToolCall != nil {
			return next(ctx, req)
		}
		key, err := cacheKey(req)
		if err != nil {
			return next(ctx, req)
		}

		if cached, ok := c.entries.Get(key); ok {
			c.hits.Add(1)
			c.logger.Debug("response cache hit", slog.String("request_id", req.ID))
			hit := *cached
			hit.ID = req.ID
			hit.Metadata = maps.Clone(cached.Metadata)
			hit.SetMeta(MetaCache, "hit")
			return &hit, nil
		}

		c.misses.Add(1)
		resp, err := next(ctx, req)
		if err != nil || resp == nil || resp.Aborted {
			return resp, err
		}
		stored := *resp
		stored.Metadata = maps.Clone(resp.Metadata)
		c.entries.Add(key, &stored)
		return resp, nil
	}
}

// Stats returns the current hit and miss counts.
func (c *Cache) Stats() CacheStats {
	s := CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.entries.Len(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Purge empties the cache and resets the statistics.
func (c *Cache) Purge() {
	c.entries.Purge()
	c.hits.Store(0)
	c.misses.Store(0)
}

func cacheKey(req *domain.Request) (string, error) {
	data, err := json.Marshal(struct {
		Model    string                  `json:"model"`
		Messages []domain.Message        `json:"messages"`
		Tools    []domain.ToolDefinition `json:"tools,omitempty"`
	}{req.Model, req.Messages, req.Tools})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

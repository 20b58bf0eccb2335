package stages

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
)

// DefaultMaxTrackedUsers bounds the per-user limiters a RateLimiter keeps.
const DefaultMaxTrackedUsers = 10000

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	Name              string
	RequestsPerSecond float64
	// Burst defaults to RequestsPerSecond rounded up, at least 1.
	Burst int
	// MaxUsers bounds the tracked users; the least recently seen user's
	// limiter is dropped first and starts with a full bucket if it returns.
	MaxUsers int
	Logger   *slog.Logger
}

// RateLimiter halts invocations that exceed a per-user request rate.
type RateLimiter struct {
	name   string
	limit  rate.Limit
	burst  int
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

var _ ports.Halter = (*RateLimiter)(nil)

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(cfg RateLimitConfig) (*RateLimiter, error) {
	if cfg.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("requests_per_second must be positive, got %v", cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(cfg.RequestsPerSecond)))
	}
	maxUsers := cfg.MaxUsers
	if maxUsers <= 0 {
		maxUsers = DefaultMaxTrackedUsers
	}
	limiters, err := lru.New[string, *rate.Limiter](maxUsers)
	if err != nil {
		return nil, fmt.Errorf("create limiter cache: %w", err)
	}
	return &RateLimiter{
		name:     nameOr(cfg.Name, NameRateLimiter),
		limit:    rate.Limit(cfg.RequestsPerSecond),
		burst:    burst,
		logger:   loggerOr(cfg.Logger),
		now:      time.Now,
		limiters: limiters,
	}, nil
}

func (r *RateLimiter) Name() string { return r.name }

func (r *RateLimiter) limiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters.Get(key)
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters.Add(key, l)
	}
	return l
}

// Tracked returns the number of users with a live limiter.
func (r *RateLimiter) Tracked() int {
	return r.limiters.Len()
}

func (r *RateLimiter) HaltsWith(ctx context.Context, req *domain.Request) error {
	key := userKey(req)
	if r.limiter(key).AllowN(r.now(), 1) {
		return nil
	}
	r.logger.WarnContext(ctx, "rate limited",
		slog.String("stage", r.name),
		slog.String("key", key),
		slog.Float64("requests_per_second", float64(r.limit)),
		slog.Int("burst", r.burst))
	return fmt.Errorf("%w for %s", ErrRateLimited, key)
}

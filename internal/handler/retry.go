package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	openai "github.com/sashabaranov/go-openai"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
)

const (
	defaultMaxRetries = 2
	defaultBaseDelay  = 500 * time.Millisecond
	defaultMaxDelay   = 5 * time.Second
)

// ErrTransient marks handler errors worth retrying.
var ErrTransient = errors.New("transient handler error")

// RetryConfig controls how a handler is retried.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *slog.Logger
}

// WithRetry wraps next so that transient failures are retried with
// exponential backoff. Non-retryable errors are returned immediately.
func WithRetry(next ports.Handler, cfg RetryConfig) ports.Handler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultBaseDelay
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaultMaxDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, req *domain.Request) (*domain.Response, error) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.InitialInterval
		b.MaxInterval = cfg.MaxInterval

		attempt := 0
		return backoff.Retry(ctx, func() (*domain.Response, error) {
			attempt++
			resp, err := next(ctx, req)
			if err != nil && !Retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return resp, err
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(uint(cfg.MaxRetries+1)),
			backoff.WithNotify(func(err error, wait time.Duration) {
				logger.Warn("handler call failed, retrying",
					slog.String("request_id", req.ID),
					slog.Int("attempt", attempt),
					slog.Int("max_retries", cfg.MaxRetries),
					slog.Duration("backoff", wait),
					slog.String("error", err.Error()),
				)
			}),
		)
	}
}

// Retryable reports whether err is a transient failure: rate limiting,
// server errors from the provider, or anything wrapping ErrTransient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

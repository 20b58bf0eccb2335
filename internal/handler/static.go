package handler

import (
	"context"
	"sync/atomic"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/tokens"
)

// StaticHandler answers every request with scripted content. It stands in
// for a model in demos and tests.
type StaticHandler struct {
	content   func(*domain.Request) string
	estimator *tokens.Estimator
	calls     atomic.Int64
}

// Static returns a handler that always answers with content.
func Static(content string) *StaticHandler {
	return StaticFunc(func(*domain.Request) string { return content })
}

// StaticFunc returns a handler whose answer is computed from the request.
func StaticFunc(fn func(*domain.Request) string) *StaticHandler {
	return &StaticHandler{content: fn, estimator: tokens.NewEstimator()}
}

// Calls returns how many times the handler ran.
func (s *StaticHandler) Calls() int64 { return s.calls.Load() }

// Handle implements ports.Handler.
func (s *StaticHandler) Handle(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content := s.content(req)
	prompt, err := s.estimator.CountTokens(ctx, domain.TokenCountRequestFor(req))
	if err != nil {
		return nil, err
	}
	completion := s.estimator.Estimate(len(content))

	return &domain.Response{
		ID:           req.ID,
		Model:        req.Model,
		Content:      content,
		FinishReason: "stop",
		Usage: domain.Usage{
			PromptTokens:     prompt.InputTokens,
			CompletionTokens: completion,
			TotalTokens:      prompt.InputTokens + completion,
		},
	}, nil
}

// Package tokens counts request tokens for budget enforcement and logging.
package tokens

import (
	"context"
	"fmt"
	"strings"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
)

// Registry picks a counter per model and falls back to an estimator for
// models no registered counter supports.
type Registry struct {
	counters []domain.TokenCounter
	fallback domain.TokenCounter
}

// NewRegistry creates a registry with only the fallback estimator.
func NewRegistry() *Registry {
	return &Registry{fallback: NewEstimator()}
}

// Default returns a registry with the tiktoken counter for OpenAI models and
// the estimator for everything else.
func Default() *Registry {
	r := NewRegistry()
	r.Register(NewOpenAICounter())
	return r
}

// Register adds a counter. Counters are consulted in registration order.
func (r *Registry) Register(counter domain.TokenCounter) {
	r.counters = append(r.counters, counter)
}

// SetFallback replaces the counter used for unsupported models.
func (r *Registry) SetFallback(counter domain.TokenCounter) {
	r.fallback = counter
}

// For returns the counter that handles model.
func (r *Registry) For(model string) domain.TokenCounter {
	for _, c := range r.counters {
		if c.SupportsModel(model) {
			return c
		}
	}
	return r.fallback
}

// CountTokens counts with the first counter supporting the model.
func (r *Registry) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	c := r.For(req.Model)
	if c == nil {
		return nil, fmt.Errorf("no token counter available for model: %s", req.Model)
	}
	return c.CountTokens(ctx, req)
}

// SupportsModel reports whether any counter, including the fallback,
// handles model.
func (r *Registry) SupportsModel(model string) bool {
	return r.For(model) != nil
}

// CountRequest counts the input tokens of a pipeline request.
func CountRequest(ctx context.Context, counter domain.TokenCounter, req *domain.Request) (int, error) {
	resp, err := counter.CountTokens(ctx, domain.TokenCountRequestFor(req))
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return resp.InputTokens, nil
}

// Estimator approximates token counts from character length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates an estimator with 4 characters per token.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// CountTokens estimates the token count of the request.
func (e *Estimator) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	chars := len(req.System)
	for _, msg := range req.Messages {
		chars += len(msg.Role) + len(msg.Content) + 4
	}
	for _, tool := range req.Tools {
		chars += len(tool.Name) + len(tool.Description) + 50
	}

	return &domain.TokenCountResponse{
		InputTokens: e.Estimate(chars),
		Model:       req.Model,
		Estimated:   true,
	}, nil
}

// Estimate converts a character count to tokens.
func (e *Estimator) Estimate(chars int) int {
	per := e.CharsPerToken
	if per <= 0 {
		per = 4.0
	}
	return int(float64(chars) / per)
}

// SupportsModel always returns true.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}

// ModelMatcher matches model names by exact name or prefix.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{prefixes: prefixes, exact: exact}
}

// Matches reports whether model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

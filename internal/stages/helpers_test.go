package stages

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
)

// charCounter counts one token per content byte.
type charCounter struct{}

func (charCounter) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	n := 0
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return &domain.TokenCountResponse{InputTokens: n, Model: req.Model, Estimated: true}, nil
}

func (charCounter) SupportsModel(string) bool { return true }

func userRequest(id, user, content string) *domain.Request {
	return &domain.Request{
		ID:       id,
		UserID:   user,
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: content}},
	}
}

// reqCtx stands in for the context a pipeline builds for one invocation.
func reqCtx(id string) context.Context {
	ctx := ports.WithRequestID(context.Background(), id)
	return ports.WithInvocation(ctx, "inv-"+id)
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

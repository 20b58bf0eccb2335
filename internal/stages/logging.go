package stages

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/tokens"
)

const responsePreviewChars = 150

// LoggerConfig configures a Logger stage.
type LoggerConfig struct {
	Name         string
	PreviewChars int // default 100
	// Counter, when set, adds the request's token count to the log.
	Counter domain.TokenCounter
	Logger  *slog.Logger
}

// Logger records every request and response passing through it.
type Logger struct {
	name         string
	previewChars int
	counter      domain.TokenCounter
	logger       *slog.Logger
	calls        atomic.Int64
}

var (
	_ ports.BeforeStage = (*Logger)(nil)
	_ ports.AfterStage  = (*Logger)(nil)
)

// NewLogger creates a Logger stage.
func NewLogger(cfg LoggerConfig) *Logger {
	n := cfg.PreviewChars
	if n <= 0 {
		n = 100
	}
	return &Logger{
		name:         nameOr(cfg.Name, NameLogger),
		previewChars: n,
		counter:      cfg.Counter,
		logger:       loggerOr(cfg.Logger),
	}
}

func (l *Logger) Name() string { return l.name }

// Calls returns how many requests the stage has seen.
func (l *Logger) Calls() int64 { return l.calls.Load() }

func (l *Logger) Before(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	call := l.calls.Add(1)

	attrs := []any{
		slog.String("stage", l.name),
		slog.String("request_id", req.ID),
		slog.Int64("call", call),
		slog.Int("messages", len(req.Messages)),
	}
	if l.counter != nil {
		if n, err := tokens.CountRequest(ctx, l.counter, req); err == nil {
			attrs = append(attrs, slog.Int("tokens", n))
		}
	}
	l.logger.InfoContext(ctx, "request received", attrs...)

	for i, msg := range req.Messages {
		l.logger.InfoContext(ctx, "request message",
			slog.String("request_id", req.ID),
			slog.Int("index", i+1),
			slog.String("role", msg.Role),
			slog.String("preview", preview(msg.Content, l.previewChars)))
	}
	return req, nil
}

func (l *Logger) After(ctx context.Context, resp *domain.Response) (*domain.Response, error) {
	if resp.Aborted {
		cause := ""
		if resp.AbortCause != nil {
			cause = resp.AbortCause.Error()
		}
		l.logger.InfoContext(ctx, "response aborted",
			slog.String("stage", l.name),
			slog.String("request_id", resp.ID),
			slog.String("cause", cause))
		return resp, nil
	}

	l.logger.InfoContext(ctx, "response received",
		slog.String("stage", l.name),
		slog.String("request_id", resp.ID),
		slog.String("finish_reason", resp.FinishReason),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
		slog.String("preview", preview(resp.Content, responsePreviewChars)))
	return resp, nil
}

package stages

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
)

// MetaSummarized records how many messages a Summarizer condensed.
const MetaSummarized = "summarize.condensed"

// SummarizeFunc condenses older messages into a single summary text.
type SummarizeFunc func(ctx context.Context, older []domain.Message) (string, error)

// PlaceholderSummary is the default SummarizeFunc. It describes the dropped
// messages without calling a model.
func PlaceholderSummary(ctx context.Context, older []domain.Message) (string, error) {
	return fmt.Sprintf("[Summary of %d previous messages: Context about earlier conversation]", len(older)), nil
}

// SummarizerConfig configures a Summarizer.
type SummarizerConfig struct {
	Name        string
	MaxMessages int // default 10
	Summarize   SummarizeFunc
	Logger      *slog.Logger
}

// Summarizer keeps conversations within MaxMessages by replacing older
// messages with a summary.
type Summarizer struct {
	name        string
	maxMessages int
	summarize   SummarizeFunc
	logger      *slog.Logger
	events      atomic.Int64
}

var _ ports.BeforeStage = (*Summarizer)(nil)

// NewSummarizer creates a Summarizer.
func NewSummarizer(cfg SummarizerConfig) *Summarizer {
	limit := cfg.MaxMessages
	if limit <= 0 {
		limit = 10
	}
	fn := cfg.Summarize
	if fn == nil {
		fn = PlaceholderSummary
	}
	return &Summarizer{
		name:        nameOr(cfg.Name, NameSummarizer),
		maxMessages: limit,
		summarize:   fn,
		logger:      loggerOr(cfg.Logger),
	}
}

func (s *Summarizer) Name() string { return s.name }

// Events returns how many requests were condensed.
func (s *Summarizer) Events() int64 { return s.events.Load() }

// Before rewrites the history as system messages, one summary message and
// the most recent MaxMessages-systemCount-1 (at least one) other messages.
func (s *Summarizer) Before(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	if len(req.Messages) <= s.maxMessages {
		return req, nil
	}

	var system, rest []domain.Message
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	keep := s.maxMessages - len(system) - 1
	if keep < 1 {
		keep = 1
	}
	if keep >= len(rest) {
		return req, nil
	}

	older, recent := rest[:len(rest)-keep], rest[len(rest)-keep:]
	summary, err := s.summarize(ctx, older)
	if err != nil {
		return nil, fmt.Errorf("summarize %d messages: %w", len(older), err)
	}

	msgs := make([]domain.Message, 0, len(system)+1+len(recent))
	msgs = append(msgs, system...)
	msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: summary})
	msgs = append(msgs, recent...)

	n := s.events.Add(1)
	s.logger.InfoContext(ctx, "context summarized",
		slog.String("stage", s.name),
		slog.String("request_id", req.ID),
		slog.Int("messages", len(req.Messages)),
		slog.Int("condensed", len(older)),
		slog.Int("kept", len(msgs)),
		slog.Int64("event", n))

	req.Messages = msgs
	req.SetMeta(MetaSummarized, len(older))
	return req, nil
}

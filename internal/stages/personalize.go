package stages

import (
	"context"
	"log/slog"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
)

// MetaExpertise records the expertise level a Personalizer applied.
const MetaExpertise = "expertise"

// System prompts inserted per expertise level.
const (
	ExpertPrompt = "You are assisting an expert user. Provide detailed technical explanations, " +
		"use domain-specific terminology, and offer advanced options. " +
		"Assume deep knowledge of the subject matter."
	BeginnerPrompt = "You are assisting a beginner. Use simple language, provide step-by-step " +
		"explanations, avoid jargon, and include helpful examples. " +
		"Be patient and educational."
)

// PersonalizerConfig configures a Personalizer.
type PersonalizerConfig struct {
	Name string
	// DefaultExpertise applies when neither the profile store nor the
	// request metadata name a level. Default beginner.
	DefaultExpertise string
	Profiles         ports.ProfileStore
	Logger           *slog.Logger
}

// Personalizer adapts the system prompt to the user's expertise.
type Personalizer struct {
	name     string
	level    string
	profiles ports.ProfileStore
	logger   *slog.Logger
}

var _ ports.BeforeStage = (*Personalizer)(nil)

// NewPersonalizer creates a Personalizer.
func NewPersonalizer(cfg PersonalizerConfig) *Personalizer {
	level := cfg.DefaultExpertise
	if level == "" {
		level = domain.ExpertiseBeginner
	}
	return &Personalizer{
		name:     nameOr(cfg.Name, NamePersonalizer),
		level:    level,
		profiles: cfg.Profiles,
		logger:   loggerOr(cfg.Logger),
	}
}

func (p *Personalizer) Name() string { return p.name }

// Expertise resolves the level for req: profile store, then request
// metadata, then the configured default.
func (p *Personalizer) Expertise(ctx context.Context, req *domain.Request) string {
	if p.profiles != nil && req.UserID != "" {
		if prof, ok := p.profiles.Profile(ctx, req.UserID); ok && prof.Expertise != "" {
			return prof.Expertise
		}
	}
	if v, ok := req.Meta(MetaExpertise); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return p.level
}

// Before inserts the expertise prompt after the existing system messages.
// Levels other than expert get the beginner prompt.
func (p *Personalizer) Before(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	level := p.Expertise(ctx, req)
	prompt := BeginnerPrompt
	if level == domain.ExpertiseExpert {
		prompt = ExpertPrompt
	}

	at := systemCount(req.Messages)
	msgs := make([]domain.Message, 0, len(req.Messages)+1)
	msgs = append(msgs, req.Messages[:at]...)
	msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: prompt})
	msgs = append(msgs, req.Messages[at:]...)
	req.Messages = msgs
	req.SetMeta(MetaExpertise, level)

	p.logger.InfoContext(ctx, "expertise applied",
		slog.String("stage", p.name),
		slog.String("request_id", req.ID),
		slog.String("user_id", req.UserID),
		slog.String("expertise", level))
	return req, nil
}

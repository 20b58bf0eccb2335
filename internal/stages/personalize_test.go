package stages

import (
	"context"
	"testing"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/storage/memory"
)

func TestPersonalizer_InsertsAfterSystemMessages(t *testing.T) {
	p := NewPersonalizer(PersonalizerConfig{})
	req := &domain.Request{Messages: []domain.Message{
		{Role: domain.RoleSystem, Content: "base"},
		{Role: domain.RoleUser, Content: "What is a goroutine?"},
	}}

	got, err := p.Before(context.Background(), req)
	if err != nil {
		t.Fatalf("Before() error = %v", err)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(got.Messages))
	}
	if got.Messages[0].Content != "base" {
		t.Error("existing system message must stay first")
	}
	if got.Messages[1].Role != domain.RoleSystem || got.Messages[1].Content != BeginnerPrompt {
		t.Errorf("expected beginner prompt at index 1, got %+v", got.Messages[1])
	}
	if v, _ := got.Meta(MetaExpertise); v != domain.ExpertiseBeginner {
		t.Errorf("%s = %v", MetaExpertise, v)
	}
}

func TestPersonalizer_Resolution(t *testing.T) {
	profiles := memory.NewProfiles(domain.UserProfile{UserID: "alice", Expertise: domain.ExpertiseExpert})

	tests := []struct {
		name       string
		defaultLvl string
		user       string
		meta       string
		wantPrompt string
	}{
		{"profile wins", domain.ExpertiseBeginner, "alice", domain.ExpertiseBeginner, ExpertPrompt},
		{"metadata when no profile", domain.ExpertiseBeginner, "bob", domain.ExpertiseExpert, ExpertPrompt},
		{"configured default", domain.ExpertiseExpert, "bob", "", ExpertPrompt},
		{"unknown level gets beginner prompt", "intermediate", "", "", BeginnerPrompt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPersonalizer(PersonalizerConfig{DefaultExpertise: tt.defaultLvl, Profiles: profiles})
			req := userRequest("r1", tt.user, "hi")
			if tt.meta != "" {
				req.SetMeta(MetaExpertise, tt.meta)
			}

			got, err := p.Before(context.Background(), req)
			if err != nil {
				t.Fatalf("Before() error = %v", err)
			}
			if got.Messages[0].Content != tt.wantPrompt {
				t.Errorf("prompt = %q, want %q", got.Messages[0].Content, tt.wantPrompt)
			}
		})
	}
}

// Package static provides a fixed configuration that never changes.
package static

import (
	"context"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/pkg/config"
)

// Provider implements ports.ConfigProvider around an in-memory config.
type Provider struct {
	cfg *config.Config
}

// New returns a provider that always yields cfg.
func New(cfg *config.Config) *Provider {
	return &Provider{cfg: cfg}
}

// Load validates and returns the configuration.
func (p *Provider) Load(ctx context.Context) (*config.Config, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	return p.cfg, nil
}

// Watch is a no-op; a static configuration never changes.
func (p *Provider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	return nil
}

// Close is a no-op.
func (p *Provider) Close() error { return nil }

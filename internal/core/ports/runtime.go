package ports

import (
	"context"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default), static.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

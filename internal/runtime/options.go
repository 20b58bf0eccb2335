package runtime

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/adapters/config/file"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/adapters/config/static"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/pkg/config"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/storage/memory"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/storage/sqldb"
)

// Option is a functional option for configuring a Runtime.
type Option func(*Runtime) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(r *Runtime) error {
		provider, err := file.NewProvider(path, file.WithLogger(r.logger))
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		r.config = provider
		return nil
	}
}

// WithConfig uses a fixed in-memory configuration.
func WithConfig(cfg *config.Config) Option {
	return func(r *Runtime) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		r.config = static.New(cfg)
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
// For advanced use cases where you need full control over config loading.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(r *Runtime) error {
		r.config = provider
		return nil
	}
}

// WithSQLite persists budget usage and user profiles in SQLite.
func WithSQLite(path string) Option {
	return func(r *Runtime) error {
		store, err := sqldb.New(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		r.ledger = store
		return nil
	}
}

// WithMemoryLedger keeps budget usage in memory.
func WithMemoryLedger() Option {
	return func(r *Runtime) error {
		r.ledger = memory.NewLedger()
		return nil
	}
}

// WithLedger sets a custom budget ledger.
func WithLedger(ledger ports.BudgetLedger) Option {
	return func(r *Runtime) error {
		r.ledger = ledger
		return nil
	}
}

// WithHandler sets the terminal handler, overriding the configured one.
func WithHandler(h ports.Handler) Option {
	return func(r *Runtime) error {
		r.handler = h
		return nil
	}
}

// WithProfiles sets the store personalization stages consult.
func WithProfiles(profiles ports.ProfileStore) Option {
	return func(r *Runtime) error {
		r.profiles = profiles
		return nil
	}
}

// WithCounter sets the token counter shared by stages.
func WithCounter(counter domain.TokenCounter) Option {
	return func(r *Runtime) error {
		r.counter = counter
		return nil
	}
}

// WithRegisterer sets where metrics stages register their collectors.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Runtime) error {
		r.registerer = reg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) error {
		r.logger = logger
		return nil
	}
}

// Package runtime provides the Runtime struct and lifecycle management for
// a configuration-driven interception pipeline.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/handler"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/pipeline"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/pkg/config"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/storage"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/tokens"
)

// ErrNotStarted is returned by Execute before Start succeeds.
var ErrNotStarted = errors.New("runtime not started")

// Runtime owns a pipeline built from configuration together with the
// collaborators its stages share. The budget ledger outlives reloads, so
// usage recorded before a reload still counts afterwards.
type Runtime struct {
	// Dependencies (injected via options)
	config     ports.ConfigProvider
	ledger     ports.BudgetLedger
	profiles   ports.ProfileStore
	handler    ports.Handler
	counter    domain.TokenCounter
	registerer prometheus.Registerer
	logger     *slog.Logger

	// Internal state
	active atomic.Pointer[active]
	cache  *handler.Cache

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// active is swapped as a unit so an invocation never pairs a new pipeline
// with a stale handler.
type active struct {
	pipeline *pipeline.Pipeline
	handler  ports.Handler
	cfg      *config.Config
}

// New creates a Runtime with the given options. A config provider is
// required; the ledger and handler default to what the configuration
// describes.
func New(opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(rt); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if rt.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfig)")
	}
	if rt.counter == nil {
		rt.counter = tokens.Default()
	}
	if rt.registerer == nil {
		rt.registerer = prometheus.NewRegistry()
	}

	return rt, nil
}

// Start loads the configuration, builds the pipeline and begins watching
// for configuration changes.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ctx, r.cancel = context.WithCancel(ctx)

	cfg, err := r.config.Load(r.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if r.ledger == nil {
		r.logger.Info("no ledger specified, opening from config", slog.String("type", cfg.Storage.Type))
		ledger, err := storage.OpenLedger(cfg.Storage)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		r.ledger = ledger
	}
	if r.profiles == nil {
		if ps, ok := r.ledger.(ports.ProfileStore); ok {
			r.profiles = ps
		}
	}

	next, err := r.build(cfg)
	if err != nil {
		return err
	}
	r.active.Store(next)

	go r.watchConfig()

	r.logger.Info("runtime started",
		slog.Int("stages", next.pipeline.Len()),
		slog.Any("order", next.pipeline.Stages()),
		slog.String("handler", cfg.Handler.Type))

	return nil
}

// Execute runs req through the current pipeline and handler.
func (r *Runtime) Execute(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	cur := r.active.Load()
	if cur == nil {
		return nil, ErrNotStarted
	}
	return cur.pipeline.Execute(ctx, req, cur.handler)
}

// Pipeline returns the pipeline currently serving requests, or nil before
// Start.
func (r *Runtime) Pipeline() *pipeline.Pipeline {
	if cur := r.active.Load(); cur != nil {
		return cur.pipeline
	}
	return nil
}

// Config returns the configuration the current pipeline was built from.
func (r *Runtime) Config() *config.Config {
	if cur := r.active.Load(); cur != nil {
		return cur.cfg
	}
	return nil
}

// Gatherer returns the registry metrics stages register on, for exposition.
func (r *Runtime) Gatherer() prometheus.Gatherer {
	if g, ok := r.registerer.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}

// Ledger returns the budget ledger shared by budget stages.
func (r *Runtime) Ledger() ports.BudgetLedger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger
}

// CacheStats returns response cache statistics, and false when the handler
// is not cached.
func (r *Runtime) CacheStats() (handler.CacheStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache == nil {
		return handler.CacheStats{}, false
	}
	return r.cache.Stats(), true
}

// Reload rebuilds the pipeline from cfg. On failure the current pipeline
// keeps serving.
func (r *Runtime) Reload(cfg *config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := r.build(cfg)
	if err != nil {
		return fmt.Errorf("rebuild pipeline: %w", err)
	}
	r.active.Store(next)

	r.logger.Info("reload complete",
		slog.Int("stages", next.pipeline.Len()),
		slog.Any("order", next.pipeline.Stages()))
	return nil
}

// Shutdown stops watching configuration and releases the ledger.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info("shutting down runtime")

	if r.cancel != nil {
		r.cancel()
	}
	r.active.Store(nil)

	var errs []error
	if r.config != nil {
		if err := r.config.Close(); err != nil {
			r.logger.Error("failed to close config", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if r.ledger != nil {
		if err := r.ledger.Close(); err != nil {
			r.logger.Error("failed to close ledger", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	r.logger.Info("runtime shutdown complete")
	return errors.Join(errs...)
}

// build constructs the handler and pipeline for cfg. Callers hold r.mu.
func (r *Runtime) build(cfg *config.Config) (*active, error) {
	h := r.handler
	var cache *handler.Cache
	if h == nil {
		built, c, err := handler.FromConfig(cfg.Handler, r.logger)
		if err != nil {
			return nil, fmt.Errorf("init handler: %w", err)
		}
		h, cache = built, c
	}

	p, err := pipeline.NewFromConfig(cfg.Pipeline, pipeline.Deps{
		Ledger:     r.ledger,
		Counter:    r.counter,
		Profiles:   r.profiles,
		Registerer: r.registerer,
		Logger:     r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	if r.handler == nil {
		r.cache = cache
	}

	return &active{pipeline: p, handler: h, cfg: cfg}, nil
}

// watchConfig watches for config changes and reloads.
func (r *Runtime) watchConfig() {
	onChange := func(newCfg *config.Config) {
		r.logger.Info("config changed, reloading")
		if err := r.Reload(newCfg); err != nil {
			r.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := r.config.Watch(r.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

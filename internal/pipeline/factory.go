package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/pkg/config"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/stages"
)

// Stage types accepted in configuration.
const (
	TypeLogging     = "logging"
	TypeBudget      = "budget"
	TypeSummarize   = "summarize"
	TypePII         = "pii"
	TypePersonalize = "personalize"
	TypeToolAccess  = "tool_access"
	TypeRateLimit   = "rate_limit"
	TypeMetrics     = "metrics"
	TypeWebhook     = "webhook"
)

// Deps are the collaborators shared by stages built from configuration.
type Deps struct {
	Ledger     ports.BudgetLedger
	Counter    domain.TokenCounter
	Profiles   ports.ProfileStore
	Registerer prometheus.Registerer
	Summarize  stages.SummarizeFunc
	Logger     *slog.Logger
	// Transport is the base round tripper for webhook stages.
	Transport http.RoundTripper
}

// NewFromConfig builds a pipeline whose stages follow cfg.Stages in order.
func NewFromConfig(cfg config.PipelineConfig, deps Deps, opts ...Option) (*Pipeline, error) {
	built := make([]ports.Stage, 0, len(cfg.Stages))
	for i, stageCfg := range cfg.Stages {
		stage, err := newStageFromConfig(stageCfg, deps)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i, stageCfg.Name, err)
		}
		built = append(built, stage)
	}

	if deps.Logger != nil {
		opts = append([]Option{WithLogger(deps.Logger)}, opts...)
	}
	return New(built, opts...)
}

func newStageFromConfig(cfg config.PipelineStageConfig, deps Deps) (ports.Stage, error) {
	switch cfg.Type {
	case TypeLogging:
		return stages.NewLogger(stages.LoggerConfig{
			Name:         cfg.Name,
			PreviewChars: cfg.PreviewChars,
			Counter:      deps.Counter,
			Logger:       deps.Logger,
		}), nil

	case TypeBudget:
		if deps.Ledger == nil {
			return nil, errors.New("budget stage requires a ledger")
		}
		return stages.NewBudgetGuard(stages.BudgetConfig{
			Name:            cfg.Name,
			MaxTokens:       cfg.MaxTokens,
			MaxRequests:     cfg.MaxRequests,
			PerUser:         cfg.PerUser,
			CountCompletion: cfg.CountCompletion,
			Ledger:          deps.Ledger,
			Counter:         deps.Counter,
			Logger:          deps.Logger,
		})

	case TypeSummarize:
		return stages.NewSummarizer(stages.SummarizerConfig{
			Name:        cfg.Name,
			MaxMessages: cfg.MaxMessages,
			Summarize:   deps.Summarize,
			Logger:      deps.Logger,
		}), nil

	case TypePII:
		return stages.NewPIIFilter(stages.PIIConfig{
			Name:            cfg.Name,
			Mode:            cfg.Mode,
			RedactResponses: cfg.RedactResponses,
			Logger:          deps.Logger,
		})

	case TypePersonalize:
		return stages.NewPersonalizer(stages.PersonalizerConfig{
			Name:             cfg.Name,
			DefaultExpertise: cfg.Expertise,
			Profiles:         deps.Profiles,
			Logger:           deps.Logger,
		}), nil

	case TypeToolAccess:
		return stages.NewToolGuard(stages.ToolGuardConfig{
			Name:         cfg.Name,
			AllowedTools: cfg.AllowedTools,
			Logger:       deps.Logger,
		}), nil

	case TypeRateLimit:
		return stages.NewRateLimiter(stages.RateLimitConfig{
			Name:              cfg.Name,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			MaxUsers:          cfg.MaxUsers,
			Logger:            deps.Logger,
		})

	case TypeMetrics:
		return stages.NewMetrics(stages.MetricsConfig{
			Name:       cfg.Name,
			Registerer: deps.Registerer,
		})

	case TypeWebhook:
		return newWebhookFromConfig(cfg, deps)

	default:
		return nil, fmt.Errorf("unknown stage type %q", cfg.Type)
	}
}

func newWebhookFromConfig(cfg config.PipelineStageConfig, deps Deps) (ports.Stage, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook stage requires a url")
	}

	timeout := 5 * time.Second
	if cfg.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", cfg.Timeout, err)
		}
	}

	var onError WebhookAction
	switch cfg.OnError {
	case "", "deny":
		onError = ActionDeny
	case "allow":
		onError = ActionAllow
	default:
		return nil, fmt.Errorf("invalid on_error %q (must be 'allow' or 'deny')", cfg.OnError)
	}

	return NewWebhookStage(WebhookStageConfig{
		Name:         cfg.Name,
		URL:          cfg.URL,
		Timeout:      timeout,
		OnError:      onError,
		Retries:      cfg.Retries,
		Squelch:      cfg.Squelch,
		Headers:      cfg.Headers,
		BlockPrivate: cfg.BlockPrivate,
		Transport:    deps.Transport,
		Logger:       deps.Logger,
	}), nil
}

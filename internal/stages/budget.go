package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/tokens"
)

// Metadata keys set by BudgetGuard.
const (
	MetaBudgetUsed          = "budget.tokens_used"
	MetaBudgetLimit         = "budget.tokens_limit"
	MetaBudgetRequestTokens = "budget.request_tokens"
)

// BudgetConfig configures a BudgetGuard.
type BudgetConfig struct {
	Name        string
	MaxTokens   int // 0 = unlimited
	MaxRequests int // 0 = unlimited
	// PerUser keys the budget on the request's user ID instead of a
	// single shared total.
	PerUser bool
	// CountCompletion adds response completion tokens to the ledger.
	CountCompletion bool

	Ledger  ports.BudgetLedger
	Counter domain.TokenCounter // default tokens.Default()
	Logger  *slog.Logger
}

// BudgetGuard halts invocations that would exceed a token or request
// budget. Reservations are made atomically by the ledger, so concurrent
// invocations sharing a budget never overshoot it.
type BudgetGuard struct {
	name            string
	limit           domain.BudgetLimit
	perUser         bool
	countCompletion bool
	ledger          ports.BudgetLedger
	counter         domain.TokenCounter
	logger          *slog.Logger

	// inflight holds the reservation of each invocation between its
	// HaltsWith and After hooks, keyed by request ID.
	inflight sync.Map
	halts    atomic.Int64
}

type reservation struct {
	key    string
	tokens int
	usage  domain.BudgetUsage
	err    error
}

var (
	_ ports.Halter      = (*BudgetGuard)(nil)
	_ ports.BeforeStage = (*BudgetGuard)(nil)
	_ ports.AfterStage  = (*BudgetGuard)(nil)
)

// NewBudgetGuard creates a BudgetGuard.
func NewBudgetGuard(cfg BudgetConfig) (*BudgetGuard, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("budget guard requires a ledger")
	}
	if cfg.MaxTokens < 0 || cfg.MaxRequests < 0 {
		return nil, fmt.Errorf("budget limits must not be negative: max_tokens=%d max_requests=%d", cfg.MaxTokens, cfg.MaxRequests)
	}
	counter := cfg.Counter
	if counter == nil {
		counter = tokens.Default()
	}
	return &BudgetGuard{
		name:            nameOr(cfg.Name, NameBudgetGuard),
		limit:           domain.BudgetLimit{MaxTokens: cfg.MaxTokens, MaxRequests: cfg.MaxRequests},
		perUser:         cfg.PerUser,
		countCompletion: cfg.CountCompletion,
		ledger:          cfg.Ledger,
		counter:         counter,
		logger:          loggerOr(cfg.Logger),
	}, nil
}

func (b *BudgetGuard) Name() string { return b.name }

// Halts returns how many invocations the guard has stopped.
func (b *BudgetGuard) Halts() int64 { return b.halts.Load() }

// Limit returns the configured limits.
func (b *BudgetGuard) Limit() domain.BudgetLimit { return b.limit }

func (b *BudgetGuard) key(req *domain.Request) string {
	if b.perUser {
		return userKey(req)
	}
	return DefaultKey
}

// Usage returns the recorded usage for the budget key of userID.
func (b *BudgetGuard) Usage(ctx context.Context, userID string) (domain.BudgetUsage, error) {
	return b.ledger.Usage(ctx, b.key(&domain.Request{UserID: userID}))
}

// HaltsWith reserves the request's tokens. Counting or ledger failures do
// not halt; they are reported as a stage failure by Before.
func (b *BudgetGuard) HaltsWith(ctx context.Context, req *domain.Request) error {
	key := b.key(req)
	inv := ports.InvocationFrom(ctx)

	n, err := tokens.CountRequest(ctx, b.counter, req)
	if err != nil {
		b.inflight.Store(inv, &reservation{key: key, err: err})
		return nil
	}

	usage, ok, err := b.ledger.Reserve(ctx, key, n, b.limit)
	if err != nil {
		b.inflight.Store(inv, &reservation{key: key, err: fmt.Errorf("reserve budget: %w", err)})
		return nil
	}

	if !ok {
		b.halts.Add(1)
		tokensExceeded, _ := usage.Exceeds(b.limit, n)
		b.logger.WarnContext(ctx, "budget exceeded",
			slog.String("stage", b.name),
			slog.String("key", key),
			slog.Int("request_tokens", n),
			slog.Int("tokens_used", usage.Tokens),
			slog.Int("tokens_limit", b.limit.MaxTokens),
			slog.Int("requests", usage.Requests),
			slog.Int("requests_limit", b.limit.MaxRequests))
		if tokensExceeded {
			return fmt.Errorf("%w: limit %d, would use %d", ErrBudgetExceeded, b.limit.MaxTokens, usage.Tokens+n)
		}
		return fmt.Errorf("%w: maximum %d requests allowed", ErrRequestLimitExceeded, b.limit.MaxRequests)
	}

	b.inflight.Store(inv, &reservation{key: key, tokens: n, usage: usage})
	b.logger.InfoContext(ctx, "budget reserved",
		slog.String("stage", b.name),
		slog.String("key", key),
		slog.Int("request_tokens", n),
		slog.Int("tokens_used", usage.Tokens),
		slog.Int("tokens_limit", b.limit.MaxTokens),
		slog.Int("requests", usage.Requests))
	return nil
}

func (b *BudgetGuard) Before(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	inv := ports.InvocationFrom(ctx)
	v, ok := b.inflight.Load(inv)
	if !ok {
		return req, nil
	}
	r := v.(*reservation)
	if r.err != nil {
		b.inflight.Delete(inv)
		return nil, r.err
	}

	req.SetMeta(MetaBudgetUsed, r.usage.Tokens)
	req.SetMeta(MetaBudgetLimit, b.limit.MaxTokens)
	req.SetMeta(MetaBudgetRequestTokens, r.tokens)
	return req, nil
}

func (b *BudgetGuard) After(ctx context.Context, resp *domain.Response) (*domain.Response, error) {
	v, ok := b.inflight.LoadAndDelete(ports.InvocationFrom(ctx))
	if !ok || !b.countCompletion || resp.Aborted || resp.Usage.CompletionTokens == 0 {
		return resp, nil
	}

	r := v.(*reservation)
	usage, err := b.ledger.Add(ctx, r.key, resp.Usage.CompletionTokens)
	if err != nil {
		return nil, fmt.Errorf("record completion tokens: %w", err)
	}
	b.logger.DebugContext(ctx, "completion tokens recorded",
		slog.String("stage", b.name),
		slog.String("key", r.key),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
		slog.Int("tokens_used", usage.Tokens))
	return resp, nil
}

package ports

import (
	"context"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
)

// BudgetLedger accumulates token and request usage per key. Implementations
// must serialize updates so concurrent invocations sharing a key never
// overshoot a limit.
type BudgetLedger interface {
	// Reserve atomically records tokens and one request under key if doing
	// so stays within limit. The returned usage is the total after the
	// reservation, or the unchanged total when ok is false.
	Reserve(ctx context.Context, key string, tokens int, limit domain.BudgetLimit) (usage domain.BudgetUsage, ok bool, err error)

	// Add records tokens under key without a limit check.
	Add(ctx context.Context, key string, tokens int) (domain.BudgetUsage, error)

	// Usage returns the current totals for key.
	Usage(ctx context.Context, key string) (domain.BudgetUsage, error)

	// Reset clears the totals for key.
	Reset(ctx context.Context, key string) error

	// Close releases the underlying storage.
	Close() error
}

// ProfileStore resolves user profiles for personalization.
type ProfileStore interface {
	Profile(ctx context.Context, userID string) (domain.UserProfile, bool)
}

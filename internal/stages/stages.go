// Package stages contains the interception stages that can be composed into
// a pipeline: logging, token budgets, summarization, PII filtering,
// personalization, tool access control, rate limiting and metrics.
package stages

import (
	"errors"
	"log/slog"
	"unicode/utf8"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
)

// Halt reasons reported by stages.
var (
	ErrBudgetExceeded       = errors.New("token budget exceeded")
	ErrRequestLimitExceeded = errors.New("request limit exceeded")
	ErrPIIDetected          = errors.New("sensitive data detected")
	ErrToolDenied           = errors.New("tool access denied")
	ErrRateLimited          = errors.New("rate limit exceeded")
)

// Default stage names.
const (
	NameLogger       = "Logger"
	NameBudgetGuard  = "BudgetGuard"
	NameSummarizer   = "Summarizer"
	NamePIIFilter    = "PIIFilter"
	NamePersonalizer = "Personalizer"
	NameToolGuard    = "ToolGuard"
	NameRateLimiter  = "RateLimiter"
	NameMetrics      = "Metrics"
)

const (
	// DefaultKey is the budget and rate limit key used for anonymous
	// requests or when limits are not tracked per user.
	DefaultKey  = "default"
	unknownUser = "unknown"
)

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

func loggerOr(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// userKey returns the request's user ID, or DefaultKey.
func userKey(req *domain.Request) string {
	if req.UserID == "" {
		return DefaultKey
	}
	return req.UserID
}

// preview truncates s to n runes, marking the cut with "...".
func preview(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

func systemCount(msgs []domain.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			n++
		}
	}
	return n
}

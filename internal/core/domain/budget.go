package domain

import "time"

// BudgetLimit bounds the cumulative usage of a budget key. Zero values mean
// unlimited.
type BudgetLimit struct {
	MaxTokens   int `json:"max_tokens"`
	MaxRequests int `json:"max_requests"`
}

// BudgetUsage is the running total recorded for a budget key.
type BudgetUsage struct {
	Key       string    `json:"key"`
	Tokens    int       `json:"tokens"`
	Requests  int       `json:"requests"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Exceeds reports which limit, if any, would be crossed by adding tokens and
// one request to u.
func (u BudgetUsage) Exceeds(limit BudgetLimit, tokens int) (tokensExceeded, requestsExceeded bool) {
	if limit.MaxTokens > 0 && u.Tokens+tokens > limit.MaxTokens {
		tokensExceeded = true
	}
	if limit.MaxRequests > 0 && u.Requests+1 > limit.MaxRequests {
		requestsExceeded = true
	}
	return tokensExceeded, requestsExceeded
}

// Expertise levels used for personalization.
const (
	ExpertiseBeginner = "beginner"
	ExpertiseExpert   = "expert"
)

// UserProfile is the per-user context stages may consult. It replaces the
// ambient user context object of agent frameworks with an explicitly
// injected value.
type UserProfile struct {
	UserID    string `json:"user_id"`
	Expertise string `json:"expertise"`
}

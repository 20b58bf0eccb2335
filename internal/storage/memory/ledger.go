// Package memory provides in-process implementations of the storage ports.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
)

// Ledger is an in-memory BudgetLedger. Totals are lost when the process
// exits.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]domain.BudgetUsage
	now     func() time.Time
}

var _ ports.BudgetLedger = (*Ledger)(nil)

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[string]domain.BudgetUsage),
		now:     time.Now,
	}
}

func (l *Ledger) Reserve(ctx context.Context, key string, tokens int, limit domain.BudgetLimit) (domain.BudgetUsage, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.get(key)
	if tokensExceeded, requestsExceeded := u.Exceeds(limit, tokens); tokensExceeded || requestsExceeded {
		return u, false, nil
	}

	u.Tokens += tokens
	u.Requests++
	u.UpdatedAt = l.now()
	l.entries[key] = u
	return u, true, nil
}

func (l *Ledger) Add(ctx context.Context, key string, tokens int) (domain.BudgetUsage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.get(key)
	u.Tokens += tokens
	u.UpdatedAt = l.now()
	l.entries[key] = u
	return u, nil
}

func (l *Ledger) Usage(ctx context.Context, key string) (domain.BudgetUsage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(key), nil
}

func (l *Ledger) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

func (l *Ledger) Close() error { return nil }

// get returns the entry for key. Callers hold l.mu.
func (l *Ledger) get(key string) domain.BudgetUsage {
	u, ok := l.entries[key]
	if !ok {
		u.Key = key
	}
	return u
}

// Profiles is a ProfileStore backed by a map.
type Profiles struct {
	mu       sync.RWMutex
	profiles map[string]domain.UserProfile
}

var _ ports.ProfileStore = (*Profiles)(nil)

// NewProfiles creates a store seeded with profiles.
func NewProfiles(profiles ...domain.UserProfile) *Profiles {
	p := &Profiles{profiles: make(map[string]domain.UserProfile, len(profiles))}
	for _, prof := range profiles {
		p.profiles[prof.UserID] = prof
	}
	return p
}

// Set stores or replaces a profile.
func (p *Profiles) Set(profile domain.UserProfile) {
	p.mu.Lock()
	p.profiles[profile.UserID] = profile
	p.mu.Unlock()
}

func (p *Profiles) Profile(ctx context.Context, userID string) (domain.UserProfile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prof, ok := p.profiles[userID]
	return prof, ok
}

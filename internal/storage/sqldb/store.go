// Package sqldb persists budget usage and user profiles in SQLite.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
)

const driverName = "sqlite"

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// Store is a SQLite backed BudgetLedger and ProfileStore.
type Store struct {
	db *sqlx.DB

	// mu serializes read-modify-write cycles on budget rows.
	mu sync.Mutex
}

var (
	_ ports.BudgetLedger = (*Store)(nil)
	_ ports.ProfileStore = (*Store)(nil)
)

type usageRow struct {
	Key       string `db:"budget_key"`
	Tokens    int    `db:"tokens"`
	Requests  int    `db:"requests"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r usageRow) toDomain() domain.BudgetUsage {
	u := domain.BudgetUsage{Key: r.Key, Tokens: r.Tokens, Requests: r.Requests}
	if r.UpdatedAt != 0 {
		u.UpdatedAt = time.Unix(0, r.UpdatedAt).UTC()
	}
	return u
}

// New opens (or creates) the database at path. Use ":memory:" for a
// private in-memory database.
func New(path string) (*Store, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sqlx.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and avoids
	// SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying sqlx.DB.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS budget_usage (
budget_key TEXT PRIMARY KEY,
tokens INTEGER NOT NULL DEFAULT 0,
requests INTEGER NOT NULL DEFAULT 0,
updated_at INTEGER NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS user_profiles (
user_id TEXT PRIMARY KEY,
expertise TEXT NOT NULL,
updated_at INTEGER NOT NULL
)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (s *Store) Reserve(ctx context.Context, key string, tokens int, limit domain.BudgetLimit) (domain.BudgetUsage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.BudgetUsage{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	u, err := getUsage(ctx, tx, key)
	if err != nil {
		return domain.BudgetUsage{}, false, err
	}
	if tokensExceeded, requestsExceeded := u.Exceeds(limit, tokens); tokensExceeded || requestsExceeded {
		return u, false, nil
	}

	u.Tokens += tokens
	u.Requests++
	u.UpdatedAt = time.Now().UTC()
	if err := putUsage(ctx, tx, u); err != nil {
		return domain.BudgetUsage{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BudgetUsage{}, false, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return u, true, nil
}

func (s *Store) Add(ctx context.Context, key string, tokens int) (domain.BudgetUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.BudgetUsage{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	u, err := getUsage(ctx, tx, key)
	if err != nil {
		return domain.BudgetUsage{}, err
	}
	u.Tokens += tokens
	u.UpdatedAt = time.Now().UTC()
	if err := putUsage(ctx, tx, u); err != nil {
		return domain.BudgetUsage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BudgetUsage{}, fmt.Errorf("failed to commit usage: %w", err)
	}
	return u, nil
}

func (s *Store) Usage(ctx context.Context, key string) (domain.BudgetUsage, error) {
	return getUsage(ctx, s.db, key)
}

func (s *Store) Reset(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM budget_usage WHERE budget_key = ?`, key); err != nil {
		return fmt.Errorf("failed to reset budget %s: %w", key, err)
	}
	return nil
}

// SetProfile stores or replaces a user profile.
func (s *Store) SetProfile(ctx context.Context, p domain.UserProfile) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_profiles (user_id, expertise, updated_at) VALUES (?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET expertise = excluded.expertise, updated_at = excluded.updated_at`,
		p.UserID, p.Expertise, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save profile %s: %w", p.UserID, err)
	}
	return nil
}

// Profile returns the stored profile for userID. Lookup errors are treated
// as a missing profile.
func (s *Store) Profile(ctx context.Context, userID string) (domain.UserProfile, bool) {
	var p domain.UserProfile
	err := s.db.QueryRowxContext(ctx,
		`SELECT user_id, expertise FROM user_profiles WHERE user_id = ?`, userID).Scan(&p.UserID, &p.Expertise)
	if err != nil {
		return domain.UserProfile{}, false
	}
	return p, true
}

func (s *Store) Close() error {
	return s.db.Close()
}

func getUsage(ctx context.Context, q sqlx.QueryerContext, key string) (domain.BudgetUsage, error) {
	var row usageRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT budget_key, tokens, requests, updated_at FROM budget_usage WHERE budget_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BudgetUsage{Key: key}, nil
	}
	if err != nil {
		return domain.BudgetUsage{}, fmt.Errorf("failed to load budget %s: %w", key, err)
	}
	return row.toDomain(), nil
}

func putUsage(ctx context.Context, tx *sqlx.Tx, u domain.BudgetUsage) error {
	row := usageRow{Key: u.Key, Tokens: u.Tokens, Requests: u.Requests, UpdatedAt: u.UpdatedAt.UnixNano()}
	_, err := tx.NamedExecContext(ctx, `
INSERT INTO budget_usage (budget_key, tokens, requests, updated_at)
VALUES (:budget_key, :tokens, :requests, :updated_at)
ON CONFLICT(budget_key) DO UPDATE SET
tokens = excluded.tokens, requests = excluded.requests, updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("failed to save budget %s: %w", u.Key, err)
	}
	return nil
}

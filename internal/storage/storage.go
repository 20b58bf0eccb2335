// Package storage opens the budget ledger selected by configuration.
package storage

import (
	"fmt"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/pkg/config"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/storage/memory"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/storage/sqldb"
)

// Storage types.
const (
	TypeMemory = "memory"
	TypeSQLite = "sqlite"
)

// OpenLedger returns the ledger configured by cfg.
func OpenLedger(cfg config.StorageConfig) (ports.BudgetLedger, error) {
	switch cfg.Type {
	case "", TypeMemory:
		return memory.NewLedger(), nil
	case TypeSQLite:
		store, err := sqldb.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

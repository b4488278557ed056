// Package store selects and constructs the session persistence backend.
// Three backends are supported: JSON files (default, zero dependencies at
// runtime), SQLite (single machine, queryable), and Postgres (shared).
package store

import (
	"fmt"

	"github.com/xiaoyubing999/openakita-sub001/internal/sessions"
	"github.com/xiaoyubing999/openakita-sub001/internal/store/file"
	"github.com/xiaoyubing999/openakita-sub001/internal/store/pg"
	"github.com/xiaoyubing999/openakita-sub001/internal/store/sqlite"
)

// Backend names accepted in configuration.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config selects the backend. Exactly one of the location fields is used,
// matching the backend.
type Config struct {
	Backend     string // "file" (default), "sqlite", "postgres"
	Dir         string // file backend: directory of per-session JSON files
	SQLitePath  string // sqlite backend: database file path
	PostgresDSN string // postgres backend: connection string
}

// Open constructs the configured backend.
func Open(cfg Config) (sessions.Store, error) {
	switch cfg.Backend {
	case "", BackendFile:
		return file.New(cfg.Dir)
	case BackendSQLite:
		return sqlite.New(cfg.SQLitePath)
	case BackendPostgres:
		return pg.New(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown session store backend %q", cfg.Backend)
	}
}

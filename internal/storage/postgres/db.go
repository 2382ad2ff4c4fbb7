// Package postgres provides Postgres-backed job and retention stores.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	JobsTable       string
	RetentionTable  string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the stores use; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// DB owns the pool shared by the stores.
type DB struct {
	pool           pool
	jobsTable      string
	retentionTable string
}

// Open connects to Postgres using cfg.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db, err := NewWithPool(p, cfg.JobsTable, cfg.RetentionTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return db, nil
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(p pool, jobsTable, retentionTable string) (*DB, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if jobsTable == "" {
		jobsTable = "jobs"
	}
	if retentionTable == "" {
		retentionTable = "retention_schedule"
	}
	for _, table := range []string{jobsTable, retentionTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &DB{pool: p, jobsTable: jobsTable, retentionTable: retentionTable}, nil
}

// EnsureSchema creates the tables when they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL,
	name TEXT NOT NULL,
	recipient TEXT NOT NULL,
	format TEXT NOT NULL,
	link_count INTEGER NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	error_text TEXT NOT NULL DEFAULT '',
	summary JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
)`, db.jobsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_idempotency_key_idx ON %[1]s (idempotency_key)`, db.jobsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	remote_id TEXT PRIMARY KEY,
	armed_at TIMESTAMPTZ NOT NULL,
	delete_at TIMESTAMPTZ NOT NULL,
	deleted_at TIMESTAMPTZ
)`, db.retentionTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_due_idx ON %[1]s (delete_at) WHERE deleted_at IS NULL`, db.retentionTable),
	}
	for _, stmt := range stmts {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (db *DB) Close() {
	if db == nil || db.pool == nil {
		return
	}
	db.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

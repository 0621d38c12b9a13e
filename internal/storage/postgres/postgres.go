// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the stores use. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Connect opens a pool using cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, crawler.Configuration("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, crawler.Configuration("parse postgres dsn: %v", err)
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", classify(err))
	}
	return pool, nil
}

// Schema creates the tables used by the stores. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS pages (
	id         BIGSERIAL PRIMARY KEY,
	url        TEXT NOT NULL UNIQUE,
	title      TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS images (
	id           BIGSERIAL PRIMARY KEY,
	page_id      BIGINT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
	original_url TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (original_url, storage_path)
);

CREATE INDEX IF NOT EXISTS images_page_id_idx ON images (page_id);

CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	args        JSONB NOT NULL DEFAULT '{}'::jsonb,
	logs        JSONB NOT NULL DEFAULT '[]'::jsonb,
	error       TEXT,
	result      JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at);
`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, pool Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", classify(err))
	}
	return nil
}

// classify maps driver errors onto the crawler error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Classify(crawler.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return crawler.Classify(crawler.ErrConflict, err)
		case pgErr.Code == "42501":
			return crawler.Permission(err)
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57"),
			strings.HasPrefix(pgErr.Code, "40"):
			return crawler.Transient(err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return crawler.Transient(err)
	}
	return err
}

// Package postgres provides the PostgreSQL ledger for Xenohash.
// It stores finalized blocks, user balances and energy accounts.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DefaultConfig returns pool settings for url.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		MaxLifetime:  5 * time.Minute,
	}
}

// NewClient opens the database, verifies the connection and applies the
// schema.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := &Client{db: db}
	if err := c.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Migrate creates missing tables. It is safe to run on every start.
func (c *Client) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id              TEXT PRIMARY KEY,
		username        TEXT NOT NULL DEFAULT '',
		balance         NUMERIC(36, 8) NOT NULL DEFAULT 0,
		blocks_created  BIGINT NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen_at    TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		round_number    BIGINT PRIMARY KEY,
		hash            TEXT NOT NULL,
		previous_hash   TEXT NOT NULL,
		digest          TEXT NOT NULL,
		nonce           TEXT NOT NULL,
		winner_id       TEXT NOT NULL,
		winner_name     TEXT NOT NULL DEFAULT '',
		reward          NUMERIC(36, 8) NOT NULL,
		difficulty      DOUBLE PRECISION NOT NULL,
		next_difficulty DOUBLE PRECISION NOT NULL,
		duration_ms     BIGINT NOT NULL,
		miners_online   INTEGER NOT NULL DEFAULT 0,
		credited        BOOLEAN NOT NULL DEFAULT false,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE blocks ADD COLUMN IF NOT EXISTS credited BOOLEAN NOT NULL DEFAULT false`,
	`CREATE INDEX IF NOT EXISTS blocks_winner_idx ON blocks (winner_id)`,
	`CREATE TABLE IF NOT EXISTS energy_accounts (
		user_id         TEXT PRIMARY KEY,
		current         BIGINT NOT NULL,
		max             BIGINT NOT NULL,
		bonus_max       BIGINT NOT NULL DEFAULT 0,
		last_recharged  TIMESTAMPTZ NOT NULL
	)`,
}

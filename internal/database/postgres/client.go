// Package postgres provides the PostgreSQL client and the share ledger of the proxy.
// Every share forwarded upstream is recorded with the pool's verdict.
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

// schema is applied by Migrate. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS translated_shares (
		id                BIGSERIAL PRIMARY KEY,
		connection_id     TEXT NOT NULL,
		downstream_user   TEXT NOT NULL,
		upstream_user     TEXT NOT NULL,
		channel_id        BIGINT NOT NULL,
		sequence_number   BIGINT NOT NULL,
		downstream_job_id BIGINT NOT NULL,
		upstream_job_id   TEXT NOT NULL,
		difficulty        DOUBLE PRECISION NOT NULL,
		accepted          BOOLEAN NOT NULL,
		error_code        TEXT NOT NULL DEFAULT '',
		latency_ms        DOUBLE PRECISION NOT NULL DEFAULT 0,
		submitted_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS translated_shares_user_time
		ON translated_shares (downstream_user, submitted_at DESC)`,
	`CREATE TABLE IF NOT EXISTS proxy_connections (
		id            BIGSERIAL PRIMARY KEY,
		connection_id TEXT NOT NULL,
		remote_addr   TEXT NOT NULL,
		downstream_user TEXT NOT NULL DEFAULT '',
		reason        TEXT NOT NULL DEFAULT '',
		fatal         BOOLEAN NOT NULL DEFAULT FALSE,
		closed_at     TIMESTAMPTZ NOT NULL
	)`,
}

// NewClient creates a new PostgreSQL client
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Migrate creates the ledger tables if they do not exist
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
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

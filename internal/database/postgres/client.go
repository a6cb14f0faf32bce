// Package postgres is the durable store for share and block records.
// Both record types carry uniqueness constraints so that crash-driven
// replays of the same write are no-ops.
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

// NewClient creates a new PostgreSQL client
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
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

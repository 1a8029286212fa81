// Package database provides the Postgres-backed receipt archive's
// connection pool, health check, and migration runner. The watchtower's
// own liveness never depends on this package (pkg/store's durable KV is
// authoritative); it exists purely so a customer or disputer can look up
// a previously issued receipt, so its failure modes are tuned to "retry a
// bit, then log and move on" rather than "block the intake pipeline".
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/pisawatch/tower/pkg/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Client is the receipt archive's Postgres connection pool.
type Client struct {
	db     *sql.DB
	logger *log.Logger

	retryAttempts int
	retryBackoff  time.Duration
}

// ClientOption configures a Client beyond cfg's defaults.
type ClientOption func(*Client)

// WithLogger sets a custom logger for the client.
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient opens a pooled connection to cfg.DatabaseURL and verifies it
// with a ping before returning.
func NewClient(cfg *config.Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database: config cannot be nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database: DATABASE_URL cannot be empty")
	}

	retryAttempts := cfg.DatabaseRetryAttempts
	if retryAttempts <= 0 {
		retryAttempts = 1
	}
	retryBackoff := cfg.DatabaseRetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = 200 * time.Millisecond
	}

	client := &Client{
		logger:        log.New(log.Writer(), "[ReceiptArchive] ", log.LstdFlags),
		retryAttempts: retryAttempts,
		retryBackoff:  retryBackoff,
	}
	for _, opt := range opts {
		opt(client)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxConns)
	db.SetMaxIdleConns(cfg.DatabaseMinConns)
	db.SetConnMaxIdleTime(time.Duration(cfg.DatabaseMaxIdleTime) * time.Second)
	db.SetConnMaxLifetime(time.Duration(cfg.DatabaseMaxLifetime) * time.Second)
	client.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	client.logger.Printf("connected (max_conns=%d, min_conns=%d, retry_attempts=%d)",
		cfg.DatabaseMaxConns, cfg.DatabaseMinConns, client.retryAttempts)

	return client, nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	c.logger.Println("closing connection")
	return c.db.Close()
}

// Health reports the pool's current connectivity and stats, for the
// watchtower's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	status := &HealthStatus{CheckedAt: time.Now()}

	if err := c.db.PingContext(ctx); err != nil {
		status.Healthy = false
		status.Error = err.Error()
		return status, nil
	}

	stats := c.db.Stats()
	status.Healthy = true
	status.OpenConnections = stats.OpenConnections
	status.InUse = stats.InUse
	status.Idle = stats.Idle
	status.WaitCount = stats.WaitCount
	status.WaitDuration = stats.WaitDuration
	status.MaxOpenConnections = stats.MaxOpenConnections

	var version string
	if err := c.db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err == nil {
		status.Version = version
	}

	return status, nil
}

// HealthStatus is the receipt archive's connectivity snapshot.
type HealthStatus struct {
	Healthy            bool          `json:"healthy"`
	Error              string        `json:"error,omitempty"`
	Version            string        `json:"version,omitempty"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	MaxOpenConnections int           `json:"max_open_connections"`
	CheckedAt          time.Time     `json:"checked_at"`
}

// MigrateUp applies every embedded migration not yet recorded in
// schema_migrations, in version order.
func (c *Client) MigrateUp(ctx context.Context) error {
	c.logger.Println("running migrations")

	migrations, err := c.getMigrations()
	if err != nil {
		return fmt.Errorf("database: read migrations: %w", err)
	}

	applied, err := c.getAppliedMigrations(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "does not exist") {
			return fmt.Errorf("database: read applied migrations: %w", err)
		}
		applied = make(map[string]bool)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			c.logger.Printf("  skipping %s (already applied)", migration.Version)
			continue
		}
		c.logger.Printf("  applying %s", migration.Version)
		if err := c.applyMigration(ctx, migration); err != nil {
			return fmt.Errorf("database: apply migration %s: %w", migration.Version, err)
		}
	}

	c.logger.Println("migrations complete")
	return nil
}

// Migration is one embedded schema_migrations entry.
type Migration struct {
	Version  string
	Filename string
	SQL      string
}

func (c *Client) getMigrations() ([]Migration, error) {
	var migrations []Migration

	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		filename := d.Name()
		migrations = append(migrations, Migration{
			Version:  strings.TrimSuffix(filename, ".sql"),
			Filename: filename,
			SQL:      string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func (c *Client) getAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (c *Client) applyMigration(ctx context.Context, migration Migration) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("execute migration SQL: %w", err)
	}
	// The migration SQL itself records its version in schema_migrations
	// via INSERT ... ON CONFLICT DO NOTHING.
	return tx.Commit()
}

// ExecContext runs a write query, making up to retryAttempts attempts in
// total with a linearly increasing delay between them. Archiving a receipt is
// best-effort (pkg/intake logs and discards a failure rather than
// failing the customer's request) so a handful of retries absorbs a
// transient pool exhaustion or connection blip without giving up on the
// very first hiccup, the way the teacher's contract-send retry loop
// escalates across attempts rather than failing immediately.
func (c *Client) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		res, err := c.db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if attempt == c.retryAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryBackoff * time.Duration(attempt+1)):
		}
	}
	return nil, fmt.Errorf("database: exec failed after %d attempts: %w", c.retryAttempts, lastErr)
}

// QueryContext executes a read query that returns rows. Lookups are
// customer-facing reads, not the archive-durability path ExecContext
// guards, so they are not retried.
func (c *Client) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a read query that returns at most one row.
func (c *Client) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

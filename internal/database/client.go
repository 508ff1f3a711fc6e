// Package database provides the Postgres storage collaborator: a pooled
// sqlx client, embedded schema migrations, the entity and subscriber
// catalog contributed by plugins, and persisted plugin states.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

// Config holds connection settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// ConnectTimeout bounds the retrying ping in Connect.
	ConnectTimeout time.Duration
}

// Client wraps a sqlx handle and the plugin-contributed catalog.
type Client struct {
	cfg     Config
	db      *sqlx.DB
	catalog *Catalog
	log     *logger.Logger

	mu        sync.Mutex
	connected bool
}

// NewClient prepares a handle for cfg.DSN. No connection is made until Connect.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%w: database dsn is required", ErrInvalidInput)
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrDatabaseError, err)
	}
	return newClient(db, cfg, log), nil
}

// NewClientFromDB wraps an existing *sql.DB, e.g. a sqlmock handle.
func NewClientFromDB(db *sql.DB, log *logger.Logger) *Client {
	return newClient(sqlx.NewDb(db, "postgres"), Config{}, log)
}

func newClient(db *sqlx.DB, cfg Config, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDiscard()
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return &Client{
		cfg:     cfg,
		db:      db,
		catalog: NewCatalog(log),
		log:     log,
	}
}

// DB returns the underlying handle. It is usable before Connect; queries
// simply fail until the database is reachable.
func (c *Client) DB() *sqlx.DB { return c.db }

// Catalog returns the entity and subscriber catalog.
func (c *Client) Catalog() *Catalog { return c.catalog }

// Connect pings the database with exponential backoff until it answers,
// ctx is done or the connect timeout elapses.
func (c *Client) Connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = c.cfg.ConnectTimeout
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = 30 * time.Second
	}

	attempt := 0
	op := func() error {
		attempt++
		return c.db.PingContext(ctx)
	}
	notify := func(err error, wait time.Duration) {
		c.log.WithError(err).WithField("attempt", attempt).Warnf("database not ready, retrying in %s", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("%w: connect after %d attempts: %v", ErrDatabaseError, attempt, err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.log.WithField("attempts", attempt).Info("database connected")
	return nil
}

// Connected reports whether Connect succeeded and Close has not been called.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Ping checks the connection; used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.db.PingContext(ctx)
}

// RegisterEntities records plugin entities with the catalog.
func (c *Client) RegisterEntities(entities []plugin.Entity) error {
	return c.catalog.RegisterEntities(entities)
}

// RegisterSubscribers records plugin subscribers with the catalog.
func (c *Client) RegisterSubscribers(subs []plugin.Subscriber) error {
	return c.catalog.RegisterSubscribers(subs)
}

// Close releases the pool.
func (c *Client) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrDatabaseError, err)
	}
	c.log.Info("database disconnected")
	return nil
}

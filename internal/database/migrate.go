package database

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending up migrations from the embedded schema.
func (c *Client) Migrate(ctx context.Context) error {
	if !c.Connected() {
		return ErrNotConnected
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("%w: load migrations: %v", ErrDatabaseError, err)
	}

	// A dedicated connection keeps the driver from closing the shared pool.
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: migration connection: %v", ErrDatabaseError, err)
	}
	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: migration driver: %v", ErrDatabaseError, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("%w: migrate: %v", ErrDatabaseError, err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			c.log.WithField("source_error", srcErr).WithField("db_error", dbErr).Warn("closing migrator")
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: apply migrations: %v", ErrDatabaseError, err)
	}
	version, dirty, verr := m.Version()
	if verr == nil {
		c.log.WithField("version", version).WithField("dirty", dirty).Info("database schema up to date")
	}
	return nil
}

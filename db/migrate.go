// Package db embeds the schema migrations and runs them with golang-migrate.
package db

import (
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx v5 driver
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/recallhq/recall/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending migrations. connURL must be a postgres:// or
// postgresql:// URL. The schema_migrations table is managed by golang-migrate;
// only migrations not yet applied are executed.
func Migrate(connURL string, logger log.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	dbURL, err := toMigrateURL(connURL)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Warn("closing migration source", "error", srcErr)
		}
		if dbErr != nil {
			logger.Warn("closing migration connection", "error", dbErr)
		}
	}()

	// Refuse to run on a dirty database; that needs manual intervention.
	version, dirty, verErr := m.Version()
	if verErr != nil && !errors.Is(verErr, migrate.ErrNilVersion) {
		return fmt.Errorf("checking migration version: %w", verErr)
	}
	if dirty {
		return fmt.Errorf("database in dirty migration state (version=%d), run `migrate force %d` after inspecting the schema", version, version)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("no new migrations to apply")
			return nil
		}
		return fmt.Errorf("running migrations: %w", err)
	}

	if final, _, err := m.Version(); err == nil {
		logger.Info("migrations completed", "version", final)
	}
	return nil
}

// toMigrateURL converts postgres:// or postgresql:// to the pgx5:// scheme the
// golang-migrate pgx v5 driver expects.
func toMigrateURL(connURL string) (string, error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", fmt.Errorf("parsing database URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		u.Scheme = "pgx5"
		return u.String(), nil
	default:
		return "", fmt.Errorf("unsupported database URL scheme: %q (expected postgres or postgresql)", u.Scheme)
	}
}

package authkitpg

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// RunMigrations applies the embedded schema migrations through a pgx-backed *sql.DB.
func RunMigrations(databaseURL string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("authkitpg.migrate.open: %w", err)
	}
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("authkitpg.migrate.driver: %w", err)
	}
	source, err := iofs.New(embeddedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("authkitpg.migrate.source: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("authkitpg.migrate.new: %w", err)
	}
	defer migrator.Close()

	if upErr := migrator.Up(); upErr != nil {
		if errors.Is(upErr, migrate.ErrNoChange) {
			logger.Debug("schema up to date", zap.String("code", "authkitpg.migrate.no_change"))
			return nil
		}
		return fmt.Errorf("authkitpg.migrate.up: %w", upErr)
	}
	version, _, _ := migrator.Version()
	logger.Info("schema migrated", zap.Uint("version", version))
	return nil
}

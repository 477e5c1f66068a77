// Package backend opens the poll store selected by STORAGE_DRIVER.
package backend

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/civicpoll/backend/config"
	"github.com/civicpoll/backend/internal/store"
	"github.com/civicpoll/backend/internal/store/postgres"
	"github.com/civicpoll/backend/internal/store/sqlite"
	"github.com/civicpoll/backend/pkg/database"
)

// Open returns the configured store. With migrate set, the Postgres schema
// is applied before returning; SQLite always applies its schema on open.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, migrate bool) (store.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := database.NewPostgresPool(ctx, poolOptions(cfg.Database), logger)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := database.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return postgres.New(pool), nil
	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("SQLite store opened", zap.String("path", cfg.Storage.SQLitePath))
		return st, nil
	case config.DriverMemory:
		logger.Warn("using in-memory store; polls are lost on restart")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func poolOptions(db config.DatabaseConfig) database.PoolOptions {
	return database.PoolOptions{
		DSN:             db.DSN(),
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: time.Duration(db.MaxConnLifetimeMin) * time.Minute,
		MaxConnIdleTime: time.Duration(db.MaxConnIdleMin) * time.Minute,
	}
}

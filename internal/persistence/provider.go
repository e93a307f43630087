// Package persistence opens the configured database.
package persistence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/browserpilot/internal/common/config"
	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/db"
)

// Provide opens the database pool selected by cfg.Database.Driver.
func Provide(cfg *config.Config, log *logger.Logger) (*db.Pool, func() error, error) {
	switch cfg.Database.Driver {
	case "", "sqlite":
		pool, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		log.Info("Database initialized", zap.String("db_driver", "sqlite"), zap.String("db_path", cfg.Database.Path))
		cleanup := func() error {
			// Refresh planner statistics before close.
			_, _ = pool.Writer().Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil
	case "postgres":
		pool, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Database initialized",
			zap.String("db_driver", "postgres"),
			zap.String("db_host", cfg.Database.Host),
			zap.String("db_name", cfg.Database.DBName))
		return pool, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

package main

import (
	"github.com/kandev/browserpilot/internal/common/config"
	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/persistence"
	"github.com/kandev/browserpilot/internal/task/repository"
	"github.com/kandev/browserpilot/internal/task/repository/sqlite"
)

func provideRepository(cfg *config.Config, log *logger.Logger) (repository.Repository, []func() error, error) {
	pool, cleanup, err := persistence.Provide(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	cleanups := []func() error{cleanup}

	repo, err := sqlite.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return repo, append(cleanups, repo.Close), nil
}

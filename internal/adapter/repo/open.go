package repo

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"chartextract/internal/domain"
	"chartextract/internal/infra"
)

// Store is an opened job store with its lifecycle hooks.
type Store struct {
	domain.JobStore
	Ping  func(ctx context.Context) error
	Close func()
}

// Open connects the backend selected by cfg.StoreDriver. The sqlite backend
// migrates its table on open; postgres expects cmd/migrate to have run.
func Open(ctx context.Context, cfg *infra.Config, logger zerolog.Logger) (*Store, error) {
	switch cfg.StoreDriver {
	case infra.StoreDriverPostgres:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Store{
			JobStore: NewJobRepository(infra.NewSQLRunner(pool, logger)),
			Ping:     pool.Ping,
			Close:    pool.Close,
		}, nil
	case infra.StoreDriverSQLite:
		db, err := infra.NewSQLiteDB(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		jobs := NewJobRepositoryGorm(db)
		if err := jobs.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		return &Store{
			JobStore: jobs,
			Ping:     sqlDB.PingContext,
			Close:    func() { _ = sqlDB.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
}

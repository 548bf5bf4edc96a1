package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/internal/store/pg"
	"github.com/nextlevelbuilder/turnkit/internal/store/redis"
	"github.com/nextlevelbuilder/turnkit/internal/store/sqlite"
	"github.com/nextlevelbuilder/turnkit/internal/upgrade"
)

// openStorage builds the configured storage driver. The returned close
// function is never nil.
func openStorage(ctx context.Context, cfg config.StorageConfig) (store.Storage, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Driver {
	case "", config.StorageMemory:
		return store.NewMemoryStorage(), noop, nil

	case config.StorageSQLite:
		path := config.ExpandHome(cfg.SQLitePath)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, noop, fmt.Errorf("create sqlite dir: %w", err)
		}
		s, err := sqlite.Open(path)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil

	case config.StoragePostgres:
		if _, _, err := pg.MigrateUp(cfg.PostgresDSN); err != nil {
			return nil, noop, err
		}
		db, err := pg.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, noop, err
		}
		status, err := upgrade.CheckSchema(db)
		if err != nil {
			db.Close()
			return nil, noop, err
		}
		if err := status.Err(); err != nil {
			db.Close()
			return nil, noop, fmt.Errorf("%w\n%s", err, upgrade.FormatError(status))
		}
		return pg.NewPGStorage(db), db.Close, nil

	case config.StorageRedis:
		s, err := redis.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redis.Options{
			Prefix: cfg.Redis.Prefix,
			TTL:    cfg.Redis.TTL.Std(),
		})
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	}
	return nil, noop, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

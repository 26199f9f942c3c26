package core

import (
	"context"
	"fmt"

	"equinecore/internal/config"
	"equinecore/internal/infra/persistence/memory"
	"equinecore/internal/infra/persistence/postgres"
	"equinecore/internal/infra/persistence/sqlite"
	"equinecore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = config.StorageMemory   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = config.StorageSQLite   // embedded sqlite file
	StoragePostgres StorageDriver = config.StoragePostgres // PostgreSQL server
)

// OpenPersistentStore selects a backend from the configuration.
//
//	EQUINECORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	EQUINECORE_SQLITE_PATH: path to sqlite file (default ./equinecore.db)
//	EQUINECORE_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(ctx context.Context, cfg config.Config) (domain.PersistentStore, error) {
	driver := StorageDriver(cfg.StorageDriver)
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// ServiceOptionsFromConfig maps configuration onto service options.
func ServiceOptionsFromConfig(cfg config.Config) []ServiceOption {
	return []ServiceOption{
		WithServiceStabilityFloor(cfg.StabilityFloor),
		WithCareRecordLimit(cfg.CareRecordLimit),
		WithCareCacheSize(cfg.CareCacheSize),
		WithBatchConcurrency(cfg.BatchConcurrency),
		WithDevMode(cfg.DevMode),
	}
}

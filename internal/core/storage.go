package core

import (
	"amrcore/internal/config"
	"amrcore/internal/infra/persistence/memory"
	"amrcore/internal/infra/persistence/postgres"
	"amrcore/internal/infra/persistence/sqlite"
	"amrcore/pkg/domain"
	"fmt"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

type (
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)

// OpenPersistentStore selects a backend from the storage configuration. The
// returned close function releases database handles and is never nil.
func OpenPersistentStore(cfg config.Storage, engine *RulesEngine) (PersistentStore, func() error, error) {
	switch StorageDriver(cfg.Driver) {
	case StorageMemory:
		return memory.NewStore(engine), func() error { return nil }, nil
	case StorageSQLite, "":
		store, err := sqlite.NewStore(cfg.SQLitePath, engine)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case StoragePostgres:
		store, err := postgres.NewStore(cfg.PostgresDSN, engine)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

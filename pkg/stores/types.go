package stores

import (
	"context"
	"fmt"

	"github.com/openfroyo/actuator/pkg/engine"
)

// Store is a SQL backend serving both the idempotency ledger and the
// audit journal.
type Store interface {
	engine.Ledger
	engine.Journal

	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Utility
	HealthCheck(ctx context.Context) error
}

var (
	_ Store         = (*SQLiteStore)(nil)
	_ Store         = (*PostgresStore)(nil)
	_ engine.Ledger = (*BadgerLedger)(nil)
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open creates, initializes and migrates the store for driver.
func Open(ctx context.Context, driver string, cfg Config) (Store, error) {
	var (
		store Store
		err   error
	)

	switch driver {
	case DriverSQLite, "":
		store, err = NewSQLiteStore(cfg)
	case DriverPostgres:
		store, err = NewPostgresStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

package database

import (
	"errors"
	"fmt"

	"github.com/npezzotti/go-relay/internal/config"
)

var errStoreClosed = errors.New("store closed")

// Open returns the store for the configured driver. Postgres schemas are
// migrated before the store is returned.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case config.DriverPostgres:
		if err := Migrate(dsn); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		store, err := NewPgMessageStore(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverSQLite:
		store, err := NewSQLiteMessageStore(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverMemory:
		return NewMemoryMessageStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

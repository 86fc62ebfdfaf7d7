package store

import "fmt"

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open creates a Store for the named driver.
// For memory the dsn is an optional blocklist snapshot path, for sqlite it is
// the database file path, and for postgres it is a connection string.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case DriverMemory, "":
		if dsn == "" {
			return NewMemoryStore(), nil
		}
		return NewMemoryStoreWithSnapshot(dsn)
	case DriverSQLite:
		return OpenSQLite(dsn)
	case DriverPostgres:
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

package session

import (
	"fmt"
	"os"

	"entsession/internal/infra/provider/memory"
	"entsession/internal/infra/provider/postgres"
	"entsession/internal/infra/provider/sqlite"
	"entsession/pkg/entity"
)

// ProviderDriver identifies a concrete provider implementation.
type ProviderDriver string

const (
	DriverMemory   ProviderDriver = "memory"   // in-memory only (tests / ephemeral)
	DriverSQLite   ProviderDriver = "sqlite"   // embedded sqlite file
	DriverPostgres ProviderDriver = "postgres" // PostgreSQL server
)

// OpenProvider selects a provider backend using environment variables.
// Defaults to sqlite when unset.
//
//	ENTSESSION_PROVIDER_DRIVER: memory|sqlite|postgres (default sqlite)
//	ENTSESSION_SQLITE_PATH: path to sqlite file (default ./entsession.db)
//	ENTSESSION_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenProvider(mapping entity.Mapping, descs ...*entity.Descriptor) (entity.Provider, error) {
	driver := os.Getenv("ENTSESSION_PROVIDER_DRIVER")
	if driver == "" {
		driver = string(DriverSQLite)
	}
	switch ProviderDriver(driver) {
	case DriverMemory:
		return memory.NewStore(mapping), nil
	case DriverSQLite:
		path := os.Getenv("ENTSESSION_SQLITE_PATH")
		return sqlite.NewStore(path, mapping, descs...)
	case DriverPostgres:
		dsn := os.Getenv("ENTSESSION_POSTGRES_DSN")
		return postgres.NewStore(dsn, mapping, descs...)
	default:
		return nil, fmt.Errorf("unknown provider driver %s", driver)
	}
}

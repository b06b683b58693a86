//go:build integration

package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const defaultPostgresImage = "postgres:16-alpine"

// PGContainer returns a migrated database. POSTGRES_URL wins when set;
// otherwise a throwaway Postgres container is started for the test.
func PGContainer(t *testing.T) *sql.DB {
	t.Helper()

	if dbURL := os.Getenv("POSTGRES_URL"); dbURL != "" {
		db, cleanup := Open(t, dbURL)
		t.Cleanup(cleanup)
		return db
	}

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, defaultPostgresImage,
		postgres.WithDatabase("cryptocardia"),
		postgres.WithUsername("sandbox"),
		postgres.WithPassword("sandbox"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Skipf("pgcontainer: start postgres: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgcontainer: connection string: %v", err)
	}

	db, cleanup := Open(t, dsn)
	t.Cleanup(cleanup)
	return db
}

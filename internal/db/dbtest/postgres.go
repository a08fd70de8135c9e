// Package dbtest starts a disposable Postgres for repository integration tests.
// Tests using it are skipped unless AUTHCORE_INTEGRATION=1 and -short is off.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cgb37/quart-mysql-scaffold/internal/db"
	"github.com/cgb37/quart-mysql-scaffold/internal/db/migrate"
)

const image = "postgres:16-alpine"

// Open starts a container, applies migrations and returns a pool bound to it.
// The container and pool are released through t.Cleanup.
func Open(t testing.TB) *db.DB {
	t.Helper()
	if testing.Short() || os.Getenv("AUTHCORE_INTEGRATION") != "1" {
		t.Skip("set AUTHCORE_INTEGRATION=1 to run Postgres integration tests")
	}
	ctx := context.Background()

	ctr, err := testcontainers.Run(ctx, image,
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "authcore",
			"POSTGRES_PASSWORD": "authcore",
			"POSTGRES_DB":       "authcore",
		}),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	endpoint, err := ctr.PortEndpoint(ctx, "5432/tcp", "")
	if err != nil {
		t.Fatalf("postgres endpoint: %v", err)
	}
	dsn := fmt.Sprintf("postgres://authcore:authcore@%s/authcore?sslmode=disable", endpoint)

	if err := migrate.Run(dsn, migrate.Up); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("migrate: %v", err)
	}
	d, err := db.Open(ctx, db.Config{URL: dsn, MaxConns: 4, QueryTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

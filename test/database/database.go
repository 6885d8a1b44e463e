// Package database provides PostgreSQL helpers for integration tests.
//
// Tests get an isolated schema on a shared database: in CI an external
// database from CI_DATABASE_URL, in local dev a package-shared
// testcontainer started once. Each test runs migrations inside its own
// schema and the schema is dropped on cleanup, so tests stay independent
// without paying container startup per test.
package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nekro-agent/relay/pkg/database"
)

var (
	containerOnce sync.Once
	sharedConnStr string
	containerErr  error
)

// Setup returns a migrated *sql.DB scoped to a fresh schema for this test.
// The pool and schema are cleaned up automatically.
func Setup(t *testing.T) *sql.DB {
	t.Helper()

	if os.Getenv("CI") == "" && os.Getenv("CI_DATABASE_URL") == "" {
		if _, err := os.Stat("/var/run/docker.sock"); err != nil {
			t.Skip("Skipping database test: no Docker socket and no CI_DATABASE_URL")
		}
	}

	baseConnStr := getOrCreateSharedDatabase(t)
	schemaName := generateSchemaName(t)

	admin, err := sql.Open("pgx", baseConnStr)
	require.NoError(t, err, "failed to open admin connection")
	defer admin.Close()

	_, err = admin.Exec(fmt.Sprintf("CREATE SCHEMA %q", schemaName))
	require.NoError(t, err, "failed to create test schema")

	t.Cleanup(func() {
		cleanup, err := sql.Open("pgx", baseConnStr)
		if err != nil {
			t.Logf("failed to open cleanup connection: %v", err)
			return
		}
		defer cleanup.Close()
		if _, err := cleanup.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %q CASCADE", schemaName)); err != nil {
			t.Logf("failed to drop test schema %s: %v", schemaName, err)
		}
	})

	sep := "?"
	if strings.Contains(baseConnStr, "?") {
		sep = "&"
	}
	db, err := sql.Open("pgx", baseConnStr+sep+"search_path="+schemaName)
	require.NoError(t, err, "failed to open test connection")
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.Migrate(db), "failed to migrate test schema")
	return db
}

// getOrCreateSharedDatabase returns a connection string to the shared database.
// In CI, uses CI_DATABASE_URL. In local dev, starts a shared testcontainer once.
func getOrCreateSharedDatabase(t *testing.T) string {
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("relay_test"),
			postgres.WithUsername("relay"),
			postgres.WithPassword("relay"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "failed to set up shared test container")
	return sharedConnStr
}

// generateSchemaName builds a PostgreSQL-safe schema name unique to the test.
func generateSchemaName(t *testing.T) string {
	name := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToLower(t.Name()))
	if len(name) > 40 {
		name = name[:40]
	}

	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}

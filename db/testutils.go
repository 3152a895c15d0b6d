package db

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testDB    *sqlx.DB
	testDBErr error
	getDbOnce sync.Once
)

// GetDb returns a shared connection to the test database with the schema in place. It connects to
// POSTGRES_URL, or starts a container when it is not set. Skipped in -short mode.
func GetDb(t *testing.T) *sqlx.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("needs postgres")
	}

	getDbOnce.Do(func() {
		url := os.Getenv("POSTGRES_URL")
		if url == "" {
			// the container lives until the test binary exits
			_, url, testDBErr = StartPostgresContainer()
			if testDBErr != nil {
				return
			}
		}

		testDB, testDBErr = sqlx.Open("postgres", url)
		if testDBErr != nil {
			return
		}
		testDBErr = InitializeDatabaseSchema(testDB)
	})
	require.NoError(t, testDBErr)

	return testDB
}

func StartPostgresContainer() (testcontainers.Container, string, error) {
	ctx := context.Background()
	dbName := "db"
	dbUser := "user"
	dbPassword := "password"

	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, "", err
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable", "application_name=test")
	if err != nil {
		return nil, "", err
	}

	return postgresContainer, connStr, nil
}

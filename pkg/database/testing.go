package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewTestClient creates a test database client with CI/local environment
// detection. In CI (when CI_DATABASE_URL is set) it connects to an external
// PostgreSQL service container; locally it spins up a testcontainer.
// Lives outside the _test.go files so store and queue tests in other
// packages can reuse the same harness.
func NewTestClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	cfg := Config{
		Host:            "localhost",
		Port:            5432,
		User:            "test",
		Password:        "test",
		Database:        "test",
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	}

	if os.Getenv("CI_DATABASE_URL") != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		// The CI service container matches the defaults above except for
		// credentials, which CI exports individually.
		cfg.Host = getEnvOrDefault("CI_DB_HOST", cfg.Host)
		cfg.User = getEnvOrDefault("CI_DB_USER", cfg.User)
		cfg.Password = getEnvOrDefault("CI_DB_PASSWORD", cfg.Password)
		cfg.Database = getEnvOrDefault("CI_DB_NAME", cfg.Database)
	} else {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase(cfg.Database),
			postgres.WithUsername(cfg.User),
			postgres.WithPassword(cfg.Password),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

		host, err := pgContainer.Host(ctx)
		require.NoError(t, err)
		port, err := pgContainer.MappedPort(ctx, "5432/tcp")
		require.NoError(t, err)
		cfg.Host = host
		cfg.Port = port.Int()
	}

	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

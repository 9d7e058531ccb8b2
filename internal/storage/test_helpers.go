package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/harvest-pool/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// testPostgresConfig returns the connection settings for the integration
// test database. Overridable through TEST_POSTGRES_* so CI can point at its
// own instance.
func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           testEnv("TEST_POSTGRES_HOST", "localhost"),
		Port:           testEnv("TEST_POSTGRES_PORT", "5432"),
		Database:       testEnv("TEST_POSTGRES_DB", "harvest_pool_test"),
		User:           testEnv("TEST_POSTGRES_USER", "pool"),
		Password:       testEnv("TEST_POSTGRES_PASSWORD", "pool_dev_password"),
		MaxConnections: 5,
	}
}

func testEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// SetupTestDB connects to the integration test database, applies migrations,
// and truncates the pool tables so each test starts clean. Tests are skipped
// in short mode or when Postgres is unreachable.
func SetupTestDB(t *testing.T) *PostgresDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return nil
	}
	t.Cleanup(db.Close)

	databaseURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	if err := RunMigrations(databaseURL, testMigrationsPath(t)); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	ctx := testContext(t)
	for _, table := range []string{"accounts", "proxies", "checkpoints"} {
		if _, err := db.Pool().Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", table)); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}

	return db
}

// testMigrationsPath locates migrations/postgres relative to the package
// under test.
func testMigrationsPath(t *testing.T) string {
	t.Helper()

	for _, path := range []string{"../../migrations/postgres", "../../../migrations/postgres"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	t.Fatal("migrations/postgres not found relative to test")
	return ""
}

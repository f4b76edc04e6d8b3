// Package testutil provides shared infrastructure for integration tests that
// need a migrated Postgres.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    testPool = tc.MustPool()
//	    code := m.Run()
//	    testPool.Close()
//	    tc.Terminate()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alecgard/beacon/internal/storage"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a Postgres container and applies every migration.
// Calls os.Exit(1) on failure (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "beacon",
				"POSTGRES_PASSWORD": "beacon",
				"POSTGRES_DB":       "beacon",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fail("failed to start container", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fail("failed to get container host", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fail("failed to get container port", err)
	}

	tc := &TestContainer{
		Container: container,
		DSN:       fmt.Sprintf("postgres://beacon:beacon@%s:%s/beacon?sslmode=disable", host, port.Port()),
	}
	if err := tc.migrate(); err != nil {
		_ = container.Terminate(ctx)
		fail("failed to run migrations", err)
	}
	return tc
}

// MustPool opens a pool against the container.
func (tc *TestContainer) MustPool() *pgxpool.Pool {
	pool, err := storage.NewPool(context.Background(), tc.DSN)
	if err != nil {
		fail("failed to open pool", err)
	}
	return pool
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

func (tc *TestContainer) migrate() error {
	m, err := migrate.New("file://"+migrationsDir(), tc.DSN)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// migrationsDir locates migrations/ relative to this file so tests work from
// any package directory.
func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

func fail(msg string, err error) {
	fmt.Fprintf(os.Stderr, "testutil: %s: %v\n", msg, err)
	os.Exit(1)
}

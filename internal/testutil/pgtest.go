// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/genmeter/migrations"
)

// PGTest opens a test database, applies the embedded goose migrations, and
// returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing server. Otherwise a throwaway postgres
// container is started, and the test is skipped when Docker is unavailable.
// The cleanup function truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	terminate := func() {}
	if dbURL == "" {
		dbURL, terminate = startContainer(t, ctx)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		terminate()
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		terminate()
	}
	return db, cleanup
}

// Migrate applies every embedded migration.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func startContainer(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("genmeter"),
		postgres.WithUsername("genmeter"),
		postgres.WithPassword("genmeter"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("pgtest: start postgres container: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		t.Fatalf("pgtest: container dsn: %v", err)
	}

	return dsn, func() {
		tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = ctr.Terminate(tctx)
	}
}

// truncateAll truncates all user-created tables to provide a clean slate
// between tests. Uses TRUNCATE ... CASCADE to handle foreign keys.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names from pg_tables, not user input
		_, _ = db.ExecContext(ctx, stmt)
	}
}

// Command migrate applies the embedded genmeter schema with goose.
//
//	migrate up | down | status | version | redo | up-to N | down-to N
//
// The server can also migrate itself on boot (MIGRATE_ON_START=true);
// this command is for operators who run schema changes as a separate step.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/genmeter/migrations"
)

const usage = "usage: migrate up|down|status|version|redo|up-to <version>|down-to <version>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Getenv("DATABASE_URL"), os.Args[1], os.Args[2:]); err != nil {
		log.Fatalf("migrate %s: %v", os.Args[1], err)
	}
}

func run(ctx context.Context, dsn, command string, args []string) error {
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}

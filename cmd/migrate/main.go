// Command migrate applies or rolls back the SQL migrations in migrations/.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"dexledger/internal/persistence"
)

const usage = `Usage: migrate <up|down>
  up    apply all pending migrations
  down  roll back the last migration

Environment:
  DEX_POSTGRES_DSN    Postgres connection string
  DEX_MIGRATIONS_DIR  migrations directory (default: migrations)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err := run(os.Args[1]); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

func run(cmd string) error {
	godotenv.Load()

	dsn := os.Getenv("DEX_POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/dexledger?sslmode=disable"
	}
	dir := os.Getenv("DEX_MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	m := persistence.NewMigrator(db, dir)

	switch cmd {
	case "up":
		if err := m.Up(ctx); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		log.Println("INFO: all migrations applied")
	case "down":
		if err := m.Down(ctx); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		log.Println("INFO: last migration rolled back")
	default:
		return fmt.Errorf("unknown command %q (use 'up' or 'down')", cmd)
	}
	return nil
}

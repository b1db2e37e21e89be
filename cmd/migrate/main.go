// Command migrate applies the chart_jobs schema to the Postgres database in
// DATABASE_URL. The schema is idempotent. The sqlite backend migrates itself
// on open and does not need this.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"chartextract/internal/infra"
	"chartextract/internal/sqlinline"
)

func main() {
	_ = godotenv.Load()

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(fmt.Errorf("DATABASE_URL is required"))
	}
	logger := infra.NewLogger("cli").With().Str("cmd", "migrate").Logger()

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("open database: %w", err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		exitWithError(fmt.Errorf("connect database: %w", err))
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		exitWithError(fmt.Errorf("begin: %w", err))
	}
	if _, err := tx.ExecContext(ctx, sqlinline.Schema); err != nil {
		_ = tx.Rollback()
		exitWithError(fmt.Errorf("apply schema: %w", err))
	}
	if err := tx.Commit(); err != nil {
		exitWithError(fmt.Errorf("commit: %w", err))
	}
	logger.Info().Msg("schema applied")
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

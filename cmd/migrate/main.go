package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"MarketSettle/internal/observability"
	"MarketSettle/internal/persistence"
)

func main() {
	_ = godotenv.Load()
	log := observability.NewLogger("migrate")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down>")
		os.Exit(1)
	}

	dsn := os.Getenv("SETTLE_POSTGRES_DSN")
	if dsn == "" {
		log.Fatal().Msg("SETTLE_POSTGRES_DSN is required")
	}
	dir := os.Getenv("SETTLE_MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open failed")
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping failed")
	}

	m := persistence.NewMigrator(db, dir, log)

	switch os.Args[1] {
	case "up":
		if err := m.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate up failed")
		}
		log.Info().Msg("migrations applied")
	case "down":
		if err := m.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down failed")
		}
		log.Info().Msg("last migration reverted")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q; usage: migrate <up|down>\n", os.Args[1])
		os.Exit(1)
	}
}

package main

import (
	"context"
	"database/sql"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/arenalab/chess-telemetry/internal/config"
	"github.com/arenalab/chess-telemetry/internal/db"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var (
		conn    *sql.DB
		dialect string
		dir     string
	)
	switch cfg.Database.Backend {
	case config.BackendPooled:
		conn, err = sql.Open("pgx", cfg.Database.ConnString())
		dialect, dir = "postgres", "migrations/postgres"
	default:
		conn, err = sql.Open("sqlite", cfg.Database.Path+"?_pragma=foreign_keys(1)")
		dialect, dir = "sqlite3", "migrations/sqlite"
	}
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	if err := conn.PingContext(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	switch cmd {
	case "up":
		err = db.MigrateUp(ctx, conn, dialect, dir)
	case "down":
		err = db.MigrateDown(ctx, conn, dialect, dir)
	default:
		log.Fatalf("unknown command %q (want up or down)", cmd)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
	log.Printf("migrate %s: ok (%s)", cmd, dialect)
}

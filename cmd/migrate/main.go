// Command migrate applies database schema migrations.
//
// Usage:
//
//	migrate [up|down|status|version]
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fnf-ea/mcp-orch/internal/config"
	"github.com/fnf-ea/mcp-orch/internal/migrate"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	sqldb, err := sql.Open("pgx", cfg.Database.DSN())
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, logger)
	ctx := context.Background()

	switch command {
	case "up":
		err = migrator.Up(ctx)
	case "down":
		err = migrator.Down(ctx)
	case "status":
		err = migrator.Status(ctx)
	case "version":
		var version int64
		version, err = migrator.Version(ctx)
		if err == nil {
			fmt.Printf("current database version: %d\n", version)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected up, down, status, or version)\n", command)
		os.Exit(1)
	}

	if err != nil {
		logger.Fatal("migration command failed", zap.String("command", command), zap.Error(err))
	}
}

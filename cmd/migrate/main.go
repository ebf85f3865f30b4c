// Command migrate applies the postgres schema for the ledger, user and
// webhook tables, and initializes the sqlite generation-request store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/yardgen/internal/config"
	"github.com/example/yardgen/internal/generation"
	"github.com/example/yardgen/internal/ledger"
	"github.com/example/yardgen/internal/payment"
	"github.com/example/yardgen/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migrations applied")
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.DatabaseURL != "" {
		if err := migratePostgres(cfg.DatabaseURL, logger); err != nil {
			return err
		}
	} else {
		logger.Warn("DATABASE_URL not set, skipping postgres migrations")
	}

	store, err := generation.OpenSQLiteRequestStore(cfg.GenerationDBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize generation store: %w", err)
	}
	defer store.Close()
	logger.Info("generation store ready", "path", cfg.GenerationDBPath)

	return nil
}

func migratePostgres(databaseURL string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	defer pool.Close()

	groups := []struct {
		name       string
		statements []string
	}{
		{"ledger", ledger.PostgresMigrations},
		{"users", payment.UserMigrations},
		{"webhook", webhook.Migrations},
	}

	for _, group := range groups {
		for i, stmt := range group.statements {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("%s migration %d failed: %w", group.name, i+1, err)
			}
		}
		logger.Info("applied migrations", "group", group.name, "count", len(group.statements))
	}
	return nil
}

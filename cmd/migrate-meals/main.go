// Command migrate-meals rewrites legacy meal rows into the current shape:
// participant lists, fresh search keywords and recounted comments.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"familymeal/api/internal/config"
	"familymeal/api/internal/logging"
	"familymeal/api/internal/meals"
	"familymeal/api/internal/store"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "report what would change without writing")
	flag.Parse()

	cfg := config.Load()
	logger := logging.New(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Error(ctx, "DATABASE_URL is required")
		os.Exit(2)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error(ctx, "database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		logger.Error(ctx, "migrations failed", "error", err)
		os.Exit(1)
	}

	report, err := meals.NormalizeLegacy(ctx, store.NewPostgresStore(db), *dryRun, logger)
	if err != nil {
		logger.Error(ctx, "normalization failed", "error", err, "scanned", report.Scanned)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{"dryRun": *dryRun, "report": report})
}

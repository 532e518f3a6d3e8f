// Command migrate-tokens seals OAuth tokens that were stored in plaintext
// (encryption_version=0) with the AES-256-GCM key from ENCRYPTION_KEY.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider NAME]
//
// The database is selected with DB_DRIVER and DB_DSN, as for the bot itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/O-Tiger/WebServiceTwitchBot/config"
	"github.com/O-Tiger/WebServiceTwitchBot/crypto"
	"github.com/O-Tiger/WebServiceTwitchBot/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	provider := flag.String("provider", "", "Migrate one provider only (default: all)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", slog.Any("err", err))
		os.Exit(1)
	}
	sealer, err := crypto.FromEnv()
	if err != nil {
		slog.Error("ENCRYPTION_KEY is required for migration", slog.Any("err", err))
		os.Exit(1)
	}
	database, err := db.Connect(cfg.DBDriver, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close() //nolint:errcheck

	n, err := migrateTokens(context.Background(), db.NewStore(database, sealer), *dryRun, *provider, os.Stdout)
	if err != nil {
		slog.Error("migration failed", slog.Any("err", err), slog.Int("migrated", n))
		os.Exit(1)
	}
	slog.Info("migration completed successfully", slog.Int("migrated", n), slog.Bool("dry_run", *dryRun))
}

// migrateTokens seals plaintext rows, optionally only the one for provider.
// In dry-run mode it only lists them. It returns the number of rows sealed
// (or that would be sealed).
func migrateTokens(ctx context.Context, store *db.Store, dryRun bool, provider string, out io.Writer) (int, error) {
	providers, err := store.PlaintextProviders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list plaintext tokens: %w", err)
	}
	n := 0
	for _, p := range providers {
		if provider != "" && p != provider {
			continue
		}
		if dryRun {
			fmt.Fprintf(out, "would seal %s\n", p) //nolint:errcheck
			n++
			continue
		}
		if err := store.SealToken(ctx, p); err != nil {
			return n, err
		}
		fmt.Fprintf(out, "sealed %s\n", p) //nolint:errcheck
		n++
	}
	if n == 0 {
		fmt.Fprintln(out, "no plaintext tokens found") //nolint:errcheck
	}
	return n, nil
}

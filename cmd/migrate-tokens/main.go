// Package main provides a CLI tool to encrypt plaintext workspace credentials.
//
// It seals the bot and app tokens of every workspace row with encryption_version=0
// (plaintext) and marks them version 1 (AES-256-GCM, bound to the team ID).
//
// Usage:
//
//	migrate-tokens [--dry-run] [--team TEAM_ID] [--key-id ID]
//
// Environment Variables:
//
//	DB_DSN: Database connection string
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/onnwee/questrelay/config"
	"github.com/onnwee/questrelay/crypto"
	"github.com/onnwee/questrelay/db"
)

// workspaceRow is a plaintext workspace credential row.
type workspaceRow struct {
	TeamID   string
	BotToken string
	AppToken sql.NullString
}

type options struct {
	dryRun bool
	team   string
	keyID  string
}

func newCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "migrate-tokens",
		Short:        "Encrypt plaintext workspace tokens",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Show what would be migrated without making changes")
	cmd.Flags().StringVar(&opts.team, "team", "", "Migrate a single workspace only (default: all workspaces)")
	cmd.Flags().StringVar(&opts.keyID, "key-id", "", "Key identifier recorded next to sealed rows (default: default)")
	return cmd
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.EncryptionKey == "" {
		return errors.New("ENCRYPTION_KEY environment variable is required for migration")
	}
	sealer, err := crypto.NewAESSealer(cfg.EncryptionKey, opts.keyID)
	if err != nil {
		return fmt.Errorf("failed to initialize sealer: %w", err)
	}

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	if err := database.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrateTokens(ctx, database, sealer, opts.dryRun, opts.team); err != nil {
		return err
	}
	return reportStatus(ctx, database)
}

// migrateTokens seals all plaintext workspace rows, optionally limited to one team.
func migrateTokens(ctx context.Context, database *sql.DB, sealer crypto.Sealer, dryRun bool, teamFilter string) error {
	query := `SELECT team_id, bot_token, app_token FROM workspaces WHERE encryption_version = 0`
	args := []any{}
	if teamFilter != "" {
		query += " AND team_id = $1"
		args = append(args, teamFilter)
	}
	query += " ORDER BY team_id"

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query plaintext workspaces: %w", err)
	}
	var pending []workspaceRow
	for rows.Next() {
		var w workspaceRow
		if err := rows.Scan(&w.TeamID, &w.BotToken, &w.AppToken); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan workspace row: %w", err)
		}
		pending = append(pending, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating workspace rows: %w", err)
	}

	if len(pending) == 0 {
		slog.Info("no plaintext workspaces found to migrate")
		return nil
	}
	slog.Info("found plaintext workspaces to migrate", slog.Int("count", len(pending)), slog.Bool("dry_run", dryRun))

	migrated, failed := 0, 0
	for i, w := range pending {
		logger := slog.With(slog.String("team", w.TeamID), slog.Int("index", i+1), slog.Int("total", len(pending)))
		if dryRun {
			logger.Info("would migrate workspace (dry-run)")
			migrated++
			continue
		}
		if err := sealRow(ctx, database, sealer, w); err != nil {
			logger.Error("failed to migrate workspace", slog.Any("err", err))
			failed++
			continue
		}
		logger.Info("migrated workspace")
		migrated++
	}

	slog.Info("migration summary",
		slog.Int("total", len(pending)),
		slog.Int("migrated", migrated),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))
	if failed > 0 {
		return fmt.Errorf("migration completed with %d errors", failed)
	}
	return nil
}

// sealRow encrypts one row. The version guard in the UPDATE skips rows that
// were sealed concurrently.
func sealRow(ctx context.Context, database *sql.DB, sealer crypto.Sealer, w workspaceRow) error {
	bot, err := crypto.SealString(sealer, w.BotToken, w.TeamID)
	if err != nil {
		return fmt.Errorf("encrypt bot token: %w", err)
	}
	app, err := crypto.SealString(sealer, w.AppToken.String, w.TeamID)
	if err != nil {
		return fmt.Errorf("encrypt app token: %w", err)
	}
	res, err := database.ExecContext(ctx,
		`UPDATE workspaces
		 SET bot_token = $1, app_token = $2, encryption_version = $3, encryption_key_id = $4, updated_at = NOW()
		 WHERE team_id = $5 AND encryption_version = 0`,
		bot, app, crypto.VersionAESGCM, sealer.KeyID(), w.TeamID)
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (workspace may have been modified concurrently)", n)
	}
	return nil
}

// reportStatus logs how many workspace rows exist per encryption version.
func reportStatus(ctx context.Context, database *sql.DB) error {
	rows, err := database.QueryContext(ctx,
		`SELECT encryption_version, COUNT(*) FROM workspaces GROUP BY encryption_version ORDER BY encryption_version`)
	if err != nil {
		return fmt.Errorf("query encryption status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return fmt.Errorf("scan status row: %w", err)
		}
		slog.Info("encryption status", slog.Int("encryption_version", version), slog.Int("count", count))
	}
	return rows.Err()
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	if err := newCommand().Execute(); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// Package db provides the Postgres connection helper, schema migration, and the
// two stores the relay reads: workspace credentials and character channel bindings.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/questrelay/chatapi"
	"github.com/onnwee/questrelay/crypto"
)

// ErrWorkspaceNotFound is returned when no credentials exist for a workspace ID.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// Connect opens a Postgres connection pool for dsn.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty DB_DSN")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies the idempotent base schema. RunMigrations is the versioned path;
// this one backs tests and the legacy fallback in the serve command.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			team_id TEXT PRIMARY KEY,
			bot_token TEXT NOT NULL,
			app_token TEXT,
			bot_id TEXT,
			auto_start BOOLEAN NOT NULL DEFAULT FALSE,
			encryption_version INTEGER NOT NULL DEFAULT 0,
			encryption_key_id TEXT,
			installed_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS characters (
			id SERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			team_id TEXT NOT NULL,
			channel_id TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_characters_user_team ON characters(user_id, team_id, active)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// WorkspaceStore persists workspace credentials. When a Sealer is set, tokens are
// sealed with the workspace ID as additional data (encryption_version=1);
// plaintext rows (version 0) stay readable.
type WorkspaceStore struct {
	DB     *sql.DB
	Sealer crypto.Sealer
}

// FetchCredentials loads credentials for workspaceID or returns ErrWorkspaceNotFound.
func (s *WorkspaceStore) FetchCredentials(ctx context.Context, workspaceID string) (chatapi.Credentials, error) {
	var (
		c          = chatapi.Credentials{WorkspaceID: workspaceID}
		appToken   sql.NullString
		botID      sql.NullString
		encVersion int
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT bot_token, app_token, bot_id, auto_start, encryption_version FROM workspaces WHERE team_id = $1`,
		workspaceID).Scan(&c.BotToken, &appToken, &botID, &c.AutoStart, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return chatapi.Credentials{}, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}
	if err != nil {
		return chatapi.Credentials{}, fmt.Errorf("query workspace %s: %w", workspaceID, err)
	}
	c.AppToken = appToken.String
	c.BotID = botID.String

	if encVersion == crypto.VersionAESGCM {
		if s.Sealer == nil {
			return chatapi.Credentials{}, fmt.Errorf("workspace %s tokens are encrypted but ENCRYPTION_KEY not configured", workspaceID)
		}
		if c.BotToken, err = crypto.OpenString(s.Sealer, c.BotToken, workspaceID); err != nil {
			return chatapi.Credentials{}, fmt.Errorf("decrypt bot token: %w", err)
		}
		if c.AppToken, err = crypto.OpenString(s.Sealer, c.AppToken, workspaceID); err != nil {
			return chatapi.Credentials{}, fmt.Errorf("decrypt app token: %w", err)
		}
	}
	return c, nil
}

// StoreCredentials upserts credentials keyed by workspace ID.
func (s *WorkspaceStore) StoreCredentials(ctx context.Context, c chatapi.Credentials) error {
	if c.WorkspaceID == "" || c.BotToken == "" {
		return fmt.Errorf("store credentials: workspace id and bot token are required")
	}
	bot, app := c.BotToken, c.AppToken
	encVersion, keyID := crypto.VersionPlaintext, ""
	if s.Sealer != nil {
		var err error
		if bot, err = crypto.SealString(s.Sealer, bot, c.WorkspaceID); err != nil {
			return fmt.Errorf("encrypt bot token: %w", err)
		}
		if app, err = crypto.SealString(s.Sealer, app, c.WorkspaceID); err != nil {
			return fmt.Errorf("encrypt app token: %w", err)
		}
		encVersion, keyID = crypto.VersionAESGCM, s.Sealer.KeyID()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO workspaces(team_id, bot_token, app_token, bot_id, auto_start, encryption_version, encryption_key_id, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		 ON CONFLICT(team_id) DO UPDATE SET
		   bot_token=EXCLUDED.bot_token,
		   app_token=EXCLUDED.app_token,
		   bot_id=EXCLUDED.bot_id,
		   auto_start=EXCLUDED.auto_start,
		   encryption_version=EXCLUDED.encryption_version,
		   encryption_key_id=EXCLUDED.encryption_key_id,
		   updated_at=NOW()`,
		c.WorkspaceID, bot, app, c.BotID, c.AutoStart, encVersion, keyID)
	if err != nil {
		return fmt.Errorf("upsert workspace %s: %w", c.WorkspaceID, err)
	}
	slog.Info("workspace credentials stored", slog.String("team", c.WorkspaceID), slog.Bool("encrypted", encVersion == crypto.VersionAESGCM), slog.String("component", "db"))
	return nil
}

// BindingStore reads character channel bindings. Rows are written by the game engine.
type BindingStore struct{ DB *sql.DB }

// FetchActiveChannel returns the channel of the user's active character in the
// workspace, or "" when there is none.
func (s *BindingStore) FetchActiveChannel(ctx context.Context, userID, workspaceID string) (string, error) {
	var ch sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT channel_id FROM characters WHERE user_id = $1 AND team_id = $2 AND active ORDER BY updated_at DESC LIMIT 1`,
		userID, workspaceID).Scan(&ch)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query active channel: %w", err)
	}
	return ch.String, nil
}

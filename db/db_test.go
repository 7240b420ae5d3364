package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/questrelay/chatapi"
	"github.com/onnwee/questrelay/crypto"
)

const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=" // 32 bytes, base64

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := RunMigrations(database); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	ctx := context.Background()
	if _, err := database.ExecContext(ctx, `TRUNCATE workspaces, characters`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return database
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, database); err != nil {
			t.Fatalf("Migrate() pass %d error = %v", i, err)
		}
		if err := RunMigrations(database); err != nil {
			t.Fatalf("RunMigrations() pass %d error = %v", i, err)
		}
	}
	version, dirty, err := GetMigrationVersion(database)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}
	if dirty || version < 2 {
		t.Errorf("version = %d dirty = %v, want >= 2 clean", version, dirty)
	}
}

func TestFetchCredentialsUnknownWorkspace(t *testing.T) {
	store := &WorkspaceStore{DB: setupTestDB(t)}
	_, err := store.FetchCredentials(context.Background(), "TNOPE")
	if !errors.Is(err, ErrWorkspaceNotFound) {
		t.Fatalf("err = %v, want ErrWorkspaceNotFound", err)
	}
}

func TestCredentialsRoundTripPlaintext(t *testing.T) {
	database := setupTestDB(t)
	store := &WorkspaceStore{DB: database}
	ctx := context.Background()
	in := chatapi.Credentials{WorkspaceID: "T1", BotToken: "xoxb-1", AppToken: "xoxp-1", BotID: "UBOT", AutoStart: true}
	if err := store.StoreCredentials(ctx, in); err != nil {
		t.Fatalf("StoreCredentials() error = %v", err)
	}
	got, err := store.FetchCredentials(ctx, "T1")
	if err != nil {
		t.Fatalf("FetchCredentials() error = %v", err)
	}
	if got != in {
		t.Errorf("got %+v, want %+v", got, in)
	}
}

func TestCredentialsEncryptedAtRest(t *testing.T) {
	database := setupTestDB(t)
	sealer, err := crypto.NewAESSealer(testKey, "k1")
	if err != nil {
		t.Fatalf("NewAESSealer() error = %v", err)
	}
	store := &WorkspaceStore{DB: database, Sealer: sealer}
	ctx := context.Background()
	in := chatapi.Credentials{WorkspaceID: "T2", BotToken: "xoxb-secret", AppToken: "xoxp-secret"}
	if err := store.StoreCredentials(ctx, in); err != nil {
		t.Fatalf("StoreCredentials() error = %v", err)
	}

	var raw, keyID string
	var version int
	if err := database.QueryRowContext(ctx, `SELECT bot_token, encryption_version, encryption_key_id FROM workspaces WHERE team_id='T2'`).Scan(&raw, &version, &keyID); err != nil {
		t.Fatalf("select: %v", err)
	}
	if raw == in.BotToken || version != crypto.VersionAESGCM || keyID != "k1" {
		t.Errorf("row not sealed: token=%q version=%d key=%q", raw, version, keyID)
	}

	got, err := store.FetchCredentials(ctx, "T2")
	if err != nil {
		t.Fatalf("FetchCredentials() error = %v", err)
	}
	if got.BotToken != in.BotToken || got.AppToken != in.AppToken {
		t.Errorf("decrypted = %+v", got)
	}

	plain := &WorkspaceStore{DB: database}
	if _, err := plain.FetchCredentials(ctx, "T2"); err == nil {
		t.Error("expected error reading sealed row without a key")
	}
}

func TestFetchActiveChannel(t *testing.T) {
	database := setupTestDB(t)
	store := &BindingStore{DB: database}
	ctx := context.Background()

	ch, err := store.FetchActiveChannel(ctx, "U1", "T1")
	if err != nil || ch != "" {
		t.Fatalf("empty lookup = %q, %v", ch, err)
	}

	if _, err := database.ExecContext(ctx,
		`INSERT INTO characters(user_id, team_id, channel_id, active) VALUES ('U1','T1','GOLD',FALSE), ('U1','T1','G1',TRUE), ('U1','T9','G9',TRUE)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ch, err = store.FetchActiveChannel(ctx, "U1", "T1")
	if err != nil {
		t.Fatalf("FetchActiveChannel() error = %v", err)
	}
	if ch != "G1" {
		t.Errorf("channel = %q, want G1", ch)
	}
}

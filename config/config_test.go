package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("START_COMMAND", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Env != EnvDevelopment {
		t.Errorf("Env = %q, want %q", cfg.Env, EnvDevelopment)
	}
	if cfg.InQueue != "in" || cfg.OutQueue != "out" || cfg.EventsQueue != "events" {
		t.Errorf("unexpected queue defaults: %q %q %q", cfg.InQueue, cfg.OutQueue, cfg.EventsQueue)
	}
	if cfg.StartCommand != "/start" {
		t.Errorf("StartCommand = %q, want /start", cfg.StartCommand)
	}
	if cfg.ChannelNameAttempts != 20 {
		t.Errorf("ChannelNameAttempts = %d, want 20", cfg.ChannelNameAttempts)
	}
	if cfg.SlackHTTPTimeout != 30*time.Second {
		t.Errorf("SlackHTTPTimeout = %v, want 30s", cfg.SlackHTTPTimeout)
	}
	if cfg.IsProduction() {
		t.Errorf("expected development by default")
	}
}

func TestLoadProductionAndOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "Production")
	t.Setenv("START_COMMAND", "play")
	t.Setenv("ACK_DELAY_MS", "-5")
	t.Setenv("CHANNEL_NAME_ATTEMPTS", "0")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.IsProduction() {
		t.Errorf("expected production env")
	}
	if cfg.StartCommand != "/play" {
		t.Errorf("StartCommand = %q, want /play", cfg.StartCommand)
	}
	if cfg.AckDelayMS != 0 {
		t.Errorf("AckDelayMS = %d, want floor at 0", cfg.AckDelayMS)
	}
	if cfg.ChannelNameAttempts != 20 {
		t.Errorf("ChannelNameAttempts = %d, want fallback 20", cfg.ChannelNameAttempts)
	}
}

func TestLoadRejectsUnknownEnv(t *testing.T) {
	t.Setenv("APP_ENV", "staging")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown APP_ENV")
	}
}

func TestValidateSlackReady(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("SLACK_VERIFICATION_TOKEN", "secret")
	cfg, _ := Load()
	if err := cfg.ValidateSlackReady(); err != nil {
		t.Errorf("expected valid slack config, got %v", err)
	}
	t.Setenv("SLACK_VERIFICATION_TOKEN", "")
	cfg, _ = Load()
	if err := cfg.ValidateSlackReady(); err == nil {
		t.Errorf("expected error when verification token missing")
	}
}

func TestValidateOAuthReady(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("SLACK_CLIENT_ID", "id")
	t.Setenv("SLACK_CLIENT_SECRET", "")
	t.Setenv("SLACK_REDIRECT_URI", "https://example.com/cb")
	cfg, _ := Load()
	if err := cfg.ValidateOAuthReady(); err == nil {
		t.Errorf("expected error when client secret missing")
	}
}

func TestTLSEnabled(t *testing.T) {
	cfg := &Config{TLSCertFile: "cert.pem"}
	if cfg.TLSEnabled() {
		t.Errorf("TLS should require both cert and key")
	}
	cfg.TLSKeyFile = "key.pem"
	if !cfg.TLSEnabled() {
		t.Errorf("TLS should be enabled with cert and key")
	}
}

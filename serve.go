package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/questrelay/chatapi"
	"github.com/onnwee/questrelay/config"
	"github.com/onnwee/questrelay/crypto"
	"github.com/onnwee/questrelay/db"
	"github.com/onnwee/questrelay/errreport"
	"github.com/onnwee/questrelay/oauth"
	"github.com/onnwee/questrelay/queue"
	"github.com/onnwee/questrelay/relay"
	"github.com/onnwee/questrelay/server"
	"github.com/onnwee/questrelay/session"
	"github.com/onnwee/questrelay/telemetry"
)

const serviceVersion = "1.0.0"

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingress and the out-queue consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.ValidateSlackReady(); err != nil {
		return err
	}

	// Metrics / telemetry init
	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("questrelay", serviceVersion)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer shutdownTracing()

	reporter, flush, err := errreport.New(cfg)
	if err != nil {
		return fmt.Errorf("error reporter: %w", err)
	}
	defer flush()

	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	workspaces := &db.WorkspaceStore{DB: database}
	if cfg.EncryptionKey != "" {
		sealer, err := crypto.NewAESSealer(cfg.EncryptionKey, "")
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		workspaces.Sealer = sealer
	} else if cfg.IsProduction() {
		slog.Warn("ENCRYPTION_KEY not set; workspace tokens are stored in plaintext", slog.String("component", "db"))
	}

	sessions := session.New(workspaces, chatapi.NewSlackDialer(chatapi.SlackOptions{
		APIURL:  cfg.SlackAPIURL,
		Timeout: cfg.SlackHTTPTimeout,
	}))

	broker, err := queue.Dial(cfg.AMQPURL, queue.Names{In: cfg.InQueue, Out: cfg.OutQueue, Events: cfg.EventsQueue})
	if err != nil {
		return err
	}
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Warn("failed to close queue connection", slog.Any("err", err))
		}
	}()

	inbound := relay.NewInbound(sessions, &db.BindingStore{DB: database}, broker, reporter, relay.InboundOptions{
		VerificationToken:   cfg.SlackVerificationToken,
		StartCommand:        cfg.StartCommand,
		Production:          cfg.IsProduction(),
		ChannelNameAttempts: cfg.ChannelNameAttempts,
	})
	outbound := relay.NewOutbound(sessions, broker, reporter, time.Duration(cfg.AckDelayMS)*time.Millisecond)

	deps := server.Deps{
		Relay:         inbound,
		Credentials:   workspaces,
		Events:        broker,
		Sessions:      sessions,
		Reporter:      reporter,
		SigningSecret: cfg.SlackSigningSecret,
		SuccessURL:    cfg.OAuthSuccessURL,
		FailureURL:    cfg.OAuthFailureURL,
		Liveness:      server.Check{Name: "process"},
		Readiness: []server.Check{
			{Name: "database", Fn: database.PingContext},
			{Name: "queue", Fn: func(context.Context) error { return broker.Ping() }},
		},
	}
	if err := cfg.ValidateOAuthReady(); err == nil {
		deps.Installer = oauth.NewInstaller(oauth.Options{
			ClientID:     cfg.SlackClientID,
			ClientSecret: cfg.SlackClientSecret,
			RedirectURL:  cfg.SlackRedirectURI,
			Scopes:       splitList(cfg.SlackScopes),
			UserScopes:   splitList(cfg.SlackUserScopes),
			AutoStart:    cfg.AutoStartDefault,
		})
	} else {
		slog.Info("slack install flow disabled", slog.Any("reason", err))
	}

	startPprof()

	// The consumer stops the process when its subscription dies so the
	// orchestrator restarts it with a fresh connection.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		if err := outbound.Run(ctx, broker); err != nil {
			slog.Error("outbound relay stopped", slog.Any("err", err))
			cancel(err)
		}
	}()

	if err := server.Start(ctx, cfg, server.NewMux(ctx, deps)); err != nil {
		return fmt.Errorf("http server exited with error: %w", err)
	}
	slog.Info("shutting down")
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// openDatabase connects and brings the schema up to date.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to migrate db (both versioned and embedded SQL failed): %w", err)
		}
	}
	return database, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// startPprof serves the default mux's pprof endpoints when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}

// Package server exposes the HTTP ingress: Slack slash commands, interactions
// and events, payment callbacks, the OAuth install flow, health checks and
// metrics. It injects correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/questrelay/config"
	"github.com/onnwee/questrelay/telemetry"
)

// NewMux returns the HTTP handler with all routes.
// The provided context bounds work that outlives a request, such as join-event handling.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	handlers := NewHandlers(ctx, deps)

	mux := http.NewServeMux()

	// Metrics endpoint
	mux.Handle("GET /metrics", promhttp.Handler())

	// Slack ingress
	mux.HandleFunc("POST /slack/commands", handlers.HandleSlashCommand)
	mux.HandleFunc("POST /slack/actions", handlers.HandleActions)
	mux.HandleFunc("POST /slack/events", handlers.HandleEvents)
	mux.HandleFunc("POST /payments/callback", handlers.HandlePaymentCallback)

	// OAuth install flow
	mux.HandleFunc("GET /auth/slack/start", handlers.HandleSlackOAuthStart)
	mux.HandleFunc("GET /auth/slack/callback", handlers.HandleSlackOAuthCallback)

	// Health and readiness endpoints
	mux.HandleFunc("GET /healthz", handlers.HandleHealthz)
	mux.HandleFunc("GET /readyz", handlers.HandleReadyz)

	// Wrap with correlation ID injector and tracing middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPAttrs(r.Method, r.URL.Path, r.URL.String())...)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		// Capture status code via custom ResponseWriter
		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetHTTPStatus(span, wrappedWriter.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// TLS is served when both TLS_CERT_FILE and TLS_KEY_FILE are configured.
func Start(ctx context.Context, cfg *config.Config, handler http.Handler) error {
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Shutdown goroutine
	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	var err error
	if cfg.TLSEnabled() {
		slog.Info("http server listening (tls)", slog.String("addr", cfg.HTTPAddr))
		err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		slog.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}

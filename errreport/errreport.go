// Package errreport forwards unrecoverable failures to Sentry, or to the local
// log in development.
package errreport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/onnwee/questrelay/config"
	"github.com/onnwee/questrelay/telemetry"
)

// Reporter receives errors that no caller can recover from. Report never panics
// and never fails; details holds the original request or envelope data.
type Reporter interface {
	Report(ctx context.Context, err error, details map[string]any)
}

// DataCarrier is implemented by errors that carry structured data for the tracker.
type DataCarrier interface {
	ReportData() map[string]any
}

type dataError struct {
	err  error
	data map[string]any
}

func (e *dataError) Error() string              { return e.err.Error() }
func (e *dataError) Unwrap() error              { return e.err }
func (e *dataError) ReportData() map[string]any { return e.data }

// WithData attaches structured data to err.
func WithData(err error, data map[string]any) error {
	if err == nil {
		return nil
	}
	return &dataError{err: err, data: data}
}

// Data collects the structured data of every DataCarrier in err's chain.
// Outer values win on key conflicts.
func Data(err error) map[string]any {
	out := map[string]any{}
	var chain []DataCarrier
	for e := err; e != nil; e = errors.Unwrap(e) {
		if dc, ok := e.(DataCarrier); ok {
			chain = append(chain, dc)
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		maps.Copy(out, chain[i].ReportData())
	}
	return out
}

// New returns the reporter for cfg: the log reporter in development or when no
// SENTRY_DSN is configured, Sentry otherwise. The returned func flushes pending events.
func New(cfg *config.Config) (Reporter, func(), error) {
	if !cfg.IsProduction() || cfg.SentryDSN == "" {
		if cfg.IsProduction() {
			slog.Warn("SENTRY_DSN not set; errors are only logged", slog.String("component", "errreport"))
		}
		return LogReporter{}, func() {}, nil
	}
	r, err := NewSentry(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Env,
		Release:     cfg.Release,
	})
	if err != nil {
		return nil, nil, err
	}
	return r, func() { r.Flush(2 * time.Second) }, nil
}

// LogReporter writes errors to the structured log.
type LogReporter struct{}

func (LogReporter) Report(ctx context.Context, err error, details map[string]any) {
	if err == nil {
		return
	}
	telemetry.IncErrorsReported()
	telemetry.LoggerWithCorr(ctx).Error("unhandled error",
		slog.Any("error", err),
		slog.Any("details", details),
		slog.Any("data", Data(err)),
		slog.String("component", "errreport"))
}

// SentryReporter sends errors to Sentry on a private hub.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentry builds a reporter with its own Sentry client.
func NewSentry(opts sentry.ClientOptions) (*SentryReporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *SentryReporter) Report(ctx context.Context, err error, details map[string]any) {
	if err == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("error reporter panicked", slog.Any("panic", p), slog.Any("error", err), slog.String("component", "errreport"))
		}
	}()
	telemetry.IncErrorsReported()
	hub := r.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		if len(details) > 0 {
			scope.SetContext("request", sentry.Context(details))
		}
		if data := Data(err); len(data) > 0 {
			scope.SetExtras(data)
		}
		if corr := telemetry.GetCorrelation(ctx); corr != "" {
			scope.SetTag("corr", corr)
		}
		hub.CaptureException(err)
	})
	telemetry.LoggerWithCorr(ctx).Error("error reported", slog.Any("error", err), slog.String("component", "errreport"))
}

// Flush waits up to timeout for queued events to be sent.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for OutboundProcessed.
const (
	OutcomeOK           = "ok"
	OutcomeNotInChannel = "not_in_channel"
	OutcomeStale        = "stale_message"
	OutcomeReported     = "reported"
	OutcomeInvalid      = "invalid"
)

var (
	once sync.Once

	// Counters
	OutboundProcessed     *prometheus.CounterVec // labels: type, outcome
	InboundEnqueued       *prometheus.CounterVec // labels: type
	EventsPublished       *prometheus.CounterVec // labels: event
	ErrorsReported        prometheus.Counter
	ChannelNameCollisions prometheus.Counter
	RateLimited           prometheus.Counter

	// Histograms (seconds)
	DispatchDuration prometheus.Observer

	// Gauges
	SessionsCached prometheus.Gauge
	AckDelayGauge  prometheus.Gauge // milliseconds
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		OutboundProcessed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_outbound_processed_total", Help: "Outbound envelopes processed by type and outcome"}, []string{"type", "outcome"})
		InboundEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_inbound_enqueued_total", Help: "Inbound envelopes enqueued by type"}, []string{"type"})
		EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_events_published_total", Help: "Lifecycle events published by name"}, []string{"event"})
		ErrorsReported = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_errors_reported_total", Help: "Errors forwarded to the error reporter"})
		ChannelNameCollisions = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_channel_name_collisions_total", Help: "Private channel creations retried because the name was taken"})
		RateLimited = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_rate_limited_total", Help: "Platform calls rejected with a rate limit"})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_dispatch_duration_seconds", Help: "Outbound platform call duration seconds", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}})
		SessionsCached = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_sessions_cached", Help: "Workspace sessions held in the cache"})
		AckDelayGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_ack_delay_ms", Help: "Current outbound acknowledgement delay in milliseconds"})
	})
}

// RecordOutbound counts one processed outbound envelope.
func RecordOutbound(typ, outcome string) {
	if OutboundProcessed != nil {
		OutboundProcessed.WithLabelValues(typ, outcome).Inc()
	}
}

// RecordInbound counts one enqueued inbound envelope.
func RecordInbound(typ string) {
	if InboundEnqueued != nil {
		InboundEnqueued.WithLabelValues(typ).Inc()
	}
}

// RecordEvent counts one published lifecycle event.
func RecordEvent(event string) {
	if EventsPublished != nil {
		EventsPublished.WithLabelValues(event).Inc()
	}
}

// IncErrorsReported counts one reported error.
func IncErrorsReported() {
	if ErrorsReported != nil {
		ErrorsReported.Inc()
	}
}

// IncNameCollisions counts one name_taken retry.
func IncNameCollisions() {
	if ChannelNameCollisions != nil {
		ChannelNameCollisions.Inc()
	}
}

// IncRateLimited counts one rate-limited platform call.
func IncRateLimited() {
	if RateLimited != nil {
		RateLimited.Inc()
	}
}

// SetSessionsCached records the session cache size.
func SetSessionsCached(n int) {
	if SessionsCached != nil {
		SessionsCached.Set(float64(n))
	}
}

// SetAckDelay records the current acknowledgement delay.
func SetAckDelay(d time.Duration) {
	if AckDelayGauge != nil {
		AckDelayGauge.Set(float64(d.Milliseconds()))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

package errreport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/questrelay/config"
	"github.com/onnwee/questrelay/telemetry"
)

type capture struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (c *capture) beforeSend(e *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func newCapturing(t *testing.T) (*SentryReporter, *capture) {
	t.Helper()
	c := &capture{}
	r, err := NewSentry(sentry.ClientOptions{
		Dsn:        "https://public@sentry.example.com/1",
		BeforeSend: c.beforeSend,
	})
	require.NoError(t, err)
	return r, c
}

func TestDataMergesChain(t *testing.T) {
	inner := WithData(errors.New("boom"), map[string]any{"a": 1, "b": 1})
	outer := WithData(fmt.Errorf("wrapped: %w", inner), map[string]any{"b": 2})
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, Data(outer))
	assert.Empty(t, Data(errors.New("plain")))
	assert.Nil(t, WithData(nil, map[string]any{"x": 1}))
	assert.EqualError(t, outer, "wrapped: boom")
}

func TestSentryReporterAttachesContextAndData(t *testing.T) {
	r, c := newCapturing(t)
	ctx := telemetry.WithCorrelation(context.Background(), "corr-1")
	err := WithData(errors.New("post failed"), map[string]any{"field": "team"})

	r.Report(ctx, err, map[string]any{"type": "say", "channel": "C1"})

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.events, 1)
	ev := c.events[0]
	assert.Equal(t, "say", ev.Contexts["request"]["type"])
	assert.Equal(t, "team", ev.Extra["field"])
	assert.Equal(t, "corr-1", ev.Tags["corr"])
	require.NotEmpty(t, ev.Exception)
	assert.Equal(t, "post failed", ev.Exception[len(ev.Exception)-1].Value)
}

func TestSentryReporterScopesDoNotLeak(t *testing.T) {
	r, c := newCapturing(t)
	r.Report(context.Background(), errors.New("first"), map[string]any{"type": "say"})
	r.Report(context.Background(), errors.New("second"), nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.events, 2)
	_, ok := c.events[1].Contexts["request"]
	assert.False(t, ok)
}

func TestReportNilIsNoop(t *testing.T) {
	r, c := newCapturing(t)
	r.Report(context.Background(), nil, nil)
	LogReporter{}.Report(context.Background(), nil, nil)
	assert.Empty(t, c.events)
}

func TestNewSelectsReporter(t *testing.T) {
	dev := &config.Config{Env: config.EnvDevelopment, SentryDSN: "https://public@sentry.example.com/1"}
	r, flush, err := New(dev)
	require.NoError(t, err)
	flush()
	assert.IsType(t, LogReporter{}, r)

	prodNoDSN := &config.Config{Env: config.EnvProduction}
	r, _, err = New(prodNoDSN)
	require.NoError(t, err)
	assert.IsType(t, LogReporter{}, r)

	prod := &config.Config{Env: config.EnvProduction, SentryDSN: "https://public@sentry.example.com/1"}
	r, flush, err = New(prod)
	require.NoError(t, err)
	defer flush()
	assert.IsType(t, &SentryReporter{}, r)

	_, _, err = New(&config.Config{Env: config.EnvProduction, SentryDSN: "::not a dsn"})
	assert.Error(t, err)
}

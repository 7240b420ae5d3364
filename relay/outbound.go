// Package relay moves envelopes between the queues and the chat platform.
//
// Outbound consumes the out-queue one message at a time and turns each
// envelope into a platform call. Inbound turns platform requests into
// in-queue envelopes and runs the game-start protocol.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/questrelay/chatapi"
	"github.com/onnwee/questrelay/envelope"
	"github.com/onnwee/questrelay/errreport"
	"github.com/onnwee/questrelay/queue"
	"github.com/onnwee/questrelay/telemetry"
)

// Sessions resolves the chat session for a workspace.
type Sessions interface {
	Get(ctx context.Context, workspaceID string) (chatapi.Session, error)
}

// Publisher enqueues envelopes for the game engine.
type Publisher interface {
	PublishInbound(ctx context.Context, env envelope.Inbound) error
}

// Source yields out-queue messages one at a time.
type Source interface {
	Consume(ctx context.Context) (<-chan queue.Message, error)
}

// FailureClass says how a failed dispatch is handled.
type FailureClass int

const (
	// FailureUnknown is reported and logged.
	FailureUnknown FailureClass = iota
	// FailureNotInChannel means the bot is not a member of the target channel;
	// the user gets a DM asking them to invite it.
	FailureNotInChannel
	// FailureStaleMessage means the message to update or delete no longer exists.
	FailureStaleMessage
)

func (c FailureClass) String() string {
	switch c {
	case FailureNotInChannel:
		return "not_in_channel"
	case FailureStaleMessage:
		return "stale_message"
	default:
		return "unknown"
	}
}

// Classify maps a dispatch error to its FailureClass.
func Classify(err error) FailureClass {
	switch chatapi.ErrorCode(err) {
	case chatapi.CodeChannelNotFound:
		return FailureNotInChannel
	case chatapi.CodeMessageNotFound:
		return FailureStaleMessage
	default:
		return FailureUnknown
	}
}

// delayStep is subtracted from the acknowledgement delay after every ack.
const delayStep = 10 * time.Millisecond

// Outbound is the out-queue consumer. It is not safe for concurrent use: one
// Outbound handles one message at a time, and its delay is private to it.
type Outbound struct {
	sessions Sessions
	pub      Publisher
	reporter errreport.Reporter

	delay time.Duration
}

// NewOutbound returns a consumer whose acknowledgement delay starts at initialDelay.
func NewOutbound(sessions Sessions, pub Publisher, reporter errreport.Reporter, initialDelay time.Duration) *Outbound {
	if initialDelay < 0 {
		initialDelay = 0
	}
	telemetry.SetAckDelay(initialDelay)
	return &Outbound{sessions: sessions, pub: pub, reporter: reporter, delay: initialDelay}
}

// Delay returns the current acknowledgement delay.
func (o *Outbound) Delay() time.Duration { return o.delay }

// Run consumes src until ctx is done or the subscription closes.
func (o *Outbound) Run(ctx context.Context, src Source) error {
	msgs, err := src.Consume(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to out-queue: %w", err)
	}
	slog.Info("outbound relay started", slog.Duration("ack_delay", o.delay), slog.String("component", "relay_outbound"))
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbound relay stopping", slog.String("component", "relay_outbound"))
			return nil
		case m, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("out-queue subscription closed")
			}
			o.Handle(ctx, m)
		}
	}
}

// Handle processes one message and acknowledges it. It never fails: every
// dispatched message ends in an acknowledgement. A message received after
// shutdown began is returned to the queue undispatched.
func (o *Outbound) Handle(ctx context.Context, m queue.Message) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	if ctx.Err() != nil {
		logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "relay_outbound"))
		if err := m.Nack(); err != nil {
			logger.Error("failed to requeue message", slog.Any("error", err))
			return
		}
		logger.Info("requeued message received during shutdown")
		return
	}
	o.process(ctx, m.Body())
	o.acknowledge(ctx, m)
}

// process decodes and dispatches body and returns the metrics outcome.
func (o *Outbound) process(ctx context.Context, body []byte) string {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "relay_outbound"))

	env, err := envelope.DecodeOutbound(body)
	if err != nil {
		var ve *envelope.ValidationError
		typ := "invalid"
		if errors.As(err, &ve) && ve.Type != "" {
			typ = ve.Type
		}
		logger.Error("rejected outbound envelope", slog.Any("error", err))
		o.reporter.Report(ctx, err, envelopeContext(body))
		telemetry.RecordOutbound(typ, telemetry.OutcomeInvalid)
		return telemetry.OutcomeInvalid
	}

	kind := string(env.Kind())
	ctx, span := telemetry.StartSpan(ctx, "relay", "outbound."+kind,
		attribute.String("envelope.type", kind),
		attribute.String("workspace.id", env.Team()))
	defer span.End()
	logger = logger.With(slog.String("type", kind), slog.String("team", env.Team()))

	s, err := o.sessions.Get(ctx, env.Team())
	if err == nil {
		telemetry.TimeFunc(telemetry.DispatchDuration, func() { err = o.dispatch(ctx, s, env) })
	}
	if err == nil {
		telemetry.FinishSpan(span, nil)
		telemetry.RecordOutbound(kind, telemetry.OutcomeOK)
		logger.Debug("outbound envelope delivered")
		return telemetry.OutcomeOK
	}
	telemetry.FinishSpan(span, err)

	outcome := o.handleFailure(ctx, logger, env, body, err)
	telemetry.RecordOutbound(kind, outcome)
	return outcome
}

func (o *Outbound) dispatch(ctx context.Context, s chatapi.Session, env envelope.Outbound) error {
	switch e := env.(type) {
	case envelope.Say:
		ts, err := s.PostMessage(ctx, e.Channel, e.Text, e.Opts)
		if err != nil {
			return err
		}
		err = o.pub.PublishInbound(ctx, envelope.NewInbound(envelope.AddTimestamp{TS: ts, Channel: e.Channel, TeamID: e.TeamID}))
		if err != nil {
			return fmt.Errorf("enqueue add_timestamp: %w", err)
		}
		telemetry.RecordInbound(string(envelope.InboundAddTimestamp))
		return nil
	case envelope.Update:
		return s.UpdateMessage(ctx, e.Channel, e.TS, e.Text, e.Opts)
	case envelope.Delete:
		return s.DeleteMessage(ctx, e.Channel, e.TS)
	case envelope.DM:
		return s.DM(ctx, e.UserID, e.Text, e.Opts)
	case envelope.Dialog:
		return s.OpenDialog(ctx, e.TriggerID, e.Dialog)
	default:
		return &envelope.ValidationError{Type: string(env.Kind()), Err: envelope.ErrUnknownMessageType}
	}
}

// handleFailure applies the failure classification and returns the metrics outcome.
func (o *Outbound) handleFailure(ctx context.Context, logger *slog.Logger, env envelope.Outbound, body []byte, err error) string {
	if chatapi.IsRateLimited(err) {
		telemetry.IncRateLimited()
	}
	switch Classify(err) {
	case FailureNotInChannel:
		uid := env.User()
		if uid == "" {
			logger.Warn("bot not in channel and envelope has no uid to notify", slog.Any("error", err))
			return telemetry.OutcomeNotInChannel
		}
		s, serr := o.sessions.Get(ctx, env.Team())
		if serr == nil {
			serr = s.DM(ctx, uid, inviteBotText(s.BotID()), nil)
		}
		if serr != nil {
			logger.Error("failed to notify user about missing channel membership", slog.String("uid", uid), slog.Any("error", serr))
			o.reporter.Report(ctx, serr, envelopeContext(body))
			return telemetry.OutcomeReported
		}
		logger.Info("bot not in channel; asked user to invite it", slog.String("uid", uid))
		return telemetry.OutcomeNotInChannel
	case FailureStaleMessage:
		logger.Warn("target message no longer exists", slog.Any("error", err))
		return telemetry.OutcomeStale
	default:
		logger.Error("outbound dispatch failed", slog.Any("error", err))
		o.reporter.Report(ctx, err, envelopeContext(body))
		return telemetry.OutcomeReported
	}
}

// acknowledge waits out the current delay, acks m, then lowers the delay.
// Cancellation skips the wait but still acks.
func (o *Outbound) acknowledge(ctx context.Context, m queue.Message) {
	if o.delay > 0 {
		t := time.NewTimer(o.delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	if err := m.Ack(); err != nil {
		telemetry.LoggerWithCorr(ctx).Error("failed to acknowledge message", slog.Any("error", err), slog.String("component", "relay_outbound"))
		return
	}
	o.delay = max(0, o.delay-delayStep)
	telemetry.SetAckDelay(o.delay)
}

func inviteBotText(botID string) string {
	if botID == "" {
		return "I'm not a member of that channel yet. Please invite me and try again."
	}
	return fmt.Sprintf("I'm not a member of that channel yet. Please invite me with `/invite <@%s>` and try again.", botID)
}

// envelopeContext is the report context for an out-queue body.
func envelopeContext(body []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return map[string]any{"body": string(body)}
	}
	return m
}

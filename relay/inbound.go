package relay

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"github.com/onnwee/questrelay/chatapi"
	"github.com/onnwee/questrelay/envelope"
	"github.com/onnwee/questrelay/errreport"
	"github.com/onnwee/questrelay/queue"
	"github.com/onnwee/questrelay/telemetry"
)

var (
	// ErrInvalidToken is returned when a platform payload carries the wrong verification token.
	ErrInvalidToken = errors.New("invalid verification token")
	// ErrChannelNameExhausted is returned when every generated channel name was taken.
	ErrChannelNameExhausted = errors.New("no free channel name")
)

// Bindings reads a user's active game channel.
type Bindings interface {
	FetchActiveChannel(ctx context.Context, userID, workspaceID string) (string, error)
}

// EventPublisher enqueues inbound envelopes and lifecycle events.
type EventPublisher interface {
	Publisher
	PublishEvent(ctx context.Context, ev queue.Event) error
}

// InboundOptions configures the inbound relay.
type InboundOptions struct {
	VerificationToken string
	// StartCommand is the slash command that starts a game, e.g. "/start".
	StartCommand string
	// Production disables the cant_invite_self tolerance used when the
	// installing user joins their own development workspace.
	Production          bool
	ChannelNameAttempts int
	// NewChannelName overrides the random name generator.
	NewChannelName func() (string, error)
}

// Inbound turns platform requests into in-queue envelopes. Safe for concurrent use.
type Inbound struct {
	sessions Sessions
	bindings Bindings
	pub      EventPublisher
	reporter errreport.Reporter
	opts     InboundOptions
}

// NewInbound returns an inbound relay.
func NewInbound(sessions Sessions, bindings Bindings, pub EventPublisher, reporter errreport.Reporter, opts InboundOptions) *Inbound {
	if opts.ChannelNameAttempts <= 0 {
		opts.ChannelNameAttempts = 20
	}
	if opts.NewChannelName == nil {
		opts.NewChannelName = RandomChannelName
	}
	return &Inbound{sessions: sessions, bindings: bindings, pub: pub, reporter: reporter, opts: opts}
}

// ValidToken compares token against the configured verification token in
// constant time. An unconfigured token rejects everything.
func (in *Inbound) ValidToken(token string) bool {
	want := in.opts.VerificationToken
	if want == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

// HandleSlash routes a slash command: the start command runs the game-start
// protocol, anything else is forwarded as a slash envelope.
func (in *Inbound) HandleSlash(ctx context.Context, cmd slack.SlashCommand) error {
	if !in.ValidToken(cmd.Token) {
		return ErrInvalidToken
	}
	var err error
	if cmd.Command == in.opts.StartCommand {
		err = in.startGame(ctx, cmd)
	} else {
		err = in.forwardSlash(ctx, cmd)
	}
	return in.fail(ctx, err, map[string]any{
		"command":      cmd.Command,
		"text":         cmd.Text,
		"team_id":      cmd.TeamID,
		"user_id":      cmd.UserID,
		"channel_id":   cmd.ChannelID,
		"channel_name": cmd.ChannelName,
	})
}

// HandleButton forwards an interaction callback as a button envelope. raw is
// the payload exactly as the platform sent it.
func (in *Inbound) HandleButton(ctx context.Context, cb slack.InteractionCallback, raw json.RawMessage) error {
	if !in.ValidToken(cb.Token) {
		return ErrInvalidToken
	}
	btn, err := envelope.NewButton(raw)
	if err == nil {
		err = in.enqueue(ctx, btn)
	}
	return in.fail(ctx, err, map[string]any{"callback_id": cb.CallbackID, "team_id": cb.Team.ID, "user_id": cb.User.ID})
}

// HandlePayment forwards a payment callback body, which must carry the verification token.
func (in *Inbound) HandlePayment(ctx context.Context, body json.RawMessage) error {
	var p struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("decode payment callback: %w", err)
	}
	if !in.ValidToken(p.Token) {
		return ErrInvalidToken
	}
	return in.fail(ctx, in.enqueue(ctx, envelope.NewPayment(body)), nil)
}

// HandleTeamJoin starts a game in a fresh private channel for a user who just
// joined workspaceID, when the workspace has auto-start enabled.
func (in *Inbound) HandleTeamJoin(ctx context.Context, workspaceID, userID string) error {
	return in.fail(ctx, in.autoStart(ctx, workspaceID, userID), map[string]any{"event": "team_join", "team_id": workspaceID, "user_id": userID})
}

func (in *Inbound) autoStart(ctx context.Context, workspaceID, userID string) error {
	logger := in.logger(ctx).With(slog.String("team", workspaceID), slog.String("user", userID))
	s, err := in.sessions.Get(ctx, workspaceID)
	if err != nil {
		return err
	}
	if !s.AutoStart() {
		logger.Debug("auto-start disabled; ignoring join")
		return nil
	}

	existing, err := in.bindings.FetchActiveChannel(ctx, userID, workspaceID)
	if err != nil {
		return fmt.Errorf("look up active channel: %w", err)
	}
	if existing != "" {
		return in.dm(ctx, s, userID, existingGameText(existing))
	}

	profile, err := s.UserInfo(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch profile for %s: %w", userID, err)
	}
	channel, err := in.provision(ctx, s, userID)
	if err != nil {
		return err
	}
	in.publishEvent(ctx, queue.Event{
		Event:       queue.EventChannelProvisioned,
		CharacterID: userID,
		Fields:      map[string]any{"team": workspaceID, "channel": channel},
	})
	logger.Info("provisioned game channel", slog.String("channel", channel))
	return in.enqueue(ctx, envelope.NewGame{UserID: userID, TeamID: workspaceID, Channel: channel, Name: profile.RealName, Email: profile.Email})
}

func (in *Inbound) startGame(ctx context.Context, cmd slack.SlashCommand) error {
	logger := in.logger(ctx).With(slog.String("team", cmd.TeamID), slog.String("user", cmd.UserID), slog.String("channel", cmd.ChannelID))
	s, err := in.sessions.Get(ctx, cmd.TeamID)
	if err != nil {
		return err
	}

	private, err := privateChannel(ctx, s, cmd)
	if chatapi.HasCode(err, chatapi.CodeChannelNotFound) {
		logger.Info("bot cannot see start channel")
		return in.dm(ctx, s, cmd.UserID, inviteBotText(s.BotID()))
	}
	if err != nil {
		return fmt.Errorf("look up channel %s: %w", cmd.ChannelID, err)
	}
	if !private {
		logger.Info("start command outside a private channel")
		return in.dm(ctx, s, cmd.UserID, "Games can only be started from a private channel. Create one, invite me, and run the command there.")
	}

	members, err := s.ConversationMembers(ctx, cmd.ChannelID)
	if chatapi.HasCode(err, chatapi.CodeChannelNotFound) {
		logger.Info("bot cannot see start channel")
		return in.dm(ctx, s, cmd.UserID, inviteBotText(s.BotID()))
	}
	if err != nil {
		return fmt.Errorf("list members of %s: %w", cmd.ChannelID, err)
	}
	logger.Debug("start channel visible", slog.Int("members", len(members)))

	existing, err := in.bindings.FetchActiveChannel(ctx, cmd.UserID, cmd.TeamID)
	if err != nil {
		return fmt.Errorf("look up active channel: %w", err)
	}
	switch {
	case existing == cmd.ChannelID:
		return in.forwardSlash(ctx, cmd)
	case existing != "":
		return in.dm(ctx, s, cmd.UserID, existingGameText(existing))
	}

	profile, err := s.UserInfo(ctx, cmd.UserID)
	if err != nil {
		return fmt.Errorf("fetch profile for %s: %w", cmd.UserID, err)
	}
	logger.Info("starting game")
	return in.enqueue(ctx, envelope.NewGame{UserID: cmd.UserID, TeamID: cmd.TeamID, Channel: cmd.ChannelID, Name: profile.RealName, Email: profile.Email})
}

// provision creates a private channel with a random name and invites the user
// and the bot. Taken names are retried up to ChannelNameAttempts times.
func (in *Inbound) provision(ctx context.Context, s chatapi.Session, userID string) (string, error) {
	for attempt := 1; attempt <= in.opts.ChannelNameAttempts; attempt++ {
		name, err := in.opts.NewChannelName()
		if err != nil {
			return "", fmt.Errorf("generate channel name: %w", err)
		}
		channel, err := s.CreatePrivateChannel(ctx, name)
		if chatapi.HasCode(err, chatapi.CodeNameTaken) {
			telemetry.IncNameCollisions()
			in.logger(ctx).Debug("channel name taken", slog.String("name", name), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return "", errreport.WithData(fmt.Errorf("create channel %s: %w", name, err),
				map[string]any{"name": name, "attempt": attempt})
		}

		data := map[string]any{"channel": channel, "name": name, "attempt": attempt}
		err = s.InviteToChannel(ctx, channel, userID)
		if err != nil && !(chatapi.HasCode(err, chatapi.CodeCantInviteSelf) && !in.opts.Production) {
			return "", errreport.WithData(fmt.Errorf("invite %s to %s: %w", userID, channel, err), data)
		}
		if err := s.InviteToChannel(ctx, channel, s.BotID()); err != nil {
			return "", errreport.WithData(fmt.Errorf("invite bot to %s: %w", channel, err), data)
		}
		return channel, nil
	}
	return "", fmt.Errorf("%w after %d attempts", ErrChannelNameExhausted, in.opts.ChannelNameAttempts)
}

func (in *Inbound) forwardSlash(ctx context.Context, cmd slack.SlashCommand) error {
	sl, err := envelope.NewSlash(cmd)
	if err != nil {
		return fmt.Errorf("encode slash payload: %w", err)
	}
	return in.enqueue(ctx, sl)
}

func (in *Inbound) enqueue(ctx context.Context, p envelope.Payload) error {
	if err := in.pub.PublishInbound(ctx, envelope.NewInbound(p)); err != nil {
		return fmt.Errorf("enqueue %s: %w", p.InboundKind(), err)
	}
	telemetry.RecordInbound(string(p.InboundKind()))
	return nil
}

func (in *Inbound) publishEvent(ctx context.Context, ev queue.Event) {
	if err := in.pub.PublishEvent(ctx, ev); err != nil {
		in.logger(ctx).Warn("failed to publish event", slog.String("event", ev.Event), slog.Any("error", err))
		return
	}
	telemetry.RecordEvent(ev.Event)
}

func (in *Inbound) dm(ctx context.Context, s chatapi.Session, userID, text string) error {
	if err := s.DM(ctx, userID, text, nil); err != nil {
		return fmt.Errorf("dm %s: %w", userID, err)
	}
	return nil
}

// fail reports err, if any, and returns it unchanged.
func (in *Inbound) fail(ctx context.Context, err error, details map[string]any) error {
	if err != nil {
		in.logger(ctx).Error("inbound request failed", slog.Any("error", err))
		in.reporter.Report(ctx, err, details)
	}
	return err
}

func (in *Inbound) logger(ctx context.Context) *slog.Logger {
	return telemetry.LoggerWithCorr(ctx).With(slog.String("component", "relay_inbound"))
}

// isPrivateGroup reports whether a command came from a private channel. Slack
// reports legacy private groups as channel_name "privategroup" with G-prefixed IDs.
func isPrivateGroup(channelID, channelName string) bool {
	return channelName == "privategroup" || strings.HasPrefix(channelID, "G")
}

// privateChannel falls back to conversations.info for private channels created
// after Slack moved them to C-prefixed IDs.
func privateChannel(ctx context.Context, s chatapi.Session, cmd slack.SlashCommand) (bool, error) {
	if isPrivateGroup(cmd.ChannelID, cmd.ChannelName) {
		return true, nil
	}
	info, err := s.ConversationInfo(ctx, cmd.ChannelID)
	if err != nil {
		return false, err
	}
	return info.IsPrivate, nil
}

func existingGameText(channel string) string {
	return fmt.Sprintf("You already have a game running in <#%s>.", channel)
}

// RandomChannelName returns "game-" followed by 6 random hex characters.
func RandomChannelName() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "game-" + hex.EncodeToString(b), nil
}

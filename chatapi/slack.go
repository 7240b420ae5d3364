package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackOptions tune the Web API clients built by NewSlackDialer.
type SlackOptions struct {
	// APIURL overrides https://slack.com/api/ (tests, proxies).
	APIURL  string
	Timeout time.Duration
	Debug   bool
}

func (o SlackOptions) clientOptions() []slack.Option {
	opts := []slack.Option{}
	if o.APIURL != "" {
		u := o.APIURL
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		opts = append(opts, slack.OptionAPIURL(u))
	}
	if o.Timeout > 0 {
		opts = append(opts, slack.OptionHTTPClient(&http.Client{Timeout: o.Timeout}))
	}
	if o.Debug {
		opts = append(opts, slack.OptionDebug(true))
	}
	return opts
}

// NewSlackDialer returns a Dialer that authenticates the bot token with auth.test
// before handing out the session.
func NewSlackDialer(o SlackOptions) Dialer {
	return func(ctx context.Context, creds Credentials) (Session, error) {
		opts := o.clientOptions()
		bot := slack.New(creds.BotToken, opts...)
		auth, err := bot.AuthTestContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("slack auth.test for workspace %s: %w", creds.WorkspaceID, normalize("auth.test", err))
		}
		if creds.BotID == "" {
			creds.BotID = auth.UserID
		}
		app := bot
		if creds.AppToken != "" {
			app = slack.New(creds.AppToken, opts...)
		}
		return &SlackSession{creds: creds, bot: bot, app: app}, nil
	}
}

// SlackSession implements Session over two Web API clients: the bot client for
// messaging and lookups, and the installing user's client for private channel
// management.
type SlackSession struct {
	creds Credentials
	bot   *slack.Client
	app   *slack.Client
}

func (s *SlackSession) WorkspaceID() string { return s.creds.WorkspaceID }
func (s *SlackSession) BotID() string       { return s.creds.BotID }
func (s *SlackSession) AutoStart() bool     { return s.creds.AutoStart }

func (s *SlackSession) PostMessage(ctx context.Context, channel, text string, opts json.RawMessage) (string, error) {
	mo, err := messageOptions(text, opts)
	if err != nil {
		return "", err
	}
	_, ts, err := s.bot.PostMessageContext(ctx, channel, mo...)
	if err != nil {
		return "", normalize("chat.postMessage", err)
	}
	return ts, nil
}

func (s *SlackSession) UpdateMessage(ctx context.Context, channel, ts, text string, opts json.RawMessage) error {
	mo, err := messageOptions(text, opts)
	if err != nil {
		return err
	}
	if _, _, _, err := s.bot.UpdateMessageContext(ctx, channel, ts, mo...); err != nil {
		return normalize("chat.update", err)
	}
	return nil
}

func (s *SlackSession) DeleteMessage(ctx context.Context, channel, ts string) error {
	if _, _, err := s.bot.DeleteMessageContext(ctx, channel, ts); err != nil {
		return normalize("chat.delete", err)
	}
	return nil
}

func (s *SlackSession) DM(ctx context.Context, userID, text string, opts json.RawMessage) error {
	im, _, _, err := s.bot.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{userID}})
	if err != nil {
		return normalize("conversations.open", err)
	}
	_, err = s.PostMessage(ctx, im.ID, text, opts)
	return err
}

func (s *SlackSession) OpenDialog(ctx context.Context, triggerID string, raw json.RawMessage) error {
	var d slack.Dialog
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("decode dialog: %w", err)
	}
	if err := s.bot.OpenDialogContext(ctx, triggerID, d); err != nil {
		return normalize("dialog.open", err)
	}
	return nil
}

func (s *SlackSession) UserInfo(ctx context.Context, userID string) (Profile, error) {
	u, err := s.bot.GetUserInfoContext(ctx, userID)
	if err != nil {
		return Profile{}, normalize("users.info", err)
	}
	return Profile{ID: u.ID, RealName: u.RealName, Email: u.Profile.Email}, nil
}

func (s *SlackSession) ConversationMembers(ctx context.Context, channel string) ([]string, error) {
	var members []string
	params := &slack.GetUsersInConversationParameters{ChannelID: channel, Limit: 200}
	for {
		page, next, err := s.bot.GetUsersInConversationContext(ctx, params)
		if err != nil {
			return nil, normalize("conversations.members", err)
		}
		members = append(members, page...)
		if next == "" {
			return members, nil
		}
		params.Cursor = next
	}
}

func (s *SlackSession) ConversationInfo(ctx context.Context, channel string) (Conversation, error) {
	ch, err := s.bot.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channel})
	if err != nil {
		return Conversation{}, normalize("conversations.info", err)
	}
	return Conversation{ID: ch.ID, Name: ch.Name, IsPrivate: ch.IsPrivate}, nil
}

func (s *SlackSession) CreatePrivateChannel(ctx context.Context, name string) (string, error) {
	ch, err := s.app.CreateConversationContext(ctx, slack.CreateConversationParams{ChannelName: name, IsPrivate: true})
	if err != nil {
		return "", normalize("conversations.create", err)
	}
	return ch.ID, nil
}

func (s *SlackSession) InviteToChannel(ctx context.Context, channel, userID string) error {
	if _, err := s.app.InviteUsersToConversationContext(ctx, channel, userID); err != nil {
		return normalize("conversations.invite", err)
	}
	return nil
}

// wireOptions is the "opts" object the game engine may attach to say/update/dm.
type wireOptions struct {
	Attachments []slack.Attachment `json:"attachments"`
	Blocks      slack.Blocks       `json:"blocks"`
	ThreadTS    string             `json:"thread_ts"`
}

func messageOptions(text string, raw json.RawMessage) ([]slack.MsgOption, error) {
	out := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	var wo wireOptions
	if err := json.Unmarshal(raw, &wo); err != nil {
		return nil, fmt.Errorf("decode message opts: %w", err)
	}
	if len(wo.Attachments) > 0 {
		out = append(out, slack.MsgOptionAttachments(wo.Attachments...))
	}
	if len(wo.Blocks.BlockSet) > 0 {
		out = append(out, slack.MsgOptionBlocks(wo.Blocks.BlockSet...))
	}
	if wo.ThreadTS != "" {
		out = append(out, slack.MsgOptionTS(wo.ThreadTS))
	}
	return out, nil
}

var knownCodes = []string{CodeChannelNotFound, CodeMessageNotFound, CodeNameTaken, CodeCantInviteSelf}

// normalize keeps SlackErrorResponse values intact and turns bare code strings
// into *PlatformError so ErrorCode sees them either way.
func normalize(op string, err error) error {
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, c := range knownCodes {
		if err.Error() == c {
			return &PlatformError{Op: op, Code: c}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

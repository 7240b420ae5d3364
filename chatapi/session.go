// Package chatapi is the relay's view of the chat platform: the Session
// capability used by the relays, the workspace credentials needed to open one,
// and the platform error codes the relays branch on.
package chatapi

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/slack-go/slack"
)

// Platform error codes the relay recovers from.
const (
	CodeChannelNotFound = "channel_not_found"
	CodeMessageNotFound = "message_not_found"
	CodeNameTaken       = "name_taken"
	CodeCantInviteSelf  = "cant_invite_self"
)

// Credentials are everything needed to open a Session for one workspace.
type Credentials struct {
	WorkspaceID string
	BotToken    string
	// AppToken is the installing user's token; it owns private channel creation.
	AppToken  string
	BotID     string
	AutoStart bool
}

type Profile struct {
	ID       string
	RealName string
	Email    string
}

type Conversation struct {
	ID        string
	Name      string
	IsPrivate bool
}

// Session is one authenticated connection to a workspace.
type Session interface {
	WorkspaceID() string
	BotID() string
	AutoStart() bool

	// PostMessage returns the platform timestamp of the new message.
	PostMessage(ctx context.Context, channel, text string, opts json.RawMessage) (string, error)
	UpdateMessage(ctx context.Context, channel, ts, text string, opts json.RawMessage) error
	DeleteMessage(ctx context.Context, channel, ts string) error
	DM(ctx context.Context, userID, text string, opts json.RawMessage) error
	OpenDialog(ctx context.Context, triggerID string, dialog json.RawMessage) error

	UserInfo(ctx context.Context, userID string) (Profile, error)
	ConversationMembers(ctx context.Context, channel string) ([]string, error)
	ConversationInfo(ctx context.Context, channel string) (Conversation, error)
	CreatePrivateChannel(ctx context.Context, name string) (string, error)
	InviteToChannel(ctx context.Context, channel, userID string) error
}

// Dialer opens and authenticates a Session.
type Dialer func(ctx context.Context, creds Credentials) (Session, error)

// ErrorCode extracts the platform error code from err, or "" when err does not carry one.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		return se.Err
	}
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// HasCode reports whether err carries the given platform error code.
func HasCode(err error, code string) bool { return ErrorCode(err) == code }

// PlatformError is a platform-reported failure keyed by its error code.
// Clients that surface codes as bare strings are normalized into it.
type PlatformError struct {
	Op   string
	Code string
}

func (e *PlatformError) Error() string { return e.Op + ": " + e.Code }

// IsRateLimited reports whether the platform rejected the call with a rate limit.
func IsRateLimited(err error) bool {
	var rl *slack.RateLimitedError
	return errors.As(err, &rl) || ErrorCode(err) == "ratelimited"
}

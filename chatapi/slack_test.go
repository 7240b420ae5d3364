package chatapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/questrelay/chatapi"
	"github.com/onnwee/questrelay/testutil"
)

func dial(t *testing.T, m *testutil.MockSlackServer, creds chatapi.Credentials) chatapi.Session {
	t.Helper()
	s, err := chatapi.NewSlackDialer(chatapi.SlackOptions{APIURL: m.APIURL()})(context.Background(), creds)
	require.NoError(t, err)
	return s
}

func TestDialerAuthenticatesAndFillsBotID(t *testing.T) {
	m := testutil.NewMockSlackServer(t)
	s := dial(t, m, chatapi.Credentials{WorkspaceID: "T1", BotToken: "xoxb-1", AutoStart: true})

	assert.Equal(t, "T1", s.WorkspaceID())
	assert.Equal(t, "UBOT", s.BotID())
	assert.True(t, s.AutoStart())
	assert.Len(t, m.Calls("/auth.test"), 1)
}

func TestDialerKeepsStoredBotID(t *testing.T) {
	m := testutil.NewMockSlackServer(t)
	s := dial(t, m, chatapi.Credentials{WorkspaceID: "T1", BotToken: "xoxb-1", BotID: "USTORED"})
	assert.Equal(t, "USTORED", s.BotID())
}

func TestDialerFailsOnInvalidAuth(t *testing.T) {
	m := testutil.NewMockSlackServer(t)
	m.Fail("/auth.test", "invalid_auth")
	_, err := chatapi.NewSlackDialer(chatapi.SlackOptions{APIURL: m.APIURL()})(context.Background(), chatapi.Credentials{WorkspaceID: "T1", BotToken: "bad"})
	require.Error(t, err)
	assert.Equal(t, "invalid_auth", chatapi.ErrorCode(err))
}

func TestPostMessageReturnsTimestamp(t *testing.T) {
	m := testutil.NewMockSlackServer(t)
	m.Reply("/chat.postMessage", map[string]any{"ok": true, "channel": "C1", "ts": "123.45"})
	s := dial(t, m, chatapi.Credentials{WorkspaceID: "T1", BotToken: "xoxb-1"})

	ts, err := s.PostMessage(context.Background(), "C1", "hi", json.RawMessage(`{"thread_ts":"100.1"}`))
	require.NoError(t, err)
	assert.Equal(t, "123.45", ts)

	calls := m.Calls("/chat.postMessage")
	require.Len(t, calls, 1)
	assert.Equal(t, "C1", calls[0].Get("channel"))
	assert.Equal(t, "hi", calls[0].Get("text"))
	assert.Equal(t, "100.1", calls[0].Get("thread_ts"))
}

func TestPostMessageRejectsMalformedOpts(t *testing.T) {
	m := testutil.NewMockSlackServer(t)
	s := dial(t, m, chatapi.Credentials{WorkspaceID: "T1", BotToken: "xoxb-1"})
	_, err := s.PostMessage(context.Background(), "C1", "hi", json.RawMessage(`[1,2]`))
	require.Error(t, err)
	assert.Empty(t, m.Calls("/chat.postMessage"))
}

func TestPlatformErrorCodesSurface(t *testing.T) {
	m := testutil.NewMockSlackServer(t)
	m.Fail("/chat.update", chatapi.CodeMessageNotFound)
	m.Fail("/chat.delete", chatapi.CodeChannelNotFound)
	m.Fail("/conversations.create", chatapi.CodeNameTaken)
	s := dial(t, m, chatapi.Credentials{WorkspaceID: "T1", BotToken: "xoxb-1"})
	ctx := context.Background()

	err := s.UpdateMessage(ctx, "C1", "1.1", "x", nil)
	assert.True(t, chatapi.HasCode(err, chatapi.CodeMessageNotFound), "got %v", err)

	err = s.DeleteMessage(ctx, "C1", "1.1")
	assert.True(t, chatapi.HasCode(err, chatapi.CodeChannelNotFound), "got %v", err)

	_, err = s.CreatePrivateChannel(ctx, "game-abcdef")
	assert.True(t, chatapi.HasCode(err, chatapi.CodeNameTaken), "got %v", err)
}

func TestDMOpensConversationThenPosts(t *testing.T) {
	m := testutil.NewMockSlackServer(t)
	m.Reply("/conversations.open", map[string]any{"ok": true, "channel": map[string]any{"id": "D1"}})
	m.Reply("/chat.postMessage", map[string]any{"ok": true, "channel": "D1", "ts": "9.9"})
	s := dial(t, m, chatapi.Credentials{WorkspaceID: "T1", BotToken: "xoxb-1"})

	require.NoError(t, s.DM(context.Background(), "U1", "hello", nil))
	require.Len(t, m.Calls("/conversations.open"), 1)
	assert.Equal(t, "U1", m.Calls("/conversations.open")[0].Get("users"))
	assert.Equal(t, "D1", m.Calls("/chat.postMessage")[0].Get("channel"))
}

func TestUserInfoAndMembers(t *testing.T) {
	m := testutil.NewMockSlackServer(t)
	m.Reply("/users.info", map[string]any{"ok": true, "user": map[string]any{
		"id": "U1", "real_name": "Ada Lovelace", "profile": map[string]any{"email": "ada@example.com"},
	}})
	m.Reply("/conversations.members", map[string]any{"ok": true, "members": []string{"U1", "UBOT"}})
	s := dial(t, m, chatapi.Credentials{WorkspaceID: "T1", BotToken: "xoxb-1"})

	p, err := s.UserInfo(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, chatapi.Profile{ID: "U1", RealName: "Ada Lovelace", Email: "ada@example.com"}, p)

	members, err := s.ConversationMembers(context.Background(), "G1")
	require.NoError(t, err)
	assert.Equal(t, []string{"U1", "UBOT"}, members)
}

func TestChannelManagementUsesAppToken(t *testing.T) {
	m := testutil.NewMockSlackServer(t)
	m.Reply("/conversations.create", map[string]any{"ok": true, "channel": map[string]any{"id": "G9", "name": "game-abc123", "is_private": true}})
	m.Reply("/conversations.invite", map[string]any{"ok": true, "channel": map[string]any{"id": "G9"}})
	s := dial(t, m, chatapi.Credentials{WorkspaceID: "T1", BotToken: "xoxb-1", AppToken: "xoxp-1"})

	id, err := s.CreatePrivateChannel(context.Background(), "game-abc123")
	require.NoError(t, err)
	assert.Equal(t, "G9", id)
	require.NoError(t, s.InviteToChannel(context.Background(), "G9", "U1"))

	calls := m.Calls("/conversations.create")
	require.Len(t, calls, 1)
	assert.Equal(t, "game-abc123", calls[0].Get("name"))
	assert.Equal(t, "true", calls[0].Get("is_private"))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "", chatapi.ErrorCode(nil))
	assert.Equal(t, "", chatapi.ErrorCode(errors.New("boom")))
	assert.Equal(t, "name_taken", chatapi.ErrorCode(slack.SlackErrorResponse{Err: "name_taken"}))
	assert.Equal(t, "cant_invite_self", chatapi.ErrorCode(&chatapi.PlatformError{Op: "x", Code: "cant_invite_self"}))
}

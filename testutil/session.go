package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/onnwee/questrelay/chatapi"
)

// Call is one recorded FakeSession method invocation.
type Call struct {
	Method string
	Args   []string
}

// FakeSession is an in-memory chatapi.Session. Errors set in Errs are
// returned by the named method ("PostMessage", "DM", ...); CreateErrs is
// consumed one entry per CreatePrivateChannel call and takes precedence over Errs.
type FakeSession struct {
	Workspace string
	Bot       string
	Auto      bool

	Members  map[string][]string
	Profiles map[string]chatapi.Profile
	Infos    map[string]chatapi.Conversation
	TS       string

	mu         sync.Mutex
	Errs       map[string]error
	CreateErrs []error
	// InviteErrs fails InviteToChannel for specific user IDs.
	InviteErrs map[string]error
	calls      []Call
	created    int
}

// NewFakeSession returns a session for workspace with bot user bot.
func NewFakeSession(workspace, bot string) *FakeSession {
	return &FakeSession{
		Workspace:  workspace,
		Bot:        bot,
		Members:    make(map[string][]string),
		Profiles:   make(map[string]chatapi.Profile),
		Infos:      make(map[string]chatapi.Conversation),
		Errs:       make(map[string]error),
		InviteErrs: make(map[string]error),
		TS:         "1000.0001",
	}
}

// Fail makes method return err.
func (f *FakeSession) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errs[method] = err
}

// Calls returns recorded invocations of method, or all calls when method is "".
func (f *FakeSession) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeSession) record(method string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: method, Args: args})
	return f.Errs[method]
}

func (f *FakeSession) WorkspaceID() string { return f.Workspace }
func (f *FakeSession) BotID() string       { return f.Bot }
func (f *FakeSession) AutoStart() bool     { return f.Auto }

func (f *FakeSession) PostMessage(_ context.Context, channel, text string, opts json.RawMessage) (string, error) {
	if err := f.record("PostMessage", channel, text, string(opts)); err != nil {
		return "", err
	}
	return f.TS, nil
}

func (f *FakeSession) UpdateMessage(_ context.Context, channel, ts, text string, opts json.RawMessage) error {
	return f.record("UpdateMessage", channel, ts, text, string(opts))
}

func (f *FakeSession) DeleteMessage(_ context.Context, channel, ts string) error {
	return f.record("DeleteMessage", channel, ts)
}

func (f *FakeSession) DM(_ context.Context, userID, text string, opts json.RawMessage) error {
	return f.record("DM", userID, text, string(opts))
}

func (f *FakeSession) OpenDialog(_ context.Context, triggerID string, dialog json.RawMessage) error {
	return f.record("OpenDialog", triggerID, string(dialog))
}

func (f *FakeSession) UserInfo(_ context.Context, userID string) (chatapi.Profile, error) {
	if err := f.record("UserInfo", userID); err != nil {
		return chatapi.Profile{}, err
	}
	p, ok := f.Profiles[userID]
	if !ok {
		return chatapi.Profile{}, &chatapi.PlatformError{Op: "users.info", Code: "user_not_found"}
	}
	return p, nil
}

func (f *FakeSession) ConversationMembers(_ context.Context, channel string) ([]string, error) {
	if err := f.record("ConversationMembers", channel); err != nil {
		return nil, err
	}
	return f.Members[channel], nil
}

func (f *FakeSession) ConversationInfo(_ context.Context, channel string) (chatapi.Conversation, error) {
	if err := f.record("ConversationInfo", channel); err != nil {
		return chatapi.Conversation{}, err
	}
	return f.Infos[channel], nil
}

func (f *FakeSession) CreatePrivateChannel(_ context.Context, name string) (string, error) {
	err := f.record("CreatePrivateChannel", name)
	f.mu.Lock()
	if len(f.CreateErrs) > 0 {
		err, f.CreateErrs = f.CreateErrs[0], f.CreateErrs[1:]
	}
	f.created++
	n := f.created
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("GNEW%d", n), nil
}

func (f *FakeSession) InviteToChannel(_ context.Context, channel, userID string) error {
	if err := f.record("InviteToChannel", channel, userID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.InviteErrs[userID]
}

// StaticDialer returns a Dialer that hands out sessions by workspace ID.
func StaticDialer(sessions ...*FakeSession) chatapi.Dialer {
	byID := make(map[string]*FakeSession, len(sessions))
	for _, s := range sessions {
		byID[s.Workspace] = s
	}
	return func(_ context.Context, c chatapi.Credentials) (chatapi.Session, error) {
		s, ok := byID[c.WorkspaceID]
		if !ok {
			return nil, &chatapi.PlatformError{Op: "auth.test", Code: "invalid_auth"}
		}
		return s, nil
	}
}

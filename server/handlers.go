package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/onnwee/questrelay/chatapi"
	"github.com/onnwee/questrelay/errreport"
	"github.com/onnwee/questrelay/queue"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// Relay is the inbound relay the Slack handlers feed.
type Relay interface {
	ValidToken(token string) bool
	HandleSlash(ctx context.Context, cmd slack.SlashCommand) error
	HandleButton(ctx context.Context, cb slack.InteractionCallback, raw json.RawMessage) error
	HandlePayment(ctx context.Context, body json.RawMessage) error
	HandleTeamJoin(ctx context.Context, workspaceID, userID string) error
}

// Installer runs the Slack OAuth handshake.
type Installer interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (chatapi.Credentials, error)
}

// CredentialWriter persists installed workspace credentials.
type CredentialWriter interface {
	StoreCredentials(ctx context.Context, creds chatapi.Credentials) error
}

// EventPublisher sends lifecycle events to the event queue.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev queue.Event) error
}

// SessionInvalidator drops a cached workspace session after its credentials change.
type SessionInvalidator interface {
	Forget(workspaceID string)
}

// Check is one named readiness check.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Deps are the collaborators the handlers need. Installer may be nil when the
// install flow is not configured.
type Deps struct {
	Relay       Relay
	Installer   Installer
	Credentials CredentialWriter
	Events      EventPublisher
	Sessions    SessionInvalidator
	Reporter    errreport.Reporter

	// SigningSecret enables request signature verification when set.
	SigningSecret string
	SuccessURL    string
	FailureURL    string

	// Liveness backs /healthz; Readiness backs /readyz.
	Liveness  Check
	Readiness []Check
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps       Deps
	ctx        context.Context
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
	background sync.WaitGroup
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	if deps.Reporter == nil {
		deps.Reporter = errreport.LogReporter{}
	}
	return &Handlers{
		deps:       deps,
		ctx:        ctx,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
// It reports false when the store is full.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// consumeOAuthState removes state and reports whether it was present and unexpired.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && time.Now().Before(exp)
}

package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/questrelay/queue"
	"github.com/onnwee/questrelay/telemetry"
)

// HandleSlackOAuthStart initiates the Slack install flow by redirecting to Slack.
func (h *Handlers) HandleSlackOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.Installer == nil {
		http.Error(w, "oauth not configured (need SLACK_CLIENT_ID + SLACK_CLIENT_SECRET + SLACK_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	// generate state
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, time.Now().Add(oauthStateTTL)) {
		http.Error(w, "too many pending installs", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, h.deps.Installer.AuthCodeURL(st), http.StatusFound)
}

// HandleSlackOAuthCallback exchanges the code, stores the workspace credentials
// and redirects the installer to the success or failure page.
func (h *Handlers) HandleSlackOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "oauth"))
	if h.deps.Installer == nil {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		logger.Info("install cancelled", slog.String("error", denied))
		h.redirectFailure(w, r)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	creds, err := h.deps.Installer.Exchange(ctx, code)
	if err == nil {
		err = h.deps.Credentials.StoreCredentials(ctx, creds)
	}
	if err != nil {
		logger.Error("install failed", slog.Any("err", err))
		h.deps.Reporter.Report(ctx, err, map[string]any{"route": "oauth_callback"})
		h.redirectFailure(w, r)
		return
	}
	if h.deps.Sessions != nil {
		h.deps.Sessions.Forget(creds.WorkspaceID)
	}
	if h.deps.Events != nil {
		ev := queue.Event{Event: queue.EventWorkspaceInstalled, CharacterID: "", Fields: map[string]any{"team": creds.WorkspaceID, "auto_start": creds.AutoStart}}
		if err := h.deps.Events.PublishEvent(ctx, ev); err != nil {
			logger.Warn("failed to publish install event", slog.Any("err", err))
		} else {
			telemetry.RecordEvent(ev.Event)
		}
	}
	logger.Info("workspace installed", slog.String("team", creds.WorkspaceID))
	h.redirect(w, r, h.deps.SuccessURL, "installed")
}

func (h *Handlers) redirectFailure(w http.ResponseWriter, r *http.Request) {
	h.redirect(w, r, h.deps.FailureURL, "install failed")
}

// redirect sends the browser to url, or writes fallback when no url is configured.
func (h *Handlers) redirect(w http.ResponseWriter, r *http.Request, url, fallback string) {
	if url == "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(fallback))
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

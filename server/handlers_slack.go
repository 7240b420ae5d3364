package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/onnwee/questrelay/relay"
	"github.com/onnwee/questrelay/telemetry"
)

const failureText = "Sorry, something went wrong. Please try again in a moment."

// HandleSlashCommand accepts a Slack slash command and hands it to the relay.
func (h *Handlers) HandleSlashCommand(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.readVerifiedBody(w, r); !ok {
		return
	}
	cmd, err := slack.SlashCommandParse(r)
	if err != nil {
		http.Error(w, "invalid slash command", http.StatusBadRequest)
		return
	}
	err = h.deps.Relay.HandleSlash(r.Context(), cmd)
	switch {
	case errors.Is(err, relay.ErrInvalidToken):
		http.Error(w, "invalid token", http.StatusUnauthorized)
	case err != nil:
		writeEphemeral(w, failureText)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// HandleActions accepts an interactive component callback (form field "payload").
func (h *Handlers) HandleActions(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.readVerifiedBody(w, r); !ok {
		return
	}
	raw := r.FormValue("payload")
	if raw == "" {
		http.Error(w, "missing payload", http.StatusBadRequest)
		return
	}
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(raw), &cb); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	err := h.deps.Relay.HandleButton(r.Context(), cb, json.RawMessage(raw))
	switch {
	case errors.Is(err, relay.ErrInvalidToken):
		http.Error(w, "invalid token", http.StatusUnauthorized)
	case err != nil:
		writeEphemeral(w, failureText)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// eventEnvelope is the outer Events API body. Only team_join is acted on.
type eventEnvelope struct {
	Token     string `json:"token"`
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	TeamID    string `json:"team_id"`
	Event     struct {
		Type string     `json:"type"`
		User slack.User `json:"user"`
	} `json:"event"`
}

// HandleEvents answers the Events API: URL verification and team_join. Join
// handling runs after the response so Slack's three-second deadline is met.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readVerifiedBody(w, r)
	if !ok {
		return
	}
	var ev eventEnvelope
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}
	if !h.deps.Relay.ValidToken(ev.Token) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	switch ev.Type {
	case slackevents.URLVerification:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(ev.Challenge))
	case slackevents.CallbackEvent:
		if ev.Event.Type == "team_join" && ev.Event.User.ID != "" && !ev.Event.User.IsBot {
			corr := telemetry.GetCorrelation(r.Context())
			teamID, userID := ev.TeamID, ev.Event.User.ID
			h.background.Add(1)
			go func() {
				defer h.background.Done()
				ctx := telemetry.WithCorrelation(h.ctx, corr)
				if err := h.deps.Relay.HandleTeamJoin(ctx, teamID, userID); err != nil {
					telemetry.LoggerWithCorr(ctx).Warn("team_join handling failed", slog.String("team", teamID), slog.String("user", userID), slog.Any("err", err), slog.String("component", "http"))
				}
			}()
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// HandlePaymentCallback forwards a payment provider callback (JSON body carrying the token).
func (h *Handlers) HandlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	body, err := readLimited(w, r)
	if err != nil || !json.Valid(body) {
		http.Error(w, "invalid payment body", http.StatusBadRequest)
		return
	}
	err = h.deps.Relay.HandlePayment(r.Context(), json.RawMessage(body))
	switch {
	case errors.Is(err, relay.ErrInvalidToken):
		http.Error(w, "invalid token", http.StatusUnauthorized)
	case err != nil:
		http.Error(w, "payment not accepted", http.StatusServiceUnavailable)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Wait blocks until background event handling has finished.
func (h *Handlers) Wait() { h.background.Wait() }

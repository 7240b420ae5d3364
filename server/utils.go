package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/slack-go/slack"

	"github.com/onnwee/questrelay/telemetry"
)

// maxBodyBytes bounds Slack and payment request bodies.
const maxBodyBytes = 1 << 20

func readLimited(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

// readVerifiedBody reads the request body, checks the Slack request signature
// when a signing secret is configured, and restores r.Body for form parsing.
// On failure it writes the response and returns false.
func (h *Handlers) readVerifiedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := readLimited(w, r)
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return nil, false
	}
	if h.deps.SigningSecret != "" {
		sv, err := slack.NewSecretsVerifier(r.Header, h.deps.SigningSecret)
		if err == nil {
			_, _ = sv.Write(body)
			err = sv.Ensure()
		}
		if err != nil {
			telemetry.LoggerWithCorr(r.Context()).Warn("slack signature rejected", slog.Any("err", err), slog.String("component", "http"))
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return nil, false
		}
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, true
}

// writeEphemeral answers a Slack request with a message only the caller sees.
func writeEphemeral(w http.ResponseWriter, text string) {
	writeJSON(w, http.StatusOK, slack.Msg{ResponseType: slack.ResponseTypeEphemeral, Text: text})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

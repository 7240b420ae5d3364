// Package envelope defines the JSON units carried on the relay queues.
//
// Outbound envelopes (out-queue, produced by the game engine) decode into a
// closed set of variants: Say, Update, Delete, DM and Dialog. Callers switch on
// the concrete type. Inbound envelopes (in-queue, produced by this relay) wrap
// one of the Payload variants under a {type, payload} object.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindSay    Kind = "say"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindDM     Kind = "dm"
	KindDialog Kind = "dialog"
)

var (
	// ErrUnknownMessageType is wrapped by the ValidationError returned for an unrecognized type.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrMissingField is wrapped by the ValidationError returned when a required field is absent.
	ErrMissingField = errors.New("missing required field")
)

// ValidationError reports an envelope the relay refuses to dispatch.
// It is never retried; redelivery would only repeat the failure.
type ValidationError struct {
	Type  string
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("envelope %q: %v: %s", e.Type, e.Err, e.Field)
	}
	return fmt.Sprintf("envelope %q: %v", e.Type, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ReportData exposes structured fields to the error reporter.
func (e *ValidationError) ReportData() map[string]any {
	return map[string]any{"envelope_type": e.Type, "field": e.Field}
}

// Outbound is implemented by Say, Update, Delete, DM and Dialog only.
type Outbound interface {
	Kind() Kind
	// Team is the workspace the action targets; always non-empty after decoding.
	Team() string
	// User is the optional uid carried by the envelope, used for corrective DMs.
	User() string
	outbound()
}

// Target holds the routing fields shared by every variant.
type Target struct {
	TeamID string
	UserID string
}

func (t Target) Team() string { return t.TeamID }
func (t Target) User() string { return t.UserID }
func (Target) outbound()      {}

type Say struct {
	Target
	Channel string
	Text    string
	Opts    json.RawMessage
}

type Update struct {
	Target
	Channel string
	TS      string
	Text    string
	Opts    json.RawMessage
}

type Delete struct {
	Target
	Channel string
	TS      string
}

type DM struct {
	Target
	Text string
	Opts json.RawMessage
}

type Dialog struct {
	Target
	TriggerID string
	Dialog    json.RawMessage
}

func (Say) Kind() Kind    { return KindSay }
func (Update) Kind() Kind { return KindUpdate }
func (Delete) Kind() Kind { return KindDelete }
func (DM) Kind() Kind     { return KindDM }
func (Dialog) Kind() Kind { return KindDialog }

// wire is the JSON shape produced by the game engine.
type wire struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Team      string          `json:"team"`
	UID       string          `json:"uid,omitempty"`
	TS        string          `json:"ts,omitempty"`
	Text      *string         `json:"text,omitempty"`
	Opts      json.RawMessage `json:"opts,omitempty"`
	TriggerID string          `json:"triggerId,omitempty"`
	Dialog    json.RawMessage `json:"dialog,omitempty"`
}

// DecodeOutbound parses and validates one out-queue message body.
// JSON errors are returned wrapped; field problems return *ValidationError.
func DecodeOutbound(body []byte) (Outbound, error) {
	var w wire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode outbound envelope: %w", err)
	}
	if w.Team == "" {
		return nil, &ValidationError{Type: w.Type, Field: "team", Err: ErrMissingField}
	}
	t := Target{TeamID: w.Team, UserID: w.UID}

	switch Kind(w.Type) {
	case KindSay:
		if err := requireFields(w.Type, field{"channel", w.Channel != ""}, field{"text", w.Text != nil}); err != nil {
			return nil, err
		}
		return Say{Target: t, Channel: w.Channel, Text: *w.Text, Opts: w.Opts}, nil
	case KindUpdate:
		if err := requireFields(w.Type, field{"ts", w.TS != ""}, field{"channel", w.Channel != ""}, field{"text", w.Text != nil}); err != nil {
			return nil, err
		}
		return Update{Target: t, Channel: w.Channel, TS: w.TS, Text: *w.Text, Opts: w.Opts}, nil
	case KindDelete:
		if err := requireFields(w.Type, field{"ts", w.TS != ""}, field{"channel", w.Channel != ""}); err != nil {
			return nil, err
		}
		return Delete{Target: t, Channel: w.Channel, TS: w.TS}, nil
	case KindDM:
		if err := requireFields(w.Type, field{"uid", w.UID != ""}, field{"text", w.Text != nil}); err != nil {
			return nil, err
		}
		return DM{Target: t, Text: *w.Text, Opts: w.Opts}, nil
	case KindDialog:
		if err := requireFields(w.Type, field{"triggerId", w.TriggerID != ""}, field{"dialog", len(w.Dialog) > 0}); err != nil {
			return nil, err
		}
		return Dialog{Target: t, TriggerID: w.TriggerID, Dialog: w.Dialog}, nil
	default:
		return nil, &ValidationError{Type: w.Type, Err: ErrUnknownMessageType}
	}
}

type field struct {
	name    string
	present bool
}

// requireFields returns a ValidationError naming the first absent field.
func requireFields(typ string, fields ...field) error {
	for _, f := range fields {
		if !f.present {
			return &ValidationError{Type: typ, Field: f.name, Err: ErrMissingField}
		}
	}
	return nil
}

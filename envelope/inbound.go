package envelope

import "encoding/json"

type InboundKind string

const (
	InboundButton       InboundKind = "button"
	InboundSlash        InboundKind = "slash"
	InboundPayment      InboundKind = "payment"
	InboundNewGame      InboundKind = "new-game"
	InboundAddTimestamp InboundKind = "add_timestamp"
)

// Payload is implemented by Button, Slash, Payment, NewGame and AddTimestamp.
type Payload interface {
	InboundKind() InboundKind
}

// Inbound is the in-queue unit consumed by the game engine.
type Inbound struct {
	Type    InboundKind `json:"type"`
	Payload Payload     `json:"payload"`
}

// NewInbound wraps p with its type tag.
func NewInbound(p Payload) Inbound {
	return Inbound{Type: p.InboundKind(), Payload: p}
}

// raw carries a platform payload the relay forwards without interpreting.
type raw struct{ body json.RawMessage }

func (r raw) MarshalJSON() ([]byte, error) {
	if len(r.body) == 0 {
		return []byte("null"), nil
	}
	return r.body, nil
}

type Button struct{ raw }
type Slash struct{ raw }
type Payment struct{ raw }

func (Button) InboundKind() InboundKind  { return InboundButton }
func (Slash) InboundKind() InboundKind   { return InboundSlash }
func (Payment) InboundKind() InboundKind { return InboundPayment }

// NewButton marshals an interaction callback for forwarding.
func NewButton(v any) (Button, error) {
	b, err := json.Marshal(v)
	return Button{raw{b}}, err
}

// NewSlash marshals a slash command for forwarding.
func NewSlash(v any) (Slash, error) {
	b, err := json.Marshal(v)
	return Slash{raw{b}}, err
}

// NewPayment wraps an already-encoded payment callback body.
func NewPayment(body json.RawMessage) Payment { return Payment{raw{body}} }

// NewGame asks the engine to start a game for a user in a channel.
type NewGame struct {
	UserID  string `json:"uid"`
	TeamID  string `json:"teamid"`
	Channel string `json:"channel"`
	Name    string `json:"name"`
	Email   string `json:"email"`
}

func (NewGame) InboundKind() InboundKind { return InboundNewGame }

// AddTimestamp tells the engine the platform timestamp of a message it asked to post,
// so later update/delete envelopes can target it.
type AddTimestamp struct {
	TS      string `json:"ts"`
	Channel string `json:"channel"`
	TeamID  string `json:"teamid"`
}

func (AddTimestamp) InboundKind() InboundKind { return InboundAddTimestamp }

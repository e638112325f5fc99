package econ

import (
	"encoding/json"
	"time"
)

// Kind distinguishes who issued an action.
type Kind string

const (
	KindPlayer Kind = "player"
	KindGM     Kind = "gm"
)

// Action is one submitted decision for a quarter. Payload is opaque to the
// session layer; only the model interprets it.
type Action struct {
	SubmitterID string          `json:"submitterId"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"receivedAt"`
}

// playerDecision is the payload shape the baseline model understands for
// player actions. Unknown fields are ignored.
type playerDecision struct {
	Invest float64 `json:"invest"`
	Hire   int     `json:"hire"`
}

// gmCommand is the payload shape for GM macro interventions.
type gmCommand struct {
	Command   string  `json:"command"`
	Magnitude float64 `json:"magnitude"`
}

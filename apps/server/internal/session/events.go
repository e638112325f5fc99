package session

import (
	"encoding/json"
	"log"
	"time"

	"ecosim/econ"
)

// EventType names a server-to-observer event.
type EventType string

const (
	EventGameStarted        EventType = "gameStarted"
	EventActionReceived     EventType = "actionReceived"
	EventActionRejected     EventType = "actionRejected"
	EventQuarterResolved    EventType = "quarterResolved"
	EventEnrichmentApplied  EventType = "enrichmentApplied"
	EventEnrichmentDegraded EventType = "enrichmentDegraded"
	EventGameCompleted      EventType = "gameCompleted"
)

// Envelope is the JSON wire frame fanned out to every observer of a game.
// Exactly one payload pointer is set, matching Type. Seq is strictly
// increasing per game so clients can detect gaps and reordering.
type Envelope struct {
	GameID string    `json:"gameId"`
	Seq    uint64    `json:"seq"`
	TsMs   int64     `json:"tsMs"`
	Type   EventType `json:"type"`

	GameStarted        *GameStartedEvent     `json:"gameStarted,omitempty"`
	ActionReceived     *ActionReceivedEvent  `json:"actionReceived,omitempty"`
	ActionRejected     *ActionRejectedEvent  `json:"actionRejected,omitempty"`
	QuarterResolved    *QuarterResolvedEvent `json:"quarterResolved,omitempty"`
	EnrichmentApplied  *EnrichmentEvent      `json:"enrichmentApplied,omitempty"`
	EnrichmentDegraded *EnrichmentEvent      `json:"enrichmentDegraded,omitempty"`
	GameCompleted      *GameCompletedEvent   `json:"gameCompleted,omitempty"`
}

type GameStartedEvent struct {
	State        econ.State    `json:"state"`
	Participants []Participant `json:"participants"`
}

type ActionReceivedEvent struct {
	SubmitterID    string    `json:"submitterId"`
	Kind           econ.Kind `json:"kind"`
	SubmitterCount int       `json:"submitterCount"`
}

type ActionRejectedEvent struct {
	SubmitterID string `json:"submitterId"`
	Reason      string `json:"reason"`
	Quarter     int    `json:"quarter"`
}

type QuarterResolvedEvent struct {
	Quarter int        `json:"quarter"`
	State   econ.State `json:"state"`
}

// EnrichmentEvent carries asynchronously generated narrative content. It is
// advisory: the numeric state a client holds is never changed by it.
type EnrichmentEvent struct {
	Quarter       int                  `json:"quarter"`
	News          string               `json:"news,omitempty"`
	Opportunities []CompanyOpportunity `json:"opportunities,omitempty"`
	Reason        string               `json:"reason,omitempty"`
}

type GameCompletedEvent struct {
	FinalQuarter int        `json:"finalQuarter"`
	State        econ.State `json:"state"`
}

// CompanyOpportunity is a generated suggestion attached to one company.
type CompanyOpportunity struct {
	CompanyID   string `json:"companyId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// emit marshals and fans out one envelope. Caller must hold s.mu; the
// broadcast callback itself must not block (the gateway buffers per
// connection and drops on overflow).
func (s *Session) emitLocked(env *Envelope) {
	env.GameID = s.ID
	s.serverSeq++
	env.Seq = s.serverSeq
	env.TsMs = time.Now().UnixMilli()

	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[Session %s] marshal %s event failed: %v", s.ID, env.Type, err)
		return
	}
	if s.broadcast != nil {
		s.broadcast(s.ID, data)
	}
}

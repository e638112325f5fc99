package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"ecosim/apps/server/internal/archive"
	"ecosim/econ"
)

// Status is the lifecycle state of one game session.
type Status string

const (
	StatusLobby      Status = "lobby"
	StatusInProgress Status = "in_progress"
	StatusResolving  Status = "resolving"
	StatusCompleted  Status = "completed"
)

// PolicyMode selects when a quarter resolves.
//
// Barrier mode (the default) waits until every registered player has an
// entry for the quarter, or the quarter deadline elapses. Immediate mode
// resolves on every submission; it exists for GM-only shock drills and
// single-player testing and must be opted into explicitly, because under
// concurrent multi-player load it resolves one player's action without the
// others' input.
type PolicyMode string

const (
	PolicyBarrier   PolicyMode = "barrier"
	PolicyImmediate PolicyMode = "immediate"
)

// Role of a participant within a game.
type Role string

const (
	RolePlayer Role = "player"
	RoleGM     Role = "gm"
)

// Participant identifies one registered submitter.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Config holds per-session tuning.
type Config struct {
	Mode            PolicyMode
	QuarterDeadline time.Duration // 0 disables the barrier deadline
	MaxQuarters     int           // 0 means unbounded
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = PolicyBarrier
	}
	return c
}

var (
	ErrClosed        = errors.New("session closed")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrGMAssigned    = errors.New("game already has a gm")
	ErrCorrupt       = errors.New("session refuses further resolutions after counter violation")
	ErrNoParticipant = errors.New("unknown participant")
)

// InvalidStateError reports an operation attempted outside its legal status.
type InvalidStateError struct {
	Op     string
	Status Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed while %s", e.Op, e.Status)
}

// Ack is returned to a submitter on a successful submission.
type Ack struct {
	Quarter        int  `json:"quarter"`
	SubmitterCount int  `json:"submitterCount"`
	Resolved       bool `json:"resolved"`
}

// EnrichmentData is the asynchronous narrative attachment for one resolved
// quarter. It never feeds back into the economic state.
type EnrichmentData struct {
	Quarter       int                  `json:"quarter"`
	News          string               `json:"news,omitempty"`
	Opportunities []CompanyOpportunity `json:"opportunities,omitempty"`
	Degraded      bool                 `json:"degraded,omitempty"`
	Reason        string               `json:"reason,omitempty"`
}

// Enricher accepts fire-and-forget enrichment jobs after each resolution.
type Enricher interface {
	Enqueue(gameID string, quarter int, prev, next econ.State)
}

// QuarterEndInfo is handed to post-resolution hooks.
type QuarterEndInfo struct {
	GameID     string
	Quarter    int
	ResolvedAt time.Time
	Previous   econ.State
	State      econ.State
}

// QuarterEndHook is a post-resolution callback, dispatched off the actor.
type QuarterEndHook func(QuarterEndInfo)

// Snapshot is a read-only view of a session for API responses.
type Snapshot struct {
	ID                string           `json:"id"`
	Status            Status           `json:"status"`
	Mode              PolicyMode       `json:"mode"`
	Quarter           int              `json:"quarter"`
	State             econ.State       `json:"state"`
	Participants      []Participant    `json:"participants"`
	PendingSubmitters []string         `json:"pendingSubmitters"`
	DeadlineMs        int64            `json:"deadlineMs,omitempty"`
	News              []EnrichmentData `json:"news,omitempty"`
	HistoryLen        int              `json:"historyLen"`
}

// Session owns one game: its state machine, action queue, model instance
// and event stream. All mutations funnel through a single actor goroutine,
// so concurrent submissions from different clients apply one at a time in
// arrival order.
type Session struct {
	ID  string
	cfg Config

	mu      sync.RWMutex
	status  Status
	quarter int
	corrupt bool
	model   econ.Model
	state   econ.State
	history []econ.State
	pending *actionQueue

	participants map[string]Participant
	partOrder    []string
	gmID         string

	news         map[int]EnrichmentData
	lastEnriched int

	quarterDeadline time.Time
	lastActivity    time.Time
	serverSeq       uint64
	closed          bool
	stopOnce        sync.Once

	commands chan command
	done     chan struct{}

	broadcast func(gameID string, data []byte)
	enrich    Enricher
	archive   archive.Service

	quarterEndHooks []QuarterEndHook
}

type cmdKind int

const (
	cmdJoin cmdKind = iota
	cmdStart
	cmdSubmit
	cmdEnrich
	cmdClose
)

type command struct {
	kind cmdKind

	participant Participant
	model       econ.Model
	submitterID string
	actionKind  econ.Kind
	payload     json.RawMessage
	urgent      bool
	enrichment  EnrichmentData

	reply chan cmdReply
}

type cmdReply struct {
	ack   Ack
	state econ.State
	err   error
}

const tickInterval = 500 * time.Millisecond

// New creates a session in Lobby and starts its actor goroutine. The
// broadcast callback must be non-blocking; arch may be nil.
func New(id string, cfg Config, broadcast func(gameID string, data []byte), enrich Enricher, arch archive.Service) *Session {
	s := &Session{
		ID:           id,
		cfg:          cfg.withDefaults(),
		status:       StatusLobby,
		pending:      newActionQueue(),
		participants: make(map[string]Participant),
		news:         make(map[int]EnrichmentData),
		lastActivity: time.Now(),
		commands:     make(chan command, 256),
		done:         make(chan struct{}),
		broadcast:    broadcast,
		enrich:       enrich,
		archive:      arch,
	}
	go s.run()
	log.Printf("[Session %s] Created (mode=%s, deadline=%s, maxQuarters=%d)",
		id, s.cfg.Mode, s.cfg.QuarterDeadline, s.cfg.MaxQuarters)
	return s
}

// run is the actor loop. The ticker drives the barrier deadline; command
// handling and resolution are synchronous within the loop, so StatusResolving
// is never observable mid-write by another command.
func (s *Session) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-s.commands:
			reply := s.handleCommand(cmd)
			if cmd.reply != nil {
				cmd.reply <- reply
			}
		case <-ticker.C:
			s.tick()
		case <-s.done:
			log.Printf("[Session %s] Actor stopped", s.ID)
			return
		}
	}
}

func (s *Session) handleCommand(cmd command) cmdReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed && cmd.kind != cmdClose {
		return cmdReply{err: ErrClosed}
	}
	s.lastActivity = time.Now()

	switch cmd.kind {
	case cmdJoin:
		return cmdReply{err: s.handleJoin(cmd.participant)}
	case cmdStart:
		state, err := s.handleStart(cmd.model)
		return cmdReply{state: state, err: err}
	case cmdSubmit:
		ack, err := s.handleSubmit(cmd.submitterID, cmd.actionKind, cmd.payload, cmd.urgent)
		return cmdReply{ack: ack, err: err}
	case cmdEnrich:
		s.handleEnrichment(cmd.enrichment)
		return cmdReply{}
	case cmdClose:
		s.stopLocked()
		return cmdReply{}
	default:
		return cmdReply{err: fmt.Errorf("unknown command kind %d", cmd.kind)}
	}
}

func (s *Session) submitCommand(cmd command) cmdReply {
	cmd.reply = make(chan cmdReply, 1)

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return cmdReply{err: ErrClosed}
	}

	select {
	case s.commands <- cmd:
	case <-s.done:
		return cmdReply{err: ErrClosed}
	}
	select {
	case reply := <-cmd.reply:
		return reply
	case <-s.done:
		return cmdReply{err: ErrClosed}
	}
}

// Join registers a participant while the session is in Lobby. Rejoining
// with the same id and role is a no-op.
func (s *Session) Join(p Participant) error {
	return s.submitCommand(command{kind: cmdJoin, participant: p}).err
}

// Start transitions Lobby -> InProgress and binds the model instance. This
// is the only point where a session acquires its model.
func (s *Session) Start(model econ.Model) (econ.State, error) {
	reply := s.submitCommand(command{kind: cmdStart, model: model})
	return reply.state, reply.err
}

// Submit records one action for the current quarter. urgent is only legal
// for GM actions and forces immediate resolution with whatever has arrived.
func (s *Session) Submit(submitterID string, kind econ.Kind, payload json.RawMessage, urgent bool) (Ack, error) {
	reply := s.submitCommand(command{
		kind:        cmdSubmit,
		submitterID: submitterID,
		actionKind:  kind,
		payload:     payload,
		urgent:      urgent,
	})
	return reply.ack, reply.err
}

// ApplyEnrichment attaches generated narrative to a resolved quarter. Safe
// to call from any goroutine; results for already superseded quarters are
// discarded inside the actor.
func (s *Session) ApplyEnrichment(e EnrichmentData) {
	_ = s.submitCommand(command{kind: cmdEnrich, enrichment: e})
}

// Close shuts down the session actor.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	s.closed = true
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// IdleFor reports whether the session has seen no commands for ttl.
// Completed sessions count as idle immediately.
func (s *Session) IdleFor(ttl time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.status == StatusCompleted {
		return true
	}
	return time.Since(s.lastActivity) >= ttl
}

// AddQuarterEndHook registers a post-resolution callback.
func (s *Session) AddQuarterEndHook(hook QuarterEndHook) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	s.quarterEndHooks = append(s.quarterEndHooks, hook)
	s.mu.Unlock()
}

// Snapshot returns a consistent read-only view.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		ID:                s.ID,
		Status:            s.status,
		Mode:              s.cfg.Mode,
		Quarter:           s.quarter,
		State:             s.state.Clone(),
		PendingSubmitters: s.pending.Submitters(),
		HistoryLen:        len(s.history),
	}
	for _, id := range s.partOrder {
		snap.Participants = append(snap.Participants, s.participants[id])
	}
	if !s.quarterDeadline.IsZero() {
		snap.DeadlineMs = s.quarterDeadline.UnixMilli()
	}
	if len(s.news) > 0 {
		quarters := make([]int, 0, len(s.news))
		for q := range s.news {
			quarters = append(quarters, q)
		}
		sort.Ints(quarters)
		for _, q := range quarters {
			snap.News = append(snap.News, s.news[q])
		}
	}
	return snap
}

// --- actor handlers (s.mu held) ---

func (s *Session) handleJoin(p Participant) error {
	if s.status != StatusLobby {
		return &InvalidStateError{Op: "join", Status: s.status}
	}
	if p.ID == "" {
		return fmt.Errorf("participant id is required")
	}
	if p.Role != RolePlayer && p.Role != RoleGM {
		return fmt.Errorf("invalid role %q", p.Role)
	}
	if existing, ok := s.participants[p.ID]; ok {
		if existing.Role != p.Role {
			return fmt.Errorf("participant %q already joined as %s", p.ID, existing.Role)
		}
		return nil
	}
	if p.Role == RoleGM {
		if s.gmID != "" {
			return ErrGMAssigned
		}
		s.gmID = p.ID
	}
	s.participants[p.ID] = p
	s.partOrder = append(s.partOrder, p.ID)
	log.Printf("[Session %s] Participant %s joined as %s", s.ID, p.ID, p.Role)
	return nil
}

func (s *Session) handleStart(model econ.Model) (econ.State, error) {
	if s.status != StatusLobby {
		return econ.State{}, &InvalidStateError{Op: "start", Status: s.status}
	}
	if model == nil {
		return econ.State{}, fmt.Errorf("model is required")
	}

	s.model = model
	s.state = model.Initial()
	s.quarter = s.state.Quarter
	s.status = StatusInProgress
	s.resetQuarterDeadlineLocked(time.Now())

	log.Printf("[Session %s] Started at quarter %d with %d participants",
		s.ID, s.quarter, len(s.participants))

	s.emitLocked(&Envelope{
		Type: EventGameStarted,
		GameStarted: &GameStartedEvent{
			State:        s.state.Clone(),
			Participants: s.participantListLocked(),
		},
	})
	return s.state.Clone(), nil
}

func (s *Session) handleSubmit(submitterID string, kind econ.Kind, payload json.RawMessage, urgent bool) (Ack, error) {
	if s.corrupt {
		return Ack{}, ErrCorrupt
	}

	// Resolution runs synchronously inside the actor, so a submission can
	// never observe StatusResolving: a shock racing a resolution waits in
	// the command queue and lands in the next quarter's pending set.
	if s.status != StatusInProgress {
		return Ack{}, &InvalidStateError{Op: "submit", Status: s.status}
	}

	p, ok := s.participants[submitterID]
	if !ok {
		return Ack{}, fmt.Errorf("%w: %s", ErrNoParticipant, submitterID)
	}
	switch kind {
	case econ.KindGM:
		if p.Role != RoleGM {
			return Ack{}, fmt.Errorf("%w: %s is not the gm", ErrUnauthorized, submitterID)
		}
	case econ.KindPlayer:
		if p.Role != RolePlayer {
			return Ack{}, fmt.Errorf("%w: %s is not a player", ErrUnauthorized, submitterID)
		}
	default:
		return Ack{}, fmt.Errorf("invalid action kind %q", kind)
	}
	if urgent && kind != econ.KindGM {
		return Ack{}, fmt.Errorf("%w: only the gm may force resolution", ErrUnauthorized)
	}

	s.pending.Upsert(econ.Action{
		SubmitterID: submitterID,
		Kind:        kind,
		Payload:     payload,
		ReceivedAt:  time.Now(),
	})

	s.emitLocked(&Envelope{
		Type: EventActionReceived,
		ActionReceived: &ActionReceivedEvent{
			SubmitterID:    submitterID,
			Kind:           kind,
			SubmitterCount: s.pending.Len(),
		},
	})

	ack := Ack{Quarter: s.quarter, SubmitterCount: s.pending.Len()}
	if s.shouldResolveLocked(urgent) {
		if err := s.resolveQuarterLocked("submit"); err != nil {
			return ack, err
		}
		ack.Resolved = true
	}
	return ack, nil
}

// shouldResolveLocked evaluates the resolution policy after a submission.
func (s *Session) shouldResolveLocked(urgent bool) bool {
	if urgent {
		return true
	}
	if s.cfg.Mode == PolicyImmediate {
		return true
	}
	// Barrier: every registered player must have an entry. The GM is
	// eligible but never required. With no players registered only the
	// deadline or an urgent shock resolves the quarter.
	players := 0
	for _, id := range s.partOrder {
		if s.participants[id].Role != RolePlayer {
			continue
		}
		players++
		if !s.pending.Has(id) {
			return false
		}
	}
	return players > 0
}

func (s *Session) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.corrupt || s.status != StatusInProgress {
		return
	}
	if s.quarterDeadline.IsZero() || time.Now().Before(s.quarterDeadline) {
		return
	}
	log.Printf("[Session %s] Quarter %d deadline elapsed with %d submissions",
		s.ID, s.quarter, s.pending.Len())
	if err := s.resolveQuarterLocked("deadline"); err != nil {
		log.Printf("[Session %s] Deadline resolution failed: %v", s.ID, err)
	}
}

func (s *Session) resetQuarterDeadlineLocked(now time.Time) {
	if s.cfg.Mode == PolicyBarrier && s.cfg.QuarterDeadline > 0 {
		s.quarterDeadline = now.Add(s.cfg.QuarterDeadline)
		return
	}
	s.quarterDeadline = time.Time{}
}

// resolveQuarterLocked runs one quarter to completion. Single writer of
// s.state: nothing else in the package assigns it after Start.
func (s *Session) resolveQuarterLocked(trigger string) error {
	s.status = StatusResolving
	resolvedQuarter := s.quarter
	batch := s.pending.Drain()

	var next econ.State
	for {
		n, err := s.model.Resolve(s.state, batch)
		if err == nil {
			next = n
			break
		}
		var rej *econ.RejectedError
		if !errors.As(err, &rej) {
			s.status = StatusInProgress
			return fmt.Errorf("resolve quarter %d: %w", resolvedQuarter, err)
		}

		trimmed := dropSubmitter(batch, rej.SubmitterID)
		if len(trimmed) == len(batch) {
			// Rejection names nobody in the batch; retrying would loop.
			s.status = StatusInProgress
			return fmt.Errorf("resolve quarter %d: unattributable rejection: %w", resolvedQuarter, err)
		}
		log.Printf("[Session %s] Dropping rejected action from %s: %s",
			s.ID, rej.SubmitterID, rej.Reason)
		s.emitLocked(&Envelope{
			Type: EventActionRejected,
			ActionRejected: &ActionRejectedEvent{
				SubmitterID: rej.SubmitterID,
				Reason:      rej.Reason,
				Quarter:     resolvedQuarter,
			},
		})
		batch = trimmed
	}

	if next.Quarter != resolvedQuarter+1 {
		// Never let the counter skip or repeat; a broken model must not
		// produce an inconsistent history.
		s.corrupt = true
		s.status = StatusInProgress
		log.Printf("[Session %s] Quarter counter violation: model produced %d after %d",
			s.ID, next.Quarter, resolvedQuarter)
		return ErrCorrupt
	}

	now := time.Now()
	prev := s.state
	s.history = append(s.history, prev)
	s.state = next
	s.quarter = next.Quarter

	completed := s.cfg.MaxQuarters > 0 && resolvedQuarter >= s.cfg.MaxQuarters
	if completed {
		s.status = StatusCompleted
		s.quarterDeadline = time.Time{}
	} else {
		s.status = StatusInProgress
		s.resetQuarterDeadlineLocked(now)
	}

	log.Printf("[Session %s] Quarter %d resolved (%s): gdp=%.2f unemployment=%.2f companies=%d",
		s.ID, resolvedQuarter, trigger, next.Economy.GDP, next.Economy.Unemployment, len(next.Companies))

	s.emitLocked(&Envelope{
		Type: EventQuarterResolved,
		QuarterResolved: &QuarterResolvedEvent{
			Quarter: resolvedQuarter,
			State:   next.Clone(),
		},
	})
	if completed {
		log.Printf("[Session %s] Completed after quarter %d", s.ID, resolvedQuarter)
		s.emitLocked(&Envelope{
			Type: EventGameCompleted,
			GameCompleted: &GameCompletedEvent{
				FinalQuarter: resolvedQuarter,
				State:        next.Clone(),
			},
		})
	}

	if s.archive != nil {
		go s.archive.AppendQuarter(s.ID, resolvedQuarter, now.UTC(), next.Clone())
	}
	if s.enrich != nil {
		s.enrich.Enqueue(s.ID, resolvedQuarter, prev.Clone(), next.Clone())
	}
	s.dispatchQuarterEndHooksLocked(QuarterEndInfo{
		GameID:     s.ID,
		Quarter:    resolvedQuarter,
		ResolvedAt: now,
		Previous:   prev.Clone(),
		State:      next.Clone(),
	})
	return nil
}

func (s *Session) handleEnrichment(e EnrichmentData) {
	if s.status == StatusLobby {
		return
	}
	if e.Quarter <= s.lastEnriched {
		// A fresher quarter's enrichment already landed; stale narrative
		// must not overwrite it.
		log.Printf("[Session %s] Discarding stale enrichment for quarter %d (latest %d)",
			s.ID, e.Quarter, s.lastEnriched)
		return
	}
	s.lastEnriched = e.Quarter

	if e.Degraded {
		log.Printf("[Session %s] Enrichment degraded for quarter %d: %s", s.ID, e.Quarter, e.Reason)
		s.emitLocked(&Envelope{
			Type: EventEnrichmentDegraded,
			EnrichmentDegraded: &EnrichmentEvent{
				Quarter: e.Quarter,
				Reason:  e.Reason,
			},
		})
		return
	}

	s.news[e.Quarter] = e
	s.emitLocked(&Envelope{
		Type: EventEnrichmentApplied,
		EnrichmentApplied: &EnrichmentEvent{
			Quarter:       e.Quarter,
			News:          e.News,
			Opportunities: append([]CompanyOpportunity(nil), e.Opportunities...),
		},
	})
	if s.archive != nil {
		go s.archive.SetNarrative(s.ID, e.Quarter, e.News)
	}
}

func (s *Session) participantListLocked() []Participant {
	out := make([]Participant, 0, len(s.partOrder))
	for _, id := range s.partOrder {
		out = append(out, s.participants[id])
	}
	return out
}

func (s *Session) dispatchQuarterEndHooksLocked(info QuarterEndInfo) {
	if len(s.quarterEndHooks) == 0 {
		return
	}
	hooks := append([]QuarterEndHook(nil), s.quarterEndHooks...)
	for _, hook := range hooks {
		go func(cb QuarterEndHook) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[Session %s] quarter end hook panic: %v", s.ID, r)
				}
			}()
			cb(info)
		}(hook)
	}
}

func dropSubmitter(batch []econ.Action, submitterID string) []econ.Action {
	out := batch[:0:0]
	for _, a := range batch {
		if a.SubmitterID != submitterID {
			out = append(out, a)
		}
	}
	return out
}

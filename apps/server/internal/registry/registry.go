package registry

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"ecosim/apps/server/internal/archive"
	"ecosim/apps/server/internal/session"
	"ecosim/econ"
)

var ErrNotFound = errors.New("game not found")

// ModelFactory builds a fresh model instance for one game. Invoked at
// start, not at creation, so a game created in the lobby carries no model
// until it actually begins.
type ModelFactory func() (econ.Model, error)

// Registry manages all game sessions and their lifecycle.
type Registry struct {
	mu    sync.RWMutex
	games map[string]*session.Session

	defaultConfig session.Config
	modelFactory  ModelFactory
	broadcast     func(gameID string, data []byte)
	enrich        session.Enricher
	archive       archive.Service

	reapStop chan struct{}
	reapOnce sync.Once
}

// Options wires the registry's collaborators. Broadcast must be
// non-blocking; Enricher and Archive may be nil.
type Options struct {
	DefaultConfig session.Config
	ModelFactory  ModelFactory
	Broadcast     func(gameID string, data []byte)
	Enricher      session.Enricher
	Archive       archive.Service
}

func New(opts Options) *Registry {
	if opts.ModelFactory == nil {
		opts.ModelFactory = func() (econ.Model, error) { return econ.NewBaseline(), nil }
	}
	return &Registry{
		games:         make(map[string]*session.Session),
		defaultConfig: opts.DefaultConfig,
		modelFactory:  opts.ModelFactory,
		broadcast:     opts.Broadcast,
		enrich:        opts.Enricher,
		archive:       opts.Archive,
		reapStop:      make(chan struct{}),
	}
}

// Create makes a new game in Lobby and returns it.
func (r *Registry) Create(cfg session.Config) *session.Session {
	if cfg.Mode == "" {
		cfg.Mode = r.defaultConfig.Mode
	}
	if cfg.QuarterDeadline == 0 {
		cfg.QuarterDeadline = r.defaultConfig.QuarterDeadline
	}
	if cfg.MaxQuarters == 0 {
		cfg.MaxQuarters = r.defaultConfig.MaxQuarters
	}

	id := uuid.NewString()
	s := session.New(id, cfg, r.broadcast, r.enrich, r.archive)

	r.mu.Lock()
	r.games[id] = s
	count := len(r.games)
	r.mu.Unlock()

	log.Printf("[Registry] Created game %s (%d active)", id, count)
	return s
}

// Get returns a game by id.
func (r *Registry) Get(gameID string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.games[gameID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Start transitions a lobby game into play, building its model instance.
func (r *Registry) Start(gameID string) (econ.State, error) {
	s, err := r.Get(gameID)
	if err != nil {
		return econ.State{}, err
	}
	model, err := r.modelFactory()
	if err != nil {
		return econ.State{}, err
	}
	return s.Start(model)
}

// List returns snapshots of every active game.
func (r *Registry) List() []session.Snapshot {
	r.mu.RLock()
	games := make([]*session.Session, 0, len(r.games))
	for _, s := range r.games {
		games = append(games, s)
	}
	r.mu.RUnlock()

	out := make([]session.Snapshot, 0, len(games))
	for _, s := range games {
		out = append(out, s.Snapshot())
	}
	return out
}

// Remove closes and drops one game.
func (r *Registry) Remove(gameID string) {
	r.mu.Lock()
	s, ok := r.games[gameID]
	if ok {
		delete(r.games, gameID)
	}
	r.mu.Unlock()
	if ok {
		s.Close()
		log.Printf("[Registry] Removed game %s", gameID)
	}
}

// StartReaper launches a loop that closes games idle beyond ttl.
func (r *Registry) StartReaper(interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.reapIdle(ttl)
			case <-r.reapStop:
				return
			}
		}
	}()
}

func (r *Registry) reapIdle(ttl time.Duration) {
	r.mu.RLock()
	var idle []string
	for id, s := range r.games {
		if s.IsClosed() || s.IdleFor(ttl) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		log.Printf("[Registry] Reaping idle game %s", id)
		r.Remove(id)
	}
}

// Close stops the reaper and shuts down every session.
func (r *Registry) Close() {
	r.reapOnce.Do(func() { close(r.reapStop) })

	r.mu.Lock()
	games := make([]*session.Session, 0, len(r.games))
	for _, s := range r.games {
		games = append(games, s)
	}
	r.games = make(map[string]*session.Session)
	r.mu.Unlock()

	for _, s := range games {
		s.Close()
	}
}

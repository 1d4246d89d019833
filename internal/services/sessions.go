package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/ris-dicom-qr/internal/engine"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
)

// session holds the engines for one archive. Query results and the retrieve
// queue live as long as the session.
type session struct {
	pacs     models.PACSConfig
	query    *engine.QueryEngine
	retrieve *engine.RetrieveEngine
	status   *engine.StatusChannel

	mu        sync.Mutex
	startedBy Actor
	startedAt time.Time
}

func (s *session) markStarted(actor Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedBy = actor
	s.startedAt = time.Now()
}

func (s *session) started() (Actor, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedBy, s.startedAt
}

// sameRemote reports whether the session still dials the archive described
// by cfg.
func (s *session) sameRemote(cfg models.PACSConfig) bool {
	return s.pacs.Remote() == cfg.Remote()
}

// sessionRegistry manages one session per PACS configuration.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
	build    func(models.PACSConfig) (*session, error)
}

func newSessionRegistry(build func(models.PACSConfig) (*session, error)) *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[uuid.UUID]*session),
		build:    build,
	}
}

// get returns the session for cfg, creating it on first use. A session whose
// archive address changed is replaced unless it is retrieving; its queued
// targets and query results are dropped with a warning.
func (r *sessionRegistry) get(cfg models.PACSConfig) (*session, error) {
	r.mu.RLock()
	s, exists := r.sessions[cfg.ID]
	r.mu.RUnlock()

	if exists && (s.sameRemote(cfg) || s.retrieve.Running()) {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	old, exists := r.sessions[cfg.ID]
	if exists && (old.sameRemote(cfg) || old.retrieve.Running()) {
		return old, nil
	}

	s, err := r.build(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", cfg.Name, err)
	}
	if exists {
		log.Warn().
			Str("pacs", cfg.Name).
			Str("old_remote", old.pacs.Remote().String()).
			Str("new_remote", cfg.Remote().String()).
			Int("discarded_targets", old.retrieve.Queue().Len()).
			Int("discarded_studies", len(old.query.Studies())).
			Msg("Archive address changed, session replaced")
	}
	r.sessions[cfg.ID] = s
	return s, nil
}

// lookup returns an existing session without creating one.
func (r *sessionRegistry) lookup(id uuid.UUID) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// remove stops and forgets the session for id.
func (r *sessionRegistry) remove(id uuid.UUID) {
	r.mu.Lock()
	s, exists := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if exists {
		s.query.Cancel()
		s.retrieve.CancelAll()
	}
}

// all returns every session.
func (r *sessionRegistry) all() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// closeAll cancels every running operation and empties the registry.
func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[uuid.UUID]*session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.query.Cancel()
		s.retrieve.CancelAll()
	}
}

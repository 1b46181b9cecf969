package game

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry indexes live sessions by id and by participant. Entries are only added and
// removed by the sessions themselves.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[uuid.UUID]*Session
	participants map[string]*Session

	logger *zap.Logger
}

// NewRegistry creates an empty session registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		sessions:     make(map[uuid.UUID]*Session),
		participants: make(map[string]*Session),
		logger:       logger,
	}
}

// BySession returns the live session with the given id
func (r *Registry) BySession(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ByParticipant returns the live session the participant is playing in
func (r *Registry) ByParticipant(participantID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.participants[participantID]
	return s, ok
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns every live session
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) onCreate(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range []string{s.white, s.black} {
		if _, busy := r.participants[id]; busy {
			return ErrAlreadyInSession
		}
	}

	r.sessions[s.ID] = s
	r.participants[s.white] = s
	r.participants[s.black] = s
	return nil
}

func (r *Registry) onTerminate(s *Session) {
	r.mu.Lock()

	if r.sessions[s.ID] != s {
		r.mu.Unlock()
		r.logger.DPanic("Terminating unregistered session", zap.String("session_id", s.ID.String()))
		return
	}

	delete(r.sessions, s.ID)
	for _, id := range []string{s.white, s.black} {
		if r.participants[id] == s {
			delete(r.participants, id)
		}
	}
	r.mu.Unlock()
}

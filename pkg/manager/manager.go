// Package manager is the entry point for creating sessions and routing moves to them
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tecu23/duel-server/pkg/clock"
	"github.com/tecu23/duel-server/pkg/events"
	"github.com/tecu23/duel-server/pkg/game"
	"github.com/tecu23/duel-server/pkg/group"
	"github.com/tecu23/duel-server/pkg/repository"
	"github.com/tecu23/duel-server/pkg/rules"
)

// ErrSessionNotFound is returned when no live session matches
var ErrSessionNotFound = errors.New("session not found")

// ErrUnknownPreset is returned for a time control preset that does not exist
var ErrUnknownPreset = errors.New("unknown time control preset")

// ErrShuttingDown is returned by CreateSession once Shutdown started
var ErrShuttingDown = errors.New("manager is shutting down")

const saveTimeout = 5 * time.Second

// CreateParams describe a pairing requested by matchmaking. TimeControl wins over
// Preset; without either the default time control applies unless Untimed is set.
type CreateParams struct {
	First       string
	Second      string
	TimeControl *clock.TimeControl
	Preset      string
	Untimed     bool
	StartFEN    string
}

// Manager owns the session registry and is the only place sessions are created
type Manager struct {
	registry  *game.Registry
	groups    *group.Registry
	oracle    rules.Oracle
	publisher *events.Publisher
	store     repository.ConclusionStore

	clock     clockwork.Clock
	sides     game.SideAssigner
	defaultTC clock.TimeControl
	presets   map[string]clock.TimeControl
	creation  *keyLock
	logger    *zap.Logger

	// lifecycle is held shared by every creation and exclusively by Shutdown, so no
	// session can register after Shutdown collected the live ones
	lifecycle sync.RWMutex
	closing   bool
}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the clock handed to sessions
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithSideAssigner replaces random side assignment
func WithSideAssigner(s game.SideAssigner) Option {
	return func(m *Manager) { m.sides = s }
}

// WithStore sets where conclusions are handed off to
func WithStore(s repository.ConclusionStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithDefaultTimeControl sets the time control used when a request names none
func WithDefaultTimeControl(tc clock.TimeControl) Option {
	return func(m *Manager) { m.defaultTC = tc }
}

// WithPresets sets the named time controls requests may refer to
func WithPresets(presets map[string]clock.TimeControl) Option {
	return func(m *Manager) { m.presets = presets }
}

// NewManager creates a manager and subscribes it to session events
func NewManager(
	registry *game.Registry,
	groups *group.Registry,
	oracle rules.Oracle,
	publisher *events.Publisher,
	logger *zap.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		registry:  registry,
		groups:    groups,
		oracle:    oracle,
		publisher: publisher,
		clock:     clockwork.NewRealClock(),
		sides:     game.RandomSides,
		defaultTC: clock.Uniform(5*time.Minute, 3*time.Second),
		presets:   map[string]clock.TimeControl{},
		creation:  newKeyLock(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.setupEventHandlers()

	return m
}

// setupEventHandlers sets up event handlers for the manager
func (m *Manager) setupEventHandlers() {
	// Hand every conclusion to the store exactly once
	m.publisher.Subscribe(events.EventSessionEnded, func(event events.Event) {
		conclusion, ok := event.Payload.(game.Conclusion)
		if !ok {
			m.logger.Error("Invalid session ended payload", zap.String("session_id", event.SessionID))
			return
		}
		m.persist(conclusion)
	})

	// A dropped connection does not end the session; the clock keeps running
	m.publisher.Subscribe(events.EventConnectionClosed, func(event events.Event) {
		participantID, _ := event.Payload.(string)
		if participantID == "" {
			return
		}
		if s, ok := m.registry.ByParticipant(participantID); ok {
			m.logger.Debug("Participant disconnected during session",
				zap.String("participant_id", participantID),
				zap.String("session_id", s.ID.String()),
			)
		}
	})
}

func (m *Manager) persist(c game.Conclusion) {
	if m.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if err := m.store.Save(ctx, c); err != nil {
		m.logger.Error("Failed to hand off conclusion",
			zap.String("session_id", c.SessionID.String()),
			zap.Error(err),
		)
		return
	}
	m.logger.Debug("Conclusion handed off", zap.String("session_id", c.SessionID.String()))
}

// CreateSession pairs two participants. The busy check and the registration run under a
// lock held for both participants, so concurrent requests naming the same participant
// cannot both succeed.
func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (*game.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()
	if m.closing {
		return nil, ErrShuttingDown
	}

	tc, err := m.resolveTimeControl(p)
	if err != nil {
		return nil, err
	}

	unlock := m.creation.Lock(p.First, p.Second)
	defer unlock()

	for _, id := range []string{p.First, p.Second} {
		if s, busy := m.registry.ByParticipant(id); busy {
			m.logger.Debug("Participant already in a session",
				zap.String("participant_id", id),
				zap.String("session_id", s.ID.String()),
			)
			return nil, fmt.Errorf("%s: %w", id, game.ErrAlreadyInSession)
		}
	}

	session, err := game.NewSession(game.Params{
		First:       p.First,
		Second:      p.Second,
		TimeControl: tc,
		StartFEN:    p.StartFEN,
	}, game.Deps{
		Registry:  m.registry,
		Groups:    m.groups,
		Oracle:    m.oracle,
		Publisher: m.publisher,
		Clock:     m.clock,
		Sides:     m.sides,
		Logger:    m.logger,
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Created new session", zap.String("session_id", session.ID.String()))
	return session, nil
}

func (m *Manager) resolveTimeControl(p CreateParams) (*clock.TimeControl, error) {
	switch {
	case p.Untimed:
		return nil, nil
	case p.TimeControl != nil:
		tc := *p.TimeControl
		return &tc, nil
	case p.Preset != "":
		tc, ok := m.presets[p.Preset]
		if !ok {
			return nil, fmt.Errorf("%q: %w", p.Preset, ErrUnknownPreset)
		}
		return &tc, nil
	default:
		tc := m.defaultTC
		return &tc, nil
	}
}

// SubmitMove routes a move to a session. An empty sessionID means the participant's
// current session.
func (m *Manager) SubmitMove(participantID string, sessionID uuid.UUID, move string) (*game.Session, game.MoveResult, error) {
	session, ok := m.lookup(participantID, sessionID)
	if !ok {
		return nil, game.MoveResult{}, ErrSessionNotFound
	}

	result, err := session.Move(participantID, move)
	return session, result, err
}

func (m *Manager) lookup(participantID string, sessionID uuid.UUID) (*game.Session, bool) {
	if sessionID == uuid.Nil {
		return m.registry.ByParticipant(participantID)
	}
	return m.registry.BySession(sessionID)
}

// GetSession returns a live session by ID
func (m *Manager) GetSession(id uuid.UUID) (*game.Session, bool) {
	return m.registry.BySession(id)
}

// SessionFor returns the live session of a participant
func (m *Manager) SessionFor(participantID string) (*game.Session, bool) {
	return m.registry.ByParticipant(participantID)
}

// ActiveSessions returns the number of live sessions
func (m *Manager) ActiveSessions() int {
	return m.registry.Len()
}

// Shutdown refuses new sessions, aborts every live one and waits until their
// conclusions were handed off or ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lifecycle.Lock()
	m.closing = true
	live := m.registry.Sessions()
	m.lifecycle.Unlock()

	for _, s := range live {
		if _, err := s.Abort(game.ReasonAborted); err != nil && !errors.Is(err, game.ErrSessionOver) {
			m.logger.Error("Failed to abort session", zap.String("session_id", s.ID.String()), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		m.publisher.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions concluded")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

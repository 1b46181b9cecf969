package game

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tecu23/duel-server/internal/color"
	"github.com/tecu23/duel-server/pkg/clock"
	"github.com/tecu23/duel-server/pkg/events"
	"github.com/tecu23/duel-server/pkg/group"
	"github.com/tecu23/duel-server/pkg/messages"
	"github.com/tecu23/duel-server/pkg/rules"
)

// Session is one live match. All state is guarded by mu; the clock's expiry callback
// takes the same lock, so a move and a timeout can never both end the session.
type Session struct {
	ID    uuid.UUID
	white string
	black string

	deps   Deps
	logger *zap.Logger

	mu         sync.Mutex
	status     Status
	position   rules.Position
	clock      *clock.Clock
	group      *group.Group
	seq        int
	startedAt  time.Time
	conclusion *Conclusion
}

// MoveResult describes an accepted move
type MoveResult struct {
	Move       string
	Color      color.Color
	Position   rules.Position
	Remaining  clock.Times
	Conclusion *Conclusion // set when the move ended the session
}

// NewSession creates, registers and starts a session. The caller must serialize creation
// per participant; the registry still refuses a participant that is already playing.
func NewSession(p Params, d Deps) (*Session, error) {
	d = d.withDefaults()

	if p.First == "" || p.Second == "" || p.First == p.Second {
		return nil, ErrInvalidParticipants
	}
	if p.TimeControl != nil {
		if err := p.TimeControl.Validate(); err != nil {
			return nil, err
		}
	}

	position, err := d.Oracle.Initial(p.StartFEN)
	if err != nil {
		return nil, err
	}

	white, black := d.Sides(p.First, p.Second)
	s := &Session{
		ID:       uuid.New(),
		white:    white,
		black:    black,
		deps:     d,
		status:   StatusCreated,
		position: position,
	}
	s.logger = d.Logger.With(zap.String("session_id", s.ID.String()))

	if p.TimeControl != nil {
		s.clock = clock.New(*p.TimeControl, s.handleExpiry,
			clock.WithClock(d.Clock),
			clock.WithActive(position.Turn),
		)
	}

	// Held through startup so an immediate expiry waits for the session to be active.
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := d.Registry.onCreate(s); err != nil {
		return nil, err
	}

	s.group = d.Groups.JoinParticipant(group.CategorySession.Name(s.ID.String()), group.Config{}, white, black)

	s.status = StatusActive
	s.startedAt = d.Clock.Now()

	if s.clock != nil {
		if err := s.clock.Start(); err != nil {
			s.concludeLocked(ReasonInternalError, "")
			return nil, err
		}
	}

	s.logger.Info("Session started",
		zap.String("white", white),
		zap.String("black", black),
		zap.Bool("timed", s.clock != nil),
	)

	s.publish(events.EventSessionStarted, func(seq int) interface{} {
		snap := s.snapshotLocked()
		snap.Seq = seq
		return snap.Payload()
	}, nil)

	// A custom start position can already be decided
	if verdict := d.Oracle.IsGameOver(s.position); verdict.Over {
		s.concludeLocked(verdict.Reason, verdict.Winner)
	}

	return s, nil
}

// Move applies move for participantID. Rejections are returned as errors that satisfy
// IsRejection and leave the session untouched.
func (s *Session) Move(participantID, move string) (MoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		s.logger.Warn("Move on a session that is not active",
			zap.String("participant_id", participantID),
			zap.String("status", string(s.status)),
		)
		return MoveResult{}, ErrSessionOver
	}

	side, ok := s.sideOf(participantID)
	if !ok {
		return MoveResult{}, ErrNotParticipant
	}
	if side != s.position.Turn {
		s.logger.Debug("Move rejected, not on turn", zap.String("participant_id", participantID))
		return MoveResult{}, ErrNotYourTurn
	}

	next, err := s.deps.Oracle.ApplyMove(s.position, move)
	if err != nil {
		s.logger.Debug("Move rejected by oracle", zap.String("move", move), zap.Error(err))
		return MoveResult{}, &MoveError{Move: move, Err: err}
	}

	if s.clock != nil {
		if err := s.clock.Switch(); err != nil {
			if errors.Is(err, clock.ErrExpired) {
				c := s.concludeLocked(ReasonTimeout, side.Opp())
				return MoveResult{Conclusion: c}, ErrTimeExpired
			}
			s.logger.DPanic("Clock switch failed", zap.Error(err))
			c := s.concludeLocked(ReasonInternalError, "")
			return MoveResult{Conclusion: c}, err
		}
	}

	s.position = next
	result := MoveResult{
		Move:      move,
		Color:     side,
		Position:  next.Clone(),
		Remaining: s.remainingLocked(),
	}

	s.logger.Debug("Move applied",
		zap.String("move", move),
		zap.Int("ply", next.Ply()),
		zap.String("turn", string(next.Turn)),
	)

	s.publish(events.EventMoveApplied, func(seq int) interface{} {
		running, _ := s.runningLocked()
		return messages.MoveAppliedPayload{
			SessionID: s.ID.String(),
			Seq:       seq,
			Move:      move,
			Ply:       next.Ply(),
			Color:     side,
			FEN:       next.FEN,
			Turn:      next.Turn,
			Captured:  next.Captured,
			Advantage: next.Captured.Advantage(),
			Clock:     clockPayload(s.clock != nil, result.Remaining, running),
		}
	}, nil)

	if verdict := s.deps.Oracle.IsGameOver(next); verdict.Over {
		result.Conclusion = s.concludeLocked(verdict.Reason, verdict.Winner)
	}

	return result, nil
}

// LegalMoves lists the legal moves of the side to move, optionally only those from one square
func (s *Session) LegalMoves(from string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return nil, ErrSessionOver
	}
	return s.deps.Oracle.LegalMoves(s.position, from)
}

// AdjustClock overrides the remaining time of one side
func (s *Session) AdjustClock(side color.Color, remaining time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return ErrSessionOver
	}
	if s.clock == nil {
		return ErrUntimed
	}

	if err := s.clock.Adjust(side, remaining); err != nil {
		return err
	}
	s.logger.Info("Clock adjusted",
		zap.String("color", string(side)),
		zap.String("remaining", clock.FormatClockTime(remaining.Milliseconds())),
	)
	return nil
}

// Abort ends a live session without a winner
func (s *Session) Abort(reason rules.Reason) (*Conclusion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusTerminal {
		return nil, ErrSessionOver
	}
	return s.concludeLocked(reason, ""), nil
}

// Snapshot returns the current state. After the session ended it returns the frozen
// final position together with the conclusion.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Conclusion returns how the session ended, once it has
func (s *Session) Conclusion() (*Conclusion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conclusion == nil {
		return nil, false
	}
	c := *s.conclusion
	return &c, true
}

// Status returns the lifecycle state
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Participants returns the participant ids playing White and Black
func (s *Session) Participants() (white, black string) {
	return s.white, s.black
}

// SideOf returns the side played by participantID
func (s *Session) SideOf(participantID string) (color.Color, bool) {
	return s.sideOf(participantID)
}

func (s *Session) sideOf(participantID string) (color.Color, bool) {
	switch participantID {
	case s.white:
		return color.White, true
	case s.black:
		return color.Black, true
	default:
		return "", false
	}
}

// handleExpiry is the clock's expiry callback
func (s *Session) handleExpiry(side color.Color) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return
	}

	s.logger.Info("Flag fell", zap.String("color", string(side)))
	s.concludeLocked(ReasonTimeout, side.Opp())
}

// concludeLocked is the only transition to terminal
func (s *Session) concludeLocked(reason rules.Reason, winner color.Color) *Conclusion {
	if s.status == StatusTerminal {
		s.logger.DPanic("Session concluded twice",
			zap.String("reason", string(reason)),
			zap.String("previous_reason", string(s.conclusion.Reason)),
		)
		return s.conclusion
	}

	var remaining, used clock.Times
	if s.clock != nil {
		s.clock.Stop()
		remaining = s.clock.Times()
		used = clock.Times{
			White: s.clock.Elapsed(color.White),
			Black: s.clock.Elapsed(color.Black),
		}
	}

	s.conclusion = &Conclusion{
		SessionID: s.ID,
		White:     s.white,
		Black:     s.black,
		Reason:    reason,
		Winner:    winner,
		Position:  s.position.Clone(),
		Timed:     s.clock != nil,
		Remaining: remaining,
		Used:      used,
		StartedAt: s.startedAt,
		EndedAt:   s.deps.Clock.Now(),
	}
	s.status = StatusTerminal

	s.logger.Info("Session ended",
		zap.String("reason", string(reason)),
		zap.String("result", s.conclusion.Result()),
		zap.Int("ply", s.position.Ply()),
	)

	c := *s.conclusion
	s.publish(events.EventSessionEnded, func(seq int) interface{} {
		return messages.SessionEndedPayload{
			SessionID:  s.ID.String(),
			Seq:        seq,
			Conclusion: c.Payload(),
		}
	}, c)

	s.deps.Registry.onTerminate(s)

	if s.group != nil {
		s.group.Destroy()
	}
	if spectators, ok := s.deps.Groups.Get(group.CategorySpectators.Name(s.ID.String())); ok {
		spectators.Destroy()
	}

	return &c
}

// publish is the single emission point for session events. The wire payload is
// broadcast to the session and spectator groups; detail, when set, replaces it on
// the in-process publisher.
func (s *Session) publish(t events.EventType, build func(seq int) interface{}, detail interface{}) {
	s.seq++
	payload := build(s.seq)
	msg := messages.OutboundMessage{Event: string(t), Payload: payload}

	if s.group != nil {
		if _, err := s.group.Broadcast(msg); err != nil {
			s.logger.Error("Broadcast to session group failed", zap.Error(err))
		}
	}
	if _, err := s.deps.Groups.Broadcast(group.CategorySpectators.Name(s.ID.String()), msg); err != nil {
		s.logger.Error("Broadcast to spectators failed", zap.Error(err))
	}

	if s.deps.Publisher != nil {
		if detail == nil {
			detail = payload
		}
		s.deps.Publisher.Publish(events.Event{
			Type:      t,
			SessionID: s.ID.String(),
			Seq:       s.seq,
			Payload:   detail,
		})
	}
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID: s.ID,
		Seq:       s.seq,
		Status:    s.status,
		White:     s.white,
		Black:     s.black,
		Position:  s.position.Clone(),
		Timed:     s.clock != nil,
	}

	if s.conclusion != nil {
		c := *s.conclusion
		snap.Conclusion = &c
		snap.Position = c.Position.Clone()
		snap.Remaining = c.Remaining
		return snap
	}

	snap.Remaining = s.remainingLocked()
	snap.Running, _ = s.runningLocked()
	return snap
}

func (s *Session) remainingLocked() clock.Times {
	if s.clock == nil {
		return clock.Times{}
	}
	return s.clock.Times()
}

func (s *Session) runningLocked() (color.Color, bool) {
	if s.clock == nil {
		return "", false
	}
	return s.clock.Running()
}

package game

import (
	"errors"
	"fmt"

	"github.com/tecu23/duel-server/pkg/rules"
)

// Rejections are ordinary results of caller input. They are returned, never retried.
var (
	ErrAlreadyInSession = errors.New("participant already in a session")
	ErrNotYourTurn      = errors.New("not your turn")
	ErrIllegalMove      = rules.ErrIllegalMove
	ErrNotParticipant   = errors.New("not a participant of this session")
	ErrTimeExpired      = errors.New("time expired before the move completed")
)

// Hard failures
var (
	ErrSessionOver         = errors.New("session is over")
	ErrUntimed             = errors.New("session has no clock")
	ErrInvalidParticipants = errors.New("a session needs two distinct participants")
)

// MoveError is returned when the oracle rejects a move
type MoveError struct {
	Move string
	Err  error
}

func (e *MoveError) Error() string {
	return fmt.Sprintf("move %q: %v", e.Move, e.Err)
}

func (e *MoveError) Unwrap() error {
	return e.Err
}

// IsRejection reports whether err is an expected rejection of caller input
// rather than a fault
func IsRejection(err error) bool {
	return errors.Is(err, ErrNotYourTurn) ||
		errors.Is(err, ErrIllegalMove) ||
		errors.Is(err, ErrAlreadyInSession) ||
		errors.Is(err, ErrNotParticipant) ||
		errors.Is(err, ErrTimeExpired)
}

package server

import (
	"errors"

	"github.com/tecu23/duel-server/pkg/clock"
	"github.com/tecu23/duel-server/pkg/game"
	"github.com/tecu23/duel-server/pkg/manager"
	"github.com/tecu23/duel-server/pkg/rules"
)

// ErrBadRequest marks malformed client input
var ErrBadRequest = errors.New("bad request")

// Error codes sent in ERROR and MOVE_REJECTED payloads
const (
	CodeNotYourTurn      = "not_your_turn"
	CodeIllegalMove      = "illegal_move"
	CodeNotParticipant   = "not_participant"
	CodeTimeExpired      = "time_expired"
	CodeAlreadyInSession = "already_in_session"
	CodeSessionOver      = "session_over"
	CodeSessionNotFound  = "session_not_found"
	CodeBadRequest       = "bad_request"
	CodeRateLimited      = "rate_limited"
	CodeShuttingDown     = "shutting_down"
	CodeInternal         = "internal_error"
)

// ErrorCode maps an error to the code clients see
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, game.ErrNotYourTurn):
		return CodeNotYourTurn
	case errors.Is(err, game.ErrIllegalMove):
		return CodeIllegalMove
	case errors.Is(err, game.ErrNotParticipant):
		return CodeNotParticipant
	case errors.Is(err, game.ErrTimeExpired):
		return CodeTimeExpired
	case errors.Is(err, game.ErrAlreadyInSession):
		return CodeAlreadyInSession
	case errors.Is(err, game.ErrSessionOver):
		return CodeSessionOver
	case errors.Is(err, manager.ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, game.ErrInvalidParticipants),
		errors.Is(err, game.ErrUntimed),
		errors.Is(err, clock.ErrInvalidColor),
		errors.Is(err, rules.ErrInvalidPosition),
		errors.Is(err, manager.ErrUnknownPreset):
		return CodeBadRequest
	case errors.Is(err, manager.ErrShuttingDown):
		return CodeShuttingDown
	default:
		return CodeInternal
	}
}

package game

import (
	"time"

	"github.com/google/uuid"

	"github.com/tecu23/duel-server/internal/color"
	"github.com/tecu23/duel-server/pkg/clock"
	"github.com/tecu23/duel-server/pkg/messages"
	"github.com/tecu23/duel-server/pkg/rules"
)

// Reasons a session can end besides the oracle's
const (
	ReasonTimeout       rules.Reason = "timeout"
	ReasonAborted       rules.Reason = "aborted"
	ReasonInternalError rules.Reason = "internal_error"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusCreated  Status = "created"
	StatusActive   Status = "active"
	StatusTerminal Status = "terminal"
)

// Conclusion is frozen on the transition to terminal and never changes afterwards
type Conclusion struct {
	SessionID uuid.UUID
	White     string
	Black     string
	Reason    rules.Reason
	Winner    color.Color // empty for draws
	Position  rules.Position
	Timed     bool
	Remaining clock.Times
	Used      clock.Times // thinking time spent by each side
	StartedAt time.Time
	EndedAt   time.Time
}

// Result returns the game result in PGN notation
func (c Conclusion) Result() string {
	switch c.Winner {
	case color.White:
		return "1-0"
	case color.Black:
		return "0-1"
	default:
		return "1/2-1/2"
	}
}

// WinnerID returns the participant that won, or "" for a draw
func (c Conclusion) WinnerID() string {
	switch c.Winner {
	case color.White:
		return c.White
	case color.Black:
		return c.Black
	default:
		return ""
	}
}

// Duration is the wall time the session was live
func (c Conclusion) Duration() time.Duration {
	return c.EndedAt.Sub(c.StartedAt)
}

// Payload converts the conclusion to its wire shape
func (c Conclusion) Payload() messages.ConclusionPayload {
	return messages.ConclusionPayload{
		Reason:    string(c.Reason),
		Winner:    c.Winner,
		Result:    c.Result(),
		White:     c.White,
		Black:     c.Black,
		FinalFEN:  c.Position.FEN,
		Moves:     append([]string{}, c.Position.Moves...),
		WhiteTime: c.Remaining.White.Milliseconds(),
		BlackTime: c.Remaining.Black.Milliseconds(),
		WhiteUsed: c.Used.White.Milliseconds(),
		BlackUsed: c.Used.Black.Milliseconds(),
		StartedAt: c.StartedAt,
		EndedAt:   c.EndedAt,
	}
}

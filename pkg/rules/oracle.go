// Package rules defines the rules oracle consumed by sessions and its chess implementation
package rules

import (
	"errors"

	"github.com/tecu23/duel-server/internal/color"
)

// ErrIllegalMove is returned by ApplyMove when the oracle rejects a move
var ErrIllegalMove = errors.New("illegal move")

// ErrInvalidPosition is returned when a starting position cannot be loaded
var ErrInvalidPosition = errors.New("invalid position")

// Reason names why a position is terminal
type Reason string

// Reasons reported by the oracle
const (
	ReasonCheckmate            Reason = "checkmate"
	ReasonStalemate            Reason = "stalemate"
	ReasonInsufficientMaterial Reason = "insufficient_material"
	ReasonThreefoldRepetition  Reason = "threefold_repetition"
	ReasonFivefoldRepetition   Reason = "fivefold_repetition"
	ReasonFiftyMoveRule        Reason = "fifty_move_rule"
	ReasonSeventyFiveMoveRule  Reason = "seventy_five_move_rule"
)

// Position is the authoritative board state of a session. It is a value: ApplyMove
// returns a new Position and never mutates its argument.
type Position struct {
	StartFEN string      `json:"start_fen"`
	FEN      string      `json:"fen"`
	Turn     color.Color `json:"turn"`
	Moves    []string    `json:"moves"`
	Captured Tally       `json:"captured"`
}

// Ply returns the number of half-moves played
func (p Position) Ply() int {
	return len(p.Moves)
}

// Clone returns a deep copy
func (p Position) Clone() Position {
	p.Moves = append([]string(nil), p.Moves...)
	return p
}

// Verdict is the oracle's answer to "is this position over"
type Verdict struct {
	Over   bool
	Reason Reason
	Winner color.Color // empty for draws
}

// Oracle is the single source of truth for legality and termination by rules
type Oracle interface {
	// Initial returns the starting position. An empty FEN means the standard setup.
	Initial(startFEN string) (Position, error)
	// ApplyMove returns the position after move or an error wrapping ErrIllegalMove.
	ApplyMove(pos Position, move string) (Position, error)
	// IsGameOver evaluates a position.
	IsGameOver(pos Position) Verdict
	// LegalMoves lists the moves of the side to move, optionally only those leaving
	// the square from.
	LegalMoves(pos Position, from string) ([]string, error)
}

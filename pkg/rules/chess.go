package rules

import (
	"fmt"
	"strings"

	"github.com/corentings/chess/v2"

	"github.com/tecu23/duel-server/internal/color"
)

// Chess is an Oracle backed by github.com/corentings/chess. Moves are submitted in
// standard algebraic notation ("e4", "Nf3", "O-O") and legal moves are listed in UCI
// notation ("e2e4").
//
// Positions are rebuilt from the start position and the move list on every call so
// that repetition and move-count rules see the whole history.
type Chess struct{}

// NewChessOracle returns the chess rules oracle
func NewChessOracle() *Chess {
	return &Chess{}
}

// Initial implements Oracle
func (o *Chess) Initial(startFEN string) (Position, error) {
	if startFEN == "startpos" {
		startFEN = ""
	}

	g, err := newGame(startFEN)
	if err != nil {
		return Position{}, err
	}

	pos := Position{StartFEN: startFEN, Moves: []string{}}
	o.describe(&pos, g, g)

	return pos, nil
}

// ApplyMove implements Oracle
func (o *Chess) ApplyMove(pos Position, move string) (Position, error) {
	move = strings.TrimSpace(move)
	if move == "" {
		return Position{}, fmt.Errorf("%w: empty move", ErrIllegalMove)
	}

	g, err := o.replay(pos)
	if err != nil {
		return Position{}, err
	}

	if g.Outcome() != chess.NoOutcome {
		return Position{}, fmt.Errorf("%w: game is already over", ErrIllegalMove)
	}

	if err := g.PushMove(move, nil); err != nil {
		return Position{}, fmt.Errorf("%w: %s: %v", ErrIllegalMove, move, err)
	}

	start, err := newGame(pos.StartFEN)
	if err != nil {
		return Position{}, err
	}

	next := pos.Clone()
	next.Moves = append(next.Moves, move)
	o.describe(&next, g, start)

	return next, nil
}

// IsGameOver implements Oracle
func (o *Chess) IsGameOver(pos Position) Verdict {
	g, err := o.replay(pos)
	if err != nil {
		return Verdict{}
	}

	switch g.Outcome() {
	case chess.WhiteWon:
		return Verdict{Over: true, Reason: methodReason(g.Method()), Winner: color.White}
	case chess.BlackWon:
		return Verdict{Over: true, Reason: methodReason(g.Method()), Winner: color.Black}
	case chess.Draw:
		return Verdict{Over: true, Reason: methodReason(g.Method())}
	}

	// A loaded FEN has no outcome until a move is pushed
	if len(g.ValidMoves()) == 0 {
		switch g.Position().Status() {
		case chess.Checkmate:
			winner := color.White
			if g.Position().Turn() == chess.White {
				winner = color.Black
			}
			return Verdict{Over: true, Reason: ReasonCheckmate, Winner: winner}
		case chess.Stalemate:
			return Verdict{Over: true, Reason: ReasonStalemate}
		}
	}

	// Claimable draws end the session as soon as they become available
	for _, method := range g.EligibleDraws() {
		switch method {
		case chess.ThreefoldRepetition, chess.FiftyMoveRule:
			return Verdict{Over: true, Reason: methodReason(method)}
		}
	}

	return Verdict{}
}

// LegalMoves implements Oracle
func (o *Chess) LegalMoves(pos Position, from string) ([]string, error) {
	g, err := o.replay(pos)
	if err != nil {
		return nil, err
	}

	from = strings.ToLower(strings.TrimSpace(from))
	moves := g.ValidMoves()

	legal := make([]string, 0, len(moves))
	for i := range moves {
		uci := moves[i].String()
		if from != "" && !strings.HasPrefix(uci, from) {
			continue
		}
		legal = append(legal, uci)
	}

	return legal, nil
}

func (o *Chess) replay(pos Position) (*chess.Game, error) {
	g, err := newGame(pos.StartFEN)
	if err != nil {
		return nil, err
	}

	for i, move := range pos.Moves {
		if err := g.PushMove(move, nil); err != nil {
			return nil, fmt.Errorf("%w: replaying ply %d (%s): %v", ErrInvalidPosition, i+1, move, err)
		}
	}

	return g, nil
}

// describe fills the derived fields of pos from the live game
func (o *Chess) describe(pos *Position, g, start *chess.Game) {
	pos.FEN = g.FEN()

	pos.Turn = color.White
	if g.Position().Turn() == chess.Black {
		pos.Turn = color.Black
	}

	baseWhite, baseBlack := boardMaterial(start)
	white, black := boardMaterial(g)
	pos.Captured = Tally{
		White: black.missing(baseBlack),
		Black: white.missing(baseWhite),
	}
}

func newGame(fen string) (*chess.Game, error) {
	if fen == "" {
		return chess.NewGame(), nil
	}

	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}

	return chess.NewGame(opt), nil
}

func boardMaterial(g *chess.Game) (white, black Material) {
	for _, piece := range g.Position().Board().SquareMap() {
		m := &white
		if piece.Color() == chess.Black {
			m = &black
		}

		switch piece.Type() {
		case chess.Queen:
			m.Queens++
		case chess.Rook:
			m.Rooks++
		case chess.Bishop:
			m.Bishops++
		case chess.Knight:
			m.Knights++
		case chess.Pawn:
			m.Pawns++
		}
	}

	return white, black
}

func methodReason(m chess.Method) Reason {
	switch m {
	case chess.Checkmate:
		return ReasonCheckmate
	case chess.Stalemate:
		return ReasonStalemate
	case chess.InsufficientMaterial:
		return ReasonInsufficientMaterial
	case chess.ThreefoldRepetition:
		return ReasonThreefoldRepetition
	case chess.FivefoldRepetition:
		return ReasonFivefoldRepetition
	case chess.FiftyMoveRule:
		return ReasonFiftyMoveRule
	case chess.SeventyFiveMoveRule:
		return ReasonSeventyFiveMoveRule
	default:
		return Reason(strings.ToLower(m.String()))
	}
}

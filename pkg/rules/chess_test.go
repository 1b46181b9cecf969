package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecu23/duel-server/internal/color"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

func play(t *testing.T, o *Chess, pos Position, moves ...string) Position {
	t.Helper()

	for _, m := range moves {
		next, err := o.ApplyMove(pos, m)
		require.NoError(t, err, m)
		pos = next
	}
	return pos
}

func TestInitialStandardPosition(t *testing.T) {
	o := NewChessOracle()

	pos, err := o.Initial("")
	require.NoError(t, err)
	assert.Equal(t, startFEN, pos.FEN)
	assert.Equal(t, color.White, pos.Turn)
	assert.Equal(t, 0, pos.Ply())
	assert.Equal(t, Tally{}, pos.Captured)

	alias, err := o.Initial("startpos")
	require.NoError(t, err)
	assert.Equal(t, pos.FEN, alias.FEN)
}

func TestInitialRejectsBrokenFEN(t *testing.T) {
	_, err := NewChessOracle().Initial("not a fen")
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestApplyMoveDoesNotMutateInput(t *testing.T) {
	o := NewChessOracle()
	pos, err := o.Initial("")
	require.NoError(t, err)

	next, err := o.ApplyMove(pos, "e4")
	require.NoError(t, err)

	assert.Equal(t, startFEN, pos.FEN)
	assert.Empty(t, pos.Moves)
	assert.Equal(t, []string{"e4"}, next.Moves)
	assert.Equal(t, color.Black, next.Turn)
	assert.NotEqual(t, pos.FEN, next.FEN)
}

func TestApplyMoveRejectsIllegalMove(t *testing.T) {
	o := NewChessOracle()
	pos, err := o.Initial("")
	require.NoError(t, err)

	for _, move := range []string{"e5", "Ke2", "", "zz9"} {
		_, err := o.ApplyMove(pos, move)
		assert.ErrorIs(t, err, ErrIllegalMove, move)
	}
}

func TestCapturedMaterial(t *testing.T) {
	o := NewChessOracle()
	pos, err := o.Initial("")
	require.NoError(t, err)

	pos = play(t, o, pos, "e4", "d5", "exd5", "Qxd5")

	assert.Equal(t, Material{Pawns: 1}, pos.Captured.White)
	assert.Equal(t, Material{Pawns: 1}, pos.Captured.Black)
	assert.Equal(t, 0, pos.Captured.Advantage())
}

func TestIsGameOverCheckmate(t *testing.T) {
	o := NewChessOracle()
	pos, err := o.Initial("")
	require.NoError(t, err)

	pos = play(t, o, pos, "f3", "e5", "g4")
	assert.False(t, o.IsGameOver(pos).Over)

	pos = play(t, o, pos, "Qh4#")
	verdict := o.IsGameOver(pos)
	assert.True(t, verdict.Over)
	assert.Equal(t, ReasonCheckmate, verdict.Reason)
	assert.Equal(t, color.Black, verdict.Winner)

	_, err = o.ApplyMove(pos, "a3")
	assert.ErrorIs(t, err, ErrIllegalMove)
}

func TestIsGameOverStalemate(t *testing.T) {
	o := NewChessOracle()
	pos, err := o.Initial("7k/8/6K1/8/8/8/8/5Q2 w - - 0 1")
	require.NoError(t, err)

	pos = play(t, o, pos, "Qf7")

	verdict := o.IsGameOver(pos)
	assert.True(t, verdict.Over)
	assert.Equal(t, ReasonStalemate, verdict.Reason)
	assert.Empty(t, verdict.Winner)
}

func TestIsGameOverThreefoldRepetition(t *testing.T) {
	o := NewChessOracle()
	pos, err := o.Initial("")
	require.NoError(t, err)

	pos = play(t, o, pos, "Nf3", "Nf6", "Ng1", "Ng8", "Nf3", "Nf6", "Ng1", "Ng8")

	verdict := o.IsGameOver(pos)
	assert.True(t, verdict.Over)
	assert.Equal(t, ReasonThreefoldRepetition, verdict.Reason)
	assert.Empty(t, verdict.Winner)
}

func TestLegalMoves(t *testing.T) {
	o := NewChessOracle()
	pos, err := o.Initial("")
	require.NoError(t, err)

	all, err := o.LegalMoves(pos, "")
	require.NoError(t, err)
	assert.Len(t, all, 20)

	pawn, err := o.LegalMoves(pos, "E2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"e2e3", "e2e4"}, pawn)

	none, err := o.LegalMoves(pos, "e4")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReplayMatchesDirectApplication(t *testing.T) {
	o := NewChessOracle()
	pos, err := o.Initial("")
	require.NoError(t, err)

	moves := []string{"e4", "e5", "Nf3", "Nc6", "Bb5", "a6", "Ba4", "Nf6", "O-O"}
	final := play(t, o, pos, moves...)

	replayed, err := o.ApplyMove(Position{StartFEN: "", Moves: moves[:len(moves)-1]}, moves[len(moves)-1])
	require.NoError(t, err)
	assert.Equal(t, final.FEN, replayed.FEN)
}

func TestIsGameOverOnLoadedPosition(t *testing.T) {
	o := NewChessOracle()

	stalemate, err := o.Initial("7k/5Q2/6K1/8/8/8/8/8 b - - 0 1")
	require.NoError(t, err)
	verdict := o.IsGameOver(stalemate)
	assert.True(t, verdict.Over)
	assert.Equal(t, ReasonStalemate, verdict.Reason)

	mated, err := o.Initial("7k/6Q1/6K1/8/8/8/8/8 b - - 0 1")
	require.NoError(t, err)
	verdict = o.IsGameOver(mated)
	assert.True(t, verdict.Over)
	assert.Equal(t, ReasonCheckmate, verdict.Reason)
	assert.Equal(t, color.White, verdict.Winner)
}

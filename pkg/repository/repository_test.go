package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tecu23/duel-server/internal/color"
	"github.com/tecu23/duel-server/pkg/clock"
	"github.com/tecu23/duel-server/pkg/game"
	"github.com/tecu23/duel-server/pkg/rules"
)

func conclusion(white, black string, ended time.Time) game.Conclusion {
	return game.Conclusion{
		SessionID: uuid.New(),
		White:     white,
		Black:     black,
		Reason:    rules.ReasonCheckmate,
		Winner:    color.Black,
		Position: rules.Position{
			FEN:   "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w KQkq - 1 3",
			Moves: []string{"f3", "e5", "g4", "Qh4#"},
		},
		Timed:     true,
		Remaining: clock.Times{White: 58 * time.Second, Black: 59500 * time.Millisecond},
		StartedAt: ended.Add(-time.Minute),
		EndedAt:   ended,
	}
}

func TestNewRecord(t *testing.T) {
	c := conclusion("alice", "bob", time.Now())
	r := NewRecord(c)

	assert.Equal(t, c.SessionID, r.SessionID)
	assert.Equal(t, "checkmate", r.Reason)
	assert.Equal(t, "0-1", r.Result)
	assert.Equal(t, "bob", r.Winner)
	assert.Equal(t, int64(58000), r.WhiteTimeMs)
	assert.Equal(t, int64(59500), r.BlackTimeMs)
	assert.Equal(t, []string{"f3", "e5", "g4", "Qh4#"}, r.Moves)
}

func TestInMemorySaveAndGet(t *testing.T) {
	repo := NewInMemoryRepository(zap.NewNop())
	c := conclusion("alice", "bob", time.Now())

	require.NoError(t, repo.Save(context.Background(), c))
	require.NoError(t, repo.Save(context.Background(), c))
	assert.Equal(t, 1, repo.Len())

	got, err := repo.Get(c.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.White)

	_, err = repo.Get(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryListByParticipant(t *testing.T) {
	repo := NewInMemoryRepository(zap.NewNop())
	now := time.Now()

	older := conclusion("alice", "bob", now.Add(-time.Hour))
	newer := conclusion("carol", "alice", now)
	other := conclusion("carol", "dave", now)
	for _, c := range []game.Conclusion{older, newer, other} {
		require.NoError(t, repo.Save(context.Background(), c))
	}

	records := repo.ListByParticipant("alice")
	require.Len(t, records, 2)
	assert.Equal(t, newer.SessionID, records[0].SessionID)
	assert.Equal(t, older.SessionID, records[1].SessionID)

	assert.Empty(t, repo.ListByParticipant("nobody"))
}

type fakeStream struct {
	msgs []*nats.Msg
	opts [][]jetstream.PublishOpt
	err  error
}

func (f *fakeStream) PublishMsg(_ context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	f.opts = append(f.opts, opts)
	return &jetstream.PubAck{Stream: "SESSION_CONCLUSIONS", Sequence: uint64(len(f.msgs))}, nil
}

func TestJetStreamSave(t *testing.T) {
	stream := &fakeStream{}
	repo := newJetStreamRepository(stream, DefaultJetStreamConfig(), zap.NewNop())
	c := conclusion("alice", "bob", time.Now())

	require.NoError(t, repo.Save(context.Background(), c))
	require.Len(t, stream.msgs, 1)

	msg := stream.msgs[0]
	assert.Equal(t, "sessions.concluded.checkmate", msg.Subject)
	assert.Equal(t, c.SessionID.String(), msg.Header.Get("Session-ID"))
	assert.Equal(t, "0-1", msg.Header.Get("Result"))
	assert.Len(t, stream.opts[0], 1)

	var record Record
	require.NoError(t, json.Unmarshal(msg.Data, &record))
	assert.Equal(t, c.SessionID, record.SessionID)
	assert.Equal(t, "bob", record.Winner)
}

func TestJetStreamSaveError(t *testing.T) {
	stream := &fakeStream{err: errors.New("no responders")}
	repo := newJetStreamRepository(stream, DefaultJetStreamConfig(), zap.NewNop())

	err := repo.Save(context.Background(), conclusion("alice", "bob", time.Now()))
	assert.ErrorContains(t, err, "no responders")
	assert.NoError(t, repo.Close())
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tecu23/duel-server/internal/metrics"
	"github.com/tecu23/duel-server/pkg/clock"
	"github.com/tecu23/duel-server/pkg/events"
	"github.com/tecu23/duel-server/pkg/game"
	"github.com/tecu23/duel-server/pkg/group"
	"github.com/tecu23/duel-server/pkg/manager"
	"github.com/tecu23/duel-server/pkg/messages"
	"github.com/tecu23/duel-server/pkg/rules"
)

type outbound struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type fixture struct {
	hub       *Hub
	manager   *manager.Manager
	groups    *group.Registry
	directory *Directory
	publisher *events.Publisher
	metrics   *metrics.Metrics
	clock     *clockwork.FakeClock
}

func newFixture() *fixture {
	return newFixtureWithOracle(rules.NewChessOracle())
}

func newFixtureWithOracle(oracle rules.Oracle) *fixture {
	fake := clockwork.NewFakeClock()
	dir := NewDirectory()
	groups := group.NewRegistry(dir, zap.NewNop(), group.WithClock(fake))
	publisher := events.NewPublisher()
	m := metrics.New(prometheus.NewRegistry())

	gm := manager.NewManager(game.NewRegistry(zap.NewNop()), groups, oracle, publisher, zap.NewNop(),
		manager.WithClock(fake),
		manager.WithSideAssigner(game.FirstIsWhite),
		manager.WithDefaultTimeControl(clock.Uniform(time.Minute, 0)),
	)

	return &fixture{
		hub:       NewHub(gm, groups, dir, publisher, zap.NewNop(), WithMetrics(m), WithSpectatorTTL(time.Minute)),
		manager:   gm,
		groups:    groups,
		directory: dir,
		publisher: publisher,
		metrics:   m,
		clock:     fake,
	}
}

// connect registers a connection without a websocket; tests read its send buffer
func (f *fixture) connect(t *testing.T, participantID string) *Connection {
	t.Helper()
	return f.connectWith(t, participantID, DefaultConnectionConfig())
}

func (f *fixture) connectWith(t *testing.T, participantID string, cfg ConnectionConfig) *Connection {
	t.Helper()
	conn := NewConnection(nil, f.hub, participantID, cfg, zap.NewNop())
	f.hub.registerConnection(conn)

	msgs := drain(t, conn)
	require.Len(t, msgs, 1)
	require.Equal(t, messages.EventConnected, msgs[0].Event)
	return conn
}

func (f *fixture) startSession(t *testing.T, white, black string) *game.Session {
	t.Helper()
	s, err := f.manager.CreateSession(context.Background(), manager.CreateParams{First: white, Second: black})
	require.NoError(t, err)
	return s
}

func (f *fixture) send(conn *Connection, typ string, payload interface{}) {
	raw, _ := json.Marshal(payload)
	f.hub.handleInbound(InboundHubMessage{
		Conn:    conn,
		Message: messages.InboundMessage{Type: typ, Payload: raw},
	})
}

func drain(t *testing.T, conn *Connection) []outbound {
	t.Helper()

	var out []outbound
	for {
		select {
		case data, ok := <-conn.send:
			if !ok {
				return out
			}
			var msg outbound
			require.NoError(t, json.Unmarshal(data, &msg))
			out = append(out, msg)
		default:
			return out
		}
	}
}

func eventNames(msgs []outbound) []string {
	names := make([]string, 0, len(msgs))
	for _, m := range msgs {
		names = append(names, m.Event)
	}
	return names
}

func TestRegisterConnection(t *testing.T) {
	f := newFixture()
	conn := NewConnection(nil, f.hub, "alice", DefaultConnectionConfig(), zap.NewNop())

	f.hub.registerConnection(conn)

	msgs := drain(t, conn)
	require.Len(t, msgs, 1)
	assert.Equal(t, messages.EventConnected, msgs[0].Event)

	var payload messages.ConnectedPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, conn.ID(), payload.ConnectionID)
	assert.Equal(t, "alice", payload.ParticipantID)

	assert.Equal(t, 1, f.hub.Len())
	assert.Equal(t, 1, f.directory.Count("alice"))
}

func TestMoveReachesBothParticipants(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	f.startSession(t, "alice", "bob")

	assert.Equal(t, []string{messages.EventSessionStarted}, eventNames(drain(t, alice)))
	assert.Equal(t, []string{messages.EventSessionStarted}, eventNames(drain(t, bob)))

	f.send(alice, messages.TypeMakeMove, messages.MakeMovePayload{Move: "e4"})

	for _, conn := range []*Connection{alice, bob} {
		msgs := drain(t, conn)
		require.Len(t, msgs, 1)
		assert.Equal(t, messages.EventMoveApplied, msgs[0].Event)

		var applied messages.MoveAppliedPayload
		require.NoError(t, json.Unmarshal(msgs[0].Payload, &applied))
		assert.Equal(t, "e4", applied.Move)
		assert.Equal(t, 1, applied.Ply)
		assert.Equal(t, 2, applied.Seq)
	}
}

func TestMoveRejections(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	anonymous := f.connect(t, "")
	s := f.startSession(t, "alice", "bob")
	drain(t, alice)
	drain(t, bob)

	tests := []struct {
		name string
		conn *Connection
		move messages.MakeMovePayload
		code string
	}{
		{"not on turn", bob, messages.MakeMovePayload{Move: "e5"}, CodeNotYourTurn},
		{"illegal", alice, messages.MakeMovePayload{Move: "e5"}, CodeIllegalMove},
		{"anonymous", anonymous, messages.MakeMovePayload{SessionID: s.ID.String(), Move: "e4"}, CodeNotParticipant},
		{"bad session id", alice, messages.MakeMovePayload{SessionID: "nope", Move: "e4"}, CodeBadRequest},
		{"unknown session", alice, messages.MakeMovePayload{SessionID: uuid.NewString(), Move: "e4"}, CodeSessionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.send(tt.conn, messages.TypeMakeMove, tt.move)

			msgs := drain(t, tt.conn)
			require.Len(t, msgs, 1)
			assert.Equal(t, messages.EventMoveRejected, msgs[0].Event)

			var rejected messages.MoveRejectedPayload
			require.NoError(t, json.Unmarshal(msgs[0].Payload, &rejected))
			assert.Equal(t, tt.code, rejected.Code)
			assert.Equal(t, tt.move.Move, rejected.Move)
		})
	}

	// Rejections never reach the other participant
	assert.Empty(t, drain(t, alice))
	assert.Empty(t, drain(t, bob))
	assert.Equal(t, 0, s.Snapshot().Position.Ply())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MovesRejected.WithLabelValues(CodeIllegalMove)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MovesRejected.WithLabelValues(CodeNotYourTurn)))
}

func TestLegalMovesAndSnapshot(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	s := f.startSession(t, "alice", "bob")
	drain(t, alice)

	f.send(alice, messages.TypeLegalMoves, messages.LegalMovesRequest{From: "e2"})
	msgs := drain(t, alice)
	require.Len(t, msgs, 1)
	require.Equal(t, messages.EventLegalMoves, msgs[0].Event)

	var legal messages.LegalMovesPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &legal))
	assert.Equal(t, s.ID.String(), legal.SessionID)
	assert.ElementsMatch(t, []string{"e2e3", "e2e4"}, legal.Moves)

	f.hub.handleInbound(InboundHubMessage{
		Conn:    alice,
		Message: messages.InboundMessage{Type: messages.TypeGetSnapshot},
	})
	msgs = drain(t, alice)
	require.Len(t, msgs, 1)
	require.Equal(t, messages.EventSnapshot, msgs[0].Event)

	var snap messages.SnapshotPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &snap))
	assert.Equal(t, "alice", snap.White)
	assert.Equal(t, "active", snap.Status)
	assert.Equal(t, int64(time.Minute/time.Millisecond), snap.Clock.WhiteTime)
}

func TestSpectatorReceivesSessionEvents(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	watcher := f.connect(t, "")
	s := f.startSession(t, "alice", "bob")
	drain(t, alice)

	f.send(watcher, messages.TypeSpectate, messages.SessionRequest{SessionID: s.ID.String()})
	msgs := drain(t, watcher)
	assert.Equal(t, []string{messages.EventSnapshot, messages.EventSpectating}, eventNames(msgs))

	var spectating messages.SpectatingPayload
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &spectating))
	assert.Equal(t, int64(60), spectating.TTLSeconds)

	f.send(alice, messages.TypeMakeMove, messages.MakeMovePayload{Move: "e4"})
	assert.Equal(t, []string{messages.EventMoveApplied}, eventNames(drain(t, watcher)))

	f.send(watcher, messages.TypeUnspectate, messages.SessionRequest{SessionID: s.ID.String()})
	_, ok := f.groups.Get(group.CategorySpectators.Name(s.ID.String()))
	assert.False(t, ok, "empty spectator group is torn down")
}

func TestSpectateUnknownSession(t *testing.T) {
	f := newFixture()
	watcher := f.connect(t, "")

	f.send(watcher, messages.TypeSpectate, messages.SessionRequest{SessionID: uuid.NewString()})

	msgs := drain(t, watcher)
	require.Len(t, msgs, 1)
	assert.Equal(t, messages.EventError, msgs[0].Event)

	var payload messages.ErrorPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, CodeSessionNotFound, payload.Code)
}

func TestUnknownMessageType(t *testing.T) {
	f := newFixture()
	conn := f.connect(t, "alice")

	f.send(conn, "CREATE_SESSION", nil)

	msgs := drain(t, conn)
	require.Len(t, msgs, 1)
	var payload messages.ErrorPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, CodeBadRequest, payload.Code)
}

func TestUnregisterDropsConnection(t *testing.T) {
	f := newFixture()
	closed := make(chan events.Event, 4)
	f.publisher.Subscribe(events.EventConnectionClosed, func(e events.Event) { closed <- e })

	alice := f.connect(t, "alice")
	watcher := f.connect(t, "")
	s := f.startSession(t, "alice", "bob")
	f.send(watcher, messages.TypeSpectate, messages.SessionRequest{SessionID: s.ID.String()})

	f.hub.unregisterConnection(watcher)
	f.hub.unregisterConnection(watcher)

	_, ok := f.groups.Get(group.CategorySpectators.Name(s.ID.String()))
	assert.False(t, ok)
	assert.ErrorIs(t, watcher.Send([]byte("{}")), ErrConnectionClosed)

	f.hub.unregisterConnection(alice)
	f.publisher.Wait()
	assert.Equal(t, 0, f.directory.Count("alice"))
	assert.Equal(t, 0, f.hub.Len())

	// A disconnect does not end the session
	assert.Equal(t, game.StatusActive, s.Status())
	assert.Len(t, closed, 2)
}

func TestSendDoesNotBlock(t *testing.T) {
	f := newFixture()
	cfg := DefaultConnectionConfig()
	cfg.SendBuffer = 1
	conn := NewConnection(nil, f.hub, "alice", cfg, zap.NewNop())

	require.NoError(t, conn.Send([]byte("1")))
	assert.ErrorIs(t, conn.Send([]byte("2")), ErrSendBufferFull)

	conn.close()
	conn.close()
	assert.ErrorIs(t, conn.Send([]byte("3")), ErrConnectionClosed)
}

func TestRunAndShutdown(t *testing.T) {
	f := newFixture()
	go f.hub.Run()

	conn := NewConnection(nil, f.hub, "alice", DefaultConnectionConfig(), zap.NewNop())
	f.hub.Register(conn)
	require.Eventually(t, func() bool { return f.hub.Len() == 1 }, time.Second, time.Millisecond)

	assert.True(t, f.hub.Dispatch(InboundHubMessage{
		Conn:    conn,
		Message: messages.InboundMessage{Type: messages.TypeGetSnapshot},
	}))

	f.hub.Shutdown()
	f.hub.Shutdown()

	assert.False(t, f.hub.Dispatch(InboundHubMessage{Conn: conn}))
	assert.ErrorIs(t, conn.Send([]byte("{}")), ErrConnectionClosed)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{game.ErrNotYourTurn, CodeNotYourTurn},
		{&game.MoveError{Move: "e5", Err: rules.ErrIllegalMove}, CodeIllegalMove},
		{game.ErrNotParticipant, CodeNotParticipant},
		{game.ErrTimeExpired, CodeTimeExpired},
		{fmt.Errorf("bob: %w", game.ErrAlreadyInSession), CodeAlreadyInSession},
		{game.ErrSessionOver, CodeSessionOver},
		{manager.ErrSessionNotFound, CodeSessionNotFound},
		{manager.ErrUnknownPreset, CodeBadRequest},
		{errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, ErrorCode(tt.err), tt.err.Error())
	}
}

// gatedOracle holds the move "slow" until released, then plays it as e4
type gatedOracle struct {
	*rules.Chess
	entered chan struct{}
	release chan struct{}
}

func (o *gatedOracle) ApplyMove(pos rules.Position, move string) (rules.Position, error) {
	if move == "slow" {
		close(o.entered)
		<-o.release
		move = "e4"
	}
	return o.Chess.ApplyMove(pos, move)
}

func TestSlowSessionDoesNotDelayOtherSessions(t *testing.T) {
	oracle := &gatedOracle{
		Chess:   rules.NewChessOracle(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := newFixtureWithOracle(oracle)
	go f.hub.Run()
	defer f.hub.Shutdown()

	a := f.connect(t, "a")
	c := f.connect(t, "c")
	f.startSession(t, "a", "b")
	f.startSession(t, "c", "d")
	drain(t, a)
	drain(t, c)

	move := func(conn *Connection, san string) {
		raw, _ := json.Marshal(messages.MakeMovePayload{Move: san})
		f.hub.Dispatch(InboundHubMessage{
			Conn:    conn,
			Message: messages.InboundMessage{Type: messages.TypeMakeMove, Payload: raw},
		})
	}

	slowDone := make(chan struct{})
	go func() {
		move(a, "slow")
		close(slowDone)
	}()

	select {
	case <-oracle.entered:
	case <-time.After(time.Second):
		t.Fatal("slow move never reached the oracle")
	}

	fastDone := make(chan struct{})
	go func() {
		move(c, "e4")
		close(fastDone)
	}()

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("move in an unrelated session waited for a slow session")
	}
	assert.Equal(t, []string{messages.EventMoveApplied}, eventNames(drain(t, c)))

	close(oracle.release)
	<-slowDone
	assert.Equal(t, []string{messages.EventMoveApplied}, eventNames(drain(t, a)))
}

func TestInboundRateLimit(t *testing.T) {
	f := newFixture()
	cfg := DefaultConnectionConfig()
	cfg.InboundRate = 0.001
	cfg.InboundBurst = 1
	conn := f.connectWith(t, "alice", cfg)

	frame := []byte(`{"type":"GET_SNAPSHOT"}`)
	assert.True(t, conn.handleFrame(frame))
	assert.True(t, conn.handleFrame(frame))

	msgs := drain(t, conn)
	require.Len(t, msgs, 2)

	var first, second messages.ErrorPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &first))
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &second))
	assert.Equal(t, CodeSessionNotFound, first.Code)
	assert.Equal(t, CodeRateLimited, second.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RateLimited))
}

func TestHandleFrame(t *testing.T) {
	f := newFixture()
	conn := f.connect(t, "alice")

	assert.True(t, conn.handleFrame([]byte("{")))
	msgs := drain(t, conn)
	require.Len(t, msgs, 1)
	var payload messages.ErrorPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, CodeBadRequest, payload.Code)

	f.hub.Shutdown()
	assert.False(t, conn.handleFrame([]byte(`{"type":"GET_SNAPSHOT"}`)))
}

package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tecu23/duel-server/pkg/clock"
	"github.com/tecu23/duel-server/pkg/events"
	"github.com/tecu23/duel-server/pkg/game"
	"github.com/tecu23/duel-server/pkg/group"
	"github.com/tecu23/duel-server/pkg/repository"
	"github.com/tecu23/duel-server/pkg/rules"
)

type noConnections struct{}

func (noConnections) LiveConnections(string) []group.Conn { return nil }

type fixture struct {
	manager   *Manager
	registry  *game.Registry
	groups    *group.Registry
	publisher *events.Publisher
	store     *repository.InMemoryRepository
	clock     *clockwork.FakeClock
}

func newFixture(opts ...Option) *fixture {
	return newFixtureWithOracle(rules.NewChessOracle(), opts...)
}

func newFixtureWithOracle(oracle rules.Oracle, opts ...Option) *fixture {
	fake := clockwork.NewFakeClock()
	f := &fixture{
		registry:  game.NewRegistry(zap.NewNop()),
		groups:    group.NewRegistry(noConnections{}, zap.NewNop(), group.WithClock(fake)),
		publisher: events.NewPublisher(),
		store:     repository.NewInMemoryRepository(zap.NewNop()),
		clock:     fake,
	}

	base := []Option{
		WithClock(fake),
		WithSideAssigner(game.FirstIsWhite),
		WithStore(f.store),
		WithDefaultTimeControl(clock.Uniform(time.Minute, 0)),
		WithPresets(map[string]clock.TimeControl{
			"blitz": clock.Uniform(3*time.Minute, 2*time.Second),
		}),
	}
	f.manager = NewManager(f.registry, f.groups, oracle, f.publisher, zap.NewNop(),
		append(base, opts...)...)
	return f
}

func TestCreateSessionTimeControls(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	def, err := f.manager.CreateSession(ctx, CreateParams{First: "a", Second: "b"})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, def.Snapshot().Remaining.White)

	blitz, err := f.manager.CreateSession(ctx, CreateParams{First: "c", Second: "d", Preset: "blitz"})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, blitz.Snapshot().Remaining.Black)

	explicit := clock.Uniform(10*time.Second, 0)
	custom, err := f.manager.CreateSession(ctx, CreateParams{
		First: "e", Second: "f", TimeControl: &explicit, Preset: "blitz",
	})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, custom.Snapshot().Remaining.White)

	untimed, err := f.manager.CreateSession(ctx, CreateParams{First: "g", Second: "h", Untimed: true})
	require.NoError(t, err)
	assert.False(t, untimed.Snapshot().Timed)

	_, err = f.manager.CreateSession(ctx, CreateParams{First: "i", Second: "j", Preset: "correspondence"})
	assert.ErrorIs(t, err, ErrUnknownPreset)

	assert.Equal(t, 4, f.manager.ActiveSessions())
}

func TestCreateSessionAlreadyInSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.manager.CreateSession(ctx, CreateParams{First: "a", Second: "b"})
	require.NoError(t, err)

	_, err = f.manager.CreateSession(ctx, CreateParams{First: "b", Second: "c"})
	require.ErrorIs(t, err, game.ErrAlreadyInSession)
	assert.True(t, game.IsRejection(err))

	assert.Equal(t, 1, f.registry.Len())
	assert.Equal(t, 1, f.groups.Len())
	_, ok := f.manager.SessionFor("c")
	assert.False(t, ok)
}

func TestConcurrentCreationClaimsParticipantOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.manager.CreateSession(ctx, CreateParams{
				First:  "popular",
				Second: fmt.Sprintf("challenger-%d", i),
			})
			if err == nil {
				created.Add(1)
				return
			}
			assert.ErrorIs(t, err, game.ErrAlreadyInSession)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, f.registry.Len())
	assert.Equal(t, 0, f.manager.creation.len())
}

func TestCreateSessionHonoursContext(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.manager.CreateSession(ctx, CreateParams{First: "a", Second: "b"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.registry.Len())
}

func TestSubmitMoveRouting(t *testing.T) {
	f := newFixture()
	s, err := f.manager.CreateSession(context.Background(), CreateParams{First: "a", Second: "b"})
	require.NoError(t, err)

	_, _, err = f.manager.SubmitMove("a", uuid.New(), "e4")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	routed, result, err := f.manager.SubmitMove("a", s.ID, "e4")
	require.NoError(t, err)
	assert.Same(t, s, routed)
	assert.Equal(t, 1, result.Position.Ply())

	_, result, err = f.manager.SubmitMove("b", uuid.Nil, "e5")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Position.Ply())

	_, _, err = f.manager.SubmitMove("b", s.ID, "d5")
	assert.ErrorIs(t, err, game.ErrNotYourTurn)
}

func TestConclusionIsHandedOff(t *testing.T) {
	f := newFixture()
	s, err := f.manager.CreateSession(context.Background(), CreateParams{First: "a", Second: "b"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return s.Status() == game.StatusTerminal
	}, time.Second, 5*time.Millisecond)
	f.publisher.Wait()

	record, err := f.store.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "timeout", record.Reason)
	assert.Equal(t, "b", record.Winner)
	assert.Equal(t, "0-1", record.Result)
}

func TestShutdownAbortsLiveSessions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.manager.CreateSession(ctx, CreateParams{First: "a", Second: "b"})
	require.NoError(t, err)
	second, err := f.manager.CreateSession(ctx, CreateParams{First: "c", Second: "d", Untimed: true})
	require.NoError(t, err)

	require.NoError(t, f.manager.Shutdown(ctx))

	assert.Equal(t, 0, f.manager.ActiveSessions())
	assert.Equal(t, 2, f.store.Len())
	for _, s := range []*game.Session{first, second} {
		c, ok := s.Conclusion()
		require.True(t, ok)
		assert.Equal(t, game.ReasonAborted, c.Reason)
	}

	_, err = f.manager.CreateSession(ctx, CreateParams{First: "e", Second: "f"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

// gatedOracle holds Initial until released
type gatedOracle struct {
	*rules.Chess
	entered chan struct{}
	release chan struct{}
}

func (o *gatedOracle) Initial(startFEN string) (rules.Position, error) {
	close(o.entered)
	<-o.release
	return o.Chess.Initial(startFEN)
}

func TestShutdownWaitsForCreationInFlight(t *testing.T) {
	oracle := &gatedOracle{
		Chess:   rules.NewChessOracle(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := newFixtureWithOracle(oracle)
	ctx := context.Background()

	created := make(chan error, 1)
	go func() {
		_, err := f.manager.CreateSession(ctx, CreateParams{First: "a", Second: "b"})
		created <- err
	}()
	<-oracle.entered

	stopped := make(chan error, 1)
	go func() {
		stopped <- f.manager.Shutdown(ctx)
	}()

	select {
	case <-stopped:
		t.Fatal("Shutdown returned while a creation was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(oracle.release)
	require.NoError(t, <-created)
	require.NoError(t, <-stopped)

	assert.Equal(t, 0, f.manager.ActiveSessions())
	assert.Equal(t, 1, f.store.Len())
}

func TestKeyLockSerializesSharedKeys(t *testing.T) {
	k := newKeyLock()

	unlock := k.Lock("b", "a", "a")
	acquired := make(chan struct{})
	go func() {
		release := k.Lock("a", "c")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("lock on a shared key acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	free := k.Lock("z")
	free()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not released")
	}

	require.Eventually(t, func() bool { return k.len() == 0 }, time.Second, time.Millisecond)
}

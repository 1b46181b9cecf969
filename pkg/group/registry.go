package group

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Registry owns every live group by name
type Registry struct {
	mu     sync.Mutex
	groups map[string]*Group

	dir    Directory
	clock  clockwork.Clock
	logger *zap.Logger
}

// Option configures a Registry
type Option func(*Registry)

// WithClock sets the clock used for member expiry
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// NewRegistry creates an empty registry resolving participants through dir
func NewRegistry(dir Directory, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		groups: make(map[string]*Group),
		dir:    dir,
		clock:  clockwork.NewRealClock(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the group registered under name, creating it with cfg if needed.
// cfg is ignored when the group already exists.
func (r *Registry) GetOrCreate(name string, cfg Config) *Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(name, cfg)
}

func (r *Registry) getOrCreateLocked(name string, cfg Config) *Group {
	if g, ok := r.groups[name]; ok && !g.Destroyed() {
		return g
	}

	g := newGroup(name, cfg, r)
	r.groups[name] = g
	r.logger.Debug("Group created", zap.String("group", name))
	return g
}

// Get returns the live group registered under name
func (r *Registry) Get(name string) (*Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[name]
	if !ok || g.Destroyed() {
		return nil, false
	}
	return g, true
}

// Len returns the number of live groups
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// JoinParticipant joins ids to the group name, creating it with cfg if needed.
// A destroyed group is replaced, never joined.
func (r *Registry) JoinParticipant(name string, cfg Config, ids ...string) *Group {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.getOrCreateLocked(name, cfg)
	g.mu.Lock()
	g.joinParticipantLocked(ids)
	g.mu.Unlock()
	return g
}

// JoinConnection joins conns to the group name, creating it with cfg if needed.
// Lookup and join happen atomically so a concurrent teardown cannot hand back a dead group.
func (r *Registry) JoinConnection(name string, cfg Config, conns ...Conn) *Group {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.getOrCreateLocked(name, cfg)
	g.mu.Lock()
	g.joinConnLocked(conns)
	g.mu.Unlock()
	return g
}

// LeaveConnection removes conn from the group name if both exist.
// It reports whether conn was a member.
func (r *Registry) LeaveConnection(name string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[name]
	if !ok {
		return false
	}
	return r.leaveLocked(g, conn)
}

// DropConnection removes conn from every group, typically on disconnect
func (r *Registry) DropConnection(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, g := range r.groups {
		r.leaveLocked(g, conn)
	}
}

func (r *Registry) leaveLocked(g *Group, conn Conn) bool {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return false
	}
	left := g.removeLocked(member{kind: connectionMember, id: conn.ID()})
	emptied := left && g.teardownIfEmptyLocked()
	g.mu.Unlock()

	if emptied && r.groups[g.name] == g {
		delete(r.groups, g.name)
	}
	return left
}

// Broadcast delivers v to the group name. A missing group is not an error.
func (r *Registry) Broadcast(name string, v interface{}) (int, error) {
	r.mu.Lock()
	g, ok := r.groups[name]
	r.mu.Unlock()
	if !ok {
		return 0, nil
	}

	participants, conns, live := g.targets()
	if !live {
		return 0, nil
	}
	return g.deliver(v, participants, conns)
}

func (r *Registry) remove(g *Group) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.groups[g.name] == g {
		delete(r.groups, g.name)
		r.logger.Debug("Group removed", zap.String("group", g.name))
	}
}

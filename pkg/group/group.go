// Package group implements named broadcast groups of participants and raw connections
package group

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrDestroyed is returned when a destroyed group is mutated or broadcast to
var ErrDestroyed = errors.New("group destroyed")

// Conn is a transport level handle that can receive encoded events
type Conn interface {
	ID() string
	// Send must not block; a full or closed connection returns an error
	Send(data []byte) error
}

// Directory resolves a participant to the connections currently open for it
type Directory interface {
	LiveConnections(participantID string) []Conn
}

// Config controls the lifecycle of a group
type Config struct {
	// TeardownWhenEmpty destroys the group as soon as the last member leaves.
	// nil means true.
	TeardownWhenEmpty *bool
	// MemberTTL removes members that have not re-joined within the duration. Zero disables expiry.
	MemberTTL time.Duration
}

func (c Config) teardown() bool {
	return c.TeardownWhenEmpty == nil || *c.TeardownWhenEmpty
}

// Bool returns a pointer to b, for Config literals
func Bool(b bool) *bool {
	return &b
}

// Members lists the current membership of a group
type Members struct {
	Participants []string
	Connections  []string
}

// Group is a named set of participant ids and connections
type Group struct {
	name     string
	cfg      Config
	registry *Registry
	clock    clockwork.Clock
	logger   *zap.Logger

	mu           sync.Mutex
	participants map[string]struct{}
	conns        map[string]Conn
	expiry       expiryHeap
	entries      map[member]*entry
	timer        clockwork.Timer
	destroyed    bool
}

func newGroup(name string, cfg Config, r *Registry) *Group {
	return &Group{
		name:         name,
		cfg:          cfg,
		registry:     r,
		clock:        r.clock,
		logger:       r.logger.With(zap.String("group", name)),
		participants: make(map[string]struct{}),
		conns:        make(map[string]Conn),
		entries:      make(map[member]*entry),
	}
}

// Name returns the registry key of the group
func (g *Group) Name() string {
	return g.name
}

// Destroyed reports whether the group has been torn down
func (g *Group) Destroyed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.destroyed
}

// JoinParticipant adds participants to the group. Re-joining refreshes the member deadline.
func (g *Group) JoinParticipant(ids ...string) error {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return g.violation("join participant")
	}
	g.joinParticipantLocked(ids)
	g.mu.Unlock()
	return nil
}

// JoinConnection adds raw connections to the group. Re-joining refreshes the member deadline.
func (g *Group) JoinConnection(conns ...Conn) error {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return g.violation("join connection")
	}
	g.joinConnLocked(conns)
	g.mu.Unlock()
	return nil
}

func (g *Group) joinParticipantLocked(ids []string) {
	for _, id := range ids {
		g.participants[id] = struct{}{}
		g.touchLocked(member{kind: participantMember, id: id})
	}
}

func (g *Group) joinConnLocked(conns []Conn) {
	for _, c := range conns {
		g.conns[c.ID()] = c
		g.touchLocked(member{kind: connectionMember, id: c.ID()})
	}
}

// LeaveParticipant removes participants from the group
func (g *Group) LeaveParticipant(ids ...string) error {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return g.violation("leave participant")
	}
	for _, id := range ids {
		g.removeLocked(member{kind: participantMember, id: id})
	}
	emptied := g.teardownIfEmptyLocked()
	g.mu.Unlock()

	if emptied {
		g.registry.remove(g)
	}
	return nil
}

// LeaveConnection removes connections from the group
func (g *Group) LeaveConnection(conns ...Conn) error {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return g.violation("leave connection")
	}
	for _, c := range conns {
		g.removeLocked(member{kind: connectionMember, id: c.ID()})
	}
	emptied := g.teardownIfEmptyLocked()
	g.mu.Unlock()

	if emptied {
		g.registry.remove(g)
	}
	return nil
}

// Broadcast encodes v once and delivers it to every live connection of the group:
// the directly joined connections plus every connection of every joined participant.
// Delivery is best effort; the number of connections that accepted the message is returned.
func (g *Group) Broadcast(v interface{}) (int, error) {
	participants, conns, ok := g.targets()
	if !ok {
		return 0, g.violation("broadcast")
	}
	return g.deliver(v, participants, conns)
}

// targets snapshots the membership so delivery runs without the group lock
func (g *Group) targets() ([]string, []Conn, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.destroyed {
		return nil, nil, false
	}

	participants := make([]string, 0, len(g.participants))
	for id := range g.participants {
		participants = append(participants, id)
	}
	conns := make([]Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	return participants, conns, true
}

func (g *Group) deliver(v interface{}, participants []string, conns []Conn) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode broadcast for %s: %w", g.name, err)
	}

	seen := make(map[string]struct{}, len(conns))
	recipients := make([]Conn, 0, len(conns))
	add := func(c Conn) {
		if _, dup := seen[c.ID()]; dup {
			return
		}
		seen[c.ID()] = struct{}{}
		recipients = append(recipients, c)
	}

	for _, c := range conns {
		add(c)
	}
	if g.registry.dir != nil {
		for _, id := range participants {
			for _, c := range g.registry.dir.LiveConnections(id) {
				add(c)
			}
		}
	}

	delivered := 0
	for _, c := range recipients {
		if err := c.Send(data); err != nil {
			g.logger.Debug("Skipping connection",
				zap.String("connection_id", c.ID()),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Destroy tears the group down and removes it from the registry. Destroying twice is a no-op.
func (g *Group) Destroy() {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	g.destroyLocked()
	g.mu.Unlock()

	g.registry.remove(g)
}

// Members returns the sorted membership of the group
func (g *Group) Members() Members {
	g.mu.Lock()
	defer g.mu.Unlock()

	m := Members{
		Participants: make([]string, 0, len(g.participants)),
		Connections:  make([]string, 0, len(g.conns)),
	}
	for id := range g.participants {
		m.Participants = append(m.Participants, id)
	}
	for id := range g.conns {
		m.Connections = append(m.Connections, id)
	}
	sort.Strings(m.Participants)
	sort.Strings(m.Connections)
	return m
}

func (g *Group) emptyLocked() bool {
	return len(g.participants) == 0 && len(g.conns) == 0
}

func (g *Group) removeLocked(m member) bool {
	switch m.kind {
	case participantMember:
		if _, ok := g.participants[m.id]; !ok {
			return false
		}
		delete(g.participants, m.id)
	case connectionMember:
		if _, ok := g.conns[m.id]; !ok {
			return false
		}
		delete(g.conns, m.id)
	}
	g.untrackLocked(m)
	return true
}

func (g *Group) teardownIfEmptyLocked() bool {
	if !g.cfg.teardown() || !g.emptyLocked() {
		return false
	}
	g.logger.Debug("Group empty, tearing down")
	g.destroyLocked()
	return true
}

func (g *Group) destroyLocked() {
	g.destroyed = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.participants = make(map[string]struct{})
	g.conns = make(map[string]Conn)
	g.entries = make(map[member]*entry)
	g.expiry = nil
}

// violation reports use of a destroyed group. It must be called without holding g.mu
// because the development logger panics.
func (g *Group) violation(op string) error {
	g.logger.DPanic("Operation on destroyed group", zap.String("op", op))
	return fmt.Errorf("%s %s: %w", op, g.name, ErrDestroyed)
}

package group

import (
	"container/heap"
	"time"

	"go.uber.org/zap"
)

type memberKind int

const (
	participantMember memberKind = iota
	connectionMember
)

type member struct {
	kind memberKind
	id   string
}

type entry struct {
	member   member
	deadline time.Time
	index    int
}

// expiryHeap is a min-heap of member deadlines. The group keeps a single timer
// armed for the earliest one.
type expiryHeap []*entry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// touchLocked sets or refreshes the deadline of m
func (g *Group) touchLocked(m member) {
	if g.cfg.MemberTTL <= 0 {
		return
	}

	deadline := g.clock.Now().Add(g.cfg.MemberTTL)
	if e, ok := g.entries[m]; ok {
		e.deadline = deadline
		heap.Fix(&g.expiry, e.index)
	} else {
		e := &entry{member: m, deadline: deadline}
		heap.Push(&g.expiry, e)
		g.entries[m] = e
	}
	g.armLocked()
}

func (g *Group) untrackLocked(m member) {
	e, ok := g.entries[m]
	if !ok {
		return
	}
	heap.Remove(&g.expiry, e.index)
	delete(g.entries, m)
	g.armLocked()
}

// armLocked replaces the pending timer with one for the earliest deadline
func (g *Group) armLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	if len(g.expiry) == 0 {
		return
	}

	wait := g.expiry[0].deadline.Sub(g.clock.Now())
	if wait < 0 {
		wait = 0
	}
	g.timer = g.clock.AfterFunc(wait, g.expire)
}

// expire removes every member whose deadline has passed. A stale or early
// callback finds nothing due and only re-arms.
func (g *Group) expire() {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}

	now := g.clock.Now()
	for len(g.expiry) > 0 && !g.expiry[0].deadline.After(now) {
		e := heap.Pop(&g.expiry).(*entry)
		delete(g.entries, e.member)

		switch e.member.kind {
		case participantMember:
			delete(g.participants, e.member.id)
		case connectionMember:
			delete(g.conns, e.member.id)
		}
		g.logger.Debug("Member expired", zap.String("member", e.member.id))
	}

	emptied := g.teardownIfEmptyLocked()
	if !emptied {
		g.armLocked()
	}
	g.mu.Unlock()

	if emptied {
		g.registry.remove(g)
	}
}

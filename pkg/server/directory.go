package server

import (
	"sync"

	"github.com/tecu23/duel-server/pkg/group"
)

// Directory tracks the open connections of every participant. Groups resolve their
// participant members through it at delivery time.
type Directory struct {
	mu    sync.RWMutex
	conns map[string]map[*Connection]struct{}
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{conns: make(map[string]map[*Connection]struct{})}
}

// Add records conn for its participant. Anonymous connections are ignored.
func (d *Directory) Add(conn *Connection) {
	if conn.participantID == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.conns[conn.participantID]
	if !ok {
		set = make(map[*Connection]struct{})
		d.conns[conn.participantID] = set
	}
	set[conn] = struct{}{}
}

// Remove forgets conn
func (d *Directory) Remove(conn *Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.conns[conn.participantID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(d.conns, conn.participantID)
	}
}

// LiveConnections implements group.Directory
func (d *Directory) LiveConnections(participantID string) []group.Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set := d.conns[participantID]
	out := make([]group.Conn, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}

// Count returns the number of open connections of a participant
func (d *Directory) Count(participantID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns[participantID])
}

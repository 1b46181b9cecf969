// Package server carries websocket clients to sessions and session events back to them
package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tecu23/duel-server/internal/metrics"
	"github.com/tecu23/duel-server/pkg/events"
	"github.com/tecu23/duel-server/pkg/game"
	"github.com/tecu23/duel-server/pkg/group"
	"github.com/tecu23/duel-server/pkg/manager"
	"github.com/tecu23/duel-server/pkg/messages"
)

// InboundHubMessage are the messages that the hub receives
type InboundHubMessage struct {
	Conn    *Connection             // who sent it
	Message messages.InboundMessage // raw JSON
}

// Hub keeps track of all active connections and is responsible for registering and
// unregistering them. Inbound messages are routed to the participant's session by
// Dispatch; session events reach clients through the groups.
type Hub struct {
	mu          sync.RWMutex         // Mutex to protect direct access to the connections map.
	connections map[*Connection]bool // Registered connections

	register   chan *Connection // Incoming registration
	unregister chan *Connection // Incoming unregistration
	done       chan struct{}
	stopOnce   sync.Once

	manager      *manager.Manager
	groups       *group.Registry
	directory    *Directory
	publisher    *events.Publisher
	metrics      *metrics.Metrics
	spectatorTTL time.Duration
	logger       *zap.Logger
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithMetrics records rejected moves and rate limited messages
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithSpectatorTTL sets how long a SPECTATE request keeps a connection subscribed
func WithSpectatorTTL(ttl time.Duration) HubOption {
	return func(h *Hub) { h.spectatorTTL = ttl }
}

// NewHub creates a new hub
func NewHub(
	gm *manager.Manager,
	groups *group.Registry,
	directory *Directory,
	publisher *events.Publisher,
	logger *zap.Logger,
	opts ...HubOption,
) *Hub {
	h := &Hub{
		connections:  make(map[*Connection]bool),
		register:     make(chan *Connection),
		unregister:   make(chan *Connection),
		done:         make(chan struct{}),
		manager:      gm,
		groups:       groups,
		directory:    directory,
		publisher:    publisher,
		spectatorTTL: 2 * time.Minute,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run is the main execution of the hub
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.registerConnection(conn)

		case conn := <-h.unregister:
			h.unregisterConnection(conn)

		case <-h.done:
			return
		}
	}
}

// Register hands a new connection to the hub
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.close()
	}
}

// Unregister removes a connection from the hub
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Dispatch routes an inbound message on the caller's goroutine. Each connection reads
// on its own goroutine and sessions serialize themselves, so unrelated sessions never
// wait on each other. It returns false once the hub stopped.
func (h *Hub) Dispatch(msg InboundHubMessage) bool {
	select {
	case <-h.done:
		return false
	default:
	}

	h.handleInbound(msg)
	return true
}

// Len returns the number of registered connections
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Shutdown stops the hub and closes every connection
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()
		for conn := range h.connections {
			conn.close()
		}
		h.logger.Info("Hub stopped", zap.Int("connections", len(h.connections)))
	})
}

func (h *Hub) registerConnection(conn *Connection) {
	h.mu.Lock()
	h.connections[conn] = true
	count := len(h.connections)
	h.mu.Unlock()

	h.directory.Add(conn)
	h.logger.Debug("New connection registered",
		zap.String("connection_id", conn.ID()),
		zap.String("participant_id", conn.participantID),
		zap.Int("participant_connections", h.directory.Count(conn.participantID)),
		zap.Int("connections", count),
	)

	conn.SendJSON(messages.OutboundMessage{
		Event: messages.EventConnected,
		Payload: messages.ConnectedPayload{
			ConnectionID:  conn.ID(),
			ParticipantID: conn.participantID,
		},
	})

	h.publisher.Publish(events.Event{
		Type:    events.EventConnectionOpened,
		Payload: conn.participantID,
	})
}

func (h *Hub) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.connections[conn]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, conn)
	count := len(h.connections)
	h.mu.Unlock()

	h.directory.Remove(conn)
	h.groups.DropConnection(conn)
	conn.close()

	h.logger.Debug("Connection unregistered",
		zap.String("connection_id", conn.ID()),
		zap.Int("connections", count),
	)

	h.publisher.Publish(events.Event{
		Type:    events.EventConnectionClosed,
		Payload: conn.participantID,
	})
}

// handleInbound decodes a client message and routes it
func (h *Hub) handleInbound(msg InboundHubMessage) {
	conn := msg.Conn

	switch msg.Message.Type {
	case messages.TypeMakeMove:
		var payload messages.MakeMovePayload
		if err := json.Unmarshal(msg.Message.Payload, &payload); err != nil {
			h.sendError(conn, fmt.Errorf("%w: invalid MAKE_MOVE payload", ErrBadRequest))
			return
		}
		h.makeMove(conn, payload)

	case messages.TypeLegalMoves:
		var payload messages.LegalMovesRequest
		if err := json.Unmarshal(msg.Message.Payload, &payload); err != nil {
			h.sendError(conn, fmt.Errorf("%w: invalid LEGAL_MOVES payload", ErrBadRequest))
			return
		}
		h.legalMoves(conn, payload)

	case messages.TypeGetSnapshot:
		var payload messages.SessionRequest
		if err := decodeOptional(msg.Message.Payload, &payload); err != nil {
			h.sendError(conn, fmt.Errorf("%w: invalid GET_SNAPSHOT payload", ErrBadRequest))
			return
		}
		session, err := h.session(conn, payload.SessionID)
		if err != nil {
			h.sendError(conn, err)
			return
		}
		conn.SendJSON(messages.OutboundMessage{
			Event:   messages.EventSnapshot,
			Payload: session.Snapshot().Payload(),
		})

	case messages.TypeSpectate:
		var payload messages.SessionRequest
		if err := json.Unmarshal(msg.Message.Payload, &payload); err != nil || payload.SessionID == "" {
			h.sendError(conn, fmt.Errorf("%w: SPECTATE needs a session_id", ErrBadRequest))
			return
		}
		h.spectate(conn, payload.SessionID)

	case messages.TypeUnspectate:
		var payload messages.SessionRequest
		if err := json.Unmarshal(msg.Message.Payload, &payload); err != nil || payload.SessionID == "" {
			h.sendError(conn, fmt.Errorf("%w: UNSPECTATE needs a session_id", ErrBadRequest))
			return
		}
		h.groups.LeaveConnection(group.CategorySpectators.Name(payload.SessionID), conn)

	default:
		h.sendError(conn, fmt.Errorf("%w: unknown message type %q", ErrBadRequest, msg.Message.Type))
	}
}

func (h *Hub) makeMove(conn *Connection, payload messages.MakeMovePayload) {
	reject := func(err error) {
		code := ErrorCode(err)
		h.metrics.MoveRejected(code)
		conn.SendJSON(messages.OutboundMessage{
			Event: messages.EventMoveRejected,
			Payload: messages.MoveRejectedPayload{
				SessionID: payload.SessionID,
				Move:      payload.Move,
				Code:      code,
				Message:   err.Error(),
			},
		})
	}

	if conn.participantID == "" {
		reject(game.ErrNotParticipant)
		return
	}

	sessionID := uuid.Nil
	if payload.SessionID != "" {
		id, err := uuid.Parse(payload.SessionID)
		if err != nil {
			reject(fmt.Errorf("%w: invalid session_id", ErrBadRequest))
			return
		}
		sessionID = id
	}

	// Accepted moves reach the mover through the session group
	if _, _, err := h.manager.SubmitMove(conn.participantID, sessionID, payload.Move); err != nil {
		if !game.IsRejection(err) {
			h.logger.Debug("Move failed",
				zap.String("participant_id", conn.participantID),
				zap.Error(err),
			)
		}
		reject(err)
	}
}

func (h *Hub) legalMoves(conn *Connection, payload messages.LegalMovesRequest) {
	session, err := h.session(conn, payload.SessionID)
	if err != nil {
		h.sendError(conn, err)
		return
	}

	moves, err := session.LegalMoves(payload.From)
	if err != nil {
		h.sendError(conn, err)
		return
	}

	conn.SendJSON(messages.OutboundMessage{
		Event: messages.EventLegalMoves,
		Payload: messages.LegalMovesPayload{
			SessionID: session.ID.String(),
			From:      payload.From,
			Moves:     moves,
		},
	})
}

// spectate subscribes conn to a session's events for the spectator TTL. Repeating the
// request refreshes the TTL.
func (h *Hub) spectate(conn *Connection, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		h.sendError(conn, fmt.Errorf("%w: invalid session_id", ErrBadRequest))
		return
	}
	session, ok := h.manager.GetSession(id)
	if !ok {
		h.sendError(conn, manager.ErrSessionNotFound)
		return
	}

	name := group.CategorySpectators.Name(session.ID.String())
	h.groups.JoinConnection(name, group.Config{MemberTTL: h.spectatorTTL}, conn)

	// The session may have ended between the lookup and the join
	if session.Status() == game.StatusTerminal {
		h.groups.LeaveConnection(name, conn)
	}

	conn.SendJSON(messages.OutboundMessage{
		Event:   messages.EventSnapshot,
		Payload: session.Snapshot().Payload(),
	})
	conn.SendJSON(messages.OutboundMessage{
		Event: messages.EventSpectating,
		Payload: messages.SpectatingPayload{
			SessionID:  session.ID.String(),
			TTLSeconds: int64(h.spectatorTTL / time.Second),
		},
	})
}

// session resolves an explicit session id, or the sender's own session when empty
func (h *Hub) session(conn *Connection, rawID string) (*game.Session, error) {
	if rawID == "" {
		if conn.participantID == "" {
			return nil, fmt.Errorf("%w: session_id is required", ErrBadRequest)
		}
		session, ok := h.manager.SessionFor(conn.participantID)
		if !ok {
			return nil, manager.ErrSessionNotFound
		}
		return session, nil
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid session_id", ErrBadRequest)
	}
	session, ok := h.manager.GetSession(id)
	if !ok {
		return nil, manager.ErrSessionNotFound
	}
	return session, nil
}

func (h *Hub) sendError(conn *Connection, err error) {
	conn.SendJSON(errorMessage(ErrorCode(err), err.Error()))
}

func decodeOptional(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

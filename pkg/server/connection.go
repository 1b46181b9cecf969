package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tecu23/duel-server/pkg/messages"
)

var (
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrConnectionClosed = errors.New("connection closed")
)

// ConnectionConfig holds the websocket settings of a connection
type ConnectionConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int

	// InboundRate is the sustained number of messages per second a client may send
	InboundRate  float64
	InboundBurst int
}

// DefaultConnectionConfig returns the default websocket settings
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     256,
		InboundRate:    10,
		InboundBurst:   20,
	}
}

// Connection is one websocket client. participantID is empty for anonymous
// connections, which may only spectate.
type Connection struct {
	id            uuid.UUID
	participantID string

	ws      *websocket.Conn // The underlying Websocket connection
	hub     *Hub
	cfg     ConnectionConfig
	limiter *rate.Limiter

	mu     sync.RWMutex
	send   chan []byte // Buffered channel of outbound messages.
	closed bool

	logger *zap.Logger
}

func NewConnection(
	ws *websocket.Conn,
	hub *Hub,
	participantID string,
	cfg ConnectionConfig,
	logger *zap.Logger,
) *Connection {
	id := uuid.New()
	return &Connection{
		id:            id,
		participantID: participantID,
		ws:            ws,
		hub:           hub,
		cfg:           cfg,
		limiter:       rate.NewLimiter(rate.Limit(cfg.InboundRate), cfg.InboundBurst),
		send:          make(chan []byte, cfg.SendBuffer),
		logger: logger.With(
			zap.String("connection_id", id.String()),
			zap.String("participant_id", participantID),
		),
	}
}

// ID implements group.Conn
func (c *Connection) ID() string {
	return c.id.String()
}

// ParticipantID returns the participant the connection belongs to
func (c *Connection) ParticipantID() string {
	return c.participantID
}

// Send queues data without blocking. A slow client loses the message rather than
// stalling the broadcaster.
func (c *Connection) Send(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SendJSON is a helper for sending JSON to this connection
func (c *Connection) SendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Error marshaling JSON", zap.Error(err))
		return
	}

	if err := c.Send(data); err != nil {
		c.logger.Debug("Dropped outbound message", zap.Error(err))
	}
}

// close stops further sends and lets WritePump finish. Safe to call more than once.
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ReadPump handles inbound messages from the client
func (c *Connection) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		// We only handle text
		if msgType != websocket.TextMessage {
			continue
		}

		if !c.handleFrame(msg) {
			return
		}
	}
}

// handleFrame rate limits, decodes and dispatches one text frame. It returns false
// once the hub stopped.
func (c *Connection) handleFrame(data []byte) bool {
	if !c.limiter.Allow() {
		c.hub.metrics.InboundDropped()
		c.SendJSON(errorMessage(CodeRateLimited, "too many messages"))
		return true
	}

	var inbound messages.InboundMessage
	if err := json.Unmarshal(data, &inbound); err != nil {
		c.logger.Debug("Failed to parse inbound JSON", zap.Error(err))
		c.SendJSON(errorMessage(CodeBadRequest, "invalid JSON"))
		return true
	}

	return c.hub.Dispatch(InboundHubMessage{Conn: c, Message: inbound})
}

// WritePump handles outbound messages to the client
func (c *Connection) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				// Channel closed
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				c.logger.Debug("Send channel closed for connection")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func errorMessage(code, message string) messages.OutboundMessage {
	return messages.OutboundMessage{
		Event:   messages.EventError,
		Payload: messages.ErrorPayload{Message: message, Code: code},
	}
}

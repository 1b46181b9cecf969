package messages

import (
	"time"

	"github.com/tecu23/duel-server/internal/color"
	"github.com/tecu23/duel-server/pkg/rules"
)

// Outbound event names
const (
	EventConnected      = "CONNECTED"
	EventError          = "ERROR"
	EventMoveRejected   = "MOVE_REJECTED"
	EventLegalMoves     = "LEGAL_MOVES"
	EventSnapshot       = "SNAPSHOT"
	EventSpectating     = "SPECTATING"
	EventSessionStarted = "SESSION_STARTED"
	EventMoveApplied    = "MOVE_APPLIED"
	EventSessionEnded   = "SESSION_ENDED"
)

// OutboundMessage is how we wrap responses before sending
// them to the client
type OutboundMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

type ConnectedPayload struct {
	ConnectionID  string `json:"connection_id"`
	ParticipantID string `json:"participant_id,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ClockPayload carries remaining times in milliseconds
type ClockPayload struct {
	Timed     bool        `json:"timed"`
	WhiteTime int64       `json:"white_time"`
	BlackTime int64       `json:"black_time"`
	WhiteUsed int64       `json:"white_used"`
	BlackUsed int64       `json:"black_used"`
	Running   color.Color `json:"running,omitempty"`
}

// SnapshotPayload is the full state of a session. It is the payload of
// SESSION_STARTED and of SNAPSHOT responses.
type SnapshotPayload struct {
	SessionID  string             `json:"session_id"`
	Seq        int                `json:"seq"`
	Status     string             `json:"status"`
	White      string             `json:"white"`
	Black      string             `json:"black"`
	StartFEN   string             `json:"start_fen,omitempty"`
	FEN        string             `json:"fen"`
	Turn       color.Color        `json:"turn"`
	Moves      []string           `json:"moves"`
	Captured   rules.Tally        `json:"captured"`
	Advantage  int                `json:"advantage"`
	Clock      ClockPayload       `json:"clock"`
	Conclusion *ConclusionPayload `json:"conclusion,omitempty"`
}

// MoveAppliedPayload describes one accepted move and the resulting position
type MoveAppliedPayload struct {
	SessionID string       `json:"session_id"`
	Seq       int          `json:"seq"`
	Move      string       `json:"move"`
	Ply       int          `json:"ply"`
	Color     color.Color  `json:"color"`
	FEN       string       `json:"fen"`
	Turn      color.Color  `json:"turn"`
	Captured  rules.Tally  `json:"captured"`
	Advantage int          `json:"advantage"` // White's material lead in points
	Clock     ClockPayload `json:"clock"`
}

// SessionEndedPayload carries the frozen conclusion
type SessionEndedPayload struct {
	SessionID  string            `json:"session_id"`
	Seq        int               `json:"seq"`
	Conclusion ConclusionPayload `json:"conclusion"`
}

type ConclusionPayload struct {
	Reason    string      `json:"reason"`
	Winner    color.Color `json:"winner,omitempty"`
	Result    string      `json:"result"`
	White     string      `json:"white"`
	Black     string      `json:"black"`
	FinalFEN  string      `json:"final_fen"`
	Moves     []string    `json:"moves"`
	WhiteTime int64       `json:"white_time"`
	BlackTime int64       `json:"black_time"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
}

type MoveRejectedPayload struct {
	SessionID string `json:"session_id"`
	Move      string `json:"move"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type LegalMovesPayload struct {
	SessionID string   `json:"session_id"`
	From      string   `json:"from,omitempty"`
	Moves     []string `json:"moves"`
}

type SpectatingPayload struct {
	SessionID  string `json:"session_id"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

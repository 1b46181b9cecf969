// Package messages defines the JSON shapes exchanged with clients
package messages

import "encoding/json"

// Inbound message types
const (
	TypeMakeMove    = "MAKE_MOVE"
	TypeLegalMoves  = "LEGAL_MOVES"
	TypeGetSnapshot = "GET_SNAPSHOT"
	TypeSpectate    = "SPECTATE"
	TypeUnspectate  = "UNSPECTATE"
)

// InboundMessage is the generic wrapper for messages coming from the client.
// The "type" field tells us the action; "payload" is the data we parse further.
type InboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MakeMovePayload represents the payload for making a move during a session
type MakeMovePayload struct {
	SessionID string `json:"session_id"`
	Move      string `json:"move"`
}

// LegalMovesRequest asks for the legal moves of the side to move
type LegalMovesRequest struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
}

// SessionRequest names a session for GET_SNAPSHOT, SPECTATE and UNSPECTATE
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// TimeControlPayload is a time control in milliseconds
type TimeControlPayload struct {
	Initial   int64 `json:"initial"`
	Increment int64 `json:"increment"`
}

// CreateSessionRequest is sent by the matchmaking collaborator to pair two participants.
// Without TimeControl and Preset the server default applies; Untimed disables the clock.
type CreateSessionRequest struct {
	First       string              `json:"first"`
	Second      string              `json:"second"`
	TimeControl *TimeControlPayload `json:"time_control,omitempty"`
	Preset      string              `json:"preset,omitempty"`
	Untimed     bool                `json:"untimed,omitempty"`
	StartFEN    string              `json:"start_fen,omitempty"`
}

// MoveRequest submits a move over HTTP
type MoveRequest struct {
	ParticipantID string `json:"participant_id"`
	Move          string `json:"move"`
}

// AdjustClockRequest overrides one side's remaining time
type AdjustClockRequest struct {
	Color     string `json:"color"`
	Remaining int64  `json:"remaining"`
}

// Package repository hands concluded sessions to durable storage
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tecu23/duel-server/pkg/game"
)

// ErrNotFound is returned when no record exists for a session
var ErrNotFound = errors.New("record not found")

// ConclusionStore receives every concluded session exactly once. Implementations own
// retries; callers do not retry.
type ConclusionStore interface {
	Save(ctx context.Context, c game.Conclusion) error
}

// Record is the stored form of a conclusion
type Record struct {
	SessionID   uuid.UUID `json:"session_id"`
	White       string    `json:"white"`
	Black       string    `json:"black"`
	Reason      string    `json:"reason"`
	Result      string    `json:"result"`
	Winner      string    `json:"winner,omitempty"`
	StartFEN    string    `json:"start_fen,omitempty"`
	FinalFEN    string    `json:"final_fen"`
	Moves       []string  `json:"moves"`
	Timed       bool      `json:"timed"`
	WhiteTimeMs int64     `json:"white_time_ms"`
	BlackTimeMs int64     `json:"black_time_ms"`
	WhiteUsedMs int64     `json:"white_used_ms"`
	BlackUsedMs int64     `json:"black_used_ms"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// NewRecord converts a conclusion to its stored form
func NewRecord(c game.Conclusion) Record {
	return Record{
		SessionID:   c.SessionID,
		White:       c.White,
		Black:       c.Black,
		Reason:      string(c.Reason),
		Result:      c.Result(),
		Winner:      c.WinnerID(),
		StartFEN:    c.Position.StartFEN,
		FinalFEN:    c.Position.FEN,
		Moves:       append([]string{}, c.Position.Moves...),
		Timed:       c.Timed,
		WhiteTimeMs: c.Remaining.White.Milliseconds(),
		BlackTimeMs: c.Remaining.Black.Milliseconds(),
		WhiteUsedMs: c.Used.White.Milliseconds(),
		BlackUsedMs: c.Used.Black.Milliseconds(),
		StartedAt:   c.StartedAt,
		EndedAt:     c.EndedAt,
	}
}

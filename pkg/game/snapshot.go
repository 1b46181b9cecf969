package game

import (
	"github.com/google/uuid"

	"github.com/tecu23/duel-server/internal/color"
	"github.com/tecu23/duel-server/pkg/clock"
	"github.com/tecu23/duel-server/pkg/messages"
	"github.com/tecu23/duel-server/pkg/rules"
)

// Snapshot is a read-only projection of a session
type Snapshot struct {
	SessionID  uuid.UUID
	Seq        int
	Status     Status
	White      string
	Black      string
	Position   rules.Position
	Timed      bool
	Remaining  clock.Times
	Running    color.Color // empty when no clock is running
	Conclusion *Conclusion
}

// Payload converts the snapshot to its wire shape
func (s Snapshot) Payload() messages.SnapshotPayload {
	p := messages.SnapshotPayload{
		SessionID: s.SessionID.String(),
		Seq:       s.Seq,
		Status:    string(s.Status),
		White:     s.White,
		Black:     s.Black,
		StartFEN:  s.Position.StartFEN,
		FEN:       s.Position.FEN,
		Turn:      s.Position.Turn,
		Moves:     append([]string{}, s.Position.Moves...),
		Captured:  s.Position.Captured,
		Advantage: s.Position.Captured.Advantage(),
		Clock:     clockPayload(s.Timed, s.Remaining, s.Running),
	}
	if s.Conclusion != nil {
		c := s.Conclusion.Payload()
		p.Conclusion = &c
	}
	return p
}

func clockPayload(timed bool, remaining clock.Times, running color.Color) messages.ClockPayload {
	return messages.ClockPayload{
		Timed:     timed,
		WhiteTime: remaining.White.Milliseconds(),
		BlackTime: remaining.Black.Milliseconds(),
		Running:   running,
	}
}

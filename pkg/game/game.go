// Package game implements live sessions between two participants and the registry
// that tracks them
package game

import (
	"math/rand/v2"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tecu23/duel-server/pkg/clock"
	"github.com/tecu23/duel-server/pkg/events"
	"github.com/tecu23/duel-server/pkg/group"
	"github.com/tecu23/duel-server/pkg/rules"
)

// Params describe one session to create
type Params struct {
	First  string
	Second string
	// TimeControl is nil for untimed sessions
	TimeControl *clock.TimeControl
	// StartFEN is empty for the standard starting position
	StartFEN string
}

// Deps are the process-wide collaborators of a session
type Deps struct {
	Registry  *Registry
	Groups    *group.Registry
	Oracle    rules.Oracle
	Publisher *events.Publisher // optional
	Clock     clockwork.Clock   // defaults to the real clock
	Sides     SideAssigner      // defaults to RandomSides
	Logger    *zap.Logger
}

// SideAssigner decides which participant plays White
type SideAssigner func(first, second string) (white, black string)

// RandomSides assigns White by coin flip
func RandomSides(first, second string) (string, string) {
	if rand.IntN(2) == 0 {
		return first, second
	}
	return second, first
}

// FirstIsWhite always gives White to the first participant
func FirstIsWhite(first, second string) (string, string) {
	return first, second
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Sides == nil {
		d.Sides = RandomSides
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// Package clock implements the two-sided countdown clock of a session
package clock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tecu23/duel-server/internal/color"
)

// ErrExpired is returned by every mutating operation once a side ran out of time
var ErrExpired = errors.New("clock expired")

// ErrInvalidColor is returned when an operation names neither side
var ErrInvalidColor = errors.New("invalid clock color")

// TimeControl defines the time settings for a session
type TimeControl struct {
	White          time.Duration // Initial time
	Black          time.Duration
	WhiteIncrement time.Duration // Increment credited after each move
	BlackIncrement time.Duration
}

// Uniform returns a TimeControl giving both sides the same budget
func Uniform(initial, increment time.Duration) TimeControl {
	return TimeControl{
		White:          initial,
		Black:          initial,
		WhiteIncrement: increment,
		BlackIncrement: increment,
	}
}

// Validate checks that both budgets are positive
func (tc TimeControl) Validate() error {
	if tc.White <= 0 || tc.Black <= 0 {
		return fmt.Errorf("time control budgets must be positive, got white=%s black=%s", tc.White, tc.Black)
	}
	if tc.WhiteIncrement < 0 || tc.BlackIncrement < 0 {
		return errors.New("time control increments must not be negative")
	}
	return nil
}

// Times holds the remaining time of both sides
type Times struct {
	White time.Duration
	Black time.Duration
}

// Of returns the remaining time of the given side
func (t Times) Of(c color.Color) time.Duration {
	if c == color.White {
		return t.White
	}
	return t.Black
}

type timer struct {
	remaining time.Duration
	elapsed   time.Duration
	increment time.Duration
	startedAt time.Time
}

// Clock manages the countdown of both sides. Remaining time is always derived from
// the wall clock at query time; the scheduled callback only decides when to look.
type Clock struct {
	mu sync.Mutex

	clock  clockwork.Clock
	timers map[color.Color]*timer

	activeColor color.Color
	isRunning   bool

	expired bool
	flagged color.Color

	pending    clockwork.Timer
	generation uint64

	onExpire func(color.Color)
}

// Option configures a Clock
type Option func(*Clock)

// WithClock replaces the wall clock, mostly for tests
func WithClock(c clockwork.Clock) Option {
	return func(cl *Clock) {
		cl.clock = c
	}
}

// WithActive designates the side that runs on Start. White is the default.
func WithActive(side color.Color) Option {
	return func(cl *Clock) {
		if side.Valid() {
			cl.activeColor = side
		}
	}
}

// New creates a clock with the given time control. White is the designated active
// side. The clock is not started.
func New(tc TimeControl, onExpire func(color.Color), opts ...Option) *Clock {
	c := &Clock{
		clock: clockwork.NewRealClock(),
		timers: map[color.Color]*timer{
			color.White: {remaining: tc.White, increment: tc.WhiteIncrement},
			color.Black: {remaining: tc.Black, increment: tc.BlackIncrement},
		},
		activeColor: color.White,
		onExpire:    onExpire,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start starts the clock for the current player
func (c *Clock) Start() error {
	c.mu.Lock()

	if c.expired {
		c.mu.Unlock()
		return ErrExpired
	}

	if c.isRunning {
		c.mu.Unlock()
		return nil
	}

	c.timers[c.activeColor].startedAt = c.clock.Now()
	c.isRunning = true

	fire := c.scheduleLocked()
	c.mu.Unlock()

	c.notify(fire)
	return nil
}

// Stop pauses the active side, folding its elapsed time into the stored total
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRunning {
		return
	}

	c.foldLocked()
	c.isRunning = false
	c.cancelLocked()
}

// Switch is called after a completed move: the mover is credited its increment and
// the opponent's time starts running.
func (c *Clock) Switch() error {
	c.mu.Lock()
	if c.expired {
		c.mu.Unlock()
		return ErrExpired
	}

	mover := c.activeColor
	if c.isRunning {
		c.foldLocked()
		if c.timers[mover].remaining <= 0 {
			fire := c.expireLocked(mover)
			c.mu.Unlock()
			c.notify(fire)
			return ErrExpired
		}
	}
	c.timers[mover].remaining += c.timers[mover].increment

	fire := c.activateLocked(mover.Opp())
	c.mu.Unlock()

	c.notify(fire)
	return nil
}

// SwitchTo pauses the running side and starts next. It is a no-op when next is already
// running. No increment is credited.
func (c *Clock) SwitchTo(next color.Color) error {
	if !next.Valid() {
		return ErrInvalidColor
	}

	c.mu.Lock()
	if c.expired {
		c.mu.Unlock()
		return ErrExpired
	}

	if c.isRunning && c.activeColor == next {
		c.mu.Unlock()
		return nil
	}

	if c.isRunning {
		paused := c.activeColor
		c.foldLocked()
		if c.timers[paused].remaining <= 0 {
			fire := c.expireLocked(paused)
			c.mu.Unlock()
			c.notify(fire)
			return ErrExpired
		}
	}

	fire := c.activateLocked(next)
	c.mu.Unlock()

	c.notify(fire)
	return nil
}

// Adjust overrides the remaining time of one side
func (c *Clock) Adjust(side color.Color, remaining time.Duration) error {
	if !side.Valid() {
		return ErrInvalidColor
	}

	c.mu.Lock()
	if c.expired {
		c.mu.Unlock()
		return ErrExpired
	}

	if remaining < 0 {
		remaining = 0
	}

	if c.isRunning && c.activeColor == side {
		c.foldLocked()
	}
	c.timers[side].remaining = remaining

	var fire bool
	if c.isRunning {
		fire = c.scheduleLocked()
	}
	c.mu.Unlock()

	c.notify(fire)
	return nil
}

// Remaining returns the remaining time for a side
func (c *Clock) Remaining(side color.Color) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.remainingLocked(side)
}

// Times returns the current remaining time for both players
func (c *Clock) Times() Times {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Times{
		White: c.remainingLocked(color.White),
		Black: c.remainingLocked(color.Black),
	}
}

// Elapsed returns the total time a side has spent thinking
func (c *Clock) Elapsed(side color.Color) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.timers[side]
	if t == nil {
		return 0
	}

	elapsed := t.elapsed
	if c.isRunning && c.activeColor == side {
		elapsed += c.clock.Now().Sub(t.startedAt)
	}
	return elapsed
}

// Running returns the active side and whether its time is currently running
func (c *Clock) Running() (color.Color, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.activeColor, c.isRunning
}

// Expired returns the side that ran out of time, if any
func (c *Clock) Expired() (color.Color, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.flagged, c.expired
}

func (c *Clock) remainingLocked(side color.Color) time.Duration {
	t := c.timers[side]
	if t == nil {
		return 0
	}

	remaining := t.remaining
	if c.isRunning && c.activeColor == side {
		remaining -= c.clock.Now().Sub(t.startedAt)
	}

	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// foldLocked moves the time spent since the last start into the stored totals
func (c *Clock) foldLocked() {
	t := c.timers[c.activeColor]
	now := c.clock.Now()
	elapsed := now.Sub(t.startedAt)

	t.remaining -= elapsed
	t.elapsed += elapsed
	t.startedAt = now
}

func (c *Clock) activateLocked(next color.Color) bool {
	c.activeColor = next
	c.timers[next].startedAt = c.clock.Now()
	c.isRunning = true

	return c.scheduleLocked()
}

// scheduleLocked replaces the pending expiry callback with one sized to the active
// side's remaining time. It reports true when the side is already out of time and the
// clock expired on the spot.
func (c *Clock) scheduleLocked() bool {
	c.cancelLocked()

	remaining := c.remainingLocked(c.activeColor)
	if remaining <= 0 {
		c.foldLocked()
		return c.expireLocked(c.activeColor)
	}

	gen := c.generation
	c.pending = c.clock.AfterFunc(remaining, func() {
		c.fire(gen)
	})

	return false
}

func (c *Clock) cancelLocked() {
	c.generation++
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}

// fire runs on the timer goroutine. Stale generations are ignored and a callback that
// arrives before the deadline reschedules itself.
func (c *Clock) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.expired || !c.isRunning {
		c.mu.Unlock()
		return
	}

	fire := c.scheduleLocked()
	c.mu.Unlock()

	if fire && c.onExpire != nil {
		c.onExpire(c.flaggedSide())
	}
}

// expireLocked pauses both sides and marks the clock inert. It returns true only on
// the transition so onExpire runs once.
func (c *Clock) expireLocked(side color.Color) bool {
	if c.expired {
		return false
	}

	c.timers[side].remaining = 0
	c.isRunning = false
	c.expired = true
	c.flagged = side
	c.cancelLocked()

	return true
}

// notify hands the expiry to onExpire on its own goroutine. Callers of Start, Switch,
// SwitchTo and Adjust may hold locks that onExpire needs.
func (c *Clock) notify(fire bool) {
	if !fire || c.onExpire == nil {
		return
	}

	go c.onExpire(c.flaggedSide())
}

func (c *Clock) flaggedSide() color.Color {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.flagged
}

// FormatClockTime formats a duration in milliseconds to a user-friendly string (e.g., "1:30")
func FormatClockTime(timeMs int64) string {
	if timeMs < 0 {
		timeMs = 0
	}

	totalSeconds := timeMs / 1000
	minutes := totalSeconds / 60
	seconds := totalSeconds % 60

	// For times less than 10 seconds, show decimal
	if timeMs < 10000 {
		tenths := (timeMs % 1000) / 100
		return fmt.Sprintf("%d.%d", totalSeconds, tenths)
	}

	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// Package color provides the two sides of a session
package color

// Color represent a side in a session. White always moves first.
type Color string

// Possible color variations in a session
const (
	White Color = "w"
	Black Color = "b"
)

// Opp returns the opposite color for the given color.
func (c Color) Opp() Color {
	if c == White {
		return Black
	}

	return White
}

// Valid reports whether c is one of the two sides.
func (c Color) Valid() bool {
	return c == White || c == Black
}

// Name returns the long form used in logs and result strings
func (c Color) Name() string {
	switch c {
	case White:
		return "white"
	case Black:
		return "black"
	default:
		return "none"
	}
}

// Parse accepts both the short and the long form of a color
func Parse(s string) (Color, bool) {
	switch s {
	case "w", "white":
		return White, true
	case "b", "black":
		return Black, true
	default:
		return "", false
	}
}

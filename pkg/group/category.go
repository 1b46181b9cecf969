package group

// Category derives group names from a structured key so callers never build them by hand
type Category string

const (
	// CategorySession groups both participants of one session
	CategorySession Category = "session"
	// CategorySpectators groups the connections watching one session
	CategorySpectators Category = "spectators"
)

// Name returns the group name for id within the category
func (c Category) Name(id string) string {
	return string(c) + ":" + id
}

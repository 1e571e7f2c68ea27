package protocol

import (
	"strconv"
	"time"
)

// Cursor marks a position in a conversation's history, which is ordered by
// (created_at, id) descending. A page before a cursor holds only messages
// that sort strictly after it. The zero Cursor starts at the newest message.
type Cursor struct {
	At time.Time
	ID string
}

// CursorAt returns the cursor positioned on m.
func CursorAt(m ServerMessage) Cursor {
	return Cursor{At: m.CreatedAt, ID: m.ID}
}

func (c Cursor) IsZero() bool {
	return c.At.IsZero()
}

// Older reports whether a message at (at, id) belongs to the page before c.
func (c Cursor) Older(at time.Time, id string) bool {
	if c.IsZero() || at.Before(c.At) {
		return true
	}
	return at.Equal(c.At) && id < c.ID
}

// FormatCursorTime renders the cursor time for the `before` query parameter.
func FormatCursorTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseCursorTime accepts RFC 3339 with fractional seconds, or whole unix
// milliseconds for older clients.
func ParseCursorTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

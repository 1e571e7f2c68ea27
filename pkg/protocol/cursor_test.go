package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCursorOlder(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 500, time.UTC)
	c := Cursor{At: at, ID: "m5"}

	require.True(t, c.Older(at.Add(-time.Nanosecond), "m9"))
	require.True(t, c.Older(at, "m4"))
	require.False(t, c.Older(at, "m5"))
	require.False(t, c.Older(at, "m6"))
	require.False(t, c.Older(at.Add(time.Nanosecond), "m1"))
	require.True(t, Cursor{}.Older(at, "m1"))
}

func TestParseCursorTime(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 300_123, time.UTC)

	got, err := ParseCursorTime(FormatCursorTime(at))
	require.NoError(t, err)
	require.True(t, at.Equal(got))

	got, err = ParseCursorTime("1714564800000")
	require.NoError(t, err)
	require.True(t, got.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))

	_, err = ParseCursorTime("yesterday")
	require.Error(t, err)
}

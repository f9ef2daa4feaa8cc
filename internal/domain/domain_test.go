package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateOfUsesLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, Date("2026-03-01"), DateOf(at, time.UTC))
	assert.Equal(t, Date("2026-03-02"), DateOf(at, tokyo))
}

func TestDateHelpers(t *testing.T) {
	d, err := ParseDate("2026-02-28")
	require.NoError(t, err)
	assert.Equal(t, Date("2026-03-01"), d.AddDays(1))
	assert.True(t, d.Before(d.AddDays(1)))
	assert.False(t, d.Before(d))

	_, err = ParseDate("2026-13-01")
	assert.Error(t, err)
}

func TestSnapshotTop(t *testing.T) {
	s := LeaderboardSnapshot{Entries: []LeaderboardEntry{{UserID: "a"}, {UserID: "b"}, {UserID: "c"}}}
	assert.Len(t, s.Top(2), 2)
	assert.Len(t, s.Top(0), 3)
	assert.Len(t, s.Top(10), 3)
}

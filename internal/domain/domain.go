// Package domain holds the data model shared by the generator, the
// aggregator, the stores, and the HTTP surface.
package domain

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar day (YYYY-MM-DD) in the reference timezone.
type Date string

// DateOf returns the calendar day of t in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc != nil {
		t = t.In(loc)
	}
	return Date(t.Format(dateLayout))
}

// ParseDate validates s as YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	if _, err := time.Parse(dateLayout, s); err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date(s), nil
}

func (d Date) String() string { return string(d) }

// Before compares lexically, which matches calendar order for YYYY-MM-DD.
func (d Date) Before(o Date) bool { return d < o }

// AddDays shifts the date by n calendar days.
func (d Date) AddDays(n int) Date {
	t, err := time.Parse(dateLayout, string(d))
	if err != nil {
		return d
	}
	return Date(t.AddDate(0, 0, n).Format(dateLayout))
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusExpired:
		return true
	}
	return false
}

// ChallengeDefinition is a catalog entry. Published definitions are immutable.
type ChallengeDefinition struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Metric     string `json:"metric"`
	Target     int64  `json:"target"`
	Difficulty string `json:"difficulty"`
	Weight     int    `json:"weight"`
}

// ChallengeAssignment binds one definition to one user for one day.
// At most one exists per (UserID, Date).
type ChallengeAssignment struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Date         Date      `json:"date"`
	DefinitionID string    `json:"definition_id"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// ScoreRecord is the ranking input for one user.
type ScoreRecord struct {
	UserID     string    `json:"user_id"`
	Score      int64     `json:"score"`
	AchievedAt time.Time `json:"achieved_at"`
}

type LeaderboardEntry struct {
	UserID     string    `json:"user_id"`
	Rank       int       `json:"rank"`
	Score      int64     `json:"score"`
	AchievedAt time.Time `json:"achieved_at"`
	ComputedAt time.Time `json:"computed_at"`
}

// LeaderboardSnapshot is immutable once published; newer versions supersede it.
type LeaderboardSnapshot struct {
	Version    uint64             `json:"version"`
	ComputedAt time.Time          `json:"computed_at"`
	Entries    []LeaderboardEntry `json:"entries"`
}

// Top returns the first n entries (all when n <= 0).
func (s LeaderboardSnapshot) Top(n int) []LeaderboardEntry {
	if n <= 0 || n >= len(s.Entries) {
		return s.Entries
	}
	return s.Entries[:n]
}

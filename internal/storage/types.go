package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"questd/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleSnapshot rejects a publish whose version is not newer than the current one.
	ErrStaleSnapshot = errors.New("stale leaderboard snapshot")
	ErrClosed        = errors.New("storage closed")
	// ErrInvalidAssignment rejects an assignment with missing keys or an unknown status.
	ErrInvalidAssignment = errors.New("invalid assignment")
)

func checkAssignment(a domain.ChallengeAssignment) error {
	switch {
	case a.UserID == "" || a.Date == "" || a.DefinitionID == "":
		return fmt.Errorf("%w: user, date and definition are required", ErrInvalidAssignment)
	case !a.Status.Valid():
		return fmt.Errorf("%w: status %q", ErrInvalidAssignment, a.Status)
	}
	return nil
}

// Config configures storage.
type Config struct {
	Driver       string
	Path         string        // sqlite file
	DSN          string        // postgres connection string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// UserStore is the read side of the user and score records.
type UserStore interface {
	ActiveUserIDs(ctx context.Context) ([]string, error)
	// ListScores returns the score of every active user that has one.
	ListScores(ctx context.Context) ([]domain.ScoreRecord, error)
}

type DefinitionStore interface {
	// ListDefinitions returns published definitions only.
	ListDefinitions(ctx context.Context) ([]domain.ChallengeDefinition, error)
}

type ChallengeStore interface {
	GetAssignment(ctx context.Context, userID string, date domain.Date) (domain.ChallengeAssignment, error)
	// CreateIfAbsent inserts a unless (UserID, Date) already exists.
	// created is false when another assignment holds the key.
	CreateIfAbsent(ctx context.Context, a domain.ChallengeAssignment) (created bool, err error)
	// History returns up to limit assignments for userID, most recent first.
	History(ctx context.Context, userID string, limit int) ([]domain.ChallengeAssignment, error)
	// ExpirePending marks pending assignments dated before the given day as expired.
	ExpirePending(ctx context.Context, before domain.Date) (int64, error)
}

// LeaderboardCache holds the current ranked snapshot.
type LeaderboardCache interface {
	Publish(ctx context.Context, snap domain.LeaderboardSnapshot) error
	// Current returns ErrNotFound until the first publish.
	Current(ctx context.Context) (domain.LeaderboardSnapshot, error)
}

// TokenResolver maps a bearer token to a user id.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (userID string, err error)
}

// Seeder writes the records other services own. questd itself only reads
// them; the seed command and tests use it.
type Seeder interface {
	UpsertUser(ctx context.Context, userID string, active bool) error
	PutScore(ctx context.Context, rec domain.ScoreRecord) error
	PutDefinition(ctx context.Context, def domain.ChallengeDefinition, published bool) error
	PutSession(ctx context.Context, token, userID string, expiresAt time.Time) error
}

// Store is everything a driver provides.
type Store interface {
	UserStore
	DefinitionStore
	ChallengeStore
	LeaderboardCache
	TokenResolver
	Seeder
	Close() error
}

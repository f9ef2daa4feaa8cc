package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"questd/internal/domain"
)

// SeedFile is the on-disk shape accepted by LoadSeedFile.
//
//	users:       [{id: alice}]
//	definitions: [{id: pushups, title: "50 push-ups", metric: reps, target: 50, weight: 2}]
//	scores:      [{user_id: alice, score: 120, achieved_at: 2026-03-01T10:00:00Z}]
//	sessions:    [{token: dev-alice, user_id: alice}]
type SeedFile struct {
	Users       []SeedUser       `yaml:"users"`
	Definitions []SeedDefinition `yaml:"definitions"`
	Scores      []SeedScore      `yaml:"scores"`
	Sessions    []SeedSession    `yaml:"sessions"`
}

type SeedUser struct {
	ID     string `yaml:"id"`
	Active *bool  `yaml:"active"` // default true
}

type SeedDefinition struct {
	ID         string `yaml:"id"`
	Title      string `yaml:"title"`
	Metric     string `yaml:"metric"`
	Target     int64  `yaml:"target"`
	Difficulty string `yaml:"difficulty"`
	Weight     int    `yaml:"weight"`
	Published  *bool  `yaml:"published"` // default true
}

type SeedScore struct {
	UserID     string    `yaml:"user_id"`
	Score      int64     `yaml:"score"`
	AchievedAt time.Time `yaml:"achieved_at"`
}

type SeedSession struct {
	Token     string    `yaml:"token"`
	UserID    string    `yaml:"user_id"`
	ExpiresAt time.Time `yaml:"expires_at"` // zero never expires
}

// SeedCounts reports how many records of each kind were written.
type SeedCounts struct {
	Users, Definitions, Scores, Sessions int
}

// ParseSeed decodes a seed document. Unknown keys are rejected.
func ParseSeed(data []byte) (SeedFile, error) {
	var f SeedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return SeedFile{}, nil
		}
		return SeedFile{}, fmt.Errorf("parse seed: %w", err)
	}
	return f, nil
}

// LoadSeedFile reads path and upserts its records through s.
func LoadSeedFile(ctx context.Context, path string, s Seeder) (SeedCounts, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return SeedCounts{}, err
	}
	f, err := ParseSeed(b)
	if err != nil {
		return SeedCounts{}, err
	}
	return ApplySeed(ctx, f, s)
}

// ApplySeed writes f through s. It stops at the first failing record.
func ApplySeed(ctx context.Context, f SeedFile, s Seeder) (SeedCounts, error) {
	var n SeedCounts
	for _, u := range f.Users {
		if strings.TrimSpace(u.ID) == "" {
			return n, fmt.Errorf("seed user: id is required")
		}
		if err := s.UpsertUser(ctx, u.ID, u.Active == nil || *u.Active); err != nil {
			return n, fmt.Errorf("seed user %s: %w", u.ID, err)
		}
		n.Users++
	}
	for _, d := range f.Definitions {
		if strings.TrimSpace(d.ID) == "" {
			return n, fmt.Errorf("seed definition: id is required")
		}
		def := domain.ChallengeDefinition{
			ID:         d.ID,
			Title:      d.Title,
			Metric:     d.Metric,
			Target:     d.Target,
			Difficulty: d.Difficulty,
			Weight:     d.Weight,
		}
		if err := s.PutDefinition(ctx, def, d.Published == nil || *d.Published); err != nil {
			return n, fmt.Errorf("seed definition %s: %w", d.ID, err)
		}
		n.Definitions++
	}
	for _, sc := range f.Scores {
		if strings.TrimSpace(sc.UserID) == "" {
			return n, fmt.Errorf("seed score: user_id is required")
		}
		rec := domain.ScoreRecord{UserID: sc.UserID, Score: sc.Score, AchievedAt: sc.AchievedAt}
		if err := s.PutScore(ctx, rec); err != nil {
			return n, fmt.Errorf("seed score %s: %w", sc.UserID, err)
		}
		n.Scores++
	}
	for _, ss := range f.Sessions {
		if strings.TrimSpace(ss.Token) == "" || strings.TrimSpace(ss.UserID) == "" {
			return n, fmt.Errorf("seed session: token and user_id are required")
		}
		if err := s.PutSession(ctx, ss.Token, ss.UserID, ss.ExpiresAt); err != nil {
			return n, fmt.Errorf("seed session for %s: %w", ss.UserID, err)
		}
		n.Sessions++
	}
	return n, nil
}

package leaderboard

import (
	"sort"
	"time"

	"questd/internal/domain"
)

// Rank orders scores and assigns ranks.
//
// Ranking policy: score descending, then earliest AchievedAt, then UserID
// ascending. Every entry gets a distinct rank, contiguous from 1, even when
// scores are equal; the tie-break decides who goes first.
func Rank(scores []domain.ScoreRecord, computedAt time.Time, limit int) []domain.LeaderboardEntry {
	sorted := append([]domain.ScoreRecord(nil), scores...)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })

	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]domain.LeaderboardEntry, len(sorted))
	for i, s := range sorted {
		out[i] = domain.LeaderboardEntry{
			UserID:     s.UserID,
			Rank:       i + 1,
			Score:      s.Score,
			AchievedAt: s.AchievedAt,
			ComputedAt: computedAt,
		}
	}
	return out
}

func less(a, b domain.ScoreRecord) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.AchievedAt.Equal(b.AchievedAt) {
		return a.AchievedAt.Before(b.AchievedAt)
	}
	return a.UserID < b.UserID
}

// Package leaderboard recomputes the ranked snapshot and publishes it.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"questd/internal/clock"
	"questd/internal/domain"
	"questd/internal/eventbus"
	"questd/internal/storage"
	logx "questd/pkg/logx"
)

type Config struct {
	// MaxEntries truncates the published board. 0 keeps everyone.
	MaxEntries int
}

type Deps struct {
	Scores storage.UserStore
	Cache  storage.LeaderboardCache
	Bus    eventbus.Bus // optional
	Clock  clock.Clock  // defaults to clock.Real
}

// Aggregator owns snapshot versioning. Versions come from the computation
// clock in nanoseconds, bumped past the current one when the clock stalls,
// so they keep increasing across restarts.
type Aggregator struct {
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	cfg  Config
	last uint64
}

func NewAggregator(deps Deps, cfg Config, log logx.Logger) *Aggregator {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{deps: deps, cfg: cfg, log: log}
}

func (a *Aggregator) Apply(cfg Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// Refresh reads every ranked score, ranks them, and publishes a new
// snapshot. On any failure, or if ctx ends first, nothing is published and
// the previous snapshot stays current.
func (a *Aggregator) Refresh(ctx context.Context) (domain.LeaderboardSnapshot, error) {
	start := time.Now()
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	scores, err := a.deps.Scores.ListScores(ctx)
	if err != nil {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("read scores: %w", err)
	}

	computedAt := a.deps.Clock.Now().UTC()
	snap := domain.LeaderboardSnapshot{
		ComputedAt: computedAt,
		Entries:    Rank(scores, computedAt, cfg.MaxEntries),
	}

	if err := ctx.Err(); err != nil {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("refresh canceled before publish: %w", err)
	}

	snap.Version, err = a.nextVersion(ctx, computedAt)
	if err != nil {
		return domain.LeaderboardSnapshot{}, err
	}
	if err := a.deps.Cache.Publish(ctx, snap); err != nil {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("publish snapshot v%d: %w", snap.Version, err)
	}
	a.mu.Lock()
	if snap.Version > a.last {
		a.last = snap.Version
	}
	a.mu.Unlock()

	a.log.Info("leaderboard published",
		logx.Uint64("version", snap.Version),
		logx.Int("entries", len(snap.Entries)),
		logx.Int("scores", len(scores)),
		logx.Duration("took", time.Since(start)),
	)
	if a.deps.Bus != nil {
		a.deps.Bus.Publish(eventbus.Event{Type: eventbus.TopicLeaderboardPublished, Time: computedAt, Data: snap})
	}
	return snap, nil
}

func (a *Aggregator) nextVersion(ctx context.Context, at time.Time) (uint64, error) {
	a.mu.Lock()
	floor := a.last
	a.mu.Unlock()

	if floor == 0 {
		cur, err := a.deps.Cache.Current(ctx)
		switch {
		case err == nil:
			floor = cur.Version
		case errors.Is(err, storage.ErrNotFound):
		default:
			return 0, fmt.Errorf("read current snapshot: %w", err)
		}
	}
	v := uint64(at.UnixNano())
	if v <= floor {
		v = floor + 1
	}
	return v, nil
}

// Current returns the last published snapshot.
func (a *Aggregator) Current(ctx context.Context) (domain.LeaderboardSnapshot, error) {
	return a.deps.Cache.Current(ctx)
}

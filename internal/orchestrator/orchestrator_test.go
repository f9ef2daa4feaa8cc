package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questd/internal/clock"
	"questd/internal/task/engine"
	"questd/internal/task/scheduler"
	logx "questd/pkg/logx"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	o, err := New(Config{
		Engine:    engine.Config{Enabled: true, Workers: 2, DefaultTimeout: 5 * time.Second},
		Scheduler: scheduler.Config{Enabled: true, Timezone: "UTC"},
	}, clk, nil, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Stop(ctx)
	})
	return o, clk
}

func statsOf(o *Orchestrator, name string) TaskStats {
	return o.Snapshot().Tasks[name]
}

func TestInvalidCadenceIsRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	noop := func(context.Context, time.Time) error { return nil }
	assert.Error(t, o.ScheduleRecurring("gen", "every now and then", time.Minute, noop))
	assert.Error(t, o.ScheduleRecurring("gen", "99 99 * * *", time.Minute, noop))
	assert.ErrorIs(t, o.RunNow("gen"), ErrUnknownTask)
}

func TestMissingTimezoneIsAConfigFault(t *testing.T) {
	_, err := New(Config{Scheduler: scheduler.Config{Enabled: true}}, clock.NewFake(time.Now()), nil, logx.Nop())
	assert.Error(t, err)
}

func TestTriggerWhileInFlightRunsOnce(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, o.ScheduleRecurring("refresh", "15m", time.Minute, func(ctx context.Context, _ time.Time) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}))
	o.Start(context.Background())

	require.NoError(t, o.RunNow("refresh"))
	<-started
	assert.ErrorIs(t, o.RunNow("refresh"), ErrInFlight)
	close(release)

	require.Eventually(t, func() bool { return statsOf(o, "refresh").Successes == 1 }, 2*time.Second, 5*time.Millisecond)
	st := statsOf(o, "refresh")
	assert.Equal(t, uint64(1), st.Runs)
	assert.Equal(t, uint64(1), st.Skipped)
	assert.Equal(t, int32(1), runs.Load())
}

func TestFailureDoesNotStopLaterRuns(t *testing.T) {
	o, clk := newTestOrchestrator(t)
	var calls atomic.Int32
	require.NoError(t, o.ScheduleRecurring("gen", "1m", time.Minute, func(ctx context.Context, _ time.Time) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("store unavailable")
		case 2:
			panic("boom")
		default:
			return nil
		}
	}))
	o.Start(context.Background())

	for want := uint64(1); want <= 3; want++ {
		clk.BlockUntil(1)
		clk.Advance(time.Minute)
		require.Eventually(t, func() bool { return statsOf(o, "gen").Runs == want }, 2*time.Second, 5*time.Millisecond)
	}

	st := statsOf(o, "gen")
	assert.Equal(t, uint64(2), st.Failures)
	assert.Equal(t, uint64(1), st.Successes)
	assert.Equal(t, engine.OutcomeSuccess, st.LastOutcome)
}

func TestPartialAndTimeoutOutcomes(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	require.NoError(t, o.ScheduleRecurring("gen", "@daily", time.Minute, func(context.Context, time.Time) error {
		return engine.Partial(errors.New("1 of 3 users failed"))
	}))
	require.NoError(t, o.ScheduleRecurring("stuck", "@daily", 20*time.Millisecond, func(ctx context.Context, _ time.Time) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	o.Start(context.Background())

	require.NoError(t, o.RunNow("gen"))
	require.NoError(t, o.RunNow("stuck"))
	require.Eventually(t, func() bool {
		return statsOf(o, "gen").Partials == 1 && statsOf(o, "stuck").Timeouts == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The timed-out task can run again.
	require.NoError(t, o.RunNow("stuck"))
}

func TestSnapshotListsSchedules(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	noop := func(context.Context, time.Time) error { return nil }
	require.NoError(t, o.ScheduleRecurring("challenge_generation", "0 0 * * *", time.Minute, noop))
	require.NoError(t, o.ScheduleRecurring("leaderboard_refresh", "15m", time.Minute, noop))

	snap := o.Snapshot()
	require.Len(t, snap.Scheduler.Schedules, 2)
	assert.Equal(t, "challenge_generation", snap.Scheduler.Schedules[0].Name)
	assert.True(t, snap.Scheduler.Schedules[0].Next.Equal(time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)))
	assert.Contains(t, snap.Tasks, "leaderboard_refresh")

	refresh := snap.Upcoming["leaderboard_refresh"]
	require.Len(t, refresh, 3)
	assert.True(t, refresh[0].Equal(time.Date(2024, 6, 1, 0, 15, 0, 0, time.UTC)), refresh[0].String())
	assert.Equal(t, 15*time.Minute, refresh[2].Sub(refresh[1]))

	assert.True(t, o.Unschedule("leaderboard_refresh"))
	snap = o.Snapshot()
	assert.Contains(t, snap.Tasks, "leaderboard_refresh", "stats outlive the schedule")
	assert.NotContains(t, snap.Upcoming, "leaderboard_refresh")
	assert.Len(t, snap.Upcoming["challenge_generation"], 3)
}

func TestResizingPoolKeepsQueuedTaskRunnable(t *testing.T) {
	cfg := Config{
		Engine:    engine.Config{Enabled: true, Workers: 1, DefaultTimeout: 5 * time.Second},
		Scheduler: scheduler.Config{Enabled: true, Timezone: "UTC"},
	}
	o, err := New(cfg, clock.NewFake(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)), nil, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Stop(ctx)
	})

	started := make(chan struct{}, 1)
	require.NoError(t, o.ScheduleRecurring("gen", "@daily", time.Minute, func(ctx context.Context, _ time.Time) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}))
	var refreshed atomic.Int32
	require.NoError(t, o.ScheduleRecurring("refresh", "15m", time.Minute, func(context.Context, time.Time) error {
		refreshed.Add(1)
		return nil
	}))
	o.Start(context.Background())

	require.NoError(t, o.RunNow("gen"))
	<-started
	require.NoError(t, o.RunNow("refresh"))

	cfg.Engine.Workers = 2
	require.NoError(t, o.Apply(context.Background(), cfg))

	require.NoError(t, o.RunNow("refresh"))
	require.Eventually(t, func() bool { return refreshed.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return statsOf(o, "refresh").Dropped == 1 }, 2*time.Second, 5*time.Millisecond)
}

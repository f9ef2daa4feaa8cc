package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questd/internal/clock"
	"questd/internal/task/engine"
	logx "questd/pkg/logx"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	states map[string]*engine.RunState
	tasks  chan engine.Task
}

func newRecorder() *recordingDispatcher {
	return &recordingDispatcher{states: map[string]*engine.RunState{}, tasks: make(chan engine.Task, 16)}
}

func (r *recordingDispatcher) Enqueue(t engine.Task) error {
	r.tasks <- t
	return nil
}

func (r *recordingDispatcher) StateFor(name string) *engine.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[name] == nil {
		r.states[name] = &engine.RunState{}
	}
	return r.states[name]
}

func (r *recordingDispatcher) next(t *testing.T) engine.Task {
	t.Helper()
	select {
	case task := <-r.tasks:
		return task
	case <-time.After(3 * time.Second):
		t.Fatal("no task dispatched")
		return engine.Task{}
	}
}

func (r *recordingDispatcher) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case task := <-r.tasks:
		t.Fatalf("unexpected dispatch of %s", task.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestScheduler(t *testing.T, tz string, start time.Time) (*Service, *clock.Fake, *recordingDispatcher) {
	t.Helper()
	clk := clock.NewFake(start)
	rec := newRecorder()
	s, err := New(Config{Enabled: true, Timezone: tz}, rec, clk, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, clk, rec
}

// firedAtOf runs the dispatched task and returns the trigger time the job saw.
func firedAtOf(t *testing.T, task engine.Task, seen *atomic.Value) time.Time {
	t.Helper()
	require.NoError(t, task.Run(context.Background()))
	return seen.Load().(time.Time)
}

func TestDailyCronFiresAtMidnightInReferenceTimezone(t *testing.T) {
	// 23:59 in Tokyo.
	s, clk, rec := newTestScheduler(t, "Asia/Tokyo", time.Date(2026, 3, 1, 14, 59, 0, 0, time.UTC))

	var seen atomic.Value
	require.NoError(t, s.AddSchedule("challenge_generation", "0 0 * * *", time.Minute, func(ctx context.Context, firedAt time.Time) error {
		seen.Store(firedAt)
		return nil
	}))
	s.Start(context.Background())
	clk.BlockUntil(1)

	clk.Advance(30 * time.Second)
	rec.assertIdle(t)

	clk.Advance(30 * time.Second)
	task := rec.next(t)
	assert.Equal(t, "challenge_generation", task.Name)
	assert.Equal(t, time.Minute, task.Timeout)
	assert.Equal(t, engine.OverlapSkipIfRunning, task.Opt.Overlap)

	firedAt := firedAtOf(t, task, &seen)
	assert.True(t, firedAt.Equal(time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2026-03-02", firedAt.In(s.Location()).Format("2006-01-02"))
}

func TestIntervalFiresRepeatedlyAndCoalescesMissedFires(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, clk, rec := newTestScheduler(t, "UTC", start)

	require.NoError(t, s.AddSchedule("leaderboard_refresh", "15m", 0, func(context.Context, time.Time) error { return nil }))
	s.Start(context.Background())

	clk.BlockUntil(1)
	clk.Advance(15 * time.Minute)
	rec.next(t)

	clk.BlockUntil(1)
	clk.Advance(15 * time.Minute)
	rec.next(t)

	// An hour passes in one jump: one trigger, not four.
	clk.BlockUntil(1)
	clk.Advance(time.Hour)
	rec.next(t)
	rec.assertIdle(t)

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	info := snap.Schedules[0]
	assert.Equal(t, uint64(3), info.Fires)
	assert.Equal(t, "interval", info.Kind)
	assert.True(t, info.Next.Equal(start.Add(105*time.Minute)), info.Next.String())
}

func TestTriggerRunsOutsideCadence(t *testing.T) {
	s, _, rec := newTestScheduler(t, "UTC", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	var seen atomic.Value
	require.NoError(t, s.AddSchedule("gen", "0 0 * * *", 0, func(ctx context.Context, firedAt time.Time) error {
		seen.Store(firedAt)
		return nil
	}))

	assert.ErrorIs(t, s.Trigger("missing"), ErrUnknownSchedule)
	require.NoError(t, s.Trigger("gen"))
	task := rec.next(t)
	assert.True(t, firedAtOf(t, task, &seen).Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
}

func TestAddScheduleUpsertsAndRemove(t *testing.T) {
	s, _, _ := newTestScheduler(t, "UTC", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	job := func(context.Context, time.Time) error { return nil }

	require.NoError(t, s.AddSchedule("refresh", "15m", 0, job))
	require.NoError(t, s.AddSchedule("refresh", "30m", 0, job))
	assert.Error(t, s.AddSchedule("refresh", "not a cadence", 0, job))

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "30m", snap.Schedules[0].Spec)

	runs := s.NextRuns("refresh", 2)
	require.Len(t, runs, 2)
	assert.Equal(t, 30*time.Minute, runs[1].Sub(runs[0]))

	assert.True(t, s.Remove("refresh"))
	assert.False(t, s.Has("refresh"))
	assert.False(t, s.Remove("refresh"))
}

func TestReregisteringSameCadenceKeepsNextFire(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s, clk, rec := newTestScheduler(t, "UTC", start)
	job := func(context.Context, time.Time) error { return nil }

	require.NoError(t, s.AddSchedule("refresh", "15m", 0, job))
	s.Start(context.Background())
	clk.BlockUntil(1)
	clk.Advance(10 * time.Minute)
	rec.assertIdle(t)

	require.NoError(t, s.AddSchedule("refresh", "15m", time.Minute, job))
	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.True(t, snap.Schedules[0].Next.Equal(start.Add(15*time.Minute)), snap.Schedules[0].Next.String())
	assert.Equal(t, time.Minute, snap.Schedules[0].Timeout)
	runs := s.NextRuns("refresh", 2)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].Equal(start.Add(15*time.Minute)), runs[0].String())
	assert.True(t, runs[1].Equal(start.Add(30*time.Minute)), runs[1].String())

	clk.BlockUntil(1)
	clk.Advance(5 * time.Minute)
	rec.next(t)

	// A different cadence re-arms from now.
	require.NoError(t, s.AddSchedule("refresh", "30m", 0, job))
	next := s.Snapshot().Schedules[0].Next
	assert.True(t, next.Equal(start.Add(45*time.Minute)), next.String())
}

func TestTimezoneIsRequired(t *testing.T) {
	_, err := New(Config{Enabled: true}, newRecorder(), clock.NewFake(time.Now()), logx.Nop())
	assert.Error(t, err)

	_, err = New(Config{Enabled: true, Timezone: "Mars/Olympus"}, newRecorder(), clock.NewFake(time.Now()), logx.Nop())
	assert.Error(t, err)

	s, _, _ := newTestScheduler(t, "UTC", time.Now())
	assert.Error(t, s.Apply(Config{Enabled: true, Timezone: "Nowhere/Nope"}))
	assert.Equal(t, "UTC", s.Location().String())
	require.NoError(t, s.Apply(Config{Enabled: true, Timezone: "Europe/Berlin"}))
	assert.Equal(t, "Europe/Berlin", s.Location().String())
}

func TestOverlappingTriggersExecuteOnce(t *testing.T) {
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	s, err := New(Config{Enabled: true, Timezone: "UTC"}, eng, clock.NewFake(time.Now()), logx.Nop())
	require.NoError(t, err)

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.AddSchedule("gen", "@daily", time.Minute, func(ctx context.Context, _ time.Time) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}))

	require.NoError(t, s.Trigger("gen"))
	<-started
	assert.ErrorIs(t, s.Trigger("gen"), engine.ErrOverlapSkip)
	close(release)

	require.Eventually(t, func() bool { return !eng.StateFor("gen").InFlight() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

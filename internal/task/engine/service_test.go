package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questd/internal/eventbus"
	logx "questd/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	cfg.Enabled = true
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, topic string) TaskEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == topic {
				return ev.Data.(TaskEvent)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", topic)
		}
	}
}

func TestEnqueueSkipsWhileInFlight(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 2})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	release := make(chan struct{})
	var runs atomic.Int32
	task := Task{Name: "refresh", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}}

	require.NoError(t, s.Enqueue(task))
	waitEvent(t, events, eventbus.TopicTaskStarted)

	err := s.Enqueue(task)
	assert.ErrorIs(t, err, ErrOverlapSkip)
	skipped := waitEvent(t, events, eventbus.TopicTaskSkipped)
	assert.Equal(t, OutcomeSkipped, skipped.Outcome)

	close(release)
	finished := waitEvent(t, events, eventbus.TopicTaskFinished)
	assert.Equal(t, OutcomeSuccess, finished.Outcome)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, uint64(1), s.Snapshot().Skipped)

	// Flag is cleared after completion.
	assert.False(t, s.StateFor("refresh").InFlight())
	require.NoError(t, s.Enqueue(Task{Name: "refresh", Run: func(context.Context) error { return nil }}))
}

func TestTimeoutClearsInFlightFlagForStuckRun(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 2})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	stuck := make(chan struct{})
	defer close(stuck)
	require.NoError(t, s.Enqueue(Task{Name: "gen", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-stuck // ignores ctx on purpose
		return nil
	}}))

	failed := waitEvent(t, events, eventbus.TopicTaskFailed)
	assert.Equal(t, OutcomeTimeout, failed.Outcome)
	assert.False(t, s.StateFor("gen").InFlight())
	assert.Equal(t, uint64(1), s.Snapshot().Abandoned)

	require.NoError(t, s.Enqueue(Task{Name: "gen", Run: func(context.Context) error { return nil }}))
	waitEvent(t, events, eventbus.TopicTaskFinished)
}

func TestPanicIsIsolated(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	require.NoError(t, s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("kaboom") }}))
	failed := waitEvent(t, events, eventbus.TopicTaskFailed)
	assert.Equal(t, OutcomeFailure, failed.Outcome)
	assert.Contains(t, failed.Error, "kaboom")

	// The single worker survived and keeps serving.
	require.NoError(t, s.Enqueue(Task{Name: "next", Run: func(context.Context) error { return nil }}))
	finished := waitEvent(t, events, eventbus.TopicTaskFinished)
	assert.Equal(t, "next", finished.Name)
}

func TestPartialOutcome(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	require.NoError(t, s.Enqueue(Task{Name: "gen", Run: func(context.Context) error {
		return Partial(errors.New("1 user failed"))
	}}))
	ev := waitEvent(t, events, eventbus.TopicTaskFinished)
	assert.Equal(t, OutcomePartial, ev.Outcome)

	h := s.Snapshot().History
	require.Len(t, h, 1)
	assert.Equal(t, OutcomePartial, h[0].Outcome)
}

func TestEnqueueRejectsWhenDisabledOrStopped(t *testing.T) {
	s := New(Config{Enabled: false}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrDisabled)

	s2 := New(Config{Enabled: true}, logx.Nop(), nil)
	assert.ErrorIs(t, s2.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, classify(nil))
	assert.Equal(t, OutcomePartial, classify(Partial(errors.New("x"))))
	assert.Equal(t, OutcomeTimeout, classify(ErrTimeout))
	assert.Equal(t, OutcomeFailure, classify(errors.New("x")))
	assert.Nil(t, Partial(nil))
}

func TestRestartReleasesQueuedRuns(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1, QueueSize: 4})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	skip := TaskOptions{Overlap: OverlapSkipIfRunning}
	require.NoError(t, s.Enqueue(Task{Name: "gen", Opt: skip, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	waitEvent(t, events, eventbus.TopicTaskStarted)

	// The only worker is busy, so refresh waits in the queue.
	require.NoError(t, s.Enqueue(Task{Name: "refresh", Opt: skip, Run: func(context.Context) error { return nil }}))
	require.True(t, s.StateFor("refresh").InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	dropped := waitEvent(t, events, eventbus.TopicTaskDropped)
	assert.Equal(t, "refresh", dropped.Name)
	assert.Equal(t, "engine_stopped", dropped.Error)
	assert.False(t, s.StateFor("refresh").InFlight())
	assert.False(t, s.StateFor("gen").InFlight())

	s.Start(context.Background())
	require.NoError(t, s.Enqueue(Task{Name: "refresh", Opt: skip, Run: func(context.Context) error { return nil }}))
	finished := waitEvent(t, events, eventbus.TopicTaskFinished)
	assert.Equal(t, "refresh", finished.Name)
}

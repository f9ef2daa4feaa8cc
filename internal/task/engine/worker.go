package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"questd/internal/eventbus"
	logx "questd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, t)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if qt.enqueuedAt.IsZero() || queueDelay < 0 {
		queueDelay = 0
	}

	// The in-flight flag must be cleared exactly once: either when the run
	// returns or when the timeout guard gives up on it.
	var releaseOnce sync.Once
	release := func() {
		if qt.track && qt.state != nil {
			releaseOnce.Do(qt.state.release)
		}
	}
	defer release()

	s.mu.Lock()
	maxQueueDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()

	if maxQueueDelay > 0 && queueDelay > maxQueueDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Outcome: OutcomeDropped, Error: "stale_queue_delay"})
		return
	}

	log := s.log.With(logx.String("task", qt.task.Name), logx.String("run_id", qt.task.ID))
	log.Debug("task.started", logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TopicTaskStarted, start, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		// Guard against task panics: convert to error so one bad run can't
		// crash the process or permanently kill a worker.
		defer func() {
			if r := recover(); r != nil {
				log.Error("task.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- qt.task.Run(runCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-runCtx.Done():
		select {
		case err = <-done:
		default:
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("%w (%s)", ErrTimeout, qt.timeout)
			} else {
				err = runCtx.Err()
			}
			atomic.AddUint64(&s.abandoned, 1)
			go func() {
				late := <-done
				log.Debug("task.abandoned_run_returned", logx.Err(late), logx.Duration("after", time.Since(start)))
			}()
		}
	}
	// A run that overstayed its guard is a timeout whatever it returned.
	if qt.timeout > 0 && !errors.Is(err, ErrTimeout) && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		if err != nil {
			err = fmt.Errorf("%w (%s): %v", ErrTimeout, qt.timeout, err)
		} else {
			err = fmt.Errorf("%w (%s)", ErrTimeout, qt.timeout)
		}
	}
	release()

	dur := time.Since(start)
	outcome := classify(err)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay, Outcome: outcome}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Outcome: outcome}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
	}

	s.record(item)

	switch outcome {
	case OutcomeSuccess, OutcomePartial:
		log.Debug("task.completed", logx.String("outcome", string(outcome)), logx.Duration("dur", dur), logx.Err(err))
		s.publish(eventbus.TopicTaskFinished, time.Now(), ev)
	default:
		log.Warn("task.failed", logx.String("outcome", string(outcome)), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.publish(eventbus.TopicTaskFailed, time.Now(), ev)
	}
}

package orchestrator

import (
	"context"
	"time"

	"questd/internal/eventbus"
	"questd/internal/task/engine"
	logx "questd/pkg/logx"
)

// TaskStats counts outcomes per task name.
type TaskStats struct {
	Runs      uint64 `json:"runs"`
	Successes uint64 `json:"successes"`
	Partials  uint64 `json:"partials"`
	Failures  uint64 `json:"failures"`
	Timeouts  uint64 `json:"timeouts"`
	Skipped   uint64 `json:"skipped"`
	Dropped   uint64 `json:"dropped"`

	LastOutcome  engine.Outcome `json:"last_outcome,omitempty"`
	LastStarted  time.Time      `json:"last_started,omitempty"`
	LastDuration time.Duration  `json:"last_duration,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
}

func (o *Orchestrator) observe(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.Is("task") {
				continue
			}
			te, ok := ev.Data.(engine.TaskEvent)
			if !ok {
				continue
			}
			o.record(ev.Type, te)
		}
	}
}

func (o *Orchestrator) record(topic string, te engine.TaskEvent) {
	o.mu.Lock()
	st := o.stats[te.Name]
	if st == nil {
		st = &TaskStats{}
		o.stats[te.Name] = st
	}
	switch topic {
	case eventbus.TopicTaskSkipped:
		st.Skipped++
	case eventbus.TopicTaskDropped:
		st.Dropped++
	case eventbus.TopicTaskFinished, eventbus.TopicTaskFailed:
		st.Runs++
		switch te.Outcome {
		case engine.OutcomeSuccess:
			st.Successes++
		case engine.OutcomePartial:
			st.Partials++
		case engine.OutcomeTimeout:
			st.Timeouts++
		default:
			st.Failures++
		}
		st.LastOutcome = te.Outcome
		st.LastStarted = te.Started
		st.LastDuration = te.Duration
		st.LastError = te.Error
	default:
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	fields := []logx.Field{
		logx.String("task", te.Name),
		logx.String("run_id", te.ID),
		logx.Time("started", te.Started),
		logx.String("outcome", string(te.Outcome)),
	}
	switch topic {
	case eventbus.TopicTaskFinished:
		o.log.Info("run finished", append(fields, logx.Duration("dur", te.Duration))...)
	case eventbus.TopicTaskFailed:
		o.log.Warn("run failed", append(fields, logx.Duration("dur", te.Duration), logx.String("error", te.Error))...)
	default:
		o.log.Debug("run rejected", append(fields, logx.String("reason", te.Error))...)
	}
}

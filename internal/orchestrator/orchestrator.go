// Package orchestrator is the single entry point for recurring work: it
// registers cadences with the scheduler, executes runs on the task engine,
// and keeps per-task outcome statistics from the completion events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"questd/internal/clock"
	"questd/internal/eventbus"
	rtsup "questd/internal/runtime/supervisor"
	"questd/internal/task/engine"
	"questd/internal/task/scheduler"
	logx "questd/pkg/logx"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	// ErrInFlight is returned by RunNow while the task is running or queued.
	ErrInFlight = engine.ErrOverlapSkip
)

// Task is the work a cadence triggers. firedAt is the nominal trigger time.
type Task = scheduler.JobFunc

type Config struct {
	Engine    engine.Config
	Scheduler scheduler.Config
}

type Orchestrator struct {
	log   logx.Logger
	bus   eventbus.Bus
	eng   *engine.Service
	sched *scheduler.Service

	mu     sync.Mutex
	stats  map[string]*TaskStats
	sup    *rtsup.Supervisor
	runCtx context.Context
}

// New validates cfg and builds the engine and scheduler. It does not start anything.
func New(cfg Config, clk clock.Clock, bus eventbus.Bus, log logx.Logger) (*Orchestrator, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	eng := engine.New(cfg.Engine, log.With(logx.String("comp", "taskengine")), bus)
	sched, err := scheduler.New(cfg.Scheduler, eng, clk, log.With(logx.String("comp", "scheduler")))
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		log:   log.With(logx.String("comp", "orchestrator")),
		bus:   bus,
		eng:   eng,
		sched: sched,
		stats: map[string]*TaskStats{},
	}, nil
}

// ScheduleRecurring registers task under name, replacing an earlier
// registration. An invalid cadence is returned as an error and changes nothing.
func (o *Orchestrator) ScheduleRecurring(name, cadence string, timeout time.Duration, task Task) error {
	if err := o.sched.AddSchedule(name, cadence, timeout, task); err != nil {
		return err
	}
	o.mu.Lock()
	if o.stats[name] == nil {
		o.stats[name] = &TaskStats{}
	}
	o.mu.Unlock()
	return nil
}

// Unschedule removes name. Runs already dispatched finish normally.
func (o *Orchestrator) Unschedule(name string) bool {
	return o.sched.Remove(name)
}

// RunNow dispatches name outside its cadence. It does not wait for the run;
// the outcome shows up in logs and Snapshot.
func (o *Orchestrator) RunNow(name string) error {
	err := o.sched.Trigger(name)
	switch {
	case err == nil:
		o.log.Info("manual run dispatched", logx.String("task", name))
		return nil
	case errors.Is(err, scheduler.ErrUnknownSchedule):
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	default:
		return err
	}
}

// Location is the reference timezone cadences are evaluated in.
func (o *Orchestrator) Location() *time.Location { return o.sched.Location() }

// Start launches the engine workers, the run observer, and the trigger loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.sup != nil {
		o.mu.Unlock()
		return
	}
	o.sup = rtsup.New(ctx, rtsup.WithLogger(o.log))
	o.runCtx = ctx
	sup := o.sup
	o.mu.Unlock()

	events, unsub := o.bus.Subscribe(256)
	sup.Go("orchestrator.observer", func(c context.Context) error {
		defer unsub()
		o.observe(c, events)
		return nil
	})

	o.eng.Start(ctx)
	o.sched.Start(ctx)
}

// Stop stops triggering first, then drains the engine within ctx.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.sched.Stop(ctx)
	o.eng.Stop(ctx)

	o.mu.Lock()
	sup := o.sup
	o.sup = nil
	o.runCtx = nil
	o.mu.Unlock()
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

// Apply pushes new engine and scheduler settings and starts or stops either
// side when its enabled flag flips. A bad timezone changes nothing and is
// returned. ctx bounds any stop it has to do.
func (o *Orchestrator) Apply(ctx context.Context, cfg Config) error {
	prevSched, prevEng := o.sched.Enabled(), o.eng.Enabled()
	if err := o.sched.Apply(cfg.Scheduler); err != nil {
		return err
	}

	o.mu.Lock()
	base := o.runCtx
	o.mu.Unlock()
	if base == nil {
		// not started yet; Start picks the new config up
		o.eng.Apply(ctx, cfg.Engine)
		return nil
	}
	o.eng.Apply(base, cfg.Engine)

	// Stop triggering before execution; start execution before triggering.
	if prevSched && !cfg.Scheduler.Enabled {
		o.log.Info("scheduler disabled via config")
		o.sched.Stop(ctx)
	}
	if prevEng && !cfg.Engine.Enabled {
		o.log.Info("task engine disabled via config")
		o.eng.Stop(ctx)
	}
	if !prevEng && cfg.Engine.Enabled {
		o.log.Info("task engine enabled via config")
		o.eng.Start(base)
	}
	if !prevSched && cfg.Scheduler.Enabled {
		o.log.Info("scheduler enabled via config")
		o.sched.Start(base)
	}
	return nil
}

// upcomingRuns is how many fire times Snapshot lists per scheduled task.
const upcomingRuns = 3

type Snapshot struct {
	Scheduler scheduler.Snapshot   `json:"scheduler"`
	Engine    engine.Snapshot      `json:"engine"`
	Tasks     map[string]TaskStats `json:"tasks"`
	// Upcoming holds the next fire times of every task that is still scheduled.
	Upcoming map[string][]time.Time `json:"upcoming"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	tasks := make(map[string]TaskStats, len(o.stats))
	for k, v := range o.stats {
		tasks[k] = *v
	}
	o.mu.Unlock()

	upcoming := make(map[string][]time.Time, len(tasks))
	for name := range tasks {
		if o.sched.Has(name) {
			upcoming[name] = o.sched.NextRuns(name, upcomingRuns)
		}
	}
	return Snapshot{
		Scheduler: o.sched.Snapshot(),
		Engine:    o.eng.Snapshot(),
		Tasks:     tasks,
		Upcoming:  upcoming,
	}
}

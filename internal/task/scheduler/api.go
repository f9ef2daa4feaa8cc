package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"questd/internal/task/engine"
	logx "questd/pkg/logx"
)

// ErrUnknownSchedule is returned by Trigger for names that were never registered.
var ErrUnknownSchedule = errors.New("unknown schedule")

// AddSchedule parses schedule and registers it under name, replacing any
// schedule with the same name. Replacing with an identical schedule string
// keeps the pending fire time. Scheduled jobs skip triggers while a previous
// run is in flight or queued.
//
// Supported schedule formats:
//   - Cron: "0 0 * * *", "*/5 * * * *", "@daily", "@every 15m"
//   - Interval duration: "15m", "2h30m"
//   - Interval HH:MM: "00:15" (15 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job JobFunc) error {
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddScheduleOpt is AddSchedule with task options.
func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, sched, err := Compile(schedule)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}

	s.mu.Lock()
	d := &scheduleDef{
		name:    name,
		spec:    strings.TrimSpace(schedule),
		parsed:  ps,
		sched:   sched,
		timeout: timeout,
		job:     job,
		opt:     opt,
	}
	kept := false
	if old, ok := s.defs[name]; ok {
		d.prev = old.prev
		d.fires = old.fires
		// Same cadence: the pending fire stays where it was.
		if old.spec == d.spec && !old.next.IsZero() {
			d.next = old.next
			kept = true
		}
	} else {
		s.order = append(s.order, name)
	}
	s.defs[name] = d
	running := s.running
	if running && !kept {
		s.armLocked(d, s.clock.Now())
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", d.spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(d, 4); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.mu.Unlock()

	s.log.Debug("schedule registered", args...)
	if running {
		s.notify()
	}
	return nil
}

// Remove unschedules name. It returns true if something was removed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	_, ok := s.defs[name]
	if ok {
		delete(s.defs, name)
		n := 0
		for _, v := range s.order {
			if v != name {
				s.order[n] = v
				n++
			}
		}
		s.order = s.order[:n]
	}
	s.mu.Unlock()
	if ok {
		s.log.Debug("schedule removed", logx.String("name", name))
		s.notify()
	}
	return ok
}

// Has reports whether name is registered.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.defs[strings.TrimSpace(name)]
	return ok
}

// Trigger dispatches name immediately, outside its cadence, through the same
// in-flight gate. The engine's enqueue error is returned as is.
func (s *Service) Trigger(name string) error {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	d, ok := s.defs[name]
	var def scheduleDef
	if ok {
		def = *d
	}
	now := s.clock.Now()
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.dispatch(def, now, "manual")
}

// NextRuns returns up to n upcoming fire times for name in the reference timezone.
func (s *Service) NextRuns(name string, n int) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[strings.TrimSpace(name)]
	if !ok || n <= 0 {
		return nil
	}
	return s.nextRunsLocked(d, n)
}

func (s *Service) dispatch(d scheduleDef, firedAt time.Time, source string) error {
	if s.disp == nil {
		return engine.ErrStopped
	}
	job := d.job
	err := s.disp.Enqueue(engine.Task{
		Name:    d.name,
		Timeout: d.timeout,
		Opt:     d.opt,
		State:   s.disp.StateFor(d.name),
		Run: func(ctx context.Context) error {
			return job(ctx, firedAt)
		},
	})
	if err != nil {
		s.reportEnqueueError(d.name, source, err)
		return err
	}
	s.log.Trace("schedule triggered", logx.String("schedule", d.name), logx.String("source", source), logx.Time("fired_at", firedAt))
	return nil
}

// nextRunsLocked starts from the armed fire time when there is one.
func (s *Service) nextRunsLocked(d *scheduleDef, n int) []time.Time {
	t := s.clock.Now().In(s.loc)
	out := make([]time.Time, 0, n)
	if s.running && !d.next.IsZero() {
		t = d.next.In(s.loc)
		out = append(out, t)
	}
	for len(out) < n {
		t = d.sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

// previewNextRunsLocked returns a short, human-friendly list of upcoming run
// times for debug logs. Call with s.mu held.
func (s *Service) previewNextRunsLocked(d *scheduleDef, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	var b strings.Builder
	for i, t := range s.nextRunsLocked(d, n) {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // zoneinfo for hosts without it

	"golang.org/x/time/rate"

	"questd/internal/clock"
	logx "questd/pkg/logx"
)

// New builds a trigger service. An unknown timezone is a configuration fault.
func New(cfg Config, disp Dispatcher, clk clock.Clock, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:         cfg,
		loc:         loc,
		log:         log,
		clock:       clk,
		disp:        disp,
		parser:      defaultParser,
		defs:        map[string]*scheduleDef{},
		wake:        make(chan struct{}, 1),
		enqLimiters: map[string]*rate.Limiter{},
		suppressed:  map[string]uint64{},
	}, nil
}

// LoadLocation resolves an IANA timezone name. Empty is rejected: the
// calendar day must never silently follow the host timezone.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil, fmt.Errorf("reference timezone is required")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Location returns the reference timezone.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply swaps the config. A timezone change re-arms every schedule from now.
// On error the previous config stays in effect.
func (s *Service) Apply(cfg Config) error {
	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		return err
	}
	s.mu.Lock()
	changed := loc.String() != s.loc.String()
	s.cfg = cfg
	s.loc = loc
	if changed && s.running {
		now := s.clock.Now()
		for _, d := range s.defs {
			s.armLocked(d, now)
		}
		s.log.Info("timezone changed; schedules re-armed", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return nil
}

// Start launches the trigger loop. Schedules fire only for instants after Start.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}

	now := s.clock.Now()
	for _, d := range s.defs {
		s.armLocked(d, now)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(loopCtx, s.done)

	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering. Runs already handed to the engine are not affected.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out", logx.Err(ctx.Err()))
		return
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type firing struct {
	def     scheduleDef
	firedAt time.Time
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		due, wait, armed := s.collectDue()
		for _, f := range due {
			s.dispatch(f.def, f.firedAt, "cadence")
		}

		var (
			t      clock.Timer
			timerC <-chan time.Time
		)
		if armed {
			t = s.clock.NewTimer(wait)
			timerC = t.C()
		}
		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return
		case <-s.wake:
		case <-timerC:
		}
		if t != nil {
			t.Stop()
		}
	}
}

// collectDue advances every schedule whose next fire time has passed and
// returns how long to sleep until the earliest remaining one. Missed fires
// (clock jumps, long pauses) collapse into a single trigger.
func (s *Service) collectDue() (due []firing, wait time.Duration, armed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var earliest time.Time
	for _, name := range s.order {
		d := s.defs[name]
		if d == nil || d.next.IsZero() {
			continue
		}
		if !now.Before(d.next) {
			due = append(due, firing{def: *d, firedAt: d.next})
			d.prev = d.next
			d.fires++
			d.next = d.sched.Next(now.In(s.loc))
			if d.next.IsZero() {
				s.log.Warn("schedule has no future fire time", logx.String("schedule", d.name), logx.String("spec", d.spec))
				continue
			}
		}
		if earliest.IsZero() || d.next.Before(earliest) {
			earliest = d.next
		}
	}
	if earliest.IsZero() {
		return due, 0, false
	}
	return due, earliest.Sub(now), true
}

// armLocked computes the first fire time strictly after now. Call with s.mu held.
func (s *Service) armLocked(d *scheduleDef, now time.Time) {
	d.next = d.sched.Next(now.In(s.loc))
}

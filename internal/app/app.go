package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"questd/internal/api"
	"questd/internal/challenge"
	"questd/internal/clock"
	"questd/internal/config"
	"questd/internal/eventbus"
	"questd/internal/leaderboard"
	"questd/internal/orchestrator"
	rtsup "questd/internal/runtime/supervisor"
	"questd/internal/storage"
	logx "questd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clk   clock.Clock

	orch *orchestrator.Orchestrator
	gen  *challenge.Generator
	agg  *leaderboard.Aggregator
	http *api.Server
}

type Option func(*options)

type options struct {
	clk clock.Clock
}

// WithClock replaces the wall clock used by the scheduler, the services and the API.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clk = c }
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{clk: clock.Real{}}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := checkMappable(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.LogxConfig())
	log = log.With(logx.String("comp", "app"))

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", driverName(sc.Driver)))

	bus := eventbus.New()

	oc, _ := mapOrchestratorConfig(cfg)
	orch, err := orchestrator.New(oc, o.clk, bus, log.With(logx.String("comp", "orchestrator")))
	if err != nil {
		store.Close()
		logSvc.Close()
		return nil, err
	}

	gen := challenge.NewGenerator(challenge.Deps{
		Users:       store,
		Definitions: store,
		Challenges:  store,
		Bus:         bus,
		Clock:       o.clk,
	}, mapGeneratorConfig(cfg), log.With(logx.String("comp", "generator")))

	agg := leaderboard.NewAggregator(leaderboard.Deps{
		Scores: store,
		Cache:  store,
		Bus:    bus,
		Clock:  o.clk,
	}, mapAggregatorConfig(cfg), log.With(logx.String("comp", "leaderboard")))

	hc, _ := mapHTTPConfig(cfg)
	httpSrv := api.NewServer(hc, api.Deps{
		Tokens:      store,
		Assignments: store,
		Leaderboard: agg,
		Ops:         orch,
		Clock:       o.clk,
	}, log.With(logx.String("comp", "http")))

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		clk:   o.clk,
		orch:  orch,
		gen:   gen,
		agg:   agg,
		http:  httpSrv,
	}
	if err := a.registerJobs(cfg); err != nil {
		store.Close()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func driverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}

// Seed loads a seed document into the configured store.
func (a *App) Seed(ctx context.Context, path string) (storage.SeedCounts, error) {
	n, err := storage.LoadSeedFile(ctx, path, a.store)
	if err != nil {
		return n, fmt.Errorf("seed %s: %w", path, err)
	}
	a.log.Info("seed loaded",
		logx.String("path", path),
		logx.Int("users", n.Users),
		logx.Int("definitions", n.Definitions),
		logx.Int("scores", n.Scores),
		logx.Int("sessions", n.Sessions),
	)
	return n, nil
}

func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// HTTPAddr is the bound API address, empty while the server is down.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return checkMappable(cfg)
	})

	runCtx := a.sup.Context()
	a.orch.Start(runCtx)
	cfg := a.cfgm.Get()
	a.runOnStart(cfg)

	if a.http.Enabled() {
		a.http.Start(runCtx)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := cfg
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("timezone", a.orch.Location().String()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	a.logs.Apply(next.Logging.LogxConfig())

	// The validator already ran these mappings; errors here mean a race with a newer file.
	if oc, err := mapOrchestratorConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.orch.Apply(ctx, oc); err != nil {
		a.log.Warn("scheduler reconfigure failed; keeping previous", logx.Err(err))
	}
	if err := a.registerJobs(next); err != nil {
		a.log.Warn("job registration failed", logx.Err(err))
	}

	a.gen.Apply(mapGeneratorConfig(next))
	a.agg.Apply(mapAggregatorConfig(next))

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	// Running tasks are canceled; the step waits for them to unwind.
	step("orchestrator", 5*time.Second, func(c context.Context) error { a.orch.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

package app

import (
	"context"
	"fmt"
	"time"

	"questd/internal/challenge"
	"questd/internal/config"
	"questd/internal/task/engine"
	logx "questd/pkg/logx"
)

type jobSpec struct {
	name    string
	def     string
	task    func(*config.Config) config.TaskConfig
	run     func(a *App) func(ctx context.Context, firedAt time.Time) error
	summary string
}

var jobs = []jobSpec{
	{
		name:    config.TaskChallengeGeneration,
		def:     config.DefaultGenerationCadence,
		task:    func(c *config.Config) config.TaskConfig { return c.Tasks.ChallengeGeneration },
		run:     func(a *App) func(context.Context, time.Time) error { return a.runGeneration },
		summary: "daily challenge generation",
	},
	{
		name:    config.TaskLeaderboardRefresh,
		def:     config.DefaultLeaderboardCadence,
		task:    func(c *config.Config) config.TaskConfig { return c.Tasks.LeaderboardRefresh },
		run:     func(a *App) func(context.Context, time.Time) error { return a.runRefresh },
		summary: "leaderboard refresh",
	},
}

// runGeneration assigns challenges for the trigger's calendar day in the
// reference timezone. Per-user failures make the run partial.
func (a *App) runGeneration(ctx context.Context, firedAt time.Time) error {
	date := challenge.ReferenceDate(firedAt, a.orch.Location())
	rep, err := a.gen.GenerateForAllUsers(ctx, date)
	if err != nil {
		return err
	}
	if rep.Failed > 0 {
		return engine.Partial(fmt.Errorf("%d of %d users failed", rep.Failed, rep.Attempted))
	}
	return nil
}

func (a *App) runRefresh(ctx context.Context, _ time.Time) error {
	_, err := a.agg.Refresh(ctx)
	return err
}

// registerJobs makes the orchestrator's schedules match cfg. Re-registering
// an unchanged cadence keeps its next fire time.
func (a *App) registerJobs(cfg *config.Config) error {
	for _, j := range jobs {
		tc := j.task(cfg)
		if !tc.IsEnabled() {
			if a.orch.Unschedule(j.name) {
				a.log.Info("job disabled", logx.String("task", j.name))
			}
			continue
		}
		cadence := tc.CadenceOr(j.def)
		if err := a.orch.ScheduleRecurring(j.name, cadence, tc.TimeoutDuration(), j.run(a)); err != nil {
			return fmt.Errorf("tasks.%s: %w", j.name, err)
		}
		a.log.Debug("job registered", logx.String("task", j.name), logx.String("cadence", cadence), logx.String("what", j.summary))
	}
	return nil
}

// runOnStart dispatches every enabled job flagged run_on_start.
func (a *App) runOnStart(cfg *config.Config) {
	for _, j := range jobs {
		tc := j.task(cfg)
		if !tc.IsEnabled() || !tc.RunOnStart {
			continue
		}
		if err := a.orch.RunNow(j.name); err != nil {
			a.log.Warn("run on start rejected", logx.String("task", j.name), logx.Err(err))
		}
	}
}

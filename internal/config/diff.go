package config

import (
	"sort"
	"strings"

	logx "questd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Secrets (admin token, DSN) are only
// ever reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !sameTaskEngine(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Bool("task_engine.enabled", newCfg.EngineEnabled()),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(nTE.MaxQueueDelay)),
			logx.Int("task_engine.history_size", nTE.HistorySize),
		)
	}

	taskChanged := false
	for _, tc := range []struct {
		name     string
		old, new TaskConfig
		def      string
	}{
		{TaskChallengeGeneration, oldCfg.Tasks.ChallengeGeneration, newCfg.Tasks.ChallengeGeneration, DefaultGenerationCadence},
		{TaskLeaderboardRefresh, oldCfg.Tasks.LeaderboardRefresh, newCfg.Tasks.LeaderboardRefresh, DefaultLeaderboardCadence},
	} {
		if sameTask(tc.old, tc.new, tc.def) {
			continue
		}
		taskChanged = true
		attrs = append(attrs,
			logx.Bool("tasks."+tc.name+".enabled", tc.new.IsEnabled()),
			logx.String("tasks."+tc.name+".cadence", tc.new.CadenceOr(tc.def)),
			logx.String("tasks."+tc.name+".timeout", strings.TrimSpace(tc.new.Timeout)),
		)
	}
	if taskChanged {
		changed = append(changed, "tasks")
	}

	if oldCfg.Challenges.HistoryDepth != newCfg.Challenges.HistoryDepth ||
		oldCfg.Challenges.ExpirePreviousOrDefault() != newCfg.Challenges.ExpirePreviousOrDefault() {
		changed = append(changed, "challenges")
		attrs = append(attrs,
			logx.Int("challenges.history_depth", newCfg.Challenges.HistoryDepth),
			logx.Bool("challenges.expire_previous", newCfg.Challenges.ExpirePreviousOrDefault()),
		)
	}

	if oldCfg.Leaderboard != newCfg.Leaderboard {
		changed = append(changed, "leaderboard")
		attrs = append(attrs, logx.Int("leaderboard.max_entries", newCfg.Leaderboard.MaxEntries))
	}

	// Storage is only read at startup; a change here needs a restart.
	oS, nS := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(oS.Driver), strings.TrimSpace(nS.Driver)) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		oS.DSN != nS.DSN ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.MaxOpenConns != nS.MaxOpenConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
			logx.Bool("storage.restart_required", true),
		)
	}

	oH, nH := oldCfg.HTTP, newCfg.HTTP
	if oH.Enabled != nH.Enabled ||
		strings.TrimSpace(oH.Addr) != strings.TrimSpace(nH.Addr) ||
		oH.AdminToken != nH.AdminToken ||
		strings.TrimSpace(oH.ReadTimeout) != strings.TrimSpace(nH.ReadTimeout) ||
		strings.TrimSpace(oH.WriteTimeout) != strings.TrimSpace(nH.WriteTimeout) ||
		strings.TrimSpace(oH.IdleTimeout) != strings.TrimSpace(nH.IdleTimeout) ||
		oH.Pprof != nH.Pprof ||
		oH.RatePerSec != nH.RatePerSec {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nH.Enabled),
			logx.String("http.addr", strings.TrimSpace(nH.Addr)),
			logx.Bool("http.admin_token_set", strings.TrimSpace(nH.AdminToken) != ""),
			logx.Bool("http.pprof", nH.Pprof),
			logx.Int("http.rate_per_sec", nH.RatePerSec),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func sameTaskEngine(a, b TaskEngineConfig) bool {
	ae := a.Enabled != nil && *a.Enabled
	be := b.Enabled != nil && *b.Enabled
	return (a.Enabled == nil) == (b.Enabled == nil) && ae == be &&
		a.Workers == b.Workers &&
		a.QueueSize == b.QueueSize &&
		strings.TrimSpace(a.DefaultTimeout) == strings.TrimSpace(b.DefaultTimeout) &&
		strings.TrimSpace(a.MaxQueueDelay) == strings.TrimSpace(b.MaxQueueDelay) &&
		a.HistorySize == b.HistorySize
}

func sameTask(a, b TaskConfig, def string) bool {
	return a.IsEnabled() == b.IsEnabled() &&
		a.CadenceOr(def) == b.CadenceOr(def) &&
		strings.TrimSpace(a.Timeout) == strings.TrimSpace(b.Timeout) &&
		a.RunOnStart == b.RunOnStart
}

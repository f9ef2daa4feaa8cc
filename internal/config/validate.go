package config

import (
	"errors"
	"fmt"
	"strings"

	"questd/internal/task/scheduler"
	logx "questd/pkg/logx"
)

// Validate reports every configuration fault it finds, joined.
// A config that fails here must never reach the running services.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !knownLevel(lv) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.MaxSizeMB < 0 || cfg.Logging.File.MaxBackups < 0 || cfg.Logging.File.MaxAgeDays < 0 {
		add(errors.New("logging.file: rotation limits must be >= 0"))
	}

	if _, err := scheduler.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			add(errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
		}
		_, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
		add(err)
		_, err = ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
		add(err)
	}

	add(validateTask("tasks."+TaskChallengeGeneration, cfg.Tasks.ChallengeGeneration, DefaultGenerationCadence))
	add(validateTask("tasks."+TaskLeaderboardRefresh, cfg.Tasks.LeaderboardRefresh, DefaultLeaderboardCadence))

	if cfg.Challenges.HistoryDepth < 0 {
		add(errors.New("challenges.history_depth must be >= 0"))
	}
	if cfg.Leaderboard.MaxEntries < 0 {
		add(errors.New("leaderboard.max_entries must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required for sqlite"))
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)
	if cfg.Storage.MaxOpenConns < 0 {
		add(errors.New("storage.max_open_conns must be >= 0"))
	}

	if cfg.HTTP.RatePerSec < 0 {
		add(errors.New("http.rate_per_sec must be >= 0"))
	}
	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}

	return errors.Join(errs...)
}

func validateTask(path string, t TaskConfig, def string) error {
	if !t.IsEnabled() {
		return nil
	}
	if _, _, err := scheduler.Compile(t.CadenceOr(def)); err != nil {
		return fmt.Errorf("%s.cadence: %w", path, err)
	}
	if _, err := ParseDurationField(path+".timeout", t.Timeout); err != nil {
		return err
	}
	return nil
}

func knownLevel(s string) bool {
	return logx.ParseLevel(s, logx.LevelDisabled) != logx.LevelDisabled
}

// CadenceOr returns the configured cadence or def when empty.
func (t TaskConfig) CadenceOr(def string) string {
	if c := strings.TrimSpace(t.Cadence); c != "" {
		return c
	}
	return def
}

// EngineEnabled resolves task_engine.enabled against scheduler.enabled.
func (c *Config) EngineEnabled() bool {
	if c.TaskEngine != nil && c.TaskEngine.Enabled != nil {
		return *c.TaskEngine.Enabled
	}
	return c.Scheduler.Enabled
}

// ExpirePreviousOrDefault reports challenges.expire_previous; omitted means true.
func (c ChallengesConfig) ExpirePreviousOrDefault() bool {
	return c.ExpirePrevious == nil || *c.ExpirePrevious
}

// LogxConfig maps the logging section onto the logging service config.
func (l LoggingConfig) LogxConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
}

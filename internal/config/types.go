package config

// Default cadences for the two built-in jobs.
const (
	DefaultGenerationCadence  = "0 0 * * *"
	DefaultLeaderboardCadence = "15m"

	TaskChallengeGeneration = "challenge_generation"
	TaskLeaderboardRefresh  = "leaderboard_refresh"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution settings for scheduled jobs.
	// If omitted, the engine follows scheduler.enabled with built-in defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Tasks       TasksConfig       `json:"tasks"`
	Challenges  ChallengesConfig  `json:"challenges"`
	Leaderboard LeaderboardConfig `json:"leaderboard"`
	Storage     StorageConfig     `json:"storage"`
	HTTP        HTTPConfig        `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// SchedulerConfig controls the trigger loop.
//
// Timezone is required. Calendar days for generation are derived in it.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type TasksConfig struct {
	ChallengeGeneration TaskConfig `json:"challenge_generation"`
	LeaderboardRefresh  TaskConfig `json:"leaderboard_refresh"`
}

// TaskConfig binds a built-in job to a cadence.
//
// Cadence is a cron expression (5 or 6 fields, descriptors allowed) or an
// interval ("15m", "@every 1h", "00:30"). Empty falls back to the job default.
type TaskConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	Cadence    string `json:"cadence,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

// IsEnabled reports whether the job should be registered. Omitted means enabled.
func (t TaskConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

type ChallengesConfig struct {
	HistoryDepth   int   `json:"history_depth,omitempty"`
	ExpirePrevious *bool `json:"expire_previous,omitempty"`
}

type LeaderboardConfig struct {
	MaxEntries int `json:"max_entries,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/questd.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // postgres (do not log)
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// HTTPConfig controls the API server.
//
// Security note:
//   - /ops and /debug/pprof require admin_token; without one they answer 403.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`        // default: "127.0.0.1:8080"
	AdminToken   string `json:"admin_token,omitempty"` // do not log
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	// RatePerSec caps /challenges requests per user; 0 disables the limit.
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
}

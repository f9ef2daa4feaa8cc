package app

import (
	"fmt"
	"strings"
	"time"

	"questd/internal/api"
	"questd/internal/challenge"
	"questd/internal/config"
	"questd/internal/leaderboard"
	"questd/internal/orchestrator"
	"questd/internal/storage"
	"questd/internal/task/engine"
	"questd/internal/task/scheduler"
)

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		te = &config.TaskEngineConfig{}
	}
	// Triggers with nobody to run them would be dropped silently.
	if cfg.Scheduler.Enabled && !cfg.EngineEnabled() {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	// Zero values fall back to the engine defaults.
	return engine.Config{
		Enabled:        cfg.EngineEnabled(),
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		Engine: ec,
		Scheduler: scheduler.Config{
			Enabled:  cfg.Scheduler.Enabled,
			Timezone: cfg.Scheduler.Timezone,
		},
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (api.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	// 0 unless set so /debug/pprof/profile can run.
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:      h.Enabled,
		Addr:         strings.TrimSpace(h.Addr),
		AdminToken:   strings.TrimSpace(h.AdminToken),
		Pprof:        h.Pprof,
		RatePerSec:   h.RatePerSec,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func mapGeneratorConfig(cfg *config.Config) challenge.Config {
	return challenge.Config{
		HistoryDepth:   cfg.Challenges.HistoryDepth,
		ExpirePrevious: cfg.Challenges.ExpirePreviousOrDefault(),
	}
}

func mapAggregatorConfig(cfg *config.Config) leaderboard.Config {
	return leaderboard.Config{MaxEntries: cfg.Leaderboard.MaxEntries}
}

// checkMappable runs every mapping once so a hot reload is rejected before
// anything is applied.
func checkMappable(cfg *config.Config) error {
	if _, err := mapOrchestratorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}

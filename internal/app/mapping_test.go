package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questd/internal/config"
)

func TestMapHTTPConfigDefaults(t *testing.T) {
	hc, err := mapHTTPConfig(&config.Config{HTTP: config.HTTPConfig{
		Enabled:    true,
		AdminToken: " secret ",
		RatePerSec: 5,
	}})
	require.NoError(t, err)
	assert.Equal(t, "secret", hc.AdminToken)
	assert.Equal(t, 10*time.Second, hc.ReadTimeout)
	assert.Zero(t, hc.WriteTimeout)
	assert.Equal(t, 60*time.Second, hc.IdleTimeout)
	assert.Equal(t, 5, hc.RatePerSec)

	_, err = mapHTTPConfig(&config.Config{HTTP: config.HTTPConfig{ReadTimeout: "soon"}})
	assert.Error(t, err)
}

func TestMapTaskEngineConfig(t *testing.T) {
	off := false
	cfg := &config.Config{
		Scheduler:  config.SchedulerConfig{Enabled: true, Timezone: "UTC"},
		TaskEngine: &config.TaskEngineConfig{Workers: 4, DefaultTimeout: "30s"},
	}
	ec, err := mapTaskEngineConfig(cfg)
	require.NoError(t, err)
	assert.True(t, ec.Enabled)
	assert.Equal(t, 4, ec.Workers)
	assert.Equal(t, 30*time.Second, ec.DefaultTimeout)

	cfg.TaskEngine.Enabled = &off
	_, err = mapTaskEngineConfig(cfg)
	assert.Error(t, err)
}

func TestMapStorageConfigNormalizesDriver(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: " SQLite ", Path: "q.db", BusyTimeout: "2s"}})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)
}

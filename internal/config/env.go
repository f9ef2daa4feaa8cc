package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. A set, non-empty variable wins over the file value.
const (
	EnvStorageDriver = "QUESTD_STORAGE_DRIVER"
	EnvStoragePath   = "QUESTD_STORAGE_PATH"
	EnvStorageDSN    = "QUESTD_STORAGE_DSN"
	EnvLogLevel      = "QUESTD_LOG_LEVEL"
	EnvHTTPAddr      = "QUESTD_HTTP_ADDR"
	EnvAdminToken    = "QUESTD_ADMIN_TOKEN"
	EnvTimezone      = "QUESTD_TIMEZONE"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables already set are left alone. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if strings.TrimSpace(f) == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// applyEnv overlays QUESTD_* variables on cfg. lookup is os.LookupEnv in
// production and a map in tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvStorageDriver, &cfg.Storage.Driver)
	set(EnvStoragePath, &cfg.Storage.Path)
	set(EnvStorageDSN, &cfg.Storage.DSN)
	set(EnvLogLevel, &cfg.Logging.Level)
	set(EnvHTTPAddr, &cfg.HTTP.Addr)
	set(EnvAdminToken, &cfg.HTTP.AdminToken)
	set(EnvTimezone, &cfg.Scheduler.Timezone)
}

package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations are Go duration strings ("90s", "5m"). Empty means unset and
// parses to zero; negative values are rejected.

func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// TimeoutDuration is the per-run timeout. Validate rejects bad values, so
// they read as 0 here, which defers to task_engine.default_timeout.
func (t TaskConfig) TimeoutDuration() time.Duration {
	d, _ := ParseDurationField("timeout", t.Timeout)
	return d
}

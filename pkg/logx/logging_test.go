package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if ln == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(ln), &m))
		out = append(out, m)
	}
	return out
}

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "info").With(String("comp", "generator"))

	log.Debug("hidden")
	log.Info("run finished", Int("created", 3), Duration("took", time.Second), Err(errors.New("boom")))

	got := lines(t, buf.Bytes())
	require.Len(t, got, 1)
	assert.Equal(t, "run finished", got[0]["message"])
	assert.Equal(t, "generator", got[0]["comp"])
	assert.EqualValues(t, 3, got[0]["created"])
	assert.Equal(t, "boom", got[0]["err"])
	assert.Contains(t, got[0]["caller"], "logging_test.go:")
}

func TestLaterFieldsWin(t *testing.T) {
	var buf bytes.Buffer
	NewJSON(&buf, "debug").With(String("task", "a")).Info("x", String("task", "b"))
	got := lines(t, buf.Bytes())
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0]["task"])
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	assert.NotPanics(t, func() { l.Error("nothing", String("k", "v")) })
	assert.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLevel(" warning ", LevelInfo))
	assert.Equal(t, LevelTrace, ParseLevel("TRACE", LevelInfo))
	assert.Equal(t, LevelDisabled, ParseLevel("loud", LevelDisabled))
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "questd.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path, MaxSizeMB: 1}})

	log.Info("first", String("comp", "app"))
	assert.True(t, log.Enabled(LevelInfo))
	assert.False(t, log.Enabled(LevelDebug))

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path, MaxSizeMB: 1}})
	log.Debug("second")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	got := lines(t, b)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0]["message"])
	assert.Equal(t, "debug", got[1]["level"])
}

package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want Level
	}{
		{"", LevelInfo},
		{"debug", LevelDebug},
		{" WARN ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"loud", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, parseLevel(tt.name, LevelInfo))
		})
	}
}

func decode(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(Component("engine"), String("workflow", "w"))
	log.Debug("hidden")
	log.Warn("slow", Int("n", 3), Err(errors.New("boom")), Err(nil))

	recs := decode(t, &buf)
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, "warn", r["level"])
	assert.Equal(t, "slow", r["message"])
	assert.Equal(t, "engine", r["comp"])
	assert.Equal(t, "w", r["workflow"])
	assert.EqualValues(t, 3, r["n"])
	assert.Equal(t, "boom", r["err"])
	assert.Contains(t, r["caller"], "logx_test.go:")
}

func TestWithDoesNotShareFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := NewWriter(&buf, "debug").With(String("a", "1"))
	_ = base.With(String("b", "2"))
	base.Info("x")

	recs := decode(t, &buf)
	require.Len(t, recs, 1)
	assert.NotContains(t, recs[0], "b")
}

func TestZeroLoggerDiscards(t *testing.T) {
	t.Parallel()

	var l Logger
	assert.True(t, l.IsZero())
	assert.NotPanics(t, func() { l.Error("nothing") })
	assert.False(t, Nop().IsZero())
}

func TestServiceApplyFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a", "one.log")
	second := filepath.Join(dir, "two.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	t.Cleanup(func() { _ = svc.Close() })
	log = log.With(Component("test"))
	log.Info("to first")

	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: second}})
	log.Info("dropped")
	log.Error("to second")
	require.NoError(t, svc.Close())

	one, err := os.ReadFile(first)
	require.NoError(t, err)
	two, err := os.ReadFile(second)
	require.NoError(t, err)

	assert.Contains(t, string(one), "to first")
	assert.NotContains(t, string(one), "to second")
	assert.Contains(t, string(two), "to second")
	assert.NotContains(t, string(two), "dropped")
}

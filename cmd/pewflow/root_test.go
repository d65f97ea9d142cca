package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDuePrintsLatestIntervalOnly(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "due", "--at", "2024-01-05T00:00:00Z")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "hello_world")
	assert.Contains(t, lines[1], "scheduled__2024-01-05T00:00:00+00:00")
}

func TestDueBeforeStartPrintsNothing(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "due", "--at", "2023-12-31T23:59:59Z")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 1)
}

func TestDueFollowsEngineTimezone(t *testing.T) {
	t.Parallel()
	ny := filepath.Join(t.TempDir(), "ny.yaml")
	require.NoError(t, os.WriteFile(ny, []byte("engine:\n  timezone: America/New_York\n"), 0o600))

	tests := []struct {
		name string
		args []string
		want string
	}{
		// Boundaries stay on the start's wall clock, 19:00 in New York, so
		// after the DST switch they land an hour earlier in UTC.
		{name: "default utc", args: []string{"due"}, want: "2024-03-15T00:00:00Z"},
		{name: "new york", args: []string{"--config", ny, "due"}, want: "2024-03-14T23:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := execute(t, append(tt.args, "--at", "2024-03-15T00:30:00Z")...)
			require.NoError(t, err)
			lines := strings.Split(strings.TrimSpace(out), "\n")
			require.Len(t, lines, 2)
			assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[1]), tt.want), lines[1])
		})
	}
}

func TestDueRejectsBadConfig(t *testing.T) {
	t.Parallel()
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("engine:\n  timezone: Mars/Olympus\n"), 0o600))
	_, err := execute(t, "--config", bad, "due")
	assert.ErrorContains(t, err, "engine.timezone")
	_, err = execute(t, "--config", bad, "list")
	assert.ErrorContains(t, err, "engine.timezone")
}

func TestDueRejectsBadTime(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "due", "--at", "yesterday")
	require.Error(t, err)
}

func TestList(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "hello_world")
	assert.Contains(t, out, "@daily")
	assert.Contains(t, out, "example,hello")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("engine:\n  workers: 2\n"), 0o600))
	out, err := execute(t, "--config", good, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "ok: 1 workflow(s)")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("engine:\n  workers: -1\n"), 0o600))
	_, err = execute(t, "--config", bad, "validate")
	require.Error(t, err)
}

func TestTickRunsHelloWorld(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("logging:\n  level: error\ntrigger:\n  enabled: false\n"), 0o600))

	out, err := execute(t, "--config", cfg, "tick", "--at", "2024-01-05T00:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "scheduled__2024-01-05T00:00:00+00:00")
	assert.Contains(t, out, "succeeded")
}

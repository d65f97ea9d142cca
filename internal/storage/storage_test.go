package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewflow/internal/task/instance"
	"pewflow/internal/tasklog"
	logx "pewflow/pkg/logx"
)

var day5 = time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

func finishedInstance(t *testing.T, d time.Time) instance.Instance {
	t.Helper()
	inst := instance.New(instance.NewKey("hello_world", d, "say_hello"), 2, d)
	require.NoError(t, inst.Start(d.Add(time.Second)))
	require.NoError(t, inst.Fail(d.Add(2*time.Second), errors.New("flaky"), true, []tasklog.Line{
		{Time: d.Add(time.Second), Level: logx.LevelError, Message: "boom"},
	}))
	require.NoError(t, inst.Start(d.Add(3*time.Second)))
	require.NoError(t, inst.Succeed(d.Add(4*time.Second), []tasklog.Line{
		{Time: d.Add(4 * time.Second), Level: logx.LevelInfo, Message: "Hello, World!"},
	}))
	return inst
}

type opener func(t *testing.T) (Store, func() Store)

func drivers() map[string]opener {
	return map[string]opener{
		"file": func(t *testing.T) (Store, func() Store) {
			path := filepath.Join(t.TempDir(), "state", "pewflow.db")
			open := func() Store {
				st, err := Open(context.Background(), Config{Driver: "file", Path: path}, logx.Nop())
				require.NoError(t, err)
				return st
			}
			return open(), open
		},
		"sqlite": func(t *testing.T) (Store, func() Store) {
			path := filepath.Join(t.TempDir(), "pewflow.sqlite")
			open := func() Store {
				st, err := Open(context.Background(), Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
				require.NoError(t, err)
				return st
			}
			return open(), open
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, reopen := open(t)

			_, ok, err := st.Watermark(ctx, "hello_world")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.PutWatermark(ctx, "hello_world", day5.AddDate(0, 0, -1)))
			require.NoError(t, st.PutWatermark(ctx, "hello_world", day5))

			later := instance.New(instance.NewKey("hello_world", day5.AddDate(0, 0, 1), "say_hello"), 1, day5)
			require.NoError(t, st.PutInstance(ctx, later))
			scheduled := instance.New(instance.NewKey("hello_world", day5, "say_hello"), 2, day5)
			require.NoError(t, st.PutInstance(ctx, scheduled))
			done := finishedInstance(t, day5)
			done.ID = scheduled.ID
			require.NoError(t, st.PutInstance(ctx, done))
			require.NoError(t, st.PutInstance(ctx, instance.New(instance.NewKey("other", day5, "x"), 1, day5)))
			require.NoError(t, st.Close())

			st = reopen()
			defer st.Close()

			wm, ok, err := st.Watermark(ctx, "hello_world")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, wm.Equal(day5))

			list, err := st.Instances(ctx, "hello_world")
			require.NoError(t, err)
			require.Len(t, list, 2)

			got := list[0]
			assert.True(t, got.Key.LogicalDate.Equal(day5))
			assert.Equal(t, done.ID, got.ID)
			assert.Equal(t, instance.Succeeded, got.State)
			assert.Equal(t, 2, got.Attempts)
			assert.Equal(t, "scheduled__2024-01-05T00:00:00+00:00", got.RunID)
			require.Len(t, got.History, 2)
			assert.Equal(t, "flaky", got.History[0].Error)
			assert.Equal(t, "Hello, World!", got.History[1].Lines[0].Message)
			assert.Equal(t, logx.LevelInfo, got.History[1].Lines[0].Level)
			assert.True(t, got.EndedAt.Equal(day5.Add(4*time.Second)))

			assert.Equal(t, instance.Scheduled, list[1].State)
		})
	}
}

func TestFileStoreCompacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pewflow.db")
	st, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)

	for i := 0; i < compactEvery; i++ {
		require.NoError(t, st.PutWatermark(ctx, "wf", day5.Add(time.Duration(i)*time.Hour)))
	}
	require.NoError(t, st.Close())

	_, err = os.Stat(filepath.Join(filepath.Dir(path), "pewflow.snapshot.json"))
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(filepath.Dir(path), "pewflow.journal.jsonl"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	st, err = Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	wm, ok, err := st.Watermark(ctx, "wf")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, wm.Equal(day5.Add(time.Duration(compactEvery-1)*time.Hour)))
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(context.Background(), Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}

type failingStore struct{ Store }

func (failingStore) PutInstance(context.Context, instance.Instance) error { return errors.New("disk full") }

func TestRecorderPersistsObservedSnapshots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := Open(ctx, Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	rec := NewRecorder(st, logx.Nop())
	store := instance.NewStore(rec)
	key := instance.NewKey("hello_world", day5, "say_hello")
	store.Create(key, 1, day5)
	_, err = store.Claim(key, day5)
	require.NoError(t, err)

	list, err := st.Instances(ctx, "hello_world")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, instance.Running, list[0].State)

	bad := NewRecorder(failingStore{}, logx.Nop())
	bad.Observe(list[0])
	bad.Observe(list[0])
	assert.Equal(t, uint64(2), bad.Failed())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PEWFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PEWFLOW_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := Open(ctx, Config{Driver: "postgres", DSN: dsn}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	wf := "pg_" + time.Now().Format("150405.000000")
	require.NoError(t, st.PutWatermark(ctx, wf, day5))
	wm, ok, err := st.Watermark(ctx, wf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, wm.Equal(day5))

	inst := finishedInstance(t, day5)
	inst.Key.WorkflowID = wf
	require.NoError(t, st.PutInstance(ctx, inst))
	list, err := st.Instances(ctx, wf)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, instance.Succeeded, list[0].State)
	assert.Len(t, list[0].History, 2)
}

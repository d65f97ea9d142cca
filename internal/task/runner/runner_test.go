package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewflow/internal/task/instance"
	"pewflow/internal/tasklog"
	"pewflow/internal/workflow"
	logx "pewflow/pkg/logx"
)

var logical = time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	states []instance.State
	recs   []tasklog.Record
}

func (r *recorder) Observe(i instance.Instance) {
	r.mu.Lock()
	r.states = append(r.states, i.State)
	r.mu.Unlock()
}

func (r *recorder) Emit(rec tasklog.Record) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

func (r *recorder) count(s instance.State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.states {
		if st == s {
			n++
		}
	}
	return n
}

func definition(t *testing.T, max int, action workflow.Action) workflow.Definition {
	t.Helper()
	return workflow.New("hello_world").
		Schedule("@daily").
		StartAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)).
		MaxAttempts(max).
		Task("say_hello", action).
		MustBuild()
}

func setup(t *testing.T, def workflow.Definition, opts ...Option) (*Runner, *instance.Store, *recorder, instance.Key) {
	t.Helper()
	rec := &recorder{}
	store := instance.NewStore(rec)
	key := instance.NewKey(def.ID, logical, def.Task.ID)
	_, created := store.Create(key, def.MaxAttempts, logical)
	require.True(t, created)
	opts = append([]Option{WithSink(rec)}, opts...)
	return New(store, opts...), store, rec, key
}

func messages(lines []tasklog.Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Message
	}
	return out
}

func TestExecuteSuccessLogsStartAndSuccess(t *testing.T) {
	t.Parallel()
	def := definition(t, 1, func(context.Context, *workflow.RunContext) error { return nil })
	r, _, rec, key := setup(t, def)

	out, err := r.Execute(context.Background(), def, key)
	require.NoError(t, err)
	require.True(t, out.Succeeded())
	assert.Equal(t, instance.Succeeded, out.Instance.State)

	lines := out.Instance.Logs()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0].Message, "Executing <Task(say_hello)>")
	assert.Contains(t, lines[1].Message, "Marking task as SUCCESS")
	assert.Len(t, rec.recs, 2)
}

func TestExecuteCapturesActionLines(t *testing.T) {
	t.Parallel()
	def := definition(t, 1, func(_ context.Context, rc *workflow.RunContext) error {
		rc.Log.Info("Hello, World!")
		rc.Log.Logf(logx.LevelWarn, "logical=%s", rc.LogicalDate.Format(time.DateOnly))
		return nil
	})
	r, _, rec, key := setup(t, def)

	out, err := r.Execute(context.Background(), def, key)
	require.NoError(t, err)
	lines := out.Instance.Logs()
	require.Len(t, lines, 4)
	assert.Equal(t, "Hello, World!", lines[1].Message)
	assert.Equal(t, logx.LevelInfo, lines[1].Level)
	assert.Equal(t, "logical=2024-01-05", lines[2].Message)
	assert.Equal(t, logx.LevelWarn, lines[2].Level)

	for _, r := range rec.recs {
		assert.Equal(t, "hello_world", r.WorkflowID)
		assert.Equal(t, "say_hello", r.TaskID)
		assert.Equal(t, 1, r.Attempt)
		assert.True(t, r.LogicalDate.Equal(logical))
		assert.Equal(t, "scheduled__2024-01-05T00:00:00+00:00", r.RunID)
	}
}

func TestExecuteFailsTwiceThenSucceeds(t *testing.T) {
	t.Parallel()
	calls := 0
	def := definition(t, 3, func(_ context.Context, rc *workflow.RunContext) error {
		calls++
		if rc.Attempt < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	r, _, rec, key := setup(t, def)

	for i := 1; i <= 2; i++ {
		out, err := r.Execute(context.Background(), def, key)
		require.NoError(t, err)
		require.True(t, out.Retry)
		assert.Equal(t, instance.Scheduled, out.Instance.State)
		assert.Contains(t, out.Instance.History[i-1].Lines[len(out.Instance.History[i-1].Lines)-1].Message, "UP_FOR_RETRY")
	}
	out, err := r.Execute(context.Background(), def, key)
	require.NoError(t, err)
	assert.Equal(t, instance.Succeeded, out.Instance.State)
	assert.Equal(t, 3, out.Instance.Attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, rec.count(instance.Running))
}

func TestExecuteRetryBound(t *testing.T) {
	t.Parallel()
	def := definition(t, 3, func(context.Context, *workflow.RunContext) error { return errors.New("always") })
	r, store, rec, key := setup(t, def)

	attempts := 0
	for {
		out, err := r.Execute(context.Background(), def, key)
		if err != nil {
			var cv *instance.ConcurrencyViolationError
			require.True(t, errors.As(err, &cv))
			break
		}
		attempts++
		if !out.Retry {
			break
		}
	}
	got, _ := store.Get(key)
	assert.Equal(t, instance.Failed, got.State)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, rec.count(instance.Running))
	assert.Equal(t, "always", got.LastError)

	last := got.History[2].Lines
	assert.Contains(t, last[len(last)-1].Message, "Marking task as FAILED")

	_, err := r.Execute(context.Background(), def, key)
	assert.ErrorIs(t, err, instance.ErrConcurrencyViolation)
}

func TestExecuteNoRetry(t *testing.T) {
	t.Parallel()
	def := definition(t, 5, func(context.Context, *workflow.RunContext) error {
		return NoRetry(errors.New("bad input"))
	})
	r, _, _, key := setup(t, def)
	out, err := r.Execute(context.Background(), def, key)
	require.NoError(t, err)
	assert.False(t, out.Retry)
	assert.Equal(t, instance.Failed, out.Instance.State)
	assert.True(t, IsNoRetry(out.Err))
}

func TestExecuteRecoversPanic(t *testing.T) {
	t.Parallel()
	def := definition(t, 1, func(context.Context, *workflow.RunContext) error { panic("kaboom") })
	r, _, _, key := setup(t, def)
	out, err := r.Execute(context.Background(), def, key)
	require.NoError(t, err)
	var pe *PanicError
	require.True(t, errors.As(out.Err, &pe))
	assert.Equal(t, "kaboom", pe.Value)
	assert.Equal(t, instance.Failed, out.Instance.State)
	assert.Equal(t, "panic: kaboom", out.Instance.LastError)
}

func TestExecuteTimeoutIsTerminal(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	def := definition(t, 3, func(_ context.Context, rc *workflow.RunContext) error {
		<-release
		rc.Log.Info("too late")
		return nil
	})
	r, _, _, key := setup(t, def, WithDefaultTimeout(20*time.Millisecond))

	out, err := r.Execute(context.Background(), def, key)
	require.NoError(t, err)
	var te *TimeoutError
	require.True(t, errors.As(out.Err, &te))
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.False(t, out.Retry)
	assert.Equal(t, instance.Failed, out.Instance.State)
	for _, m := range messages(out.Instance.Logs()) {
		assert.NotEqual(t, "too late", m)
	}
}

func TestExecuteIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	def := definition(t, 1, func(ctx context.Context, rc *workflow.RunContext) error {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return err
		}
		rc.Log.Info("done")
		return nil
	})
	r, _, _, key := setup(t, def)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		out Outcome
		err error
	}
	res := make(chan result, 1)
	go func() {
		out, err := r.Execute(ctx, def, key)
		res <- result{out, err}
	}()

	<-started
	cancel()
	select {
	case <-res:
		t.Fatal("attempt ended before the action returned")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	got := <-res
	require.NoError(t, got.err)
	require.NoError(t, got.out.Err)
	assert.Equal(t, instance.Succeeded, got.out.Instance.State)
	assert.Equal(t, 1, got.out.Instance.Attempts)
	assert.Contains(t, messages(got.out.Instance.Logs()), "done")
}

func TestExecuteUnknownInstance(t *testing.T) {
	t.Parallel()
	def := definition(t, 1, func(context.Context, *workflow.RunContext) error { return nil })
	r := New(instance.NewStore())
	_, err := r.Execute(context.Background(), def, instance.NewKey(def.ID, logical, def.Task.ID))
	assert.ErrorIs(t, err, instance.ErrUnknownInstance)
}

func TestRetryHint(t *testing.T) {
	t.Parallel()
	d, ok := RetryHint(RetryAfter(errors.New("429"), 3*time.Second))
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, d)
	_, ok = RetryHint(errors.New("plain"))
	assert.False(t, ok)
	assert.Nil(t, NoRetry(nil))
	assert.Nil(t, RetryAfter(nil, time.Second))
}

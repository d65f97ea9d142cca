package instance

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewflow/internal/tasklog"
	logx "pewflow/pkg/logx"
)

var t0 = time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

func key(d time.Time) Key { return NewKey("hello_world", d, "say_hello") }

func line(msg string) tasklog.Line {
	return tasklog.Line{Time: t0, Level: logx.LevelInfo, Message: msg}
}

func TestRunIDAndKey(t *testing.T) {
	t.Parallel()
	ny := time.FixedZone("EST", -5*3600)
	k := NewKey("wf", time.Date(2024, 1, 4, 19, 0, 0, 0, ny), "t")
	assert.Equal(t, key(t0).LogicalDate, k.LogicalDate)
	assert.Equal(t, "wf/2024-01-05T00:00:00Z/t", k.String())
	assert.Equal(t, "scheduled__2024-01-05T00:00:00+00:00", RunID(k.LogicalDate))
}

func TestTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		max       int
		steps     func(i *Instance) error
		wantState State
		wantErr   error
	}{
		{
			name: "succeed",
			max:  1,
			steps: func(i *Instance) error {
				if err := i.Start(t0); err != nil {
					return err
				}
				return i.Succeed(t0.Add(time.Second), []tasklog.Line{line("ok")})
			},
			wantState: Succeeded,
		},
		{
			name: "fail with retry left",
			max:  2,
			steps: func(i *Instance) error {
				_ = i.Start(t0)
				return i.Fail(t0, errors.New("boom"), true, nil)
			},
			wantState: Scheduled,
		},
		{
			name: "fail not retryable",
			max:  3,
			steps: func(i *Instance) error {
				_ = i.Start(t0)
				return i.Fail(t0, errors.New("boom"), false, nil)
			},
			wantState: Failed,
		},
		{
			name: "fail exhausted",
			max:  1,
			steps: func(i *Instance) error {
				_ = i.Start(t0)
				return i.Fail(t0, errors.New("boom"), true, nil)
			},
			wantState: Failed,
		},
		{
			name: "interrupt refunds attempt",
			max:  1,
			steps: func(i *Instance) error {
				_ = i.Start(t0)
				if err := i.Interrupt(t0); err != nil {
					return err
				}
				if i.Attempts != 0 || !i.AttemptsLeft() {
					return errors.New("interrupted attempt was counted")
				}
				return i.Start(t0)
			},
			wantState: Running,
		},
		{
			name:      "interrupt without start",
			max:       1,
			steps:     func(i *Instance) error { return i.Interrupt(t0) },
			wantState: Scheduled,
			wantErr:   ErrInvalidTransition,
		},
		{
			name:      "succeed without start",
			max:       1,
			steps:     func(i *Instance) error { return i.Succeed(t0, nil) },
			wantState: Scheduled,
			wantErr:   ErrInvalidTransition,
		},
		{
			name: "start twice",
			max:  3,
			steps: func(i *Instance) error {
				_ = i.Start(t0)
				return i.Start(t0)
			},
			wantState: Running,
			wantErr:   ErrInvalidTransition,
		},
		{
			name: "restart terminal",
			max:  3,
			steps: func(i *Instance) error {
				_ = i.Start(t0)
				_ = i.Succeed(t0, nil)
				return i.Start(t0)
			},
			wantState: Succeeded,
			wantErr:   ErrInvalidTransition,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inst := New(key(t0), tt.max, t0)
			err := tt.steps(&inst)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantState, inst.State)
		})
	}
}

func TestAttemptHistory(t *testing.T) {
	t.Parallel()
	inst := New(key(t0), 2, t0)
	require.NoError(t, inst.Start(t0))
	require.NoError(t, inst.Fail(t0.Add(time.Second), errors.New("first"), true, []tasklog.Line{line("a")}))
	require.NoError(t, inst.Start(t0.Add(2*time.Second)))
	require.NoError(t, inst.Succeed(t0.Add(3*time.Second), []tasklog.Line{line("b")}))

	require.Len(t, inst.History, 2)
	assert.Equal(t, 2, inst.Attempts)
	assert.Equal(t, "first", inst.History[0].Error)
	assert.Empty(t, inst.History[1].Error)
	assert.Empty(t, inst.LastError)
	assert.Equal(t, []string{"a", "b"}, messages(inst.Logs()))
	assert.Equal(t, t0.Add(2*time.Second), inst.StartedAt)
	assert.Equal(t, t0.Add(3*time.Second), inst.EndedAt)

	// Attempts are bounded even if a caller keeps retrying.
	failed := New(key(t0), 1, t0)
	require.NoError(t, failed.Start(t0))
	require.NoError(t, failed.Fail(t0, errors.New("x"), true, nil))
	assert.Equal(t, Failed, failed.State)
}

func messages(lines []tasklog.Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Message
	}
	return out
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	inst := New(key(t0), 1, t0)
	require.NoError(t, inst.Start(t0))
	require.NoError(t, inst.Succeed(t0, []tasklog.Line{line("orig")}))

	c := inst.Clone()
	c.History[0].Lines[0].Message = "changed"
	assert.Equal(t, "orig", inst.History[0].Lines[0].Message)
}

func TestStoreCreateIdempotent(t *testing.T) {
	t.Parallel()
	var seen []State
	s := NewStore(ObserverFunc(func(i Instance) { seen = append(seen, i.State) }))

	a, created := s.Create(key(t0), 1, t0)
	require.True(t, created)
	b, created := s.Create(key(t0.In(time.FixedZone("X", 3600))), 1, t0)
	require.False(t, created)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, []State{Scheduled}, seen)
}

func TestStoreListOrdered(t *testing.T) {
	t.Parallel()
	s := NewStore()
	for _, d := range []int{3, 1, 2} {
		s.Create(key(t0.AddDate(0, 0, d)), 1, t0)
	}
	s.Create(NewKey("other", t0, "x"), 1, t0)

	list := s.List("hello_world")
	require.Len(t, list, 3)
	for i, inst := range list {
		assert.True(t, inst.Key.LogicalDate.Equal(t0.AddDate(0, 0, i+1)))
	}

	_, err := s.Claim(list[0].Key, t0)
	require.NoError(t, err)
	pending := s.Pending("hello_world")
	require.Len(t, pending, 2)
	assert.True(t, pending[0].Key.LogicalDate.Equal(t0.AddDate(0, 0, 2)))
}

func TestStoreClaimViolation(t *testing.T) {
	t.Parallel()
	s := NewStore()
	_, err := s.Claim(key(t0), t0)
	require.ErrorIs(t, err, ErrUnknownInstance)

	s.Create(key(t0), 1, t0)
	_, err = s.Claim(key(t0), t0)
	require.NoError(t, err)

	_, err = s.Claim(key(t0), t0)
	var cv *ConcurrencyViolationError
	require.True(t, errors.As(err, &cv))
	assert.Equal(t, Running, cv.State)
	assert.ErrorIs(t, err, ErrConcurrencyViolation)
}

func TestStoreClaimRace(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Create(key(t0), 1, t0)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Claim(key(t0), t0); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestStoreCompleteNotifiesInOrder(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var seen []string
	s := NewStore(ObserverFunc(func(i Instance) {
		mu.Lock()
		seen = append(seen, fmt.Sprintf("%s#%d", i.State, i.Attempts))
		mu.Unlock()
	}))
	s.Create(key(t0), 2, t0)
	_, err := s.Claim(key(t0), t0)
	require.NoError(t, err)
	_, err = s.Complete(key(t0), func(i *Instance) error { return i.Fail(t0, errors.New("x"), true, nil) })
	require.NoError(t, err)
	_, err = s.Claim(key(t0), t0)
	require.NoError(t, err)
	got, err := s.Complete(key(t0), func(i *Instance) error { return i.Succeed(t0, nil) })
	require.NoError(t, err)
	assert.Equal(t, Succeeded, got.State)

	assert.Equal(t, []string{"scheduled#0", "running#1", "scheduled#1", "running#2", "succeeded#2"}, seen)
}

func TestStoreCompleteRejectsLeavesInstance(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Create(key(t0), 1, t0)
	_, err := s.Complete(key(t0), func(i *Instance) error { return i.Succeed(t0, nil) })
	require.ErrorIs(t, err, ErrInvalidTransition)
	got, ok := s.Get(key(t0))
	require.True(t, ok)
	assert.Equal(t, Scheduled, got.State)
}

func TestStoreRestore(t *testing.T) {
	t.Parallel()
	s := NewStore()
	inst := New(key(t0), 3, t0)
	inst.State = Succeeded
	require.True(t, s.Restore(inst))
	require.False(t, s.Restore(inst))

	got, ok := s.Get(key(t0))
	require.True(t, ok)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, Succeeded, got.State)

	_, created := s.Create(key(t0), 1, t0)
	assert.False(t, created)
}

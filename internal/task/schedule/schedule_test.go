package schedule

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecurrenceVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want Recurrence
	}{
		{name: "daily", raw: "@daily", want: Recurrence{Rule: "@daily", Days: 1}},
		{name: "daily word", raw: " Daily ", want: Recurrence{Rule: "@daily", Days: 1}},
		{name: "midnight", raw: "@midnight", want: Recurrence{Rule: "@daily", Days: 1}},
		{name: "hourly", raw: "@hourly", want: Recurrence{Rule: "@hourly", Every: time.Hour}},
		{name: "weekly", raw: "@weekly", want: Recurrence{Rule: "@weekly", Days: 7}},
		{name: "monthly", raw: "@monthly", want: Recurrence{Rule: "@monthly", Months: 1}},
		{name: "annually", raw: "@annually", want: Recurrence{Rule: "@yearly", Years: 1}},
		{name: "every", raw: "@every 90m", want: Recurrence{Rule: "@every 1h30m0s", Every: 90 * time.Minute}},
		{name: "prefixed interval", raw: "interval:45s", want: Recurrence{Rule: "@every 45s", Every: 45 * time.Second}},
		{name: "duration", raw: "10m", want: Recurrence{Rule: "@every 10m0s", Every: 10 * time.Minute}},
		{name: "hhmm", raw: "01:30", want: Recurrence{Rule: "@every 1h30m0s", Every: 90 * time.Minute}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRecurrence(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRecurrenceInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "*/5 * * * *", "cron:0 0 * * *", "0s", "-5m", "00:00", "01:75", "@every"} {
		_, err := ParseRecurrence(raw)
		require.Error(t, err, raw)
		var se *ScheduleComputationError
		require.True(t, errors.As(err, &se), raw)
		assert.ErrorIs(t, err, ErrInvalidRecurrence, raw)
	}
}

func TestLoadLocation(t *testing.T) {
	t.Parallel()
	loc, err := LoadLocation("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	_, err = LoadLocation("Mars/Olympus_Mons")
	assert.ErrorIs(t, err, ErrInvalidTimezone)
}

func TestNewCalculatorRejects(t *testing.T) {
	t.Parallel()
	_, err := NewCalculator(time.Time{}, Recurrence{Days: 1}, false)
	assert.ErrorIs(t, err, ErrInvalidStart)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = NewCalculator(start, Recurrence{}, false)
	assert.ErrorIs(t, err, ErrInvalidRecurrence)

	_, err = NewCalculator(start, Recurrence{Days: 1}, false, WithLocation(nil))
	assert.ErrorIs(t, err, ErrInvalidTimezone)
}

func mustCalc(t *testing.T, start time.Time, rule string, catchUp bool, opts ...Option) *Calculator {
	t.Helper()
	rec, err := ParseRecurrence(rule)
	require.NoError(t, err)
	c, err := NewCalculator(start, rec, catchUp, opts...)
	require.NoError(t, err)
	return c
}

func day(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

func TestDueRunsNoCatchUpScenario(t *testing.T) {
	t.Parallel()
	c := mustCalc(t, day(1), "@daily", false)
	got := slices.Collect(c.DueRuns(time.Time{}, day(5)))
	assert.Equal(t, []time.Time{day(5)}, got)
}

func TestDueRunsCatchUpScenario(t *testing.T) {
	t.Parallel()
	c := mustCalc(t, day(1), "@daily", true)
	got := slices.Collect(c.DueRuns(time.Time{}, day(5)))
	assert.Equal(t, []time.Time{day(1), day(2), day(3), day(4), day(5)}, got)
}

func TestDueRunsNoCatchUpAtMostLatest(t *testing.T) {
	t.Parallel()
	periods := []string{"@hourly", "@daily", "@weekly", "@every 7m", "@monthly"}
	starts := []time.Time{day(1), time.Date(2023, 11, 17, 9, 13, 0, 0, time.UTC)}
	for _, rule := range periods {
		for _, start := range starts {
			c := mustCalc(t, start, rule, false)
			for _, offset := range []time.Duration{0, time.Minute, 3 * time.Hour, 50 * time.Hour, 40 * 24 * time.Hour} {
				now := start.Add(offset)
				got := slices.Collect(c.DueRuns(time.Time{}, now))
				require.LessOrEqual(t, len(got), 1)
				latest, ok := c.Latest(now)
				require.True(t, ok)
				require.Equal(t, []time.Time{latest}, got, "%s start=%s now=%s", rule, start, now)
				assert.False(t, latest.After(now))
				assert.True(t, c.Next(latest).After(now))
			}
		}
	}
}

func TestDueRunsSkipsMaterialized(t *testing.T) {
	t.Parallel()
	c := mustCalc(t, day(1), "@daily", false)
	assert.Empty(t, slices.Collect(c.DueRuns(day(5), day(5).Add(12*time.Hour))))
	assert.Equal(t, []time.Time{day(6)}, slices.Collect(c.DueRuns(day(5), day(6))))
}

func TestDueRunsBeforeStart(t *testing.T) {
	t.Parallel()
	for _, catchUp := range []bool{false, true} {
		c := mustCalc(t, day(10), "@daily", catchUp)
		assert.Empty(t, slices.Collect(c.DueRuns(time.Time{}, day(9))))
	}
}

func TestDueRunsCatchUpFromWatermark(t *testing.T) {
	t.Parallel()
	c := mustCalc(t, day(1), "@daily", true)
	got := slices.Collect(c.DueRuns(day(3), day(5).Add(time.Hour)))
	assert.Equal(t, []time.Time{day(4), day(5)}, got)
}

func TestDueRunsIdempotent(t *testing.T) {
	t.Parallel()
	c := mustCalc(t, day(1), "@every 6h", true)
	a := slices.Collect(c.DueRuns(day(2), day(4)))
	b := slices.Collect(c.DueRuns(day(2), day(4)))
	assert.Equal(t, a, b)
	assert.Len(t, a, 8)
}

func TestDueRunsCatchUpCap(t *testing.T) {
	t.Parallel()
	c := mustCalc(t, day(1), "@daily", true, WithMaxPerCall(2))

	var all []time.Time
	var wm time.Time
	for i := 0; i < 10; i++ {
		batch := slices.Collect(c.DueRuns(wm, day(5)))
		if len(batch) == 0 {
			break
		}
		require.LessOrEqual(t, len(batch), 2)
		all = append(all, batch...)
		wm = batch[len(batch)-1]
	}
	assert.Equal(t, []time.Time{day(1), day(2), day(3), day(4), day(5)}, all)
}

func TestDueRunsStopEarly(t *testing.T) {
	t.Parallel()
	c := mustCalc(t, day(1), "@daily", true)
	n := 0
	for range c.DueRuns(time.Time{}, day(31)) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestDailyFollowsWallClockAcrossDST(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// DST starts 2024-03-10 in New York.
	start := time.Date(2024, 3, 8, 0, 0, 0, 0, ny)
	c := mustCalc(t, start, "@daily", true)

	got := slices.Collect(c.DueRuns(time.Time{}, time.Date(2024, 3, 12, 0, 0, 0, 0, ny)))
	require.Len(t, got, 5)
	for i, ts := range got {
		assert.Equal(t, 0, ts.Hour(), "boundary %d at %s", i, ts)
		assert.Equal(t, 8+i, ts.Day())
	}
	// The DST day is 23 hours long.
	assert.Equal(t, 23*time.Hour, got[3].Sub(got[2]))
}

func TestWithLocationRezonesStart(t *testing.T) {
	t.Parallel()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	c := mustCalc(t, day(1), "@daily", false, WithLocation(tokyo))
	assert.Equal(t, tokyo, c.Start().Location())
	latest, ok := c.Latest(day(3))
	require.True(t, ok)
	assert.True(t, latest.Equal(day(3)))
	assert.Equal(t, 9, latest.Hour())
}

func TestMonthlyDoesNotDrift(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC)
	c := mustCalc(t, start, "@monthly", true)
	got := slices.Collect(c.DueRuns(time.Time{}, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)))
	require.Len(t, got, 12)
	for i, ts := range got {
		assert.Equal(t, time.Month(i+1), ts.Month())
		assert.Equal(t, 15, ts.Day())
	}
}

func TestRequestsTagsWorkflow(t *testing.T) {
	t.Parallel()
	c := mustCalc(t, day(1), "@daily", true)
	reqs := slices.Collect(c.Requests("hello_world", day(3), day(4)))
	assert.Equal(t, []RunRequest{{WorkflowID: "hello_world", LogicalDate: day(4)}}, reqs)
}

package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Recurrence is a fixed period.
//
// Calendar periods (Years/Months/Days) step in wall-clock time of the start's
// zone, so a daily run at 00:00 stays at 00:00 across DST changes. Every
// steps in absolute time.
type Recurrence struct {
	Rule string // normalized rule, e.g. "@daily" or "@every 1h30m0s"

	Years  int
	Months int
	Days   int
	Every  time.Duration
}

// IsCalendar reports whether the period steps in wall-clock time.
func (r Recurrence) IsCalendar() bool { return r.Years != 0 || r.Months != 0 || r.Days != 0 }

// Nominal returns the approximate period length. Months count as 30 days
// and years as 365; use it for poll cadence and estimates only.
func (r Recurrence) Nominal() time.Duration {
	if !r.IsCalendar() {
		return r.Every
	}
	day := 24 * time.Hour
	return time.Duration(r.Years)*365*day + time.Duration(r.Months)*30*day + time.Duration(r.Days)*day
}

// step returns the k-th boundary counted from start.
func (r Recurrence) step(start time.Time, k int) time.Time {
	if r.IsCalendar() {
		return start.AddDate(r.Years*k, r.Months*k, r.Days*k)
	}
	return start.Add(time.Duration(k) * r.Every)
}

func (r Recurrence) String() string { return r.Rule }

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var descriptors = map[string]Recurrence{
	"@daily":    {Rule: "@daily", Days: 1},
	"@midnight": {Rule: "@daily", Days: 1},
	"daily":     {Rule: "@daily", Days: 1},
	"@hourly":   {Rule: "@hourly", Every: time.Hour},
	"hourly":    {Rule: "@hourly", Every: time.Hour},
	"@weekly":   {Rule: "@weekly", Days: 7},
	"weekly":    {Rule: "@weekly", Days: 7},
	"@monthly":  {Rule: "@monthly", Months: 1},
	"monthly":   {Rule: "@monthly", Months: 1},
	"@yearly":   {Rule: "@yearly", Years: 1},
	"@annually": {Rule: "@yearly", Years: 1},
	"yearly":    {Rule: "@yearly", Years: 1},
	"annually":  {Rule: "@yearly", Years: 1},
}

// ParseRecurrence resolves a recurrence rule to a fixed period.
//
// Supported forms:
//   - Descriptors: "@daily", "@hourly", "@weekly", "@monthly", "@yearly" (and bare words)
//   - Interval: "@every 90m", "every:2h", "interval:00:30"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Cron field expressions ("*/5 * * * *") are rejected: their boundaries are
// not a fixed period.
func ParseRecurrence(raw string) (Recurrence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Recurrence{}, recurrenceErr(raw, "schedule required")
	}
	low := strings.ToLower(s)

	if r, ok := descriptors[low]; ok {
		return r, nil
	}

	for _, prefix := range []string{"@every ", "every:", "interval:"} {
		if strings.HasPrefix(low, prefix) {
			d, err := parseInterval(raw, s[len(prefix):])
			if err != nil {
				return Recurrence{}, err
			}
			return everyRecurrence(d), nil
		}
	}

	if strings.HasPrefix(low, "cron:") || strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Recurrence{}, recurrenceErr(raw, "cron expressions are not fixed periods (use @daily, @every 1h, 55m or HH:MM)")
	}

	d, err := parseInterval(raw, s)
	if err != nil {
		return Recurrence{}, err
	}
	return everyRecurrence(d), nil
}

func everyRecurrence(d time.Duration) Recurrence {
	return Recurrence{Rule: fmt.Sprintf("@every %s", d), Every: d}
}

func parseInterval(raw, v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, recurrenceErr(raw, "interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(raw, v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, recurrenceErr(raw, "use a descriptor like '@daily', HH:MM like '02:30', or a duration like '55m'")
	}
	if d <= 0 {
		return 0, recurrenceErr(raw, "interval must be > 0")
	}
	return d, nil
}

func parseHHMMDuration(raw, v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, recurrenceErr(raw, "invalid HH:MM")
	}
	// hours up to 999, minutes 0..59
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, recurrenceErr(raw, "invalid minutes")
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, recurrenceErr(raw, "interval must be > 0")
	}
	return d, nil
}

// LoadLocation wraps time.LoadLocation into a ScheduleComputationError.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &ScheduleComputationError{Kind: ErrInvalidTimezone, Input: name, Err: err}
	}
	return loc, nil
}

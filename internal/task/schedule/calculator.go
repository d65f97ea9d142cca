package schedule

import (
	"iter"
	"time"
)

// RunRequest says that logical timestamp LogicalDate of workflow WorkflowID
// is due now.
type RunRequest struct {
	WorkflowID  string
	LogicalDate time.Time
}

// Calculator computes due logical timestamps for one workflow.
type Calculator struct {
	start      time.Time
	rec        Recurrence
	catchUp    bool
	maxPerCall int
}

type Option func(*Calculator) error

// WithLocation moves the start into loc before boundaries are computed.
// Calendar periods then follow loc's wall clock.
func WithLocation(loc *time.Location) Option {
	return func(c *Calculator) error {
		if loc == nil {
			return &ScheduleComputationError{Kind: ErrInvalidTimezone, Msg: "nil location"}
		}
		c.start = c.start.In(loc)
		return nil
	}
}

// WithMaxPerCall caps a catch-up sequence to its n oldest boundaries.
// The rest stay due and are returned by later calls once the watermark
// advances. n <= 0 means no cap.
func WithMaxPerCall(n int) Option {
	return func(c *Calculator) error {
		if n < 0 {
			n = 0
		}
		c.maxPerCall = n
		return nil
	}
}

func NewCalculator(start time.Time, rec Recurrence, catchUp bool, opts ...Option) (*Calculator, error) {
	if start.IsZero() {
		return nil, &ScheduleComputationError{Kind: ErrInvalidStart, Msg: "start required"}
	}
	if !rec.IsCalendar() && rec.Every <= 0 {
		return nil, &ScheduleComputationError{Kind: ErrInvalidRecurrence, Input: rec.Rule, Msg: "period must be > 0"}
	}
	if rec.Years < 0 || rec.Months < 0 || rec.Days < 0 {
		return nil, &ScheduleComputationError{Kind: ErrInvalidRecurrence, Input: rec.Rule, Msg: "period must be > 0"}
	}
	c := &Calculator{start: start, rec: rec, catchUp: catchUp}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Calculator) Start() time.Time         { return c.start }
func (c *Calculator) Recurrence() Recurrence   { return c.rec }
func (c *Calculator) CatchUp() bool            { return c.catchUp }
func (c *Calculator) Boundary(k int) time.Time { return c.rec.step(c.start, k) }

// index returns the largest k with Boundary(k) <= t, or -1 when t is
// before the start.
func (c *Calculator) index(t time.Time) int {
	if t.Before(c.start) {
		return -1
	}
	if !c.rec.IsCalendar() {
		return int(t.Sub(c.start) / c.rec.Every)
	}
	// Calendar periods vary in length; estimate, then walk to the exact index.
	k := int(t.Sub(c.start) / c.rec.Nominal())
	for k > 0 && c.Boundary(k).After(t) {
		k--
	}
	for !c.Boundary(k + 1).After(t) {
		k++
	}
	return k
}

// Latest returns the most recent boundary <= now.
func (c *Calculator) Latest(now time.Time) (time.Time, bool) {
	k := c.index(now)
	if k < 0 {
		return time.Time{}, false
	}
	return c.Boundary(k), true
}

// Next returns the first boundary strictly after t.
func (c *Calculator) Next(t time.Time) time.Time {
	return c.Boundary(c.index(t) + 1)
}

// DueRuns returns the logical timestamps that are due at now, given that
// every boundary up to lastMaterialized already has an instance. A zero
// lastMaterialized means nothing was materialized yet.
//
// Without catch-up the sequence holds at most the latest boundary <= now;
// missed earlier boundaries are skipped. With catch-up it holds every
// boundary after the watermark up to the latest one, oldest first.
func (c *Calculator) DueRuns(lastMaterialized, now time.Time) iter.Seq[time.Time] {
	hi := c.index(now)
	lo := 0
	if !lastMaterialized.IsZero() {
		lo = c.index(lastMaterialized) + 1
	}

	if !c.catchUp {
		return func(yield func(time.Time) bool) {
			if hi < 0 || hi < lo {
				return
			}
			yield(c.Boundary(hi))
		}
	}

	if c.maxPerCall > 0 && hi-lo+1 > c.maxPerCall {
		hi = lo + c.maxPerCall - 1
	}
	return func(yield func(time.Time) bool) {
		for k := lo; k <= hi; k++ {
			if !yield(c.Boundary(k)) {
				return
			}
		}
	}
}

// Requests is DueRuns tagged with the workflow id.
func (c *Calculator) Requests(workflowID string, lastMaterialized, now time.Time) iter.Seq[RunRequest] {
	due := c.DueRuns(lastMaterialized, now)
	return func(yield func(RunRequest) bool) {
		for ts := range due {
			if !yield(RunRequest{WorkflowID: workflowID, LogicalDate: ts}) {
				return
			}
		}
	}
}

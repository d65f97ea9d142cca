package trigger

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

// maxPollOffset caps how far spread pushes back a workflow's first poll.
const maxPollOffset = 30 * time.Second

// pollSchedule polls at a constant interval, with the first poll at start.
type pollSchedule struct {
	every cron.ConstantDelaySchedule
	start time.Time
}

func (p pollSchedule) Next(t time.Time) time.Time {
	if t.Before(p.start) {
		return p.start
	}
	return p.every.Next(t)
}

// newPollSchedule returns the cron schedule polling workflow id every
// interval, and the offset of its first poll from now. Without spread the
// offset is zero and cron fires after one interval as usual.
func newPollSchedule(id string, every time.Duration, now time.Time, spread bool) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	window := min(every, maxPollOffset)
	if !spread || window <= 0 {
		return base, 0
	}
	offset := time.Duration(pollRand(id, now).Int64N(int64(window)))
	return pollSchedule{every: base, start: now.Add(offset)}, offset
}

// pollRand mixes the workflow ID into the seed so workflows watched in the
// same instant still land on different offsets.
func pollRand(id string, now time.Time) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return rand.New(rand.NewPCG(h.Sum64(), uint64(now.UnixNano())))
}

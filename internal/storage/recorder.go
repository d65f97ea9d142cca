package storage

import (
	"context"
	"sync/atomic"
	"time"

	"pewflow/internal/task/instance"
	logx "pewflow/pkg/logx"
)

const (
	recordTimeout     = 2 * time.Second
	warnThrottleEvery = 5 * time.Second
)

// Recorder persists every instance snapshot it observes.
type Recorder struct {
	store Store
	log   logx.Logger

	failed     atomic.Uint64
	lastWarnAt atomic.Int64
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log}
}

func (r *Recorder) Observe(inst instance.Instance) {
	if r == nil || r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.store.PutInstance(ctx, inst); err != nil {
		n := r.failed.Add(1)
		now := time.Now().UnixNano()
		prev := r.lastWarnAt.Load()
		if prev == 0 || now-prev >= int64(warnThrottleEvery) {
			if r.lastWarnAt.CompareAndSwap(prev, now) {
				r.log.Warn("instance persist failed",
					logx.String("instance", inst.Key.String()),
					logx.String("state", string(inst.State)),
					logx.Uint64("failed_total", n),
					logx.Err(err),
				)
			}
		}
	}
}

// Failed reports how many snapshots could not be persisted.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

var _ instance.Observer = (*Recorder)(nil)

package tasklog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "pewflow/pkg/logx"
)

// NewLogxSink writes records through a component logger, so task output
// shares the process log pipeline.
func NewLogxSink(log logx.Logger) Sink {
	if log.IsZero() {
		return Nop()
	}
	return SinkFunc(func(rec Record) {
		log.Log(rec.Level, rec.Message,
			logx.String("workflow", rec.WorkflowID),
			logx.String("task", rec.TaskID),
			logx.String("run_id", rec.RunID),
			logx.Time("logical_date", rec.LogicalDate),
			logx.Int("attempt", rec.Attempt),
		)
	})
}

// Async decouples a sink from the emitting goroutine.
//
// Records are delivered by a single goroutine, which keeps emission order.
// When the queue is full the record is dropped and counted.
type Async struct {
	inner Sink
	q     chan Record

	mu     sync.RWMutex
	closed bool

	done    chan struct{}
	dropped atomic.Uint64
}

func NewAsync(inner Sink, size int) *Async {
	if inner == nil {
		inner = Nop()
	}
	if size <= 0 {
		size = 1024
	}
	a := &Async{inner: inner, q: make(chan Record, size), done: make(chan struct{})}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for rec := range a.q {
		a.inner.Emit(rec)
	}
}

func (a *Async) Emit(rec Record) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.q <- rec:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports records lost to a full queue or a closed sink.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Close stops accepting records and waits for the queue to drain.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.q)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Throttle limits how many records per second reach inner. Excess records
// are dropped; warnings and errors get a separate budget so a chatty task
// cannot hide its own failure line.
type Throttle struct {
	inner Sink

	info   *rate.Limiter
	urgent *rate.Limiter

	dropped atomic.Uint64
}

func NewThrottle(inner Sink, perSec int) *Throttle {
	if inner == nil {
		inner = Nop()
	}
	if perSec <= 0 {
		perSec = 50
	}
	return &Throttle{
		inner:  inner,
		info:   rate.NewLimiter(rate.Limit(perSec), perSec),
		urgent: rate.NewLimiter(rate.Limit(perSec), perSec),
	}
}

func (t *Throttle) Emit(rec Record) {
	lim := t.info
	if rec.Level >= logx.LevelWarn {
		lim = t.urgent
	}
	if !lim.AllowN(time.Now(), 1) {
		t.dropped.Add(1)
		return
	}
	t.inner.Emit(rec)
}

func (t *Throttle) Dropped() uint64 { return t.dropped.Load() }

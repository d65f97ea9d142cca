package tasklog

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logx "pewflow/pkg/logx"
)

// Capture collects the lines of one attempt and forwards them to a sink.
//
// After Seal, further writes are counted as late and dropped; this happens
// when an attempt timed out but its action keeps running.
type Capture struct {
	tmpl Record
	sink Sink
	now  func() time.Time

	mu     sync.Mutex
	lines  []Line
	sealed bool

	late atomic.Uint64
}

// NewCapture starts a capture for the attempt described by tmpl. Level,
// Message and Time of tmpl are ignored.
func NewCapture(tmpl Record, sink Sink, now func() time.Time) *Capture {
	if sink == nil {
		sink = Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Capture{tmpl: tmpl, sink: sink, now: now}
}

func (c *Capture) Debug(msg string) { c.emit(logx.LevelDebug, msg) }
func (c *Capture) Info(msg string)  { c.emit(logx.LevelInfo, msg) }
func (c *Capture) Warn(msg string)  { c.emit(logx.LevelWarn, msg) }
func (c *Capture) Error(msg string) { c.emit(logx.LevelError, msg) }

func (c *Capture) Logf(level logx.Level, format string, args ...any) {
	c.emit(level, fmt.Sprintf(format, args...))
}

func (c *Capture) emit(level logx.Level, msg string) {
	rec := c.tmpl
	rec.Level = level
	rec.Message = msg

	// The sink is called under mu so records leave in the same order as
	// they were appended.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		c.late.Add(1)
		return
	}
	rec.Time = c.now()
	c.lines = append(c.lines, rec.Line())
	c.sink.Emit(rec)
}

// Seal stops the capture and returns the collected lines.
func (c *Capture) Seal() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	out := make([]Line, len(c.lines))
	copy(out, c.lines)
	return out
}

// Late reports how many lines arrived after Seal.
func (c *Capture) Late() uint64 { return c.late.Load() }

var _ Logger = (*Capture)(nil)

// Package tasklog carries log lines emitted by task actions.
//
// A running attempt writes through a Capture, which keeps the lines for the
// task instance and forwards a Record per line to a Sink. Where records end
// up (console, per-attempt files, an external backend) is a Sink concern.
package tasklog

import (
	"time"

	logx "pewflow/pkg/logx"
)

// Line is one captured log line of a task attempt.
type Line struct {
	Time    time.Time
	Level   logx.Level
	Message string
}

// Record is what sinks receive: a Line plus the identity of the attempt
// that produced it.
type Record struct {
	WorkflowID  string
	LogicalDate time.Time
	TaskID      string
	RunID       string
	Attempt     int
	Level       logx.Level
	Message     string
	Time        time.Time
}

func (r Record) Line() Line { return Line{Time: r.Time, Level: r.Level, Message: r.Message} }

// Sink receives records in emission order. Emit must not block for long;
// wrap slow sinks with NewAsync.
type Sink interface {
	Emit(rec Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(rec Record)

func (f SinkFunc) Emit(rec Record) {
	if f != nil {
		f(rec)
	}
}

// Nop discards records.
func Nop() Sink { return SinkFunc(nil) }

// Fanout emits each record to every non-nil sink, in order.
func Fanout(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Nop()
	case 1:
		return out[0]
	}
	return fanout(out)
}

type fanout []Sink

func (f fanout) Emit(rec Record) {
	for _, s := range f {
		s.Emit(rec)
	}
}

// Logger is the log-emission capability handed to task actions.
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
	Logf(level logx.Level, format string, args ...any)
}

// LevelName renders a level the way task log files print it.
func LevelName(l logx.Level) string {
	switch l {
	case logx.LevelDebug:
		return "DEBUG"
	case logx.LevelInfo:
		return "INFO"
	case logx.LevelWarn:
		return "WARNING"
	case logx.LevelError:
		return "ERROR"
	default:
		return l.String()
	}
}

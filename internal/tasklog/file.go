package tasklog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "pewflow/pkg/logx"
)

const fileTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FileSink writes one log file per task attempt:
//
//	<dir>/dag_id=<workflow>/run_id=<run>/task_id=<task>/attempt=<n>.log
//
// Files are opened in append mode per record, so a crash never leaves a
// file handle holding half a line.
type FileSink struct {
	dir string
	log logx.Logger

	mu       sync.Mutex
	lastWarn time.Time

	failed atomic.Uint64
}

func NewFileSink(dir string, log logx.Logger) (*FileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("task log dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FileSink{dir: dir, log: log}, nil
}

// PathFor returns the attempt log path for rec.
func (s *FileSink) PathFor(rec Record) string {
	return filepath.Join(s.dir,
		"dag_id="+sanitize(rec.WorkflowID),
		"run_id="+sanitize(rec.RunID),
		"task_id="+sanitize(rec.TaskID),
		"attempt="+strconv.Itoa(rec.Attempt)+".log",
	)
}

func (s *FileSink) Emit(rec Record) {
	path := s.PathFor(rec)
	line := fmt.Sprintf("[%s] {%s} - %s\n", rec.Time.Format(fileTimeFormat), LevelName(rec.Level), rec.Message)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := appendFile(path, line); err != nil {
		s.failed.Add(1)
		now := time.Now()
		if now.Sub(s.lastWarn) >= 5*time.Second {
			s.lastWarn = now
			s.log.Warn("task log write failed", logx.String("path", path), logx.Any("err", err), logx.Uint64("failed", s.failed.Load()))
		}
	}
}

// Failed reports how many records could not be written.
func (s *FileSink) Failed() uint64 { return s.failed.Load() }

func appendFile(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// sanitize keeps path segments inside their directory.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(s)
}

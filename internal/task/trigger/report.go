package trigger

import (
	"context"
	"errors"
	"time"

	"pewflow/internal/task/engine"
	"pewflow/internal/workflow"
	logx "pewflow/pkg/logx"
)

const tickWarnThrottle = 5 * time.Second

func (s *Service) reportTickError(id string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	// Stopping engines and unregistered workflows show up during shutdown
	// and reloads.
	if errors.Is(err, engine.ErrStopping) || errors.Is(err, workflow.ErrUnknownWorkflow) {
		s.log.Debug("tick skipped", logx.String("workflow", id), logx.Err(err))
		return
	}

	now := time.Now()
	s.errMu.Lock()
	last := s.lastErrWarn[id]
	if !last.IsZero() && now.Sub(last) < tickWarnThrottle {
		s.errMu.Unlock()
		return
	}
	s.lastErrWarn[id] = now
	s.errMu.Unlock()

	s.log.Warn("workflow tick failed", logx.String("workflow", id), logx.Err(err))
}

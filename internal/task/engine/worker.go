package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"pewflow/internal/task/instance"
	"pewflow/internal/task/runner"
	logx "pewflow/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan job, idx int) {
	// Per-worker RNG: avoids global lock contention when many instances retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, j, rng)
			s.inFlight.Add(-1)
		}
	}
}

// execOne runs attempts of one instance until it succeeds, fails
// terminally or the pool is retired. A running attempt is never cut short
// by a retire; between attempts the instance stays Scheduled and a retire
// leaves it for the next tick.
func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, j job, rng *rand.Rand) {
	defer s.finish(j.key)

	log := s.log.With(
		logx.String("workflow", j.key.WorkflowID),
		logx.String("task", j.key.TaskID),
		logx.Time("logical_date", j.key.LogicalDate),
	)
	if d := s.now().Sub(j.enqueuedAt); d > time.Second {
		log.Debug("instance dequeued late", logx.Duration("queue_delay", d))
	}

	for {
		out, err := s.runner.Execute(ctx, j.def, j.key)
		if err != nil {
			var cv *instance.ConcurrencyViolationError
			if errors.As(err, &cv) {
				s.violations.Add(1)
				s.metrics.violation(ctx, j.key.WorkflowID)
				log.Error("dispatch dropped: concurrency violation", logx.String("state", string(cv.State)), logx.Err(err))
				return
			}
			log.Error("dispatch dropped", logx.Err(err))
			return
		}
		s.metrics.attempt(ctx, j.key.WorkflowID, out.Duration.Seconds(), out.Succeeded())

		inst := out.Instance
		if out.Succeeded() {
			if out.Duration >= 750*time.Millisecond {
				log.Info("instance succeeded", logx.String("run_id", inst.RunID), logx.Int("attempts", inst.Attempts), logx.Duration("dur", out.Duration))
			} else {
				log.Debug("instance succeeded", logx.String("run_id", inst.RunID), logx.Int("attempts", inst.Attempts), logx.Duration("dur", out.Duration))
			}
			return
		}
		if !out.Retry {
			s.terminal.Add(1)
			log.Warn("instance failed",
				logx.String("run_id", inst.RunID),
				logx.Int("attempts", inst.Attempts),
				logx.Int("max_attempts", inst.MaxAttempts),
				logx.Err(out.Err),
			)
			return
		}

		delay := backoffDelayWithHint(s.retryPolicy(j.def.RetryDelay), inst.Attempts, out.Err, rng)
		log.Debug("instance retry scheduled",
			logx.String("run_id", inst.RunID),
			logx.Int("attempt", inst.Attempts+1),
			logx.Duration("delay", delay),
			logx.Err(out.Err),
		)
		if delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				return
			case <-stopCh:
				tmr.Stop()
				return
			case <-tmr.C:
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
	}
}

func (s *Service) retryPolicy(base time.Duration) retryPolicy {
	cfg := s.config()
	p := retryPolicy{Base: cfg.RetryBase, MaxDelay: cfg.RetryMaxDelay, Jitter: cfg.RetryJitter}
	if base > 0 {
		p.Base = base
	}
	return p
}

func backoffDelayWithHint(p retryPolicy, retry int, err error, rng *rand.Rand) time.Duration {
	// Respect explicit retry-after hints if provided by the action.
	if d, ok := runner.RetryHint(err); ok {
		maxD := p.MaxDelay
		if maxD <= 0 {
			maxD = 15 * time.Second
		}
		if d > maxD {
			d = maxD
		}
		return jitter(d, p.Jitter, maxD, rng)
	}
	return backoffDelay(p, retry, rng)
}

func backoffDelay(p retryPolicy, retry int, rng *rand.Rand) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return jitter(d, p.Jitter, maxD, rng)
}

func jitter(d time.Duration, j float64, maxD time.Duration, rng *rand.Rand) time.Duration {
	if j > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}

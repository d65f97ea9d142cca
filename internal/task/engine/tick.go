package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"pewflow/internal/eventbus"
	"pewflow/internal/task/instance"
	logx "pewflow/pkg/logx"
)

// Tick ticks every registered, unpaused workflow. Workflows tick
// concurrently; each one is serialized by its own lock. Per-workflow
// errors are logged and do not stop other workflows.
func (s *Service) Tick(ctx context.Context, now time.Time) []TickReport {
	states := s.states()
	reports := make([]TickReport, len(states))
	var wg sync.WaitGroup
	for i, st := range states {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := s.tickState(ctx, st, now)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("tick failed", logx.String("workflow", st.def.ID), logx.Err(err))
			}
			reports[i] = rep
		}()
	}
	wg.Wait()
	return reports
}

// TickWorkflow materializes the due runs of one workflow at now and
// dispatches its Scheduled instances in ascending logical-date order.
// Ticking again with the same now creates nothing new.
func (s *Service) TickWorkflow(ctx context.Context, id string, now time.Time) (TickReport, error) {
	st, err := s.workflow(id)
	if err != nil {
		return TickReport{WorkflowID: id, Now: now}, err
	}
	return s.tickState(ctx, st, now)
}

func (s *Service) tickState(ctx context.Context, st *wfState, now time.Time) (TickReport, error) {
	def := st.def
	rep := TickReport{WorkflowID: def.ID, Now: now}
	if st.paused.Load() {
		rep.Paused = true
		return rep, nil
	}
	cfg := s.config()
	maxAttempts := def.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.MaxAttempts
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	var latest time.Time
	for ts := range st.calc.DueRuns(st.watermark, now) {
		rep.Due = append(rep.Due, ts)
		latest = ts
		key := instance.NewKey(def.ID, ts, def.Task.ID)
		if _, created := s.instances.Create(key, maxAttempts, s.now()); created {
			rep.Created++
			s.metrics.instanceCreated(ctx, def.ID)
		}
	}
	if latest.After(st.watermark) {
		st.watermark = latest
		s.persistWatermark(ctx, def.ID, latest)
	}
	rep.Watermark = st.watermark

	if rep.Created > 0 {
		s.log.Info("runs materialized",
			logx.String("workflow", def.ID),
			logx.Int("created", rep.Created),
			logx.Time("watermark", st.watermark),
		)
	}

	// Dispatch under the workflow lock so consecutive ticks keep ascending
	// order. Pending also picks up instances stranded by a stop or restart.
	var dispatchErr error
	for _, inst := range s.instances.Pending(def.ID) {
		if s.isQueued(inst.Key) {
			continue
		}
		if err := s.submit(ctx, job{def: def, key: inst.Key, enqueuedAt: s.now()}); err != nil {
			if !errors.Is(err, ErrStopped) {
				dispatchErr = err
			}
			break
		}
		rep.Dispatched++
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.WorkflowTicked, Time: s.now(), Data: rep})
	}
	return rep, dispatchErr
}

func (s *Service) persistWatermark(ctx context.Context, id string, at time.Time) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := s.store.PutWatermark(ctx, id, at); err != nil {
		s.log.Warn("watermark persist failed", logx.String("workflow", id), logx.Time("watermark", at), logx.Err(err))
	}
}

func (s *Service) isQueued(key instance.Key) bool {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	_, ok := s.queued[key]
	return ok
}

// submit hands a job to the worker pool, blocking for queue space. A job
// caught by a pool resize moves to the new pool.
func (s *Service) submit(ctx context.Context, j job) error {
	s.qmu.Lock()
	s.queued[j.key] = struct{}{}
	s.qmu.Unlock()
	s.addBusy()

	var last *pool
	for {
		s.mu.Lock()
		p := s.pool
		s.mu.Unlock()
		switch {
		case p == nil && last == nil:
			s.finish(j.key)
			return ErrStopped
		case p == nil || p == last:
			s.finish(j.key)
			return ErrStopping
		}
		last = p

		sent, err := p.send(ctx, j)
		if err != nil {
			s.finish(j.key)
			return err
		}
		if sent {
			return nil
		}
	}
}

// send reports false when p was retired before the job got in.
func (p *pool) send(ctx context.Context, j job) (bool, error) {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	select {
	case <-p.stopCh:
		return false, nil
	default:
	}
	select {
	case p.q <- j:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-p.stopCh:
		return false, nil
	}
}

func (s *Service) addBusy() {
	s.busyMu.Lock()
	if s.busy == 0 {
		s.idle = make(chan struct{})
	}
	s.busy++
	s.busyMu.Unlock()
}

// finish releases a job taken by submit.
func (s *Service) finish(key instance.Key) {
	s.qmu.Lock()
	delete(s.queued, key)
	s.qmu.Unlock()

	s.busyMu.Lock()
	s.busy--
	if s.busy == 0 {
		close(s.idle)
	}
	s.busyMu.Unlock()
}

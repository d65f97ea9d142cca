package trigger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "pewflow/pkg/logx"
)

func New(cfg Config, ticker Ticker, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log,
		ticker:      ticker,
		now:         time.Now,
		watches:     map[string]*watchDef{},
		lastErrWarn: map[string]time.Time{},
	}
}

// PollInterval returns min(period/10, maxPoll), never below MinPoll.
func PollInterval(period, maxPoll time.Duration) time.Duration {
	d := period / 10
	if maxPoll > 0 && d > maxPoll {
		d = maxPoll
	}
	if d < MinPoll {
		d = MinPoll
	}
	// cron.Every works in whole seconds.
	return d.Round(time.Second)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Watch polls workflow id at the interval derived from its period. Watching
// an id again replaces its entry.
func (s *Service) Watch(id string, period time.Duration) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("trigger: workflow id required")
	}
	if period <= 0 {
		return fmt.Errorf("trigger: workflow %q: period must be > 0", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.watches[id]; ok && s.c != nil {
		s.c.Remove(old.entryID)
	}
	w := &watchDef{id: id, period: period, every: PollInterval(period, s.cfg.maxPoll())}
	s.watches[id] = w
	if s.c != nil {
		s.addEntryLocked(w)
	}
	s.log.Debug("workflow watched", logx.String("workflow", id), logx.Duration("every", w.every))
	return nil
}

// Unwatch removes the entry of workflow id. It reports whether one existed.
func (s *Service) Unwatch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[id]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(w.entryID)
	}
	delete(s.watches, id)
	return true
}

// Apply swaps the config. A change to MaxPoll or Spread reschedules every
// entry on a running service.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cfg
	s.cfg = cfg
	if prev.maxPoll() == cfg.maxPoll() && prev.Spread == cfg.Spread {
		return
	}
	for _, w := range s.watches {
		w.every = PollInterval(w.period, cfg.maxPoll())
	}
	if s.c != nil {
		s.restartLocked()
	}
}

// Start starts polling. Ticks run with a context derived from ctx that is
// canceled by Stop.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("service started", logx.Int("workflows", len(s.watches)), logx.Duration("max_poll", s.cfg.maxPoll()))
}

// Stop stops polling and waits for running ticks until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Sweep ticks every watched workflow once, in id order, and returns the
// number of instances created.
func (s *Service) Sweep(ctx context.Context) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.watches))
	for id := range s.watches {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	created := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		created += s.tick(ctx, id)
	}
	return created
}

// Entries lists the poll entries sorted by workflow id.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.watches))
	for _, w := range s.watches {
		e := Entry{WorkflowID: w.id, Period: w.period, Every: w.every, Spread: w.spread}
		if s.c != nil {
			ce := s.c.Entry(w.entryID)
			e.Next, e.Prev = ce.Next, ce.Prev
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}

func (s *Service) tick(ctx context.Context, id string) int {
	if s.ticker == nil {
		return 0
	}
	rep, err := s.ticker.TickWorkflow(ctx, id, s.now())
	if err != nil {
		s.reportTickError(id, err)
	}
	return rep.Created
}

func (s *Service) startCronLocked() {
	cl := cronLogger{log: s.log.With(logx.Component("cron"))}
	s.c = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, w := range s.watches {
		s.addEntryLocked(w)
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.startCronLocked()
	s.log.Info("service restarted", logx.Int("workflows", len(s.watches)), logx.Duration("max_poll", s.cfg.maxPoll()))
}

// addEntryLocked schedules w on the running cron. Call with s.mu held.
func (s *Service) addEntryLocked(w *watchDef) {
	ctx := s.ctx
	id := w.id
	job := cron.FuncJob(func() { s.tick(ctx, id) })

	var sched cron.Schedule
	sched, w.spread = newPollSchedule(id, w.every, s.now(), s.cfg.Spread)
	w.entryID = s.c.Schedule(sched, job)
}

// Package engine owns workflow activation state, materializes due task
// instances on every tick and executes them on a bounded worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"pewflow/internal/eventbus"
	rtsup "pewflow/internal/runtime/supervisor"
	"pewflow/internal/storage"
	"pewflow/internal/task/instance"
	"pewflow/internal/task/runner"
	"pewflow/internal/task/schedule"
	"pewflow/internal/tasklog"
	"pewflow/internal/workflow"
	logx "pewflow/pkg/logx"
)

const storeTimeout = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	registry  *workflow.Registry
	instances *instance.Store
	runner    *runner.Runner
	store     storage.Store
	metrics   *metrics
	now       func() time.Time

	wfMu sync.RWMutex
	wfs  map[string]*wfState

	// pool is the active worker generation; nil while stopped. Retired
	// generations finish their in-flight attempts in the background.
	pool     *pool
	retiring map[*pool]struct{}
	baseCtx  context.Context

	inFlight atomic.Int32

	// queued holds keys handed to workers and not finished yet, including
	// instances waiting out a retry delay.
	qmu    sync.Mutex
	queued map[instance.Key]struct{}

	busyMu sync.Mutex
	busy   int
	idle   chan struct{} // closed while busy == 0

	violations atomic.Uint64
	terminal   atomic.Uint64
}

type wfState struct {
	mu        sync.Mutex // guards watermark, calc and instance creation
	def       workflow.Definition
	calc      *schedule.Calculator
	watermark time.Time
	paused    atomic.Bool
}

// pool is one generation of workers and its queue.
type pool struct {
	q       chan job
	stopCh  chan struct{} // closed when the generation is retired
	done    chan struct{} // closed once its workers exited and the queue is drained
	sup     *rtsup.Supervisor
	workers int

	sendMu sync.RWMutex // held shared by senders, exclusively by the drain
}

type job struct {
	def        workflow.Definition
	key        instance.Key
	enqueuedAt time.Time
}

type options struct {
	registry  *workflow.Registry
	store     storage.Store
	sink      tasklog.Sink
	meter     metric.Meter
	now       func() time.Time
	observers []instance.Observer
}

type Option func(*options)

// WithRegistry shares an existing registry instead of creating one.
func WithRegistry(r *workflow.Registry) Option { return func(o *options) { o.registry = r } }

// WithStore persists watermarks and instances, and restores them on Register.
func WithStore(s storage.Store) Option { return func(o *options) { o.store = s } }

// WithSink routes task log records.
func WithSink(s tasklog.Sink) Option { return func(o *options) { o.sink = s } }

func WithMeter(m metric.Meter) Option { return func(o *options) { o.meter = m } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithObserver adds an outcome observer notified on every instance
// transition.
func WithObserver(obs instance.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.registry == nil {
		o.registry = workflow.NewRegistry()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	idle := make(chan struct{})
	close(idle)
	s := &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		registry: o.registry,
		store:    o.store,
		metrics:  newMetrics(o.meter),
		now:      o.now,
		wfs:      make(map[string]*wfState),
		queued:   make(map[instance.Key]struct{}),
		retiring: make(map[*pool]struct{}),
		idle:     idle,
	}

	observers := []instance.Observer{instance.ObserverFunc(s.observe)}
	if o.store != nil {
		observers = append(observers, storage.NewRecorder(o.store, log.With(logx.Component("recorder"))))
	}
	observers = append(observers, o.observers...)
	s.instances = instance.NewStore(observers...)
	s.runner = runner.New(s.instances,
		runner.WithSink(o.sink),
		runner.WithLogger(log),
		runner.WithClock(o.now),
		runner.WithDefaultTimeout(cfg.DefaultTimeout),
	)
	return s
}

func (s *Service) Registry() *workflow.Registry { return s.registry }

// observe fans instance transitions out to metrics and the event bus.
func (s *Service) observe(inst instance.Instance) {
	s.metrics.transition(inst)
	if s.bus == nil {
		return
	}
	ev := transitionEvent(inst)
	s.bus.Publish(eventbus.Event{Type: eventbus.InstanceTransition, Time: s.now(), Data: ev})
	if inst.State == instance.Failed {
		s.bus.Publish(eventbus.Event{Type: eventbus.InstanceFailed, Time: s.now(), Data: ev})
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Calculator builds the schedule calculator the engine uses for def under
// cfg: the start rezoned to cfg.Location and catch-up capped per tick.
func Calculator(def workflow.Definition, cfg Config) (*schedule.Calculator, error) {
	rec, err := def.Recurrence()
	if err != nil {
		return nil, err
	}
	opts := []schedule.Option{schedule.WithMaxPerCall(cfg.MaxCatchUpPerTick)}
	if cfg.Location != nil {
		opts = append(opts, schedule.WithLocation(cfg.Location))
	}
	return schedule.NewCalculator(def.Start, rec, def.CatchUp, opts...)
}

// Register validates and registers a workflow, then restores its watermark
// and instances from the store when one is configured. A failed restore
// fails the registration.
func (s *Service) Register(ctx context.Context, def workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	calc, err := Calculator(def, s.config())
	if err != nil {
		return &workflow.DefinitionError{WorkflowID: def.ID, Kind: workflow.ErrInvalidDefinition, Msg: "schedule", Err: err}
	}
	if err := s.registry.Register(def); err != nil {
		return err
	}
	def, _ = s.registry.Get(def.ID)

	st := &wfState{def: def, calc: calc}
	if err := s.restore(ctx, st); err != nil {
		// Without its watermark the workflow would replay intervals that
		// already ran.
		s.registry.Remove(def.ID)
		return fmt.Errorf("restore workflow %q: %w", def.ID, err)
	}

	s.wfMu.Lock()
	s.wfs[def.ID] = st
	s.wfMu.Unlock()

	s.log.Info("workflow registered",
		logx.String("workflow", def.ID),
		logx.String("schedule", calc.Recurrence().String()),
		logx.Bool("catchup", def.CatchUp),
		logx.Time("start", calc.Start()),
	)
	return nil
}

func (s *Service) restore(ctx context.Context, st *wfState) error {
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	id := st.def.ID
	wm, ok, err := s.store.Watermark(ctx, id)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	if ok {
		st.watermark = wm
	}
	list, err := s.store.Instances(ctx, id)
	if err != nil {
		return fmt.Errorf("load instances: %w", err)
	}
	now := s.now()
	for _, inst := range list {
		if !s.instances.Restore(inst) {
			continue
		}
		if inst.Key.LogicalDate.After(st.watermark) {
			st.watermark = inst.Key.LogicalDate
		}
		if inst.State != instance.Running {
			continue
		}
		// The process that ran this attempt is gone.
		s.log.Warn("interrupted attempt recovered",
			logx.String("workflow", id),
			logx.String("run_id", inst.RunID),
			logx.Int("attempt", inst.Attempts),
		)
		if _, err := s.instances.Complete(inst.Key, func(i *instance.Instance) error {
			return i.Interrupt(now)
		}); err != nil {
			s.log.Warn("interrupted attempt not recovered", logx.String("run_id", inst.RunID), logx.Err(err))
		}
	}
	if len(list) > 0 || ok {
		s.log.Info("workflow restored",
			logx.String("workflow", id),
			logx.Time("watermark", st.watermark),
			logx.Int("instances", len(list)),
		)
	}
	return nil
}

func (s *Service) workflow(id string) (*wfState, error) {
	s.wfMu.RLock()
	st := s.wfs[id]
	s.wfMu.RUnlock()
	if st == nil {
		return nil, fmt.Errorf("%w: %q", workflow.ErrUnknownWorkflow, id)
	}
	return st, nil
}

func (s *Service) states() []*wfState {
	s.wfMu.RLock()
	defer s.wfMu.RUnlock()
	out := make([]*wfState, 0, len(s.wfs))
	for _, st := range s.wfs {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b *wfState) int {
		switch {
		case a.def.ID < b.def.ID:
			return -1
		case a.def.ID > b.def.ID:
			return 1
		}
		return 0
	})
	return out
}

// Pause stops Tick from materializing runs of a workflow. Instances already
// dispatched keep running.
func (s *Service) Pause(id string) error {
	st, err := s.workflow(id)
	if err != nil {
		return err
	}
	if !st.paused.Swap(true) {
		s.log.Info("workflow paused", logx.String("workflow", id))
	}
	return nil
}

func (s *Service) Unpause(id string) error {
	st, err := s.workflow(id)
	if err != nil {
		return err
	}
	if st.paused.Swap(false) {
		s.log.Info("workflow unpaused", logx.String("workflow", id))
	}
	return nil
}

func (s *Service) Paused(id string) (bool, error) {
	st, err := s.workflow(id)
	if err != nil {
		return false, err
	}
	return st.paused.Load(), nil
}

// Watermark returns the latest materialized logical date of a workflow.
func (s *Service) Watermark(id string) (time.Time, error) {
	st, err := s.workflow(id)
	if err != nil {
		return time.Time{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.watermark, nil
}

// Instances returns the instances of a workflow by ascending logical date.
func (s *Service) Instances(id string) []instance.Instance {
	return s.instances.List(id)
}

// Instance returns the instance for key.
func (s *Service) Instance(key instance.Key) (instance.Instance, bool) {
	return s.instances.Get(key)
}

// Apply hot-reloads the configuration. Worker or queue changes swap in a
// new pool; the old one finishes its in-flight attempts in the background.
// Calendar settings rebuild calculators without touching watermarks.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	var old *pool
	if s.pool != nil && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		old = s.pool
		s.pool = s.startPoolLocked(cfg)
	}
	s.mu.Unlock()

	s.runner.SetDefaultTimeout(cfg.DefaultTimeout)

	if prev.MaxCatchUpPerTick != cfg.MaxCatchUpPerTick || prev.Location != cfg.Location {
		for _, st := range s.states() {
			calc, err := Calculator(st.def, cfg)
			if err != nil {
				s.log.Warn("calculator rebuild failed", logx.String("workflow", st.def.ID), logx.Err(err))
				continue
			}
			st.mu.Lock()
			st.calc = calc
			st.mu.Unlock()
		}
	}

	if old != nil {
		s.retire(old)
		s.log.Info("engine pool resized",
			logx.Int("workers", cfg.Workers),
			logx.Int("queue", cfg.QueueSize),
			logx.Int("prev_workers", old.workers),
		)
	}
}

// Start launches the worker pool. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return
	}
	s.baseCtx = ctx
	s.pool = s.startPoolLocked(s.cfg)
	s.log.Info("engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

func (s *Service) startPoolLocked(cfg Config) *pool {
	p := &pool{
		q:       make(chan job, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		workers: cfg.Workers,
		sup: rtsup.NewSupervisor(s.baseCtx,
			rtsup.WithLogger(s.log.With(logx.Component("engine"))),
			// worker failures should not hard-kill the app.
			rtsup.WithCancelOnError(false),
		),
	}
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		// Auto-restart workers if they panic or exit unexpectedly.
		p.sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, p.stopCh, p.q, idx)
			select {
			case <-p.stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}
	return p
}

// retire stops p from taking new jobs. Its workers finish the attempt they
// are running; instances waiting out a retry delay go back to the next
// tick. Jobs nobody picked up are released the same way.
func (s *Service) retire(p *pool) {
	s.mu.Lock()
	s.retiring[p] = struct{}{}
	s.mu.Unlock()

	close(p.stopCh)
	p.sup.Cancel()
	go func() {
		_ = p.sup.Wait(context.Background())
		p.sendMu.Lock()
		for drained := false; !drained; {
			select {
			case j := <-p.q:
				s.finish(j.key)
			default:
				drained = true
			}
		}
		p.sendMu.Unlock()

		s.mu.Lock()
		delete(s.retiring, p)
		s.mu.Unlock()
		close(p.done)
	}()
}

// Stop stops the worker pool and waits, within ctx, for in-flight attempts
// to finish. Queued instances stay Scheduled and are dispatched again by
// the next tick after a restart.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pool
	s.pool = nil
	s.mu.Unlock()
	if p != nil {
		s.retire(p)
	}

	s.mu.Lock()
	waits := make([]chan struct{}, 0, len(s.retiring))
	for rp := range s.retiring {
		waits = append(waits, rp.done)
	}
	s.mu.Unlock()
	if p == nil && len(waits) == 0 {
		return
	}

	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			s.log.Warn("engine stop timed out", logx.Int("in_flight", int(s.inFlight.Load())), logx.Err(ctx.Err()))
			return
		}
	}
	s.log.Info("engine stopped")
}

// Wait blocks until no dispatched instance is queued, running or waiting
// for a retry, or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	s.busyMu.Lock()
	idle := s.idle
	s.busyMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	p := s.pool
	s.mu.Unlock()

	snap := Snapshot{
		Running:               p != nil,
		Workers:               cfg.Workers,
		InFlight:              int(s.inFlight.Load()),
		ConcurrencyViolations: s.violations.Load(),
		TerminalFailures:      s.terminal.Load(),
	}
	if p != nil {
		snap.QueueLen = len(p.q)
		snap.QueueCap = cap(p.q)
		snap.Supervisor = p.sup.Counters()
	}
	s.busyMu.Lock()
	snap.Busy = s.busy
	s.busyMu.Unlock()

	for _, st := range s.states() {
		st.mu.Lock()
		ws := WorkflowStatus{
			ID:        st.def.ID,
			Schedule:  st.calc.Recurrence().String(),
			CatchUp:   st.def.CatchUp,
			Paused:    st.paused.Load(),
			Watermark: st.watermark,
			Next:      st.calc.Next(s.now()),
			Instances: map[instance.State]int{},
		}
		st.mu.Unlock()
		for _, inst := range s.instances.List(st.def.ID) {
			ws.Instances[inst.State]++
		}
		snap.Workflows = append(snap.Workflows, ws)
	}
	return snap
}

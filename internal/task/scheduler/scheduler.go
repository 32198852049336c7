package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"chronod/internal/eventbus"
	rtsup "chronod/internal/runtime/supervisor"
	"chronod/internal/storage"
	"chronod/internal/task/engine"
	"chronod/internal/task/listener"
	"chronod/internal/task/recovery"
	"chronod/internal/task/store"
	logx "chronod/pkg/logx"
)

// completionBuffer sizes the channel workers report completions on.
const completionBuffer = 256

// Scheduler owns jobs, triggers and listeners and fires triggers on the
// worker pool.
type Scheduler struct {
	cfg   Config
	log   logx.Logger
	clock clockwork.Clock
	bus   eventbus.Bus

	store     *store.Store
	pool      *engine.Service
	listeners *listener.Bus
	journal   storage.Journal
	recovery  *recovery.Manager

	mu       sync.Mutex
	state    State
	graceful bool
	started  time.Time
	sup      *rtsup.Supervisor

	wake        chan struct{}
	completions chan completion
	done        chan struct{} // closed once the dispatch loop is gone for good
	doneOnce    sync.Once

	// blocked is owned by the loop: the pool queue was full on the last pass.
	blocked bool

	inflight atomic.Int64
	fired    atomic.Uint64
	misfired atomic.Uint64
	vetoed   atomic.Uint64
	faults   atomic.Uint64
}

// New builds a scheduler on top of pool. A nil pool gets a default one.
func New(cfg Config, pool *engine.Service, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:         cfg.withDefaults(),
		clock:       clockwork.NewRealClock(),
		store:       store.New(),
		pool:        pool,
		wake:        make(chan struct{}, 1),
		completions: make(chan completion, completionBuffer),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = log.With(logx.String("instance", s.cfg.InstanceName))
	if s.pool == nil {
		s.pool = engine.New(engine.Config{}, s.log, s.bus)
	}
	s.listeners = listener.New(s.log.With(logx.String("comp", "listeners")), s.cfg.HistorySize)
	if s.journal != nil {
		s.recovery = recovery.New(s.journal, s.store, s.clock, s.log.With(logx.String("comp", "recovery")))
	}
	return s
}

func (s *Scheduler) Config() Config { return s.cfg }

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start runs recovery (first start only), starts the worker pool and the
// dispatch loop. Starting a scheduler in standby resumes firing.
//
// Canceling ctx does not stop the scheduler or its executions; only
// Shutdown does.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	switch s.state {
	case StateShuttingDown, StateShutdown:
		s.mu.Unlock()
		return ErrShutdownInProgress
	case StateRunning:
		s.mu.Unlock()
		return nil
	case StateStandby:
		if s.sup != nil {
			s.state = StateRunning
			s.mu.Unlock()
			s.signal()
			s.notify(listener.SchedulerEvent{Type: listener.SchedulerStarted})
			s.log.Info("scheduler resumed from standby")
			return nil
		}
		// Standby before the first start: start for real.
	}

	ctx = context.WithoutCancel(ctx)
	s.pool.Start(ctx)
	var recErr error
	if s.recovery != nil {
		rep, err := s.recovery.Recover(ctx)
		if err != nil {
			recErr = err
			s.log.Error("recovery incomplete", logx.Err(err))
		}
		if rep.Found > 0 {
			s.log.Info("recovery done", logx.Int("interrupted", rep.Found), logx.Int("skipped", rep.Skipped), logx.Int("refired", len(rep.Triggers)))
		}
	}

	s.state = StateRunning
	s.started = s.clock.Now()
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("dispatch", s.loop, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	go func() {
		_ = sup.Wait(context.Background())
		s.closeDone()
	}()

	jobs, states := s.store.Counts()
	s.log.Info("scheduler started",
		logx.Int("jobs", jobs),
		logx.Int("waiting", states[store.StateWaiting]),
		logx.Int("paused", states[store.StatePaused]),
		logx.Duration("misfire_threshold", s.cfg.MisfireThreshold),
		logx.String("tz", s.cfg.Location.String()),
	)
	if recErr != nil {
		s.notify(listener.SchedulerEvent{Type: listener.SchedulerError, Err: recErr})
	}
	s.notify(listener.SchedulerEvent{Type: listener.SchedulerStarted})
	s.publish("scheduler.started", s.cfg.InstanceName)
	return nil
}

// Standby stops firing triggers without stopping in-flight executions.
// Start resumes. A scheduler put in standby before it ever started is
// started normally by Start.
func (s *Scheduler) Standby() error {
	s.mu.Lock()
	switch s.state {
	case StateShuttingDown, StateShutdown:
		s.mu.Unlock()
		return ErrShutdownInProgress
	case StateStandby:
		s.mu.Unlock()
		return nil
	}
	s.state = StateStandby
	s.mu.Unlock()

	s.signal()
	s.notify(listener.SchedulerEvent{Type: listener.SchedulerStandby})
	s.log.Info("scheduler in standby")
	return nil
}

// Shutdown stops acquiring triggers. With waitForJobs it lets in-flight and
// queued executions finish and processes their completions before it
// returns (or ctx ends); otherwise it cancels running executions and drops
// queued ones. A second call is a no-op.
func (s *Scheduler) Shutdown(ctx context.Context, waitForJobs bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := s.clock.Now()

	s.mu.Lock()
	switch s.state {
	case StateShuttingDown, StateShutdown:
		s.mu.Unlock()
		return nil
	case StateCreated, StateStandby:
		if s.sup != nil {
			break
		}
		s.state = StateShutdown
		s.mu.Unlock()
		s.closeDone()
		s.notify(listener.SchedulerEvent{Type: listener.SchedulerShuttingDown})
		s.notify(listener.SchedulerEvent{Type: listener.SchedulerShutdown})
		return nil
	}
	s.state = StateShuttingDown
	s.graceful = waitForJobs
	sup := s.sup
	s.mu.Unlock()

	s.log.Info("scheduler shutting down", logx.Bool("wait_for_jobs", waitForJobs), logx.Int64("in_flight", s.inflight.Load()))
	s.notify(listener.SchedulerEvent{Type: listener.SchedulerShuttingDown})
	s.publish("scheduler.shutting_down", waitForJobs)
	s.signal()

	var err error
	if waitForJobs {
		if err = s.pool.Stop(ctx, true); err == nil {
			select {
			case <-s.done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		if err != nil {
			s.log.Warn("graceful shutdown timed out, canceling executions", logx.Err(err))
		}
	} else {
		_ = s.pool.Stop(ctx, false)
	}
	sup.Cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	s.mu.Lock()
	s.state = StateShutdown
	s.mu.Unlock()

	s.log.Info("scheduler shut down",
		logx.Duration("took", s.clock.Since(start)),
		logx.Uint64("fired", s.fired.Load()),
		logx.Uint64("faults", s.faults.Load()),
	)
	s.notify(listener.SchedulerEvent{Type: listener.SchedulerShutdown, Err: err})
	s.publish("scheduler.shutdown", err)
	return err
}

func (s *Scheduler) closeDone() { s.doneOnce.Do(func() { close(s.done) }) }

// lifecycle is read by the loop once per pass.
func (s *Scheduler) lifecycle() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.graceful
}

func (s *Scheduler) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateShuttingDown || s.state == StateShutdown {
		return ErrShutdownInProgress
	}
	return nil
}

// signal wakes the loop. Signals coalesce.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) notify(e listener.SchedulerEvent) {
	if e.At.IsZero() {
		e.At = s.clock.Now()
	}
	s.listeners.NotifyScheduler(e)
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
}
